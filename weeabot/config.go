//nolint:lll // struct tags can't be split
package weeabot

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix    = "WEEABOT_ENV_PREFIX"
	DefaultEnvPrefix      = "WB"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "weeabot.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout   = 60 * time.Second
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultCommandPrefix         = "!"
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordErrorMessage   = "sorry, something went wrong!"
	DefaultDiscordStartupMessage = "I'm here!"
	DefaultDiscordGatewayIntent  = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	discordMaxMessageLength = 2000

	DefaultRequestUserLimit            = 5
	DefaultRequestGuildLimit           = 30
	DefaultRequestGlobalLimit          = 100
	DefaultRequestMaxAge               = 7 * 24 * time.Hour
	DefaultRequestSweepInterval        = 24 * time.Hour
	DefaultRequestsChannelName         = "requests"
	DefaultRequestConfirmTimeout       = 30 * time.Second
	DefaultRequestStatusPostsPerSecond = 2
	DefaultRequestRestoreConcurrency   = 4

	DefaultAPIListen        = "127.0.0.1:5000"
	DefaultUITLSMinVersion  = tls.VersionTLS12
	DefaultAPISessionMaxAge = 6 * time.Hour

	DefaultDatabaseSlowThreshold   = 200 * time.Millisecond
	DefaultDatabaseLogLevel        = slog.LevelInfo
	DefaultDiscordgoLogLevel       = slog.LevelWarn
	DefaultAPILogLevel             = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true

	DefaultRuntimeConfigTTL = 5 * time.Minute
	DefaultGuildSettingsTTL = time.Hour
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		"X-CSRF-Token",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		xRequestIDHeader,
		"Location",
		"ETag",
		"Authorization",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Requests configures request elevation: scope limits, expiry and
	// the status message behavior.
	Requests *RequestsConfig `yaml:"requests" mapstructure:"requests" json:"requests"`

	// API configures the backend API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// RuntimeConfigTTL sets the time-to-live for the RuntimeConfig cache.
	// By default, RuntimeConfig is loaded on start, and refreshed with each
	// update. When running multiple instances, the config may become
	// stale if updated from another instance. If this TTL is set above 0,
	// the config will be refreshed from the database at least every TTL duration.
	// If using PostgreSQL, LISTEN/NOTIFY will be used to announce updates in
	// addition to this.
	RuntimeConfigTTL time.Duration `yaml:"runtime_config_ttl" mapstructure:"runtime_config_ttl" json:"runtime_config_ttl"`

	// GuildSettingsTTL sets the time-to-live for the GuildSetting cache.
	// All settings are loaded on startup and updated as guilds enable or
	// disable requests. If above 0, the whole cache is reloaded at least
	// every TTL duration.
	GuildSettingsTTL time.Duration `yaml:"guild_settings_ttl" mapstructure:"guild_settings_ttl" json:"guild_settings_ttl"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// RequestsConfig configures request elevation.
type RequestsConfig struct {
	// Maximum number of pending requests a single user may have
	UserLimit int `yaml:"user_limit" mapstructure:"user_limit" json:"user_limit"`

	// Maximum number of pending requests in a single guild
	GuildLimit int `yaml:"guild_limit" mapstructure:"guild_limit" json:"guild_limit"`

	// Maximum number of pending requests overall
	GlobalLimit int `yaml:"global_limit" mapstructure:"global_limit" json:"global_limit"`

	// Pending requests older than this are denied on the next sweep.
	// 0 disables expiry.
	MaxAge time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`

	// How often expired requests are swept
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval" json:"sweep_interval"`

	// Name of the channel created by enable_requests
	ChannelName string `yaml:"channel_name" mapstructure:"channel_name" json:"channel_name" binding:"required"`

	// How long enable_requests waits for the confirmation reaction
	ConfirmTimeout time.Duration `yaml:"confirm_timeout" mapstructure:"confirm_timeout" json:"confirm_timeout"`

	// Maximum rate of new status messages, shared by all guilds
	StatusPostsPerSecond float64 `yaml:"status_posts_per_second" mapstructure:"status_posts_per_second" json:"status_posts_per_second"`

	// Number of requests restored concurrently on startup
	RestoreConcurrency int `yaml:"restore_concurrency" mapstructure:"restore_concurrency" json:"restore_concurrency"`
}

// validateRequestsConfig is registered as a struct-level validation for
// RequestsConfig.
func validateRequestsConfig(sl validator.StructLevel) {
	value, ok := sl.Current().Interface().(RequestsConfig)
	if !ok {
		return
	}
	if value.UserLimit < 1 {
		sl.ReportError(value.UserLimit, "user_limit", "UserLimit", "min", "1")
	}
	if value.GuildLimit < value.UserLimit {
		sl.ReportError(value.GuildLimit, "guild_limit", "GuildLimit", "gtefield", "UserLimit")
	}
	if value.GlobalLimit < value.GuildLimit {
		sl.ReportError(value.GlobalLimit, "global_limit", "GlobalLimit", "gtefield", "GuildLimit")
	}
	if value.MaxAge < 0 {
		sl.ReportError(value.MaxAge, "max_age", "MaxAge", "min", "0")
	}
	if value.MaxAge > 0 && value.SweepInterval <= 0 {
		sl.ReportError(value.SweepInterval, "sweep_interval", "SweepInterval", "required_with", "MaxAge")
	}
	if value.ConfirmTimeout <= 0 {
		sl.ReportError(value.ConfirmTimeout, "confirm_timeout", "ConfirmTimeout", "gt", "0")
	}
	if value.StatusPostsPerSecond <= 0 {
		sl.ReportError(value.StatusPostsPerSecond, "status_posts_per_second", "StatusPostsPerSecond", "gt", "0")
	}
	if value.RestoreConcurrency < 1 {
		sl.ReportError(value.RestoreConcurrency, "restore_concurrency", "RestoreConcurrency", "min", "1")
	}
}

// Limits returns the configured scope limits.
func (c RequestsConfig) Limits() ScopeLimits {
	return ScopeLimits{
		User:   c.UserLimit,
		Guild:  c.GuildLimit,
		Global: c.GlobalLimit,
	}
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// OwnerID is the user ID of the bot operator. The operator holds
	// global authority: they can approve any request in any guild.
	OwnerID string `yaml:"owner_id" mapstructure:"owner_id" json:"owner_id" binding:"required"`

	// CommandPrefix is the prefix messages must start with to be treated
	// as commands.
	CommandPrefix string `yaml:"command_prefix" mapstructure:"command_prefix" json:"command_prefix" binding:"required"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If specified, _and_ [RuntimeConfig.DiscordGatewayEnabled] is true,
	// _and_ [RuntimeConfig.DiscordNotificationChannelID] is set, the bot will
	// send the specified message to that channel ID whenever it connects to the
	// discord gateway.
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// Reply sent when a command fails with an unexpected error
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message" binding:"required"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// APIConfig configures the backend API server
type APIConfig struct {
	// Enables the API server
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"  binding:"required_if=Enabled true"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"  binding:"required_if=Enabled true"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"  binding:"required_if=Enabled true"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age"  binding:"omitempty,min=10m,max=24h"`

	// If true, the SameSite attribute of the session cookie will be set to
	// 'None', and pprof handlers are registered
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key" binding:"required_with=Cert"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultRequestsConfig returns a RequestsConfig with the default limits,
// a weekly expiry and a daily sweep.
func DefaultRequestsConfig() *RequestsConfig {
	return &RequestsConfig{
		UserLimit:            DefaultRequestUserLimit,
		GuildLimit:           DefaultRequestGuildLimit,
		GlobalLimit:          DefaultRequestGlobalLimit,
		MaxAge:               DefaultRequestMaxAge,
		SweepInterval:        DefaultRequestSweepInterval,
		ChannelName:          DefaultRequestsChannelName,
		ConfirmTimeout:       DefaultRequestConfirmTimeout,
		StatusPostsPerSecond: DefaultRequestStatusPostsPerSecond,
		RestoreConcurrency:   DefaultRequestRestoreConcurrency,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		RuntimeConfigTTL:      DefaultRuntimeConfigTTL,
		GuildSettingsTTL:      DefaultGuildSettingsTTL,
		Requests:              DefaultRequestsConfig(),
		Discord: &DiscordConfig{
			CommandPrefix:     DefaultCommandPrefix,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
			ErrorMessage:      DefaultDiscordErrorMessage,
		},
		API: &APIConfig{
			Enabled:       true,
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultUITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}
