package cmd

import (
	"context"
	"fmt"
	"github.com/Drowrin/Weeabot-sub000/weeabot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = weeabot.DefaultConfig()
	configFile string
)

// levelKeys are the config keys holding a *slog.LevelVar
var levelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "weeabot [flags]",
	Short: "Discord bot with moderator-approved command requests",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names (DEBUG, INFO, ...) into
// *slog.LevelVar fields.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetEnvPrefix(envVarPrefix())

	viper.SetDefault("database", weeabot.DefaultDatabase)
	viper.SetDefault("database_type", weeabot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		weeabot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		weeabot.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("runtime_config_ttl", weeabot.DefaultRuntimeConfigTTL)
	viper.SetDefault("guild_settings_ttl", weeabot.DefaultGuildSettingsTTL)

	viper.SetDefault("log_level", weeabot.DefaultLogLevel.String())

	viper.SetDefault("startup_timeout", weeabot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", weeabot.DefaultShutdownTimeout)

	// Request elevation
	viper.SetDefault("requests.user_limit", weeabot.DefaultRequestUserLimit)
	viper.SetDefault("requests.guild_limit", weeabot.DefaultRequestGuildLimit)
	viper.SetDefault("requests.global_limit", weeabot.DefaultRequestGlobalLimit)
	viper.SetDefault("requests.max_age", weeabot.DefaultRequestMaxAge)
	viper.SetDefault(
		"requests.sweep_interval",
		weeabot.DefaultRequestSweepInterval,
	)
	viper.SetDefault("requests.channel_name", weeabot.DefaultRequestsChannelName)
	viper.SetDefault(
		"requests.confirm_timeout",
		weeabot.DefaultRequestConfirmTimeout,
	)
	viper.SetDefault(
		"requests.status_posts_per_second",
		weeabot.DefaultRequestStatusPostsPerSecond,
	)
	viper.SetDefault(
		"requests.restore_concurrency",
		weeabot.DefaultRequestRestoreConcurrency,
	)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.owner_id", "")
	viper.SetDefault("discord.command_prefix", weeabot.DefaultCommandPrefix)
	viper.SetDefault(
		"discord.log_level",
		weeabot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		weeabot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		weeabot.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.startup_message", weeabot.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.error_message", weeabot.DefaultDiscordErrorMessage)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", weeabot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", weeabot.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)

	viper.SetDefault(
		"api.session_max_age",
		weeabot.DefaultAPISessionMaxAge,
	)
	viper.SetDefault("api.read_timeout", weeabot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		weeabot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", weeabot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", weeabot.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	viper.SetDefault("api.ssl.tls_min_version", weeabot.DefaultUITLSMinVersion)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		weeabot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		weeabot.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		weeabot.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", weeabot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		weeabot.DefaultAPICORSAllowCredentials,
	)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range levelKeys {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

// envVarPrefix returns the prefix for config environment variables,
// overridable with WEEABOT_ENV_PREFIX.
func envVarPrefix() string {
	if prefix := os.Getenv(weeabot.EnvvarSetEnvPrefix); prefix != "" {
		return prefix
	}
	return weeabot.DefaultEnvPrefix
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
