package weeabot

import (
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

var (
	columnRuntimeConfigAdminUsername                = "admin_username"
	columnRuntimeConfigAdminPassword                = "admin_password"
	columnRuntimeConfigDiscordCustomStatus          = "discord_custom_status"
	columnRuntimeConfigDiscordNotificationChannelID = "discord_notification_channel_id"
	columnRuntimeConfigPaused                       = "paused"
)

// RuntimeConfig holds the settings that can be changed while the bot is
// running, persisted so they survive restarts (e.g., being paused).
// There's a single row, edited through the API.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused indicates whether the bot is currently paused. While paused,
	// only the operator's commands are handled. Reactions on status
	// messages are still handled.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// Opens a discord gateway websocket connection
	DiscordGatewayEnabled bool `json:"discord_gateway_enabled" gorm:"not null;default:true"`

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// DiscordNotificationChannelID is the channel operator warnings (like
	// a deleted requests channel) and the startup message are sent to.
	DiscordNotificationChannelID string `json:"discord_notification_channel_id" gorm:"type:string"`

	// RecoverPanic recovers panics in command handlers, logging them
	// instead of crashing.
	RecoverPanic bool `json:"recover_panic" gorm:"not null;default:false"`

	// AdminUsername for the API
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"admin_password" gorm:"type:string" log:"[redacted]"`

	// LogLevel is the general logging level for the application.
	LogLevel DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`

	// DiscordLogLevel is the logging level for Discord-related operations.
	DiscordLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`

	// DiscordGoLogLevel is the logging level for the DiscordGo library.
	DiscordGoLogLevel DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`

	// DatabaseLogLevel is the logging level for database operations.
	DatabaseLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`

	// APILogLevel is the logging level for API operations.
	APILogLevel DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func (r RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(r)
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		DiscordGatewayEnabled: true,
		LogLevel:              DBLogLevel(slog.LevelInfo.String()),
		DiscordLogLevel:       DBLogLevel(slog.LevelInfo.String()),
		DiscordGoLogLevel:     DBLogLevel(slog.LevelWarn.String()),
		DatabaseLogLevel:      DBLogLevel(slog.LevelInfo.String()),
		APILogLevel:           DBLogLevel(slog.LevelInfo.String()),
	}
}

//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused       *bool `json:"paused,omitempty"`
	RecoverPanic *bool `json:"recover_panic,omitempty"`

	DiscordGatewayEnabled        *bool   `json:"discord_gateway_enabled,omitempty"`
	DiscordCustomStatus          *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
	DiscordNotificationChannelID *string `json:"discord_notification_channel_id,omitempty" binding:"omitnil,max=32"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (b RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(b)
}

// updates returns the column values set in the update.
func (b RuntimeConfigUpdate) updates() map[string]any {
	values := map[string]any{}
	if b.Paused != nil {
		values[columnRuntimeConfigPaused] = *b.Paused
	}
	if b.RecoverPanic != nil {
		values["recover_panic"] = *b.RecoverPanic
	}
	if b.DiscordGatewayEnabled != nil {
		values["discord_gateway_enabled"] = *b.DiscordGatewayEnabled
	}
	if b.DiscordCustomStatus != nil {
		values[columnRuntimeConfigDiscordCustomStatus] = *b.DiscordCustomStatus
	}
	if b.DiscordNotificationChannelID != nil {
		values[columnRuntimeConfigDiscordNotificationChannelID] = *b.DiscordNotificationChannelID
	}
	if b.LogLevel != nil {
		values["log_level"] = *b.LogLevel
	}
	if b.DiscordLogLevel != nil {
		values["discord_log_level"] = *b.DiscordLogLevel
	}
	if b.DiscordGoLogLevel != nil {
		values["discordgo_log_level"] = *b.DiscordGoLogLevel
	}
	if b.DatabaseLogLevel != nil {
		values["database_log_level"] = *b.DatabaseLogLevel
	}
	if b.APILogLevel != nil {
		values["api_log_level"] = *b.APILogLevel
	}
	return values
}

func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	if config.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.GatewayStatusUpdate{Status: config.DiscordCustomStatus}
}
