package weeabot

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnGuildSettingRequestsEnabled   = "requests_enabled"
	columnGuildSettingRequestsChannelID = "requests_channel_id"
)

// GuildSetting holds a guild's request configuration. Requests are only
// available when they're enabled and a requests channel is set.
type GuildSetting struct {
	GuildID           string         `gorm:"primaryKey" json:"guild_id"`
	RequestsEnabled   bool           `gorm:"not null" json:"requests_enabled"`
	RequestsChannelID NullableString `json:"requests_channel_id"`
	ModelUnixTime
}

// RequestsAvailable reports whether requests can be created in the guild.
func (g GuildSetting) RequestsAvailable() bool {
	return g.RequestsEnabled && g.RequestsChannelID != ""
}

func (g GuildSetting) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", g.GuildID),
		slog.Bool("requests_enabled", g.RequestsEnabled),
		slog.String("requests_channel_id", string(g.RequestsChannelID)),
	)
}

// GuildSettingsReader provides the current settings for a guild. A guild
// with no stored settings gets the zero value, with requests disabled.
type GuildSettingsReader interface {
	GuildSetting(ctx context.Context, guildID string) (GuildSetting, error)
}

// guildSettings caches every GuildSetting in memory. Writes go to the
// database first, then the cache.
type guildSettings struct {
	db      *gorm.DB
	writeDB DBI
	cache   map[string]GuildSetting
	mu      sync.RWMutex
	logger  *slog.Logger
}

func newGuildSettings(db *gorm.DB, writeDB DBI, logger *slog.Logger) *guildSettings {
	if logger == nil {
		logger = slog.Default()
	}
	return &guildSettings{
		db:      db,
		writeDB: writeDB,
		cache:   map[string]GuildSetting{},
		logger:  logger.With(loggerNameKey, "guild_settings"),
	}
}

// Load replaces the cache with every setting in the database.
func (g *guildSettings) Load(ctx context.Context) error {
	var settings []GuildSetting
	if err := g.db.WithContext(ctx).Find(&settings).Error; err != nil {
		return err
	}

	cache := make(map[string]GuildSetting, len(settings))
	for _, s := range settings {
		cache[s.GuildID] = s
	}

	g.mu.Lock()
	g.cache = cache
	g.mu.Unlock()

	g.logger.InfoContext(ctx, "loaded guild settings", "count", len(cache))
	return nil
}

// Reload refreshes the cached setting for a single guild.
func (g *guildSettings) Reload(ctx context.Context, guildID string) (GuildSetting, error) {
	var setting GuildSetting
	err := g.db.WithContext(ctx).Where("guild_id = ?", guildID).Take(&setting).Error

	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		delete(g.cache, guildID)
		return GuildSetting{GuildID: guildID}, nil
	case err != nil:
		return GuildSetting{}, err
	}
	g.cache[guildID] = setting
	return setting, nil
}

func (g *guildSettings) GuildSetting(_ context.Context, guildID string) (GuildSetting, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if setting, ok := g.cache[guildID]; ok {
		return setting, nil
	}
	return GuildSetting{GuildID: guildID}, nil
}

// List returns every cached setting.
func (g *guildSettings) List() []GuildSetting {
	g.mu.RLock()
	defer g.mu.RUnlock()
	settings := make([]GuildSetting, 0, len(g.cache))
	for _, s := range g.cache {
		settings = append(settings, s)
	}
	return settings
}

// Save upserts the given setting and updates the cache.
func (g *guildSettings) Save(ctx context.Context, setting GuildSetting) (GuildSetting, error) {
	err := g.writeDB.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			err := tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: "guild_id"}},
					DoUpdates: clause.AssignmentColumns(
						[]string{
							columnGuildSettingRequestsEnabled,
							columnGuildSettingRequestsChannelID,
							"updated_at",
						},
					),
				},
			).Create(&setting).Error
			if err != nil {
				return err
			}
			return tx.Where("guild_id = ?", setting.GuildID).Take(&setting).Error
		},
	)
	if err != nil {
		return GuildSetting{}, err
	}

	g.mu.Lock()
	g.cache[setting.GuildID] = setting
	g.mu.Unlock()

	g.logger.InfoContext(ctx, "saved guild setting", "setting", setting)
	return setting, nil
}
