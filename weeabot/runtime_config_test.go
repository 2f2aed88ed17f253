package weeabot

import (
	"reflect"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runtimeConfigJSONFields(t testing.TB) map[string]bool {
	t.Helper()
	fields := map[string]bool{}
	typ := reflect.TypeOf(RuntimeConfig{})
	for i := 0; i < typ.NumField(); i++ {
		jsonTag, _, _ := strings.Cut(typ.Field(i).Tag.Get("json"), ",")
		if jsonTag != "" && jsonTag != "-" {
			fields[jsonTag] = true
		}
	}
	return fields
}

func TestRuntimeConfigUpdateKeys(t *testing.T) {
	t.Parallel()
	runtimeConfigFields := runtimeConfigJSONFields(t)

	updateType := reflect.TypeOf(RuntimeConfigUpdate{})
	for i := 0; i < updateType.NumField(); i++ {
		jsonTag, _, _ := strings.Cut(updateType.Field(i).Tag.Get("json"), ",")
		if jsonTag == "" || jsonTag == "-" {
			continue
		}
		if !runtimeConfigFields[jsonTag] {
			t.Errorf("Field %s in RuntimeConfigUpdate is not present in RuntimeConfig", jsonTag)
		}
	}
}

func TestRuntimeConfigUpdate_Updates(t *testing.T) {
	t.Parallel()
	assert.Empty(t, RuntimeConfigUpdate{}.updates())

	update := RuntimeConfigUpdate{
		Paused:                       boolPtr(true),
		RecoverPanic:                 boolPtr(false),
		DiscordGatewayEnabled:        boolPtr(false),
		DiscordCustomStatus:          strPtr("hi"),
		DiscordNotificationChannelID: strPtr("123"),
		LogLevel:                     dbLogLevelPtr(DBLogLevelDebug),
		DiscordLogLevel:              dbLogLevelPtr(DBLogLevelWarn),
		DiscordGoLogLevel:            dbLogLevelPtr(DBLogLevelError),
		DatabaseLogLevel:             dbLogLevelPtr(DBLogLevelInfo),
		APILogLevel:                  dbLogLevelPtr(DBLogLevelWarn),
	}
	values := update.updates()

	// every field is set, keyed by its column
	assert.Len(t, values, reflect.TypeOf(update).NumField())
	runtimeConfigFields := runtimeConfigJSONFields(t)
	for column := range values {
		assert.Truef(t, runtimeConfigFields[column], "unknown column %q", column)
	}
	assert.Equal(t, true, values[columnRuntimeConfigPaused])
	assert.Equal(t, "hi", values[columnRuntimeConfigDiscordCustomStatus])
	assert.Equal(t, "123", values[columnRuntimeConfigDiscordNotificationChannelID])
	assert.Equal(t, DBLogLevelError, values["discordgo_log_level"])
}

func TestRuntimeConfigUpdate_Validate(t *testing.T) {
	t.Parallel()
	assert.NoError(t, RuntimeConfigUpdate{}.validate())
	assert.NoError(t, RuntimeConfigUpdate{LogLevel: dbLogLevelPtr(DBLogLevelDebug)}.validate())

	bad := DBLogLevel("LOUD")
	assert.Error(t, RuntimeConfigUpdate{APILogLevel: &bad}.validate())
	assert.Error(t, RuntimeConfigUpdate{DiscordCustomStatus: strPtr(strings.Repeat("a", 129))}.validate())
	assert.Error(
		t,
		RuntimeConfigUpdate{DiscordNotificationChannelID: strPtr(strings.Repeat("1", 33))}.validate(),
	)
}

func TestValidateDefaultRuntimeConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultRuntimeConfig()
	require.NoError(t, structValidator.Struct(cfg))

	cfg.LogLevel = DBLogLevel("LOUD")
	require.Error(t, structValidator.Struct(cfg))
}

func TestGetDiscordPresenceStatusUpdate(t *testing.T) {
	t.Parallel()
	cfg := DefaultRuntimeConfig()
	cfg.DiscordCustomStatus = "hello"

	assert.Equal(t, discordgo.GatewayStatusUpdate{Status: "hello"}, getDiscordPresenceStatusUpdate(cfg))

	cfg.Paused = true
	assert.Equal(
		t,
		discordgo.GatewayStatusUpdate{AFK: true, Status: string(discordgo.StatusDoNotDisturb)},
		getDiscordPresenceStatusUpdate(cfg),
	)
}
