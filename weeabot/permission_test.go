package weeabot

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermissionResolver_Resolve(t *testing.T) {
	t.Parallel()
	resolver := PermissionResolver{OperatorID: "operator"}

	tests := []struct {
		name     string
		inv      Invocation
		expected PermissionLevel
	}{
		{
			name:     "operator in guild",
			inv:      Invocation{UserID: "operator", GuildID: "g"},
			expected: PermissionGlobal,
		},
		{
			name:     "operator in private message",
			inv:      Invocation{UserID: "operator"},
			expected: PermissionGlobal,
		},
		{
			name: "manage guild",
			inv: Invocation{
				UserID:      "mod",
				GuildID:     "g",
				Permissions: discordgo.PermissionManageServer,
			},
			expected: PermissionGuild,
		},
		{
			name: "administrator",
			inv: Invocation{
				UserID:      "admin",
				GuildID:     "g",
				Permissions: discordgo.PermissionAdministrator | discordgo.PermissionSendMessages,
			},
			expected: PermissionGuild,
		},
		{
			name: "manager permissions outside a guild",
			inv: Invocation{
				UserID:      "mod",
				Permissions: discordgo.PermissionManageServer,
			},
			expected: PermissionNone,
		},
		{
			name: "regular user",
			inv: Invocation{
				UserID:      "user",
				GuildID:     "g",
				Permissions: discordgo.PermissionSendMessages | discordgo.PermissionManageMessages,
			},
			expected: PermissionNone,
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, resolver.Resolve(tc.inv))
			},
		)
	}
}

func TestPermissionResolver_NoOperator(t *testing.T) {
	t.Parallel()
	resolver := PermissionResolver{}
	assert.False(t, resolver.IsOperator(""))
	assert.Equal(t, PermissionNone, resolver.Resolve(Invocation{GuildID: "g"}))
}

func TestPermissionLevel_Ordering(t *testing.T) {
	t.Parallel()
	assert.Less(t, PermissionNone, PermissionGuild)
	assert.Less(t, PermissionGuild, PermissionGlobal)
}

func TestParsePermissionLevel(t *testing.T) {
	t.Parallel()
	for _, level := range []PermissionLevel{PermissionNone, PermissionGuild, PermissionGlobal} {
		parsed, err := ParsePermissionLevel(level.String())
		require.NoError(t, err)
		assert.Equal(t, level, parsed)
	}

	parsed, err := ParsePermissionLevel(" guild ")
	require.NoError(t, err)
	assert.Equal(t, PermissionGuild, parsed)

	_, err = ParsePermissionLevel("moderator")
	assert.Error(t, err)

	assert.Equal(t, "PermissionLevel(7)", PermissionLevel(7).String())
}

func TestPermissionLevel_Text(t *testing.T) {
	t.Parallel()
	text, err := PermissionGlobal.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "GLOBAL", string(text))

	var level PermissionLevel
	require.NoError(t, level.UnmarshalText([]byte("GUILD")))
	assert.Equal(t, PermissionGuild, level)
	assert.Error(t, level.UnmarshalText([]byte("nope")))
}
