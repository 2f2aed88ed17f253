package weeabot

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// PermissionLevel is the authority a user holds, or a command requires.
// Levels are totally ordered: PermissionNone < PermissionGuild <
// PermissionGlobal.
type PermissionLevel int

const (
	PermissionNone PermissionLevel = iota
	PermissionGuild
	PermissionGlobal
)

const guildManagerPermissions = discordgo.PermissionManageServer | discordgo.PermissionAdministrator

func (l PermissionLevel) String() string {
	switch l {
	case PermissionNone:
		return "NONE"
	case PermissionGuild:
		return "GUILD"
	case PermissionGlobal:
		return "GLOBAL"
	default:
		return fmt.Sprintf("PermissionLevel(%d)", int(l))
	}
}

func (l PermissionLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *PermissionLevel) UnmarshalText(text []byte) error {
	level, err := ParsePermissionLevel(string(text))
	if err != nil {
		return err
	}
	*l = level
	return nil
}

// ParsePermissionLevel parses a level name, case-insensitively.
func ParsePermissionLevel(s string) (PermissionLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NONE":
		return PermissionNone, nil
	case "GUILD":
		return PermissionGuild, nil
	case "GLOBAL":
		return PermissionGlobal, nil
	default:
		return PermissionNone, fmt.Errorf("unknown permission level: %q", s)
	}
}

// Invocation is a single command invocation, or a reaction on a status
// message, reduced to plain values. Permissions holds the user's computed
// permission bits in ChannelID, so resolving a level never calls discord.
type Invocation struct {
	MessageID     string
	ChannelID     string
	GuildID       string
	UserID        string
	Username      string
	Content       string
	Permissions   int64
	HasAttachment bool

	// Replay is set when the invocation is a re-dispatch of an approved
	// request, rather than a message the user just sent.
	Replay bool
}

// Private reports whether the invocation happened outside a guild.
func (i Invocation) Private() bool {
	return i.GuildID == ""
}

func (i Invocation) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("message_id", i.MessageID),
		slog.String("channel_id", i.ChannelID),
		slog.String("user_id", i.UserID),
	}
	if i.GuildID != "" {
		attrs = append(attrs, slog.String("guild_id", i.GuildID))
	}
	if i.Replay {
		attrs = append(attrs, slog.Bool("replay", true))
	}
	return slog.GroupValue(attrs...)
}

// PermissionResolver maps a user to a [PermissionLevel]. It's pure:
// the same user and permission bits always resolve to the same level.
type PermissionResolver struct {
	// OperatorID is the user ID holding global authority
	OperatorID string
}

// Resolve returns the level of the invocation's user.
func (r PermissionResolver) Resolve(inv Invocation) PermissionLevel {
	return r.ResolveMember(inv.UserID, inv.GuildID, inv.Permissions)
}

// ResolveMember returns the level of userID, given their permission bits
// in a channel of guildID. Outside a guild, only the operator holds any
// authority.
func (r PermissionResolver) ResolveMember(
	userID string,
	guildID string,
	permissions int64,
) PermissionLevel {
	switch {
	case r.OperatorID != "" && userID == r.OperatorID:
		return PermissionGlobal
	case guildID != "" && permissions&guildManagerPermissions != 0:
		return PermissionGuild
	default:
		return PermissionNone
	}
}

// IsOperator reports whether userID is the bot operator.
func (r PermissionResolver) IsOperator(userID string) bool {
	return r.OperatorID != "" && userID == r.OperatorID
}
