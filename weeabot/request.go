package weeabot

import (
	"log/slog"
	"time"
)

const (
	columnRequestMessageID       = "message_id"
	columnRequestUserID          = "user_id"
	columnRequestGuildID         = "guild_id"
	columnRequestTargetLevel     = "target_level"
	columnRequestCurrentLevel    = "current_level"
	columnRequestStatusMessageID = "status_message_id"
	columnRequestStatusChannelID = "status_channel_id"
	columnRequestCreatedAt       = "created_at"
)

// Request is a pending invocation of a command the invoking user lacked
// the authority to run. It's keyed by the ID of the message that invoked
// the command, and deleted once it's approved and replayed, rejected,
// cleared or expired.
//
// CurrentLevel only rises, and never exceeds TargetLevel.
//
//nolint:lll // can't break tags
type Request struct {
	MessageID string `gorm:"primaryKey" json:"message_id"`
	UserID    string `gorm:"not null;index" json:"user_id"`
	Username  string `json:"username"`
	ChannelID string `gorm:"not null" json:"channel_id"`

	// GuildID is empty for requests outside a guild, which only the
	// operator can approve.
	GuildID NullableString `gorm:"index" json:"guild_id"`

	TargetLevel  PermissionLevel `gorm:"not null" json:"target_level"`
	CurrentLevel PermissionLevel `gorm:"not null;default:0;check:chk_requests_level,current_level <= target_level" json:"current_level"`

	StatusMessageID NullableString `gorm:"uniqueIndex" json:"status_message_id"`
	StatusChannelID NullableString `json:"status_channel_id"`

	// Content is the text of the original message, quoted in
	// notifications and used to replay the command if the message has
	// since been deleted.
	Content string `json:"content"`

	ModelUnixTime
}

// Approved reports whether the request has reached its target level.
func (r Request) Approved() bool {
	return r.CurrentLevel >= r.TargetLevel
}

// Created returns CreatedAt as a time.Time
func (r Request) Created() time.Time {
	return time.UnixMilli(r.CreatedAt).UTC()
}

// Invocation rebuilds the invocation this request was created from,
// marked as a replay.
func (r Request) Invocation() Invocation {
	return Invocation{
		MessageID: r.MessageID,
		ChannelID: r.ChannelID,
		GuildID:   string(r.GuildID),
		UserID:    r.UserID,
		Username:  r.Username,
		Content:   r.Content,
		Replay:    true,
	}
}

func (r Request) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("message_id", r.MessageID),
		slog.String("user_id", r.UserID),
		slog.String("channel_id", r.ChannelID),
		slog.String("target_level", r.TargetLevel.String()),
		slog.String("current_level", r.CurrentLevel.String()),
	}
	if r.GuildID != "" {
		attrs = append(attrs, slog.String("guild_id", string(r.GuildID)))
	}
	if r.StatusMessageID != "" {
		attrs = append(attrs, slog.String("status_message_id", string(r.StatusMessageID)))
	}
	return slog.GroupValue(attrs...)
}
