package weeabot

import (
	"errors"
	"fmt"
)

var (
	// ErrNoPrivateMessage is returned when an elevated command is used
	// outside a guild.
	ErrNoPrivateMessage = errors.New("this command can't be used in private messages")

	// ErrRequestsDisabled is returned when a request would be needed, but
	// the guild hasn't enabled requests (or its requests channel is unset).
	ErrRequestsDisabled = errors.New("requests are not enabled in this server")

	// ErrInvalidIndexFormat is returned when an index argument isn't a
	// whitespace-separated list of N or A-B tokens.
	ErrInvalidIndexFormat = errors.New("invalid index format")

	// ErrStatusMessageLost is returned by the gateway when a request's
	// status message no longer exists.
	ErrStatusMessageLost = errors.New("status message lost")

	// ErrStatusChannelLost is returned by the gateway when the channel a
	// status message should be posted in no longer exists.
	ErrStatusChannelLost = errors.New("requests channel lost")

	ErrRequestNotFound    = errors.New("request not found")
	ErrMissingPermissions = errors.New("you don't have permission to do that")
	ErrRequestsEnabled    = errors.New("requests are already enabled in this server")
)

// ScopeKind identifies the scope a [ScopeLimitError] applies to.
type ScopeKind string

const (
	ScopeUser   ScopeKind = "user"
	ScopeGuild  ScopeKind = "guild"
	ScopeGlobal ScopeKind = "global"
)

// ScopeLimitError is returned when creating a request would exceed one of
// the pending request limits.
type ScopeLimitError struct {
	Kind  ScopeKind
	Limit int
}

func (e *ScopeLimitError) Error() string {
	switch e.Kind {
	case ScopeUser:
		return fmt.Sprintf(
			"you already have %d pending requests, wait for some to be handled",
			e.Limit,
		)
	case ScopeGuild:
		return fmt.Sprintf(
			"this server already has %d pending requests, wait for some to be handled",
			e.Limit,
		)
	default:
		return "there are too many pending requests right now, try again later"
	}
}

// IndexOutOfRangeError is returned when an index doesn't refer to a
// pending request in the listed scope.
type IndexOutOfRangeError struct {
	Index int
}

func (e *IndexOutOfRangeError) Error() string {
	return fmt.Sprintf("index %d is out of range", e.Index)
}

// userErrorMessage returns the reply shown to the user for err. Errors
// that aren't meant for users get fallback.
func userErrorMessage(err error, fallback string) string {
	var scopeErr *ScopeLimitError
	var indexErr *IndexOutOfRangeError

	switch {
	case errors.As(err, &scopeErr):
		return scopeErr.Error()
	case errors.As(err, &indexErr):
		return indexErr.Error()
	case errors.Is(err, ErrInvalidIndexFormat):
		return "invalid index format: use numbers or ranges like `0 2 4-6`"
	case errors.Is(err, ErrNoPrivateMessage),
		errors.Is(err, ErrRequestsDisabled),
		errors.Is(err, ErrRequestsEnabled),
		errors.Is(err, ErrMissingPermissions),
		errors.Is(err, ErrRequestNotFound):
		return err.Error()
	default:
		return fallback
	}
}
