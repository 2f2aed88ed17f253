package weeabot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

// ScopeLimits caps the number of pending requests per user, per guild
// and overall.
type ScopeLimits struct {
	User   int `json:"user"`
	Guild  int `json:"guild"`
	Global int `json:"global"`
}

// RequestStore persists [Request] records. Every mutation is committed
// before it returns. Reads go through the read connection, writes
// through the DBI.
type RequestStore struct {
	db      *gorm.DB
	writeDB DBI
	limits  ScopeLimits
	logger  *slog.Logger
}

func NewRequestStore(
	db *gorm.DB,
	writeDB DBI,
	limits ScopeLimits,
	logger *slog.Logger,
) *RequestStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestStore{
		db:      db,
		writeDB: writeDB,
		limits:  limits,
		logger:  logger.With(loggerNameKey, "request_store"),
	}
}

func (s *RequestStore) Limits() ScopeLimits {
	return s.limits
}

// GetOrCreate returns the request for the invocation's message, creating
// it with the given target level if it doesn't exist. The returned bool
// is true if the request was created.
//
// Limits apply to creation only: an existing request is always returned,
// even if the user's scope is full. Creation fails with
// [ErrRequestsDisabled] if the guild hasn't enabled requests, or with a
// [ScopeLimitError] if a limit has been reached.
func (s *RequestStore) GetOrCreate(
	ctx context.Context,
	inv Invocation,
	target PermissionLevel,
) (*Request, bool, error) {
	var req Request
	created := false

	err := s.writeDB.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			if err := lockRequests(tx); err != nil {
				return err
			}

			err := tx.Where(columnRequestMessageID+" = ?", inv.MessageID).Take(&req).Error
			if err == nil {
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			if inv.GuildID != "" {
				var setting GuildSetting
				err = tx.Where("guild_id = ?", inv.GuildID).Take(&setting).Error
				if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
					return err
				}
				if !setting.RequestsAvailable() {
					return ErrRequestsDisabled
				}
			}

			if err = s.checkLimits(tx, inv); err != nil {
				return err
			}

			req = Request{
				MessageID:    inv.MessageID,
				UserID:       inv.UserID,
				Username:     inv.Username,
				ChannelID:    inv.ChannelID,
				GuildID:      NullableString(inv.GuildID),
				TargetLevel:  target,
				CurrentLevel: PermissionNone,
				Content:      inv.Content,
			}
			if err = tx.Create(&req).Error; err != nil {
				return err
			}
			created = true
			return nil
		},
	)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.InfoContext(ctx, "created request", "request", req)
	}
	return &req, created, nil
}

// lockRequests serializes request creation across instances sharing a
// postgres database. sqlite transactions already start IMMEDIATE and
// hold the database write lock.
func lockRequests(tx *gorm.DB) error {
	if tx.Dialector.Name() != dbTypePostgres {
		return nil
	}
	return tx.Exec("SELECT pg_advisory_xact_lock(hashtext('weeabot_requests'))").Error
}

func (s *RequestStore) checkLimits(tx *gorm.DB, inv Invocation) error {
	var count int64

	if err := tx.Model(&Request{}).Where(columnRequestUserID+" = ?", inv.UserID).Count(&count).Error; err != nil {
		return err
	}
	if count >= int64(s.limits.User) {
		return &ScopeLimitError{Kind: ScopeUser, Limit: s.limits.User}
	}

	if inv.GuildID != "" {
		if err := tx.Model(&Request{}).Where(columnRequestGuildID+" = ?", inv.GuildID).Count(&count).Error; err != nil {
			return err
		}
		if count >= int64(s.limits.Guild) {
			return &ScopeLimitError{Kind: ScopeGuild, Limit: s.limits.Guild}
		}
	}

	if err := tx.Model(&Request{}).Count(&count).Error; err != nil {
		return err
	}
	if count >= int64(s.limits.Global) {
		return &ScopeLimitError{Kind: ScopeGlobal, Limit: s.limits.Global}
	}
	return nil
}

// GetByMessage returns the request for messageID, or [ErrRequestNotFound].
func (s *RequestStore) GetByMessage(ctx context.Context, messageID string) (*Request, error) {
	var req Request
	err := s.db.WithContext(ctx).Where(columnRequestMessageID+" = ?", messageID).Take(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, messageID)
		}
		return nil, err
	}
	return &req, nil
}

// GetByStatusMessage returns the ID of the message whose request has the
// status message statusMessageID, or [ErrRequestNotFound].
func (s *RequestStore) GetByStatusMessage(ctx context.Context, statusMessageID string) (string, error) {
	var req Request
	err := s.db.WithContext(ctx).
		Select(columnRequestMessageID).
		Where(columnRequestStatusMessageID+" = ?", statusMessageID).
		Take(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("%w: status message %s", ErrRequestNotFound, statusMessageID)
		}
		return "", err
	}
	return req.MessageID, nil
}

// SetCurrentLevel raises the request's current level to level, capped at
// its target level. It never lowers the level: the returned bool is
// false if the request's level was already at or above it, or the
// request doesn't exist.
func (s *RequestStore) SetCurrentLevel(
	ctx context.Context,
	messageID string,
	level PermissionLevel,
) (bool, error) {
	raised := false
	err := s.writeDB.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			var req Request
			err := tx.Where(columnRequestMessageID+" = ?", messageID).Take(&req).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil
				}
				return err
			}
			level = min(level, req.TargetLevel)

			rv := tx.Model(&Request{}).
				Where(
					columnRequestMessageID+" = ? AND "+columnRequestCurrentLevel+" < ?",
					messageID,
					level,
				).
				Updates(map[string]any{columnRequestCurrentLevel: level})
			if rv.Error != nil {
				return rv.Error
			}
			raised = rv.RowsAffected > 0
			return nil
		},
	)
	if err != nil {
		return false, err
	}
	if raised {
		s.logger.InfoContext(
			ctx,
			"raised request level",
			"message_id", messageID,
			"level", level.String(),
		)
	}
	return raised, nil
}

// SetStatusMessage records the status message of a request, replacing
// any previous one. An empty statusMessageID clears it.
func (s *RequestStore) SetStatusMessage(
	ctx context.Context,
	messageID string,
	channelID string,
	statusMessageID string,
) error {
	if statusMessageID == "" {
		channelID = ""
	}
	rows, err := s.writeDB.UpdatesWhere(
		ctx,
		&Request{},
		map[string]any{
			columnRequestStatusMessageID: NullableString(statusMessageID),
			columnRequestStatusChannelID: NullableString(channelID),
		},
		columnRequestMessageID+" = ?",
		messageID,
	)
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, messageID)
	}
	return nil
}

// Delete removes the request for messageID. The returned bool is false
// if there was no such request.
func (s *RequestStore) Delete(ctx context.Context, messageID string) (bool, error) {
	rows, err := s.writeDB.Delete(ctx, &Request{}, columnRequestMessageID+" = ?", messageID)
	if err != nil {
		return false, err
	}
	if rows > 0 {
		s.logger.InfoContext(ctx, "deleted request", "message_id", messageID)
	}
	return rows > 0, nil
}

func orderedRequests(db *gorm.DB) *gorm.DB {
	return db.Order(columnRequestCreatedAt + " asc").Order(columnRequestMessageID + " asc")
}

// globalScope matches requests only the operator can act on: those
// targeting global authority, and those made outside a guild.
func globalScope(db *gorm.DB) *gorm.DB {
	return db.Where(
		columnRequestTargetLevel+" = ? OR "+columnRequestGuildID+" IS NULL",
		PermissionGlobal,
	)
}

// ListScope returns the pending requests in guildID, oldest first.
// Indexes into this list are what the request command accepts.
func (s *RequestStore) ListScope(ctx context.Context, guildID string) ([]Request, error) {
	var requests []Request
	err := orderedRequests(s.db.WithContext(ctx)).
		Where(columnRequestGuildID+" = ?", guildID).
		Find(&requests).Error
	return requests, err
}

// ListGlobal returns the requests only the operator can approve, oldest
// first.
func (s *RequestStore) ListGlobal(ctx context.Context) ([]Request, error) {
	var requests []Request
	err := orderedRequests(globalScope(s.db.WithContext(ctx))).Find(&requests).Error
	return requests, err
}

// ListAll returns every pending request, oldest first.
func (s *RequestStore) ListAll(ctx context.Context) ([]Request, error) {
	var requests []Request
	err := orderedRequests(s.db.WithContext(ctx)).Find(&requests).Error
	return requests, err
}

// ListOlderThan returns the requests created before cutoff.
func (s *RequestStore) ListOlderThan(ctx context.Context, cutoff time.Time) ([]Request, error) {
	var requests []Request
	err := orderedRequests(s.db.WithContext(ctx)).
		Where(columnRequestCreatedAt+" < ?", cutoff.UnixMilli()).
		Find(&requests).Error
	return requests, err
}

// Clear deletes every pending request in guildID and returns them.
func (s *RequestStore) Clear(ctx context.Context, guildID string) ([]Request, error) {
	return s.clear(
		ctx,
		func(db *gorm.DB) *gorm.DB {
			return db.Where(columnRequestGuildID+" = ?", guildID)
		},
	)
}

// ClearGlobal deletes every request in the global scope and returns them.
func (s *RequestStore) ClearGlobal(ctx context.Context) ([]Request, error) {
	return s.clear(ctx, globalScope)
}

func (s *RequestStore) clear(ctx context.Context, scope func(*gorm.DB) *gorm.DB) ([]Request, error) {
	var requests []Request
	err := s.writeDB.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			if err := orderedRequests(scope(tx)).Find(&requests).Error; err != nil {
				return err
			}
			if len(requests) == 0 {
				return nil
			}
			ids := make([]string, 0, len(requests))
			for _, r := range requests {
				ids = append(ids, r.MessageID)
			}
			return tx.Where(columnRequestMessageID+" IN ?", ids).Delete(&Request{}).Error
		},
	)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "cleared requests", "count", len(requests))
	return requests, nil
}

func (s *RequestStore) CountByUser(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Request{}).Where(columnRequestUserID+" = ?", userID).Count(&count).Error
	return count, err
}

func (s *RequestStore) CountByGuild(ctx context.Context, guildID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Request{}).Where(columnRequestGuildID+" = ?", guildID).Count(&count).Error
	return count, err
}

func (s *RequestStore) CountTotal(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Request{}).Count(&count).Error
	return count, err
}
