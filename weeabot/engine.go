package weeabot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

// RequestDescriptor is attached to commands that need elevated
// authority. Users below TargetLevel get a request instead of running the
// command, unless Bypass returns true.
type RequestDescriptor struct {
	TargetLevel PermissionLevel

	// Bypass, if set, lets the command run without a request when it
	// returns true
	Bypass func(inv Invocation) bool
}

// Engine implements the request lifecycle: the gate installed on
// elevated commands, the reactions that raise or deny requests, replay
// of approved requests, expiry and restoring status messages on startup.
//
// All transitions on a single request are serialized by a per-message
// lock. Store mutations are committed before the discord calls that
// announce them.
type Engine struct {
	store    *RequestStore
	gateway  *Gateway
	resolver PermissionResolver
	settings GuildSettingsReader
	logger   *slog.Logger
	locks    *requestLocks

	// subscriptions maps status message IDs to the ID of the message
	// the request was made with
	subscriptions map[string]string
	subMu         sync.RWMutex

	// dispatch runs a replayed invocation through the dispatcher
	dispatch func(ctx context.Context, inv Invocation)

	// notificationChannel returns the channel operator warnings are
	// sent to, if any
	notificationChannel func() string

	restoreConcurrency int
	now                func() time.Time
}

func NewEngine(
	store *RequestStore,
	gateway *Gateway,
	resolver PermissionResolver,
	settings GuildSettingsReader,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:               store,
		gateway:             gateway,
		resolver:            resolver,
		settings:            settings,
		logger:              logger.With(loggerNameKey, "request_engine"),
		locks:               newRequestLocks(),
		subscriptions:       map[string]string{},
		dispatch:            func(context.Context, Invocation) {},
		notificationChannel: func() string { return "" },
		restoreConcurrency:  DefaultRequestRestoreConcurrency,
		now:                 time.Now,
	}
}

// Check returns a command check for desc, which vetoes the command body
// unless the gate passes.
func (e *Engine) Check(desc RequestDescriptor) CheckFunc {
	return func(ctx context.Context, inv Invocation) (bool, error) {
		return e.Gate(ctx, inv, desc)
	}
}

// Gate decides whether an invocation of a command described by desc may
// run. It returns true if the user holds the target level, the bypass
// predicate passes, or the invocation's request has been approved (in
// which case the request is deleted, so the command runs once).
// Otherwise, the request is created if needed, its status message is
// posted or refreshed, and Gate returns false.
//
// Replayed invocations never create a request: if the request is gone,
// another replay already ran it.
func (e *Engine) Gate(ctx context.Context, inv Invocation, desc RequestDescriptor) (bool, error) {
	logger := e.logger.With("invocation", inv)

	if inv.Private() {
		return false, ErrNoPrivateMessage
	}

	setting, err := e.settings.GuildSetting(ctx, inv.GuildID)
	if err != nil {
		return false, err
	}
	// approvals granted before requests were disabled still run
	if !inv.Replay && !setting.RequestsAvailable() {
		return false, ErrRequestsDisabled
	}

	if !inv.Replay {
		if e.resolver.Resolve(inv) >= desc.TargetLevel {
			return true, nil
		}
		if desc.Bypass != nil && desc.Bypass(inv) {
			logger.InfoContext(ctx, "request bypassed")
			return true, nil
		}
	}

	unlock := e.locks.Lock(inv.MessageID)
	defer unlock()

	var req *Request
	if inv.Replay {
		req, err = e.store.GetByMessage(ctx, inv.MessageID)
		if errors.Is(err, ErrRequestNotFound) {
			logger.InfoContext(ctx, "replayed request no longer exists")
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if desc.TargetLevel > req.TargetLevel {
			logger.WarnContext(
				ctx, "replayed command needs more than was approved",
				"request", req, "required", desc.TargetLevel.String(),
			)
			deleted, err := e.store.Delete(ctx, req.MessageID)
			if err != nil || !deleted {
				return false, err
			}
			e.announceRemoved(ctx, *req, outcomeDenied, "the command requires more authority than was approved")
			return false, nil
		}
	} else {
		req, _, err = e.store.GetOrCreate(ctx, inv, desc.TargetLevel)
		if err != nil {
			return false, err
		}
	}

	if req.Approved() {
		deleted, err := e.store.Delete(ctx, req.MessageID)
		if err != nil {
			return false, err
		}
		if !deleted {
			return false, nil
		}
		e.unsubscribe(string(req.StatusMessageID))
		logger.InfoContext(ctx, "request approved", "request", req)
		_ = e.gateway.NotifyAccepted(ctx, *req)
		e.gateway.ResolveStatus(ctx, *req, outcomeAccepted, "")
		return true, nil
	}

	if inv.Replay {
		return false, nil
	}
	if err = e.ensureStatus(ctx, req, setting); err != nil {
		logger.ErrorContext(ctx, "error posting status message", "request", req, tint.Err(err))
	}
	return false, nil
}

// ensureStatus posts req's status message if it doesn't have one, or
// refreshes it, re-posting if it was deleted. Must be called with the
// request's lock held.
func (e *Engine) ensureStatus(ctx context.Context, req *Request, setting GuildSetting) error {
	if req.StatusMessageID != "" {
		err := e.gateway.UpdateStatus(ctx, *req)
		switch {
		case err == nil:
			e.subscribe(string(req.StatusMessageID), req.MessageID)
			return nil
		case errors.Is(err, ErrStatusMessageLost):
			e.logger.WarnContext(ctx, "status message lost, re-posting", "request", req)
			e.unsubscribe(string(req.StatusMessageID))
		case errors.Is(err, ErrStatusChannelLost):
			e.unsubscribe(string(req.StatusMessageID))
		default:
			return err
		}
	}
	return e.postStatus(ctx, req, setting)
}

// postStatus posts a new status message in the guild's requests channel
// and records it.
func (e *Engine) postStatus(ctx context.Context, req *Request, setting GuildSetting) error {
	channelID := string(setting.RequestsChannelID)
	if !setting.RequestsAvailable() {
		return ErrRequestsDisabled
	}

	statusID, err := e.gateway.PostStatus(ctx, *req, channelID)
	if err != nil {
		if errors.Is(err, ErrStatusChannelLost) {
			e.warnOperator(
				ctx,
				fmt.Sprintf(
					"The requests channel <#%s> in guild %s no longer exists. "+
						"Request %s can't be shown until requests are re-enabled.",
					channelID,
					setting.GuildID,
					req.MessageID,
				),
			)
		}
		return err
	}

	if err = e.store.SetStatusMessage(ctx, req.MessageID, channelID, statusID); err != nil {
		return err
	}
	req.StatusMessageID = NullableString(statusID)
	req.StatusChannelID = NullableString(channelID)
	e.subscribe(statusID, req.MessageID)
	return nil
}

// HandleReaction evaluates a reaction on a status message. Approve
// reactions raise the request to the reactor's level (capped at the
// target), and replay the request once approved. Deny reactions from
// guild managers or the operator reject it. Reactions from bots, on
// unknown messages, or from users without enough authority are ignored.
func (e *Engine) HandleReaction(ctx context.Context, ev ReactionEvent) {
	if ev.Emoji != emojiApprove && ev.Emoji != emojiDeny {
		return
	}
	if ev.UserID == e.gateway.BotUserID() {
		return
	}

	messageID, ok := e.subscription(ev.MessageID)
	if !ok {
		id, err := e.store.GetByStatusMessage(ctx, ev.MessageID)
		if err != nil {
			if !errors.Is(err, ErrRequestNotFound) {
				e.logger.ErrorContext(ctx, "error looking up status message", "reaction", ev, tint.Err(err))
			}
			return
		}
		messageID = id
		e.subscribe(ev.MessageID, messageID)
	}

	if e.gateway.IsBot(ctx, ev) {
		return
	}

	req, err := e.store.GetByMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			e.unsubscribe(ev.MessageID)
		} else {
			e.logger.ErrorContext(ctx, "error fetching request", "reaction", ev, tint.Err(err))
		}
		return
	}

	level, err := e.reactorLevel(ctx, ev.UserID, *req)
	if err != nil {
		e.logger.ErrorContext(ctx, "error resolving reactor level", "reaction", ev, tint.Err(err))
		return
	}

	logger := e.logger.With("reaction", ev, "level", level.String())
	switch ev.Emoji {
	case emojiApprove:
		if _, err = e.Elevate(ctx, messageID, level); err != nil {
			logger.ErrorContext(ctx, "error elevating request", tint.Err(err))
		}
	case emojiDeny:
		if level < PermissionGuild {
			return
		}
		_, err = e.Reject(ctx, messageID, outcomeDenied, fmt.Sprintf("denied by <@%s>", ev.UserID))
		if err != nil {
			logger.ErrorContext(ctx, "error rejecting request", tint.Err(err))
		}
	}
}

// reactorLevel resolves userID's level against the request's channel.
// Requests outside a guild can only be acted on by the operator.
func (e *Engine) reactorLevel(ctx context.Context, userID string, req Request) (PermissionLevel, error) {
	if e.resolver.IsOperator(userID) || req.GuildID == "" {
		return e.resolver.ResolveMember(userID, string(req.GuildID), 0), nil
	}
	perms, err := e.gateway.Permissions(ctx, userID, req.ChannelID)
	if err != nil {
		return PermissionNone, err
	}
	return e.resolver.ResolveMember(userID, string(req.GuildID), perms), nil
}

// Elevate raises the request for messageID to level, capped at its
// target. If that approves the request, the original invocation is
// replayed (after the request's lock is released, so the replay can take
// it). Otherwise the status message is updated for the next level.
// Returns false if level doesn't raise the request, or the request
// doesn't exist.
func (e *Engine) Elevate(ctx context.Context, messageID string, level PermissionLevel) (bool, error) {
	unlock := e.locks.Lock(messageID)
	defer unlock()

	req, err := e.store.GetByMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			return false, nil
		}
		return false, err
	}
	if level <= req.CurrentLevel {
		return false, nil
	}

	newLevel := min(level, req.TargetLevel)
	raised, err := e.store.SetCurrentLevel(ctx, messageID, newLevel)
	if err != nil || !raised {
		return false, err
	}
	req.CurrentLevel = newLevel

	if req.Approved() {
		unlock()
		e.replay(ctx, *req)
		return true, nil
	}

	setting, err := e.settings.GuildSetting(ctx, string(req.GuildID))
	if err != nil {
		return true, err
	}
	if err = e.ensureStatus(ctx, req, setting); err != nil {
		e.logger.WarnContext(ctx, "error updating status message", "request", req, tint.Err(err))
	}
	return true, nil
}

// replay re-dispatches an approved request. The stored content is what
// was approved, so it's what runs, even if the original message was
// edited since. The original message is only fetched for its attachments.
func (e *Engine) replay(ctx context.Context, req Request) {
	inv := req.Invocation()

	msg, err := e.gateway.FetchMessage(ctx, req.ChannelID, req.MessageID)
	switch {
	case err == nil:
		inv.HasAttachment = len(msg.Attachments) > 0
		if msg.Content != req.Content {
			e.logger.WarnContext(ctx, "original message was edited, replaying approved content", "request", req)
		}
	case isUnknownMessage(err):
		e.logger.InfoContext(ctx, "original message deleted, replaying stored content", "request", req)
	default:
		e.logger.WarnContext(ctx, "error fetching original message", "request", req, tint.Err(err))
	}

	if req.GuildID != "" {
		perms, err := e.gateway.Permissions(ctx, req.UserID, req.ChannelID)
		if err != nil {
			e.logger.WarnContext(ctx, "error fetching requester permissions", "request", req, tint.Err(err))
		}
		inv.Permissions = perms
	}

	e.logger.InfoContext(ctx, "replaying approved request", "request", req)
	e.dispatch(ctx, inv)
}

// Reject deletes the request for messageID, notifies the requester and
// resolves the status message. Returns false if there was no such
// request.
func (e *Engine) Reject(
	ctx context.Context,
	messageID string,
	outcome requestOutcome,
	reason string,
) (bool, error) {
	unlock := e.locks.Lock(messageID)
	defer unlock()

	req, err := e.store.GetByMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			return false, nil
		}
		return false, err
	}

	deleted, err := e.store.Delete(ctx, messageID)
	if err != nil || !deleted {
		return false, err
	}
	e.announceRemoved(ctx, *req, outcome, reason)
	return true, nil
}

func (e *Engine) announceRemoved(ctx context.Context, req Request, outcome requestOutcome, reason string) {
	e.unsubscribe(string(req.StatusMessageID))
	e.logger.InfoContext(ctx, "request removed", "request", req, "outcome", outcome)
	_ = e.gateway.NotifyDenied(ctx, req, reason)
	e.gateway.ResolveStatus(ctx, req, outcome, reason)
}

// Clear rejects every pending request in guildID, or in the global scope
// if guildID is empty. Returns the number of requests removed.
func (e *Engine) Clear(ctx context.Context, guildID string, reason string) (int, error) {
	var requests []Request
	var err error
	if guildID == "" {
		requests, err = e.store.ClearGlobal(ctx)
	} else {
		requests, err = e.store.Clear(ctx, guildID)
	}
	if err != nil {
		return 0, err
	}
	for _, req := range requests {
		e.announceRemoved(ctx, req, outcomeCleared, reason)
	}
	return len(requests), nil
}

// Sweep denies every request older than maxAge. It's a no-op if maxAge
// isn't positive. Returns the number of requests removed.
func (e *Engine) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := e.now().Add(-maxAge)
	expired, err := e.store.ListOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, req := range expired {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		ok, err := e.Reject(ctx, req.MessageID, outcomeExpired, "expired")
		if err != nil {
			e.logger.ErrorContext(ctx, "error expiring request", "request", req, tint.Err(err))
			continue
		}
		if ok {
			removed++
		}
	}
	if removed > 0 {
		e.logger.InfoContext(ctx, "swept expired requests", "count", removed, "cutoff", cutoff)
	}
	return removed, nil
}

// Restore rebuilds the status message index from the store, and re-posts
// status messages that are missing. Requests that were approved but never
// replayed (the process stopped in between) are replayed. Other requests
// in guilds that have since disabled requests are left alone.
func (e *Engine) Restore(ctx context.Context) error {
	requests, err := e.store.ListAll(ctx)
	if err != nil {
		return err
	}

	e.subMu.Lock()
	e.subscriptions = make(map[string]string, len(requests))
	for _, req := range requests {
		if req.StatusMessageID != "" {
			e.subscriptions[string(req.StatusMessageID)] = req.MessageID
		}
	}
	e.subMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.restoreConcurrency)

	for _, r := range requests {
		req := r
		if req.GuildID == "" {
			continue
		}
		g.Go(
			func() error {
				e.restoreRequest(gctx, req)
				return nil
			},
		)
	}
	if err = g.Wait(); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "restored requests", "count", len(requests))
	return ctx.Err()
}

func (e *Engine) restoreRequest(ctx context.Context, req Request) {
	unlock := e.locks.Lock(req.MessageID)
	defer unlock()

	if req.Approved() {
		unlock()
		e.replay(ctx, req)
		return
	}

	setting, err := e.settings.GuildSetting(ctx, string(req.GuildID))
	if err != nil {
		e.logger.ErrorContext(ctx, "error fetching guild setting", "request", req, tint.Err(err))
		return
	}
	if !setting.RequestsAvailable() {
		return
	}

	exists, err := e.gateway.StatusExists(ctx, req)
	if err != nil {
		e.logger.WarnContext(ctx, "error checking status message", "request", req, tint.Err(err))
		if !errors.Is(err, ErrStatusChannelLost) {
			return
		}
	}
	if exists {
		return
	}

	e.unsubscribe(string(req.StatusMessageID))
	if err = e.postStatus(ctx, &req, setting); err != nil {
		e.logger.ErrorContext(ctx, "error re-posting status message", "request", req, tint.Err(err))
	}
}

func (e *Engine) warnOperator(ctx context.Context, content string) {
	e.logger.WarnContext(ctx, content)
	channelID := e.notificationChannel()
	if channelID == "" {
		return
	}
	if _, err := e.gateway.Send(ctx, channelID, content); err != nil {
		e.logger.ErrorContext(ctx, "error sending operator notification", tint.Err(err))
	}
}

func (e *Engine) subscribe(statusMessageID, messageID string) {
	if statusMessageID == "" {
		return
	}
	e.subMu.Lock()
	e.subscriptions[statusMessageID] = messageID
	e.subMu.Unlock()
}

func (e *Engine) unsubscribe(statusMessageID string) {
	if statusMessageID == "" {
		return
	}
	e.subMu.Lock()
	delete(e.subscriptions, statusMessageID)
	e.subMu.Unlock()
}

func (e *Engine) subscription(statusMessageID string) (string, bool) {
	e.subMu.RLock()
	defer e.subMu.RUnlock()
	messageID, ok := e.subscriptions[statusMessageID]
	return messageID, ok
}
