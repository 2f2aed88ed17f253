package weeabot

import (
	"context"
	"sync"
	"time"
)

// confirmations tracks prompts waiting on an approve reaction from a
// specific user.
type confirmations struct {
	mu      sync.Mutex
	pending map[string]confirmation
}

type confirmation struct {
	userID string
	ch     chan struct{}
}

func newConfirmations() *confirmations {
	return &confirmations{pending: map[string]confirmation{}}
}

// Wait blocks until userID reacts with approval to messageID, timeout
// elapses, or ctx is done. Returns true if the prompt was confirmed.
func (c *confirmations) Wait(
	ctx context.Context,
	messageID string,
	userID string,
	timeout time.Duration,
) bool {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	c.pending[messageID] = confirmation{userID: userID, ch: ch}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, messageID)
		c.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Resolve reports whether ev is on a pending prompt. The prompt is
// confirmed if ev is an approve reaction from the prompted user.
func (c *confirmations) Resolve(ev ReactionEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending, ok := c.pending[ev.MessageID]
	if !ok {
		return false
	}
	if ev.UserID == pending.userID && ev.Emoji == emojiApprove {
		select {
		case pending.ch <- struct{}{}:
		default:
		}
	}
	return true
}
