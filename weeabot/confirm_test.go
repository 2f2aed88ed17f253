package weeabot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfirmations_Confirmed(t *testing.T) {
	t.Parallel()
	c := newConfirmations()

	result := make(chan bool, 1)
	go func() {
		result <- c.Wait(context.Background(), "prompt", "user", 5*time.Second)
	}()

	// other users and emojis are consumed, but don't confirm
	require.Eventually(
		t,
		func() bool {
			return c.Resolve(ReactionEvent{MessageID: "prompt", UserID: "other", Emoji: emojiApprove})
		},
		5*time.Second,
		5*time.Millisecond,
	)
	assert.True(t, c.Resolve(ReactionEvent{MessageID: "prompt", UserID: "user", Emoji: emojiDeny}))

	select {
	case <-result:
		t.Fatal("confirmed by the wrong reaction")
	case <-time.After(20 * time.Millisecond):
	}

	assert.True(t, c.Resolve(ReactionEvent{MessageID: "prompt", UserID: "user", Emoji: emojiApprove}))
	select {
	case confirmed := <-result:
		assert.True(t, confirmed)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for confirmation")
	}

	assert.False(t, c.Resolve(ReactionEvent{MessageID: "prompt", UserID: "user", Emoji: emojiApprove}))
}

func TestConfirmations_Timeout(t *testing.T) {
	t.Parallel()
	c := newConfirmations()
	start := time.Now()
	assert.False(t, c.Wait(context.Background(), "prompt", "user", 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.False(t, c.Resolve(ReactionEvent{MessageID: "prompt", UserID: "user", Emoji: emojiApprove}))
}

func TestConfirmations_ContextCanceled(t *testing.T) {
	t.Parallel()
	c := newConfirmations()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, c.Wait(ctx, "prompt", "user", 5*time.Second))
}

func TestConfirmations_UnknownMessage(t *testing.T) {
	t.Parallel()
	c := newConfirmations()
	assert.False(t, c.Resolve(ReactionEvent{MessageID: "nope", UserID: "user", Emoji: emojiApprove}))
}
