package weeabot

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_Parse(t *testing.T) {
	t.Parallel()
	d := &Dispatcher{prefix: "!"}

	tests := []struct {
		content string
		name    string
		args    string
		ok      bool
	}{
		{content: "!say hello there", name: "say", args: "hello there", ok: true},
		{content: "!SAY  hello ", name: "say", args: "hello", ok: true},
		{content: "! help", name: "help", ok: true},
		{content: "!help", name: "help", ok: true},
		{content: "!", ok: false},
		{content: "!   ", ok: false},
		{content: "say hello", ok: false},
		{content: "", ok: false},
	}
	for _, tc := range tests {
		t.Run(
			tc.content, func(t *testing.T) {
				name, args, ok := d.parse(tc.content)
				assert.Equal(t, tc.ok, ok)
				assert.Equal(t, tc.name, name)
				assert.Equal(t, tc.args, args)
			},
		)
	}

	empty := &Dispatcher{}
	_, _, ok := empty.parse("!help")
	assert.False(t, ok)
}

func TestDispatcher_Register(t *testing.T) {
	bot, err := New(DefaultTestConfig(t))
	require.NoError(t, err)

	handler := func(context.Context, *CommandContext) error { return nil }

	assert.Error(t, bot.RegisterCommand(Command{Name: "", Handler: handler}))
	assert.Error(t, bot.RegisterCommand(Command{Name: "two words", Handler: handler}))
	assert.Error(t, bot.RegisterCommand(Command{Name: "nohandler"}))
	assert.Error(t, bot.RegisterCommand(Command{Name: commandSay, Handler: handler}))
	assert.Error(t, bot.RegisterCommand(Command{Name: "SAY", Handler: handler}))

	require.NoError(
		t,
		bot.RegisterCommand(
			Command{
				Name:    "gated",
				Checks:  []CheckFunc{func(context.Context, Invocation) (bool, error) { return true, nil }},
				Request: &RequestDescriptor{TargetLevel: PermissionGuild},
				Handler: handler,
			},
		),
	)

	var gated *Command
	for _, cmd := range bot.dispatcher.Commands() {
		if cmd.Name == "gated" {
			c := cmd
			gated = &c
		}
	}
	require.NotNil(t, gated)
	assert.Len(t, gated.Checks, 2, "request gate appended after the command's checks")

	names := []string{}
	for _, cmd := range bot.dispatcher.Commands() {
		names = append(names, cmd.Name)
	}
	assert.IsIncreasing(t, names)
}

func TestCommand_Help(t *testing.T) {
	bot, f := newTestWeeabot(t)

	msg := f.newMessage(f.UserID, "!help")
	bot.handleMessage(context.Background(), msg)

	replies := f.session.repliesTo(msg.ID)
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "Commands:\n")
	assert.Contains(t, replies[0], "`!say <text>` repeats the given text (needs guild approval)")
	assert.Contains(t, replies[0], "`!setstatus <text>` sets the bot's custom status (needs global approval)")
	assert.Contains(t, replies[0], "`!help` lists commands\n")
}

func TestCommand_UnknownIgnored(t *testing.T) {
	bot, f := newTestWeeabot(t)

	msg := f.newMessage(f.OperatorID, "!nope")
	bot.handleMessage(context.Background(), msg)
	assert.Empty(t, f.session.repliesTo(msg.ID))

	plain := f.newMessage(f.OperatorID, "just chatting")
	bot.handleMessage(context.Background(), plain)
	assert.Empty(t, f.session.repliesTo(plain.ID))
}

func TestCommand_Say(t *testing.T) {
	bot, f := newTestWeeabot(t)

	msg := f.newMessage(f.ModeratorID, "!say")
	bot.handleMessage(context.Background(), msg)
	assert.Equal(t, []string{"Usage: `say <text>`"}, f.session.repliesTo(msg.ID))
}

func TestCommand_HandlerErrorReplyFallback(t *testing.T) {
	bot, f := newTestWeeabot(t)

	require.NoError(
		t,
		bot.RegisterCommand(
			Command{
				Name: "fail",
				Handler: func(context.Context, *CommandContext) error {
					return errors.New("something internal")
				},
			},
		),
	)

	msg := f.newMessage(f.UserID, "!fail")
	bot.handleMessage(context.Background(), msg)
	assert.Equal(t, []string{DefaultDiscordErrorMessage}, f.session.repliesTo(msg.ID))
}

func TestCommand_MinLevel(t *testing.T) {
	bot, f := newTestWeeabot(t)

	msg := f.newMessage(f.UserID, "!request list")
	bot.handleMessage(context.Background(), msg)
	assert.Equal(t, []string{ErrMissingPermissions.Error()}, f.session.repliesTo(msg.ID))

	total, err := bot.store.CountTotal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), total, "MinLevel failures never create requests")
}

func TestCommand_Paused(t *testing.T) {
	bot, f := newTestWeeabot(t)
	ctx := context.Background()

	require.True(t, bot.Pause(ctx))
	assert.False(t, bot.Pause(ctx))

	ignored := f.newMessage(f.UserID, "!help")
	bot.handleMessage(ctx, ignored)
	assert.Empty(t, f.session.repliesTo(ignored.ID))

	operator := f.newMessage(f.OperatorID, "!help")
	bot.handleMessage(ctx, operator)
	assert.Len(t, f.session.repliesTo(operator.ID), 1)

	require.True(t, bot.Resume(ctx))
	assert.False(t, bot.Resume(ctx))

	resumed := f.newMessage(f.UserID, "!help")
	bot.handleMessage(ctx, resumed)
	assert.Len(t, f.session.repliesTo(resumed.ID), 1)
}

func TestCommand_RecoverPanic(t *testing.T) {
	bot, f := newTestWeeabot(t)
	ctx := context.Background()

	require.NoError(
		t,
		bot.RegisterCommand(
			Command{
				Name: "boom",
				Handler: func(context.Context, *CommandContext) error {
					panic("boom")
				},
			},
		),
	)

	assert.Panics(
		t, func() {
			bot.handleMessage(ctx, f.newMessage(f.UserID, "!boom"))
		},
	)

	bot.cfgMu.Lock()
	bot.runtimeConfig.RecoverPanic = true
	bot.cfgMu.Unlock()

	assert.NotPanics(
		t, func() {
			bot.handleMessage(ctx, f.newMessage(f.UserID, "!boom"))
		},
	)
}

// enableRequests invokes enable_requests as the moderator in guildID,
// reacting to the confirmation prompt if confirm is set, and returns the
// bot's replies.
func enableRequests(t testing.TB, bot *Weeabot, f testFixture, guildID string, confirm bool) []string {
	t.Helper()
	ctx := context.Background()

	msg := f.newMessage(f.ModeratorID, "!enable_requests")
	msg.GuildID = guildID

	done := make(chan struct{})
	go func() {
		defer close(done)
		bot.handleMessage(ctx, msg)
	}()

	if confirm {
		require.Eventually(
			t,
			func() bool {
				prompts := messagesContaining(f.session.sentTo(f.ChannelID), "React "+emojiApprove)
				if len(prompts) == 0 {
					return false
				}
				prompt := prompts[len(prompts)-1]
				return bot.confirmations.Resolve(
					ReactionEvent{
						MessageID: prompt.ID,
						ChannelID: f.ChannelID,
						GuildID:   guildID,
						UserID:    f.ModeratorID,
						Emoji:     emojiApprove,
					},
				)
			},
			10*time.Second,
			5*time.Millisecond,
		)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for enable_requests")
	}
	return f.session.repliesTo(msg.ID)
}

func TestCommand_EnableRequests(t *testing.T) {
	bot, f := newTestWeeabot(t)
	ctx := context.Background()
	guildID := newSnowflake()

	replies := enableRequests(t, bot, f, guildID, true)
	require.Len(t, replies, 1)

	f.session.mu.Lock()
	created := f.session.createdGuilds[guildID]
	f.session.mu.Unlock()
	require.Len(t, created, 1)
	assert.Equal(t, DefaultRequestsChannelName, created[0].Name)

	setting, err := bot.guildSettings.GuildSetting(ctx, guildID)
	require.NoError(t, err)
	assert.True(t, setting.RequestsAvailable())
	assert.Equal(
		t,
		fmt.Sprintf("Requests enabled, they'll be posted in <#%s>.", setting.RequestsChannelID),
		replies[0],
	)

	prompts := messagesContaining(f.session.sentTo(f.ChannelID), "React "+emojiApprove)
	require.Len(t, prompts, 1)
	assert.Equal(t, []string{emojiApprove}, f.session.reactionsOn(prompts[0].ID))

	// requests can now be made in the guild
	msg := f.newMessage(f.UserID, "!say hello")
	msg.GuildID = guildID
	bot.handleMessage(ctx, msg)
	assert.Len(t, f.session.sentTo(string(setting.RequestsChannelID)), 1)
}

func TestCommand_EnableRequestsAlreadyEnabled(t *testing.T) {
	bot, f := newTestWeeabot(t)

	replies := enableRequests(t, bot, f, f.GuildID, false)
	assert.Equal(t, []string{ErrRequestsEnabled.Error()}, replies)
	assert.Empty(t, messagesContaining(f.session.sentTo(f.ChannelID), "React "+emojiApprove))
}

func TestCommand_EnableRequestsNotConfirmed(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Requests.ConfirmTimeout = 50 * time.Millisecond
	bot, f := newTestWeeabotWithConfig(t, cfg)
	guildID := newSnowflake()

	replies := enableRequests(t, bot, f, guildID, false)
	assert.Equal(t, []string{"Not confirmed, requests were not enabled."}, replies)

	setting, err := bot.guildSettings.GuildSetting(context.Background(), guildID)
	require.NoError(t, err)
	assert.False(t, setting.RequestsAvailable())

	f.session.mu.Lock()
	assert.Empty(t, f.session.createdGuilds[guildID])
	f.session.mu.Unlock()
}

func TestCommand_DisableAndReenableRequests(t *testing.T) {
	bot, f := newTestWeeabot(t)
	ctx := context.Background()

	msg := f.newMessage(f.ModeratorID, "!disable_requests")
	bot.handleMessage(ctx, msg)
	assert.Equal(
		t,
		[]string{"Requests disabled. Pending requests are kept until they're handled or expire."},
		f.session.repliesTo(msg.ID),
	)

	again := f.newMessage(f.ModeratorID, "!disable_requests")
	bot.handleMessage(ctx, again)
	assert.Equal(t, []string{"Requests are already disabled."}, f.session.repliesTo(again.ID))

	say := f.newMessage(f.UserID, "!say hello")
	bot.handleMessage(ctx, say)
	assert.Equal(t, []string{ErrRequestsDisabled.Error()}, f.session.repliesTo(say.ID))

	// the existing channel is reused
	replies := enableRequests(t, bot, f, f.GuildID, true)
	assert.Equal(t, []string{fmt.Sprintf("Requests enabled, they'll be posted in <#%s>.", f.RequestsChannelID)}, replies)
	f.session.mu.Lock()
	assert.Empty(t, f.session.createdGuilds[f.GuildID])
	f.session.mu.Unlock()
}

func TestCommand_EnableRequestsChannelDeleted(t *testing.T) {
	bot, f := newTestWeeabot(t)
	ctx := context.Background()

	bot.handleMessage(ctx, f.newMessage(f.ModeratorID, "!disable_requests"))
	f.session.loseChannel(f.RequestsChannelID)

	replies := enableRequests(t, bot, f, f.GuildID, true)
	require.Len(t, replies, 1)

	setting, err := bot.guildSettings.GuildSetting(ctx, f.GuildID)
	require.NoError(t, err)
	assert.NotEqual(t, NullableString(f.RequestsChannelID), setting.RequestsChannelID)
	f.session.mu.Lock()
	assert.Len(t, f.session.createdGuilds[f.GuildID], 1)
	f.session.mu.Unlock()
}

func TestCommand_EnableRequestsRequiresModerator(t *testing.T) {
	bot, f := newTestWeeabot(t)

	msg := f.newMessage(f.UserID, "!enable_requests")
	msg.GuildID = newSnowflake()
	bot.handleMessage(context.Background(), msg)
	assert.Equal(t, []string{ErrMissingPermissions.Error()}, f.session.repliesTo(msg.ID))
}

// runCommand sends content as userID in the fixture's guild and returns
// the bot's replies.
func runCommand(t testing.TB, bot *Weeabot, f testFixture, userID string, content string) []string {
	t.Helper()
	msg := f.newMessage(userID, content)
	bot.handleMessage(context.Background(), msg)
	return f.session.repliesTo(msg.ID)
}

func TestCommand_RequestList(t *testing.T) {
	bot, f := newTestWeeabot(t)

	assert.Equal(
		t,
		[]string{"No pending requests (this server)."},
		runCommand(t, bot, f, f.ModeratorID, "!request list"),
	)

	requireRequest(t, bot, f, f.UserID, "!say one")
	requireRequest(t, bot, f, f.UserID, "!setstatus two")

	expected := fmt.Sprintf(
		"Pending requests (this server):\n"+
			"`0` <@%[1]s> in <#%[2]s> (NONE/GUILD): !say one\n"+
			"`1` <@%[1]s> in <#%[2]s> (NONE/GLOBAL): !setstatus two",
		f.UserID,
		f.ChannelID,
	)
	assert.Equal(t, []string{expected}, runCommand(t, bot, f, f.ModeratorID, "!request list"))
}

func TestCommand_RequestUsage(t *testing.T) {
	bot, f := newTestWeeabot(t)

	assert.Equal(
		t,
		[]string{"Usage: `!request list|accept|reject|clear [global] [indexes]`"},
		runCommand(t, bot, f, f.ModeratorID, "!request"),
	)
	assert.Equal(
		t,
		[]string{`Unknown subcommand "nope".`},
		runCommand(t, bot, f, f.ModeratorID, "!request nope"),
	)
}

func TestCommand_RequestAccept(t *testing.T) {
	bot, f := newTestWeeabot(t)

	requireRequest(t, bot, f, f.UserID, "!say one")
	requireRequest(t, bot, f, f.UserID, "!say two")

	assert.Equal(t, []string{"Accepted 1 requests."}, runCommand(t, bot, f, f.ModeratorID, "!request accept 1"))
	assert.Equal(t, 1, countContent(f.session.sentTo(f.ChannelID), "two"))
	assert.Equal(t, 0, countContent(f.session.sentTo(f.ChannelID), "one"))

	assert.Equal(
		t,
		[]string{"Accepted 1 requests.\nindex 3 is out of range"},
		runCommand(t, bot, f, f.ModeratorID, "!request accept 0 3"),
	)
	assert.Equal(t, 1, countContent(f.session.sentTo(f.ChannelID), "one"))

	assert.Equal(
		t,
		[]string{"invalid index format: use numbers or ranges like `0 2 4-6`"},
		runCommand(t, bot, f, f.ModeratorID, "!request accept x"),
	)

	total, err := bot.store.CountTotal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestCommand_RequestAcceptGlobalTargetByModerator(t *testing.T) {
	bot, f := newTestWeeabot(t)

	msg, _ := requireRequest(t, bot, f, f.UserID, "!setstatus hi")

	assert.Equal(t, []string{"Accepted 1 requests."}, runCommand(t, bot, f, f.ModeratorID, "!request accept 0"))
	assert.Equal(t, "", f.session.getCustomStatus())

	req, err := bot.store.GetByMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, PermissionGuild, req.CurrentLevel)

	// already at the moderator's level
	assert.Equal(t, []string{"Accepted 0 requests."}, runCommand(t, bot, f, f.ModeratorID, "!request accept 0"))
}

func TestCommand_RequestReject(t *testing.T) {
	bot, f := newTestWeeabot(t)

	requireRequest(t, bot, f, f.UserID, "!say one")
	requireRequest(t, bot, f, f.UserID, "!say two")
	requireRequest(t, bot, f, f.UserID, "!say three")

	assert.Equal(t, []string{"Rejected 2 requests."}, runCommand(t, bot, f, f.ModeratorID, "!request reject 0-1"))

	denied := messagesContaining(
		f.session.sentTo(f.ChannelID),
		fmt.Sprintf("your request was denied (denied by <@%s>)", f.ModeratorID),
	)
	assert.Len(t, denied, 2)

	requests, err := bot.store.ListScope(context.Background(), f.GuildID)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, "!say three", requests[0].Content)
}

func TestCommand_RequestClear(t *testing.T) {
	bot, f := newTestWeeabot(t)

	requireRequest(t, bot, f, f.UserID, "!say one")
	requireRequest(t, bot, f, f.UserID, "!say two")

	assert.Equal(
		t,
		[]string{"Cleared 2 pending requests (this server)."},
		runCommand(t, bot, f, f.ModeratorID, "!request clear"),
	)
	assert.Len(
		t,
		messagesContaining(f.session.sentTo(f.ChannelID), fmt.Sprintf("(cleared by <@%s>)", f.ModeratorID)),
		2,
	)
	assert.Equal(
		t,
		[]string{"Cleared 0 pending requests (this server)."},
		runCommand(t, bot, f, f.ModeratorID, "!request clear"),
	)
}

func TestCommand_RequestGlobal(t *testing.T) {
	bot, f := newTestWeeabot(t)

	requireRequest(t, bot, f, f.UserID, "!say guild")
	requireRequest(t, bot, f, f.UserID, "!setstatus hi")

	assert.Equal(
		t,
		[]string{ErrMissingPermissions.Error()},
		runCommand(t, bot, f, f.ModeratorID, "!request list global"),
	)

	expected := fmt.Sprintf(
		"Pending requests (global):\n`0` <@%s> in <#%s> (NONE/GLOBAL): !setstatus hi",
		f.UserID,
		f.ChannelID,
	)
	assert.Equal(t, []string{expected}, runCommand(t, bot, f, f.OperatorID, "!request list global"))

	assert.Equal(t, []string{"Accepted 1 requests."}, runCommand(t, bot, f, f.OperatorID, "!request accept global 0"))
	assert.Equal(t, "hi", f.session.getCustomStatus())

	assert.Equal(
		t,
		[]string{"No pending requests (global)."},
		runCommand(t, bot, f, f.OperatorID, "!request list global"),
	)
}

func TestCommand_RequestPrivateMessage(t *testing.T) {
	bot, f := newTestWeeabot(t)
	ctx := context.Background()

	msg := f.newPrivateMessage(f.OperatorID, "!request list")
	bot.handleMessage(ctx, msg)
	assert.Equal(t, []string{ErrNoPrivateMessage.Error()}, f.session.repliesTo(msg.ID))

	global := f.newPrivateMessage(f.OperatorID, "!request list global")
	bot.handleMessage(ctx, global)
	assert.Equal(t, []string{"No pending requests (global)."}, f.session.repliesTo(global.ID))
}

func TestSplitMessages(t *testing.T) {
	t.Parallel()
	assert.Nil(t, splitMessages(nil))
	assert.Equal(t, []string{"a\nb"}, splitMessages([]string{"a", "b"}))

	long := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		long = append(long, fmt.Sprintf("%03d %0100d", i, 0))
	}
	messages := splitMessages(long)
	require.Greater(t, len(messages), 1)
	total := 0
	for _, msg := range messages {
		assert.LessOrEqual(t, len(msg), discordMaxMessageLength)
		total += len(msg)
	}
	// every line survives, joined by newlines
	assert.Equal(t, 100*104+100-len(messages), total)
}
