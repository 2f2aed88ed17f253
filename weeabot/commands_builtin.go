package weeabot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lmittmann/tint"
)

const (
	commandHelp            = "help"
	commandEnableRequests  = "enable_requests"
	commandDisableRequests = "disable_requests"
	commandRequest         = "request"
	commandSay             = "say"
	commandSetStatus       = "setstatus"

	subcommandList   = "list"
	subcommandAccept = "accept"
	subcommandReject = "reject"
	subcommandClear  = "clear"
	scopeArgGlobal   = "global"

	listContentLength = 80
)

// registerBuiltinCommands registers help, the request configuration
// commands, and the elevated say/setstatus commands.
func (w *Weeabot) registerBuiltinCommands() error {
	commands := []Command{
		{
			Name:        commandHelp,
			Usage:       commandHelp,
			Description: "lists commands",
			Handler:     w.commandHelp,
		},
		{
			Name:        commandEnableRequests,
			Usage:       commandEnableRequests,
			Description: "creates a requests channel and enables requests in this server",
			GuildOnly:   true,
			MinLevel:    PermissionGuild,
			Handler:     w.commandEnableRequests,
		},
		{
			Name:        commandDisableRequests,
			Usage:       commandDisableRequests,
			Description: "disables requests in this server",
			GuildOnly:   true,
			MinLevel:    PermissionGuild,
			Handler:     w.commandDisableRequests,
		},
		{
			Name:        commandRequest,
			Usage:       "request list|accept|reject|clear [global] [indexes]",
			Description: "manages pending requests",
			MinLevel:    PermissionGuild,
			Handler:     w.commandRequest,
		},
		{
			Name:        commandSay,
			Usage:       "say <text>",
			Description: "repeats the given text",
			GuildOnly:   true,
			Request:     &RequestDescriptor{TargetLevel: PermissionGuild},
			Handler:     w.commandSay,
		},
		{
			Name:        commandSetStatus,
			Usage:       "setstatus <text>",
			Description: "sets the bot's custom status",
			GuildOnly:   true,
			Request:     &RequestDescriptor{TargetLevel: PermissionGlobal},
			Handler:     w.commandSetStatus,
		},
	}

	var errs []error
	for _, cmd := range commands {
		errs = append(errs, w.dispatcher.Register(cmd))
	}
	return errors.Join(errs...)
}

func (w *Weeabot) commandHelp(ctx context.Context, c *CommandContext) error {
	var sb strings.Builder
	sb.WriteString("Commands:\n")
	for _, cmd := range w.dispatcher.Commands() {
		fmt.Fprintf(&sb, "`%s%s` %s", w.dispatcher.prefix, cmd.Usage, cmd.Description)
		if cmd.Request != nil {
			fmt.Fprintf(&sb, " (needs %s approval)", strings.ToLower(cmd.Request.TargetLevel.String()))
		}
		sb.WriteString("\n")
	}
	return c.Reply(ctx, sb.String())
}

func (w *Weeabot) commandEnableRequests(ctx context.Context, c *CommandContext) error {
	inv := c.Invocation
	setting, err := w.guildSettings.GuildSetting(ctx, inv.GuildID)
	if err != nil {
		return err
	}
	if setting.RequestsAvailable() {
		return ErrRequestsEnabled
	}

	channelName := w.config.Requests.ChannelName
	prompt, err := w.gateway.Prompt(
		ctx,
		inv.ChannelID,
		fmt.Sprintf(
			"This will create a #%s channel only moderators can see, where "+
				"requests are posted for approval. React %s within %s to confirm.",
			channelName,
			emojiApprove,
			w.config.Requests.ConfirmTimeout,
		),
	)
	if err != nil {
		return err
	}

	if !w.confirmations.Wait(ctx, prompt.ID, inv.UserID, w.config.Requests.ConfirmTimeout) {
		return c.Reply(ctx, "Not confirmed, requests were not enabled.")
	}

	channelID := string(setting.RequestsChannelID)
	if channelID != "" {
		exists, existsErr := w.gateway.ChannelExists(ctx, channelID)
		if existsErr != nil {
			return existsErr
		}
		if !exists {
			channelID = ""
		}
	}
	if channelID == "" {
		ch, createErr := w.gateway.CreateRequestsChannel(ctx, inv.GuildID, channelName)
		if createErr != nil {
			return createErr
		}
		channelID = ch.ID
	}

	setting.RequestsEnabled = true
	setting.RequestsChannelID = NullableString(channelID)
	if _, err = w.guildSettings.Save(ctx, setting); err != nil {
		return err
	}
	w.notifyGuildSettingUpdated(ctx, inv.GuildID)

	return c.Reply(ctx, fmt.Sprintf("Requests enabled, they'll be posted in <#%s>.", channelID))
}

func (w *Weeabot) commandDisableRequests(ctx context.Context, c *CommandContext) error {
	inv := c.Invocation
	setting, err := w.guildSettings.GuildSetting(ctx, inv.GuildID)
	if err != nil {
		return err
	}
	if !setting.RequestsEnabled {
		return c.Reply(ctx, "Requests are already disabled.")
	}

	setting.RequestsEnabled = false
	if _, err = w.guildSettings.Save(ctx, setting); err != nil {
		return err
	}
	w.notifyGuildSettingUpdated(ctx, inv.GuildID)

	return c.Reply(ctx, "Requests disabled. Pending requests are kept until they're handled or expire.")
}

// requestScope is the list of requests a `request` subcommand acts on.
type requestScope struct {
	guildID string
	global  bool
}

func (s requestScope) String() string {
	if s.global {
		return scopeArgGlobal
	}
	return "this server"
}

func (w *Weeabot) commandRequest(ctx context.Context, c *CommandContext) error {
	inv := c.Invocation
	fields := strings.Fields(c.Args)
	if len(fields) == 0 {
		return c.Reply(ctx, fmt.Sprintf("Usage: `%s%s`", w.dispatcher.prefix, "request list|accept|reject|clear [global] [indexes]"))
	}
	sub := strings.ToLower(fields[0])
	fields = fields[1:]

	scope := requestScope{guildID: inv.GuildID}
	if len(fields) > 0 && strings.EqualFold(fields[0], scopeArgGlobal) {
		if !w.resolver.IsOperator(inv.UserID) {
			return ErrMissingPermissions
		}
		scope = requestScope{global: true}
		fields = fields[1:]
	} else if inv.Private() {
		return ErrNoPrivateMessage
	}
	indexArgs := strings.Join(fields, " ")

	switch sub {
	case subcommandList:
		return w.requestList(ctx, c, scope)
	case subcommandAccept:
		return w.requestAccept(ctx, c, scope, indexArgs)
	case subcommandReject:
		return w.requestReject(ctx, c, scope, indexArgs)
	case subcommandClear:
		n, err := w.engine.Clear(ctx, scope.guildID, fmt.Sprintf("cleared by <@%s>", inv.UserID))
		if err != nil {
			return err
		}
		return c.Reply(ctx, fmt.Sprintf("Cleared %d pending requests (%s).", n, scope))
	default:
		return c.Reply(ctx, fmt.Sprintf("Unknown subcommand %q.", sub))
	}
}

func (w *Weeabot) listRequests(ctx context.Context, scope requestScope) ([]Request, error) {
	if scope.global {
		return w.store.ListGlobal(ctx)
	}
	return w.store.ListScope(ctx, scope.guildID)
}

func formatRequestLine(i int, r Request) string {
	content := strings.ReplaceAll(shortenString(r.Content, listContentLength), "\n", " ")
	return fmt.Sprintf(
		"`%d` <@%s> in <#%s> (%s/%s): %s",
		i,
		r.UserID,
		r.ChannelID,
		r.CurrentLevel,
		r.TargetLevel,
		content,
	)
}

// splitMessages joins lines into as few messages as possible, none
// longer than discord's message limit.
func splitMessages(lines []string) []string {
	var messages []string
	var sb strings.Builder
	for _, line := range lines {
		line = truncate(line, discordMaxMessageLength)
		if sb.Len() > 0 && sb.Len()+len(line)+1 > discordMaxMessageLength {
			messages = append(messages, sb.String())
			sb.Reset()
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(line)
	}
	if sb.Len() > 0 {
		messages = append(messages, sb.String())
	}
	return messages
}

func (w *Weeabot) requestList(ctx context.Context, c *CommandContext, scope requestScope) error {
	requests, err := w.listRequests(ctx, scope)
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		return c.Reply(ctx, fmt.Sprintf("No pending requests (%s).", scope))
	}

	lines := make([]string, 0, len(requests)+1)
	lines = append(lines, fmt.Sprintf("Pending requests (%s):", scope))
	for i, r := range requests {
		lines = append(lines, formatRequestLine(i, r))
	}
	for _, msg := range splitMessages(lines) {
		if err = c.Reply(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// selectRequests parses indexArgs against the requests in scope.
func (w *Weeabot) selectRequests(
	ctx context.Context,
	scope requestScope,
	indexArgs string,
) ([]Request, []error, error) {
	ranges, err := parseIndexes(indexArgs)
	if err != nil {
		return nil, nil, err
	}
	requests, err := w.listRequests(ctx, scope)
	if err != nil {
		return nil, nil, err
	}
	indexes, outOfRange := selectIndexes(ranges, len(requests))
	selected := make([]Request, 0, len(indexes))
	for _, i := range indexes {
		selected = append(selected, requests[i])
	}
	return selected, outOfRange, nil
}

func (w *Weeabot) requestAccept(
	ctx context.Context,
	c *CommandContext,
	scope requestScope,
	indexArgs string,
) error {
	selected, outOfRange, err := w.selectRequests(ctx, scope, indexArgs)
	if err != nil {
		return err
	}

	level := c.Level()
	if scope.global {
		level = PermissionGlobal
	}

	accepted := 0
	for _, r := range selected {
		raised, elevateErr := w.engine.Elevate(ctx, r.MessageID, level)
		if elevateErr != nil {
			w.logger.ErrorContext(ctx, "error accepting request", "request", r, tint.Err(elevateErr))
			outOfRange = append(outOfRange, elevateErr)
			continue
		}
		if raised {
			accepted++
		}
	}
	return c.Reply(ctx, summarizeAction("Accepted", accepted, outOfRange, w.config.Discord.ErrorMessage))
}

func (w *Weeabot) requestReject(
	ctx context.Context,
	c *CommandContext,
	scope requestScope,
	indexArgs string,
) error {
	selected, outOfRange, err := w.selectRequests(ctx, scope, indexArgs)
	if err != nil {
		return err
	}

	rejected := 0
	reason := fmt.Sprintf("denied by <@%s>", c.Invocation.UserID)
	for _, r := range selected {
		ok, rejectErr := w.engine.Reject(ctx, r.MessageID, outcomeDenied, reason)
		if rejectErr != nil {
			w.logger.ErrorContext(ctx, "error rejecting request", "request", r, tint.Err(rejectErr))
			outOfRange = append(outOfRange, rejectErr)
			continue
		}
		if ok {
			rejected++
		}
	}
	return c.Reply(ctx, summarizeAction("Rejected", rejected, outOfRange, w.config.Discord.ErrorMessage))
}

func summarizeAction(verb string, n int, errs []error, fallback string) string {
	lines := []string{fmt.Sprintf("%s %d requests.", verb, n)}
	for _, err := range errs {
		lines = append(lines, userErrorMessage(err, fallback))
	}
	return strings.Join(lines, "\n")
}

func (w *Weeabot) commandSay(ctx context.Context, c *CommandContext) error {
	if c.Args == "" {
		return c.Reply(ctx, "Usage: `say <text>`")
	}
	_, err := w.gateway.Send(ctx, c.Invocation.ChannelID, c.Args)
	return err
}

func (w *Weeabot) commandSetStatus(ctx context.Context, c *CommandContext) error {
	if err := w.setCustomStatus(ctx, c.Args); err != nil {
		return err
	}
	if c.Args == "" {
		return c.Reply(ctx, "Status cleared.")
	}
	return c.Reply(ctx, "Status updated.")
}
