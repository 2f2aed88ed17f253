package weeabot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	emojiApprove = "👍"
	emojiDeny    = "👎"

	colorPending  = 0xf1c40f
	colorAccepted = 0x2ecc71
	colorDenied   = 0xe74c3c
	colorExpired  = 0x95a5a6

	statusQuoteLength       = 1000
	notificationQuoteLength = 1500
)

// requestOutcome is how a request left the store, shown on its status
// message.
type requestOutcome string

const (
	outcomeAccepted requestOutcome = "accepted"
	outcomeDenied   requestOutcome = "denied"
	outcomeExpired  requestOutcome = "expired"
	outcomeCleared  requestOutcome = "cleared"
)

func (o requestOutcome) color() int {
	switch o {
	case outcomeAccepted:
		return colorAccepted
	case outcomeExpired, outcomeCleared:
		return colorExpired
	default:
		return colorDenied
	}
}

// Gateway posts and edits the discord messages that make up the
// request UI: status messages with approve/deny reactions in the
// requests channel, and accepted/denied notifications in the channel
// the request was made in.
type Gateway struct {
	discord *Discord
	limiter *rate.Limiter
	logger  *slog.Logger
}

func newGateway(d *Discord, postsPerSecond float64, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		discord: d,
		limiter: rate.NewLimiter(rate.Limit(postsPerSecond), 1),
		logger:  logger.With(loggerNameKey, "gateway"),
	}
}

func (g *Gateway) session() DiscordSessionHandler {
	return g.discord.session
}

// BotUserID returns the bot's own user ID
func (g *Gateway) BotUserID() string {
	return g.discord.BotUserID()
}

func isDiscordErrorCode(err error, code int) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Message != nil {
		return restErr.Message.Code == code
	}
	return false
}

func isUnknownMessage(err error) bool {
	return isDiscordErrorCode(err, discordgo.ErrCodeUnknownMessage)
}

func isUnknownChannel(err error) bool {
	return isDiscordErrorCode(err, discordgo.ErrCodeUnknownChannel)
}

// statusError maps discord errors for missing messages and channels to
// ErrStatusMessageLost and ErrStatusChannelLost.
func statusError(err error) error {
	switch {
	case err == nil:
		return nil
	case isUnknownMessage(err):
		return fmt.Errorf("%w: %w", ErrStatusMessageLost, err)
	case isUnknownChannel(err):
		return fmt.Errorf("%w: %w", ErrStatusChannelLost, err)
	default:
		return err
	}
}

func levelProgress(r Request) string {
	switch {
	case r.Approved():
		return "approved"
	case r.CurrentLevel == PermissionGuild && r.TargetLevel == PermissionGlobal:
		return "approved by a moderator, waiting for the bot owner"
	case r.TargetLevel == PermissionGlobal:
		return "waiting for the bot owner"
	default:
		return "waiting for a moderator"
	}
}

func statusEmbed(r Request) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Request",
		Description: quoteContent(r.Content, statusQuoteLength),
		Color:       colorPending,
		Author:      &discordgo.MessageEmbedAuthor{Name: r.Username},
		Fields: []*discordgo.MessageEmbedField{
			{Name: "User", Value: fmt.Sprintf("<@%s>", r.UserID), Inline: true},
			{Name: "Channel", Value: fmt.Sprintf("<#%s>", r.ChannelID), Inline: true},
			{Name: "Status", Value: levelProgress(r), Inline: true},
			{
				Name:   "Level",
				Value:  fmt.Sprintf("%s / %s", r.CurrentLevel, r.TargetLevel),
				Inline: true,
			},
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("React %s to approve or %s to deny | %s", emojiApprove, emojiDeny, r.MessageID),
		},
		Timestamp: r.Created().Format(time.RFC3339),
	}
}

func resolvedEmbed(r Request, outcome requestOutcome, reason string) *discordgo.MessageEmbed {
	embed := statusEmbed(r)
	embed.Title = fmt.Sprintf("Request %s", outcome)
	embed.Color = outcome.color()
	embed.Fields[2].Value = string(outcome)
	if reason != "" {
		embed.Fields[2].Value = reason
	}
	embed.Footer = &discordgo.MessageEmbedFooter{Text: r.MessageID}
	return embed
}

// PostStatus posts a new status message for r in channelID, with approve
// and deny reactions, and returns its ID.
func (g *Gateway) PostStatus(ctx context.Context, r Request, channelID string) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}
	msg, err := g.session().ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Embeds:          []*discordgo.MessageEmbed{statusEmbed(r)},
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return "", statusError(err)
	}
	g.addReactions(ctx, channelID, msg.ID, emojiApprove, emojiDeny)
	g.logger.InfoContext(ctx, "posted status message", "request", r, "status_message_id", msg.ID)
	return msg.ID, nil
}

// UpdateStatus edits r's status message to show its current level, and
// resets its reactions so approvers react again for the next level.
// Returns ErrStatusMessageLost if the status message was deleted.
func (g *Gateway) UpdateStatus(ctx context.Context, r Request) error {
	if r.StatusMessageID == "" {
		return ErrStatusMessageLost
	}
	channelID := string(r.StatusChannelID)
	messageID := string(r.StatusMessageID)

	edit := discordgo.NewMessageEdit(channelID, messageID).SetEmbed(statusEmbed(r))
	if _, err := g.session().ChannelMessageEditComplex(edit, discordgo.WithContext(ctx)); err != nil {
		return statusError(err)
	}

	if err := g.session().MessageReactionsRemoveAll(channelID, messageID, discordgo.WithContext(ctx)); err != nil {
		g.logger.WarnContext(ctx, "error removing reactions", "request", r, tint.Err(err))
	}
	g.addReactions(ctx, channelID, messageID, emojiApprove, emojiDeny)
	return nil
}

// StatusExists reports whether r's status message still exists.
func (g *Gateway) StatusExists(ctx context.Context, r Request) (bool, error) {
	if r.StatusMessageID == "" {
		return false, nil
	}
	_, err := g.session().ChannelMessage(
		string(r.StatusChannelID),
		string(r.StatusMessageID),
		discordgo.WithContext(ctx),
	)
	switch {
	case err == nil:
		return true, nil
	case isUnknownMessage(err):
		return false, nil
	default:
		return false, statusError(err)
	}
}

// ResolveStatus edits r's status message to show the outcome, and
// removes its reactions. Failures are logged, not returned.
func (g *Gateway) ResolveStatus(ctx context.Context, r Request, outcome requestOutcome, reason string) {
	if r.StatusMessageID == "" {
		return
	}
	channelID := string(r.StatusChannelID)
	messageID := string(r.StatusMessageID)

	edit := discordgo.NewMessageEdit(channelID, messageID).SetEmbed(resolvedEmbed(r, outcome, reason))
	if _, err := g.session().ChannelMessageEditComplex(edit, discordgo.WithContext(ctx)); err != nil {
		g.logger.WarnContext(ctx, "error resolving status message", "request", r, tint.Err(err))
		return
	}
	if err := g.session().MessageReactionsRemoveAll(channelID, messageID, discordgo.WithContext(ctx)); err != nil {
		g.logger.WarnContext(ctx, "error removing reactions", "request", r, tint.Err(err))
	}
}

// NotifyAccepted tells the requester their request was accepted.
func (g *Gateway) NotifyAccepted(ctx context.Context, r Request) error {
	return g.notifyUser(
		ctx,
		r,
		fmt.Sprintf(
			"<@%s> your request was accepted:\n%s",
			r.UserID,
			quoteContent(r.Content, notificationQuoteLength),
		),
	)
}

// NotifyDenied tells the requester their request was denied, with an
// optional reason.
func (g *Gateway) NotifyDenied(ctx context.Context, r Request, reason string) error {
	header := fmt.Sprintf("<@%s> your request was denied", r.UserID)
	if reason != "" {
		header = fmt.Sprintf("%s (%s)", header, reason)
	}
	return g.notifyUser(
		ctx,
		r,
		fmt.Sprintf("%s:\n%s", header, quoteContent(r.Content, notificationQuoteLength)),
	)
}

func (g *Gateway) notifyUser(ctx context.Context, r Request, content string) error {
	_, err := g.session().ChannelMessageSendComplex(
		r.ChannelID,
		&discordgo.MessageSend{
			Content: truncate(content, discordMaxMessageLength),
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Users: []string{r.UserID},
			},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		g.logger.WarnContext(ctx, "error sending notification", "request", r, tint.Err(err))
	}
	return err
}

// Reply responds to the invocation's message with content.
func (g *Gateway) Reply(ctx context.Context, inv Invocation, content string) error {
	_, err := g.session().ChannelMessageSendReply(
		inv.ChannelID,
		truncate(content, discordMaxMessageLength),
		&discordgo.MessageReference{
			MessageID: inv.MessageID,
			ChannelID: inv.ChannelID,
			GuildID:   inv.GuildID,
		},
		discordgo.WithContext(ctx),
	)
	return err
}

// Send posts content to channelID, with mentions disabled.
func (g *Gateway) Send(ctx context.Context, channelID string, content string) (*discordgo.Message, error) {
	return g.session().ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Content:         truncate(content, discordMaxMessageLength),
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
		discordgo.WithContext(ctx),
	)
}

// Prompt posts content to channelID with an approve reaction for the
// user to confirm with.
func (g *Gateway) Prompt(ctx context.Context, channelID string, content string) (*discordgo.Message, error) {
	msg, err := g.Send(ctx, channelID, content)
	if err != nil {
		return nil, err
	}
	g.addReactions(ctx, channelID, msg.ID, emojiApprove)
	return msg, nil
}

// Permissions returns userID's permission bits in channelID.
func (g *Gateway) Permissions(ctx context.Context, userID string, channelID string) (int64, error) {
	return g.session().UserChannelPermissions(userID, channelID, discordgo.WithContext(ctx))
}

// IsBot reports whether the user reacting is a bot. Lookup failures are
// logged and treated as not a bot.
func (g *Gateway) IsBot(ctx context.Context, ev ReactionEvent) bool {
	if ev.Member != nil && ev.Member.User != nil {
		return ev.Member.User.Bot
	}
	u, err := g.session().User(ev.UserID, discordgo.WithContext(ctx))
	if err != nil {
		g.logger.WarnContext(ctx, "error fetching user", "user_id", ev.UserID, tint.Err(err))
		return false
	}
	return u.Bot
}

// FetchMessage fetches a message.
func (g *Gateway) FetchMessage(ctx context.Context, channelID, messageID string) (*discordgo.Message, error) {
	return g.session().ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
}

// ChannelExists reports whether channelID still exists.
func (g *Gateway) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	_, err := g.session().Channel(channelID, discordgo.WithContext(ctx))
	switch {
	case err == nil:
		return true, nil
	case isUnknownChannel(err):
		return false, nil
	default:
		return false, err
	}
}

// CreateRequestsChannel creates a text channel only guild managers and
// the bot can see.
func (g *Gateway) CreateRequestsChannel(ctx context.Context, guildID, name string) (*discordgo.Channel, error) {
	roles, err := g.session().GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("error fetching roles: %w", err)
	}

	const moderatorAllow = discordgo.PermissionViewChannel |
		discordgo.PermissionAddReactions |
		discordgo.PermissionReadMessageHistory
	const botAllow = moderatorAllow |
		discordgo.PermissionSendMessages |
		discordgo.PermissionEmbedLinks |
		discordgo.PermissionManageMessages

	overwrites := []*discordgo.PermissionOverwrite{
		{
			// @everyone shares the guild's ID
			ID:   guildID,
			Type: discordgo.PermissionOverwriteTypeRole,
			Deny: discordgo.PermissionViewChannel,
		},
		{
			ID:    g.BotUserID(),
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: botAllow,
		},
	}
	for _, role := range roles {
		if role.ID == guildID || role.Permissions&guildManagerPermissions == 0 {
			continue
		}
		overwrites = append(
			overwrites,
			&discordgo.PermissionOverwrite{
				ID:    role.ID,
				Type:  discordgo.PermissionOverwriteTypeRole,
				Allow: moderatorAllow,
			},
		)
	}

	return g.session().GuildChannelCreateComplex(
		guildID,
		discordgo.GuildChannelCreateData{
			Name:                 name,
			Type:                 discordgo.ChannelTypeGuildText,
			Topic:                "Pending requests. React to approve or deny them.",
			PermissionOverwrites: overwrites,
		},
		discordgo.WithContext(ctx),
	)
}

func (g *Gateway) addReactions(ctx context.Context, channelID, messageID string, emojis ...string) {
	for _, emoji := range emojis {
		if err := g.session().MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx)); err != nil {
			g.logger.WarnContext(
				ctx,
				"error adding reaction",
				"channel_id", channelID,
				"message_id", messageID,
				"emoji", emoji,
				tint.Err(err),
			)
		}
	}
}
