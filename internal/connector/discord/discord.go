// Package discord connects the ticket lifecycle to the Discord gateway:
// interaction dispatch in, channel and embed operations out.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/rcfr-io/ticketd/internal/config"
	"github.com/rcfr-io/ticketd/internal/lifecycle"
	"github.com/rcfr-io/ticketd/internal/ticket"
)

const (
	ticketButtonPrefix = "ticket_"
	closeButtonID      = "close_ticket"
	closeModalID       = "close_reason"
	setupCommand       = "!setup"
)

// TicketService is the slice of the lifecycle controller the connector
// drives. Satisfied by *lifecycle.Service.
type TicketService interface {
	CreateTicket(ctx context.Context, req lifecycle.CreateRequest) (string, error)
	RequestClose(channelName string) error
	FinalizeClose(ctx context.Context, req lifecycle.CloseRequest) (lifecycle.CloseResult, error)
}

// Connector owns the Discord session and routes interactions to the
// lifecycle controller.
type Connector struct {
	session *discordgo.Session
	cfg     *config.Config
	svc     TicketService
	logger  *slog.Logger
	cancel  context.CancelFunc
}

// New creates the connector and authenticates the session. The gateway
// connection is opened by Run.
func New(cfg *config.Config, logger *slog.Logger) (*Connector, error) {
	session, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: init session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentMessageContent

	if logger == nil {
		logger = slog.Default()
	}

	return &Connector{session: session, cfg: cfg, logger: logger}, nil
}

// Run registers handlers, opens the gateway connection and blocks until the
// context is cancelled. Components are addressed by stateless custom IDs,
// so buttons posted before a restart keep working.
func (c *Connector) Run(ctx context.Context, svc TicketService) error {
	ctx, c.cancel = context.WithCancel(ctx)
	c.svc = svc

	c.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		c.logger.Info("discord session ready", "user", r.User.String(), "user_id", r.User.ID)
	})
	c.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		c.handleMessage(ctx, m)
	})
	c.session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		c.handleInteraction(ctx, i)
	})

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	c.logger.Info("discord connector started")

	<-ctx.Done()
	if err := c.session.Close(); err != nil {
		c.logger.Warn("session close failed", "error", err)
	}
	c.logger.Info("discord connector stopped")
	return ctx.Err()
}

// Stop cancels Run.
func (c *Connector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// handleMessage services the admin-only setup command that posts the ticket
// panel.
func (c *Connector) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	if strings.TrimSpace(m.Content) != setupCommand {
		return
	}

	perms, err := c.session.UserChannelPermissions(m.Author.ID, m.ChannelID)
	if err != nil || perms&discordgo.PermissionAdministrator == 0 {
		return
	}

	panel := buildPanelMessage(c.cfg)
	if _, err := c.session.ChannelMessageSendComplex(m.ChannelID, panel); err != nil {
		c.logger.Error("panel post failed", "channel", m.ChannelID, "error", err)
		return
	}
	if err := c.session.ChannelMessageDelete(m.ChannelID, m.ID); err != nil {
		c.logger.Debug("setup message delete failed", "error", err)
	}
	c.logger.Info("ticket panel posted", "channel", m.ChannelID, "by", m.Author.ID)
}

func (c *Connector) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionMessageComponent:
		data := i.MessageComponentData()
		if key, ok := strings.CutPrefix(data.CustomID, ticketButtonPrefix); ok {
			c.handleTicketButton(ctx, i, key)
			return
		}
		if data.CustomID == closeButtonID {
			c.handleCloseButton(i)
			return
		}
	case discordgo.InteractionModalSubmit:
		if i.ModalSubmitData().CustomID == closeModalID {
			c.handleCloseModal(ctx, i)
		}
	}
}

// handleTicketButton services a ticket-type button click. The interaction
// is acknowledged before any slow work to respect the platform's response
// deadline.
func (c *Connector) handleTicketButton(ctx context.Context, i *discordgo.InteractionCreate, typeKey string) {
	user := interactionUser(i)
	if user == nil {
		return
	}

	if err := c.deferEphemeral(i); err != nil {
		c.logger.Error("interaction defer failed", "error", err)
		return
	}

	channelID, err := c.svc.CreateTicket(ctx, lifecycle.CreateRequest{
		GuildID:  i.GuildID,
		UserID:   user.ID,
		UserName: user.Username,
		TypeKey:  typeKey,
	})
	if err != nil && !errors.Is(err, ticket.ErrAlreadyOpen) {
		c.logger.Error("ticket creation failed", "user", user.ID, "type", typeKey, "error", err)
	}
	c.followupEphemeral(i, createTicketReply(channelID, err))
}

// createTicketReply maps a creation outcome to the ephemeral user message.
func createTicketReply(channelID string, err error) string {
	switch {
	case err == nil:
		return fmt.Sprintf("✅ Ticket created! <#%s>", channelID)
	case errors.Is(err, ticket.ErrAlreadyOpen):
		// A conflict against an in-flight creation carries no channel ID yet.
		if existing := ticket.AlreadyOpenChannel(err); existing != "" {
			return fmt.Sprintf("❌ You already have an open ticket: <#%s>", existing)
		}
		return "❌ Your ticket is already being created. Please wait a moment."
	default:
		return "❌ Failed to create ticket. Please contact an administrator."
	}
}

// handleCloseButton validates the channel and presents the reason modal.
func (c *Connector) handleCloseButton(i *discordgo.InteractionCreate) {
	ch, err := c.channel(i.ChannelID)
	if err != nil {
		c.logger.Error("close button in unknown channel", "channel", i.ChannelID, "error", err)
		return
	}

	if err := c.svc.RequestClose(ch.Name); err != nil {
		c.replyEphemeral(i, "❌ This command can only be used in ticket channels!")
		return
	}

	if err := c.session.InteractionRespond(i.Interaction, buildCloseModal()); err != nil {
		c.logger.Error("close modal failed", "channel", i.ChannelID, "error", err)
	}
}

// handleCloseModal finalizes the closure in the background; the deletion
// grace period must not block interaction handling.
func (c *Connector) handleCloseModal(ctx context.Context, i *discordgo.InteractionCreate) {
	user := interactionUser(i)
	if user == nil {
		return
	}

	ch, err := c.channel(i.ChannelID)
	if err != nil {
		c.logger.Error("close modal in unknown channel", "channel", i.ChannelID, "error", err)
		return
	}
	// Guard again at submit time; the channel may have been renamed since
	// the modal was opened.
	if err := c.svc.RequestClose(ch.Name); err != nil {
		c.replyEphemeral(i, "❌ This command can only be used in ticket channels!")
		return
	}

	if err := c.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}); err != nil {
		c.logger.Error("close ack failed", "channel", i.ChannelID, "error", err)
		return
	}

	reason := modalReason(i.ModalSubmitData())
	req := lifecycle.CloseRequest{
		GuildID:     i.GuildID,
		ChannelID:   i.ChannelID,
		ChannelName: ch.Name,
		CloserID:    user.ID,
		CloserName:  user.Username,
		Reason:      reason,
	}

	go c.safeGo("finalize-close", func() {
		if _, err := c.svc.FinalizeClose(ctx, req); err != nil {
			c.logger.Error("ticket closure failed", "channel", req.ChannelID, "error", err)
			if msg := closeFailureMessage(err); msg != "" {
				c.sendPlain(req.ChannelID, msg)
			}
		}
	})
}

// closeFailureMessage maps a closure failure to the in-channel notice, or ""
// when nothing should be posted (shutdown mid-grace-period).
func closeFailureMessage(err error) string {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return ""
	case errors.Is(err, lifecycle.ErrTranscript):
		return "❌ Closing failed: the transcript could not be saved. This ticket remains open."
	default:
		return "❌ The transcript was saved but the channel could not be deleted. Please try closing again."
	}
}

// channel resolves channel metadata, preferring the state cache.
func (c *Connector) channel(channelID string) (*discordgo.Channel, error) {
	if ch, err := c.session.State.Channel(channelID); err == nil {
		return ch, nil
	}
	return c.session.Channel(channelID)
}

// ChannelExists is the registry/sweeper probe. It consults the state cache
// only, which keeps it cheap enough to run under the registry lock.
func (c *Connector) ChannelExists(channelID string) bool {
	_, err := c.session.State.Channel(channelID)
	return err == nil
}

func (c *Connector) deferEphemeral(i *discordgo.InteractionCreate) error {
	return c.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	})
}

func (c *Connector) replyEphemeral(i *discordgo.InteractionCreate, content string) {
	err := c.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		c.logger.Debug("ephemeral reply failed", "error", err)
	}
}

func (c *Connector) followupEphemeral(i *discordgo.InteractionCreate, content string) {
	_, err := c.session.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
		Content: content,
		Flags:   discordgo.MessageFlagsEphemeral,
	})
	if err != nil {
		c.logger.Debug("ephemeral followup failed", "error", err)
	}
}

func (c *Connector) sendPlain(channelID, content string) {
	if _, err := c.session.ChannelMessageSend(channelID, content); err != nil {
		c.logger.Debug("message send failed", "channel", channelID, "error", err)
	}
}

// safeGo runs fn with panic recovery.
func (c *Connector) safeGo(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}

// interactionUser returns the invoking user for guild or DM interactions.
func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

// modalReason extracts the optional reason text from the close form.
func modalReason(data discordgo.ModalSubmitInteractionData) string {
	for _, row := range data.Components {
		ar, ok := row.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, comp := range ar.Components {
			if input, ok := comp.(*discordgo.TextInput); ok && input.CustomID == "reason" {
				return input.Value
			}
		}
	}
	return ""
}
