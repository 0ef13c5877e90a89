// Package lifecycle drives a support ticket through its
// create → active → closing → deleted lifecycle.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/rcfr-io/ticketd/internal/audit"
	"github.com/rcfr-io/ticketd/internal/config"
	"github.com/rcfr-io/ticketd/internal/ticket"
	"github.com/rcfr-io/ticketd/internal/transcript"
)

var (
	// ErrUnknownType rejects a create request for a ticket type that is
	// not configured.
	ErrUnknownType = errors.New("lifecycle: unknown ticket type")
	// ErrNotTicketChannel rejects a close request issued outside a ticket
	// channel.
	ErrNotTicketChannel = errors.New("lifecycle: not a ticket channel")
	// ErrProvisioning is surfaced to the user as a generic failure when
	// category/role/channel operations fail; detail goes to the logs.
	ErrProvisioning = errors.New("lifecycle: ticket provisioning failed")
	// ErrTranscript marks a closure that failed before the transcript was
	// saved. The channel is untouched and the ticket stays open.
	ErrTranscript = errors.New("lifecycle: transcript not saved")
)

// DefaultCloseReason is recorded when the closer leaves the reason blank.
const DefaultCloseReason = "No reason provided"

// DefaultGracePeriod is how long a closed channel stays visible between the
// closing notice and deletion.
const DefaultGracePeriod = 5 * time.Second

// ChannelInfo is the channel metadata the controller needs at close time.
type ChannelInfo struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// ProvisionSpec describes the private channel to create for a new ticket.
type ProvisionSpec struct {
	GuildID       string
	CategoryID    string
	Name          string
	OwnerID       string
	SupportRoleID string // empty when the support role is absent
}

// Welcome is the content of the first message posted in a new ticket channel.
type Welcome struct {
	OwnerID       string
	SupportRoleID string
	Type          config.TicketType
}

// ClosingNotice is the visible notice posted before channel deletion.
type ClosingNotice struct {
	CloserID string
	Reason   string
}

// Gateway is the chat-platform surface the controller drives. Implemented
// by the Discord connector; faked in tests.
type Gateway interface {
	EnsureCategory(ctx context.Context, guildID, name string) (string, error)
	FindRole(guildID, name string) (string, bool)
	FindTextChannel(guildID, name string) (string, bool)
	CreateTicketChannel(ctx context.Context, spec ProvisionSpec) (string, error)
	SendWelcome(ctx context.Context, channelID string, w Welcome) error
	SendClosingNotice(ctx context.Context, channelID string, n ClosingNotice) error
	UploadFile(ctx context.Context, channelID, message, path string) error
	DeleteChannel(ctx context.Context, channelID, reason string) error
	ChannelInfo(channelID string) (ChannelInfo, error)
}

// Service orchestrates ticket creation and closure.
type Service struct {
	cfg    *config.Config
	reg    *ticket.Registry
	source transcript.Source
	writer *transcript.Writer
	audit  *audit.Logger
	gw     Gateway
	logger *slog.Logger

	// Grace is the pre-deletion delay; overridable in tests.
	Grace time.Duration
}

// New creates the lifecycle controller.
func New(cfg *config.Config, reg *ticket.Registry, source transcript.Source, writer *transcript.Writer, auditLog *audit.Logger, gw Gateway, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		reg:    reg,
		source: source,
		writer: writer,
		audit:  auditLog,
		gw:     gw,
		logger: logger,
		Grace:  DefaultGracePeriod,
	}
}

// CreateRequest identifies who clicked which ticket-type button.
type CreateRequest struct {
	GuildID  string
	UserID   string
	UserName string
	TypeKey  string
}

// CreateTicket provisions a private channel for the request and registers
// the ticket. Returns the new channel ID.
//
// Errors: ErrUnknownType for an unconfigured type key; ticket.ErrAlreadyOpen
// (use ticket.AlreadyOpenChannel for the existing channel) when the user has
// an open ticket; ErrProvisioning for platform failures, with no stale
// registry entry left behind.
func (s *Service) CreateTicket(ctx context.Context, req CreateRequest) (string, error) {
	tt, ok := s.cfg.Type(req.TypeKey)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, req.TypeKey)
	}

	claim, err := s.reg.Claim(req.UserID)
	if err != nil {
		return "", err
	}

	categoryID, err := s.gw.EnsureCategory(ctx, req.GuildID, s.cfg.Tickets.CategoryName)
	if err != nil {
		claim.Release()
		s.logger.Error("ticket category provisioning failed", "guild", req.GuildID, "error", err)
		return "", fmt.Errorf("%w: %v", ErrProvisioning, err)
	}

	// Support role is optional; absence simply omits its permission grant.
	roleID, _ := s.gw.FindRole(req.GuildID, s.cfg.Tickets.SupportRole)

	channelName := fmt.Sprintf("%s-%s", tt.Key, sanitizeName(req.UserName))
	channelID, err := s.gw.CreateTicketChannel(ctx, ProvisionSpec{
		GuildID:       req.GuildID,
		CategoryID:    categoryID,
		Name:          channelName,
		OwnerID:       req.UserID,
		SupportRoleID: roleID,
	})
	if err != nil {
		claim.Release()
		s.logger.Error("ticket channel creation failed", "guild", req.GuildID, "name", channelName, "error", err)
		return "", fmt.Errorf("%w: %v", ErrProvisioning, err)
	}

	// The channel exists now, so the registry entry is committed even if
	// the welcome message fails: the ticket is real either way.
	claim.Commit(channelID)

	if err := s.gw.SendWelcome(ctx, channelID, Welcome{
		OwnerID:       req.UserID,
		SupportRoleID: roleID,
		Type:          tt,
	}); err != nil {
		s.logger.Error("welcome message failed", "channel", channelID, "error", err)
		return "", fmt.Errorf("%w: %v", ErrProvisioning, err)
	}

	s.audit.Log(ctx, audit.Event{
		Type:        audit.EventCreated,
		GuildID:     req.GuildID,
		ChannelID:   channelID,
		ChannelName: channelName,
		ActorID:     req.UserID,
		ActorName:   req.UserName,
		Fields:      map[string]string{"ticket_type": tt.Label},
	})

	s.logger.Info("ticket created", "channel", channelID, "owner", req.UserID, "type", tt.Key)
	return channelID, nil
}

// RequestClose validates that the close control was used in a ticket
// channel. The caller presents the reason form only on nil.
func (s *Service) RequestClose(channelName string) error {
	if !s.cfg.IsTicketChannelName(channelName) {
		return fmt.Errorf("%w: %q", ErrNotTicketChannel, channelName)
	}
	return nil
}

// CloseRequest carries the submitted reason form for a ticket channel.
type CloseRequest struct {
	GuildID     string
	ChannelID   string
	ChannelName string
	CloserID    string
	CloserName  string
	Reason      string
}

// CloseResult reports what a completed closure produced.
type CloseResult struct {
	OwnerID        string // empty when the registry had no entry
	TranscriptPath string
	Reason         string
}

// FinalizeClose captures the transcript, logs the closure, notifies the
// channel and deletes it after the grace period.
//
// A transcript save failure aborts the closure before anything is deleted:
// the channel's history is the only copy, so losing it silently is worse
// than a ticket that needs a second close attempt.
func (s *Service) FinalizeClose(ctx context.Context, req CloseRequest) (CloseResult, error) {
	var res CloseResult

	createdAt := time.Time{}
	if info, err := s.gw.ChannelInfo(req.ChannelID); err == nil {
		createdAt = info.CreatedAt
	}

	records, err := s.source.Messages(ctx, req.ChannelID)
	if err != nil {
		return res, fmt.Errorf("%w: capture history for %s: %w", ErrTranscript, req.ChannelID, err)
	}
	path, err := s.writer.Save(req.ChannelName, createdAt, records)
	if err != nil {
		return res, fmt.Errorf("%w: channel %s: %w", ErrTranscript, req.ChannelID, err)
	}
	res.TranscriptPath = path

	// Remove the registry entry unconditionally; a missing entry must not
	// wedge the closure.
	owner, found := s.reg.CloseByChannel(req.ChannelID)
	if found {
		res.OwnerID = owner
	} else {
		s.logger.Warn("no registry entry for closing channel", "channel", req.ChannelID)
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = DefaultCloseReason
	}
	res.Reason = reason

	s.audit.Log(ctx, audit.Event{
		Type:        audit.EventClosed,
		GuildID:     req.GuildID,
		ChannelID:   req.ChannelID,
		ChannelName: req.ChannelName,
		ActorID:     req.CloserID,
		ActorName:   req.CloserName,
		Fields: map[string]string{
			"closed_by":  req.CloserName,
			"reason":     reason,
			"transcript": path,
		},
	})

	if err := s.gw.SendClosingNotice(ctx, req.ChannelID, ClosingNotice{
		CloserID: req.CloserID,
		Reason:   reason,
	}); err != nil {
		s.logger.Warn("closing notice failed", "channel", req.ChannelID, "error", err)
	}

	// Best-effort transcript delivery to the log channel.
	if logChannelID, ok := s.gw.FindTextChannel(req.GuildID, s.cfg.Tickets.LogChannel); ok {
		if _, statErr := os.Stat(path); statErr == nil {
			if err := s.gw.UploadFile(ctx, logChannelID, "📄 Transcript for "+req.ChannelName, path); err != nil {
				s.logger.Debug("transcript upload failed", "channel", logChannelID, "error", err)
			}
		}
	}

	// Grace period: the channel stays visible while other events proceed.
	select {
	case <-time.After(s.Grace):
	case <-ctx.Done():
		return res, ctx.Err()
	}

	if err := s.gw.DeleteChannel(ctx, req.ChannelID, "Ticket closed by "+req.CloserName); err != nil {
		return res, fmt.Errorf("lifecycle: delete channel %s: %w", req.ChannelID, err)
	}

	s.logger.Info("ticket closed", "channel", req.ChannelID, "closed_by", req.CloserID, "transcript", path)
	return res, nil
}

// sanitizeName lowers a user name into a channel-name-safe suffix.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "user"
	}
	return b.String()
}
