package discord

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bwmarrin/discordgo"

	"github.com/rcfr-io/ticketd/internal/audit"
	"github.com/rcfr-io/ticketd/internal/lifecycle"
	"github.com/rcfr-io/ticketd/internal/transcript"
)

const historyPageSize = 100

// EnsureCategory finds the ticket category by name, creating it if absent.
func (c *Connector) EnsureCategory(_ context.Context, guildID, name string) (string, error) {
	channels, err := c.guildChannels(guildID)
	if err != nil {
		return "", fmt.Errorf("discord: list channels: %w", err)
	}
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildCategory && ch.Name == name {
			return ch.ID, nil
		}
	}

	cat, err := c.session.GuildChannelCreate(guildID, name, discordgo.ChannelTypeGuildCategory)
	if err != nil {
		return "", fmt.Errorf("discord: create category %q: %w", name, err)
	}
	c.logger.Info("ticket category created", "guild", guildID, "category", cat.ID)
	return cat.ID, nil
}

// FindRole looks up a role by name.
func (c *Connector) FindRole(guildID, name string) (string, bool) {
	roles, err := c.guildRoles(guildID)
	if err != nil {
		c.logger.Warn("role lookup failed", "guild", guildID, "error", err)
		return "", false
	}
	for _, r := range roles {
		if r.Name == name {
			return r.ID, true
		}
	}
	return "", false
}

// FindTextChannel looks up a text channel by name.
func (c *Connector) FindTextChannel(guildID, name string) (string, bool) {
	channels, err := c.guildChannels(guildID)
	if err != nil {
		return "", false
	}
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildText && ch.Name == name {
			return ch.ID, true
		}
	}
	return "", false
}

// CreateTicketChannel provisions the private channel: hidden from everyone,
// visible to the requester, the bot itself and the support role when present.
func (c *Connector) CreateTicketChannel(_ context.Context, spec lifecycle.ProvisionSpec) (string, error) {
	botID := c.session.State.User.ID

	overwrites := []*discordgo.PermissionOverwrite{
		{
			// @everyone shares its ID with the guild
			ID:   spec.GuildID,
			Type: discordgo.PermissionOverwriteTypeRole,
			Deny: discordgo.PermissionViewChannel,
		},
		{
			ID:   spec.OwnerID,
			Type: discordgo.PermissionOverwriteTypeMember,
			Allow: discordgo.PermissionViewChannel |
				discordgo.PermissionSendMessages |
				discordgo.PermissionReadMessageHistory |
				discordgo.PermissionAttachFiles,
		},
		{
			ID:   botID,
			Type: discordgo.PermissionOverwriteTypeMember,
			Allow: discordgo.PermissionViewChannel |
				discordgo.PermissionSendMessages |
				discordgo.PermissionManageChannels |
				discordgo.PermissionManageMessages,
		},
	}
	if spec.SupportRoleID != "" {
		overwrites = append(overwrites, &discordgo.PermissionOverwrite{
			ID:   spec.SupportRoleID,
			Type: discordgo.PermissionOverwriteTypeRole,
			Allow: discordgo.PermissionViewChannel |
				discordgo.PermissionSendMessages |
				discordgo.PermissionReadMessageHistory,
		})
	}

	ch, err := c.session.GuildChannelCreateComplex(spec.GuildID, discordgo.GuildChannelCreateData{
		Name:                 spec.Name,
		Type:                 discordgo.ChannelTypeGuildText,
		ParentID:             spec.CategoryID,
		PermissionOverwrites: overwrites,
	})
	if err != nil {
		return "", fmt.Errorf("discord: create channel %q: %w", spec.Name, err)
	}
	return ch.ID, nil
}

// SendWelcome posts the first message in a new ticket channel: the welcome
// embed with the persistent close control, mentioning the owner and the
// support role.
func (c *Connector) SendWelcome(_ context.Context, channelID string, w lifecycle.Welcome) error {
	msg := buildWelcomeMessage(w)
	if _, err := c.session.ChannelMessageSendComplex(channelID, msg); err != nil {
		return fmt.Errorf("discord: welcome message: %w", err)
	}
	return nil
}

// SendClosingNotice posts the visible closing embed in the ticket channel.
func (c *Connector) SendClosingNotice(_ context.Context, channelID string, n lifecycle.ClosingNotice) error {
	embed := buildClosingEmbed(n)
	if _, err := c.session.ChannelMessageSendEmbed(channelID, embed); err != nil {
		return fmt.Errorf("discord: closing notice: %w", err)
	}
	return nil
}

// UploadFile attaches a file from disk to a message in the given channel.
func (c *Connector) UploadFile(_ context.Context, channelID, message, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("discord: open upload %s: %w", path, err)
	}
	defer f.Close()

	_, err = c.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: message,
		Files:   []*discordgo.File{{Name: filepath.Base(path), Reader: f}},
	})
	if err != nil {
		return fmt.Errorf("discord: upload %s: %w", path, err)
	}
	return nil
}

// DeleteChannel removes the channel with an audit-log reason.
func (c *Connector) DeleteChannel(_ context.Context, channelID, reason string) error {
	if _, err := c.session.ChannelDelete(channelID, discordgo.WithAuditLogReason(reason)); err != nil {
		return fmt.Errorf("discord: delete channel %s: %w", channelID, err)
	}
	return nil
}

// ChannelInfo returns name and creation time for a channel. Discord encodes
// the creation time in the snowflake ID.
func (c *Connector) ChannelInfo(channelID string) (lifecycle.ChannelInfo, error) {
	ch, err := c.channel(channelID)
	if err != nil {
		return lifecycle.ChannelInfo{}, fmt.Errorf("discord: channel %s: %w", channelID, err)
	}
	createdAt, err := discordgo.SnowflakeTimestamp(ch.ID)
	if err != nil {
		return lifecycle.ChannelInfo{ID: ch.ID, Name: ch.Name}, nil
	}
	return lifecycle.ChannelInfo{ID: ch.ID, Name: ch.Name, CreatedAt: createdAt}, nil
}

// Messages retrieves the channel's entire history, oldest first. Pages of
// 100 until the platform reports no more; no count limit on our side.
func (c *Connector) Messages(ctx context.Context, channelID string) ([]transcript.Record, error) {
	var newestFirst []*discordgo.Message
	beforeID := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := c.session.ChannelMessages(channelID, historyPageSize, beforeID, "", "")
		if err != nil {
			return nil, fmt.Errorf("discord: history page for %s: %w", channelID, err)
		}
		if len(batch) == 0 {
			break
		}
		newestFirst = append(newestFirst, batch...)
		beforeID = batch[len(batch)-1].ID
		if len(batch) < historyPageSize {
			break
		}
	}

	records := make([]transcript.Record, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		m := newestFirst[i]
		rec := transcript.Record{
			Timestamp: m.Timestamp,
			Content:   m.Content,
		}
		if m.Author != nil {
			rec.Author = m.Author.String()
		}
		for _, att := range m.Attachments {
			rec.Attachments = append(rec.Attachments, att.URL)
		}
		records = append(records, rec)
	}
	return records, nil
}

// PostLogEvent delivers the best-effort visual record to the named log
// channel. Callers treat any error as ignorable.
func (c *Connector) PostLogEvent(_ context.Context, guildID, channelName string, ev audit.Event) error {
	logChannelID, ok := c.FindTextChannel(guildID, channelName)
	if !ok {
		return fmt.Errorf("discord: log channel %q not found", channelName)
	}
	embed := buildLogEmbed(ev, c.cfg.Tickets.ThemeColor)
	if _, err := c.session.ChannelMessageSendEmbed(logChannelID, embed); err != nil {
		return fmt.Errorf("discord: log embed: %w", err)
	}
	return nil
}

func (c *Connector) guildChannels(guildID string) ([]*discordgo.Channel, error) {
	if g, err := c.session.State.Guild(guildID); err == nil && len(g.Channels) > 0 {
		return g.Channels, nil
	}
	return c.session.GuildChannels(guildID)
}

func (c *Connector) guildRoles(guildID string) ([]*discordgo.Role, error) {
	if g, err := c.session.State.Guild(guildID); err == nil && len(g.Roles) > 0 {
		return g.Roles, nil
	}
	return c.session.GuildRoles(guildID)
}
