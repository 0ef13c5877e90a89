package discord

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/rcfr-io/ticketd/internal/audit"
	"github.com/rcfr-io/ticketd/internal/config"
	"github.com/rcfr-io/ticketd/internal/lifecycle"
)

const (
	panelTitle       = "River City Fire Support"
	panelFooter      = "Any general support questions may be asked in any chat channel, though if the question is urgent, you may make a general support ticket"
	brandFooter      = "RCFR Support • Use the button below to close this ticket"
	logFooter        = "RCFR Ticket System"
	closingColor     = 0xe74c3c
	closingFooter    = "RCFR Support • Channel will be deleted in 5 seconds"
	panelDescription = "Select the type of support you need below.\n\n%s\nClick a button to create your ticket."
)

// buildPanelMessage assembles the ticket panel: one embed describing the
// ticket types and one primary button per type. Button custom IDs carry the
// type key so a single handler can dispatch every type.
func buildPanelMessage(cfg *config.Config) *discordgo.MessageSend {
	var desc strings.Builder
	for _, tt := range cfg.Tickets.Types {
		line := tt.Description
		if line == "" {
			line = fmt.Sprintf("Open a %s ticket.", strings.ToLower(tt.Label))
		}
		fmt.Fprintf(&desc, "**%s** - %s\n", tt.Label, line)
	}

	var rows []discordgo.MessageComponent
	var current []discordgo.MessageComponent
	for _, tt := range cfg.Tickets.Types {
		current = append(current, discordgo.Button{
			Label:    tt.Label,
			Style:    discordgo.PrimaryButton,
			CustomID: ticketButtonPrefix + tt.Key,
		})
		// Discord caps a row at five buttons.
		if len(current) == 5 {
			rows = append(rows, discordgo.ActionsRow{Components: current})
			current = nil
		}
	}
	if len(current) > 0 {
		rows = append(rows, discordgo.ActionsRow{Components: current})
	}

	return &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{{
			Title:       panelTitle,
			Description: fmt.Sprintf(panelDescription, desc.String()),
			Color:       cfg.Tickets.ThemeColor,
			Footer:      &discordgo.MessageEmbedFooter{Text: panelFooter},
		}},
		Components: rows,
	}
}

// buildWelcomeMessage is the first message in a new ticket channel.
func buildWelcomeMessage(w lifecycle.Welcome) *discordgo.MessageSend {
	content := fmt.Sprintf("<@%s>", w.OwnerID)
	if w.SupportRoleID != "" {
		content += fmt.Sprintf(" <@&%s>", w.SupportRoleID)
	}

	desc := fmt.Sprintf(
		"Hello <@%s>!\n\n"+
			"Thank you for contacting RCFR Support.\n"+
			"Please describe your issue in detail and our support team will assist you shortly.\n\n"+
			"**Ticket Type:** %s\n"+
			"**Created:** <t:%d:F>",
		w.OwnerID, w.Type.Label, time.Now().Unix(),
	)

	return &discordgo.MessageSend{
		Content: content,
		Embeds: []*discordgo.MessageEmbed{{
			Title:       w.Type.Label,
			Description: desc,
			Color:       w.Type.Color,
			Footer:      &discordgo.MessageEmbedFooter{Text: brandFooter},
		}},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Close Ticket",
					Style:    discordgo.DangerButton,
					CustomID: closeButtonID,
				},
			}},
		},
	}
}

// buildCloseModal is the reason-capture form shown by the close control.
func buildCloseModal() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: closeModalID,
			Title:    "Close Ticket",
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{Components: []discordgo.MessageComponent{
					discordgo.TextInput{
						CustomID:    "reason",
						Label:       "Reason for closing (optional)",
						Style:       discordgo.TextInputParagraph,
						Placeholder: "Enter the reason for closing this ticket...",
						Required:    false,
						MaxLength:   500,
					},
				}},
			},
		},
	}
}

// buildClosingEmbed is the visible notice posted before channel deletion.
func buildClosingEmbed(n lifecycle.ClosingNotice) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Ticket Closing",
		Description: fmt.Sprintf("This ticket is being closed by <@%s>\n\n**Reason:** %s", n.CloserID, n.Reason),
		Color:       closingColor,
		Footer:      &discordgo.MessageEmbedFooter{Text: closingFooter},
		Timestamp:   time.Now().Format(time.RFC3339),
	}
}

// buildLogEmbed is the best-effort visual record for the log channel.
func buildLogEmbed(ev audit.Event, color int) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{{
		Name:   "User",
		Value:  fmt.Sprintf("<@%s> (%s)", ev.ActorID, ev.ActorName),
		Inline: true,
	}}
	if ev.ChannelID != "" {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   "Channel",
			Value:  fmt.Sprintf("<#%s>", ev.ChannelID),
			Inline: true,
		})
	}
	for _, f := range audit.DisplayFields(ev) {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  f.Name,
			Value: f.Value,
		})
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &discordgo.MessageEmbed{
		Title:     fmt.Sprintf("Ticket %s", ev.Type),
		Color:     color,
		Fields:    fields,
		Footer:    &discordgo.MessageEmbedFooter{Text: logFooter},
		Timestamp: ts.Format(time.RFC3339),
	}
}
