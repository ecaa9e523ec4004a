package warden

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	feedbackModalPrefix = "feedback"
	feedbackInputID     = "feedback_text"

	feedbackMaxLength = 1024
)

// handleFeedbackCommand opens the feedback modal. The submission lands
// in handleFeedbackModal.
func (w *Warden) handleFeedbackCommand(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	if _, configured := w.settings.ChannelID(
		ctx, i.GuildID, SettingFeedbackChannel,
	); !configured {
		handler.Respond(
			ctx,
			ephemeralResponse("Feedback isn't set up on this server."),
		)
		return
	}

	handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseModal,
			Data: &discordgo.InteractionResponseData{
				CustomID: newCustomID(feedbackModalPrefix, i.GuildID),
				Title:    "Server Feedback",
				Components: []discordgo.MessageComponent{
					discordgo.ActionsRow{
						Components: []discordgo.MessageComponent{
							discordgo.TextInput{
								CustomID:    feedbackInputID,
								Label:       "Your feedback",
								Style:       discordgo.TextInputParagraph,
								Placeholder: "What should the team know?",
								Required:    true,
								MinLength:   1,
								MaxLength:   feedbackMaxLength,
							},
						},
					},
				},
			},
		},
	)
}

// handleFeedbackModal relays a submitted feedback modal to the guild's
// configured feedback channel.
func (w *Warden) handleFeedbackModal(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = handler.Logger()
	}

	user := interactionUser(i)
	if user == nil {
		return
	}

	text := strings.TrimSpace(
		modalInputValue(i.ModalSubmitData(), feedbackInputID),
	)
	if text == "" {
		handler.Respond(ctx, ephemeralResponse("Feedback can't be empty."))
		return
	}

	channelID, configured := w.settings.ChannelID(
		ctx, i.GuildID, SettingFeedbackChannel,
	)
	if !configured {
		handler.Respond(
			ctx,
			ephemeralResponse("Feedback isn't set up on this server."),
		)
		return
	}

	embed := &discordgo.MessageEmbed{
		Title:       "New Feedback",
		Description: truncate(text, feedbackMaxLength),
		Color:       0x5865F2,
		Author: &discordgo.MessageEmbedAuthor{
			Name:    user.String(),
			IconURL: user.AvatarURL(""),
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("User ID: %s", user.ID),
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := w.discord.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}},
	); err != nil {
		logger.ErrorContext(
			ctx,
			"error posting feedback",
			tint.Err(err),
			"channel_id", channelID,
		)
		handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
		return
	}

	logger.InfoContext(
		ctx,
		"relayed feedback",
		"guild_id", i.GuildID,
		"user_id", user.ID,
	)
	handler.Respond(ctx, ephemeralResponse("Thanks, your feedback was sent to the team."))
}
