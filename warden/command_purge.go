package warden

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// maxBulkDeleteMessages is the most messages one bulk delete call
	// accepts, and doubles as the fetch window when a filter is set
	maxBulkDeleteMessages = 100

	// bulkDeleteMaxAge is the cutoff past which discord rejects bulk
	// deletion, minus an hour of slack for clock drift
	bulkDeleteMaxAge = 14*24*time.Hour - time.Hour
)

// handlePurgeCommand deletes recent messages from the invoking channel,
// optionally only those by a given member or by members holding a given
// role. Messages past the bulk deletion age cutoff are skipped.
func (w *Warden) handlePurgeCommand(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = handler.Logger()
	}

	opts := discordInteractionOptions(i)
	amountOpt := opts[purgeCommandOptionAmount]
	if amountOpt == nil {
		handler.Respond(ctx, ephemeralResponse("No amount provided."))
		return
	}
	amount := int(amountOpt.IntValue())
	if amount < 1 || amount > maxBulkDeleteMessages {
		handler.Respond(
			ctx,
			ephemeralResponse(
				fmt.Sprintf(
					"The amount must be from 1 to %d.", maxBulkDeleteMessages,
				),
			),
		)
		return
	}

	var filterUserID string
	if userOpt := opts[purgeCommandOptionUser]; userOpt != nil {
		filterUserID = userOpt.UserValue(nil).ID
	}
	var filterRoleID string
	if roleOpt := opts[purgeCommandOptionRole]; roleOpt != nil {
		filterRoleID = roleOpt.RoleValue(nil, i.GuildID).ID
	}

	// with a filter active, scan the full window for matches
	fetch := amount
	if filterUserID != "" || filterRoleID != "" {
		fetch = maxBulkDeleteMessages
	}
	messages, err := w.discord.session.ChannelMessages(
		i.ChannelID, fetch, "", "", "",
	)
	if err != nil {
		logger.ErrorContext(ctx, "error fetching messages", tint.Err(err))
		handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
		return
	}

	cutoff := time.Now().Add(-bulkDeleteMaxAge)
	var targets []string
	for _, msg := range messages {
		if len(targets) >= amount {
			break
		}
		if msg.Author == nil {
			continue
		}
		ts, tsErr := discordgo.SnowflakeTimestamp(msg.ID)
		if tsErr != nil || ts.Before(cutoff) {
			continue
		}
		if filterUserID != "" && msg.Author.ID != filterUserID {
			continue
		}
		if filterRoleID != "" &&
			!w.memberHasRole(ctx, i.GuildID, msg.Author.ID, filterRoleID) {
			continue
		}
		targets = append(targets, msg.ID)
	}

	if len(targets) == 0 {
		handler.Respond(ctx, ephemeralResponse("No matching messages found."))
		return
	}

	if len(targets) == 1 {
		err = w.discord.session.ChannelMessageDelete(i.ChannelID, targets[0])
	} else {
		err = w.discord.session.ChannelMessagesBulkDelete(i.ChannelID, targets)
	}
	if err != nil {
		logger.ErrorContext(ctx, "error deleting messages", tint.Err(err))
		handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
		return
	}

	logger.InfoContext(
		ctx,
		"purged messages",
		"channel_id", i.ChannelID,
		"count", len(targets),
		"filter_user_id", filterUserID,
		"filter_role_id", filterRoleID,
	)
	handler.Respond(
		ctx,
		ephemeralResponse(fmt.Sprintf("Deleted %d message(s).", len(targets))),
	)
}

// memberHasRole reports whether the guild member holds the role.
// Unknown members don't match.
func (w *Warden) memberHasRole(
	ctx context.Context,
	guildID string,
	userID string,
	roleID string,
) bool {
	member, err := w.discord.session.GuildMember(guildID, userID)
	if err != nil {
		logger, ok := ContextLogger(ctx)
		if !ok || logger == nil {
			logger = w.logger
		}
		logger.WarnContext(
			ctx,
			"error fetching member for role filter",
			tint.Err(err),
			"user_id", userID,
		)
		return false
	}
	for _, role := range member.Roles {
		if role == roleID {
			return true
		}
	}
	return false
}
