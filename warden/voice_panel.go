package warden

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	panelComponentPrefix  = "panel"
	panelLimitModalPrefix = "panellimit"
	panelLimitInputID     = "limit_value"

	panelActionLimit   = "limit"
	panelActionBitrate = "bitrate"
	panelActionBanUser = "banuser"
	panelActionBanRole = "banrole"
	panelActionUnban   = "unban"
	panelActionReset   = "reset"
	panelActionClaim   = "claim"

	panelSelectBitrate = "bitrate_select"
	panelSelectBanUser = "banuser_select"
	panelSelectBanRole = "banrole_select"
	panelSelectUnban   = "unban_select"

	// panelBanMask is denied on banned users and roles
	panelBanMask = int64(discordgo.PermissionViewChannel | discordgo.PermissionVoiceConnect)

	// maxUnbanEntries is the point past which the unban flow defers to
	// manual cleanup instead of paginating
	maxUnbanEntries = 100
)

// bitrateChoices are the selectable bitrates, in kbps. The guild's
// premium tier caps which ones are offered.
var bitrateChoices = []int{8, 32, 64, 96, 128, 256, 384}

// guildMaxBitrate returns the maximum voice bitrate in kbps for a
// guild's premium tier.
func guildMaxBitrate(tier discordgo.PremiumTier) int {
	switch tier {
	case discordgo.PremiumTier1:
		return 128
	case discordgo.PremiumTier2:
		return 256
	case discordgo.PremiumTier3:
		return 384
	default:
		return 96
	}
}

// controlPanelMessage builds the interactive panel posted into each
// temporary channel. All buttons except claim are owner-gated at click
// time.
func controlPanelMessage(ownerID string) *discordgo.MessageSend {
	return &discordgo.MessageSend{
		Content: fmt.Sprintf(
			"This channel belongs to <@%s>. Owner controls:",
			ownerID,
		),
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					&discordgo.Button{
						Label:    "User Limit",
						Style:    discordgo.SecondaryButton,
						CustomID: newCustomID(panelComponentPrefix, panelActionLimit),
					},
					&discordgo.Button{
						Label:    "Bitrate",
						Style:    discordgo.SecondaryButton,
						CustomID: newCustomID(panelComponentPrefix, panelActionBitrate),
					},
					&discordgo.Button{
						Label:    "Reset Permissions",
						Style:    discordgo.SecondaryButton,
						CustomID: newCustomID(panelComponentPrefix, panelActionReset),
					},
				},
			},
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					&discordgo.Button{
						Label:    "Ban User",
						Style:    discordgo.DangerButton,
						CustomID: newCustomID(panelComponentPrefix, panelActionBanUser),
					},
					&discordgo.Button{
						Label:    "Ban Role",
						Style:    discordgo.DangerButton,
						CustomID: newCustomID(panelComponentPrefix, panelActionBanRole),
					},
					&discordgo.Button{
						Label:    "Unban",
						Style:    discordgo.SuccessButton,
						CustomID: newCustomID(panelComponentPrefix, panelActionUnban),
					},
				},
			},
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					&discordgo.Button{
						Label:    "Claim Channel",
						Style:    discordgo.PrimaryButton,
						CustomID: newCustomID(panelComponentPrefix, panelActionClaim),
					},
				},
			},
		},
	}
}

// handlePanelComponent routes a control panel button or select. Every
// action re-resolves the registry row and re-checks ownership at click
// time, since state may have changed since the panel (or a follow-up
// select) was posted.
func (w *Warden) handlePanelComponent(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
	action string,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = handler.Logger()
	}

	row, err := w.db.GetVoiceChannel(ctx, i.ChannelID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logger.ErrorContext(ctx, "error reading channel registry", tint.Err(err))
			handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
			return
		}
		handler.Respond(
			ctx,
			ephemeralResponse("This isn't a managed temporary channel."),
		)
		return
	}

	user := interactionUser(i)
	if user == nil {
		return
	}

	if action == panelActionClaim {
		w.handlePanelClaim(ctx, handler, i, row, user)
		return
	}

	if user.ID != row.OwnerID {
		handler.Respond(
			ctx,
			ephemeralResponse(
				fmt.Sprintf("Only the channel owner <@%s> can do that.", row.OwnerID),
			),
		)
		return
	}

	switch action {
	case panelActionLimit:
		handler.Respond(
			ctx, discordModalResponse(
				newCustomID(panelLimitModalPrefix, i.ChannelID),
				panelLimitInputID,
				"User Limit",
				"Members allowed (0 = unlimited)",
				"0-99",
				1,
				2,
			),
		)
	case panelActionBitrate:
		w.promptPanelBitrate(ctx, handler, i)
	case panelActionBanUser:
		w.promptPanelBanUser(ctx, handler)
	case panelActionBanRole:
		w.promptPanelBanRole(ctx, handler)
	case panelActionUnban:
		w.promptPanelUnban(ctx, handler, i)
	case panelActionReset:
		w.applyPanelReset(ctx, handler, i, user)
	case panelSelectBitrate:
		w.applyPanelBitrate(ctx, handler, i, user)
	case panelSelectBanUser:
		w.applyPanelBan(ctx, handler, i, row, user, false)
	case panelSelectBanRole:
		w.applyPanelBan(ctx, handler, i, row, user, true)
	case panelSelectUnban:
		w.applyPanelUnban(ctx, handler, i, user)
	default:
		logger.WarnContext(ctx, "unknown panel action", "action", action)
		handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
	}
}

// handlePanelClaim reassigns channel ownership. Allowed only when the
// clicker is in the channel, isn't already the owner, and the recorded
// owner is no longer present.
func (w *Warden) handlePanelClaim(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
	row *TempVoiceChannel,
	user *discordgo.User,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = handler.Logger()
	}

	if user.ID == row.OwnerID {
		handler.Respond(ctx, ephemeralResponse("You already own this channel."))
		return
	}
	claimantChannel, claimantInVoice := w.voice.tracker.UserChannel(
		i.GuildID, user.ID,
	)
	if !claimantInVoice || claimantChannel != row.ChannelID {
		handler.Respond(
			ctx,
			ephemeralResponse(ClaimResult{Status: ClaimNotInChannel}.Message()),
		)
		return
	}
	ownerChannel, ownerInVoice := w.voice.tracker.UserChannel(i.GuildID, row.OwnerID)
	if ownerInVoice && ownerChannel == row.ChannelID {
		handler.Respond(
			ctx,
			ephemeralResponse(
				fmt.Sprintf(
					"<@%s> still owns this channel and is present.",
					row.OwnerID,
				),
			),
		)
		return
	}

	if _, err := w.db.UpdatesWhere(
		ctx,
		&TempVoiceChannel{},
		map[string]any{"owner_id": user.ID},
		"channel_id = ?", row.ChannelID,
	); err != nil {
		logger.ErrorContext(ctx, "error reassigning channel owner", tint.Err(err))
		handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
		return
	}

	logger.InfoContext(
		ctx,
		"channel ownership claimed",
		"channel_id", row.ChannelID,
		"previous_owner", row.OwnerID,
		"new_owner", user.ID,
	)
	handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: fmt.Sprintf("<@%s> now owns this channel.", user.ID),
			},
		},
	)
}

func (w *Warden) promptPanelBitrate(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	maxKbps := 96
	if guild, err := w.discord.session.Guild(i.GuildID); err == nil {
		maxKbps = guildMaxBitrate(guild.PremiumTier)
	}

	var options []discordgo.SelectMenuOption
	for _, kbps := range bitrateChoices {
		if kbps > maxKbps {
			break
		}
		options = append(
			options, discordgo.SelectMenuOption{
				Label: fmt.Sprintf("%d kbps", kbps),
				Value: strconv.Itoa(kbps * 1000),
			},
		)
	}

	handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: "Pick a bitrate:",
				Flags:   discordgo.MessageFlagsEphemeral,
				Components: []discordgo.MessageComponent{
					discordgo.ActionsRow{
						Components: []discordgo.MessageComponent{
							&discordgo.SelectMenu{
								MenuType: discordgo.StringSelectMenu,
								CustomID: newCustomID(
									panelComponentPrefix, panelSelectBitrate,
								),
								Options: options,
							},
						},
					},
				},
			},
		},
	)
}

func (w *Warden) promptPanelBanUser(
	ctx context.Context,
	handler InteractionHandler,
) {
	maxValues := discordMaxSelectOptions
	handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: "Pick members to ban from this channel:",
				Flags:   discordgo.MessageFlagsEphemeral,
				Components: []discordgo.MessageComponent{
					discordgo.ActionsRow{
						Components: []discordgo.MessageComponent{
							&discordgo.SelectMenu{
								MenuType: discordgo.UserSelectMenu,
								CustomID: newCustomID(
									panelComponentPrefix, panelSelectBanUser,
								),
								MaxValues: maxValues,
							},
						},
					},
				},
			},
		},
	)
}

func (w *Warden) promptPanelBanRole(
	ctx context.Context,
	handler InteractionHandler,
) {
	maxValues := discordMaxSelectOptions
	handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: "Pick roles to ban from this channel:",
				Flags:   discordgo.MessageFlagsEphemeral,
				Components: []discordgo.MessageComponent{
					discordgo.ActionsRow{
						Components: []discordgo.MessageComponent{
							&discordgo.SelectMenu{
								MenuType: discordgo.RoleSelectMenu,
								CustomID: newCustomID(
									panelComponentPrefix, panelSelectBanRole,
								),
								MaxValues: maxValues,
							},
						},
					},
				},
			},
		},
	)
}

// promptPanelUnban lists overwrites whose view permission is explicitly
// denied, excluding the @everyone privacy entry. Past maxUnbanEntries
// the flow defers to manual cleanup; past the platform's select cap the
// list is truncated.
func (w *Warden) promptPanelUnban(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = handler.Logger()
	}

	channel, err := w.discord.session.Channel(i.ChannelID)
	if err != nil {
		logger.ErrorContext(ctx, "error fetching channel", tint.Err(err))
		handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
		return
	}

	var banned []*discordgo.PermissionOverwrite
	for _, overwrite := range channel.PermissionOverwrites {
		if overwrite.ID == i.GuildID {
			continue
		}
		if overwrite.Deny&int64(discordgo.PermissionViewChannel) != 0 {
			banned = append(banned, overwrite)
		}
	}

	if len(banned) == 0 {
		handler.Respond(ctx, ephemeralResponse("Nobody is banned from this channel."))
		return
	}
	if len(banned) > maxUnbanEntries {
		handler.Respond(
			ctx,
			ephemeralResponse(
				fmt.Sprintf(
					"%d entities are banned here. That's too many to list; "+
						"edit the channel permissions directly.",
					len(banned),
				),
			),
		)
		return
	}
	if len(banned) > discordMaxSelectOptions {
		banned = banned[:discordMaxSelectOptions]
	}

	var options []discordgo.SelectMenuOption
	for _, overwrite := range banned {
		kind := "user"
		label := fmt.Sprintf("User %s", overwrite.ID)
		if overwrite.Type == discordgo.PermissionOverwriteTypeRole {
			kind = "role"
			label = fmt.Sprintf("Role %s", overwrite.ID)
		}
		options = append(
			options, discordgo.SelectMenuOption{
				Label: label,
				Value: fmt.Sprintf("%s/%s", kind, overwrite.ID),
			},
		)
	}

	maxValues := len(options)
	handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: "Pick entries to unban:",
				Flags:   discordgo.MessageFlagsEphemeral,
				Components: []discordgo.MessageComponent{
					discordgo.ActionsRow{
						Components: []discordgo.MessageComponent{
							&discordgo.SelectMenu{
								MenuType: discordgo.StringSelectMenu,
								CustomID: newCustomID(
									panelComponentPrefix, panelSelectUnban,
								),
								Options:   options,
								MaxValues: maxValues,
							},
						},
					},
				},
			},
		},
	)
}

func (w *Warden) applyPanelBitrate(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = handler.Logger()
	}

	values := i.MessageComponentData().Values
	if len(values) == 0 {
		handler.Respond(ctx, ephemeralResponse("No bitrate selected."))
		return
	}
	bitrate, err := strconv.Atoi(values[0])
	if err != nil {
		handler.Respond(ctx, ephemeralResponse("Invalid bitrate."))
		return
	}

	_, err = w.discord.session.ChannelEdit(
		i.ChannelID,
		&discordgo.ChannelEdit{Bitrate: bitrate},
		discordgo.WithAuditLogReason(
			fmt.Sprintf("bitrate changed by channel owner %s", user.ID),
		),
	)
	if err != nil {
		logger.ErrorContext(ctx, "error editing bitrate", tint.Err(err))
		handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
		return
	}

	handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseUpdateMessage,
			Data: &discordgo.InteractionResponseData{
				Content:    fmt.Sprintf("Bitrate set to %d kbps.", bitrate/1000),
				Components: []discordgo.MessageComponent{},
			},
		},
	)
}

// applyPanelBan denies view and connect for the selected users or
// roles. The acting owner and the bot are never banned, even when
// selected; banned members still connected are best-effort
// disconnected.
func (w *Warden) applyPanelBan(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
	row *TempVoiceChannel,
	user *discordgo.User,
	roles bool,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = handler.Logger()
	}

	values := i.MessageComponentData().Values
	if len(values) == 0 {
		handler.Respond(ctx, ephemeralResponse("Nothing selected."))
		return
	}

	overwriteType := discordgo.PermissionOverwriteTypeMember
	if roles {
		overwriteType = discordgo.PermissionOverwriteTypeRole
	}

	botID := w.discord.BotUserID()
	var bannedMentions []string
	for _, targetID := range values {
		if !roles && (targetID == user.ID || targetID == botID) {
			continue
		}
		if err := w.discord.session.ChannelPermissionSet(
			i.ChannelID,
			targetID,
			overwriteType,
			0,
			panelBanMask,
		); err != nil {
			logger.ErrorContext(
				ctx,
				"error setting ban overwrite",
				tint.Err(err),
				"target_id", targetID,
			)
			continue
		}
		if roles {
			bannedMentions = append(bannedMentions, fmt.Sprintf("<@&%s>", targetID))
			w.disconnectRoleMembers(ctx, i.GuildID, row.ChannelID, targetID)
		} else {
			bannedMentions = append(bannedMentions, fmt.Sprintf("<@%s>", targetID))
			w.disconnectIfPresent(ctx, i.GuildID, row.ChannelID, targetID)
		}
	}

	content := "Nobody was banned."
	if len(bannedMentions) > 0 {
		content = fmt.Sprintf(
			"Banned from this channel: %s",
			strings.Join(bannedMentions, ", "),
		)
	}
	handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseUpdateMessage,
			Data: &discordgo.InteractionResponseData{
				Content:    content,
				Components: []discordgo.MessageComponent{},
			},
		},
	)
}

func (w *Warden) disconnectIfPresent(
	ctx context.Context,
	guildID string,
	channelID string,
	userID string,
) {
	current, inVoice := w.voice.tracker.UserChannel(guildID, userID)
	if !inVoice || current != channelID {
		return
	}
	if err := w.discord.session.GuildMemberMove(guildID, userID, nil); err != nil {
		logger, ok := ContextLogger(ctx)
		if !ok || logger == nil {
			logger = slog.Default()
		}
		logger.WarnContext(
			ctx,
			"could not disconnect banned member",
			tint.Err(err),
			"user_id", userID,
		)
	}
}

func (w *Warden) disconnectRoleMembers(
	ctx context.Context,
	guildID string,
	channelID string,
	roleID string,
) {
	for _, vs := range w.voice.tracker.ChannelOccupants(guildID, channelID) {
		if vs.Member == nil {
			continue
		}
		for _, memberRole := range vs.Member.Roles {
			if memberRole == roleID {
				w.disconnectIfPresent(ctx, guildID, channelID, vs.UserID)
				break
			}
		}
	}
}

func (w *Warden) applyPanelUnban(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = handler.Logger()
	}

	values := i.MessageComponentData().Values
	removed := 0
	for _, value := range values {
		parts := strings.SplitN(value, "/", 2)
		if len(parts) != 2 {
			continue
		}
		if err := w.discord.session.ChannelPermissionDelete(
			i.ChannelID,
			parts[1],
		); err != nil {
			logger.ErrorContext(
				ctx,
				"error removing ban overwrite",
				tint.Err(err),
				"target", value,
			)
			continue
		}
		removed++
	}

	logger.InfoContext(
		ctx,
		"removed channel bans",
		"count", removed,
		"acting_owner", user.ID,
	)
	handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseUpdateMessage,
			Data: &discordgo.InteractionResponseData{
				Content:    fmt.Sprintf("Removed %d ban(s).", removed),
				Components: []discordgo.MessageComponent{},
			},
		},
	)
}

// applyPanelReset clears view and connect from every overwrite on the
// channel, returning them to inherit. Entries left with no bits set are
// removed entirely.
func (w *Warden) applyPanelReset(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = handler.Logger()
	}

	channel, err := w.discord.session.Channel(i.ChannelID)
	if err != nil {
		logger.ErrorContext(ctx, "error fetching channel", tint.Err(err))
		handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
		return
	}

	auditReason := discordgo.WithAuditLogReason(
		fmt.Sprintf("permissions reset by channel owner %s", user.ID),
	)
	for _, overwrite := range channel.PermissionOverwrites {
		allow := overwrite.Allow &^ panelBanMask
		deny := overwrite.Deny &^ panelBanMask
		if allow == overwrite.Allow && deny == overwrite.Deny {
			continue
		}
		if allow == 0 && deny == 0 {
			if delErr := w.discord.session.ChannelPermissionDelete(
				i.ChannelID, overwrite.ID, auditReason,
			); delErr != nil {
				logger.WarnContext(
					ctx,
					"error removing overwrite",
					tint.Err(delErr),
					"target_id", overwrite.ID,
				)
			}
			continue
		}
		if setErr := w.discord.session.ChannelPermissionSet(
			i.ChannelID, overwrite.ID, overwrite.Type, allow, deny, auditReason,
		); setErr != nil {
			logger.WarnContext(
				ctx,
				"error resetting overwrite",
				tint.Err(setErr),
				"target_id", overwrite.ID,
			)
		}
	}

	handler.Respond(
		ctx,
		ephemeralResponse("View and connect permissions were reset to inherit."),
	)
}

// handlePanelLimitModal applies a submitted user limit. Ownership is
// re-checked, since it may have changed while the modal was open.
func (w *Warden) handlePanelLimitModal(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
	channelID string,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = handler.Logger()
	}
	if channelID == "" {
		channelID = i.ChannelID
	}

	row, err := w.db.GetVoiceChannel(ctx, channelID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logger.ErrorContext(ctx, "error reading channel registry", tint.Err(err))
		}
		handler.Respond(
			ctx,
			ephemeralResponse("This isn't a managed temporary channel."),
		)
		return
	}
	user := interactionUser(i)
	if user == nil || user.ID != row.OwnerID {
		handler.Respond(
			ctx,
			ephemeralResponse(
				fmt.Sprintf("Only the channel owner <@%s> can do that.", row.OwnerID),
			),
		)
		return
	}

	raw := modalInputValue(i.ModalSubmitData(), panelLimitInputID)
	limit, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || limit < 0 || limit > 99 {
		handler.Respond(
			ctx,
			ephemeralResponse("The user limit must be a number from 0 to 99."),
		)
		return
	}

	err = w.discord.session.ChannelUserLimitSet(
		channelID,
		limit,
		discordgo.WithAuditLogReason(
			fmt.Sprintf("user limit changed by channel owner %s", user.ID),
		),
	)
	if err != nil {
		logger.ErrorContext(ctx, "error editing user limit", tint.Err(err))
		handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
		return
	}

	content := fmt.Sprintf("User limit set to %d.", limit)
	if limit == 0 {
		content = "User limit removed."
	}
	handler.Respond(ctx, ephemeralResponse(content))
}
