package warden

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	moderateMuteComponentPrefix   = "modmute"
	moderateDeafenComponentPrefix = "moddeafen"

	// moderateMaxMembers caps how many members fit on one control
	// message: five action rows, two members (four buttons) per row,
	// minus nothing for a header since the header is message content.
	moderateMaxMembers = 10
)

// voiceToggle selects which server voice flag a moderate button flips.
type voiceToggle int

const (
	voiceToggleMute voiceToggle = iota
	voiceToggleDeafen
)

// ClaimStatus classifies the outcome of a claim manager operation.
// Denials map one-to-one onto the user-facing message, so handlers
// never invent their own wording.
type ClaimStatus int

const (
	ClaimOK ClaimStatus = iota
	ClaimNotInChannel
	ClaimAlreadyClaimed
	ClaimUnclaimed
	ClaimNotAuthorized
)

// ClaimResult is the outcome of a claim, unclaim, or moderate call.
// Claimant is set when a claim exists for the channel involved.
type ClaimResult struct {
	Status   ClaimStatus
	Claimant string
}

func (r ClaimResult) OK() bool {
	return r.Status == ClaimOK
}

func (r ClaimResult) Message() string {
	switch r.Status {
	case ClaimOK:
		return ""
	case ClaimNotInChannel:
		return "You need to be in the voice channel to do that."
	case ClaimAlreadyClaimed:
		return fmt.Sprintf("This channel is already claimed by <@%s>.", r.Claimant)
	case ClaimUnclaimed:
		return "This channel is unclaimed. Use `/claim` first."
	case ClaimNotAuthorized:
		if r.Claimant != "" {
			return fmt.Sprintf(
				"Only the claimant <@%s> (or an administrator) can do that.",
				r.Claimant,
			)
		}
		return "You aren't authorized to do that."
	default:
		return DefaultDiscordErrorMessage
	}
}

// ClaimManager tracks which moderator has claimed mute/deafen authority
// over which voice channel. All state is process-local; claims don't
// survive a restart.
type ClaimManager struct {
	mu              sync.Mutex
	claims          map[string]string // channel ID -> claimant user ID
	controlMessages map[string]string // channel ID -> control message ID

	session DiscordSessionHandler
	tracker *voiceStateTracker
	logger  *slog.Logger
}

func newClaimManager(
	session DiscordSessionHandler,
	tracker *voiceStateTracker,
	logger *slog.Logger,
) *ClaimManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClaimManager{
		claims:          map[string]string{},
		controlMessages: map[string]string{},
		session:         session,
		tracker:         tracker,
		logger:          logger.With(loggerNameKey, "claims"),
	}
}

// Claimant returns the current claimant for a channel, if any.
func (c *ClaimManager) Claimant(channelID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	claimant, ok := c.claims[channelID]
	return claimant, ok
}

// Claim records userID as the moderator of channelID. The user must be
// present in the channel, and the channel must not already be claimed.
func (c *ClaimManager) Claim(guildID, channelID, userID string) ClaimResult {
	current, inVoice := c.tracker.UserChannel(guildID, userID)
	if !inVoice || current != channelID {
		return ClaimResult{Status: ClaimNotInChannel}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if claimant, claimed := c.claims[channelID]; claimed {
		return ClaimResult{Status: ClaimAlreadyClaimed, Claimant: claimant}
	}
	c.claims[channelID] = userID
	c.logger.Info(
		"channel claimed",
		"guild_id", guildID,
		"channel_id", channelID,
		"claimant", userID,
	)
	return ClaimResult{Status: ClaimOK, Claimant: userID}
}

// Unclaim releases the claim on channelID. Authorized for the claimant,
// a guild administrator, or the channel's recorded owner. Releasing
// clears server mute/deafen from every present non-bot member and
// removes the control message.
func (c *ClaimManager) Unclaim(
	ctx context.Context,
	guildID string,
	channelID string,
	userID string,
	isAdmin bool,
	ownerID string,
) ClaimResult {
	c.mu.Lock()
	claimant, claimed := c.claims[channelID]
	if !claimed {
		c.mu.Unlock()
		return ClaimResult{Status: ClaimUnclaimed}
	}
	if userID != claimant && !isAdmin && (ownerID == "" || userID != ownerID) {
		c.mu.Unlock()
		return ClaimResult{Status: ClaimNotAuthorized, Claimant: claimant}
	}
	delete(c.claims, channelID)
	messageID := c.controlMessages[channelID]
	delete(c.controlMessages, channelID)
	c.mu.Unlock()

	c.releaseChannel(ctx, guildID, channelID, messageID)
	c.logger.InfoContext(
		ctx,
		"channel unclaimed",
		"guild_id", guildID,
		"channel_id", channelID,
		"claimant", claimant,
		"released_by", userID,
	)
	return ClaimResult{Status: ClaimOK, Claimant: claimant}
}

// releaseChannel clears mute/deafen from present members and deletes
// the control message. All failures are logged and tolerated.
func (c *ClaimManager) releaseChannel(
	ctx context.Context,
	guildID string,
	channelID string,
	messageID string,
) {
	for _, vs := range c.tracker.ChannelOccupants(guildID, channelID) {
		if vs.Member != nil && vs.Member.User != nil && vs.Member.User.Bot {
			continue
		}
		c.clearVoiceFlags(ctx, guildID, vs)
	}

	if messageID == "" {
		return
	}
	err := c.session.ChannelMessageDelete(channelID, messageID)
	if err != nil && !discordErrUnknownEntity(err) {
		c.logger.WarnContext(
			ctx,
			"error deleting control message",
			tint.Err(err),
			"channel_id", channelID,
			"message_id", messageID,
		)
	}
}

func (c *ClaimManager) clearVoiceFlags(
	ctx context.Context,
	guildID string,
	vs *discordgo.VoiceState,
) {
	if vs.Mute {
		if err := c.session.GuildMemberMute(guildID, vs.UserID, false); err != nil {
			c.logger.WarnContext(
				ctx,
				"error clearing server mute",
				tint.Err(err),
				"user_id", vs.UserID,
			)
		}
	}
	if vs.Deaf {
		if err := c.session.GuildMemberDeafen(guildID, vs.UserID, false); err != nil {
			c.logger.WarnContext(
				ctx,
				"error clearing server deafen",
				tint.Err(err),
				"user_id", vs.UserID,
			)
		}
	}
}

// Moderate (re)posts the control message for a claimed channel.
// Authorized for the claimant or a guild administrator; unlike Unclaim,
// channel ownership alone doesn't qualify.
func (c *ClaimManager) Moderate(
	ctx context.Context,
	guildID string,
	channelID string,
	userID string,
	isAdmin bool,
) ClaimResult {
	c.mu.Lock()
	claimant, claimed := c.claims[channelID]
	if !claimed {
		c.mu.Unlock()
		return ClaimResult{Status: ClaimUnclaimed}
	}
	if userID != claimant && !isAdmin {
		c.mu.Unlock()
		return ClaimResult{Status: ClaimNotAuthorized, Claimant: claimant}
	}
	previousMessageID := c.controlMessages[channelID]
	c.mu.Unlock()

	if previousMessageID != "" {
		err := c.session.ChannelMessageDelete(channelID, previousMessageID)
		if err != nil && !discordErrUnknownEntity(err) {
			c.logger.WarnContext(
				ctx,
				"error deleting previous control message",
				tint.Err(err),
			)
		}
	}

	content, components := c.controlMessageView(guildID, channelID, claimant)
	msg, err := c.session.ChannelMessageSendComplex(
		channelID, &discordgo.MessageSend{
			Content:    content,
			Components: components,
		},
	)
	if err != nil {
		c.logger.ErrorContext(ctx, "error posting control message", tint.Err(err))
		return ClaimResult{Status: ClaimOK, Claimant: claimant}
	}

	c.mu.Lock()
	c.controlMessages[channelID] = msg.ID
	c.mu.Unlock()
	return ClaimResult{Status: ClaimOK, Claimant: claimant}
}

// controlMessageView builds the control message listing present
// non-bot members with mute/deafen toggles reflecting live state.
func (c *ClaimManager) controlMessageView(
	guildID string,
	channelID string,
	claimant string,
) (string, []discordgo.MessageComponent) {
	occupants := c.tracker.ChannelOccupants(guildID, channelID)
	sort.Slice(
		occupants, func(i, j int) bool {
			return occupants[i].UserID < occupants[j].UserID
		},
	)

	content := fmt.Sprintf(
		"Voice moderation for <#%s>, claimed by <@%s>.",
		channelID,
		claimant,
	)

	var buttons []discordgo.MessageComponent
	shown := 0
	for _, vs := range occupants {
		if vs.Member != nil && vs.Member.User != nil && vs.Member.User.Bot {
			continue
		}
		if shown >= moderateMaxMembers {
			content += "\n-# Not all members fit on this panel."
			break
		}
		shown++

		name := vs.UserID
		if vs.Member != nil {
			name = memberDisplayName(vs.Member)
		}
		name = truncate(name, 70)
		content += fmt.Sprintf("\n- %s (<@%s>)", name, vs.UserID)

		muteLabel := fmt.Sprintf("Mute %s", name)
		if vs.Mute {
			muteLabel = fmt.Sprintf("Unmute %s", name)
		}
		deafenLabel := fmt.Sprintf("Deafen %s", name)
		if vs.Deaf {
			deafenLabel = fmt.Sprintf("Undeafen %s", name)
		}

		buttons = append(
			buttons,
			&discordgo.Button{
				Label:    muteLabel,
				Style:    discordgo.SecondaryButton,
				CustomID: newCustomID(moderateMuteComponentPrefix, vs.UserID),
			},
			&discordgo.Button{
				Label:    deafenLabel,
				Style:    discordgo.SecondaryButton,
				CustomID: newCustomID(moderateDeafenComponentPrefix, vs.UserID),
			},
		)
	}

	// two mute/deafen pairs per row keeps each member's buttons together
	var rows []discordgo.MessageComponent
	for _, chunk := range chunkItems(discordMaxButtonsPerActionRow-1, buttons...) {
		rows = append(rows, discordgo.ActionsRow{Components: chunk})
	}

	if shown == 0 {
		content += "\nNobody is in the channel."
	}
	return content, rows
}

// HandleMemberTransition reacts to a member changing voice channels:
// mute/deafen flags are cleared on entering a new channel, leaving
// claimants auto-unclaim their channel, and claimed channels on either
// side get their control message refreshed.
func (c *ClaimManager) HandleMemberTransition(
	ctx context.Context,
	guildID string,
	userID string,
	before string,
	after string,
) {
	if after != "" {
		if vs, ok := c.tracker.UserState(guildID, userID); ok {
			c.clearVoiceFlags(ctx, guildID, &vs)
		}
	}

	if before != "" {
		c.mu.Lock()
		claimant, claimed := c.claims[before]
		c.mu.Unlock()
		if claimed && claimant == userID {
			c.autoUnclaim(ctx, guildID, before, userID)
		} else if claimed {
			c.refreshControlMessage(ctx, guildID, before)
		}
	}
	if after != "" {
		if _, claimed := c.Claimant(after); claimed {
			c.refreshControlMessage(ctx, guildID, after)
		}
	}
}

func (c *ClaimManager) autoUnclaim(
	ctx context.Context,
	guildID string,
	channelID string,
	claimant string,
) {
	c.mu.Lock()
	if c.claims[channelID] != claimant {
		c.mu.Unlock()
		return
	}
	delete(c.claims, channelID)
	messageID := c.controlMessages[channelID]
	delete(c.controlMessages, channelID)
	c.mu.Unlock()

	c.releaseChannel(ctx, guildID, channelID, messageID)
	c.logger.InfoContext(
		ctx,
		"claim auto-released, claimant left",
		"guild_id", guildID,
		"channel_id", channelID,
		"claimant", claimant,
	)
}

func (c *ClaimManager) refreshControlMessage(
	ctx context.Context,
	guildID string,
	channelID string,
) {
	c.mu.Lock()
	claimant, claimed := c.claims[channelID]
	messageID := c.controlMessages[channelID]
	c.mu.Unlock()
	if !claimed || messageID == "" {
		return
	}

	content, components := c.controlMessageView(guildID, channelID, claimant)
	_, err := c.session.ChannelMessageEditComplex(
		&discordgo.MessageEdit{
			ID:         messageID,
			Channel:    channelID,
			Content:    &content,
			Components: &components,
		},
	)
	if err != nil {
		if discordErrUnknownEntity(err) {
			c.mu.Lock()
			delete(c.controlMessages, channelID)
			c.mu.Unlock()
			return
		}
		c.logger.WarnContext(ctx, "error refreshing control message", tint.Err(err))
	}
}

// handleModerateToggle flips a member's server mute or deafen from a
// control message button. The target's presence is re-checked at click
// time; a member who already left is a normal "nothing to do" outcome.
func (c *ClaimManager) handleModerateToggle(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
	kind voiceToggle,
	targetID string,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = handler.Logger()
	}

	channelID := i.ChannelID
	c.mu.Lock()
	claimant, claimed := c.claims[channelID]
	c.mu.Unlock()
	if !claimed {
		handler.Respond(
			ctx,
			ephemeralResponse(ClaimResult{Status: ClaimUnclaimed}.Message()),
		)
		return
	}

	user := interactionUser(i)
	isAdmin := i.Member != nil &&
		i.Member.Permissions&discordgo.PermissionAdministrator != 0
	if user == nil || (user.ID != claimant && !isAdmin) {
		handler.Respond(
			ctx,
			ephemeralResponse(
				ClaimResult{
					Status:   ClaimNotAuthorized,
					Claimant: claimant,
				}.Message(),
			),
		)
		return
	}

	vs, present := c.tracker.UserState(i.GuildID, targetID)
	if !present || vs.ChannelID != channelID {
		handler.Respond(
			ctx,
			ephemeralResponse("That member is no longer in the channel."),
		)
		return
	}

	mute, deaf := vs.Mute, vs.Deaf
	var err error
	switch kind {
	case voiceToggleMute:
		err = c.session.GuildMemberMute(i.GuildID, targetID, !mute)
		if err == nil {
			mute = !mute
		}
	case voiceToggleDeafen:
		err = c.session.GuildMemberDeafen(i.GuildID, targetID, !deaf)
		if err == nil {
			deaf = !deaf
		}
	}
	if err != nil {
		logger.ErrorContext(
			ctx,
			"error toggling voice flag",
			tint.Err(err),
			"target_id", targetID,
		)
		handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
		return
	}
	c.tracker.SetVoiceFlags(i.GuildID, targetID, mute, deaf)

	content, components := c.controlMessageView(i.GuildID, channelID, claimant)
	handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseUpdateMessage,
			Data: &discordgo.InteractionResponseData{
				Content:    content,
				Components: components,
			},
		},
	)
}

// handleClaimCommand executes /claim for the invoker's current voice
// channel.
func (w *Warden) handleClaimCommand(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	user := interactionUser(i)
	if user == nil || i.GuildID == "" {
		handler.Respond(ctx, ephemeralResponse("This command only works in a server."))
		return
	}
	channelID, inVoice := w.voice.tracker.UserChannel(i.GuildID, user.ID)
	if !inVoice {
		handler.Respond(
			ctx,
			ephemeralResponse(ClaimResult{Status: ClaimNotInChannel}.Message()),
		)
		return
	}

	result := w.claims.Claim(i.GuildID, channelID, user.ID)
	if !result.OK() {
		handler.Respond(ctx, ephemeralResponse(result.Message()))
		return
	}
	handler.Respond(
		ctx,
		ephemeralResponse(
			fmt.Sprintf(
				"You claimed moderation of <#%s>. Use `/moderate` for controls.",
				channelID,
			),
		),
	)
}

// handleUnclaimCommand executes /unclaim for the invoker's current
// voice channel.
func (w *Warden) handleUnclaimCommand(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = handler.Logger()
	}

	user := interactionUser(i)
	if user == nil || i.GuildID == "" {
		handler.Respond(ctx, ephemeralResponse("This command only works in a server."))
		return
	}
	channelID, inVoice := w.voice.tracker.UserChannel(i.GuildID, user.ID)
	if !inVoice {
		handler.Respond(
			ctx,
			ephemeralResponse(ClaimResult{Status: ClaimNotInChannel}.Message()),
		)
		return
	}

	isAdmin := i.Member != nil &&
		i.Member.Permissions&discordgo.PermissionAdministrator != 0

	var ownerID string
	row, err := w.db.GetVoiceChannel(ctx, channelID)
	if err == nil {
		ownerID = row.OwnerID
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		logger.ErrorContext(ctx, "error reading channel registry", tint.Err(err))
	}

	result := w.claims.Unclaim(ctx, i.GuildID, channelID, user.ID, isAdmin, ownerID)
	if !result.OK() {
		handler.Respond(ctx, ephemeralResponse(result.Message()))
		return
	}
	handler.Respond(
		ctx,
		ephemeralResponse(fmt.Sprintf("Released the claim on <#%s>.", channelID)),
	)
}

// handleModerateCommand executes /moderate for the invoker's current
// voice channel.
func (w *Warden) handleModerateCommand(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	user := interactionUser(i)
	if user == nil || i.GuildID == "" {
		handler.Respond(ctx, ephemeralResponse("This command only works in a server."))
		return
	}
	channelID, inVoice := w.voice.tracker.UserChannel(i.GuildID, user.ID)
	if !inVoice {
		handler.Respond(
			ctx,
			ephemeralResponse(ClaimResult{Status: ClaimNotInChannel}.Message()),
		)
		return
	}

	isAdmin := i.Member != nil &&
		i.Member.Permissions&discordgo.PermissionAdministrator != 0
	result := w.claims.Moderate(ctx, i.GuildID, channelID, user.ID, isAdmin)
	if !result.OK() {
		handler.Respond(ctx, ephemeralResponse(result.Message()))
		return
	}
	handler.Respond(
		ctx,
		ephemeralResponse("Posted the moderation panel in the channel."),
	)
}
