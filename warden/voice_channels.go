package warden

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// tempChannelCapacity is the user limit applied to every created
// temporary channel.
const tempChannelCapacity = 25

// boosterRoleName is the platform-managed premium subscriber role name.
const boosterRoleName = "Server Booster"

// TempVoiceChannel is the registry row for one bot-created temporary
// voice channel. A row exists if and only if the underlying channel
// exists and was created here.
type TempVoiceChannel struct {
	ChannelID string `json:"channel_id" gorm:"primaryKey"`
	ModelUnixTime
	GuildID string `json:"guild_id" gorm:"not null;index"`
	OwnerID string `json:"owner_id" gorm:"not null"`
	Locked  bool   `json:"locked"`
	Ghosted bool   `json:"ghosted"`
}

func (t TempVoiceChannel) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("channel_id", t.ChannelID),
		slog.String("guild_id", t.GuildID),
		slog.String("owner_id", t.OwnerID),
		slog.Bool("locked", t.Locked),
		slog.Bool("ghosted", t.Ghosted),
	)
}

func (d *database) GetVoiceChannel(
	ctx context.Context,
	channelID string,
) (*TempVoiceChannel, error) {
	var channel TempVoiceChannel
	err := d.db.WithContext(ctx).Where(
		"channel_id = ?", channelID,
	).Last(&channel).Error
	if err != nil {
		return nil, err
	}
	return &channel, nil
}

// voiceStateTracker is an in-memory guild -> user -> voice state index
// fed by gateway events. The session's own state cache stays disabled,
// so occupancy and presence checks come from here.
type voiceStateTracker struct {
	mu     sync.RWMutex
	guilds map[string]map[string]*discordgo.VoiceState
}

func newVoiceStateTracker() *voiceStateTracker {
	return &voiceStateTracker{
		guilds: map[string]map[string]*discordgo.VoiceState{},
	}
}

// Update records the new voice state for a user, or removes it when the
// user disconnected from voice.
func (t *voiceStateTracker) Update(vs *discordgo.VoiceState) {
	if vs == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	guild := t.guilds[vs.GuildID]
	if guild == nil {
		guild = map[string]*discordgo.VoiceState{}
		t.guilds[vs.GuildID] = guild
	}
	if vs.ChannelID == "" {
		delete(guild, vs.UserID)
		return
	}
	guild[vs.UserID] = vs
}

// UserChannel returns the channel a user is connected to, if any.
func (t *voiceStateTracker) UserChannel(guildID, userID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	vs := t.guilds[guildID][userID]
	if vs == nil {
		return "", false
	}
	return vs.ChannelID, true
}

// UserState returns a copy of the tracked voice state for a user, if
// any. Flag changes go through SetVoiceFlags, not the returned value.
func (t *voiceStateTracker) UserState(
	guildID string,
	userID string,
) (discordgo.VoiceState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	vs := t.guilds[guildID][userID]
	if vs == nil {
		return discordgo.VoiceState{}, false
	}
	return *vs, true
}

// SetVoiceFlags records the server mute and deafen flags for a tracked
// user. The gateway confirms the change with a later VoiceStateUpdate,
// until then the tracked state reflects what the bot requested.
func (t *voiceStateTracker) SetVoiceFlags(
	guildID string,
	userID string,
	mute bool,
	deaf bool,
) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if vs := t.guilds[guildID][userID]; vs != nil {
		vs.Mute = mute
		vs.Deaf = deaf
	}
}

// ChannelOccupants returns the voice states of everyone connected to
// the given channel.
func (t *voiceStateTracker) ChannelOccupants(
	guildID string,
	channelID string,
) []*discordgo.VoiceState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var occupants []*discordgo.VoiceState
	for _, vs := range t.guilds[guildID] {
		if vs.ChannelID == channelID {
			occupants = append(occupants, vs)
		}
	}
	return occupants
}

// nonBotOccupantCount counts the channel's occupants, excluding members
// known to be bots.
func (t *voiceStateTracker) nonBotOccupantCount(guildID, channelID string) int {
	count := 0
	for _, vs := range t.ChannelOccupants(guildID, channelID) {
		if vs.Member != nil && vs.Member.User != nil && vs.Member.User.Bot {
			continue
		}
		count++
	}
	return count
}

// voiceActivityRecorder receives voice membership transitions for time
// accounting.
type voiceActivityRecorder interface {
	HandleVoiceTransition(
		ctx context.Context,
		guildID string,
		userID string,
		before string,
		after string,
	)
}

// VoiceManager reacts to voice presence transitions: it creates a
// temporary channel when a member enters the guild's configured trigger
// channel, and tears empty temporary channels down.
type VoiceManager struct {
	session  DiscordSessionHandler
	db       DBI
	settings *GuildSettings
	claims   *ClaimManager
	names    *NamePool
	tracker  *voiceStateTracker
	activity voiceActivityRecorder
	logger   *slog.Logger

	// botUserID resolves the bot's own user ID at event time, since the
	// session may not have been identified yet at construction
	botUserID func() string

	// mu serializes event processing. The derived before state and the
	// entry/exit branches assume per-member event order.
	mu sync.Mutex
}

func newVoiceManager(
	session DiscordSessionHandler,
	db DBI,
	settings *GuildSettings,
	claims *ClaimManager,
	names *NamePool,
	tracker *voiceStateTracker,
	activity voiceActivityRecorder,
	botUserID func() string,
	logger *slog.Logger,
) *VoiceManager {
	if logger == nil {
		logger = slog.Default()
	}
	if tracker == nil {
		tracker = newVoiceStateTracker()
	}
	return &VoiceManager{
		session:   session,
		db:        db,
		settings:  settings,
		claims:    claims,
		names:     names,
		tracker:   tracker,
		activity:  activity,
		botUserID: botUserID,
		logger:    logger.With(loggerNameKey, "voice"),
	}
}

// HandleVoiceStateUpdate is the entry point for gateway voice state
// events. Transitions where the channel did not change (mute toggles,
// stream starts) are recorded in the tracker and otherwise ignored.
func (v *VoiceManager) HandleVoiceStateUpdate(
	ctx context.Context,
	vsu *discordgo.VoiceStateUpdate,
) {
	if vsu == nil || vsu.VoiceState == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	guildID := vsu.GuildID
	userID := vsu.UserID

	before, _ := v.tracker.UserChannel(guildID, userID)
	v.tracker.Update(vsu.VoiceState)
	after := vsu.ChannelID

	if before == after {
		return
	}

	logger := v.logger.With(
		slog.Group(
			"transition",
			"guild_id", guildID,
			"user_id", userID,
			"before", before,
			"after", after,
		),
	)
	ctx = WithLogger(ctx, logger)
	logger.DebugContext(ctx, "voice channel transition")

	if v.activity != nil {
		v.activity.HandleVoiceTransition(ctx, guildID, userID, before, after)
	}
	if v.claims != nil {
		v.claims.HandleMemberTransition(ctx, guildID, userID, before, after)
	}

	if after != "" {
		v.handleEntry(ctx, vsu, after)
	}
	if before != "" {
		v.handleExit(ctx, guildID, before)
	}
}

// handleEntry creates a temporary channel when the entered channel is
// the guild's configured trigger channel.
func (v *VoiceManager) handleEntry(
	ctx context.Context,
	vsu *discordgo.VoiceStateUpdate,
	after string,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = v.logger
	}
	guildID := vsu.GuildID
	userID := vsu.UserID

	triggerID, set := v.settings.ChannelID(ctx, guildID, SettingJoinToCreateChannel)
	if !set || after != triggerID {
		return
	}

	member := vsu.Member
	if member == nil || member.User == nil {
		fetched, err := v.session.GuildMember(guildID, userID)
		if err != nil {
			logger.ErrorContext(ctx, "error fetching member", tint.Err(err))
			return
		}
		member = fetched
	}
	if member.User.Bot {
		return
	}

	guild, err := v.session.Guild(guildID)
	if err != nil {
		logger.ErrorContext(ctx, "error fetching guild", tint.Err(err))
		return
	}
	triggerChannel, err := v.session.Channel(triggerID)
	if err != nil {
		logger.ErrorContext(ctx, "error fetching trigger channel", tint.Err(err))
		return
	}

	// the @everyone role ID equals the guild ID
	everyoneRoleID := guildID
	allowedRoleID, verifiedSet := v.settings.RoleID(ctx, guildID, SettingVerifiedRole)
	if !verifiedSet {
		allowedRoleID = everyoneRoleID
	}
	boosterRoleID := findBoosterRole(guild.Roles)

	overwrites := buildChannelOverwrites(
		userID,
		v.botUserID(),
		allowedRoleID,
		everyoneRoleID,
		boosterRoleID,
	)

	displayName := memberDisplayName(member)
	suffix := v.names.Pick()
	channelName := composeChannelName(displayName, suffix)

	created, err := v.session.GuildChannelCreateComplex(
		guildID,
		discordgo.GuildChannelCreateData{
			Name:                 channelName,
			Type:                 discordgo.ChannelTypeGuildVoice,
			UserLimit:            tempChannelCapacity,
			ParentID:             triggerChannel.ParentID,
			PermissionOverwrites: overwrites,
		},
		discordgo.WithAuditLogReason(
			fmt.Sprintf("temporary channel for %s", displayName),
		),
	)
	if err != nil {
		logger.ErrorContext(ctx, "error creating temporary channel", tint.Err(err))
		return
	}
	logger = logger.With("channel_id", created.ID, "channel_name", channelName)
	ctx = WithLogger(ctx, logger)

	if status := suffix.Status(); status != "" {
		if statusErr := v.session.ChannelVoiceStatusSet(created.ID, status); statusErr != nil {
			logger.WarnContext(ctx, "error setting channel status", tint.Err(statusErr))
		}
	}

	row := &TempVoiceChannel{
		ChannelID: created.ID,
		GuildID:   guildID,
		OwnerID:   userID,
	}
	if _, dbErr := v.db.Create(ctx, row); dbErr != nil {
		logger.ErrorContext(
			ctx,
			"error persisting channel registry row, deleting channel",
			tint.Err(dbErr),
		)
		if _, delErr := v.session.ChannelDelete(
			created.ID,
			discordgo.WithAuditLogReason("rolling back failed channel registration"),
		); delErr != nil && !discordErrUnknownEntity(delErr) {
			logger.ErrorContext(
				ctx,
				"error deleting unregistered channel",
				tint.Err(delErr),
			)
		}
		return
	}

	if moveErr := v.session.GuildMemberMove(guildID, userID, &created.ID); moveErr != nil {
		// the channel stays; it cleans itself up once empty
		logger.WarnContext(ctx, "error moving member", tint.Err(moveErr))
	}

	if _, panelErr := v.session.ChannelMessageSendComplex(
		created.ID,
		controlPanelMessage(userID),
	); panelErr != nil {
		logger.WarnContext(ctx, "error posting control panel", tint.Err(panelErr))
	}

	logger.InfoContext(ctx, "created temporary channel", "registry_row", row)
}

// handleExit tears down a temporary channel once its last non-bot
// occupant leaves. The registry row is deleted before the platform
// channel so that a crash between the two steps never leaves a row for
// a channel this code no longer manages; the channel itself is swept up
// by the next empty check. Both deletions tolerate "already gone".
func (v *VoiceManager) handleExit(
	ctx context.Context,
	guildID string,
	before string,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = v.logger
	}

	row, err := v.db.GetVoiceChannel(ctx, before)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logger.ErrorContext(ctx, "error reading channel registry", tint.Err(err))
		}
		return
	}

	if v.tracker.nonBotOccupantCount(guildID, before) > 0 {
		return
	}

	if _, err = v.db.Delete(
		&TempVoiceChannel{}, "channel_id = ?", before,
	); err != nil {
		logger.ErrorContext(ctx, "error deleting registry row", tint.Err(err))
	}

	if _, err = v.session.ChannelDelete(
		before,
		discordgo.WithAuditLogReason("temporary channel empty"),
	); err != nil && !discordErrUnknownEntity(err) {
		logger.ErrorContext(ctx, "error deleting temporary channel", tint.Err(err))
		return
	}

	logger.InfoContext(ctx, "removed temporary channel", "registry_row", row)
}

// findBoosterRole returns the guild's premium subscriber role ID, or ""
// when the guild has none. The role is platform managed with a fixed
// name.
func findBoosterRole(roles []*discordgo.Role) string {
	for _, role := range roles {
		if role.Managed && role.Name == boosterRoleName {
			return role.ID
		}
	}
	return ""
}

// memberDisplayName returns the member's nickname, global display name
// or username, in that order of preference.
func memberDisplayName(member *discordgo.Member) string {
	if member.Nick != "" {
		return member.Nick
	}
	if member.User == nil {
		return ""
	}
	if member.User.GlobalName != "" {
		return member.User.GlobalName
	}
	return member.User.Username
}
