package warden

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	infractionConfirmPrefix = "modconfirm"
	infractionCancelPrefix  = "modcancel"

	// infractionConfirmWindow is how long a /ban or /kick confirmation
	// prompt stays active. Expiry only disables the buttons; a click
	// already being processed still completes.
	infractionConfirmWindow = 60 * time.Second

	// maxTimeoutDuration stays just under the platform's 28 day cap
	maxTimeoutDuration = 671*time.Hour + 59*time.Minute
)

// InfractionKind identifies the moderation action recorded by an
// Infraction row.
type InfractionKind string

const (
	InfractionBan     InfractionKind = "ban"
	InfractionKick    InfractionKind = "kick"
	InfractionTimeout InfractionKind = "timeout"
	InfractionWarn    InfractionKind = "warn"
)

func (k InfractionKind) title() string {
	s := string(k)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func (k InfractionKind) pastTense() string {
	switch k {
	case InfractionBan:
		return "banned"
	case InfractionKick:
		return "kicked"
	case InfractionTimeout:
		return "timed out"
	case InfractionWarn:
		return "warned"
	default:
		return string(k)
	}
}

// Infraction records one moderation action taken against a member.
type Infraction struct {
	ModelUintID
	ModelUnixTime
	GuildID     string         `json:"guild_id" gorm:"not null;index"`
	UserID      string         `json:"user_id" gorm:"not null;index"`
	Username    string         `json:"username" gorm:"type:string"`
	ModeratorID string         `json:"moderator_id" gorm:"not null"`
	Kind        InfractionKind `json:"kind" gorm:"type:string;not null"`
	Reason      string         `json:"reason" gorm:"type:string"`
	Duration    Duration       `json:"duration" gorm:"type:string"`
}

func (f Infraction) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", f.GuildID),
		slog.String("user_id", f.UserID),
		slog.String("moderator_id", f.ModeratorID),
		slog.String("kind", string(f.Kind)),
		slog.String("reason", f.Reason),
	)
}

// ModerationAuthz is the outcome of a moderation authorization check.
// Callers branch on Allowed and surface Message verbatim on denial.
type ModerationAuthz int

const (
	ModerationAllowed ModerationAuthz = iota
	ModerationDeniedNotTeam
	ModerationDeniedSelf
	ModerationDeniedBotTarget
	ModerationDeniedHierarchy
)

func (a ModerationAuthz) Allowed() bool {
	return a == ModerationAllowed
}

func (a ModerationAuthz) Message() string {
	switch a {
	case ModerationAllowed:
		return ""
	case ModerationDeniedNotTeam:
		return "You need the team role (or manage-server permission) to use this."
	case ModerationDeniedSelf:
		return "You can't moderate yourself."
	case ModerationDeniedBotTarget:
		return "Bots can't be moderated with this command."
	case ModerationDeniedHierarchy:
		return "That member's top role is at or above yours."
	default:
		return DefaultDiscordErrorMessage
	}
}

// authorizeModeration decides whether the interaction's invoker may act
// on the target. When the guild has a team role configured, membership
// in it grants access; otherwise administrator or manage-guild
// permission does. The target's top role must sit strictly below the
// invoker's.
func (w *Warden) authorizeModeration(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	target *discordgo.Member,
) ModerationAuthz {
	actor := i.Member
	if actor == nil || actor.User == nil {
		return ModerationDeniedNotTeam
	}

	teamRoleID, teamRoleSet := w.settings.RoleID(ctx, i.GuildID, SettingTeamRole)
	authorized := false
	if teamRoleSet {
		for _, roleID := range actor.Roles {
			if roleID == teamRoleID {
				authorized = true
				break
			}
		}
	}
	if !authorized {
		perms := actor.Permissions
		authorized = perms&discordgo.PermissionAdministrator != 0 ||
			perms&discordgo.PermissionManageServer != 0
	}
	if !authorized {
		return ModerationDeniedNotTeam
	}

	if target == nil || target.User == nil {
		return ModerationAllowed
	}
	if target.User.ID == actor.User.ID {
		return ModerationDeniedSelf
	}
	if target.User.Bot {
		return ModerationDeniedBotTarget
	}

	roles, err := w.discord.session.GuildRoles(i.GuildID)
	if err != nil {
		logger, ok := ContextLogger(ctx)
		if !ok || logger == nil {
			logger = slog.Default()
		}
		logger.ErrorContext(
			ctx,
			"error fetching guild roles",
			tint.Err(err),
			"guild_id", i.GuildID,
		)
		return ModerationDeniedHierarchy
	}
	if topRolePosition(roles, target.Roles) >= topRolePosition(roles, actor.Roles) {
		return ModerationDeniedHierarchy
	}
	return ModerationAllowed
}

// topRolePosition returns the highest role position among memberRoleIDs.
// Members with no roles sit at the @everyone position, -1 here.
func topRolePosition(roles []*discordgo.Role, memberRoleIDs []string) int {
	position := -1
	for _, role := range roles {
		for _, id := range memberRoleIDs {
			if role.ID == id && role.Position > position {
				position = role.Position
			}
		}
	}
	return position
}

// pendingInfraction is a moderation action awaiting confirmation.
type pendingInfraction struct {
	kind        InfractionKind
	guildID     string
	targetID    string
	targetName  string
	moderatorID string
	reason      string
	duration    time.Duration
	timer       *time.Timer
}

// infractionRegistry holds pending confirmations keyed by a random
// token embedded in the confirm/cancel button custom IDs.
type infractionRegistry struct {
	mu      sync.Mutex
	pending map[string]*pendingInfraction
}

func newInfractionRegistry() *infractionRegistry {
	return &infractionRegistry{pending: map[string]*pendingInfraction{}}
}

func (r *infractionRegistry) add(token string, p *pendingInfraction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[token] = p
}

// take removes and returns the pending action for token, stopping its
// expiry timer. Returns nil if the token is unknown or already expired.
func (r *infractionRegistry) take(token string) *pendingInfraction {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pending[token]
	if p != nil {
		delete(r.pending, token)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	return p
}

func (r *infractionRegistry) expire(token string) *pendingInfraction {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pending[token]
	delete(r.pending, token)
	return p
}

// generateRandomHexString creates a random hexadecimal string of the
// specified length.
func generateRandomHexString(length int) (string, error) {
	bytes := make([]byte, length/2)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("error generating random bytes: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

func infractionConfirmComponents(token string, disabled bool) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				&discordgo.Button{
					Label:    "Confirm",
					Style:    discordgo.DangerButton,
					Disabled: disabled,
					CustomID: newCustomID(infractionConfirmPrefix, token),
				},
				&discordgo.Button{
					Label:    "Cancel",
					Style:    discordgo.SecondaryButton,
					Disabled: disabled,
					CustomID: newCustomID(infractionCancelPrefix, token),
				},
			},
		},
	}
}

// handleModerationCommand executes /ban, /kick, /timeout and /warn.
// Ban and kick go through a confirm/cancel prompt; timeout and warn
// apply immediately.
func (w *Warden) handleModerationCommand(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
	kind InfractionKind,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = handler.Logger()
	}

	if i.GuildID == "" {
		handler.Respond(ctx, ephemeralResponse("This command only works in a server."))
		return
	}

	opts := discordInteractionOptions(i)
	userOpt := opts[moderationCommandOptionUser]
	if userOpt == nil {
		handler.Respond(ctx, ephemeralResponse("No member provided."))
		return
	}
	targetUser := userOpt.UserValue(nil)

	var reason string
	if reasonOpt := opts[moderationCommandOptionReason]; reasonOpt != nil {
		reason = reasonOpt.StringValue()
	}

	var duration time.Duration
	if kind == InfractionTimeout {
		durationOpt := opts[moderationCommandOptionDuration]
		if durationOpt == nil {
			handler.Respond(ctx, ephemeralResponse("No duration provided."))
			return
		}
		parsed, parseErr := time.ParseDuration(durationOpt.StringValue())
		if parseErr != nil || parsed <= 0 {
			handler.Respond(ctx, ephemeralResponse("Invalid timeout duration."))
			return
		}
		if parsed > maxTimeoutDuration {
			parsed = maxTimeoutDuration
		}
		duration = parsed
	}

	target, err := w.discord.session.GuildMember(i.GuildID, targetUser.ID)
	if err != nil {
		if !discordErrUnknownEntity(err) {
			logger.ErrorContext(ctx, "error fetching target member", tint.Err(err))
			handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
			return
		}
		// bans work on users who already left; everything else needs
		// a present member
		if kind != InfractionBan {
			handler.Respond(
				ctx,
				ephemeralResponse("That user isn't a member of this server."),
			)
			return
		}
		target = nil
	}

	decision := w.authorizeModeration(ctx, i, target)
	if !decision.Allowed() {
		logger.InfoContext(
			ctx,
			"moderation denied",
			"decision", int(decision),
			"target_id", targetUser.ID,
		)
		handler.Respond(ctx, ephemeralResponse(decision.Message()))
		return
	}

	targetName := targetUser.String()
	if target != nil && target.Nick != "" {
		targetName = target.Nick
	}

	pending := &pendingInfraction{
		kind:        kind,
		guildID:     i.GuildID,
		targetID:    targetUser.ID,
		targetName:  targetName,
		moderatorID: interactionUser(i).ID,
		reason:      reason,
		duration:    duration,
	}

	if kind == InfractionTimeout || kind == InfractionWarn {
		if applyErr := w.applyInfraction(ctx, pending); applyErr != nil {
			logger.ErrorContext(ctx, "error applying infraction", tint.Err(applyErr))
			handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
			return
		}
		handler.Respond(
			ctx,
			ephemeralResponse(
				fmt.Sprintf("**%s** has been %s.", targetName, kind.pastTense()),
			),
		)
		return
	}

	token, err := generateRandomHexString(16)
	if err != nil {
		logger.ErrorContext(ctx, "error generating confirm token", tint.Err(err))
		handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
		return
	}

	prompt := fmt.Sprintf("%s **%s**?", kind.title(), targetName)
	if reason != "" {
		prompt = fmt.Sprintf("%s\nReason: %s", prompt, reason)
	}
	components := infractionConfirmComponents(token, false)
	err = handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content:    prompt,
				Flags:      discordgo.MessageFlagsEphemeral,
				Components: components,
			},
		},
	)
	if err != nil {
		return
	}

	pending.timer = time.AfterFunc(
		infractionConfirmWindow, func() {
			if w.infractions.expire(token) == nil {
				return
			}
			expired := prompt + "\n-# Confirmation expired, no action taken."
			disabledComponents := infractionConfirmComponents(token, true)
			_, editErr := handler.Edit(
				context.Background(),
				&discordgo.WebhookEdit{
					Content:    &expired,
					Components: &disabledComponents,
				},
			)
			if editErr != nil {
				logger.Error(
					"error disabling expired confirmation",
					tint.Err(editErr),
				)
			}
		},
	)
	w.infractions.add(token, pending)
}

// handleInfractionButton resolves a confirm or cancel click on a
// pending moderation prompt.
func (w *Warden) handleInfractionButton(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
	confirmed bool,
	token string,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = handler.Logger()
	}

	pending := w.infractions.take(token)
	if pending == nil {
		handler.Respond(
			ctx,
			ephemeralResponse("That confirmation has expired."),
		)
		return
	}

	clicker := interactionUser(i)
	if clicker == nil || clicker.ID != pending.moderatorID {
		// confirmation prompts are ephemeral, so this only happens if
		// state got crossed between interactions
		w.infractions.add(token, pending)
		handler.Respond(
			ctx,
			ephemeralResponse("Only the moderator who started this can confirm it."),
		)
		return
	}

	var content string
	if confirmed {
		if err := w.applyInfraction(ctx, pending); err != nil {
			logger.ErrorContext(ctx, "error applying infraction", tint.Err(err))
			content = DefaultDiscordErrorMessage
		} else {
			content = fmt.Sprintf(
				"**%s** has been %s.",
				pending.targetName,
				pending.kind.pastTense(),
			)
		}
	} else {
		content = "Cancelled, no action taken."
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

// applyInfraction performs the platform action for the infraction,
// records it, DMs the target, and posts a mod log copy. DM and mod log
// failures are logged and tolerated.
func (w *Warden) applyInfraction(
	ctx context.Context,
	p *pendingInfraction,
) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = slog.Default()
	}

	auditReason := p.reason
	if auditReason == "" {
		auditReason = fmt.Sprintf("%s by moderator %s", p.kind, p.moderatorID)
	}

	// DM before ban/kick, while a mutual server still exists
	w.notifyInfractionTarget(ctx, p)

	var err error
	switch p.kind {
	case InfractionBan:
		err = w.discord.session.GuildBanCreateWithReason(
			p.guildID, p.targetID, auditReason, 0,
		)
	case InfractionKick:
		err = w.discord.session.GuildMemberDeleteWithReason(
			p.guildID, p.targetID, auditReason,
		)
	case InfractionTimeout:
		until := time.Now().UTC().Add(p.duration)
		err = w.discord.session.GuildMemberTimeout(
			p.guildID, p.targetID, &until,
			discordgo.WithAuditLogReason(auditReason),
		)
	case InfractionWarn:
		// record only
	default:
		return fmt.Errorf("unknown infraction kind: %s", p.kind)
	}
	if err != nil {
		return fmt.Errorf("error applying %s: %w", p.kind, err)
	}

	infraction := &Infraction{
		GuildID:     p.guildID,
		UserID:      p.targetID,
		Username:    p.targetName,
		ModeratorID: p.moderatorID,
		Kind:        p.kind,
		Reason:      p.reason,
	}
	if p.duration > 0 {
		infraction.Duration = Duration{Duration: p.duration}
	}
	if _, dbErr := w.db.Create(ctx, infraction); dbErr != nil {
		logger.ErrorContext(
			ctx,
			"error recording infraction",
			tint.Err(dbErr),
			"infraction", infraction,
		)
	} else {
		logger.InfoContext(ctx, "recorded infraction", "infraction", infraction)
	}

	w.postModLog(ctx, p)
	return nil
}

func (w *Warden) notifyInfractionTarget(ctx context.Context, p *pendingInfraction) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = slog.Default()
	}

	guildName := p.guildID
	if guild, err := w.discord.session.Guild(p.guildID); err == nil {
		guildName = guild.Name
	}

	msg := fmt.Sprintf("You have been %s in **%s**.", p.kind.pastTense(), guildName)
	if p.duration > 0 {
		msg = fmt.Sprintf(
			"You have been %s in **%s** for %s.",
			p.kind.pastTense(), guildName, p.duration,
		)
	}
	if p.reason != "" {
		msg = fmt.Sprintf("%s\nReason: %s", msg, p.reason)
	}

	dm, err := w.discord.session.UserChannelCreate(p.targetID)
	if err != nil {
		logger.WarnContext(ctx, "could not open DM with target", tint.Err(err))
		return
	}
	if _, err = w.discord.session.ChannelMessageSend(dm.ID, msg); err != nil {
		logger.WarnContext(ctx, "could not DM target", tint.Err(err))
	}
}

func (w *Warden) postModLog(ctx context.Context, p *pendingInfraction) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = slog.Default()
	}

	modLogChannelID, set := w.settings.ChannelID(ctx, p.guildID, SettingModLogChannel)
	if !set {
		return
	}

	fields := []*discordgo.MessageEmbedField{
		{
			Name:   "Member",
			Value:  fmt.Sprintf("<@%s> (%s)", p.targetID, p.targetName),
			Inline: true,
		},
		{
			Name:   "Moderator",
			Value:  fmt.Sprintf("<@%s>", p.moderatorID),
			Inline: true,
		},
	}
	if p.reason != "" {
		fields = append(
			fields,
			&discordgo.MessageEmbedField{Name: "Reason", Value: p.reason},
		)
	}
	if p.duration > 0 {
		fields = append(
			fields,
			&discordgo.MessageEmbedField{
				Name:  "Duration",
				Value: p.duration.String(),
			},
		)
	}

	_, err := w.discord.session.ChannelMessageSendComplex(
		modLogChannelID, &discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{
				{
					Title:     p.kind.title(),
					Color:     0xED4245,
					Fields:    fields,
					Timestamp: time.Now().UTC().Format(time.RFC3339),
				},
			},
		},
	)
	if err != nil {
		logger.WarnContext(ctx, "could not post mod log entry", tint.Err(err))
	}
}
