package warden

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StatKind identifies one per-user, per-guild activity counter.
type StatKind string

const (
	StatMessagesSent StatKind = "messages_sent"
	StatCommandsUsed StatKind = "commands_used"

	// StatVoiceTime is accumulated voice connection time, in seconds
	StatVoiceTime StatKind = "voice_time"
)

// UserStat is one counter value for a user in a guild.
type UserStat struct {
	ModelUintID
	ModelUnixTime
	UserID  string   `json:"user_id" gorm:"not null;uniqueIndex:idx_user_stat"`
	GuildID string   `json:"guild_id" gorm:"not null;uniqueIndex:idx_user_stat"`
	Kind    StatKind `json:"kind" gorm:"type:string;not null;uniqueIndex:idx_user_stat"`
	Value   int64    `json:"value" gorm:"not null;default:0"`
}

func (u UserStat) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("user_id", u.UserID),
		slog.String("guild_id", u.GuildID),
		slog.String("kind", string(u.Kind)),
		slog.Int64("value", u.Value),
	)
}

func (d *database) GetOrCreateUserStat(
	ctx context.Context,
	userID string,
	guildID string,
	kind StatKind,
) (*UserStat, error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	var stat UserStat
	err := d.db.WithContext(ctx).Where(
		"user_id = ? AND guild_id = ? AND kind = ?", userID, guildID, kind,
	).FirstOrCreate(
		&stat,
		UserStat{UserID: userID, GuildID: guildID, Kind: kind},
	).Error
	if err != nil {
		return nil, err
	}
	return &stat, nil
}

// Stats accumulates per-user activity counters. Voice time is tracked
// in memory per connected member and flushed to the database on a
// fixed interval and when the member disconnects.
type Stats struct {
	db     DBI
	logger *slog.Logger

	mu sync.Mutex
	// voiceSessions maps guild ID -> user ID -> connection start
	voiceSessions map[string]map[string]time.Time

	flushInterval time.Duration
}

func newStats(db DBI, flushInterval time.Duration, logger *slog.Logger) *Stats {
	if logger == nil {
		logger = slog.Default()
	}
	if flushInterval <= 0 {
		flushInterval = DefaultVoiceStatsFlushInterval
	}
	return &Stats{
		db:            db,
		logger:        logger.With(loggerNameKey, "stats"),
		voiceSessions: map[string]map[string]time.Time{},
		flushInterval: flushInterval,
	}
}

// Increment adds delta to a counter, creating the row when absent.
func (s *Stats) Increment(
	ctx context.Context,
	userID string,
	guildID string,
	kind StatKind,
	delta int64,
) {
	if delta == 0 {
		return
	}
	s.db.Lock()
	defer s.db.Unlock()
	err := s.db.DB().WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{
				{Name: "user_id"},
				{Name: "guild_id"},
				{Name: "kind"},
			},
			DoUpdates: clause.Assignments(
				map[string]any{
					"value":      gorm.Expr("value + ?", delta),
					"updated_at": time.Now().UnixMilli(),
				},
			),
		},
	).Create(
		&UserStat{UserID: userID, GuildID: guildID, Kind: kind, Value: delta},
	).Error
	if err != nil {
		s.logger.ErrorContext(
			ctx,
			"error incrementing stat",
			tint.Err(err),
			"user_id", userID,
			"guild_id", guildID,
			"kind", kind,
		)
	}
}

// HandleMessageCreate counts guild messages from non-bot authors.
func (s *Stats) HandleMessageCreate(ctx context.Context, m *discordgo.MessageCreate) {
	if m.GuildID == "" || m.Author == nil || m.Author.Bot {
		return
	}
	s.Increment(ctx, m.Author.ID, m.GuildID, StatMessagesSent, 1)
}

// HandleVoiceTransition starts, continues, or ends a member's in-memory
// voice session. Channel switches within a guild keep the running
// session.
func (s *Stats) HandleVoiceTransition(
	ctx context.Context,
	guildID string,
	userID string,
	before string,
	after string,
) {
	s.mu.Lock()
	guild := s.voiceSessions[guildID]
	if guild == nil {
		guild = map[string]time.Time{}
		s.voiceSessions[guildID] = guild
	}

	switch {
	case after != "":
		if _, tracked := guild[userID]; !tracked {
			guild[userID] = time.Now()
		}
		s.mu.Unlock()
	case before != "":
		started, tracked := guild[userID]
		delete(guild, userID)
		s.mu.Unlock()
		if tracked {
			s.flushVoiceTime(ctx, guildID, userID, started)
		}
	default:
		s.mu.Unlock()
	}
}

func (s *Stats) flushVoiceTime(
	ctx context.Context,
	guildID string,
	userID string,
	started time.Time,
) {
	seconds := int64(time.Since(started).Seconds())
	if seconds <= 0 {
		return
	}
	s.Increment(ctx, userID, guildID, StatVoiceTime, seconds)
}

// Run flushes active voice sessions on the configured interval until
// the context ends, flushing one final time on shutdown.
func (s *Stats) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.flushAll(context.WithoutCancel(ctx))
			return ctx.Err()
		case <-ticker.C:
			s.flushAll(ctx)
		}
	}
}

// flushAll credits elapsed time for every active session and restarts
// their clocks.
func (s *Stats) flushAll(ctx context.Context) {
	now := time.Now()
	type pending struct {
		guildID string
		userID  string
		started time.Time
	}
	var flushes []pending

	s.mu.Lock()
	for guildID, guild := range s.voiceSessions {
		for userID, started := range guild {
			flushes = append(flushes, pending{guildID, userID, started})
			guild[userID] = now
		}
	}
	s.mu.Unlock()

	for _, f := range flushes {
		s.flushVoiceTime(ctx, f.guildID, f.userID, f.started)
	}
}

// statsForUser returns every stat row for a user, across guilds.
func (s *Stats) statsForUser(ctx context.Context, userID string) ([]UserStat, error) {
	var stats []UserStat
	err := s.db.DB().WithContext(ctx).Where(
		"user_id = ?", userID,
	).Order("guild_id, kind").Find(&stats).Error
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func formatStatValue(stat UserStat) string {
	if stat.Kind == StatVoiceTime {
		return (time.Duration(stat.Value) * time.Second).String()
	}
	return fmt.Sprintf("%d", stat.Value)
}

func statDisplayName(kind StatKind) string {
	switch kind {
	case StatMessagesSent:
		return "Messages sent"
	case StatCommandsUsed:
		return "Commands used"
	case StatVoiceTime:
		return "Voice time"
	default:
		return string(kind)
	}
}

// handleStatsCommand executes /stats for the invoker or the selected
// member.
func (w *Warden) handleStatsCommand(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = handler.Logger()
	}

	target := interactionUser(i)
	if opt := discordInteractionOptions(i)[statsCommandOptionUser]; opt != nil {
		target = opt.UserValue(nil)
	}
	if target == nil || i.GuildID == "" {
		handler.Respond(ctx, ephemeralResponse("This command only works in a server."))
		return
	}

	var stats []UserStat
	err := w.db.DB().WithContext(ctx).Where(
		"user_id = ? AND guild_id = ?", target.ID, i.GuildID,
	).Order("kind").Find(&stats).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		logger.ErrorContext(ctx, "error reading stats", tint.Err(err))
		handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
		return
	}
	if len(stats) == 0 {
		handler.Respond(
			ctx,
			ephemeralResponse(
				fmt.Sprintf("No activity recorded for <@%s> yet.", target.ID),
			),
		)
		return
	}

	fields := make([]*discordgo.MessageEmbedField, 0, len(stats))
	for _, stat := range stats {
		fields = append(
			fields, &discordgo.MessageEmbedField{
				Name:   statDisplayName(stat.Kind),
				Value:  formatStatValue(stat),
				Inline: true,
			},
		)
	}

	handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Flags: discordgo.MessageFlagsEphemeral,
				Embeds: []*discordgo.MessageEmbed{
					{
						Title:  fmt.Sprintf("Stats for %s", target.String()),
						Fields: fields,
						Color:  0x5865F2,
					},
				},
			},
		},
	)
}
