package warden

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SettingKey enumerates the per-guild settings a guild admin can
// configure via the /setting command. Values are role or channel IDs,
// depending on the key.
type SettingKey string

const (
	SettingTeamRole            SettingKey = "team_role"
	SettingVerifiedRole        SettingKey = "verified_role"
	SettingModLogChannel       SettingKey = "mod_log_channel"
	SettingModmailChannel      SettingKey = "modmail_channel"
	SettingVerificationChannel SettingKey = "verification_channel"
	SettingJoinToCreateChannel SettingKey = "join_to_create_channel"
	SettingAuditLogChannel     SettingKey = "audit_log_channel"
	SettingNewsChannel         SettingKey = "news_channel"
	SettingFeedbackChannel     SettingKey = "feedback_channel"
)

// settingKeyChoices maps display names to keys, in the order they
// appear in the /setting command's choices.
var settingKeyChoices = []struct {
	Name string
	Key  SettingKey
}{
	{"Team Role", SettingTeamRole},
	{"Verified Role", SettingVerifiedRole},
	{"Mod Log Channel", SettingModLogChannel},
	{"Modmail Channel", SettingModmailChannel},
	{"Verification Channel", SettingVerificationChannel},
	{"Join To Create Channel", SettingJoinToCreateChannel},
	{"Audit Log Channel", SettingAuditLogChannel},
	{"News Channel", SettingNewsChannel},
	{"Feedback Channel", SettingFeedbackChannel},
}

// roleSettings are keys whose value is a role ID rather than a channel ID
var roleSettings = map[SettingKey]bool{
	SettingTeamRole:     true,
	SettingVerifiedRole: true,
}

// GuildSetting stores one configured setting value for a guild.
type GuildSetting struct {
	ModelUintID
	ModelUnixTime
	GuildID string     `json:"guild_id" gorm:"not null;uniqueIndex:idx_guild_setting"`
	Key     SettingKey `json:"key" gorm:"type:string;not null;uniqueIndex:idx_guild_setting"`
	Value   string     `json:"value" gorm:"not null"`
}

func (g GuildSetting) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", g.GuildID),
		slog.String("key", string(g.Key)),
		slog.String("value", g.Value),
	)
}

func (d *database) GetSetting(
	ctx context.Context,
	guildID string,
	key SettingKey,
) (*GuildSetting, error) {
	var setting GuildSetting
	err := d.db.WithContext(ctx).Where(
		"guild_id = ? AND key = ?", guildID, key,
	).Last(&setting).Error
	if err != nil {
		return nil, err
	}
	return &setting, nil
}

// GuildSettings provides typed reads and writes of per-guild settings.
// Reads return the stored ID and true, or an empty string and false
// when the setting is unset. Callers branch on the boolean rather than
// inspecting the value.
type GuildSettings struct {
	db     DBI
	logger *slog.Logger
}

func newGuildSettings(db DBI, logger *slog.Logger) *GuildSettings {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuildSettings{
		db:     db,
		logger: logger.With(loggerNameKey, "settings"),
	}
}

// ChannelID returns the configured channel ID for the given key.
func (s *GuildSettings) ChannelID(
	ctx context.Context,
	guildID string,
	key SettingKey,
) (string, bool) {
	if roleSettings[key] {
		s.logger.Warn(
			"channel read of role-valued setting",
			"key", key,
			"guild_id", guildID,
		)
		return "", false
	}
	return s.value(ctx, guildID, key)
}

// RoleID returns the configured role ID for the given key.
func (s *GuildSettings) RoleID(
	ctx context.Context,
	guildID string,
	key SettingKey,
) (string, bool) {
	if !roleSettings[key] {
		s.logger.Warn(
			"role read of channel-valued setting",
			"key", key,
			"guild_id", guildID,
		)
		return "", false
	}
	return s.value(ctx, guildID, key)
}

func (s *GuildSettings) value(
	ctx context.Context,
	guildID string,
	key SettingKey,
) (string, bool) {
	setting, err := s.db.GetSetting(ctx, guildID, key)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.ErrorContext(
				ctx,
				"error reading setting",
				tint.Err(err),
				"guild_id", guildID,
				"key", key,
			)
		}
		return "", false
	}
	if setting.Value == "" {
		return "", false
	}
	return setting.Value, true
}

// Set stores or replaces the value for a guild setting key.
func (s *GuildSettings) Set(
	ctx context.Context,
	guildID string,
	key SettingKey,
	value string,
) error {
	s.db.Lock()
	defer s.db.Unlock()
	err := s.db.DB().WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "guild_id"}, {Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		},
	).Create(
		&GuildSetting{GuildID: guildID, Key: key, Value: value},
	).Error
	if err != nil {
		return fmt.Errorf("error saving setting: %w", err)
	}
	return nil
}

// handleSettingCommand applies /setting <key> <value>. The value option
// is a mentionable (role or channel) matching the key's type; only
// users with manage-guild permission see the command, enforced by the
// command's default member permissions.
func (w *Warden) handleSettingCommand(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = slog.Default()
	}

	opts := discordInteractionOptions(i)
	keyOpt := opts[settingCommandOptionKey]
	if keyOpt == nil {
		handler.Respond(ctx, ephemeralResponse("No setting key provided."))
		return
	}
	key := SettingKey(keyOpt.StringValue())

	var value string
	var display string
	if roleSettings[key] {
		roleOpt := opts[settingCommandOptionRole]
		if roleOpt == nil {
			handler.Respond(
				ctx,
				ephemeralResponse(
					fmt.Sprintf("Setting `%s` requires the `role` option.", key),
				),
			)
			return
		}
		role := roleOpt.RoleValue(nil, i.GuildID)
		value = role.ID
		display = fmt.Sprintf("<@&%s>", role.ID)
	} else {
		channelOpt := opts[settingCommandOptionChannel]
		if channelOpt == nil {
			handler.Respond(
				ctx,
				ephemeralResponse(
					fmt.Sprintf("Setting `%s` requires the `channel` option.", key),
				),
			)
			return
		}
		ch := channelOpt.ChannelValue(nil)
		value = ch.ID
		display = fmt.Sprintf("<#%s>", ch.ID)
	}

	if err := w.settings.Set(ctx, i.GuildID, key, value); err != nil {
		logger.ErrorContext(
			ctx,
			"error storing setting",
			tint.Err(err),
			"guild_id", i.GuildID,
			"key", key,
		)
		handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
		return
	}

	logger.InfoContext(
		ctx,
		"setting updated",
		"guild_id", i.GuildID,
		"key", key,
		"value", value,
	)
	handler.Respond(
		ctx,
		ephemeralResponse(fmt.Sprintf("Setting `%s` is now %s.", key, display)),
	)
}
