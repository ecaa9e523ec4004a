package warden

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm/clause"
)

// Slash command names
const (
	DiscordSlashCommandSetting  = "setting"
	DiscordSlashCommandBan      = "ban"
	DiscordSlashCommandKick     = "kick"
	DiscordSlashCommandTimeout  = "timeout"
	DiscordSlashCommandWarn     = "warn"
	DiscordSlashCommandModmail  = "modmail"
	DiscordSlashCommandClaim    = "claim"
	DiscordSlashCommandUnclaim  = "unclaim"
	DiscordSlashCommandModerate = "moderate"
	DiscordSlashCommandStats    = "stats"
	DiscordSlashCommandFeedback = "feedback"
	DiscordSlashCommandPurge    = "purge"
)

// Command option/subcommand names
const (
	settingCommandOptionKey     = "key"
	settingCommandOptionRole    = "role"
	settingCommandOptionChannel = "channel"

	moderationCommandOptionUser     = "user"
	moderationCommandOptionReason   = "reason"
	moderationCommandOptionDuration = "duration"

	modmailSubcommandCreate       = "create"
	modmailSubcommandEnd          = "end"
	modmailCommandOptionAnonymous = "anonymous"

	statsCommandOptionUser = "user"

	purgeCommandOptionAmount = "amount"
	purgeCommandOptionUser   = "user"
	purgeCommandOptionRole   = "role"
)

// timeoutDurationChoices are the selectable /timeout durations. Discord
// caps member timeouts at 28 days, so the four week choice is clamped
// slightly below that.
var timeoutDurationChoices = []struct {
	Name  string
	Value string
}{
	{"60 seconds", "60s"},
	{"5 minutes", "5m"},
	{"10 minutes", "10m"},
	{"1 hour", "1h"},
	{"1 day", "24h"},
	{"1 week", "168h"},
	{"4 weeks", "671h59m"},
}

// guildOnlyCommand marks a command as unusable in DMs.
func guildOnlyCommand() *bool {
	dmPermission := false
	return &dmPermission
}

// appCommandSetting creates the ApplicationCommand for `/setting`. Only
// members with manage-guild permission see it.
func (*Discord) appCommandSetting() *discordgo.ApplicationCommand {
	manageGuild := int64(discordgo.PermissionManageServer)

	choices := make(
		[]*discordgo.ApplicationCommandOptionChoice,
		0,
		len(settingKeyChoices),
	)
	for _, c := range settingKeyChoices {
		choices = append(
			choices, &discordgo.ApplicationCommandOptionChoice{
				Name:  c.Name,
				Value: string(c.Key),
			},
		)
	}

	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandSetting,
		Description:              "Configure a server setting",
		Type:                     discordgo.ChatApplicationCommand,
		DMPermission:             guildOnlyCommand(),
		DefaultMemberPermissions: &manageGuild,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        settingCommandOptionKey,
				Description: "The setting to change",
				Required:    true,
				Choices:     choices,
			},
			{
				Type:        discordgo.ApplicationCommandOptionRole,
				Name:        settingCommandOptionRole,
				Description: "Role value, for role settings",
			},
			{
				Type:        discordgo.ApplicationCommandOptionChannel,
				Name:        settingCommandOptionChannel,
				Description: "Channel value, for channel settings",
			},
		},
	}
}

// appCommandModeration builds one of the `/ban`, `/kick`, `/timeout` or
// `/warn` commands, which share their option shape.
func (*Discord) appCommandModeration(
	name string,
	description string,
) *discordgo.ApplicationCommand {
	moderateMembers := int64(discordgo.PermissionModerateMembers)
	maxLength := 512

	options := []*discordgo.ApplicationCommandOption{
		{
			Type:        discordgo.ApplicationCommandOptionUser,
			Name:        moderationCommandOptionUser,
			Description: "The member to act on",
			Required:    true,
		},
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        moderationCommandOptionReason,
			Description: "Reason, recorded in the audit log",
			Required:    name == DiscordSlashCommandWarn,
			MaxLength:   maxLength,
		},
	}
	if name == DiscordSlashCommandTimeout {
		choices := make(
			[]*discordgo.ApplicationCommandOptionChoice,
			0,
			len(timeoutDurationChoices),
		)
		for _, c := range timeoutDurationChoices {
			choices = append(
				choices, &discordgo.ApplicationCommandOptionChoice{
					Name:  c.Name,
					Value: c.Value,
				},
			)
		}
		options = append(
			options, &discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        moderationCommandOptionDuration,
				Description: "How long the timeout lasts",
				Required:    true,
				Choices:     choices,
			},
		)
	}

	return &discordgo.ApplicationCommand{
		Name:                     name,
		Description:              description,
		Type:                     discordgo.ChatApplicationCommand,
		DMPermission:             guildOnlyCommand(),
		DefaultMemberPermissions: &moderateMembers,
		Options:                  options,
	}
}

// appCommandModmail creates the `/modmail` command with its create/end
// subcommands. Usable from DMs as well as guilds.
func (*Discord) appCommandModmail() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandModmail,
		Description: "Open or close a direct line to the server team",
		Type:        discordgo.ChatApplicationCommand,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        modmailSubcommandCreate,
				Description: "Start a modmail conversation",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionBoolean,
						Name:        modmailCommandOptionAnonymous,
						Description: "Hide your identity from the team",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        modmailSubcommandEnd,
				Description: "End your modmail conversation",
			},
		},
	}
}

// appCommandClaim creates the `/claim` command
func (*Discord) appCommandClaim() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:         DiscordSlashCommandClaim,
		Description:  "Claim moderation of the voice channel you're in",
		Type:         discordgo.ChatApplicationCommand,
		DMPermission: guildOnlyCommand(),
	}
}

// appCommandUnclaim creates the `/unclaim` command
func (*Discord) appCommandUnclaim() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:         DiscordSlashCommandUnclaim,
		Description:  "Release a voice channel claim",
		Type:         discordgo.ChatApplicationCommand,
		DMPermission: guildOnlyCommand(),
	}
}

// appCommandModerate creates the `/moderate` command
func (*Discord) appCommandModerate() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:         DiscordSlashCommandModerate,
		Description:  "Post moderation controls for a claimed voice channel",
		Type:         discordgo.ChatApplicationCommand,
		DMPermission: guildOnlyCommand(),
	}
}

// appCommandStats creates the `/stats` command
func (*Discord) appCommandStats() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:         DiscordSlashCommandStats,
		Description:  "Show activity stats for a member",
		Type:         discordgo.ChatApplicationCommand,
		DMPermission: guildOnlyCommand(),
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        statsCommandOptionUser,
				Description: "The member to look up (default: you)",
			},
		},
	}
}

// appCommandFeedback creates the `/feedback` command
func (*Discord) appCommandFeedback() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:         DiscordSlashCommandFeedback,
		Description:  "Send feedback to the server team",
		Type:         discordgo.ChatApplicationCommand,
		DMPermission: guildOnlyCommand(),
	}
}

// appCommandPurge creates the `/purge` command. Only members with
// manage-messages permission see it.
func (*Discord) appCommandPurge() *discordgo.ApplicationCommand {
	manageMessages := int64(discordgo.PermissionManageMessages)
	minAmount := float64(1)

	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandPurge,
		Description:              "Delete recent messages from this channel",
		Type:                     discordgo.ChatApplicationCommand,
		DMPermission:             guildOnlyCommand(),
		DefaultMemberPermissions: &manageMessages,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        purgeCommandOptionAmount,
				Description: "How many messages to delete (1-100)",
				Required:    true,
				MinValue:    &minAmount,
				MaxValue:    maxBulkDeleteMessages,
			},
			{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        purgeCommandOptionUser,
				Description: "Only delete messages by this member",
			},
			{
				Type:        discordgo.ApplicationCommandOptionRole,
				Name:        purgeCommandOptionRole,
				Description: "Only delete messages by members with this role",
			},
		},
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandSetting(),
		d.appCommandModeration(
			DiscordSlashCommandBan,
			"Ban a member from the server",
		),
		d.appCommandModeration(
			DiscordSlashCommandKick,
			"Kick a member from the server",
		),
		d.appCommandModeration(
			DiscordSlashCommandTimeout,
			"Time a member out",
		),
		d.appCommandModeration(
			DiscordSlashCommandWarn,
			"Record a warning for a member",
		),
		d.appCommandModmail(),
		d.appCommandClaim(),
		d.appCommandUnclaim(),
		d.appCommandModerate(),
		d.appCommandStats(),
		d.appCommandFeedback(),
		d.appCommandPurge(),
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	if len(created) == 0 {
		d.logger.Warn("no commands to create")
		panic("no commands to create")
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c)
	}

	return created, nil
}

// InteractionHandler defines the interface for handling Discord
// interactions. It provides methods for responding to interactions,
// retrieving responses, editing messages, and managing interaction
// lifecycle.
//
// Implementations of this interface are responsible for handling different
// types of Discord interactions, such as commands, components, and modals.
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// GetResponse retrieves the current response for an interaction.
	GetResponse(ctx context.Context) (*discordgo.Message, error)

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// Delete removes an interaction response.
	Delete(ctx context.Context, opts ...discordgo.RequestOption)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// InteractionReceiveMethod returns the method used to receive the
	// interaction (webhook or gateway).
	InteractionReceiveMethod() DiscordInteractionReceiveMethod

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] when receiving interactions
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
	mu          *sync.RWMutex
}

func (GatewayHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetResponse(ctx context.Context) (
	*discordgo.Message,
	error,
) {
	msg, err := w.session.InteractionResponse(w.interaction.Interaction)
	if err != nil {
		w.logger.ErrorContext(ctx, "error getting interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "got interaction response", "message", msg)
	}
	return msg, err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "edited interaction")
	}
	return msg, err
}

func (w GatewayHandler) Delete(ctx context.Context, opts ...discordgo.RequestOption) {
	err := w.session.InteractionResponseDelete(
		w.interaction.Interaction,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error deleting interaction response", tint.Err(err))
	}
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	Method        DiscordInteractionReceiveMethod `json:"method" gorm:"type:string"` // webhook or gateway
	InteractionID string                          `json:"interaction_id" gorm:"not null"`
	Type          string                          `json:"type" gorm:"type:string"`
	UserID        string                          `json:"user_id" gorm:"not null"`
	Username      string                          `json:"username" gorm:"type:string"`
	AppID         string                          `json:"application_id" gorm:"type:string"`
	GuildID       string                          `json:"guild_id" gorm:"type:string"`
	ChannelID     string                          `json:"channel_id" gorm:"type:string"`
	Payload       string                          `json:"payload" gorm:"type:string"`
	CreatedAt     int64                           `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	handler InteractionHandler,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	interactionLog := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Payload:       string(p),
		Method:        handler.InteractionReceiveMethod(),
	}
	return interactionLog, nil
}

// CommandToggle disables a slash command for a guild when Enabled is
// false. Commands without a row are enabled. No column default on
// Enabled: gorm drops zero-valued fields that carry one, which would
// turn an initial enabled=false insert into true.
type CommandToggle struct {
	ModelUintID
	ModelUnixTime
	GuildID     string `json:"guild_id" gorm:"not null;uniqueIndex:idx_command_toggle"`
	CommandName string `json:"command_name" gorm:"not null;uniqueIndex:idx_command_toggle"`
	Enabled     bool   `json:"enabled" gorm:"not null"`
}

// commandEnabled reports whether the named command is enabled for the
// guild. Lookup failures fail open.
func (w *Warden) commandEnabled(
	ctx context.Context,
	guildID string,
	commandName string,
) bool {
	if guildID == "" {
		return true
	}
	var toggle CommandToggle
	err := w.db.DB().WithContext(ctx).Where(
		"guild_id = ? AND command_name = ?", guildID, commandName,
	).Last(&toggle).Error
	if err != nil {
		return true
	}
	return toggle.Enabled
}

// setCommandEnabled upserts a guild's toggle row for the named command.
func (w *Warden) setCommandEnabled(
	ctx context.Context,
	guildID string,
	commandName string,
	enabled bool,
) error {
	w.db.Lock()
	defer w.db.Unlock()
	return w.db.DB().WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{
				{Name: "guild_id"},
				{Name: "command_name"},
			},
			DoUpdates: clause.Assignments(
				map[string]any{
					"enabled":    enabled,
					"updated_at": time.Now().UnixMilli(),
				},
			),
		},
	).Create(
		&CommandToggle{
			GuildID:     guildID,
			CommandName: commandName,
			Enabled:     enabled,
		},
	).Error
}

// newCustomID joins a component namespace prefix and its argument into
// a component custom ID.
func newCustomID(prefix string, arg string) string {
	return fmt.Sprintf(customIDFormat, prefix, arg)
}

// splitCustomID splits a component custom ID into its namespace prefix
// and argument. The argument may itself contain separators.
func splitCustomID(id string) (prefix string, arg string) {
	parts := strings.SplitN(id, ":", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

// handleInteraction routes a single interaction to its command,
// component or modal handler. Called from both the gateway event
// handler and the webhook server.
func (w *Warden) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = handler.Logger()
		ctx = WithLogger(ctx, logger)
	}

	u := getDiscordUser(i)
	if u == nil {
		logger.WarnContext(ctx, "no user found on interaction", "interaction", i)
		return
	}
	if u.Bot {
		return
	}

	if interactionLog, logErr := newInteractionLog(i, u, handler); logErr != nil {
		logger.ErrorContext(ctx, "error creating interaction log", tint.Err(logErr))
	} else if _, dbErr := w.db.Create(ctx, interactionLog); dbErr != nil {
		logger.ErrorContext(ctx, "error saving interaction log", tint.Err(dbErr))
	}

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		w.handleCommandInteraction(ctx, handler, i, u)
	case discordgo.InteractionMessageComponent:
		w.handleComponentInteraction(ctx, handler, i)
	case discordgo.InteractionModalSubmit:
		w.handleModalInteraction(ctx, handler, i)
	default:
		logger.WarnContext(
			ctx,
			"unhandled interaction type",
			"type", i.Type.String(),
		)
	}
}

func (w *Warden) handleCommandInteraction(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = handler.Logger()
	}

	data := i.ApplicationCommandData()
	logger = logger.With(
		slog.Group(
			"command",
			"name", data.Name,
			"user_id", u.ID,
			"guild_id", i.GuildID,
		),
	)
	ctx = WithLogger(ctx, logger)

	if !w.commandEnabled(ctx, i.GuildID, data.Name) {
		logger.InfoContext(ctx, "command disabled for guild")
		handler.Respond(
			ctx,
			ephemeralResponse("That command is disabled on this server."),
		)
		return
	}

	if i.GuildID != "" {
		w.stats.Increment(ctx, u.ID, i.GuildID, StatCommandsUsed, 1)
	}

	switch data.Name {
	case DiscordSlashCommandSetting:
		w.handleSettingCommand(ctx, handler, i)
	case DiscordSlashCommandBan:
		w.handleModerationCommand(ctx, handler, i, InfractionBan)
	case DiscordSlashCommandKick:
		w.handleModerationCommand(ctx, handler, i, InfractionKick)
	case DiscordSlashCommandTimeout:
		w.handleModerationCommand(ctx, handler, i, InfractionTimeout)
	case DiscordSlashCommandWarn:
		w.handleModerationCommand(ctx, handler, i, InfractionWarn)
	case DiscordSlashCommandModmail:
		w.handleModmailCommand(ctx, handler, i)
	case DiscordSlashCommandClaim:
		w.handleClaimCommand(ctx, handler, i)
	case DiscordSlashCommandUnclaim:
		w.handleUnclaimCommand(ctx, handler, i)
	case DiscordSlashCommandModerate:
		w.handleModerateCommand(ctx, handler, i)
	case DiscordSlashCommandStats:
		w.handleStatsCommand(ctx, handler, i)
	case DiscordSlashCommandFeedback:
		w.handleFeedbackCommand(ctx, handler, i)
	case DiscordSlashCommandPurge:
		w.handlePurgeCommand(ctx, handler, i)
	default:
		logger.WarnContext(ctx, "unknown command")
		handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
	}
}

func (w *Warden) handleComponentInteraction(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = handler.Logger()
	}

	data := i.MessageComponentData()
	prefix, arg := splitCustomID(data.CustomID)
	logger = logger.With(
		slog.Group("component", "custom_id", data.CustomID, "prefix", prefix),
	)
	ctx = WithLogger(ctx, logger)

	switch prefix {
	case panelComponentPrefix:
		w.handlePanelComponent(ctx, handler, i, arg)
	case moderateMuteComponentPrefix:
		w.claims.handleModerateToggle(ctx, handler, i, voiceToggleMute, arg)
	case moderateDeafenComponentPrefix:
		w.claims.handleModerateToggle(ctx, handler, i, voiceToggleDeafen, arg)
	case infractionConfirmPrefix:
		w.handleInfractionButton(ctx, handler, i, true, arg)
	case infractionCancelPrefix:
		w.handleInfractionButton(ctx, handler, i, false, arg)
	default:
		logger.WarnContext(ctx, "unknown component prefix")
		handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
	}
}

func (w *Warden) handleModalInteraction(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = handler.Logger()
	}

	data := i.ModalSubmitData()
	prefix, arg := splitCustomID(data.CustomID)
	logger = logger.With(
		slog.Group("modal", "custom_id", data.CustomID, "prefix", prefix),
	)
	ctx = WithLogger(ctx, logger)

	switch prefix {
	case panelLimitModalPrefix:
		w.handlePanelLimitModal(ctx, handler, i, arg)
	case feedbackModalPrefix:
		w.handleFeedbackModal(ctx, handler, i)
	default:
		logger.WarnContext(ctx, "unknown modal prefix")
		handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
	}
}

// modalInputValue extracts the value of the text input with the given
// custom ID from a submitted modal.
func modalInputValue(data discordgo.ModalSubmitInteractionData, customID string) string {
	for _, row := range data.Components {
		actionsRow, ok := row.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, c := range actionsRow.Components {
			input, inputOK := c.(*discordgo.TextInput)
			if inputOK && input.CustomID == customID {
				return input.Value
			}
		}
	}
	return ""
}
