package warden

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// discordMaxButtonsPerActionRow defines the maximum number of buttons
	// allowed per action row in Discord interactions.
	discordMaxButtonsPerActionRow = 5

	// discordMaxSelectOptions is the platform cap on options in a
	// select menu.
	discordMaxSelectOptions = 25
)

// Discord represents the Discord integration for Warden.
//
// It manages the Discord session, handles interactions, and provides
// methods for interacting with the Discord API.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	publicKey                   ed25519.PublicKey
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	w                           *Warden

	// botUserID is set from the gateway Ready event, or from the
	// application ID when receiving interactions over webhook only
	botUserID atomic.Value
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	d := &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}

	if config.WebhookServer.PublicKey != "" {
		publicKey, err := hex.DecodeString(config.WebhookServer.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("error decoding public key: %w", err)
		}
		d.publicKey = ed25519.PublicKey(publicKey)
	}

	return d, nil
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level())
	session.session.LogLevel = discordgo.LogDebug
	if err != nil {
		return session, err
	}

	return session, nil
}

// BotUserID returns the bot's own user ID, as seen in the most recent
// Ready event.
func (d *Discord) BotUserID() string {
	v, _ := d.botUserID.Load().(string)
	return v
}

// channelMessageSend sends the given message to the given discord channel ID
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.botUserID.Store(r.User.ID)
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			"user_id", r.User.ID,
			"username", r.User.Username,
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, r *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"disconnected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

func (d *Discord) updateStatusComplex(data discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(data)
}

// DiscordSessionHandler defines the interface for handling Discord sessions.
// This basically defines methods from `discordgo.Session` which are
// used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSend sends a message to a specified channel.
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a full MessageSend payload
	// (embeds, components, files) to a channel
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageEditComplex edits an existing message
	ChannelMessageEditComplex(
		m *discordgo.MessageEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageDelete deletes a message from a channel
	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	// ChannelMessages returns up to limit messages from a channel,
	// newest first
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)

	// ChannelMessagesBulkDelete deletes up to 100 messages at once
	ChannelMessagesBulkDelete(
		channelID string,
		messages []string,
		options ...discordgo.RequestOption,
	) error

	// ApplicationCommandBulkOverwrite overwrites Discord application commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	UpdateCustomStatus(status string) error

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponse gets the response to an interaction
	InteractionResponse(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// InteractionResponseDelete deletes the given interaction
	InteractionResponseDelete(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) error

	// Guild returns the guild object for the given ID
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)

	// GuildRoles returns the role list for the given guild
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)

	// GuildMember returns a member of the given guild
	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	// Channel returns the channel object for the given ID
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)

	// GuildChannelCreateComplex creates a channel in the given guild
	GuildChannelCreateComplex(
		guildID string,
		data discordgo.GuildChannelCreateData,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ChannelDelete deletes the given channel
	ChannelDelete(
		channelID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ChannelEdit edits the given channel's settings
	ChannelEdit(
		channelID string,
		data *discordgo.ChannelEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ChannelVoiceStatusSet sets the voice status string on a voice channel
	ChannelVoiceStatusSet(
		channelID string,
		status string,
		options ...discordgo.RequestOption,
	) error

	// ChannelUserLimitSet sets or removes (0) a voice channel's user limit
	ChannelUserLimitSet(
		channelID string,
		limit int,
		options ...discordgo.RequestOption,
	) error

	// ChannelPermissionSet sets a permission overwrite on a channel
	ChannelPermissionSet(
		channelID string,
		targetID string,
		targetType discordgo.PermissionOverwriteType,
		allow int64,
		deny int64,
		options ...discordgo.RequestOption,
	) error

	// ChannelPermissionDelete removes a permission overwrite from a channel
	ChannelPermissionDelete(
		channelID string,
		targetID string,
		options ...discordgo.RequestOption,
	) error

	// GuildMemberMove moves a member between voice channels. A nil
	// channel ID disconnects the member from voice.
	GuildMemberMove(
		guildID string,
		userID string,
		channelID *string,
		options ...discordgo.RequestOption,
	) error

	// GuildMemberMute server-mutes or unmutes a member
	GuildMemberMute(
		guildID string,
		userID string,
		mute bool,
		options ...discordgo.RequestOption,
	) error

	// GuildMemberDeafen server-deafens or undeafens a member
	GuildMemberDeafen(
		guildID string,
		userID string,
		deaf bool,
		options ...discordgo.RequestOption,
	) error

	// GuildMemberTimeout times a member out until the given time. A nil
	// time removes the timeout.
	GuildMemberTimeout(
		guildID string,
		userID string,
		until *time.Time,
		options ...discordgo.RequestOption,
	) error

	// GuildBanCreateWithReason bans a member, recording the reason in
	// the audit log
	GuildBanCreateWithReason(
		guildID string,
		userID string,
		reason string,
		days int,
		options ...discordgo.RequestOption,
	) error

	// GuildMemberDeleteWithReason kicks a member, recording the reason
	// in the audit log
	GuildMemberDeleteWithReason(
		guildID string,
		userID string,
		reason string,
		options ...discordgo.RequestOption,
	) error

	// UserChannelCreate opens (or returns) a DM channel with a user
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ThreadStartComplex creates a thread under the given channel
	ThreadStartComplex(
		channelID string,
		data *discordgo.ThreadStart,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// GuildThreadsActive lists the active threads in a guild
	GuildThreadsActive(
		guildID string,
		options ...discordgo.RequestOption,
	) (*discordgo.ThreadsList, error)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	GatewayBot(options ...discordgo.RequestOption) (st *discordgo.GatewayBotResponse, err error)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) GatewayBot(options ...discordgo.RequestOption) (
	st *discordgo.GatewayBotResponse,
	err error,
) {
	d.logger.Info("retrieving gateway bot")
	gb, err := d.session.GatewayBot(options...)
	if err != nil {
		d.logger.Error("error retrieving gateway bot", tint.Err(err))
	} else {
		d.logger.Info("retrieved gateway bot", "gateway_bot", structToSlogValue(gb))
	}
	return gb, err
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponse(
	interaction *discordgo.Interaction,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.InteractionResponse(interaction, options...)
	if err != nil {
		d.logger.Error("error getting interaction response", tint.Err(err))
	} else {
		d.logger.Info("got interaction response", "message_id", msg.ID)
	}
	return msg, err
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) InteractionResponseDelete(
	interaction *discordgo.Interaction,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionResponseDelete(interaction, options...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendComplex(channelID, data, options...)
}

func (d DiscordSession) ChannelMessageEditComplex(
	m *discordgo.MessageEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageEditComplex(m, options...)
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, options...)
}

func (d DiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	afterID string,
	aroundID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	return d.session.ChannelMessages(
		channelID, limit, beforeID, afterID, aroundID, options...,
	)
}

func (d DiscordSession) ChannelMessagesBulkDelete(
	channelID string,
	messages []string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessagesBulkDelete(channelID, messages, options...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c)
	}

	return created, nil
}

func (d DiscordSession) UpdateCustomStatus(
	status string,
) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) UpdateStatusComplex(
	data discordgo.UpdateStatusData,
) error {
	return d.session.UpdateStatusComplex(data)
}

func (d DiscordSession) Guild(
	guildID string,
	options ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	return d.session.Guild(guildID, options...)
}

func (d DiscordSession) GuildRoles(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	return d.session.GuildRoles(guildID, options...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) Channel(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.Channel(channelID, options...)
}

func (d DiscordSession) GuildChannelCreateComplex(
	guildID string,
	data discordgo.GuildChannelCreateData,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.GuildChannelCreateComplex(guildID, data, options...)
	if err != nil {
		d.logger.Error(
			"error creating channel",
			tint.Err(err),
			"guild_id", guildID,
			"name", data.Name,
		)
	} else {
		d.logger.Info(
			"created channel",
			"guild_id", guildID,
			"channel_id", ch.ID,
			"name", ch.Name,
		)
	}
	return ch, err
}

func (d DiscordSession) ChannelDelete(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.ChannelDelete(channelID, options...)
}

func (d DiscordSession) ChannelEdit(
	channelID string,
	data *discordgo.ChannelEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.ChannelEdit(channelID, data, options...)
}

// ChannelVoiceStatusSet sets the voice channel status. discordgo has no
// helper for this endpoint yet, so it goes through the generic request
// path with the channel's rate limit bucket.
func (d DiscordSession) ChannelVoiceStatusSet(
	channelID string,
	status string,
	options ...discordgo.RequestOption,
) error {
	data := struct {
		Status string `json:"status"`
	}{Status: status}
	endpoint := discordgo.EndpointChannel(channelID) + "/voice-status"
	_, err := d.session.RequestWithBucketID(
		http.MethodPut,
		endpoint,
		data,
		endpoint,
		options...,
	)
	return err
}

// ChannelUserLimitSet sets a voice channel's user limit, where 0 means
// unlimited. ChannelEdit can't express the removal: its zero-valued
// user_limit is omitted from the payload, so the field is sent through
// the generic request path instead.
func (d DiscordSession) ChannelUserLimitSet(
	channelID string,
	limit int,
	options ...discordgo.RequestOption,
) error {
	data := struct {
		UserLimit int `json:"user_limit"`
	}{UserLimit: limit}
	endpoint := discordgo.EndpointChannel(channelID)
	_, err := d.session.RequestWithBucketID(
		http.MethodPatch,
		endpoint,
		data,
		endpoint,
		options...,
	)
	return err
}

func (d DiscordSession) ChannelPermissionSet(
	channelID string,
	targetID string,
	targetType discordgo.PermissionOverwriteType,
	allow int64,
	deny int64,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelPermissionSet(
		channelID, targetID, targetType, allow, deny, options...,
	)
}

func (d DiscordSession) ChannelPermissionDelete(
	channelID string,
	targetID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelPermissionDelete(channelID, targetID, options...)
}

func (d DiscordSession) GuildMemberMove(
	guildID string,
	userID string,
	channelID *string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberMove(guildID, userID, channelID, options...)
}

func (d DiscordSession) GuildMemberMute(
	guildID string,
	userID string,
	mute bool,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberMute(guildID, userID, mute, options...)
}

func (d DiscordSession) GuildMemberDeafen(
	guildID string,
	userID string,
	deaf bool,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberDeafen(guildID, userID, deaf, options...)
}

func (d DiscordSession) GuildMemberTimeout(
	guildID string,
	userID string,
	until *time.Time,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberTimeout(guildID, userID, until, options...)
}

func (d DiscordSession) GuildBanCreateWithReason(
	guildID string,
	userID string,
	reason string,
	days int,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildBanCreateWithReason(guildID, userID, reason, days, options...)
}

func (d DiscordSession) GuildMemberDeleteWithReason(
	guildID string,
	userID string,
	reason string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberDeleteWithReason(guildID, userID, reason, options...)
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d DiscordSession) ThreadStartComplex(
	channelID string,
	data *discordgo.ThreadStart,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.ThreadStartComplex(channelID, data, options...)
}

func (d DiscordSession) GuildThreadsActive(
	guildID string,
	options ...discordgo.RequestOption,
) (*discordgo.ThreadsList, error) {
	return d.session.GuildThreadsActive(guildID, options...)
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// discordErrCode returns true if err is a discordgo.RESTError carrying
// one of the given JSON error codes.
func discordErrCode(err error, codes ...int) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Message == nil {
		return false
	}
	for _, code := range codes {
		if restErr.Message.Code == code {
			return true
		}
	}
	return false
}

// discordErrUnknownEntity reports whether err is an "unknown
// channel/member/message" REST error. These are treated as benign
// wherever a delete or edit must be idempotent.
func discordErrUnknownEntity(err error) bool {
	return discordErrCode(
		err,
		discordgo.ErrCodeUnknownChannel,
		discordgo.ErrCodeUnknownMember,
		discordgo.ErrCodeUnknownMessage,
		discordgo.ErrCodeUnknownUser,
	)
}

// ephemeralResponse wraps content in an ephemeral channel message
// interaction response.
func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

// discordModalResponse returns a discordgo.InteractionResponse containing
// a modal with a text input component created using the given parameters
func discordModalResponse(
	modalCustomID string,
	inputCustomID string,
	title string,
	label string,
	placeholder string,
	minLength int,
	maxLength int,
) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: modalCustomID,
			Title:    title,
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.TextInput{
							CustomID:    inputCustomID,
							Label:       label,
							Style:       discordgo.TextInputShort,
							Placeholder: placeholder,
							Required:    true,
							MinLength:   minLength,
							MaxLength:   maxLength,
						},
					},
				},
			},
		},
	}
}
