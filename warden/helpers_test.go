package warden

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/require"
)

func testLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     slog.LevelDebug,
				AddSource: true,
			},
		),
	)
}

func testDB(t testing.TB) DBI {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "warden_test.sqlite3")
	gormDB, err := CreateDB(context.Background(), dbTypeSQLite, dbPath)
	require.NoError(t, err)
	return NewDatabase(gormDB, testLogger(t), false)
}

// unknownChannelErr builds a REST error matching what discord returns
// for an already-deleted channel.
func unknownChannelErr() error {
	return &discordgo.RESTError{
		Message: &discordgo.APIErrorMessage{
			Code:    discordgo.ErrCodeUnknownChannel,
			Message: "Unknown Channel",
		},
	}
}

type memberMove struct {
	GuildID   string
	UserID    string
	ChannelID *string
}

type voiceFlagChange struct {
	GuildID string
	UserID  string
	Value   bool
}

type permissionSet struct {
	ChannelID  string
	TargetID   string
	TargetType discordgo.PermissionOverwriteType
	Allow      int64
	Deny       int64
}

type permissionDelete struct {
	ChannelID string
	TargetID  string
}

type sentMessage struct {
	ChannelID string
	Content   string
}

type complexMessage struct {
	ChannelID string
	Data      *discordgo.MessageSend
}

type bulkDelete struct {
	ChannelID  string
	MessageIDs []string
}

type banCall struct {
	GuildID string
	UserID  string
	Reason  string
}

type kickCall struct {
	GuildID string
	UserID  string
	Reason  string
}

type timeoutCall struct {
	GuildID string
	UserID  string
	Until   *time.Time
}

// mockDiscordSession is a recording implementation of the
// DiscordSessionHandler interface. Fixture data goes in the maps;
// everything the code under test sends is captured for assertions.
type mockDiscordSession struct {
	mu     sync.Mutex
	logger *slog.Logger

	guilds          map[string]*discordgo.Guild
	roles           map[string][]*discordgo.Role
	members         map[string]map[string]*discordgo.Member
	channels        map[string]*discordgo.Channel
	channelMessages map[string][]*discordgo.Message

	createdChannels   []discordgo.GuildChannelCreateData
	deletedChannels   []string
	channelEdits      map[string]*discordgo.ChannelEdit
	moves             []memberMove
	mutes             []voiceFlagChange
	deafens           []voiceFlagChange
	permissionSets    []permissionSet
	permissionDeletes []permissionDelete
	sentMessages      []sentMessage
	sentComplex       []complexMessage
	editedMessages    []*discordgo.MessageEdit
	deletedMessages   []string
	bulkDeletes       []bulkDelete
	voiceStatuses     map[string]string
	userLimits        map[string]int
	bans              []banCall
	kicks             []kickCall
	timeouts          []timeoutCall
	threads           []*discordgo.ThreadStart
	threadChannels    []*discordgo.Channel
	responses         []*discordgo.InteractionResponse

	nextID int

	guildChannelCreateErr error
	channelDeleteErr      error
	memberMoveErr         error
	threadStartErr        error
	channelMsgErr         error
	msgDeleteErr          error
	msgEditErr            error
}

func newMockDiscordSession(t testing.TB) *mockDiscordSession {
	return &mockDiscordSession{
		logger:          testLogger(t).With(loggerNameKey, "mock_session"),
		guilds:          map[string]*discordgo.Guild{},
		roles:           map[string][]*discordgo.Role{},
		members:         map[string]map[string]*discordgo.Member{},
		channels:        map[string]*discordgo.Channel{},
		channelMessages: map[string][]*discordgo.Message{},
		channelEdits:    map[string]*discordgo.ChannelEdit{},
		voiceStatuses:   map[string]string{},
		userLimits:      map[string]int{},
	}
}

func (d *mockDiscordSession) newID(prefix string) string {
	d.nextID++
	return fmt.Sprintf("%s-%d", prefix, d.nextID)
}

func (d *mockDiscordSession) setMember(guildID string, member *discordgo.Member) {
	d.mu.Lock()
	defer d.mu.Unlock()
	guild := d.members[guildID]
	if guild == nil {
		guild = map[string]*discordgo.Member{}
		d.members[guildID] = guild
	}
	guild[member.User.ID] = member
}

func (d *mockDiscordSession) Open() error  { return nil }
func (d *mockDiscordSession) Close() error { return nil }

func (d *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.channelMsgErr != nil {
		return nil, d.channelMsgErr
	}
	d.sentMessages = append(d.sentMessages, sentMessage{channelID, message})
	return &discordgo.Message{
		ID:        d.newID("msg"),
		ChannelID: channelID,
		Content:   message,
	}, nil
}

func (d *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.channelMsgErr != nil {
		return nil, d.channelMsgErr
	}
	d.sentComplex = append(d.sentComplex, complexMessage{channelID, data})
	return &discordgo.Message{
		ID:        d.newID("msg"),
		ChannelID: channelID,
		Content:   data.Content,
	}, nil
}

func (d *mockDiscordSession) ChannelMessageEditComplex(
	m *discordgo.MessageEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.msgEditErr != nil {
		return nil, d.msgEditErr
	}
	d.editedMessages = append(d.editedMessages, m)
	return &discordgo.Message{ID: m.ID, ChannelID: m.Channel}, nil
}

func (d *mockDiscordSession) ChannelMessageDelete(
	_ string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.msgDeleteErr != nil {
		return d.msgDeleteErr
	}
	d.deletedMessages = append(d.deletedMessages, messageID)
	return nil
}

func (d *mockDiscordSession) ChannelMessages(
	channelID string,
	limit int,
	_ string,
	_ string,
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	messages := d.channelMessages[channelID]
	if limit > 0 && len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}

func (d *mockDiscordSession) ChannelMessagesBulkDelete(
	channelID string,
	messages []string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.msgDeleteErr != nil {
		return d.msgDeleteErr
	}
	d.bulkDeletes = append(d.bulkDeletes, bulkDelete{channelID, messages})
	return nil
}

func (d *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return commands, nil
}

func (d *mockDiscordSession) UpdateCustomStatus(string) error { return nil }

func (d *mockDiscordSession) UpdateStatusComplex(discordgo.UpdateStatusData) error {
	return nil
}

func (d *mockDiscordSession) AddHandler(any) func() { return func() {} }

func (d *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responses = append(d.responses, resp)
	return nil
}

func (d *mockDiscordSession) InteractionResponse(
	*discordgo.Interaction,
	...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}

func (d *mockDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	_ *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}

func (d *mockDiscordSession) InteractionResponseDelete(
	*discordgo.Interaction,
	...discordgo.RequestOption,
) error {
	return nil
}

func (d *mockDiscordSession) Guild(
	guildID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if g, ok := d.guilds[guildID]; ok {
		return g, nil
	}
	return &discordgo.Guild{ID: guildID, Roles: d.roles[guildID]}, nil
}

func (d *mockDiscordSession) GuildRoles(
	guildID string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.roles[guildID], nil
}

func (d *mockDiscordSession) GuildMember(
	guildID string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.members[guildID][userID]; ok {
		return m, nil
	}
	return &discordgo.Member{
		GuildID: guildID,
		User:    &discordgo.User{ID: userID, Username: "user-" + userID},
	}, nil
}

func (d *mockDiscordSession) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.channels[channelID]; ok {
		return c, nil
	}
	return &discordgo.Channel{
		ID:   channelID,
		Type: discordgo.ChannelTypeGuildVoice,
	}, nil
}

func (d *mockDiscordSession) GuildChannelCreateComplex(
	guildID string,
	data discordgo.GuildChannelCreateData,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.guildChannelCreateErr != nil {
		return nil, d.guildChannelCreateErr
	}
	d.createdChannels = append(d.createdChannels, data)
	ch := &discordgo.Channel{
		ID:                   d.newID("chan"),
		GuildID:              guildID,
		Name:                 data.Name,
		Type:                 data.Type,
		UserLimit:            data.UserLimit,
		ParentID:             data.ParentID,
		PermissionOverwrites: data.PermissionOverwrites,
	}
	d.channels[ch.ID] = ch
	return ch, nil
}

func (d *mockDiscordSession) ChannelDelete(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.channelDeleteErr != nil {
		return nil, d.channelDeleteErr
	}
	d.deletedChannels = append(d.deletedChannels, channelID)
	delete(d.channels, channelID)
	return &discordgo.Channel{ID: channelID}, nil
}

func (d *mockDiscordSession) ChannelEdit(
	channelID string,
	data *discordgo.ChannelEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channelEdits[channelID] = data
	return &discordgo.Channel{ID: channelID}, nil
}

func (d *mockDiscordSession) ChannelVoiceStatusSet(
	channelID string,
	status string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.voiceStatuses[channelID] = status
	return nil
}

func (d *mockDiscordSession) ChannelUserLimitSet(
	channelID string,
	limit int,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.userLimits[channelID] = limit
	return nil
}

func (d *mockDiscordSession) ChannelPermissionSet(
	channelID string,
	targetID string,
	targetType discordgo.PermissionOverwriteType,
	allow int64,
	deny int64,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.permissionSets = append(
		d.permissionSets,
		permissionSet{channelID, targetID, targetType, allow, deny},
	)
	return nil
}

func (d *mockDiscordSession) ChannelPermissionDelete(
	channelID string,
	targetID string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.permissionDeletes = append(
		d.permissionDeletes,
		permissionDelete{channelID, targetID},
	)
	return nil
}

func (d *mockDiscordSession) GuildMemberMove(
	guildID string,
	userID string,
	channelID *string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.memberMoveErr != nil {
		return d.memberMoveErr
	}
	d.moves = append(d.moves, memberMove{guildID, userID, channelID})
	return nil
}

func (d *mockDiscordSession) GuildMemberMute(
	guildID string,
	userID string,
	mute bool,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mutes = append(d.mutes, voiceFlagChange{guildID, userID, mute})
	return nil
}

func (d *mockDiscordSession) GuildMemberDeafen(
	guildID string,
	userID string,
	deaf bool,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deafens = append(d.deafens, voiceFlagChange{guildID, userID, deaf})
	return nil
}

func (d *mockDiscordSession) GuildMemberTimeout(
	guildID string,
	userID string,
	until *time.Time,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeouts = append(d.timeouts, timeoutCall{guildID, userID, until})
	return nil
}

func (d *mockDiscordSession) GuildBanCreateWithReason(
	guildID string,
	userID string,
	reason string,
	_ int,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bans = append(d.bans, banCall{guildID, userID, reason})
	return nil
}

func (d *mockDiscordSession) GuildMemberDeleteWithReason(
	guildID string,
	userID string,
	reason string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kicks = append(d.kicks, kickCall{guildID, userID, reason})
	return nil
}

func (d *mockDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return &discordgo.Channel{
		ID:   "dm-" + recipientID,
		Type: discordgo.ChannelTypeDM,
	}, nil
}

func (d *mockDiscordSession) ThreadStartComplex(
	channelID string,
	data *discordgo.ThreadStart,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.threadStartErr != nil {
		return nil, d.threadStartErr
	}
	d.threads = append(d.threads, data)
	th := &discordgo.Channel{
		ID:       d.newID("thread"),
		ParentID: channelID,
		Name:     data.Name,
		Type:     data.Type,
	}
	d.threadChannels = append(d.threadChannels, th)
	return th, nil
}

func (d *mockDiscordSession) GuildThreadsActive(
	_ string,
	_ ...discordgo.RequestOption,
) (*discordgo.ThreadsList, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &discordgo.ThreadsList{Threads: d.threadChannels}, nil
}

func (d *mockDiscordSession) SetHTTPClient(*http.Client) {}

func (d *mockDiscordSession) SetIdentify(discordgo.Identify) {}

func (d *mockDiscordSession) SetLogLevel(slog.Level) error { return nil }

func (d *mockDiscordSession) GatewayBot(...discordgo.RequestOption) (
	*discordgo.GatewayBotResponse,
	error,
) {
	return &discordgo.GatewayBotResponse{}, nil
}

// recordingHandler implements InteractionHandler and captures responses
// and edits for assertions.
type recordingHandler struct {
	mu          sync.Mutex
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger

	responses []*discordgo.InteractionResponse
	edits     []*discordgo.WebhookEdit
	deleted   bool
}

func newRecordingHandler(
	t testing.TB,
	i *discordgo.InteractionCreate,
) *recordingHandler {
	return &recordingHandler{interaction: i, logger: testLogger(t)}
}

func (h *recordingHandler) Respond(
	_ context.Context,
	r *discordgo.InteractionResponse,
) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responses = append(h.responses, r)
	return nil
}

func (h *recordingHandler) GetResponse(context.Context) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}

func (h *recordingHandler) Edit(
	_ context.Context,
	e *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.edits = append(h.edits, e)
	return &discordgo.Message{}, nil
}

func (h *recordingHandler) Delete(context.Context, ...discordgo.RequestOption) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deleted = true
}

func (h *recordingHandler) GetInteraction() *discordgo.InteractionCreate {
	return h.interaction
}

func (h *recordingHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (h *recordingHandler) Logger() *slog.Logger { return h.logger }

// lastResponse returns the most recent interaction response, failing
// the test if none was sent.
func (h *recordingHandler) lastResponse(t testing.TB) *discordgo.InteractionResponse {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.responses)
	return h.responses[len(h.responses)-1]
}

func (h *recordingHandler) lastContent(t testing.TB) string {
	t.Helper()
	r := h.lastResponse(t)
	require.NotNil(t, r.Data)
	return r.Data.Content
}

const testBotUserID = "bot-user-1"

// newTestWarden builds a Warden wired to a mock session and a temp
// sqlite database, without touching the network.
func newTestWarden(t testing.TB) (*Warden, *mockDiscordSession) {
	t.Helper()
	logger := testLogger(t)
	db := testDB(t)
	session := newMockDiscordSession(t)

	cfg := DefaultConfig()
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "test-app"

	disc, err := newDiscord(cfg.Discord)
	require.NoError(t, err)
	disc.logger = logger.With(loggerNameKey, "discord")
	disc.session = session
	disc.botUserID.Store(testBotUserID)

	w := &Warden{
		config:      cfg,
		logger:      logger,
		db:          db,
		discord:     disc,
		infractions: newInfractionRegistry(),
	}
	disc.w = w

	names, err := loadNamePool("")
	require.NoError(t, err)

	tracker := newVoiceStateTracker()
	w.settings = newGuildSettings(db, logger)
	w.claims = newClaimManager(session, tracker, logger)
	w.stats = newStats(db, time.Minute, logger)
	w.voice = newVoiceManager(
		session,
		db,
		w.settings,
		w.claims,
		names,
		tracker,
		w.stats,
		disc.BotUserID,
		logger,
	)
	w.modmail = newModmail(session, db, w.settings, nil, logger)
	return w, session
}

// joinVoice feeds a voice state update into the manager, simulating a
// member connecting to (or switching to) a channel.
func joinVoice(
	w *Warden,
	guildID string,
	userID string,
	channelID string,
) {
	w.voice.HandleVoiceStateUpdate(
		context.Background(),
		voiceStateUpdate(guildID, userID, channelID),
	)
}

func voiceStateUpdate(
	guildID string,
	userID string,
	channelID string,
) *discordgo.VoiceStateUpdate {
	return &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{
			GuildID:   guildID,
			UserID:    userID,
			ChannelID: channelID,
			Member: &discordgo.Member{
				GuildID: guildID,
				User:    &discordgo.User{ID: userID, Username: "user-" + userID},
			},
		},
	}
}

// commandInteraction builds a minimal slash command interaction from a
// guild member.
func commandInteraction(
	guildID string,
	userID string,
	name string,
	permissions int64,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:      "interaction-" + name,
			Type:    discordgo.InteractionApplicationCommand,
			GuildID: guildID,
			Member: &discordgo.Member{
				GuildID:     guildID,
				Permissions: permissions,
				User: &discordgo.User{
					ID:       userID,
					Username: "user-" + userID,
				},
			},
			Data: discordgo.ApplicationCommandInteractionData{
				Name:    name,
				Options: options,
			},
		},
	}
}

// componentInteraction builds a message component interaction for the
// given custom ID, from a member inside channelID.
func componentInteraction(
	guildID string,
	userID string,
	channelID string,
	customID string,
	permissions int64,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "interaction-" + customID,
			Type:      discordgo.InteractionMessageComponent,
			GuildID:   guildID,
			ChannelID: channelID,
			Member: &discordgo.Member{
				GuildID:     guildID,
				Permissions: permissions,
				User: &discordgo.User{
					ID:       userID,
					Username: "user-" + userID,
				},
			},
			Data: discordgo.MessageComponentInteractionData{
				CustomID:      customID,
				ComponentType: discordgo.ButtonComponent,
			},
		},
	}
}
