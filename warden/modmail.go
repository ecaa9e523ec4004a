package warden

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// modmailThreadAutoArchive is the thread auto-archive window in
// minutes (24 hours).
const modmailThreadAutoArchive = 1440

// ModmailLink ties a user's DM channel to a staff thread under the
// guild's modmail channel. One active link per user; ending a
// conversation soft-deletes the row.
type ModmailLink struct {
	ModelUintID
	ModelUnixTime
	UserID   string `json:"user_id" gorm:"not null;index"`
	GuildID  string `json:"guild_id" gorm:"not null"`
	UUID     string `json:"uuid" gorm:"not null"`
	Anon     bool   `json:"anon"`
	ThreadID string `json:"thread_id" gorm:"index"`
}

func (m ModmailLink) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("user_id", m.UserID),
		slog.String("guild_id", m.GuildID),
		slog.String("uuid", m.UUID),
		slog.Bool("anon", m.Anon),
		slog.String("thread_id", m.ThreadID),
	)
}

// displayName is how the user appears in the staff thread.
func (m ModmailLink) displayName(username string) string {
	if m.Anon {
		return fmt.Sprintf("Anonymous (%s)", m.UUID[:8])
	}
	return username
}

// Modmail relays DMs from members into per-user staff threads and
// thread replies back out.
type Modmail struct {
	session    DiscordSessionHandler
	db         DBI
	settings   *GuildSettings
	httpClient *http.Client
	logger     *slog.Logger
}

func newModmail(
	session DiscordSessionHandler,
	db DBI,
	settings *GuildSettings,
	httpClient *http.Client,
	logger *slog.Logger,
) *Modmail {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Modmail{
		session:    session,
		db:         db,
		settings:   settings,
		httpClient: httpClient,
		logger:     logger.With(loggerNameKey, "modmail"),
	}
}

func (m *Modmail) linkByUser(ctx context.Context, userID string) (*ModmailLink, error) {
	var link ModmailLink
	err := m.db.DB().WithContext(ctx).Where(
		"user_id = ?", userID,
	).Last(&link).Error
	if err != nil {
		return nil, err
	}
	return &link, nil
}

func (m *Modmail) linkByThread(
	ctx context.Context,
	threadID string,
) (*ModmailLink, error) {
	var link ModmailLink
	err := m.db.DB().WithContext(ctx).Where(
		"thread_id = ?", threadID,
	).Last(&link).Error
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// Create opens a modmail conversation for the user in the given guild.
func (m *Modmail) Create(
	ctx context.Context,
	guildID string,
	user *discordgo.User,
	anon bool,
) (*ModmailLink, error) {
	if _, err := m.linkByUser(ctx, user.ID); err == nil {
		return nil, errModmailExists
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	modmailChannelID, set := m.settings.ChannelID(ctx, guildID, SettingModmailChannel)
	if !set {
		return nil, errModmailUnconfigured
	}

	uuid, err := generateRandomHexString(32)
	if err != nil {
		return nil, err
	}

	link := &ModmailLink{
		UserID:  user.ID,
		GuildID: guildID,
		UUID:    uuid,
		Anon:    anon,
	}

	thread, err := m.startThread(ctx, modmailChannelID, link, user.Username)
	if err != nil {
		return nil, fmt.Errorf("error creating modmail thread: %w", err)
	}
	link.ThreadID = thread.ID

	if _, err = m.db.Create(ctx, link); err != nil {
		return nil, fmt.Errorf("error saving modmail link: %w", err)
	}

	m.logger.InfoContext(ctx, "opened modmail conversation", "link", link)
	return link, nil
}

var (
	errModmailExists       = errors.New("an open modmail conversation already exists")
	errModmailUnconfigured = errors.New("modmail channel is not configured")
	errModmailNone         = errors.New("no open modmail conversation")
)

func (m *Modmail) startThread(
	ctx context.Context,
	modmailChannelID string,
	link *ModmailLink,
	username string,
) (*discordgo.Channel, error) {
	thread, err := m.session.ThreadStartComplex(
		modmailChannelID, &discordgo.ThreadStart{
			Name:                threadName(link, username),
			AutoArchiveDuration: modmailThreadAutoArchive,
			Type:                discordgo.ChannelTypeGuildPublicThread,
		},
	)
	if err != nil {
		return nil, err
	}
	if _, err = m.session.ChannelMessageSend(
		thread.ID,
		fmt.Sprintf(
			"Modmail conversation with **%s**. Messages here are relayed "+
				"to them; their DMs land here.",
			link.displayName(username),
		),
	); err != nil {
		m.logger.WarnContext(ctx, "error sending thread intro", tint.Err(err))
	}
	return thread, nil
}

func threadName(link *ModmailLink, username string) string {
	if link.Anon {
		return fmt.Sprintf("modmail-%s", link.UUID[:8])
	}
	return fmt.Sprintf("modmail-%s", username)
}

// End closes the user's modmail conversation.
func (m *Modmail) End(ctx context.Context, userID string) (*ModmailLink, error) {
	link, err := m.linkByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errModmailNone
		}
		return nil, err
	}

	if _, err = m.db.Delete(&ModmailLink{}, "user_id = ?", userID); err != nil {
		return nil, fmt.Errorf("error deleting modmail link: %w", err)
	}

	if link.ThreadID != "" {
		if _, sendErr := m.session.ChannelMessageSend(
			link.ThreadID,
			"The member closed this modmail conversation.",
		); sendErr != nil && !discordErrUnknownEntity(sendErr) {
			m.logger.WarnContext(ctx, "error posting close note", tint.Err(sendErr))
		}
	}

	m.logger.InfoContext(ctx, "closed modmail conversation", "link", link)
	return link, nil
}

// HandleMessageCreate relays messages. DMs from linked users go to
// their staff thread; messages in a linked thread go back to the user.
// Called from the gateway message handler after bot authors have been
// filtered out.
func (m *Modmail) HandleMessageCreate(ctx context.Context, msg *discordgo.MessageCreate) {
	if msg.Author == nil || msg.Author.Bot {
		return
	}
	if msg.GuildID == "" {
		m.relayInbound(ctx, msg)
		return
	}
	m.relayOutbound(ctx, msg)
}

// relayInbound forwards a DM into the user's staff thread.
func (m *Modmail) relayInbound(ctx context.Context, msg *discordgo.MessageCreate) {
	link, err := m.linkByUser(ctx, msg.Author.ID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			m.logger.ErrorContext(ctx, "error reading modmail link", tint.Err(err))
		}
		return
	}

	modmailChannelID, set := m.settings.ChannelID(
		ctx, link.GuildID, SettingModmailChannel,
	)
	if !set {
		m.dmUser(
			ctx,
			msg.Author.ID,
			"Modmail isn't configured on that server anymore, so your "+
				"message couldn't be delivered.",
		)
		return
	}

	threadID, err := m.ensureThread(ctx, modmailChannelID, link, msg.Author.Username)
	if err != nil {
		m.logger.ErrorContext(ctx, "error ensuring modmail thread", tint.Err(err))
		return
	}

	// the author prefix can push a near-limit DM past what discord accepts
	content := truncate(
		fmt.Sprintf(
			"**%s**: %s",
			link.displayName(msg.Author.Username),
			msg.Content,
		),
		discordMaxMessageLength,
	)
	send := &discordgo.MessageSend{
		Content: content,
		Files:   m.downloadAttachments(ctx, msg.Attachments),
	}
	defer closeFiles(send.Files)
	if _, err = m.session.ChannelMessageSendComplex(threadID, send); err != nil {
		m.logger.ErrorContext(ctx, "error relaying DM to thread", tint.Err(err))
	}
}

// relayOutbound forwards a staff thread message to the linked user's
// DMs.
func (m *Modmail) relayOutbound(ctx context.Context, msg *discordgo.MessageCreate) {
	link, err := m.linkByThread(ctx, msg.ChannelID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			m.logger.ErrorContext(ctx, "error reading modmail link", tint.Err(err))
		}
		return
	}

	dm, err := m.session.UserChannelCreate(link.UserID)
	if err != nil {
		m.logger.WarnContext(ctx, "error opening DM", tint.Err(err), "link", link)
		return
	}

	send := &discordgo.MessageSend{
		Content: truncate(
			fmt.Sprintf("**%s** (staff): %s", msg.Author.Username, msg.Content),
			discordMaxMessageLength,
		),
		Files: m.downloadAttachments(ctx, msg.Attachments),
	}
	defer closeFiles(send.Files)
	if _, err = m.session.ChannelMessageSendComplex(dm.ID, send); err != nil {
		m.logger.WarnContext(ctx, "error relaying thread message", tint.Err(err))
	}
}

// ensureThread returns the link's thread, recreating it when the
// original thread no longer exists. Recreation updates the stored
// thread ID.
func (m *Modmail) ensureThread(
	ctx context.Context,
	modmailChannelID string,
	link *ModmailLink,
	username string,
) (string, error) {
	if link.ThreadID != "" {
		threads, err := m.session.GuildThreadsActive(link.GuildID)
		if err == nil {
			for _, thread := range threads.Threads {
				if thread.ID == link.ThreadID {
					return link.ThreadID, nil
				}
			}
		} else {
			m.logger.WarnContext(ctx, "error listing active threads", tint.Err(err))
		}
	}

	thread, err := m.startThread(ctx, modmailChannelID, link, username)
	if err != nil {
		return "", err
	}
	if _, err = m.db.UpdatesWhere(
		ctx,
		&ModmailLink{},
		map[string]any{"thread_id": thread.ID},
		"user_id = ?", link.UserID,
	); err != nil {
		m.logger.ErrorContext(ctx, "error updating modmail thread id", tint.Err(err))
	}
	link.ThreadID = thread.ID
	return thread.ID, nil
}

// downloadAttachments re-uploads message attachments by streaming them
// from the CDN. Failed downloads are skipped.
func (m *Modmail) downloadAttachments(
	ctx context.Context,
	attachments []*discordgo.MessageAttachment,
) []*discordgo.File {
	var files []*discordgo.File
	for _, attachment := range attachments {
		req, err := http.NewRequestWithContext(
			ctx, http.MethodGet, attachment.URL, nil,
		)
		if err != nil {
			continue
		}
		resp, err := m.httpClient.Do(req)
		if err != nil || resp.StatusCode != http.StatusOK {
			if resp != nil {
				_ = resp.Body.Close()
			}
			m.logger.WarnContext(
				ctx,
				"error downloading attachment",
				"url", attachment.URL,
			)
			continue
		}
		files = append(
			files, &discordgo.File{
				Name:        attachment.Filename,
				ContentType: attachment.ContentType,
				Reader:      resp.Body,
			},
		)
	}
	return files
}

func closeFiles(files []*discordgo.File) {
	for _, f := range files {
		if closer, ok := f.Reader.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}
}

func (m *Modmail) dmUser(ctx context.Context, userID, content string) {
	dm, err := m.session.UserChannelCreate(userID)
	if err != nil {
		m.logger.WarnContext(ctx, "error opening DM", tint.Err(err))
		return
	}
	if _, err = m.session.ChannelMessageSend(dm.ID, content); err != nil {
		m.logger.WarnContext(ctx, "error sending DM", tint.Err(err))
	}
}

// handleModmailCommand executes /modmail create and /modmail end.
func (w *Warden) handleModmailCommand(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = handler.Logger()
	}

	user := interactionUser(i)
	if user == nil {
		return
	}

	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
		return
	}
	sub := data.Options[0]

	switch sub.Name {
	case modmailSubcommandCreate:
		if i.GuildID == "" {
			handler.Respond(
				ctx,
				ephemeralResponse(
					"Run `/modmail create` in the server you want to contact.",
				),
			)
			return
		}
		anon := false
		for _, opt := range sub.Options {
			if opt.Name == modmailCommandOptionAnonymous {
				anon = opt.BoolValue()
			}
		}
		_, err := w.modmail.Create(ctx, i.GuildID, user, anon)
		switch {
		case errors.Is(err, errModmailExists):
			handler.Respond(
				ctx,
				ephemeralResponse(
					"You already have an open modmail conversation. "+
						"Use `/modmail end` to close it first.",
				),
			)
		case errors.Is(err, errModmailUnconfigured):
			handler.Respond(
				ctx,
				ephemeralResponse("This server hasn't set up modmail."),
			)
		case err != nil:
			logger.ErrorContext(ctx, "error creating modmail", tint.Err(err))
			handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
		default:
			handler.Respond(
				ctx,
				ephemeralResponse(
					"Modmail opened. DM me and I'll relay your messages "+
						"to the team.",
				),
			)
		}
	case modmailSubcommandEnd:
		_, err := w.modmail.End(ctx, user.ID)
		switch {
		case errors.Is(err, errModmailNone):
			handler.Respond(
				ctx,
				ephemeralResponse("You don't have an open modmail conversation."),
			)
		case err != nil:
			logger.ErrorContext(ctx, "error ending modmail", tint.Err(err))
			handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
		default:
			handler.Respond(ctx, ephemeralResponse("Modmail conversation closed."))
		}
	default:
		handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
	}
}
