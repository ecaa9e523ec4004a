package warden

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/wardenbot/warden/warden.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

var (
	structValidator = validator.New()
)

// statusRotation holds the custom statuses the bot cycles through while
// connected to the gateway.
var statusRotation = []string{
	"Watching the voice channels",
	"/modmail to reach the mod team",
	"/claim to adopt a channel",
}

// Warden is the main application struct. It wires the Discord gateway
// (or webhook server), the database, the temporary voice channel
// manager, moderation, modmail, stats and the IPC API together.
type Warden struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	db       DBI
	discord  *Discord
	settings *GuildSettings
	voice    *VoiceManager
	claims   *ClaimManager
	stats    *Stats
	modmail  *Modmail
	news     *NewsFeed

	infractions *infractionRegistry

	api                  *API
	discordWebhookServer *DiscordWebhookServer

	// getInteractionHandlerFunc should be a callable to be used
	// when an interaction is received, which returns an appropriate
	// InteractionHandler. This enables command execution to remain the
	// same across webhook/gateway handlers, adjusting only the
	// request-specific discord interactions
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	// prevents concurrent Run calls
	runMu sync.Mutex

	runtimeWG sync.WaitGroup
}

func New(config *Config) (*Warden, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	w := &Warden{
		config:      config,
		infractions: newInfractionRegistry(),
	}

	w.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     w.config.LogLevel,
			AddSource: true,
		},
	)

	w.logger = slog.New(w.logHandler)
	slog.SetDefault(w.logger)

	w.config.Discord.httpClient = w.config.HTTPClient

	disc, err := newDiscord(w.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     w.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     w.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	w.discord = disc
	disc.w = w

	api, err := newAPI(w, config.API)
	errs = append(errs, err)
	w.api = api

	return w, errors.Join(errs...)
}

func (w *Warden) ValidateConfig() error {
	return structValidator.Struct(w.config)
}

// RegisterSlashCommands registers the bot's slash commands with Discord,
// overwriting any previously registered set.
func (w *Warden) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return w.discord.registerCommands(options...)
}

// Run starts the bot and blocks until the given context is canceled or
// a background component fails. Only one Run call may be active at a
// time.
func (w *Warden) Run(ctx context.Context) error {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	logger := w.logger

	if err := w.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", w.config))

	startCtx, startCancel := context.WithTimeout(ctx, w.config.StartupTimeout)
	defer startCancel()

	if err := w.initRun(startCtx, ctx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return err
	}

	g, runCtx := errgroup.WithContext(ctx)

	g.Go(
		func() error {
			httpErr := w.api.Serve(runCtx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(
					runCtx,
					"error serving api HTTP",
					tint.Err(httpErr),
				)
				return httpErr
			}
			return nil
		},
	)

	if w.discordWebhookServer != nil {
		g.Go(
			func() error {
				httpErr := w.discordWebhookServer.Serve(runCtx)
				if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
					logger.ErrorContext(
						runCtx,
						"error serving webhook HTTP",
						tint.Err(httpErr),
					)
					return httpErr
				}
				return nil
			},
		)
	}

	g.Go(
		func() error {
			return w.stats.Run(runCtx)
		},
	)

	if w.news != nil {
		g.Go(
			func() error {
				return w.news.Run(runCtx)
			},
		)
	}

	g.Go(
		func() error {
			return w.rotateStatus(runCtx)
		},
	)

	g.Go(
		func() error {
			<-runCtx.Done()
			w.shutdown(context.WithoutCancel(runCtx))
			return nil
		},
	)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// initRun initializes the database, constructs the bot's components,
// opens the gateway session and registers slash commands. startCtx
// bounds initialization; ctx is the long-running runtime context
// handlers inherit.
func (w *Warden) initRun(startCtx context.Context, ctx context.Context) error {
	logger := w.logger

	gormDB, err := CreateDB(startCtx, w.config.DatabaseType, w.config.Database)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	w.db = NewDatabase(
		gormDB,
		logger,
		w.config.DatabaseType == dbTypePostgres,
	)

	if w.discord.session == nil {
		session, sessionErr := w.discord.newSession()
		if sessionErr != nil {
			return fmt.Errorf("error creating discord session: %w", sessionErr)
		}
		w.discord.session = session
	}

	names, nameErr := loadNamePool(w.config.Voice.NamePoolFile)
	if nameErr != nil {
		return fmt.Errorf("error loading channel name pool: %w", nameErr)
	}

	tracker := newVoiceStateTracker()
	w.settings = newGuildSettings(w.db, logger)
	w.claims = newClaimManager(w.discord.session, tracker, logger)
	w.stats = newStats(w.db, w.config.Voice.StatsFlushInterval, logger)
	w.voice = newVoiceManager(
		w.discord.session,
		w.db,
		w.settings,
		w.claims,
		names,
		tracker,
		w.stats,
		w.discord.BotUserID,
		logger,
	)
	w.modmail = newModmail(
		w.discord.session,
		w.db,
		w.settings,
		w.config.HTTPClient,
		logger,
	)
	if w.config.News.Enabled {
		w.news = newNewsFeed(w.discord.session, w.db, *w.config.News, logger)
	}

	if w.config.Discord.WebhookServer.Enabled {
		webhookServer, webhookErr := newWebhookServer(
			ctx,
			w,
			w.config.Discord.WebhookServer,
		)
		if webhookErr != nil {
			return webhookErr
		}
		w.discordWebhookServer = webhookServer
	}

	if err = w.initDiscordSession(ctx); err != nil {
		return err
	}

	if _, err = w.RegisterSlashCommands(); err != nil {
		return fmt.Errorf("error registering slash commands: %w", err)
	}
	return nil
}

// initDiscordSession wires the gateway event handlers and opens the
// websocket connection.
func (w *Warden) initDiscordSession(ctx context.Context) error {
	logger := w.logger.With(loggerNameKey, "discord_session")
	ctx = WithLogger(ctx, logger)

	if len(w.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range w.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	w.discord.session.SetIdentify(
		discordgo.Identify{Intents: w.config.Discord.GatewayIntents},
	)

	w.discord.discordgoRemoveHandlerFuncs = []func(){
		w.discord.session.AddHandler(w.discord.handlerConnect()),
		w.discord.session.AddHandler(w.discord.handlerDisconnect()),
		w.discord.session.AddHandler(w.discord.handlerReady()),
		w.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				handler := w.getInteractionHandlerFunc(ctx, i)
				w.runtimeWG.Add(1)
				go func() {
					defer w.runtimeWG.Done()
					defer func() {
						if rc := recover(); rc != nil {
							w.handleRecover(ctx, rc)
						}
					}()
					w.handleInteraction(ctx, handler, i)
				}()
			},
		),
		w.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				m *discordgo.MessageCreate,
			) {
				w.runtimeWG.Add(1)
				go func() {
					defer w.runtimeWG.Done()
					defer func() {
						if rc := recover(); rc != nil {
							w.handleRecover(ctx, rc)
						}
					}()
					w.handleDiscordMessage(ctx, m)
				}()
			},
		),
		// Voice state updates run inline on the gateway dispatch
		// goroutine: the tracker's before/after derivation and the
		// entry/exit lifecycle depend on per-member event order, which
		// a goroutine per event would not preserve.
		w.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				vsu *discordgo.VoiceStateUpdate,
			) {
				defer func() {
					if rc := recover(); rc != nil {
						w.handleRecover(ctx, rc)
					}
				}()
				w.voice.HandleVoiceStateUpdate(ctx, vsu)
			},
		),
	}

	if w.getInteractionHandlerFunc == nil {
		w.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     w.discord.session,
				interaction: i,
				mu:          &sync.RWMutex{},
				logger: w.logger.With(
					slog.Group(
						"interaction",
						interactionLogAttrs(*i)...,
					),
				),
			}
		}
	}

	if err := w.discord.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	return nil
}

// handleDiscordMessage fans an incoming message out to the components
// that care about it: the stat counters and the modmail relay.
func (w *Warden) handleDiscordMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	if m == nil || m.Author == nil {
		return
	}
	botID := w.discord.BotUserID()
	if botID != "" && m.Author.ID == botID {
		return
	}
	w.stats.HandleMessageCreate(ctx, m)
	w.modmail.HandleMessageCreate(ctx, m)
}

// rotateStatus advances the bot's custom status on the configured
// interval.
func (w *Warden) rotateStatus(ctx context.Context) error {
	interval := w.config.Discord.StatusInterval
	if interval <= 0 {
		interval = DefaultDiscordStatusInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	i := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !w.discord.connected.Load() {
				continue
			}
			status := statusRotation[i%len(statusRotation)]
			i++
			if err := w.discord.session.UpdateCustomStatus(status); err != nil {
				w.logger.WarnContext(
					ctx,
					"error updating status",
					tint.Err(err),
				)
			}
		}
	}
}

// shutdown closes the gateway session and HTTP servers, waiting up to
// ShutdownTimeout for in-flight handlers to finish.
func (w *Warden) shutdown(ctx context.Context) {
	w.logger.WarnContext(ctx, "shutting down")

	shutdownTimeout := w.config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		w.logger.Warn("immediate shutdown")
		_ = w.discord.session.Close()
		_ = w.api.httpServer.Close()
		if w.discordWebhookServer != nil {
			_ = w.discordWebhookServer.httpServer.Close()
		}
		return
	}

	closeCtx, closeCancel := context.WithTimeout(ctx, shutdownTimeout)
	defer closeCancel()

	if err := w.discord.session.Close(); err != nil {
		w.logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
	}

	stopWG := &sync.WaitGroup{}

	stopWG.Add(1)
	go func() {
		defer stopWG.Done()
		w.runtimeWG.Wait()
		w.logger.InfoContext(ctx, "finished handling in-flight events")
	}()

	if w.api != nil && w.api.httpServer != nil {
		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			w.logger.InfoContext(ctx, "stopping http server")
			_ = w.api.httpServer.Shutdown(closeCtx)
			w.logger.InfoContext(ctx, "http server stopped")
		}()
	}

	if w.discordWebhookServer != nil {
		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			w.logger.InfoContext(ctx, "stopping webhook server")
			_ = w.discordWebhookServer.httpServer.Shutdown(closeCtx)
			w.logger.InfoContext(ctx, "webhook server stopped")
		}()
	}

	done := make(chan struct{}, 1)
	go func() {
		stopWG.Wait()
		done <- struct{}{}
	}()

	select {
	case <-closeCtx.Done():
		w.logger.WarnContext(ctx, "shutdown deadline passed, forcing exit")
	case <-done:
		w.logger.InfoContext(ctx, "shutdown complete")
	}
}

// handleRecover logs a recovered panic with its stack.
func (w *Warden) handleRecover(ctx context.Context, rc any) {
	if rc == nil {
		return
	}
	w.logger.ErrorContext(
		ctx,
		"recovered from panic",
		"recovered", rc,
		"stack", string(debug.Stack()),
	)
}
