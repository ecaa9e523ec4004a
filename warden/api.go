package warden

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	ginPprof "github.com/gin-contrib/pprof"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	apiPrefix      = "/api"
	apiHealthCheck = "/api/health"

	apiPathUserStats      = "/users/:id/stats"
	apiPathCommandToggles = "/guilds/:id/commands"
	apiPathMetrics        = "/metrics"

	pprofPrefix = "/debug/pprof"
)

const (
	xRequestIDHeader   = "X-Request-ID"
	authBearerPrefix   = "Bearer "
	authMaxSecretBytes = 1024
)

// API is the IPC server other local processes use to query the bot.
// Requests to protected routes carry the shared secret as a bearer
// token. If no secret hash is configured, the protected routes reject
// everything.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	warden *Warden
}

func newAPI(w *Warden, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		warden:         w,
	}

	// TLS only when certs are configured; loopback IPC runs plaintext
	var tlsCfg *tls.Config
	if config.SSL.CertFile != "" || config.SSL.KeyFile != "" {
		var e error
		tlsCfg, e = tlsConfig(
			config.SSL.CertFile,
			config.SSL.KeyFile,
			config.SSL.TLSMinVersion,
		)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.httpServer = httpServer
	api.logger = setupLogger.With(loggerNameKey, "api")

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && w.config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !w.config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, api.healthCheck)

	if w.config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(api))

	protected.GET(apiPathUserStats, api.getUserStats)
	protected.GET(apiPathCommandToggles, api.getCommandToggles)
	protected.POST(apiPathCommandToggles, api.setCommandToggle)
	protected.GET(apiPathMetrics, api.getRequestMetrics)

	runtime.SetMutexProfileFraction(1)
	runtime.SetBlockProfileRate(1)
	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if e != nil {
		panic(e)
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	} else {
		a.logger.Warn("starting server without TLS")
	}
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

// healthCheckResponse reports gateway connectivity, for local
// monitoring.
type healthCheckResponse struct {
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			DiscordGatewayConnected: a.warden.discord.connected.Load(),
		},
	)
}

// userStatsResponse is the payload for the user stats endpoint, with
// one entry per guild the user has recorded activity in.
type userStatsResponse struct {
	UserID string               `json:"user_id"`
	Guilds []userGuildStatEntry `json:"guilds"`
}

type userGuildStatEntry struct {
	GuildID string           `json:"guild_id"`
	Stats   map[string]int64 `json:"stats"`
}

func (a *API) getUserStats(c *gin.Context) {
	logger := ginContextLogger(c)
	userID := c.Param("id")

	stats, err := a.warden.stats.statsForUser(c.Request.Context(), userID)
	if err != nil {
		logger.Error("error reading user stats", tint.Err(err))
		ginReplyError(c, "error reading user stats")
		return
	}
	if len(stats) == 0 {
		c.AbortWithStatusJSON(
			http.StatusNotFound,
			httpError{Error: "no stats recorded for that user"},
		)
		return
	}

	response := userStatsResponse{UserID: userID}
	var current *userGuildStatEntry
	for _, stat := range stats {
		if current == nil || current.GuildID != stat.GuildID {
			response.Guilds = append(
				response.Guilds,
				userGuildStatEntry{
					GuildID: stat.GuildID,
					Stats:   map[string]int64{},
				},
			)
			current = &response.Guilds[len(response.Guilds)-1]
		}
		current.Stats[string(stat.Kind)] = stat.Value
	}
	c.JSON(http.StatusOK, response)
}

func (a *API) getCommandToggles(c *gin.Context) {
	logger := ginContextLogger(c)
	guildID := c.Param("id")

	toggles := make([]CommandToggle, 0)
	err := a.warden.db.DB().WithContext(c.Request.Context()).Where(
		"guild_id = ?", guildID,
	).Order("command_name").Find(&toggles).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Error("error listing command toggles", tint.Err(err))
		ginReplyError(c, "error listing command toggles")
		return
	}
	c.JSON(http.StatusOK, toggles)
}

// commandTogglePayload enables or disables a slash command for the
// guild in the URL.
type commandTogglePayload struct {
	CommandName string `json:"command_name" binding:"required"`
	Enabled     *bool  `json:"enabled" binding:"required"`
}

func (a *API) setCommandToggle(c *gin.Context) {
	logger := ginContextLogger(c)
	guildID := c.Param("id")

	var payload commandTogglePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Error: err.Error()},
		)
		return
	}

	err := a.warden.setCommandEnabled(
		c.Request.Context(),
		guildID,
		payload.CommandName,
		*payload.Enabled,
	)
	if err != nil {
		logger.Error("error updating command toggle", tint.Err(err))
		ginReplyError(c, "error updating command toggle")
		return
	}
	ginReplyMessage(
		c,
		fmt.Sprintf("command %q updated", payload.CommandName),
	)
}

func (a *API) getRequestMetrics(c *gin.Context) {
	a.requestMetricsMu.Lock()
	metrics := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		metrics[k] = v
	}
	a.requestMetricsMu.Unlock()
	c.JSON(http.StatusOK, metrics)
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// authMiddleware validates the bearer secret on protected routes
// against the configured argon2id hash. An empty configured hash
// rejects all requests.
func authMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)

		if a.config.Secret == "" {
			logger.Warn("api secret not set, rejecting request")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, authBearerPrefix) {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		secret := strings.TrimPrefix(header, authBearerPrefix)
		if secret == "" || len(secret) > authMaxSecretBytes {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		valid, err := VerifyPassword(a.config.Secret, secret)
		if err != nil {
			logger.Error("error verifying api secret", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		if !valid {
			logger.Warn("invalid api secret presented")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request, set in the gin context and echoed in the response headers.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details
// included, and sets the logger in the context so the next call to
// ginContextLogger will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs the request method, path, remote address,
// and duration of each request, along with any accumulated errors.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware counts requests per method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		_, ok := a.requestMetrics[key]
		if !ok {
			a.requestMetrics[key] = 1
			return
		}
		a.requestMetrics[key]++
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
