package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wardenbot/warden/warden"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func TestInitConfigRepeated(t *testing.T) {
	// cobra re-runs initConfig for every command execution against the
	// shared viper; already-converted level keys must survive the
	// second pass instead of failing to re-parse
	initConfig()
	initConfig()

	assertLogLevel(t, warden.DefaultLogLevel, viper.Get("log_level"))
	assertLogLevel(
		t, warden.DefaultAPILogLevel, viper.Get("api.log_level"),
	)
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()

	// Set up the test environment file
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

WARDEN_DATABASE=/home/foo/warden.sqlite3
WARDEN_DATABASE_TYPE=sqlite
WARDEN_DATABASE_LOG_LEVEL=INFO
WARDEN_DATABASE_SLOW_THRESHOLD=200ms
WARDEN_LOG_LEVEL=INFO
WARDEN_STARTUP_TIMEOUT=30s
WARDEN_SHUTDOWN_TIMEOUT=60s
WARDEN_DEVELOPMENT=true

# Discord bot config

WARDEN_DISCORD_TOKEN=your-discord-bot-token
WARDEN_DISCORD_APPLICATION_ID=your-discord-bot-app-id
WARDEN_DISCORD_GUILD_ID=
WARDEN_DISCORD_LOG_LEVEL=WARN
WARDEN_DISCORD_DISCORDGO_LOG_LEVEL=WARN
WARDEN_DISCORD_GATEWAY_INTENTS=3243773
WARDEN_DISCORD_STATUS_INTERVAL=30s

# Discord webhook server

WARDEN_DISCORD_WEBHOOK_SERVER_ENABLED=false
WARDEN_DISCORD_WEBHOOK_SERVER_LISTEN=127.0.0.1:5001
WARDEN_DISCORD_WEBHOOK_SERVER_SSL_CERT_FILE=/etc/ssl/cert.pem
WARDEN_DISCORD_WEBHOOK_SERVER_SSL_KEY_FILE=/etc/ssl/cert.key
WARDEN_DISCORD_WEBHOOK_SERVER_SSL_TLS_MIN_VERSION=771
WARDEN_DISCORD_WEBHOOK_SERVER_LOG_LEVEL=INFO
WARDEN_DISCORD_WEBHOOK_SERVER_PUBLIC_KEY=your_discord_public_key_here
WARDEN_DISCORD_WEBHOOK_SERVER_READ_TIMEOUT=5s
WARDEN_DISCORD_WEBHOOK_SERVER_READ_HEADER_TIMEOUT=5s
WARDEN_DISCORD_WEBHOOK_SERVER_WRITE_TIMEOUT=10s
WARDEN_DISCORD_WEBHOOK_SERVER_IDLE_TIMEOUT=30s

# Voice config

WARDEN_VOICE_NAME_POOL_FILE=/etc/warden/names.json
WARDEN_VOICE_STATS_FLUSH_INTERVAL=5m

# News relay

WARDEN_NEWS_ENABLED=true
WARDEN_NEWS_FEED_URL=https://example.com/feed.xml
WARDEN_NEWS_POLL_INTERVAL=10m
WARDEN_NEWS_POSTS_PER_MINUTE=10

# API server

WARDEN_API_LISTEN=127.0.0.1:5000
WARDEN_API_SSL_CERT_FILE=/etc/ssl/cert.pem
WARDEN_API_SSL_KEY_FILE=/etc/ssl/key.pem
WARDEN_API_SSL_TLS_MIN_VERSION=771
WARDEN_API_SECRET=your-api-secret-hash
WARDEN_API_LOG_LEVEL=DEBUG
WARDEN_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
WARDEN_API_CORS_ALLOW_METHODS=GET POST PUT PATCH DELETE OPTIONS HEAD
WARDEN_API_CORS_ALLOW_HEADERS=Origin Content-Length Content-Type Accept Authorization X-Requested-With Cache-Control X-CSRF-Token X-Request-ID
WARDEN_API_CORS_EXPOSE_HEADERS=Content-Type Content-Length Accept-Encoding X-Request-ID Location ETag Authorization Last-Modified
WARDEN_API_CORS_ALLOW_CREDENTIALS=true
WARDEN_API_CORS_MAX_AGE=12h
WARDEN_API_READ_TIMEOUT=5s
WARDEN_API_READ_HEADER_TIMEOUT=5s
WARDEN_API_WRITE_TIMEOUT=10s
WARDEN_API_IDLE_TIMEOUT=30s
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/warden.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/warden.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))

	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))
	assert.True(t, viper.GetBool("development"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(t, "your-discord-bot-app-id", viper.GetString("discord.application_id"))
	assert.Equal(t, "", viper.GetString("discord.guild_id"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assert.Equal(t, 3243773, viper.GetInt("discord.gateway_intents"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("discord.status_interval"))

	assert.False(t, viper.GetBool("discord.webhook_server.enabled"))
	assert.Equal(t, "127.0.0.1:5001", viper.GetString("discord.webhook_server.listen"))
	assert.Equal(t, "/etc/ssl/cert.pem", viper.GetString("discord.webhook_server.ssl.cert_file"))
	assert.Equal(t, "/etc/ssl/cert.key", viper.GetString("discord.webhook_server.ssl.key_file"))
	assert.Equal(t, 771, viper.GetInt("discord.webhook_server.ssl.tls_min_version"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("discord.webhook_server.log_level"))

	assert.Equal(
		t,
		"your_discord_public_key_here",
		viper.GetString("discord.webhook_server.public_key"),
	)
	assert.Equal(t, 5*time.Second, viper.GetDuration("discord.webhook_server.read_timeout"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("discord.webhook_server.read_header_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("discord.webhook_server.write_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("discord.webhook_server.idle_timeout"))

	assert.Equal(t, "/etc/warden/names.json", viper.GetString("voice.name_pool_file"))
	assert.Equal(t, 5*time.Minute, viper.GetDuration("voice.stats_flush_interval"))

	assert.True(t, viper.GetBool("news.enabled"))
	assert.Equal(t, "https://example.com/feed.xml", viper.GetString("news.feed_url"))
	assert.Equal(t, 10*time.Minute, viper.GetDuration("news.poll_interval"))
	assert.Equal(t, 10, viper.GetInt("news.posts_per_minute"))

	assert.Equal(t, "127.0.0.1:5000", viper.GetString("api.listen"))
	assert.Equal(t, "/etc/ssl/cert.pem", viper.GetString("api.ssl.cert_file"))
	assert.Equal(t, "/etc/ssl/key.pem", viper.GetString("api.ssl.key_file"))
	assert.Equal(t, 771, viper.GetInt("api.ssl.tls_min_version"))
	assert.Equal(t, "your-api-secret-hash", viper.GetString("api.secret"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		cfg.API.CORS.AllowMethods,
	)
	assert.True(t, viper.GetBool("api.cors.allow_credentials"))
	assert.Equal(t, 12*time.Hour, viper.GetDuration("api.cors.max_age"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_timeout"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_header_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("api.write_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("api.idle_timeout"))

	// Unmarshal the configuration into a warden.Config struct
	var config warden.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	assert.NoError(t, err)

	// Verify some key fields in the Config struct
	assert.Equal(t, "/home/foo/warden.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)
	assert.True(t, config.Development)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "", config.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, discordgo.Intent(3243773), config.Discord.GatewayIntents)
	assert.Equal(t, 30*time.Second, config.Discord.StatusInterval)

	assert.False(t, config.Discord.WebhookServer.Enabled)
	assert.Equal(t, "127.0.0.1:5001", config.Discord.WebhookServer.Listen)

	assert.Equal(t, "/etc/ssl/cert.pem", config.Discord.WebhookServer.SSL.CertFile)
	assert.Equal(t, "/etc/ssl/cert.key", config.Discord.WebhookServer.SSL.KeyFile)
	assert.Equal(t, uint16(771), config.Discord.WebhookServer.SSL.TLSMinVersion)
	assert.Equal(t, slog.LevelInfo, config.Discord.WebhookServer.LogLevel.Level())
	assert.Equal(t, "your_discord_public_key_here", config.Discord.WebhookServer.PublicKey)
	assert.Equal(t, 5*time.Second, config.Discord.WebhookServer.ReadTimeout)
	assert.Equal(t, 5*time.Second, config.Discord.WebhookServer.ReadHeaderTimeout)
	assert.Equal(t, 10*time.Second, config.Discord.WebhookServer.WriteTimeout)
	assert.Equal(t, 30*time.Second, config.Discord.WebhookServer.IdleTimeout)

	assert.Equal(t, "/etc/warden/names.json", config.Voice.NamePoolFile)
	assert.Equal(t, 5*time.Minute, config.Voice.StatsFlushInterval)

	assert.True(t, config.News.Enabled)
	assert.Equal(t, "https://example.com/feed.xml", config.News.FeedURL)
	assert.Equal(t, 10*time.Minute, config.News.PollInterval)
	assert.Equal(t, 10, config.News.PostsPerMinute)

	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, "/etc/ssl/cert.pem", config.API.SSL.CertFile)
	assert.Equal(t, "/etc/ssl/key.pem", config.API.SSL.KeyFile)
	assert.Equal(t, uint16(771), config.API.SSL.TLSMinVersion)
	assert.Equal(t, "your-api-secret-hash", config.API.Secret)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		config.API.CORS.AllowOrigins,
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		config.API.CORS.AllowMethods,
	)
}
