package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/wardenbot/warden/warden"
)

var (
	cfg        = warden.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "warden [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes string log levels into *slog.LevelVar
// when unmarshaling config.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", warden.DefaultDatabase)
	viper.SetDefault("database_type", warden.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		warden.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		warden.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("development", false)

	viper.SetDefault("log_level", warden.DefaultLogLevel.String())
	viper.SetDefault("api.log_level", warden.DefaultAPILogLevel.String())

	viper.SetDefault("startup_timeout", warden.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", warden.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		warden.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		warden.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		warden.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault(
		"discord.status_interval",
		warden.DefaultDiscordStatusInterval,
	)

	// Discord: Webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault(
		"discord.webhook_server.listen",
		warden.DefaultDiscordWebhookServerListen,
	)
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault(
		"discord.webhook_server.read_timeout",
		warden.DefaultReadTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.read_header_timeout",
		warden.DefaultReadHeaderTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.write_timeout",
		warden.DefaultWriteTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.idle_timeout",
		warden.DefaultIdleTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.log_level",
		warden.DefaultDiscordWebhookLogLevel.String(),
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// Discord: Webhook server: SSL

	fatalErr(viper.BindEnv("discord.webhook_server.ssl.cert_file"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.key_file"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.cert_pem"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.key_pem"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.tls_min_version"))

	// API config
	viper.SetDefault("api.listen", warden.DefaultAPIListen)
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.read_timeout", warden.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		warden.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", warden.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", warden.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert_file"))
	fatalErr(viper.BindEnv("api.ssl.key_file"))
	fatalErr(viper.BindEnv("api.ssl.cert_pem"))
	fatalErr(viper.BindEnv("api.ssl.key_pem"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		warden.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		warden.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		warden.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", warden.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		warden.DefaultAPICORSAllowCredentials,
	)

	// Voice config
	fatalErr(viper.BindEnv("voice.name_pool_file"))
	viper.SetDefault(
		"voice.stats_flush_interval",
		warden.DefaultVoiceStatsFlushInterval,
	)

	// News relay config
	viper.SetDefault("news.enabled", false)
	viper.SetDefault("news.feed_url", warden.DefaultNewsFeedURL)
	viper.SetDefault("news.poll_interval", warden.DefaultNewsPollInterval)
	viper.SetDefault(
		"news.posts_per_minute",
		warden.DefaultNewsPostsPerMinute,
	)

	envPrefix := os.Getenv(warden.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = warden.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"api.log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"discord.webhook_server.log_level",
	} {
		// initConfig may run more than once against the shared viper;
		// keys converted on an earlier pass stay converted
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
