package warden

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm/logger"
)

const loggerNameKey = "logger"

func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler)
	return func(
		msgL int,
		_ int,
		format string,
		args ...any,
	) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}

type gormStructuredLogger struct {
	logger        *slog.Logger
	handler       slog.Handler
	SlowThreshold time.Duration
}

func newGORMLogger(
	handler slog.Handler,
	slowThreshold time.Duration,
) *gormStructuredLogger {
	return &gormStructuredLogger{
		logger: slog.New(handler).With(
			loggerNameKey,
			"gorm",
		), SlowThreshold: slowThreshold,
	}
}

func (g gormStructuredLogger) LogMode(_ logger.LogLevel) logger.Interface {
	return gormStructuredLogger{
		logger: slog.New(g.handler).With(
			loggerNameKey,
			"gorm",
		),
	}
}

func (g gormStructuredLogger) Info(
	ctx context.Context,
	s string,
	i ...any,
) {
	g.logger.InfoContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Warn(
	ctx context.Context,
	s string,
	i ...any,
) {
	g.logger.WarnContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Error(
	ctx context.Context,
	s string,
	i ...any,
) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	switch {
	case elapsed > g.SlowThreshold*time.Millisecond && g.SlowThreshold != 0:
		s, rowsAffected := fc()
		if rowsAffected == -1 {
			g.logger.Warn(
				"slow sql",
				"elapsed", elapsed.Seconds()*1e3,
				"threshold", g.SlowThreshold,
				"rows", "-",
				"sql", s,
				tint.Err(err),
			)
		} else {
			g.logger.Warn(
				"slow sql",
				"elapsed", elapsed.Seconds()*1e3,
				"threshold", g.SlowThreshold,
				"rows", rowsAffected,
				"sql", s,
				tint.Err(err),
			)
		}
	default:
		s, rowsAffected := fc()
		if rowsAffected == -1 {
			g.logger.DebugContext(
				ctx,
				"sql completed",
				"elapsed", time.Duration(float64(elapsed.Nanoseconds())/1e6),
				"threshold", g.SlowThreshold,
				"rows", "-",
				"sql", s,
				tint.Err(err),
			)
		} else {
			g.logger.DebugContext(
				ctx,
				"sql completed",
				"elapsed", time.Duration(float64(elapsed.Nanoseconds())/1e6),
				"threshold", g.SlowThreshold,
				"rows", rowsAffected,
				"sql", s,
				tint.Err(err),
			)
		}
	}
}
