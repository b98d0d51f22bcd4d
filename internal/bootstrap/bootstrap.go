// Package bootstrap holds the process setup shared by the binaries.
package bootstrap

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"

	"github.com/smukkama/commute-monitor/internal/database"
	"github.com/smukkama/commute-monitor/pkg/config"
)

// ConnectTimeout bounds how long a binary waits for its dependencies.
const ConnectTimeout = time.Minute

// ParseLevel maps a LOG_LEVEL value to a slog level. Unknown values fall
// back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "critical":
		return slog.LevelCritical
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the human-readable process logger.
func NewLogger(w io.Writer, level string) slog.Logger {
	return slog.Make(sloghuman.Sink(w)).Leveled(ParseLevel(level))
}

func newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = ConnectTimeout
	return backoff.WithContext(b, ctx)
}

func notify(ctx context.Context, logger slog.Logger, what string) backoff.Notify {
	return func(err error, wait time.Duration) {
		logger.Warn(ctx, "dependency not ready, retrying",
			slog.F("dependency", what),
			slog.F("retry_in", wait),
			slog.Error(err))
	}
}

// ConnectDB connects to Postgres, retrying while it comes up.
func ConnectDB(ctx context.Context, logger slog.Logger, cfg config.DatabaseConfig) (*database.DB, error) {
	var db *database.DB
	err := backoff.RetryNotify(func() error {
		var err error
		db, err = database.Connect(ctx, cfg.ConnectionString())
		return err
	}, newBackOff(ctx), notify(ctx, logger, "postgres"))
	if err != nil {
		return nil, xerrors.Errorf("connect to database: %w", err)
	}
	logger.Info(ctx, "connected to database", slog.F("host", cfg.Host), slog.F("db", cfg.DBName))
	return db, nil
}

// ConnectRedis returns a client once the server answers PING.
func ConnectRedis(ctx context.Context, logger slog.Logger, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	err := backoff.RetryNotify(func() error {
		return client.Ping(ctx).Err()
	}, newBackOff(ctx), notify(ctx, logger, "redis"))
	if err != nil {
		_ = client.Close()
		return nil, xerrors.Errorf("connect to redis: %w", err)
	}
	logger.Info(ctx, "connected to redis", slog.F("addr", cfg.Addr))
	return client, nil
}
