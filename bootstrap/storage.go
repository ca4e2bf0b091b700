package bootstrap

import (
	"context"
	"fmt"
	"time"

	"warden/config"
	"warden/core"
	"warden/storage"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// InitStateStore connects to Redis with retry logic.
func InitStateStore(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*core.RedisStateStore, error) {
	const maxRetries = 3
	retryDelays := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

	store := core.NewRedisStateStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, sugar).
		WithTimeout(cfg.Redis.OpTimeout)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			sugar.Infow("Retrying Redis connection",
				"attempt", attempt,
				"max_retries", maxRetries,
				"delay", retryDelays[attempt-1])
			select {
			case <-ctx.Done():
				_ = store.Close()
				return nil, ctx.Err()
			case <-time.After(retryDelays[attempt-1]):
			}
		}

		lastErr = store.Ping(ctx)
		if lastErr == nil {
			break
		}
		sugar.Warnw("Redis connection attempt failed",
			"attempt", attempt+1,
			"error", lastErr)
	}

	if lastErr != nil {
		_ = store.Close()
		printFatal("Redis Connection Failed", ClassifyConnectionError(lastErr, "Redis", cfg.Redis.Addr))
		return nil, fmt.Errorf("failed to connect to Redis after %d attempts: %w", maxRetries+1, lastErr)
	}

	sugar.Infow("Connected to Redis", "addr", cfg.Redis.Addr, "op_timeout", cfg.Redis.OpTimeout)
	return store, nil
}

// InitSQLite opens the durable finding and incident store.
func InitSQLite(dirs DataDirectories, sugar *zap.SugaredLogger) (*storage.SQLite, error) {
	if err := EnsureDataDirectories(dirs, sugar); err != nil {
		return nil, fmt.Errorf("pre-flight check failed: %w", err)
	}

	sqlite, err := storage.NewSQLite(dirs.SQLite, sugar)
	if err != nil {
		printFatal("SQLite Initialization Failed", ClassifySQLiteError(err, dirs.SQLite))
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}
	return sqlite, nil
}

// InitNATS connects to the NATS server used for delivery and notifications.
func InitNATS(cfg *config.Config, sugar *zap.SugaredLogger) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("warden"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				sugar.Warnw("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			sugar.Infow("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		printFatal("NATS Connection Failed", ClassifyConnectionError(err, "NATS", cfg.NATS.URL))
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	sugar.Infow("Connected to NATS", "url", cfg.NATS.URL)
	return nc, nil
}
