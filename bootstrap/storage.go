package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"alertfeed/config"
	"alertfeed/core"
	"alertfeed/relay"
	"alertfeed/storage"
	"alertfeed/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// InitStore opens the configured event store backend.
func InitStore(cfg *config.Config, sugar *zap.SugaredLogger) (storage.EventStore, error) {
	switch cfg.Store.Backend {
	case config.BackendClickHouse:
		return InitClickHouse(cfg, sugar)
	case config.BackendSQLite:
		return InitSQLite(cfg, sugar)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// InitClickHouse initializes ClickHouse connection with retry logic.
func InitClickHouse(cfg *config.Config, sugar *zap.SugaredLogger) (*storage.ClickHouse, error) {
	const maxRetries = 3
	retryDelays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

	var clickhouse *storage.ClickHouse
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			sugar.Infow("Retrying ClickHouse connection",
				"attempt", attempt,
				"max_retries", maxRetries,
				"delay", retryDelays[attempt-1])
			time.Sleep(retryDelays[attempt-1])
		}

		clickhouse, lastErr = storage.NewClickHouse(cfg, sugar)
		if lastErr == nil {
			break
		}

		sugar.Warnw("ClickHouse connection attempt failed",
			"attempt", attempt+1,
			"error", util.RedactError(lastErr))
	}

	if lastErr != nil {
		fmt.Fprintf(os.Stderr, "\n========================================\n")
		fmt.Fprintf(os.Stderr, "FATAL: ClickHouse Connection Failed\n")
		fmt.Fprintf(os.Stderr, "========================================\n")
		fmt.Fprintf(os.Stderr, "%s\n", util.Redact(DiagnoseConnectionError(backendClickHouse, lastErr, cfg.ClickHouse.Addr)))
		fmt.Fprintf(os.Stderr, "========================================\n\n")
		return nil, fmt.Errorf("failed to connect to ClickHouse after %d attempts: %w", maxRetries+1, lastErr)
	}

	if version, err := clickhouse.GetVersion(context.Background()); err == nil {
		sugar.Infow("ClickHouse event store ready", "version", version, "database", cfg.ClickHouse.Database)
	}
	return clickhouse, nil
}

// InitSQLite opens the embedded event store, creating its directory.
func InitSQLite(cfg *config.Config, sugar *zap.SugaredLogger) (*storage.SQLite, error) {
	path := cfg.SQLite.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory for %s: %w", path, err)
		}
	}

	breaker := core.BreakerConfig{MaxFailures: cfg.Breaker.MaxFailures, Cooldown: cfg.Breaker.Cooldown}
	sqlite, err := storage.NewSQLite(path, breaker, sugar)
	if err != nil {
		fmt.Fprintf(os.Stderr, "\n%s\n\n", DiagnoseSQLiteError(err, path))
		return nil, fmt.Errorf("failed to open SQLite store: %w", err)
	}
	sugar.Infow("SQLite event store ready", "path", path)
	return sqlite, nil
}

// InitCheckpoint connects the Redis watermark checkpoint. It returns nil
// when disabled. An unreachable Redis is logged and tolerated: the poller
// falls back to its grace window and retries saves on every advance.
func InitCheckpoint(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) *storage.RedisCheckpoint {
	if !cfg.Redis.Enabled {
		return nil
	}
	cp := storage.NewRedisCheckpoint(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Poller.CheckpointKey, sugar)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cp.Ping(pingCtx); err != nil {
		sugar.Warnw("Redis checkpoint unreachable at startup",
			"addr", cfg.Redis.Addr,
			"error", util.RedactError(err),
			"diagnosis", DiagnoseConnectionError(backendRedis, err, cfg.Redis.Addr))
	} else {
		sugar.Infow("Redis watermark checkpoint ready", "addr", cfg.Redis.Addr, "key", cfg.Poller.CheckpointKey)
	}
	return cp
}

// InitKafkaWriter builds the relay writer. It returns nil when disabled.
func InitKafkaWriter(cfg *config.Config, sugar *zap.SugaredLogger) (*kafka.Writer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	w, err := relay.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	if err != nil {
		return nil, fmt.Errorf("failed to configure Kafka relay: %w", err)
	}
	sugar.Infow("Kafka relay configured", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	return w, nil
}
