package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"alertfeed/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCheckpoint stores the poller watermark in a single Redis key so a
// restarted process resumes where the previous one stopped.
type RedisCheckpoint struct {
	client *redis.Client
	key    string
	logger *zap.SugaredLogger
}

// NewRedisCheckpoint creates a checkpoint backed by the given Redis server.
func NewRedisCheckpoint(addr, password string, db int, key string, logger *zap.SugaredLogger) *RedisCheckpoint {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 2,
	})
	return &RedisCheckpoint{client: client, key: key, logger: logger}
}

// Ping tests the Redis connection
func (rc *RedisCheckpoint) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (rc *RedisCheckpoint) Close() error {
	return rc.client.Close()
}

// Load returns the stored watermark.
func (rc *RedisCheckpoint) Load(ctx context.Context) (time.Time, bool, error) {
	raw, err := rc.client.Get(ctx, rc.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		metrics.CheckpointErrors.WithLabelValues("load").Inc()
		return time.Time{}, false, fmt.Errorf("failed to load watermark: %w", err)
	}
	wm, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		metrics.CheckpointErrors.WithLabelValues("parse").Inc()
		return time.Time{}, false, fmt.Errorf("%w: %q", ErrCheckpointCorrupt, raw)
	}
	return wm.UTC(), true, nil
}

// Save stores wm.
func (rc *RedisCheckpoint) Save(ctx context.Context, wm time.Time) error {
	if err := rc.client.Set(ctx, rc.key, wm.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		metrics.CheckpointErrors.WithLabelValues("save").Inc()
		return fmt.Errorf("failed to save watermark: %w", err)
	}
	return nil
}
