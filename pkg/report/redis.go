package report

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/logflow/canteen/pkg/config"
)

// RedisReporter stores the latest snapshot of a run in a Redis hash under
// prefix+runID and appends the run to a per-prefix index set.
type RedisReporter struct {
	cfg    config.RedisConfig
	client *redis.Client
}

// NewRedisReporter connects to Redis and verifies the connection.
func NewRedisReporter(cfg config.RedisConfig) (*RedisReporter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	r := newRedisReporter(cfg, client)
	if err := r.Ping(context.Background()); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return r, nil
}

func newRedisReporter(cfg config.RedisConfig, client *redis.Client) *RedisReporter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &RedisReporter{cfg: cfg, client: client}
}

// Key returns the hash key for a run.
func (r *RedisReporter) Key(runID string) string {
	return r.cfg.Prefix + runID
}

func (r *RedisReporter) indexKey() string {
	return r.cfg.Prefix + "index"
}

// Report writes the snapshot fields in one pipeline.
func (r *RedisReporter) Report(ctx context.Context, snap Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	key := r.Key(snap.RunID)
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, snap.Fields())
	pipe.SAdd(ctx, r.indexKey(), snap.RunID)
	if r.cfg.TTL > 0 {
		pipe.Expire(ctx, key, r.cfg.TTL)
		pipe.Expire(ctx, r.indexKey(), r.cfg.TTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish snapshot to Redis: %w", err)
	}
	return nil
}

// Load returns the stored fields of a run, or an empty map if none exist.
func (r *RedisReporter) Load(ctx context.Context, runID string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	return r.client.HGetAll(ctx, r.Key(runID)).Result()
}

// Runs lists the run IDs reported under this prefix.
func (r *RedisReporter) Runs(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	return r.client.SMembers(ctx, r.indexKey()).Result()
}

// Ping checks the Redis connection.
func (r *RedisReporter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisReporter) Close() error {
	return r.client.Close()
}
