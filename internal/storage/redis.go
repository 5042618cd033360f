package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "taskbell/pkg/logx"
)

// Redis mirrors dedup marks as keys that expire on their own.
type Redis struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(ctx context.Context, cfg RedisConfig, log logx.Logger) (*Redis, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "taskbell:dedup:"
	}
	log.Debug("redis dedup store ready", logx.String("addr", addr), logx.Int("db", cfg.DB))
	return &Redis{client: rdb, prefix: prefix, log: log}, nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, prefix string, log logx.Logger) *Redis {
	if prefix == "" {
		prefix = "taskbell:dedup:"
	}
	return &Redis{client: client, prefix: prefix, log: log}
}

func (r *Redis) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return r.client.Del(ctx, r.prefix+key).Err()
	}
	if err := r.client.Set(ctx, r.prefix+key, until.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *Redis) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	v, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis get: %w", err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis dedup value %q: %w", v, err)
	}
	return time.UnixMilli(ms), true, nil
}

// PruneDedup is a no-op; keys carry their own TTL.
func (r *Redis) PruneDedup(context.Context, time.Time) (int64, error) { return 0, nil }

func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *Redis) Close() error { return r.client.Close() }

var _ DedupStore = (*Redis)(nil)
