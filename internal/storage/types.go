package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")
)

// Config configures storage.
//
// Dedup values:
//   - "sqlite": mirror dedup rows into the SQLite file (default)
//   - "redis": mirror dedup keys into Redis with native expiry
//   - "none": in-memory dedup only
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
	Dedup       string
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// DedupStore persists "suppress until" marks keyed by an opaque string.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	// PruneDedup deletes marks that expired before now.
	PruneDedup(ctx context.Context, now time.Time) (int64, error)
	Close() error
}
