package storage

import (
	"context"
	"errors"
	"strings"

	logx "taskbell/pkg/logx"
)

// Open initializes the SQLite database backing the directory gateway.
func Open(cfg Config, log logx.Logger) (*SQLite, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log.With(logx.String("comp", "storage")))
}

// OpenDedup returns the configured dedup mirror.
// It returns (nil, nil) when mirroring is disabled.
func OpenDedup(ctx context.Context, cfg Config, db *SQLite, log logx.Logger) (DedupStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Dedup))
	switch driver {
	case "none":
		return nil, nil
	case "", "sqlite", "sqlite3":
		if db == nil {
			return nil, errors.New("sqlite dedup store requires an open database")
		}
		return dedupView{db}, nil
	case "redis":
		return openRedis(ctx, cfg.Redis, log.With(logx.String("comp", "storage.redis")))
	default:
		return nil, errors.New("unknown dedup driver: " + driver)
	}
}

// dedupView shares the database handle without handing ownership to the
// dedup consumer: closing it leaves the database open.
type dedupView struct{ *SQLite }

func (dedupView) Close() error { return nil }
