package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"taskbell/internal/directory"
	logx "taskbell/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SQLite is the directory gateway and the default dedup mirror.
type SQLite struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (*SQLite, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &SQLite{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database answers.
func (s *SQLite) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

// ---- directory.Gateway ----

func (s *SQLite) FindUserByID(ctx context.Context, id string) (*directory.User, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var u directory.User
	err := s.db.QueryRowContext(ctx, `SELECT id, email, name FROM users WHERE id = ?`, id).Scan(&u.ID, &u.Email, &u.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user %s: %w", id, err)
	}
	return &u, nil
}

func (s *SQLite) FindPreferencesByUserID(ctx context.Context, userID string) (*directory.Preferences, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var (
		p                    = directory.Preferences{UserID: userID}
		enabled, email, push int
		flags                string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, email, push, flags FROM preferences WHERE user_id = ?`, userID,
	).Scan(&enabled, &email, &push, &flags)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find preferences %s: %w", userID, err)
	}
	p.Enabled, p.Email, p.Push = enabled != 0, email != 0, push != 0
	if strings.TrimSpace(flags) != "" {
		if err := json.Unmarshal([]byte(flags), &p.Flags); err != nil {
			return nil, fmt.Errorf("decode preference flags %s: %w", userID, err)
		}
	}
	return &p, nil
}

func (s *SQLite) UpsertUser(ctx context.Context, u directory.User) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if u.ID == "" {
		return errors.New("user id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, email, name) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET email=excluded.email, name=excluded.name`,
		u.ID, u.Email, u.Name,
	)
	return err
}

func (s *SQLite) UpsertPreferences(ctx context.Context, p directory.Preferences) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if p.UserID == "" {
		return errors.New("preferences user id is required")
	}
	flags := []byte("{}")
	if len(p.Flags) > 0 {
		b, err := json.Marshal(p.Flags)
		if err != nil {
			return err
		}
		flags = b
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences(user_id, enabled, email, push, flags) VALUES(?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET enabled=excluded.enabled, email=excluded.email, push=excluded.push, flags=excluded.flags`,
		p.UserID, boolInt(p.Enabled), boolInt(p.Email), boolInt(p.Push), string(flags),
	)
	return err
}

// ---- DedupStore ----

func (s *SQLite) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.PruneDedup(pctx, time.Now())
		cancel()
	}
	return err
}

func (s *SQLite) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *SQLite) PruneDedup(ctx context.Context, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var (
	_ directory.Gateway = (*SQLite)(nil)
	_ DedupStore        = (*SQLite)(nil)
)
