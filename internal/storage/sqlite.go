package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"ironscout/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const firstRunKey = "first_run_complete"

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Store is the sqlite-backed Identity Store.
//
// One identifier belongs to exactly one category at a time (primary-key
// semantics): Upsert for a different category moves the row. Same-category
// concurrency is serialized by sqlite's single writer, which is all the
// atomicity DeleteMissing needs since it is a single statement.
type Store struct {
	db   *sql.DB
	path string
	log  logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, path: cfg.Path, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ExistingIDs returns every identifier currently recorded for a category.
// An unknown category yields an empty set, not an error.
func (s *Store) ExistingIDs(ctx context.Context, category string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM items WHERE category = ?`, category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// Upsert records an identifier under a category. Re-upserting refreshes
// last_seen; upserting under a different category moves the row (a listing
// observed to have changed categories belongs to the new one from then on).
func (s *Store) Upsert(ctx context.Context, id, category string, now time.Time) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("empty identifier")
	}
	ts := now.UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO items(id, category, first_seen, last_seen) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET category=excluded.category, last_seen=excluded.last_seen`,
		id, category, ts, ts,
	)
	return err
}

// DeleteMissing removes every stored identifier for category that is absent
// from current, returning the number deleted. An empty current set deletes
// nothing: an empty fetch is indistinguishable from a failed one, so the
// caller's existing state is preserved.
func (s *Store) DeleteMissing(ctx context.Context, category string, current map[string]struct{}) (int, error) {
	if len(current) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(current)+1)
	args = append(args, category)
	ph := make([]string, 0, len(current))
	for id := range current {
		args = append(args, id)
		ph = append(ph, "?")
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM items WHERE category = ? AND id NOT IN (%s)`, strings.Join(ph, ",")),
		args...,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteOlderThan prunes rows (all categories) whose last_seen predates the
// cutoff. Used only by the optional time-based expiry.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM items WHERE last_seen < ?`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&n)
	return n, err
}

func (s *Store) CountByCategory(ctx context.Context, category string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE category = ?`, category).Scan(&n)
	return n, err
}

// FirstRunComplete reports whether a full first cycle has ever finished.
// Until then, reconciliation persists items but suppresses notifications.
func (s *Store) FirstRunComplete(ctx context.Context) (bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, firstRunKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

func (s *Store) MarkFirstRunComplete(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES(?, 'true')
		 ON CONFLICT(key) DO UPDATE SET value='true'`, firstRunKey)
	return err
}

// SizeBytes returns the database file size for the storage report.
func (s *Store) SizeBytes() int64 {
	st, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return st.Size()
}
