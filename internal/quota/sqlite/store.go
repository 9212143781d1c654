// Package sqlite persists quota records in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vanshpatel03/snapera2.0/internal/quota"
)

// Store implements quota.Store, quota.Incrementer and quota.Reserver. Holds
// are serialized through SQLite's write lock, so several processes may share
// one database file.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or connects to the database at path and initializes its schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; WAL still lets other processes read.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Load(ctx context.Context, key string) (quota.Record, bool, error) {
	var rec quota.Record
	err := s.db.QueryRowContext(ctx, "SELECT day, count FROM quota_records WHERE key = ?", key).Scan(&rec.Day, &rec.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return quota.Record{}, false, nil
	}
	if err != nil {
		return quota.Record{}, false, fmt.Errorf("load quota record: %w", err)
	}
	return rec, true, nil
}

func (s *Store) Save(ctx context.Context, key string, rec quota.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quota_records (key, day, count, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET day = excluded.day, count = excluded.count, updated_at = excluded.updated_at`,
		key, rec.Day, rec.Count, now())
	if err != nil {
		return fmt.Errorf("save quota record: %w", err)
	}
	return nil
}

const incrementSQL = `
	INSERT INTO quota_records (key, day, count, updated_at) VALUES (?, ?, 1, ?)
	ON CONFLICT(key) DO UPDATE SET
		count = CASE WHEN quota_records.day = excluded.day THEN quota_records.count + 1 ELSE 1 END,
		day = excluded.day,
		updated_at = excluded.updated_at
	RETURNING day, count`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func increment(ctx context.Context, q queryer, key, day string) (quota.Record, error) {
	var rec quota.Record
	if err := q.QueryRowContext(ctx, incrementSQL, key, day, now()).Scan(&rec.Day, &rec.Count); err != nil {
		return quota.Record{}, fmt.Errorf("increment quota record: %w", err)
	}
	return rec, nil
}

func (s *Store) Increment(ctx context.Context, key, day string) (quota.Record, error) {
	return increment(ctx, s.db, key, day)
}

func (s *Store) Reserve(ctx context.Context, h quota.Hold) (quota.Record, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quota.Record{}, 0, fmt.Errorf("begin reserve tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The upsert comes first so the transaction takes the write lock before
	// it reads any holds.
	var rec quota.Record
	err = tx.QueryRowContext(ctx, `
		INSERT INTO quota_records (key, day, count, updated_at) VALUES (?, ?, 0, ?)
		ON CONFLICT(key) DO UPDATE SET
			count = CASE WHEN quota_records.day = excluded.day THEN quota_records.count ELSE 0 END,
			day = excluded.day,
			updated_at = CASE WHEN quota_records.day = excluded.day THEN quota_records.updated_at ELSE excluded.updated_at END
		RETURNING day, count`,
		h.Key, h.Day, now()).Scan(&rec.Day, &rec.Count)
	if err != nil {
		return quota.Record{}, 0, fmt.Errorf("reconcile quota record: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM quota_holds WHERE key = ? AND (day <> ? OR expires_at <= ?)",
		h.Key, h.Day, h.Now.UnixMilli()); err != nil {
		return quota.Record{}, 0, fmt.Errorf("expire quota holds: %w", err)
	}

	var held int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM quota_holds WHERE key = ?", h.Key).Scan(&held); err != nil {
		return quota.Record{}, 0, fmt.Errorf("count quota holds: %w", err)
	}

	if rec.Count+held < h.Limit {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO quota_holds (id, key, day, expires_at) VALUES (?, ?, ?, ?)",
			h.ID, h.Key, h.Day, h.Expires.UnixMilli()); err != nil {
			return quota.Record{}, 0, fmt.Errorf("insert quota hold: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return quota.Record{}, 0, fmt.Errorf("commit reserve tx: %w", err)
	}
	return rec, held, nil
}

func (s *Store) CommitHold(ctx context.Context, key, id, day string) (quota.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quota.Record{}, fmt.Errorf("begin commit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM quota_holds WHERE id = ? AND key = ?", id, key); err != nil {
		return quota.Record{}, fmt.Errorf("delete quota hold: %w", err)
	}
	rec, err := increment(ctx, tx, key, day)
	if err != nil {
		return quota.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return quota.Record{}, fmt.Errorf("commit quota tx: %w", err)
	}
	return rec, nil
}

func (s *Store) ReleaseHold(ctx context.Context, key, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM quota_holds WHERE id = ? AND key = ?", id, key); err != nil {
		return fmt.Errorf("delete quota hold: %w", err)
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
