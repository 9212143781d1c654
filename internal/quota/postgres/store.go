// Package postgres persists quota records and reservation holds in
// PostgreSQL so several server instances can share one set of counters.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vanshpatel03/snapera2.0/internal/quota"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS quota_records (
    key        TEXT PRIMARY KEY,
    day        DATE NOT NULL,
    count      INTEGER NOT NULL DEFAULT 0 CHECK (count >= 0),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS quota_holds (
    id         TEXT PRIMARY KEY,
    key        TEXT NOT NULL,
    day        DATE NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_quota_holds_key ON quota_holds (key)`

// Store implements quota.Store, quota.Incrementer and quota.Reserver. The
// quota_records row of a key is locked for the length of each reserve or
// commit transaction, which serializes them across instances.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and creates the quota table if needed.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create quota schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool. The schema must already exist.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Load(ctx context.Context, key string) (quota.Record, bool, error) {
	var rec quota.Record
	row := s.pool.QueryRow(ctx, `SELECT to_char(day, 'YYYY-MM-DD'), count FROM quota_records WHERE key = $1`, key)
	if err := row.Scan(&rec.Day, &rec.Count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return quota.Record{}, false, nil
		}
		return quota.Record{}, false, fmt.Errorf("failed to load quota record: %w", err)
	}
	return rec, true, nil
}

func (s *Store) Save(ctx context.Context, key string, rec quota.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO quota_records (key, day, count, updated_at) VALUES ($1, $2::date, $3, now())
		ON CONFLICT (key) DO UPDATE SET day = EXCLUDED.day, count = EXCLUDED.count, updated_at = now()`,
		key, rec.Day, rec.Count)
	if err != nil {
		return fmt.Errorf("failed to save quota record: %w", err)
	}
	return nil
}

const incrementSQL = `
	INSERT INTO quota_records AS q (key, day, count, updated_at) VALUES ($1, $2::date, 1, now())
	ON CONFLICT (key) DO UPDATE SET
		count = CASE WHEN q.day = EXCLUDED.day THEN q.count + 1 ELSE 1 END,
		day = EXCLUDED.day,
		updated_at = now()
	RETURNING to_char(day, 'YYYY-MM-DD'), count`

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func increment(ctx context.Context, q queryer, key, day string) (quota.Record, error) {
	var rec quota.Record
	if err := q.QueryRow(ctx, incrementSQL, key, day).Scan(&rec.Day, &rec.Count); err != nil {
		return quota.Record{}, fmt.Errorf("failed to increment quota record: %w", err)
	}
	return rec, nil
}

func (s *Store) Increment(ctx context.Context, key, day string) (quota.Record, error) {
	return increment(ctx, s.pool, key, day)
}

func (s *Store) Reserve(ctx context.Context, h quota.Hold) (quota.Record, int, error) {
	var (
		rec  quota.Record
		held int
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO quota_records AS q (key, day, count, updated_at) VALUES ($1, $2::date, 0, now())
			ON CONFLICT (key) DO UPDATE SET
				count = CASE WHEN q.day = EXCLUDED.day THEN q.count ELSE 0 END,
				day = EXCLUDED.day,
				updated_at = CASE WHEN q.day = EXCLUDED.day THEN q.updated_at ELSE now() END
			RETURNING to_char(day, 'YYYY-MM-DD'), count`,
			h.Key, h.Day).Scan(&rec.Day, &rec.Count)
		if err != nil {
			return fmt.Errorf("failed to reconcile quota record: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM quota_holds WHERE key = $1 AND (day <> $2::date OR expires_at <= $3)`,
			h.Key, h.Day, h.Now); err != nil {
			return fmt.Errorf("failed to expire quota holds: %w", err)
		}

		if err := tx.QueryRow(ctx, `SELECT COUNT(1) FROM quota_holds WHERE key = $1`, h.Key).Scan(&held); err != nil {
			return fmt.Errorf("failed to count quota holds: %w", err)
		}

		if rec.Count+held < h.Limit {
			if _, err := tx.Exec(ctx,
				`INSERT INTO quota_holds (id, key, day, expires_at) VALUES ($1, $2, $3::date, $4)`,
				h.ID, h.Key, h.Day, h.Expires); err != nil {
				return fmt.Errorf("failed to insert quota hold: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return quota.Record{}, 0, err
	}
	return rec, held, nil
}

func (s *Store) CommitHold(ctx context.Context, key, id, day string) (quota.Record, error) {
	var rec quota.Record
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM quota_holds WHERE id = $1 AND key = $2`, id, key); err != nil {
			return fmt.Errorf("failed to delete quota hold: %w", err)
		}
		var err error
		rec, err = increment(ctx, tx, key, day)
		return err
	})
	if err != nil {
		return quota.Record{}, err
	}
	return rec, nil
}

func (s *Store) ReleaseHold(ctx context.Context, key, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM quota_holds WHERE id = $1 AND key = $2`, id, key); err != nil {
		return fmt.Errorf("failed to delete quota hold: %w", err)
	}
	return nil
}
