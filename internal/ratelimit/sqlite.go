package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteWindow is a fixed window limiter whose counters live in a
// SQLite table, so several processes sharing one database file share
// one budget.
type SQLiteWindow struct {
	db     *sql.DB
	limit  int
	window time.Duration
	now    Clock
}

// NewSQLiteWindow creates the limiter and its table. The caller owns db.
func NewSQLiteWindow(db *sql.DB, limit int, window time.Duration, now Clock) (*SQLiteWindow, error) {
	if limit <= 0 || window <= 0 {
		return nil, ErrInvalidConfig
	}
	if now == nil {
		now = time.Now
	}
	s := &SQLiteWindow{db: db, limit: limit, window: window, now: now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteWindow) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS rate_windows (
			key          TEXT PRIMARY KEY,
			window_start INTEGER NOT NULL,
			count        INTEGER NOT NULL
		)
	`)
	return err
}

// Allow implements Limiter.
func (s *SQLiteWindow) Allow(ctx context.Context, key string) (Decision, error) {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var startNanos int64
	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT window_start, count FROM rate_windows WHERE key = ?`, key,
	).Scan(&startNanos, &count)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		startNanos, count = now.UnixNano(), 0
	case err != nil:
		return Decision{}, fmt.Errorf("read window: %w", err)
	}

	start := time.Unix(0, startNanos)
	if !now.Before(start.Add(s.window)) {
		start, count = now, 0
	}

	d := decide(count, s.limit, start.Add(s.window), func() { count++ })

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rate_windows (key, window_start, count) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET window_start = excluded.window_start, count = excluded.count
	`, key, start.UnixNano(), count); err != nil {
		return Decision{}, fmt.Errorf("write window: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Decision{}, fmt.Errorf("commit: %w", err)
	}
	return d, nil
}

// Reset implements Limiter.
func (s *SQLiteWindow) Reset(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rate_windows WHERE key = ?`, key); err != nil {
		return fmt.Errorf("reset %s: %w", key, err)
	}
	return nil
}
