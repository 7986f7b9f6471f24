package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aeroling/oralexam/internal/shared"
)

// SQLiteStore shares limiter state between processes through one database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the rate_limits table on db if needed.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	query := `
	CREATE TABLE IF NOT EXISTS rate_limits (
		key TEXT PRIMARY KEY,
		count INTEGER NOT NULL,
		window_reset_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rate_limits_reset ON rate_limits(window_reset_at);
	`
	if _, err := db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create rate_limits schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Update reads and writes the key inside one BEGIN IMMEDIATE transaction,
// which takes the write lock up front so concurrent processes serialize.
func (s *SQLiteStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	return shared.RetryOnConflict(ctx, "ratelimit.update", 3, 50*time.Millisecond, func() error {
		return s.updateOnce(ctx, key, fn)
	})
}

func (s *SQLiteStore) updateOnce(ctx context.Context, key string, fn UpdateFunc) (err error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			slog.Warn("failed to release rate limit connection", "error", closeErr)
		}
	}()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if _, rbErr := conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK"); rbErr != nil {
				slog.Warn("rate limit rollback failed", "key", key, "error", rbErr)
			}
		}
	}()

	var cur Entry
	var resetMillis int64
	exists := true
	row := conn.QueryRowContext(ctx, `SELECT count, window_reset_at FROM rate_limits WHERE key = ?`, key)
	switch scanErr := row.Scan(&cur.Count, &resetMillis); {
	case errors.Is(scanErr, sql.ErrNoRows):
		exists = false
	case scanErr != nil:
		return fmt.Errorf("read entry: %w", scanErr)
	default:
		cur.WindowResetAt = time.UnixMilli(resetMillis)
	}

	next, write := fn(cur, exists)
	if write {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO rate_limits (key, count, window_reset_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				count = excluded.count,
				window_reset_at = excluded.window_reset_at`,
			key, next.Count, next.WindowResetAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("write entry: %w", err)
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// Sweep deletes entries whose window ended at or before now.
func (s *SQLiteStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_limits WHERE window_reset_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep rate limits: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep rows affected: %w", err)
	}
	return int(n), nil
}
