package ratelimit

import (
	"context"
	"fmt"
	"time"

	"school-backend/internal/db"
)

// PostgresStore keeps windows in rate_windows so every instance shares them.
type PostgresStore struct {
	q db.Executor
}

func NewPostgresStore(q db.Executor) *PostgresStore {
	return &PostgresStore{q: q}
}

func (s *PostgresStore) Increment(ctx context.Context, clientKey, route string, windowStart time.Time, _ time.Duration, ceiling int) (int, error) {
	var hits int
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO rate_windows (client_key, route, window_start, hits, updated_at)
		VALUES ($1, $2, $3, 1, NOW())
		ON CONFLICT (client_key, route, window_start) DO UPDATE
		SET
			hits = LEAST(rate_windows.hits + 1, $4),
			updated_at = NOW()
		RETURNING hits
	`, clientKey, route, windowStart.UTC(), ceiling).Scan(&hits)
	if err != nil {
		return 0, fmt.Errorf("upsert rate window: %w", err)
	}
	return hits, nil
}

// DeleteStale removes windows last touched before cutoff.
func (s *PostgresStore) DeleteStale(ctx context.Context, q db.Executor, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	res, err := q.ExecContext(ctx, `
		WITH stale AS (
			SELECT client_key, route, window_start
			FROM rate_windows
			WHERE updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM rate_windows t
		USING stale
		WHERE t.client_key = stale.client_key
		  AND t.route = stale.route
		  AND t.window_start = stale.window_start
	`, cutoff.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale rate windows: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale rate windows rows affected: %w", err)
	}
	return affected, nil
}
