package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type RateLimitRepository interface {
	// Upsert inserts a fresh window, increments a live one, or rolls a
	// stale one over to count=1, all inside one conditional write. It
	// returns the authoritative count and the window start after the
	// write took effect.
	Upsert(ctx context.Context, identifier, kind, action string, window time.Duration, now time.Time) (count int, windowStart time.Time, err error)
	DeleteStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

type rateLimitRepository struct {
	pool *pgxpool.Pool
}

func NewRateLimitRepository(pool *pgxpool.Pool) RateLimitRepository {
	return &rateLimitRepository{pool: pool}
}

func (r *rateLimitRepository) Upsert(ctx context.Context, identifier, kind, action string, window time.Duration, now time.Time) (int, time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	cutoff := now.Add(-window)

	const q = `
		INSERT INTO rate_limits (identifier, kind, action, count, window_start)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (identifier, kind, action) DO UPDATE SET
			count = CASE
				WHEN rate_limits.window_start <= $5 THEN 1
				ELSE rate_limits.count + 1
			END,
			window_start = CASE
				WHEN rate_limits.window_start <= $5 THEN $4
				ELSE rate_limits.window_start
			END
		RETURNING count, window_start`

	var (
		count       int
		windowStart time.Time
	)
	err := r.pool.QueryRow(ctx, q, identifier, kind, action, now, cutoff).Scan(&count, &windowStart)
	if err != nil {
		return 0, time.Time{}, storeErr(err)
	}
	return count, windowStart, nil
}

func (r *rateLimitRepository) DeleteStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	const q = `DELETE FROM rate_limits WHERE window_start < now() - $1::interval`

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, olderThan)
	if err != nil {
		return 0, storeErr(err)
	}
	return result.RowsAffected(), nil
}
