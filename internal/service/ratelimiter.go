package service

import (
	"context"
	"time"

	"github.com/diagnosis/mailauth/internal/repository/postgres"
)

// RateLimiter keeps sliding-window counters in the persistent store so
// every worker sees the same state. The window write and the rollover
// decision happen in a single conditional upsert; the count returned by
// that write is the authoritative one.
type RateLimiter struct {
	repo postgres.RateLimitRepository
}

func NewRateLimiter(repo postgres.RateLimitRepository) *RateLimiter {
	return &RateLimiter{repo: repo}
}

type RateLimitResult struct {
	Allowed bool
	Count   int
	ResetAt time.Time
}

// Check counts this attempt against the window and reports whether the
// caller is still under maxCount. Disallowed attempts stay counted:
// hammering a limited endpoint keeps the window full.
func (l *RateLimiter) Check(ctx context.Context, identifier, kind, action string, window time.Duration, maxCount int) (*RateLimitResult, error) {
	now := time.Now()

	count, windowStart, err := l.repo.Upsert(ctx, identifier, kind, action, window, now)
	if err != nil {
		return nil, err
	}

	return &RateLimitResult{
		Allowed: count <= maxCount,
		Count:   count,
		ResetAt: windowStart.Add(window),
	}, nil
}
