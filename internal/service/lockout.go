package service

import (
	"context"
	"time"

	"github.com/diagnosis/mailauth/internal/domain"
	"github.com/diagnosis/mailauth/internal/repository/postgres"
	"github.com/diagnosis/mailauth/pkg/logger"
)

// LockoutGuard tracks failed verification attempts per account and the
// temporary lock window that follows too many of them. Unlocking is
// lazy: the first request that sees an expired lock clears it.
type LockoutGuard struct {
	accounts  postgres.AccountRepository
	audit     *SecurityAuditLog
	threshold int
	duration  time.Duration
}

func NewLockoutGuard(accounts postgres.AccountRepository, audit *SecurityAuditLog, threshold int, duration time.Duration) *LockoutGuard {
	return &LockoutGuard{
		accounts:  accounts,
		audit:     audit,
		threshold: threshold,
		duration:  duration,
	}
}

// EnsureOpen rejects with ErrAccountLocked while the lock window is
// live, and clears an expired lock before letting the caller proceed.
// A nil account (unknown email) is always open.
func (g *LockoutGuard) EnsureOpen(ctx context.Context, account *domain.Account, ip, userAgent string) error {
	if account == nil || account.LockedUntil == nil {
		return nil
	}

	now := time.Now()
	if account.IsLocked(now) {
		return domain.ErrAccountLocked
	}

	cleared, err := g.accounts.ClearExpiredLock(ctx, account.ID, now)
	if err != nil {
		return err
	}
	if cleared {
		logger.InfoContext(ctx, "Expired account lock cleared", "account_id", account.ID)
		g.audit.Record(ctx, &account.ID, domain.ActionAccountUnlocked, ip, userAgent,
			"expired lock cleared", domain.SeverityLow)
		account.LockedUntil = nil
		account.FailedAttempts = 0
	}
	return nil
}

// RecordFailure counts one failed verification. When the post-increment
// count reaches the threshold the account is locked for the configured
// duration; the returned flag tells the caller a lock was set. Setting
// locked_until is idempotent, so two racing failures may both set it
// without harm.
func (g *LockoutGuard) RecordFailure(ctx context.Context, accountID string) (locked bool, until time.Time, err error) {
	count, err := g.accounts.IncrementFailedAttempts(ctx, accountID)
	if err != nil {
		return false, time.Time{}, err
	}

	if count < g.threshold {
		return false, time.Time{}, nil
	}

	until = time.Now().Add(g.duration)
	if err := g.accounts.Lock(ctx, accountID, until); err != nil {
		return false, time.Time{}, err
	}
	return true, until, nil
}
