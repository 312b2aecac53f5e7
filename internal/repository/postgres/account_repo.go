package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/diagnosis/mailauth/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AccountRepository interface {
	Create(ctx context.Context, id, email, emailKey, role string) (*domain.Account, error)
	FindByEmailKey(ctx context.Context, emailKey string) (*domain.Account, error)
	FindByID(ctx context.Context, id string) (*domain.Account, error)
	// IncrementFailedAttempts bumps the failure counter and returns the
	// post-increment value.
	IncrementFailedAttempts(ctx context.Context, id string) (int, error)
	Lock(ctx context.Context, id string, until time.Time) error
	// ClearExpiredLock resets a lock whose window has passed. Reports
	// whether a row was actually cleared.
	ClearExpiredLock(ctx context.Context, id string, now time.Time) (bool, error)
	// RecordLogin resets failure state and stamps the successful login.
	RecordLogin(ctx context.Context, id, ip string, at time.Time) error
}

type accountRepository struct {
	pool *pgxpool.Pool
}

func NewAccountRepository(pool *pgxpool.Pool) AccountRepository {
	return &accountRepository{pool: pool}
}

const accountCols = `id, email, email_key, role, failed_attempts, locked_until, created_at, last_login_at, last_login_ip`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		a  domain.Account
		ip *string
	)
	err := row.Scan(
		&a.ID, &a.Email, &a.EmailKey, &a.Role, &a.FailedAttempts,
		&a.LockedUntil, &a.CreatedAt, &a.LastLoginAt, &ip,
	)
	if err != nil {
		return nil, err
	}
	if ip != nil {
		a.LastLoginIP = *ip
	}
	return &a, nil
}

func (r *accountRepository) Create(ctx context.Context, id, email, emailKey, role string) (*domain.Account, error) {
	const q = `
		INSERT INTO accounts (id, email, email_key, role, failed_attempts)
		VALUES ($1, $2, $3, $4, 0)
		RETURNING ` + accountCols

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	a, err := scanAccount(r.pool.QueryRow(ctx, q, id, email, emailKey, role))
	if err != nil {
		return nil, storeErr(err)
	}
	return a, nil
}

func (r *accountRepository) FindByEmailKey(ctx context.Context, emailKey string) (*domain.Account, error) {
	const q = `SELECT ` + accountCols + ` FROM accounts WHERE email_key = $1`
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	a, err := scanAccount(r.pool.QueryRow(ctx, q, emailKey))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return a, nil
}

func (r *accountRepository) FindByID(ctx context.Context, id string) (*domain.Account, error) {
	const q = `SELECT ` + accountCols + ` FROM accounts WHERE id = $1`
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	a, err := scanAccount(r.pool.QueryRow(ctx, q, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return a, nil
}

func (r *accountRepository) IncrementFailedAttempts(ctx context.Context, id string) (int, error) {
	const q = `
		UPDATE accounts
		SET failed_attempts = failed_attempts + 1
		WHERE id = $1
		RETURNING failed_attempts`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var count int
	if err := r.pool.QueryRow(ctx, q, id).Scan(&count); err != nil {
		return 0, storeErr(err)
	}
	return count, nil
}

func (r *accountRepository) Lock(ctx context.Context, id string, until time.Time) error {
	const q = `UPDATE accounts SET locked_until = $2 WHERE id = $1`
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if _, err := r.pool.Exec(ctx, q, id, until); err != nil {
		return storeErr(err)
	}
	return nil
}

func (r *accountRepository) ClearExpiredLock(ctx context.Context, id string, now time.Time) (bool, error) {
	const q = `
		UPDATE accounts
		SET locked_until = NULL, failed_attempts = 0
		WHERE id = $1
		  AND locked_until IS NOT NULL
		  AND locked_until <= $2`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, id, now)
	if err != nil {
		return false, storeErr(err)
	}
	return result.RowsAffected() > 0, nil
}

func (r *accountRepository) RecordLogin(ctx context.Context, id, ip string, at time.Time) error {
	const q = `
		UPDATE accounts
		SET failed_attempts = 0,
		    locked_until = NULL,
		    last_login_at = $2,
		    last_login_ip = $3
		WHERE id = $1`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, id, at, ip)
	if err != nil {
		return storeErr(err)
	}
	if result.RowsAffected() == 0 {
		return storeErr(pgx.ErrNoRows)
	}
	return nil
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}
