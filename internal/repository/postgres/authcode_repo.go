package postgres

import (
	"context"
	"time"

	"github.com/diagnosis/mailauth/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AuthCodeRepository interface {
	// ReplaceUnused retires every still-unused code for the email and
	// inserts the new one as a single atomic operation, so no two live
	// codes can ever coexist for one email, even across concurrent
	// issuers.
	ReplaceUnused(ctx context.Context, code *domain.AuthCode) error
	// Claim flips the one live code for the email from unused to used as
	// a single conditional write. Only the caller whose write affected a
	// row gets the code back; everyone else gets nil.
	Claim(ctx context.Context, emailKey string, maxAttempts int, now time.Time) (*domain.AuthCode, error)
	// Release reverts a claimed code after a digest mismatch and counts
	// the failed attempt. Returns the post-increment attempt count.
	Release(ctx context.Context, id string) (int, error)
	LastRequestAt(ctx context.Context, emailKey string) (*time.Time, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

type authCodeRepository struct {
	pool *pgxpool.Pool
}

func NewAuthCodeRepository(pool *pgxpool.Pool) AuthCodeRepository {
	return &authCodeRepository{pool: pool}
}

func (r *authCodeRepository) ReplaceUnused(ctx context.Context, code *domain.AuthCode) error {
	const supersedeQ = `
		UPDATE auth_codes
		SET used = true
		WHERE email_key = $1
		  AND used = false`
	const insertQ = `
		INSERT INTO auth_codes (id, email_key, code_hash, expires_at, used, attempts, ip, user_agent, created_at)
		VALUES ($1, $2, $3, $4, false, 0, $5, $6, $7)`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return storeErr(err)
	}
	defer tx.Rollback(ctx)

	// The advisory lock serializes issuers per email for the span of the
	// transaction; without it two issuers could both supersede before
	// either insert lands, leaving two live codes. The partial unique
	// index on (email_key) WHERE used = false backstops the same
	// invariant inside the store.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, code.EmailKey); err != nil {
		return storeErr(err)
	}
	if _, err := tx.Exec(ctx, supersedeQ, code.EmailKey); err != nil {
		return storeErr(err)
	}
	if _, err := tx.Exec(ctx, insertQ,
		code.ID, code.EmailKey, code.CodeHash, code.ExpiresAt,
		code.IP, code.UserAgent, code.CreatedAt,
	); err != nil {
		return storeErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storeErr(err)
	}
	return nil
}

func (r *authCodeRepository) Claim(ctx context.Context, emailKey string, maxAttempts int, now time.Time) (*domain.AuthCode, error) {
	// The inner select picks the newest live code; the outer used=false
	// check re-fires after any row-lock wait, so concurrent claimers
	// cannot both win.
	const q = `
		UPDATE auth_codes
		SET used = true
		WHERE id = (
			SELECT id FROM auth_codes
			WHERE email_key = $1
			  AND used = false
			  AND expires_at > $2
			  AND attempts < $3
			ORDER BY created_at DESC
			LIMIT 1
		)
		  AND used = false
		RETURNING id, email_key, code_hash, expires_at, used, attempts, ip, user_agent, created_at`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var c domain.AuthCode
	err := r.pool.QueryRow(ctx, q, emailKey, now, maxAttempts).Scan(
		&c.ID, &c.EmailKey, &c.CodeHash, &c.ExpiresAt, &c.Used,
		&c.Attempts, &c.IP, &c.UserAgent, &c.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return &c, nil
}

func (r *authCodeRepository) Release(ctx context.Context, id string) (int, error) {
	const q = `
		UPDATE auth_codes
		SET used = false, attempts = attempts + 1
		WHERE id = $1
		RETURNING attempts`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var attempts int
	if err := r.pool.QueryRow(ctx, q, id).Scan(&attempts); err != nil {
		return 0, storeErr(err)
	}
	return attempts, nil
}

func (r *authCodeRepository) LastRequestAt(ctx context.Context, emailKey string) (*time.Time, error) {
	const q = `
		SELECT created_at FROM auth_codes
		WHERE email_key = $1
		ORDER BY created_at DESC
		LIMIT 1`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var at time.Time
	err := r.pool.QueryRow(ctx, q, emailKey).Scan(&at)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return &at, nil
}

func (r *authCodeRepository) DeleteExpired(ctx context.Context) (int64, error) {
	const q = `DELETE FROM auth_codes WHERE expires_at < now() - interval '1 day'`

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q)
	if err != nil {
		return 0, storeErr(err)
	}
	return result.RowsAffected(), nil
}
