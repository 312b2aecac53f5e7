package postgres

import (
	"context"
	"time"

	"github.com/diagnosis/mailauth/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

type RevocationRepository interface {
	Add(ctx context.Context, entry *domain.RevocationEntry) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

type revocationRepository struct {
	pool *pgxpool.Pool
}

func NewRevocationRepository(pool *pgxpool.Pool) RevocationRepository {
	return &revocationRepository{pool: pool}
}

func (r *revocationRepository) Add(ctx context.Context, entry *domain.RevocationEntry) error {
	// Revoking twice is a no-op, not an error.
	const q = `
		INSERT INTO revoked_tokens (token_id, account_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_id) DO NOTHING`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if _, err := r.pool.Exec(ctx, q, entry.TokenID, entry.AccountID, entry.ExpiresAt); err != nil {
		return storeErr(err)
	}
	return nil
}

func (r *revocationRepository) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	const q = `
		SELECT EXISTS (
			SELECT 1 FROM revoked_tokens
			WHERE token_id = $1 AND expires_at > now()
		)`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var revoked bool
	if err := r.pool.QueryRow(ctx, q, tokenID).Scan(&revoked); err != nil {
		return false, storeErr(err)
	}
	return revoked, nil
}

func (r *revocationRepository) DeleteExpired(ctx context.Context) (int64, error) {
	const q = `DELETE FROM revoked_tokens WHERE expires_at < now()`

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q)
	if err != nil {
		return 0, storeErr(err)
	}
	return result.RowsAffected(), nil
}
