package postgres

import (
	"context"
	"time"

	"github.com/diagnosis/mailauth/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AuditRepository interface {
	Insert(ctx context.Context, event *domain.SecurityEvent) error
}

type auditRepository struct {
	pool *pgxpool.Pool
}

func NewAuditRepository(pool *pgxpool.Pool) AuditRepository {
	return &auditRepository{pool: pool}
}

func (r *auditRepository) Insert(ctx context.Context, event *domain.SecurityEvent) error {
	const q = `
		INSERT INTO security_events (account_id, action, ip, user_agent, details, severity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err := r.pool.Exec(ctx, q,
		event.AccountID, event.Action, event.IP, event.UserAgent,
		event.Details, event.Severity, event.CreatedAt,
	)
	if err != nil {
		return storeErr(err)
	}
	return nil
}
