package service

import (
	"context"
	"time"

	"github.com/diagnosis/mailauth/internal/domain"
	"github.com/diagnosis/mailauth/internal/repository/postgres"
	"github.com/diagnosis/mailauth/pkg/events"
	"github.com/diagnosis/mailauth/pkg/logger"
)

// SecurityAuditLog appends security events to the durable trail and
// mirrors them onto the event bus. Both writes are best-effort: a
// failed audit write never aborts the flow that produced it.
type SecurityAuditLog struct {
	repo postgres.AuditRepository
	bus  events.Publisher
}

func NewSecurityAuditLog(repo postgres.AuditRepository, bus events.Publisher) *SecurityAuditLog {
	return &SecurityAuditLog{repo: repo, bus: bus}
}

var eventSubjects = map[string]string{
	domain.ActionCodeRequested:   events.CodeRequested,
	domain.ActionLoginSucceeded:  events.LoginSucceeded,
	domain.ActionLoginFailed:     events.LoginFailed,
	domain.ActionAccountLocked:   events.AccountLocked,
	domain.ActionAccountUnlocked: events.AccountUnlocked,
	domain.ActionTokenRevoked:    events.TokenRevoked,
}

func (a *SecurityAuditLog) Record(ctx context.Context, accountID *string, action, ip, userAgent, details, severity string) {
	event := &domain.SecurityEvent{
		AccountID: accountID,
		Action:    action,
		IP:        ip,
		UserAgent: userAgent,
		Details:   details,
		Severity:  severity,
		CreatedAt: time.Now(),
	}

	if err := a.repo.Insert(ctx, event); err != nil {
		logger.ErrorContext(ctx, "Failed to write security event",
			"error", err, "action", action, "severity", severity)
	}

	if a.bus == nil {
		return
	}
	subject, ok := eventSubjects[action]
	if !ok {
		return
	}

	msg := events.SecurityEventMessage{
		Action:    action,
		IP:        ip,
		UserAgent: userAgent,
		Details:   details,
		Severity:  severity,
		CreatedAt: event.CreatedAt,
	}
	if accountID != nil {
		msg.AccountID = *accountID
	}
	if err := a.bus.Publish(ctx, subject, msg); err != nil {
		logger.WarnContext(ctx, "Failed to publish security event", "error", err, "subject", subject)
	}
}
