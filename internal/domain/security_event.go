package domain

import "time"

// SecurityEvent is an append-only audit fact. Rows are never updated or
// deleted by the service.
type SecurityEvent struct {
	ID        int64     `json:"id"`
	AccountID *string   `json:"account_id,omitempty"`
	Action    string    `json:"action"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"user_agent"`
	Details   string    `json:"details"`
	Severity  string    `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Audit action tags
const (
	ActionCodeRequested   = "code_requested"
	ActionCodeRejected    = "code_request_rejected"
	ActionLoginSucceeded  = "login_succeeded"
	ActionLoginFailed     = "login_failed"
	ActionAccountCreated  = "account_created"
	ActionAccountLocked   = "account_locked"
	ActionAccountUnlocked = "account_unlocked"
	ActionTokenRevoked    = "token_revoked"
)

// RevocationEntry marks one token id as dead for the remainder of the
// token's own lifetime.
type RevocationEntry struct {
	TokenID   string    `json:"token_id"`
	AccountID string    `json:"account_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RateLimitWindow is the persisted sliding-window counter.
type RateLimitWindow struct {
	Identifier  string    `json:"identifier"`
	Kind        string    `json:"kind"`
	Action      string    `json:"action"`
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
}

// Rate limit identifier kinds and actions
const (
	LimitKindIP    = "ip"
	LimitKindEmail = "email"

	LimitActionCodeRequest   = "code_request"
	LimitActionVerifyAttempt = "verify_attempt"
)
