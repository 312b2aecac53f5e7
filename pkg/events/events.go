package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/diagnosis/mailauth/pkg/logger"
	"github.com/nats-io/nats.go"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
	Close() error
}

type NATSEventBus struct {
	conn *nats.Conn
}

func NewNATSEventBus(url string) (*NATSEventBus, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSEventBus{conn: conn}, nil
}

func (n *NATSEventBus) Publish(ctx context.Context, subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	logger.DebugContext(ctx, "Publishing event", "subject", subject)

	return n.conn.Publish(subject, payload)
}

func (n *NATSEventBus) Close() error {
	n.conn.Close()
	return nil
}

// Event subjects
const (
	CodeRequested   = "auth.code.requested"
	LoginSucceeded  = "auth.login.succeeded"
	LoginFailed     = "auth.login.failed"
	AccountLocked   = "auth.account.locked"
	AccountUnlocked = "auth.account.unlocked"
	TokenRevoked    = "auth.token.revoked"
)

// SecurityEventMessage mirrors the durable audit row for downstream
// consumers (alerting, SIEM forwarding). The raw email never rides on
// the bus, only the account id and request metadata.
type SecurityEventMessage struct {
	AccountID string    `json:"account_id,omitempty"`
	Action    string    `json:"action"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"user_agent"`
	Details   string    `json:"details"`
	Severity  string    `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}
