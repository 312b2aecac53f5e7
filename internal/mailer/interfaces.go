package mailer

import "context"

// Service delivers one-time login codes. Implementations must respect
// the context deadline; the caller bounds every send with a timeout.
type Service interface {
	SendLoginCode(ctx context.Context, toEmail, code string) error
}
