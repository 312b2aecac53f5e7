package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds returned by the auth core. Handlers map these onto HTTP
// statuses; messages are kept generic on purpose so callers cannot
// distinguish a wrong code from an expired one.
var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrAccountLocked         = errors.New("account temporarily locked")
	ErrCodeNotFoundOrExpired = errors.New("code invalid or expired")
	ErrCodeAttemptsExceeded  = errors.New("too many attempts for this code")
	ErrCodeInvalid           = errors.New("code invalid or expired")
	ErrDeliveryFailed        = errors.New("could not deliver code")
	ErrTokenInvalid          = errors.New("token invalid")
	ErrStoreUnavailable      = errors.New("storage unavailable")
)

// RateLimitedError carries the moment the offending window resets.
type RateLimitedError struct {
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.ResetAt.UTC().Format(time.RFC3339))
}

// CooldownError carries how long the caller must wait before the next
// code request for the same email.
type CooldownError struct {
	RetryAt time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("code recently sent, retry after %s", e.RetryAt.UTC().Format(time.RFC3339))
}

func IsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

func IsCooldown(err error) (*CooldownError, bool) {
	var cd *CooldownError
	if errors.As(err, &cd) {
		return cd, true
	}
	return nil, false
}
