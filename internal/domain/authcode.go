package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

type AuthCode struct {
	ID        string    `json:"id"`
	EmailKey  string    `json:"-"`
	CodeHash  string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"-"`
	Attempts  int       `json:"-"`
	IP        string    `json:"-"`
	UserAgent string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	CodeLength              = 6
	MaxVerificationAttempts = 5
)

var codeRegex = regexp.MustCompile(`^\d{6}$`)

type RequestCodeInput struct {
	Email string `json:"email"`
}

type RequestCodeResult struct {
	CodeID               string    `json:"code_id"`
	ExpiresAt            time.Time `json:"expires_at"`
	NextRequestAllowedAt time.Time `json:"next_request_allowed_at"`
}

type VerifyCodeInput struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type SessionResult struct {
	Account      *AccountInfo `json:"account"`
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresIn    int64        `json:"expires_in"`
}

type RefreshInput struct {
	RefreshToken string `json:"refresh_token"`
}

type RefreshResult struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (r *RequestCodeInput) Normalize() {
	r.Email = NormalizeEmail(r.Email)
}

func (r *RequestCodeInput) Validate() error {
	if r.Email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if !IsValidEmail(r.Email) {
		return fmt.Errorf("%w: invalid email format", ErrInvalidInput)
	}
	return nil
}

func (r *VerifyCodeInput) Normalize() {
	r.Email = NormalizeEmail(r.Email)
	r.Code = strings.TrimSpace(r.Code)
}

func (r *VerifyCodeInput) Validate() error {
	if r.Email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if !IsValidEmail(r.Email) {
		return fmt.Errorf("%w: invalid email format", ErrInvalidInput)
	}
	if !codeRegex.MatchString(r.Code) {
		return fmt.Errorf("%w: code must be %d digits", ErrInvalidInput, CodeLength)
	}
	return nil
}

func (c *AuthCode) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

func (c *AuthCode) CanAttempt(now time.Time) bool {
	return !c.Used && !c.IsExpired(now) && c.Attempts < MaxVerificationAttempts
}
