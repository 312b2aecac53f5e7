package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"
)

type Account struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	EmailKey       string     `json:"-"`
	Role           string     `json:"role"`
	FailedAttempts int        `json:"-"`
	LockedUntil    *time.Time `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
	LastLoginAt    *time.Time `json:"last_login_at,omitempty"`
	LastLoginIP    string     `json:"-"`
}

type AccountInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Valid account roles
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

func IsValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// NormalizeEmail lowercases and trims an address so that every lookup
// and digest works off the same form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// EmailKey derives the indexed lookup key for an address. The store only
// ever matches on this digest, never on the raw email.
func EmailKey(email string) string {
	sum := sha256.Sum256([]byte(NormalizeEmail(email)))
	return hex.EncodeToString(sum[:])
}

func (a *Account) IsLocked(now time.Time) bool {
	return a.LockedUntil != nil && now.Before(*a.LockedUntil)
}

// ToAccountInfo strips fields that never leave the service.
func (a *Account) ToAccountInfo() *AccountInfo {
	return &AccountInfo{
		ID:    a.ID,
		Email: a.Email,
		Role:  a.Role,
	}
}
