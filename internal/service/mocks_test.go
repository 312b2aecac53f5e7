package service_test

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/diagnosis/mailauth/internal/domain"
	"github.com/diagnosis/mailauth/pkg/config"
)

// ---------- Mocks ----------

type memAccountRepo struct {
	mu       sync.Mutex
	accounts map[string]*domain.Account // id -> account
	byKey    map[string]string          // email_key -> id
	failErr  error
}

func newMemAccountRepo() *memAccountRepo {
	return &memAccountRepo{
		accounts: make(map[string]*domain.Account),
		byKey:    make(map[string]string),
	}
}

func copyAccount(a *domain.Account) *domain.Account {
	if a == nil {
		return nil
	}
	cp := *a
	if a.LockedUntil != nil {
		t := *a.LockedUntil
		cp.LockedUntil = &t
	}
	if a.LastLoginAt != nil {
		t := *a.LastLoginAt
		cp.LastLoginAt = &t
	}
	return &cp
}

func (m *memAccountRepo) Create(_ context.Context, id, email, emailKey, role string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	a := &domain.Account{
		ID:        id,
		Email:     email,
		EmailKey:  emailKey,
		Role:      role,
		CreatedAt: time.Now(),
	}
	m.accounts[id] = a
	m.byKey[emailKey] = id
	return copyAccount(a), nil
}

func (m *memAccountRepo) FindByEmailKey(_ context.Context, emailKey string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	id, ok := m.byKey[emailKey]
	if !ok {
		return nil, nil
	}
	return copyAccount(m.accounts[id]), nil
}

func (m *memAccountRepo) FindByID(_ context.Context, id string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	return copyAccount(m.accounts[id]), nil
}

func (m *memAccountRepo) IncrementFailedAttempts(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.accounts[id]
	a.FailedAttempts++
	return a.FailedAttempts, nil
}

func (m *memAccountRepo) Lock(_ context.Context, id string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[id].LockedUntil = &until
	return nil
}

func (m *memAccountRepo) ClearExpiredLock(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.accounts[id]
	if a.LockedUntil == nil || a.LockedUntil.After(now) {
		return false, nil
	}
	a.LockedUntil = nil
	a.FailedAttempts = 0
	return true, nil
}

func (m *memAccountRepo) RecordLogin(_ context.Context, id, ip string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.accounts[id]
	a.FailedAttempts = 0
	a.LockedUntil = nil
	a.LastLoginAt = &at
	a.LastLoginIP = ip
	return nil
}

type memCodeRepo struct {
	mu    sync.Mutex
	codes []*domain.AuthCode
}

func newMemCodeRepo() *memCodeRepo {
	return &memCodeRepo{}
}

func (m *memCodeRepo) ReplaceUnused(_ context.Context, code *domain.AuthCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.codes {
		if c.EmailKey == code.EmailKey && !c.Used {
			c.Used = true
		}
	}
	cp := *code
	m.codes = append(m.codes, &cp)
	return nil
}

func (m *memCodeRepo) Claim(_ context.Context, emailKey string, maxAttempts int, now time.Time) (*domain.AuthCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*domain.AuthCode
	for _, c := range m.codes {
		if c.EmailKey == emailKey && !c.Used && c.ExpiresAt.After(now) && c.Attempts < maxAttempts {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})

	winner := candidates[0]
	winner.Used = true
	cp := *winner
	return &cp, nil
}

func (m *memCodeRepo) Release(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.codes {
		if c.ID == id {
			c.Used = false
			c.Attempts++
			return c.Attempts, nil
		}
	}
	return 0, nil
}

func (m *memCodeRepo) LastRequestAt(_ context.Context, emailKey string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *time.Time
	for _, c := range m.codes {
		if c.EmailKey == emailKey {
			t := c.CreatedAt
			if latest == nil || t.After(*latest) {
				latest = &t
			}
		}
	}
	return latest, nil
}

func (m *memCodeRepo) DeleteExpired(_ context.Context) (int64, error) { return 0, nil }

func (m *memCodeRepo) unusedCount(emailKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.codes {
		if c.EmailKey == emailKey && !c.Used {
			n++
		}
	}
	return n
}

// backdateLast rewinds the latest code for an email so cooldown and
// expiry can be simulated without sleeping.
func (m *memCodeRepo) backdateLast(emailKey string, createdAt, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.AuthCode
	for _, c := range m.codes {
		if c.EmailKey == emailKey {
			if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
				latest = c
			}
		}
	}
	if latest != nil {
		latest.CreatedAt = createdAt
		latest.ExpiresAt = expiresAt
	}
}

type rateKey struct {
	identifier, kind, action string
}

type memRateRepo struct {
	mu      sync.Mutex
	windows map[rateKey]*domain.RateLimitWindow
}

func newMemRateRepo() *memRateRepo {
	return &memRateRepo{windows: make(map[rateKey]*domain.RateLimitWindow)}
}

func (m *memRateRepo) Upsert(_ context.Context, identifier, kind, action string, window time.Duration, now time.Time) (int, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := rateKey{identifier, kind, action}
	w, ok := m.windows[k]
	if !ok || now.Sub(w.WindowStart) >= window {
		w = &domain.RateLimitWindow{
			Identifier:  identifier,
			Kind:        kind,
			Action:      action,
			Count:       1,
			WindowStart: now,
		}
		m.windows[k] = w
		return 1, w.WindowStart, nil
	}
	w.Count++
	return w.Count, w.WindowStart, nil
}

func (m *memRateRepo) DeleteStale(_ context.Context, _ time.Duration) (int64, error) { return 0, nil }

type memRevocationRepo struct {
	mu      sync.Mutex
	entries map[string]*domain.RevocationEntry
}

func newMemRevocationRepo() *memRevocationRepo {
	return &memRevocationRepo{entries: make(map[string]*domain.RevocationEntry)}
}

func (m *memRevocationRepo) Add(_ context.Context, entry *domain.RevocationEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[entry.TokenID]; !ok {
		cp := *entry
		m.entries[entry.TokenID] = &cp
	}
	return nil
}

func (m *memRevocationRepo) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[tokenID]
	return ok && e.ExpiresAt.After(time.Now()), nil
}

func (m *memRevocationRepo) DeleteExpired(_ context.Context) (int64, error) { return 0, nil }

type memAuditRepo struct {
	mu     sync.Mutex
	events []*domain.SecurityEvent
}

func newMemAuditRepo() *memAuditRepo {
	return &memAuditRepo{}
}

func (m *memAuditRepo) Insert(_ context.Context, event *domain.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *event
	m.events = append(m.events, &cp)
	return nil
}

func (m *memAuditRepo) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Action)
	}
	return out
}

type mockMailer struct {
	mu       sync.Mutex
	lastTo   string
	lastCode string
	sendErr  error
}

func (m *mockMailer) SendLoginCode(_ context.Context, toEmail, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTo = toEmail
	m.lastCode = code
	return m.sendErr
}

func (m *mockMailer) sentCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCode
}

// ---------- Fixture ----------

func testConfig() *config.Config {
	cfg := config.Load()
	cfg.Auth.CodeTTL = 10 * time.Minute
	cfg.Auth.CodeCooldown = 60 * time.Second
	cfg.Auth.LockoutThreshold = 5
	cfg.Auth.LockoutDuration = 15 * time.Minute
	cfg.Limits.Window = 15 * time.Minute
	cfg.Limits.CodeRequestsPerIP = 5
	cfg.Limits.CodeRequestsPerEmail = 3
	cfg.Limits.VerifyAttemptsPerIP = 100
	cfg.Email.SendTimeout = time.Second
	return cfg
}
