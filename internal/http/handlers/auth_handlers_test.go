package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagnosis/mailauth/internal/domain"
	"github.com/diagnosis/mailauth/internal/http/handlers"
	"github.com/diagnosis/mailauth/internal/service"
	"github.com/diagnosis/mailauth/pkg/config"
)

// ---------- Mocks ----------

type mockMailer struct {
	mu       sync.Mutex
	lastTo   string
	lastCode string
}

func (m *mockMailer) SendLoginCode(_ context.Context, toEmail, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTo = toEmail
	m.lastCode = code
	return nil
}

func (m *mockMailer) sentCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCode
}

type memAccounts struct {
	mu       sync.Mutex
	accounts map[string]*domain.Account
	byKey    map[string]string
}

func newMemAccounts() *memAccounts {
	return &memAccounts{accounts: map[string]*domain.Account{}, byKey: map[string]string{}}
}

func (m *memAccounts) Create(_ context.Context, id, email, emailKey, role string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := &domain.Account{ID: id, Email: email, EmailKey: emailKey, Role: role, CreatedAt: time.Now()}
	m.accounts[id] = a
	m.byKey[emailKey] = id
	cp := *a
	return &cp, nil
}

func (m *memAccounts) FindByEmailKey(_ context.Context, emailKey string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[emailKey]
	if !ok {
		return nil, nil
	}
	cp := *m.accounts[id]
	return &cp, nil
}

func (m *memAccounts) FindByID(_ context.Context, id string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *memAccounts) IncrementFailedAttempts(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.accounts[id]
	a.FailedAttempts++
	return a.FailedAttempts, nil
}

func (m *memAccounts) Lock(_ context.Context, id string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[id].LockedUntil = &until
	return nil
}

func (m *memAccounts) ClearExpiredLock(_ context.Context, id string, now time.Time) (bool, error) {
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

func (m *memAccounts) RecordLogin(_ context.Context, id, ip string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.accounts[id]
	a.FailedAttempts = 0
	a.LockedUntil = nil
	a.LastLoginAt = &at
	a.LastLoginIP = ip
	return nil
}

type memCodes struct {
	mu    sync.Mutex
	codes []*domain.AuthCode
}

func (m *memCodes) ReplaceUnused(_ context.Context, code *domain.AuthCode) error {
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

func (m *memCodes) Claim(_ context.Context, emailKey string, maxAttempts int, now time.Time) (*domain.AuthCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var live []*domain.AuthCode
	for _, c := range m.codes {
		if c.EmailKey == emailKey && !c.Used && c.ExpiresAt.After(now) && c.Attempts < maxAttempts {
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		return nil, nil
	}
	sort.Slice(live, func(i, j int) bool { return live[i].CreatedAt.After(live[j].CreatedAt) })
	live[0].Used = true
	cp := *live[0]
	return &cp, nil
}

func (m *memCodes) Release(_ context.Context, id string) (int, error) {
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

func (m *memCodes) LastRequestAt(_ context.Context, emailKey string) (*time.Time, error) {
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

func (m *memCodes) DeleteExpired(_ context.Context) (int64, error) { return 0, nil }

type memRates struct {
	mu      sync.Mutex
	windows map[string]*domain.RateLimitWindow
}

func (m *memRates) Upsert(_ context.Context, identifier, kind, action string, window time.Duration, now time.Time) (int, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.windows == nil {
		m.windows = map[string]*domain.RateLimitWindow{}
	}
	k := identifier + "|" + kind + "|" + action
	w, ok := m.windows[k]
	if !ok || now.Sub(w.WindowStart) >= window {
		w = &domain.RateLimitWindow{Count: 1, WindowStart: now}
		m.windows[k] = w
		return 1, now, nil
	}
	w.Count++
	return w.Count, w.WindowStart, nil
}

func (m *memRates) DeleteStale(_ context.Context, _ time.Duration) (int64, error) { return 0, nil }

type memRevoked struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func (m *memRevoked) Add(_ context.Context, entry *domain.RevocationEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = map[string]time.Time{}
	}
	m.entries[entry.TokenID] = entry.ExpiresAt
	return nil
}

func (m *memRevoked) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.entries[tokenID]
	return ok && exp.After(time.Now()), nil
}

func (m *memRevoked) DeleteExpired(_ context.Context) (int64, error) { return 0, nil }

type memAudit struct{}

func (memAudit) Insert(_ context.Context, _ *domain.SecurityEvent) error { return nil }

// ---------- Fixture ----------

type fixture struct {
	router *chi.Mux
	mailer *mockMailer
}

func newFixture(mutate func(*config.Config)) *fixture {
	cfg := config.Load()
	cfg.Auth.CodeTTL = 10 * time.Minute
	cfg.Auth.CodeCooldown = time.Minute
	cfg.Auth.LockoutThreshold = 5
	cfg.Auth.LockoutDuration = 15 * time.Minute
	cfg.Limits.Window = 15 * time.Minute
	cfg.Limits.CodeRequestsPerIP = 10
	cfg.Limits.CodeRequestsPerEmail = 10
	cfg.Limits.VerifyAttemptsPerIP = 100
	cfg.Email.SendTimeout = time.Second
	if mutate != nil {
		mutate(cfg)
	}

	accounts := newMemAccounts()
	m := &mockMailer{}

	auditLog := service.NewSecurityAuditLog(memAudit{}, nil)
	limiter := service.NewRateLimiter(&memRates{})
	lockout := service.NewLockoutGuard(accounts, auditLog, cfg.Auth.LockoutThreshold, cfg.Auth.LockoutDuration)
	codeService := service.NewAuthCodeService(&memCodes{}, accounts, limiter, lockout, auditLog, m, cfg)
	tokenService := service.NewTokenService(
		accounts, &memRevoked{}, auditLog,
		"test-access", "test-refresh",
		cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL,
		cfg.Auth.Issuer, cfg.Auth.Audience,
	)
	authService := service.NewAuthService(codeService, tokenService)

	h := handlers.New(authService)
	r := chi.NewRouter()
	r.Route("/auth", func(r chi.Router) {
		r.Post("/request-code", h.RequestCode)
		r.Post("/verify", h.VerifyCode)
		r.Post("/refresh", h.Refresh)
		r.Post("/logout", h.Logout)
		r.Get("/validate", h.Validate)
	})

	return &fixture{router: r, mailer: m}
}

func (f *fixture) post(t *testing.T, path string, body interface{}, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// ---------- Tests ----------

func TestRequestCodeEndpoint(t *testing.T) {
	f := newFixture(nil)

	rec := f.post(t, "/auth/request-code", map[string]string{"email": "new@example.com"}, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.NotEmpty(t, body["code_id"])
	assert.Equal(t, "new@example.com", f.mailer.lastTo)
}

func TestRequestCodeEndpointInvalidEmail(t *testing.T) {
	f := newFixture(nil)

	rec := f.post(t, "/auth/request-code", map[string]string{"email": "nope"}, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", decode(t, rec)["code"])
}

func TestRequestCodeEndpointRateLimited(t *testing.T) {
	f := newFixture(func(cfg *config.Config) {
		cfg.Limits.CodeRequestsPerIP = 1
	})

	rec := f.post(t, "/auth/request-code", map[string]string{"email": "a@example.com"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.post(t, "/auth/request-code", map[string]string{"email": "b@example.com"}, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", decode(t, rec)["code"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestVerifyEndpointWrongCode(t *testing.T) {
	f := newFixture(nil)

	rec := f.post(t, "/auth/request-code", map[string]string{"email": "new@example.com"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	wrong := "000000"
	if f.mailer.sentCode() == wrong {
		wrong = "000001"
	}

	rec = f.post(t, "/auth/verify", map[string]string{"email": "new@example.com", "code": wrong}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "CODE_INVALID", decode(t, rec)["code"])
}

func TestFullSessionLifecycle(t *testing.T) {
	f := newFixture(nil)

	// Request a code.
	rec := f.post(t, "/auth/request-code", map[string]string{"email": "new@example.com"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Verify it and collect the token pair.
	rec = f.post(t, "/auth/verify", map[string]string{"email": "new@example.com", "code": f.mailer.sentCode()}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	session := decode(t, rec)
	accessToken, _ := session["access_token"].(string)
	refreshToken, _ := session["refresh_token"].(string)
	require.NotEmpty(t, accessToken)
	require.NotEmpty(t, refreshToken)
	account := session["account"].(map[string]interface{})
	assert.Equal(t, "new@example.com", account["email"])
	assert.Equal(t, domain.RoleUser, account["role"])

	bearer := http.Header{"Authorization": []string{"Bearer " + accessToken}}

	// The access token validates.
	req := httptest.NewRequest(http.MethodGet, "/auth/validate", nil)
	req.Header = bearer.Clone()
	vrec := httptest.NewRecorder()
	f.router.ServeHTTP(vrec, req)
	require.Equal(t, http.StatusOK, vrec.Code)
	assert.Equal(t, true, decode(t, vrec)["valid"])

	// Refresh yields a fresh access token.
	rec = f.post(t, "/auth/refresh", map[string]string{"refresh_token": refreshToken}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode(t, rec)["access_token"])

	// Logout revokes the access token.
	rec = f.post(t, "/auth/logout", nil, bearer)
	require.Equal(t, http.StatusOK, rec.Code)

	// The same token is now rejected everywhere.
	req = httptest.NewRequest(http.MethodGet, "/auth/validate", nil)
	req.Header = bearer.Clone()
	vrec = httptest.NewRecorder()
	f.router.ServeHTTP(vrec, req)
	require.Equal(t, http.StatusUnauthorized, vrec.Code)
	assert.Equal(t, "INVALID_TOKEN", decode(t, vrec)["code"])
}

func TestRefreshEndpointMissingToken(t *testing.T) {
	f := newFixture(nil)

	rec := f.post(t, "/auth/refresh", map[string]string{}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogoutEndpointMissingHeader(t *testing.T) {
	f := newFixture(nil)

	rec := f.post(t, "/auth/logout", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
