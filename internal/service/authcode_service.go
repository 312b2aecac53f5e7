package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/diagnosis/mailauth/internal/domain"
	"github.com/diagnosis/mailauth/internal/mailer"
	"github.com/diagnosis/mailauth/internal/repository/postgres"
	"github.com/diagnosis/mailauth/pkg/config"
	"github.com/diagnosis/mailauth/pkg/logger"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// AuthCodeService owns the one-time code lifecycle: issue, deliver,
// verify. Verification claims the code through a single conditional
// write, so two racing attempts can never both consume it.
type AuthCodeService struct {
	codes    postgres.AuthCodeRepository
	accounts postgres.AccountRepository
	limiter  *RateLimiter
	lockout  *LockoutGuard
	audit    *SecurityAuditLog
	mailer   mailer.Service
	config   *config.Config
}

func NewAuthCodeService(
	codes postgres.AuthCodeRepository,
	accounts postgres.AccountRepository,
	limiter *RateLimiter,
	lockout *LockoutGuard,
	audit *SecurityAuditLog,
	mailer mailer.Service,
	config *config.Config,
) *AuthCodeService {
	return &AuthCodeService{
		codes:    codes,
		accounts: accounts,
		limiter:  limiter,
		lockout:  lockout,
		audit:    audit,
		mailer:   mailer,
		config:   config,
	}
}

func (s *AuthCodeService) RequestCode(ctx context.Context, req *domain.RequestCodeInput, ip, userAgent string) (*domain.RequestCodeResult, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, s.rejectRequest(ctx, nil, ip, userAgent, err)
	}

	emailKey := domain.EmailKey(req.Email)

	account, err := s.accounts.FindByEmailKey(ctx, emailKey)
	if err != nil {
		return nil, err
	}
	var accountID *string
	if account != nil {
		accountID = &account.ID
	}

	if err := s.lockout.EnsureOpen(ctx, account, ip, userAgent); err != nil {
		return nil, s.rejectRequest(ctx, accountID, ip, userAgent, err)
	}

	ipLimit, err := s.limiter.Check(ctx, ip, domain.LimitKindIP, domain.LimitActionCodeRequest,
		s.config.Limits.Window, s.config.Limits.CodeRequestsPerIP)
	if err != nil {
		return nil, err
	}
	if !ipLimit.Allowed {
		return nil, s.rejectRequest(ctx, accountID, ip, userAgent, &domain.RateLimitedError{ResetAt: ipLimit.ResetAt})
	}

	emailLimit, err := s.limiter.Check(ctx, emailKey, domain.LimitKindEmail, domain.LimitActionCodeRequest,
		s.config.Limits.Window, s.config.Limits.CodeRequestsPerEmail)
	if err != nil {
		return nil, err
	}
	if !emailLimit.Allowed {
		return nil, s.rejectRequest(ctx, accountID, ip, userAgent, &domain.RateLimitedError{ResetAt: emailLimit.ResetAt})
	}

	now := time.Now()

	// Tighter than the window limiter: one code per email per cooldown.
	lastAt, err := s.codes.LastRequestAt(ctx, emailKey)
	if err != nil {
		return nil, err
	}
	if lastAt != nil && now.Sub(*lastAt) < s.config.Auth.CodeCooldown {
		retryAt := lastAt.Add(s.config.Auth.CodeCooldown)
		return nil, s.rejectRequest(ctx, accountID, ip, userAgent, &domain.CooldownError{RetryAt: retryAt})
	}

	code, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}

	codeHash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash code: %w", err)
	}

	authCode := &domain.AuthCode{
		ID:        uuid.NewString(),
		EmailKey:  emailKey,
		CodeHash:  string(codeHash),
		ExpiresAt: now.Add(s.config.Auth.CodeTTL),
		IP:        ip,
		UserAgent: userAgent,
		CreatedAt: now,
	}
	// One atomic write retires prior codes and stores this one, so at
	// most one live code exists per email at any instant.
	if err := s.codes.ReplaceUnused(ctx, authCode); err != nil {
		return nil, err
	}

	// The code row stays even if the send fails: a retry inside the
	// cooldown reuses the same rate-limit accounting instead of minting
	// codes without bound.
	sendCtx, cancel := context.WithTimeout(ctx, s.config.Email.SendTimeout)
	defer cancel()
	if err := s.mailer.SendLoginCode(sendCtx, req.Email, code); err != nil {
		logger.ErrorContext(ctx, "Failed to deliver sign-in code", "error", err)
		return nil, s.rejectRequest(ctx, accountID, ip, userAgent,
			fmt.Errorf("%w: %v", domain.ErrDeliveryFailed, err))
	}

	s.audit.Record(ctx, accountID, domain.ActionCodeRequested, ip, userAgent,
		"sign-in code issued", domain.SeverityLow)

	return &domain.RequestCodeResult{
		CodeID:               authCode.ID,
		ExpiresAt:            authCode.ExpiresAt,
		NextRequestAllowedAt: now.Add(s.config.Auth.CodeCooldown),
	}, nil
}

func (s *AuthCodeService) VerifyCode(ctx context.Context, req *domain.VerifyCodeInput, ip, userAgent string) (account *domain.Account, isNew bool, err error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	emailKey := domain.EmailKey(req.Email)

	account, err = s.accounts.FindByEmailKey(ctx, emailKey)
	if err != nil {
		return nil, false, err
	}
	var accountID *string
	if account != nil {
		accountID = &account.ID
	}

	// Lock state is checked before any code row is touched, and the
	// error stays generic so a locked caller learns nothing about the
	// code itself.
	if err := s.lockout.EnsureOpen(ctx, account, ip, userAgent); err != nil {
		s.audit.Record(ctx, accountID, domain.ActionLoginFailed, ip, userAgent,
			"verification rejected: account locked", domain.SeverityMedium)
		return nil, false, err
	}

	verifyLimit, err := s.limiter.Check(ctx, ip, domain.LimitKindIP, domain.LimitActionVerifyAttempt,
		s.config.Limits.Window, s.config.Limits.VerifyAttemptsPerIP)
	if err != nil {
		return nil, false, err
	}
	if !verifyLimit.Allowed {
		s.audit.Record(ctx, accountID, domain.ActionLoginFailed, ip, userAgent,
			"verification rejected: rate limited", domain.SeverityMedium)
		return nil, false, &domain.RateLimitedError{ResetAt: verifyLimit.ResetAt}
	}

	now := time.Now()

	// Claim-then-compare: the digest comparison only ever runs in the
	// request that won the conditional write.
	claimed, err := s.codes.Claim(ctx, emailKey, domain.MaxVerificationAttempts, now)
	if err != nil {
		return nil, false, err
	}
	if claimed == nil {
		s.audit.Record(ctx, accountID, domain.ActionLoginFailed, ip, userAgent,
			"verification failed: no claimable code", domain.SeverityMedium)
		return nil, false, domain.ErrCodeNotFoundOrExpired
	}

	if bcrypt.CompareHashAndPassword([]byte(claimed.CodeHash), []byte(req.Code)) != nil {
		return nil, false, s.handleMismatch(ctx, claimed, account, ip, userAgent)
	}

	// Digest matched; the code stays consumed for good.
	if account == nil {
		account, err = s.createAccount(ctx, req.Email, emailKey, ip, userAgent)
		if err != nil {
			return nil, false, err
		}
		isNew = true
	}

	if err := s.accounts.RecordLogin(ctx, account.ID, ip, now); err != nil {
		return nil, false, err
	}
	account.FailedAttempts = 0
	account.LockedUntil = nil

	s.audit.Record(ctx, &account.ID, domain.ActionLoginSucceeded, ip, userAgent,
		"sign-in code verified", domain.SeverityLow)

	return account, isNew, nil
}

// handleMismatch releases the claimed row so remaining attempts can
// retry it, and feeds the account's failure counter.
func (s *AuthCodeService) handleMismatch(ctx context.Context, claimed *domain.AuthCode, account *domain.Account, ip, userAgent string) error {
	attempts, err := s.codes.Release(ctx, claimed.ID)
	if err != nil {
		return err
	}

	var accountID *string
	if account != nil {
		accountID = &account.ID

		locked, until, err := s.lockout.RecordFailure(ctx, account.ID)
		if err != nil {
			return err
		}
		if locked {
			s.audit.Record(ctx, accountID, domain.ActionAccountLocked, ip, userAgent,
				fmt.Sprintf("account locked until %s after repeated failures", until.UTC().Format(time.RFC3339)),
				domain.SeverityHigh)
		}
	}

	s.audit.Record(ctx, accountID, domain.ActionLoginFailed, ip, userAgent,
		"verification failed: wrong code", domain.SeverityMedium)

	if attempts >= domain.MaxVerificationAttempts {
		return domain.ErrCodeAttemptsExceeded
	}
	return domain.ErrCodeInvalid
}

func (s *AuthCodeService) createAccount(ctx context.Context, email, emailKey, ip, userAgent string) (*domain.Account, error) {
	role := domain.RoleUser
	for _, admin := range s.config.Auth.AdminEmails {
		if admin == email {
			role = domain.RoleAdmin
			break
		}
	}

	account, err := s.accounts.Create(ctx, uuid.NewString(), email, emailKey, role)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, &account.ID, domain.ActionAccountCreated, ip, userAgent,
		"account created on first verified sign-in", domain.SeverityLow)

	return account, nil
}

func (s *AuthCodeService) rejectRequest(ctx context.Context, accountID *string, ip, userAgent string, cause error) error {
	s.audit.Record(ctx, accountID, domain.ActionCodeRejected, ip, userAgent,
		"code request rejected: "+cause.Error(), domain.SeverityMedium)
	return cause
}

// generateCode draws a uniformly random 6-digit code from crypto/rand.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
