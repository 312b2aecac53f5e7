package service

import (
	"context"
	"fmt"
	"time"

	"github.com/diagnosis/mailauth/internal/domain"
	"github.com/diagnosis/mailauth/internal/repository/postgres"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const refreshTokenType = "refresh"

type Claims struct {
	Role      string `json:"role,omitempty"`
	TokenType string `json:"typ,omitempty"`
	jwt.RegisteredClaims
}

// TokenService mints and checks the signed session tokens. Access and
// refresh tokens are signed with independent secrets; the jti claim is
// the revocation key.
type TokenService struct {
	accounts postgres.AccountRepository
	revoked  postgres.RevocationRepository
	audit    *SecurityAuditLog

	accessSecret  string
	refreshSecret string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string
	audience      string
}

func NewTokenService(
	accounts postgres.AccountRepository,
	revoked postgres.RevocationRepository,
	audit *SecurityAuditLog,
	accessSecret, refreshSecret string,
	accessTTL, refreshTTL time.Duration,
	issuer, audience string,
) *TokenService {
	return &TokenService{
		accounts:      accounts,
		revoked:       revoked,
		audit:         audit,
		accessSecret:  accessSecret,
		refreshSecret: refreshSecret,
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		issuer:        issuer,
		audience:      audience,
	}
}

func (ts *TokenService) Issue(account *domain.Account) (accessToken, refreshToken string, err error) {
	accessToken, err = ts.mintAccess(account)
	if err != nil {
		return "", "", fmt.Errorf("failed to create access token: %w", err)
	}

	now := time.Now()
	refreshClaims := Claims{
		TokenType: refreshTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   account.ID,
			Issuer:    ts.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.refreshTTL)),
		},
	}
	refreshToken, err = jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims).SignedString([]byte(ts.refreshSecret))
	if err != nil {
		return "", "", fmt.Errorf("failed to create refresh token: %w", err)
	}

	return accessToken, refreshToken, nil
}

func (ts *TokenService) mintAccess(account *domain.Account) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: account.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   account.ID,
			Issuer:    ts.issuer,
			Audience:  []string{ts.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.accessTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(ts.accessSecret))
}

// Validate checks signature and expiry, then revocation, then that the
// subject account still exists. Lock state is deliberately not checked
// here; that belongs to the login boundary.
func (ts *TokenService) Validate(ctx context.Context, tokenString string) (*domain.Account, *Claims, error) {
	claims, err := ts.parse(tokenString, ts.accessSecret, jwt.WithAudience(ts.audience))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrTokenInvalid, err)
	}

	account, err := ts.checkClaims(ctx, claims)
	if err != nil {
		return nil, nil, err
	}
	return account, claims, nil
}

// Refresh exchanges a live refresh token for a fresh access token. The
// refresh token itself is not rotated.
func (ts *TokenService) Refresh(ctx context.Context, refreshToken string) (string, error) {
	claims, err := ts.parse(refreshToken, ts.refreshSecret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTokenInvalid, err)
	}
	if claims.TokenType != refreshTokenType {
		return "", fmt.Errorf("%w: not a refresh token", domain.ErrTokenInvalid)
	}

	account, err := ts.checkClaims(ctx, claims)
	if err != nil {
		return "", err
	}

	accessToken, err := ts.mintAccess(account)
	if err != nil {
		return "", fmt.Errorf("failed to create access token: %w", err)
	}
	return accessToken, nil
}

// Revoke writes a revocation entry for the token's jti. The token is
// decoded even if already expired so a late logout still lands; the
// entry expires when the token would have.
func (ts *TokenService) Revoke(ctx context.Context, tokenString, ip, userAgent string) error {
	claims, err := ts.parseExpired(tokenString, ts.accessSecret)
	if err != nil {
		claims, err = ts.parseExpired(tokenString, ts.refreshSecret)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTokenInvalid, err)
	}
	if claims.ID == "" || claims.Subject == "" || claims.ExpiresAt == nil {
		return fmt.Errorf("%w: missing claims", domain.ErrTokenInvalid)
	}

	entry := &domain.RevocationEntry{
		TokenID:   claims.ID,
		AccountID: claims.Subject,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if err := ts.revoked.Add(ctx, entry); err != nil {
		return err
	}

	ts.audit.Record(ctx, &claims.Subject, domain.ActionTokenRevoked, ip, userAgent,
		"token revoked", domain.SeverityLow)

	return nil
}

func (ts *TokenService) AccessTokenTTL() time.Duration {
	return ts.accessTTL
}

func (ts *TokenService) checkClaims(ctx context.Context, claims *Claims) (*domain.Account, error) {
	revoked, err := ts.revoked.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, fmt.Errorf("%w: revoked", domain.ErrTokenInvalid)
	}

	account, err := ts.accounts.FindByID(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("%w: unknown subject", domain.ErrTokenInvalid)
	}
	return account, nil
}

// parse verifies signature, expiry, and the issuer claim. Access-token
// callers additionally pass jwt.WithAudience; refresh tokens carry no
// audience.
func (ts *TokenService) parse(tokenString, secret string, opts ...jwt.ParserOption) (*Claims, error) {
	opts = append(opts, jwt.WithIssuer(ts.issuer))
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// parseExpired verifies the signature but ignores expiry.
func (ts *TokenService) parseExpired(tokenString, secret string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, err
	}
	return claims, nil
}
