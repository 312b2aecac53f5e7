package service

import (
	"context"

	"github.com/diagnosis/mailauth/internal/domain"
)

// AuthService is the composition root for the auth flows: request a
// code, trade a verified code for tokens, refresh, logout, validate.
type AuthService struct {
	codes  *AuthCodeService
	tokens *TokenService
}

func NewAuthService(codes *AuthCodeService, tokens *TokenService) *AuthService {
	return &AuthService{
		codes:  codes,
		tokens: tokens,
	}
}

func (s *AuthService) RequestCode(ctx context.Context, req *domain.RequestCodeInput, ip, userAgent string) (*domain.RequestCodeResult, error) {
	return s.codes.RequestCode(ctx, req, ip, userAgent)
}

func (s *AuthService) VerifyCode(ctx context.Context, req *domain.VerifyCodeInput, ip, userAgent string) (*domain.SessionResult, error) {
	account, _, err := s.codes.VerifyCode(ctx, req, ip, userAgent)
	if err != nil {
		return nil, err
	}

	accessToken, refreshToken, err := s.tokens.Issue(account)
	if err != nil {
		return nil, err
	}

	return &domain.SessionResult{
		Account:      account.ToAccountInfo(),
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.tokens.AccessTokenTTL().Seconds()),
	}, nil
}

func (s *AuthService) Refresh(ctx context.Context, req *domain.RefreshInput) (*domain.RefreshResult, error) {
	accessToken, err := s.tokens.Refresh(ctx, req.RefreshToken)
	if err != nil {
		return nil, err
	}

	return &domain.RefreshResult{
		AccessToken: accessToken,
		ExpiresIn:   int64(s.tokens.AccessTokenTTL().Seconds()),
	}, nil
}

func (s *AuthService) Logout(ctx context.Context, accessToken, ip, userAgent string) error {
	return s.tokens.Revoke(ctx, accessToken, ip, userAgent)
}

func (s *AuthService) Validate(ctx context.Context, token string) (*domain.AccountInfo, error) {
	account, _, err := s.tokens.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	return account.ToAccountInfo(), nil
}
