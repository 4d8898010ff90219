package service

import (
	"context"
	"errors"
	"time"

	"github.com/kalima-platform/auth-service/internal/domain"
	"github.com/kalima-platform/auth-service/internal/repository"
	"github.com/kalima-platform/auth-service/internal/security"
)

type TokenPair struct {
	AccessToken     string
	AccessExpiresAt time.Time
	Refresh         *IssuedRefreshToken
}

// TokenService mints access tokens and pairs them with refresh tokens.
type TokenService struct {
	jwtMgr *security.JWTManager
	store  *RefreshTokenStore
}

func NewTokenService(jwtMgr *security.JWTManager, store *RefreshTokenStore) *TokenService {
	return &TokenService{jwtMgr: jwtMgr, store: store}
}

func (s *TokenService) Issue(ctx context.Context, user *domain.User, meta SessionMeta) (*TokenPair, error) {
	access, exp, err := s.MintAccess(user)
	if err != nil {
		return nil, err
	}
	refresh, err := s.store.Create(ctx, user.ID, meta)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, AccessExpiresAt: exp, Refresh: refresh}, nil
}

// Rotate consumes raw and returns a fresh pair for its owner. The owner is
// loaded before anything is written, so a failed lookup leaves raw usable
// for a retry. The access token reflects the user's current role and
// portals.
func (s *TokenService) Rotate(ctx context.Context, raw string, userFetcher func(ctx context.Context, id uint) (*domain.User, error), meta SessionMeta) (*TokenPair, *domain.User, error) {
	verified, err := s.store.Verify(ctx, raw)
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			// Rotated tokens fail Verify too; only Rotate tells a replay apart.
			return nil, nil, s.replay(ctx, raw, meta)
		}
		return nil, nil, err
	}
	user, err := userFetcher(ctx, verified.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			_ = s.store.Revoke(ctx, raw)
			return nil, nil, ErrInvalidRefreshToken
		}
		return nil, nil, err
	}
	refresh, consumed, err := s.store.Rotate(ctx, raw, meta)
	if err != nil {
		return nil, nil, err
	}
	if consumed.UserID != user.ID {
		_ = s.store.Revoke(ctx, refresh.Raw)
		return nil, nil, ErrInvalidRefreshToken
	}
	access, exp, err := s.MintAccess(user)
	if err != nil {
		return nil, nil, err
	}
	return &TokenPair{AccessToken: access, AccessExpiresAt: exp, Refresh: refresh}, user, nil
}

// replay runs a token that failed verification through Rotate so that a
// rotated one trips reuse detection. It never yields a usable pair.
func (s *TokenService) replay(ctx context.Context, raw string, meta SessionMeta) error {
	refresh, _, err := s.store.Rotate(ctx, raw, meta)
	if err != nil {
		return err
	}
	_ = s.store.Revoke(ctx, refresh.Raw)
	return ErrInvalidRefreshToken
}

func (s *TokenService) MintAccess(user *domain.User) (string, time.Time, error) {
	return s.jwtMgr.SignAccessToken(security.AccessPayload{
		UserID:  user.ID,
		Name:    user.Name,
		Role:    string(user.Role),
		Portals: user.PortalList(),
	})
}

func (s *TokenService) Revoke(ctx context.Context, raw string) error {
	return s.store.Revoke(ctx, raw)
}

func (s *TokenService) RevokeAll(ctx context.Context, userID uint, reason string) (int64, error) {
	return s.store.RevokeAll(ctx, userID, reason)
}
