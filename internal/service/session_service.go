package service

import (
	"context"
	"errors"
	"time"

	"github.com/kalima-platform/auth-service/internal/domain"
	"github.com/kalima-platform/auth-service/internal/repository"
	"github.com/kalima-platform/auth-service/internal/security"
)

var ErrSessionNotFound = errors.New("session not found")

type SessionView struct {
	ID        uint      `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	UserAgent string    `json:"user_agent"`
	IP        string    `json:"ip"`
	IsCurrent bool      `json:"is_current"`
}

// SessionService exposes a user's active refresh tokens as devices.
type SessionService struct {
	repo    repository.RefreshTokenRepository
	timeout time.Duration
	now     func() time.Time
}

func NewSessionService(repo repository.RefreshTokenRepository, timeout time.Duration) *SessionService {
	return &SessionService{repo: repo, timeout: timeout, now: time.Now}
}

func (s *SessionService) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *SessionService) ListActiveSessions(ctx context.Context, userID, currentSessionID uint) ([]SessionView, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	sessions, err := s.repo.ListActiveByUserID(ctx, userID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	views := make([]SessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, SessionView{
			ID:        session.ID,
			CreatedAt: session.CreatedAt,
			ExpiresAt: session.ExpiresAt,
			UserAgent: session.UserAgent,
			IP:        session.IP,
			IsCurrent: session.ID == currentSessionID,
		})
	}
	return views, nil
}

// ResolveCurrentSessionID maps the caller's refresh cookie onto its record.
func (s *SessionService) ResolveCurrentSessionID(ctx context.Context, userID uint, rawRefresh string) (uint, error) {
	if security.ValidateRefreshTokenFormat(rawRefresh) != nil {
		return 0, ErrSessionNotFound
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	session, err := s.repo.FindByHash(ctx, security.HashRefreshToken(rawRefresh))
	if err != nil {
		if errors.Is(err, repository.ErrRefreshTokenNotFound) {
			return 0, ErrSessionNotFound
		}
		return 0, err
	}
	if session.UserID != userID || !session.Active(s.now()) {
		return 0, ErrSessionNotFound
	}
	return session.ID, nil
}

func (s *SessionService) RevokeSession(ctx context.Context, userID, sessionID uint) (string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	changed, err := s.repo.RevokeByIDForUser(ctx, userID, sessionID, domain.RevokeReasonSessionEnded, s.now().UTC())
	if err != nil {
		if errors.Is(err, repository.ErrRefreshTokenNotFound) {
			return "", ErrSessionNotFound
		}
		return "", err
	}
	if !changed {
		return "already_revoked", nil
	}
	return "revoked", nil
}
