package service

import (
	"context"

	"github.com/kalima-platform/auth-service/internal/domain"
)

type AuthServiceInterface interface {
	Login(ctx context.Context, in LoginInput) (*LoginResult, error)
	Register(ctx context.Context, in RegisterInput) (*LoginResult, error)
	Refresh(ctx context.Context, raw string, meta SessionMeta) (*LoginResult, error)
	Logout(ctx context.Context, raw string) error
	LogoutAll(ctx context.Context, userID uint) (int64, error)
	ChangePassword(ctx context.Context, userID uint, current, next string) (int64, error)
	GetUser(ctx context.Context, userID uint) (*domain.User, error)
}

type SessionServiceInterface interface {
	ListActiveSessions(ctx context.Context, userID, currentSessionID uint) ([]SessionView, error)
	ResolveCurrentSessionID(ctx context.Context, userID uint, rawRefresh string) (uint, error)
	RevokeSession(ctx context.Context, userID, sessionID uint) (string, error)
}

var (
	_ AuthServiceInterface    = (*AuthService)(nil)
	_ SessionServiceInterface = (*SessionService)(nil)
	_ AuthAbuseGuard          = (*MemoryAuthAbuseGuard)(nil)
	_ AuthAbuseGuard          = (*RedisAuthAbuseGuard)(nil)
)
