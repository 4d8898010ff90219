package service

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/kalima-platform/auth-service/internal/domain"
	"github.com/kalima-platform/auth-service/internal/observability"
	"github.com/kalima-platform/auth-service/internal/repository"
	"github.com/kalima-platform/auth-service/internal/security"
)

type LoginInput struct {
	Identifier string
	Password   string
	Meta       SessionMeta
}

type RegisterInput struct {
	Name     string
	Email    string
	Password string
	Role     string
	Portals  []string
	Meta     SessionMeta
}

type LoginResult struct {
	User   *domain.User
	Tokens *TokenPair
}

type AuthService struct {
	users   repository.UserRepository
	tokens  *TokenService
	hasher  *security.PasswordHasher
	guard   AuthAbuseGuard
	timeout time.Duration
	logger  *slog.Logger
}

func NewAuthService(users repository.UserRepository, tokens *TokenService, hasher *security.PasswordHasher, guard AuthAbuseGuard, timeout time.Duration, logger *slog.Logger) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthService{users: users, tokens: tokens, hasher: hasher, guard: guard, timeout: timeout, logger: logger}
}

func (s *AuthService) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Login never reveals whether the identifier or the password was wrong.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	ctx, span := observability.StartSpan(ctx, "auth.login")
	defer span.End()
	identifier := strings.TrimSpace(in.Identifier)
	if identifier == "" {
		return nil, &ValidationError{Field: "name", Message: "name or email is required"}
	}
	if in.Password == "" {
		return nil, &ValidationError{Field: "password", Message: "password is required"}
	}
	if err := s.checkThrottle(ctx, AuthAbuseScopeLogin, identifier, in.Meta.IP); err != nil {
		observability.RecordAuthLogin(ctx, "throttled")
		return nil, err
	}

	lookupCtx, cancel := s.bound(ctx)
	user, err := s.users.FindByIdentifier(lookupCtx, identifier)
	cancel()
	if err != nil && !errors.Is(err, repository.ErrUserNotFound) {
		observability.RecordAuthLogin(ctx, "error")
		return nil, err
	}
	if user == nil {
		s.hasher.Burn(in.Password)
		s.registerFailure(ctx, AuthAbuseScopeLogin, identifier, in.Meta.IP)
		observability.RecordAuthLogin(ctx, "invalid_credentials")
		return nil, ErrInvalidCredentials
	}
	// Name and email resolve to one account and share its budget.
	account := abuseIdentityForUser(user.ID)
	if err := s.checkThrottle(ctx, AuthAbuseScopeLogin, account, ""); err != nil {
		observability.RecordAuthLogin(ctx, "throttled")
		return nil, err
	}
	if !s.hasher.Verify(user.PasswordHash, in.Password) {
		s.registerFailure(ctx, AuthAbuseScopeLogin, account, in.Meta.IP)
		observability.RecordAuthLogin(ctx, "invalid_credentials")
		return nil, ErrInvalidCredentials
	}
	s.resetThrottle(ctx, AuthAbuseScopeLogin, account)

	pair, err := s.tokens.Issue(ctx, user, in.Meta)
	if err != nil {
		observability.RecordAuthLogin(ctx, "error")
		return nil, err
	}
	observability.RecordAuthLogin(ctx, "success")
	return &LoginResult{User: user, Tokens: pair}, nil
}

func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*LoginResult, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Message: "name is required"}
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(in.Email))
	if err != nil || addr.Address != strings.TrimSpace(in.Email) {
		return nil, &ValidationError{Field: "email", Message: "a valid email is required"}
	}
	role := domain.RoleStudent
	if in.Role != "" {
		role, err = domain.ParseRole(in.Role)
		if err != nil || !role.SelfRegistrable() {
			return nil, &ValidationError{Field: "role", Message: "role cannot be self-assigned"}
		}
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		switch {
		case errors.Is(err, security.ErrPasswordTooShort):
			return nil, &ValidationError{Field: "password", Message: "password must be at least 8 characters"}
		case errors.Is(err, security.ErrPasswordTooLong):
			return nil, &ValidationError{Field: "password", Message: "password is too long"}
		}
		return nil, err
	}

	user := &domain.User{Name: name, Email: addr.Address, PasswordHash: hash, Role: role}
	user.SetPortals(in.Portals)
	createCtx, cancel := s.bound(ctx)
	err = s.users.Create(createCtx, user)
	cancel()
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return nil, ErrUserExists
		}
		return nil, err
	}

	pair, err := s.tokens.Issue(ctx, user, in.Meta)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "user registered", "user_id", user.ID, "role", user.Role)
	return &LoginResult{User: user, Tokens: pair}, nil
}

// Refresh rotates the refresh token. Every failure, reuse included,
// surfaces to callers as ErrUnauthorized.
func (s *AuthService) Refresh(ctx context.Context, raw string, meta SessionMeta) (*LoginResult, error) {
	ctx, span := observability.StartSpan(ctx, "auth.refresh")
	defer span.End()
	if raw == "" {
		observability.RecordAuthRefresh(ctx, "missing")
		return nil, ErrUnauthorized
	}
	pair, user, err := s.tokens.Rotate(ctx, raw, s.fetchUser, meta)
	if err != nil {
		switch {
		case errors.Is(err, ErrRefreshTokenReuseDetected):
			s.logger.WarnContext(ctx, "refresh token reuse detected, family revoked", "ip", meta.IP)
			observability.RecordAuthRefresh(ctx, "reuse_detected")
			return nil, ErrUnauthorized
		case errors.Is(err, ErrInvalidRefreshToken):
			observability.RecordAuthRefresh(ctx, "invalid")
			return nil, ErrUnauthorized
		}
		observability.RecordAuthRefresh(ctx, "error")
		return nil, err
	}
	observability.RecordAuthRefresh(ctx, "success")
	return &LoginResult{User: user, Tokens: pair}, nil
}

func (s *AuthService) Logout(ctx context.Context, raw string) error {
	if err := s.tokens.Revoke(ctx, raw); err != nil {
		observability.RecordAuthLogout(ctx, "single", "error")
		return err
	}
	observability.RecordAuthLogout(ctx, "single", "success")
	return nil
}

func (s *AuthService) LogoutAll(ctx context.Context, userID uint) (int64, error) {
	n, err := s.tokens.RevokeAll(ctx, userID, domain.RevokeReasonLogoutAll)
	if err != nil {
		observability.RecordAuthLogout(ctx, "all", "error")
		return 0, err
	}
	observability.RecordAuthLogout(ctx, "all", "success")
	return n, nil
}

// ChangePassword ends every session of the user once the new hash is stored.
func (s *AuthService) ChangePassword(ctx context.Context, userID uint, current, next string) (int64, error) {
	if current == "" || next == "" {
		return 0, &ValidationError{Field: "password", Message: "current and new password are required"}
	}
	identity := abuseIdentityForUser(userID)
	if err := s.checkThrottle(ctx, AuthAbuseScopeChangePassword, identity, ""); err != nil {
		return 0, err
	}
	user, err := s.fetchUser(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return 0, ErrUnauthorized
		}
		return 0, err
	}
	if !s.hasher.Verify(user.PasswordHash, current) {
		s.registerFailure(ctx, AuthAbuseScopeChangePassword, identity, "")
		return 0, ErrInvalidCredentials
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		if errors.Is(err, security.ErrPasswordTooShort) || errors.Is(err, security.ErrPasswordTooLong) {
			return 0, &ValidationError{Field: "newPassword", Message: err.Error()}
		}
		return 0, err
	}
	updateCtx, cancel := s.bound(ctx)
	err = s.users.UpdatePasswordHash(updateCtx, userID, hash)
	cancel()
	if err != nil {
		return 0, err
	}
	s.resetThrottle(ctx, AuthAbuseScopeChangePassword, identity)
	return s.tokens.RevokeAll(ctx, userID, domain.RevokeReasonPasswordChange)
}

func (s *AuthService) GetUser(ctx context.Context, userID uint) (*domain.User, error) {
	return s.fetchUser(ctx, userID)
}

func (s *AuthService) fetchUser(ctx context.Context, id uint) (*domain.User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.users.FindByID(ctx, id)
}

// Guard failures are logged and do not block authentication.
func (s *AuthService) checkThrottle(ctx context.Context, scope AuthAbuseScope, identity, ip string) error {
	if s.guard == nil {
		return nil
	}
	wait, err := s.guard.Check(ctx, scope, identity, ip)
	if err != nil {
		s.logger.WarnContext(ctx, "auth abuse guard check failed", "scope", scope, "error", err)
		return nil
	}
	if wait > 0 {
		return &ThrottledError{RetryAfter: wait}
	}
	return nil
}

func (s *AuthService) registerFailure(ctx context.Context, scope AuthAbuseScope, identity, ip string) {
	if s.guard == nil {
		return
	}
	if _, err := s.guard.RegisterFailure(ctx, scope, identity, ip); err != nil {
		s.logger.WarnContext(ctx, "auth abuse guard register failed", "scope", scope, "error", err)
	}
}

func (s *AuthService) resetThrottle(ctx context.Context, scope AuthAbuseScope, identity string) {
	if s.guard == nil {
		return
	}
	if err := s.guard.Reset(ctx, scope, identity); err != nil {
		s.logger.WarnContext(ctx, "auth abuse guard reset failed", "scope", scope, "error", err)
	}
}

func abuseIdentityForUser(id uint) string {
	return "user:" + strconv.FormatUint(uint64(id), 10)
}
