package service

import (
	"context"
	"errors"
	"time"

	"github.com/kalima-platform/auth-service/internal/domain"
	"github.com/kalima-platform/auth-service/internal/observability"
	"github.com/kalima-platform/auth-service/internal/repository"
	"github.com/kalima-platform/auth-service/internal/security"

	"github.com/google/uuid"
)

var (
	ErrInvalidRefreshToken       = errors.New("invalid refresh token")
	ErrRefreshTokenReuseDetected = errors.New("refresh token reuse detected")
)

type SessionMeta struct {
	UserAgent string
	IP        string
}

// IssuedRefreshToken carries the raw value. It is the only place the raw
// token exists server-side and must not be logged.
type IssuedRefreshToken struct {
	ID        uint
	Raw       string
	FamilyID  string
	ExpiresAt time.Time
}

type VerifiedRefreshToken struct {
	ID        uint
	UserID    uint
	FamilyID  string
	ExpiresAt time.Time
}

// RefreshTokenStore owns opaque refresh tokens: generation, hashing and
// lifecycle. Every repository call is bounded by the store timeout.
type RefreshTokenStore struct {
	repo    repository.RefreshTokenRepository
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time

	dead    DeadTokenCache
	deadTTL time.Duration
}

func NewRefreshTokenStore(repo repository.RefreshTokenRepository, ttl, timeout time.Duration) *RefreshTokenStore {
	return &RefreshTokenStore{
		repo:    repo,
		ttl:     ttl,
		timeout: timeout,
		now:     time.Now,
		dead:    NewNoopDeadTokenCache(),
		deadTTL: defaultDeadTokenTTL,
	}
}

// WithDeadTokenCache short-circuits lookups of hashes already known to be
// unusable. Cache errors are ignored.
func (s *RefreshTokenStore) WithDeadTokenCache(cache DeadTokenCache, ttl time.Duration) *RefreshTokenStore {
	if cache != nil {
		s.dead = cache
	}
	if ttl > 0 {
		s.deadTTL = ttl
	}
	return s
}

func (s *RefreshTokenStore) knownDead(ctx context.Context, hash string) bool {
	ok, err := s.dead.Contains(ctx, hash)
	return err == nil && ok
}

func (s *RefreshTokenStore) markDead(ctx context.Context, hash string) {
	_ = s.dead.Add(ctx, hash, s.deadTTL)
}

func (s *RefreshTokenStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *RefreshTokenStore) TTL() time.Duration { return s.ttl }

func (s *RefreshTokenStore) Create(ctx context.Context, userID uint, meta SessionMeta) (*IssuedRefreshToken, error) {
	raw, err := security.NewRefreshToken()
	if err != nil {
		return nil, err
	}
	rec := s.newRecord(raw, meta)
	rec.UserID = userID
	rec.FamilyID = uuid.NewString()

	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, err
	}
	return &IssuedRefreshToken{ID: rec.ID, Raw: raw, FamilyID: rec.FamilyID, ExpiresAt: rec.ExpiresAt}, nil
}

// Verify is read-only. Unknown, revoked and expired tokens all yield
// ErrInvalidRefreshToken.
func (s *RefreshTokenStore) Verify(ctx context.Context, raw string) (*VerifiedRefreshToken, error) {
	if err := security.ValidateRefreshTokenFormat(raw); err != nil {
		return nil, ErrInvalidRefreshToken
	}
	hash := security.HashRefreshToken(raw)
	if s.knownDead(ctx, hash) {
		return nil, ErrInvalidRefreshToken
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rec, err := s.repo.FindByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, repository.ErrRefreshTokenNotFound) {
			s.markDead(ctx, hash)
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}
	if !rec.Active(s.now()) {
		// Rotated records stay uncached so a replay still reaches Rotate's
		// reuse detection.
		if rec.RevokedReason != domain.RevokeReasonRotated {
			s.markDead(ctx, hash)
		}
		return nil, ErrInvalidRefreshToken
	}
	return &VerifiedRefreshToken{ID: rec.ID, UserID: rec.UserID, FamilyID: rec.FamilyID, ExpiresAt: rec.ExpiresAt}, nil
}

// Revoke ends the session the token belongs to. Every record of its
// family is revoked, so a cookie that was already rotated still takes the
// live successor down with it. Malformed, unknown and already revoked
// tokens are not errors.
func (s *RefreshTokenStore) Revoke(ctx context.Context, raw string) error {
	if err := security.ValidateRefreshTokenFormat(raw); err != nil {
		return nil
	}
	hash := security.HashRefreshToken(raw)
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rec, err := s.repo.FindByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, repository.ErrRefreshTokenNotFound) {
			return nil
		}
		return err
	}
	if _, err := s.repo.RevokeByFamilyID(ctx, rec.FamilyID, domain.RevokeReasonLogout, s.now().UTC()); err != nil {
		return err
	}
	s.markDead(ctx, hash)
	return nil
}

func (s *RefreshTokenStore) RevokeAll(ctx context.Context, userID uint, reason string) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.repo.RevokeByUserID(ctx, userID, reason, s.now().UTC())
}

// Rotate exchanges raw for a new token in the same family. The returned
// verification describes the token that was consumed.
func (s *RefreshTokenStore) Rotate(ctx context.Context, raw string, meta SessionMeta) (*IssuedRefreshToken, *VerifiedRefreshToken, error) {
	if err := security.ValidateRefreshTokenFormat(raw); err != nil {
		return nil, nil, ErrInvalidRefreshToken
	}
	hash := security.HashRefreshToken(raw)
	if s.knownDead(ctx, hash) {
		return nil, nil, ErrInvalidRefreshToken
	}
	nextRaw, err := security.NewRefreshToken()
	if err != nil {
		return nil, nil, err
	}
	next := s.newRecord(nextRaw, meta)

	ctx, cancel := s.bound(ctx)
	defer cancel()
	prev, err := s.repo.Rotate(ctx, hash, next, s.now().UTC())
	switch {
	case errors.Is(err, repository.ErrRefreshTokenNotFound):
		return nil, nil, ErrInvalidRefreshToken
	case errors.Is(err, repository.ErrRefreshTokenReuse):
		return nil, nil, ErrRefreshTokenReuseDetected
	case err != nil:
		return nil, nil, err
	}
	consumed := &VerifiedRefreshToken{ID: prev.ID, UserID: prev.UserID, FamilyID: prev.FamilyID, ExpiresAt: prev.ExpiresAt}
	return &IssuedRefreshToken{ID: next.ID, Raw: nextRaw, FamilyID: next.FamilyID, ExpiresAt: next.ExpiresAt}, consumed, nil
}

func (s *RefreshTokenStore) CleanupExpired(ctx context.Context) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	n, err := s.repo.DeleteExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	observability.RecordSessionCleanup(ctx, n)
	return n, nil
}

func (s *RefreshTokenStore) newRecord(raw string, meta SessionMeta) *domain.RefreshToken {
	now := s.now().UTC()
	return &domain.RefreshToken{
		TokenHash: security.HashRefreshToken(raw),
		UserAgent: truncate(meta.UserAgent, 512),
		IP:        truncate(meta.IP, 64),
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}
}

func truncate(v string, n int) string {
	if len(v) <= n {
		return v
	}
	return v[:n]
}
