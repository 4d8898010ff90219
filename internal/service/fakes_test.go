package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kalima-platform/auth-service/internal/domain"
	"github.com/kalima-platform/auth-service/internal/repository"
)

type inMemoryRefreshRepo struct {
	mu     sync.Mutex
	nextID uint
	byHash map[string]*domain.RefreshToken
	byID   map[uint]*domain.RefreshToken
}

func newInMemoryRefreshRepo() *inMemoryRefreshRepo {
	return &inMemoryRefreshRepo{
		nextID: 1,
		byHash: map[string]*domain.RefreshToken{},
		byID:   map[uint]*domain.RefreshToken{},
	}
}

func (r *inMemoryRefreshRepo) insertLocked(t *domain.RefreshToken) {
	t.ID = r.nextID
	r.nextID++
	cp := *t
	r.byHash[cp.TokenHash] = &cp
	r.byID[cp.ID] = &cp
}

func (r *inMemoryRefreshRepo) Create(_ context.Context, t *domain.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertLocked(t)
	return nil
}

func (r *inMemoryRefreshRepo) FindByHash(_ context.Context, hash string) (*domain.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byHash[hash]
	if !ok {
		return nil, repository.ErrRefreshTokenNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *inMemoryRefreshRepo) ListActiveByUserID(_ context.Context, userID uint, now time.Time) ([]domain.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.RefreshToken
	for id := uint(1); id < r.nextID; id++ {
		t, ok := r.byID[id]
		if ok && t.UserID == userID && t.Active(now) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (r *inMemoryRefreshRepo) Rotate(_ context.Context, oldHash string, next *domain.RefreshToken, now time.Time) (*domain.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.byHash[oldHash]
	if !ok {
		return nil, repository.ErrRefreshTokenNotFound
	}
	if old.Revoked {
		if old.RevokedReason != domain.RevokeReasonRotated && old.RevokedReason != domain.RevokeReasonReuseDetected {
			return nil, repository.ErrRefreshTokenNotFound
		}
		r.revokeLocked(func(t *domain.RefreshToken) bool { return t.FamilyID == old.FamilyID }, domain.RevokeReasonReuseDetected, now)
		cp := *old
		return &cp, repository.ErrRefreshTokenReuse
	}
	if !old.ExpiresAt.After(now) {
		return nil, repository.ErrRefreshTokenNotFound
	}
	old.Revoked = true
	old.RevokedAt = &now
	old.RevokedReason = domain.RevokeReasonRotated

	parent := old.ID
	next.UserID = old.UserID
	next.FamilyID = old.FamilyID
	next.ParentID = &parent
	r.insertLocked(next)
	cp := *old
	return &cp, nil
}

func (r *inMemoryRefreshRepo) revokeLocked(match func(*domain.RefreshToken) bool, reason string, now time.Time) int64 {
	var n int64
	for _, t := range r.byID {
		if t.Revoked || !match(t) {
			continue
		}
		t.Revoked = true
		t.RevokedAt = &now
		t.RevokedReason = reason
		n++
	}
	return n
}

func (r *inMemoryRefreshRepo) RevokeByIDForUser(_ context.Context, userID, id uint, reason string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	if !ok || t.UserID != userID {
		return false, repository.ErrRefreshTokenNotFound
	}
	return r.revokeLocked(func(c *domain.RefreshToken) bool { return c.ID == id }, reason, now) > 0, nil
}

func (r *inMemoryRefreshRepo) RevokeByFamilyID(_ context.Context, familyID, reason string, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revokeLocked(func(t *domain.RefreshToken) bool { return t.FamilyID == familyID }, reason, now), nil
}

func (r *inMemoryRefreshRepo) RevokeByUserID(_ context.Context, userID uint, reason string, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revokeLocked(func(t *domain.RefreshToken) bool { return t.UserID == userID }, reason, now), nil
}

func (r *inMemoryRefreshRepo) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, t := range r.byID {
		if !t.ExpiresAt.After(before) {
			delete(r.byID, id)
			delete(r.byHash, t.TokenHash)
			n++
		}
	}
	return n, nil
}

// snapshot returns a copy of every record keyed by hash.
func (r *inMemoryRefreshRepo) snapshot() map[string]domain.RefreshToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]domain.RefreshToken, len(r.byHash))
	for h, t := range r.byHash {
		cp := *t
		cp.RevokedAt = nil
		out[h] = cp
	}
	return out
}

type inMemoryUserRepo struct {
	mu     sync.Mutex
	nextID uint
	users  map[uint]*domain.User
}

func newInMemoryUserRepo() *inMemoryUserRepo {
	return &inMemoryUserRepo{nextID: 1, users: map[uint]*domain.User{}}
}

func (r *inMemoryUserRepo) FindByID(_ context.Context, id uint) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *inMemoryUserRepo) FindByIdentifier(_ context.Context, identifier string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	identifier = strings.TrimSpace(identifier)
	for _, u := range r.users {
		if u.Name == identifier || u.Email == strings.ToLower(identifier) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (r *inMemoryUserRepo) Create(_ context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	for _, u := range r.users {
		if u.Name == user.Name || u.Email == user.Email {
			return repository.ErrUserExists
		}
	}
	user.ID = r.nextID
	r.nextID++
	cp := *user
	r.users[cp.ID] = &cp
	return nil
}

func (r *inMemoryUserRepo) UpdatePasswordHash(_ context.Context, userID uint, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.PasswordHash = hash
	return nil
}
