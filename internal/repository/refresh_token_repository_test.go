package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kalima-platform/auth-service/internal/domain"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestRefreshTokenRepositoryFindByHash(t *testing.T) {
	repo := newRefreshTokenRepoForTest(t)
	ctx := context.Background()

	tok := &domain.RefreshToken{UserID: 1, TokenHash: "h1", FamilyID: "fam-1", ExpiresAt: time.Now().Add(time.Hour)}
	if err := repo.Create(ctx, tok); err != nil {
		t.Fatalf("create: %v", err)
	}
	if tok.ID == 0 {
		t.Fatal("expected id to be assigned")
	}
	got, err := repo.FindByHash(ctx, "h1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.UserID != 1 || got.FamilyID != "fam-1" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if _, err := repo.FindByHash(ctx, "missing"); !errors.Is(err, ErrRefreshTokenNotFound) {
		t.Fatalf("expected ErrRefreshTokenNotFound, got %v", err)
	}
}

func TestRefreshTokenRepositoryCreateRejectsDuplicateHash(t *testing.T) {
	repo := newRefreshTokenRepoForTest(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)
	if err := repo.Create(ctx, &domain.RefreshToken{UserID: 1, TokenHash: "dup", FamilyID: "f", ExpiresAt: exp}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Create(ctx, &domain.RefreshToken{UserID: 2, TokenHash: "dup", FamilyID: "g", ExpiresAt: exp}); err == nil {
		t.Fatal("expected unique violation on token hash")
	}
}

func TestRefreshTokenRepositoryRotate(t *testing.T) {
	repo := newRefreshTokenRepoForTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	root := &domain.RefreshToken{UserID: 7, TokenHash: "root", FamilyID: "fam", ExpiresAt: now.Add(time.Hour)}
	if err := repo.Create(ctx, root); err != nil {
		t.Fatalf("create root: %v", err)
	}

	child := &domain.RefreshToken{TokenHash: "child", ExpiresAt: now.Add(time.Hour)}
	prev, err := repo.Rotate(ctx, "root", child, now)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if prev.ID != root.ID || !prev.Revoked || prev.RevokedReason != domain.RevokeReasonRotated {
		t.Fatalf("unexpected previous record: %+v", prev)
	}
	if child.UserID != 7 || child.FamilyID != "fam" || child.ParentID == nil || *child.ParentID != root.ID {
		t.Fatalf("child lineage not set: %+v", child)
	}

	stored, err := repo.FindByHash(ctx, "root")
	if err != nil {
		t.Fatalf("find root: %v", err)
	}
	if stored.Active(now) {
		t.Fatal("rotated token must no longer be active")
	}
	stored, err = repo.FindByHash(ctx, "child")
	if err != nil {
		t.Fatalf("find child: %v", err)
	}
	if !stored.Active(now) {
		t.Fatal("child token should be active")
	}
}

func TestRefreshTokenRepositoryRotateReuseRevokesFamily(t *testing.T) {
	repo := newRefreshTokenRepoForTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := repo.Create(ctx, &domain.RefreshToken{UserID: 3, TokenHash: "a", FamilyID: "fam", ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.Rotate(ctx, "a", &domain.RefreshToken{TokenHash: "b", ExpiresAt: now.Add(time.Hour)}, now); err != nil {
		t.Fatalf("first rotate: %v", err)
	}
	other := &domain.RefreshToken{UserID: 3, TokenHash: "other", FamilyID: "fam-2", ExpiresAt: now.Add(time.Hour)}
	if err := repo.Create(ctx, other); err != nil {
		t.Fatalf("create other family: %v", err)
	}

	_, err := repo.Rotate(ctx, "a", &domain.RefreshToken{TokenHash: "c", ExpiresAt: now.Add(time.Hour)}, now)
	if !errors.Is(err, ErrRefreshTokenReuse) {
		t.Fatalf("expected ErrRefreshTokenReuse, got %v", err)
	}
	b, err := repo.FindByHash(ctx, "b")
	if err != nil {
		t.Fatalf("find b: %v", err)
	}
	if !b.Revoked || b.RevokedReason != domain.RevokeReasonReuseDetected {
		t.Fatalf("expected family member revoked for reuse, got %+v", b)
	}
	if _, err := repo.FindByHash(ctx, "c"); !errors.Is(err, ErrRefreshTokenNotFound) {
		t.Fatalf("replacement must not be persisted on reuse, got %v", err)
	}
	o, err := repo.FindByHash(ctx, "other")
	if err != nil {
		t.Fatalf("find other: %v", err)
	}
	if o.Revoked {
		t.Fatal("other family must stay active")
	}
}

func TestRefreshTokenRepositoryRotateRejectsInactive(t *testing.T) {
	repo := newRefreshTokenRepoForTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := repo.Create(ctx, &domain.RefreshToken{UserID: 1, TokenHash: "expired", FamilyID: "f1", ExpiresAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("create expired: %v", err)
	}
	if err := repo.Create(ctx, &domain.RefreshToken{UserID: 1, TokenHash: "loggedout", FamilyID: "f2", ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.RevokeByFamilyID(ctx, "f2", domain.RevokeReasonLogout, now); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	for _, hash := range []string{"expired", "loggedout", "unknown"} {
		_, err := repo.Rotate(ctx, hash, &domain.RefreshToken{TokenHash: "next-" + hash, ExpiresAt: now.Add(time.Hour)}, now)
		if !errors.Is(err, ErrRefreshTokenNotFound) {
			t.Fatalf("rotate %s: expected ErrRefreshTokenNotFound, got %v", hash, err)
		}
	}
}

func TestRefreshTokenRepositoryRevokeScopes(t *testing.T) {
	repo := newRefreshTokenRepoForTest(t)
	ctx := context.Background()
	now := time.Now().UTC()
	exp := now.Add(time.Hour)

	for _, tok := range []*domain.RefreshToken{
		{UserID: 1, TokenHash: "u1a", FamilyID: "f1", ExpiresAt: exp},
		{UserID: 1, TokenHash: "u1b", FamilyID: "f2", ExpiresAt: exp},
		{UserID: 2, TokenHash: "u2a", FamilyID: "f3", ExpiresAt: exp},
	} {
		if err := repo.Create(ctx, tok); err != nil {
			t.Fatalf("create %s: %v", tok.TokenHash, err)
		}
	}

	if n, err := repo.RevokeByFamilyID(ctx, "f1", domain.RevokeReasonLogout, now); err != nil || n != 1 {
		t.Fatalf("revoke family: n=%d err=%v", n, err)
	}
	// Idempotent, including for unknown families.
	if n, err := repo.RevokeByFamilyID(ctx, "f1", domain.RevokeReasonLogout, now); err != nil || n != 0 {
		t.Fatalf("revoke family again: n=%d err=%v", n, err)
	}
	if n, err := repo.RevokeByFamilyID(ctx, "nope", domain.RevokeReasonLogout, now); err != nil || n != 0 {
		t.Fatalf("revoke unknown family: n=%d err=%v", n, err)
	}

	n, err := repo.RevokeByUserID(ctx, 1, domain.RevokeReasonLogoutAll, now)
	if err != nil {
		t.Fatalf("revoke by user: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 newly revoked token, got %d", n)
	}
	u2, err := repo.FindByHash(ctx, "u2a")
	if err != nil {
		t.Fatalf("find u2a: %v", err)
	}
	if u2.Revoked {
		t.Fatal("other user's token must remain active")
	}

	n, err = repo.RevokeByFamilyID(ctx, "f3", domain.RevokeReasonReuseDetected, now)
	if err != nil || n != 1 {
		t.Fatalf("revoke by family: n=%d err=%v", n, err)
	}
}

func TestRefreshTokenRepositoryDeleteExpired(t *testing.T) {
	repo := newRefreshTokenRepoForTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := repo.Create(ctx, &domain.RefreshToken{UserID: 1, TokenHash: "old", FamilyID: "f", ExpiresAt: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("create old: %v", err)
	}
	if err := repo.Create(ctx, &domain.RefreshToken{UserID: 1, TokenHash: "new", FamilyID: "f", ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("create new: %v", err)
	}
	n, err := repo.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}
	if _, err := repo.FindByHash(ctx, "new"); err != nil {
		t.Fatalf("active token removed: %v", err)
	}
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.User{}, &domain.RefreshToken{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newRefreshTokenRepoForTest(t *testing.T) RefreshTokenRepository {
	t.Helper()
	return NewRefreshTokenRepository(newTestDB(t))
}

func TestRefreshTokenRepositoryListActiveAndRevokeByID(t *testing.T) {
	repo := newRefreshTokenRepoForTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	active := &domain.RefreshToken{UserID: 1, TokenHash: "act", FamilyID: "f1", ExpiresAt: now.Add(time.Hour)}
	expired := &domain.RefreshToken{UserID: 1, TokenHash: "exp", FamilyID: "f2", ExpiresAt: now.Add(-time.Hour)}
	foreign := &domain.RefreshToken{UserID: 2, TokenHash: "for", FamilyID: "f3", ExpiresAt: now.Add(time.Hour)}
	for _, tok := range []*domain.RefreshToken{active, expired, foreign} {
		if err := repo.Create(ctx, tok); err != nil {
			t.Fatalf("create %s: %v", tok.TokenHash, err)
		}
	}

	list, err := repo.ListActiveByUserID(ctx, 1, now)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].TokenHash != "act" {
		t.Fatalf("unexpected active list: %+v", list)
	}

	if _, err := repo.RevokeByIDForUser(ctx, 1, foreign.ID, domain.RevokeReasonLogout, now); !errors.Is(err, ErrRefreshTokenNotFound) {
		t.Fatalf("expected not found for foreign session, got %v", err)
	}
	changed, err := repo.RevokeByIDForUser(ctx, 1, active.ID, domain.RevokeReasonLogout, now)
	if err != nil || !changed {
		t.Fatalf("revoke own session: changed=%v err=%v", changed, err)
	}
	changed, err = repo.RevokeByIDForUser(ctx, 1, active.ID, domain.RevokeReasonLogout, now)
	if err != nil || changed {
		t.Fatalf("second revoke should be a no-op: changed=%v err=%v", changed, err)
	}
}
