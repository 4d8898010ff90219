package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/kalima-platform/auth-service/internal/domain"
)

func TestUserRepositoryCreateAndLookup(t *testing.T) {
	repo := NewUserRepository(newTestDB(t))
	ctx := context.Background()

	u := &domain.User{Name: "mona", Email: " Mona@Example.com ", PasswordHash: "x", Role: domain.RoleStudent}
	u.SetPortals([]string{"Center", "center", "online"})
	if err := repo.Create(ctx, u); err != nil {
		t.Fatalf("create: %v", err)
	}
	if u.Email != "mona@example.com" {
		t.Fatalf("email not normalized: %q", u.Email)
	}

	byName, err := repo.FindByIdentifier(ctx, "mona")
	if err != nil {
		t.Fatalf("find by name: %v", err)
	}
	byEmail, err := repo.FindByIdentifier(ctx, "MONA@example.com")
	if err != nil {
		t.Fatalf("find by email: %v", err)
	}
	if byName.ID != u.ID || byEmail.ID != u.ID {
		t.Fatalf("lookups returned different users: %d %d %d", byName.ID, byEmail.ID, u.ID)
	}
	got, err := repo.FindByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("find by id: %v", err)
	}
	if portals := got.PortalList(); len(portals) != 2 || portals[0] != "center" || portals[1] != "online" {
		t.Fatalf("unexpected portals: %v", portals)
	}
	if _, err := repo.FindByIdentifier(ctx, "ghost"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestUserRepositoryCreateDuplicate(t *testing.T) {
	repo := NewUserRepository(newTestDB(t))
	ctx := context.Background()

	if err := repo.Create(ctx, &domain.User{Name: "ali", Email: "ali@example.com", PasswordHash: "x", Role: domain.RoleTeacher}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := repo.Create(ctx, &domain.User{Name: "ali", Email: "other@example.com", PasswordHash: "x", Role: domain.RoleTeacher})
	if !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists for duplicate name, got %v", err)
	}
	err = repo.Create(ctx, &domain.User{Name: "ali2", Email: "ALI@example.com", PasswordHash: "x", Role: domain.RoleTeacher})
	if !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists for duplicate email, got %v", err)
	}
}

func TestUserRepositoryUpdatePasswordHash(t *testing.T) {
	repo := NewUserRepository(newTestDB(t))
	ctx := context.Background()

	u := &domain.User{Name: "sara", Email: "sara@example.com", PasswordHash: "old", Role: domain.RoleParent}
	if err := repo.Create(ctx, u); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.UpdatePasswordHash(ctx, u.ID, "new"); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := repo.FindByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.PasswordHash != "new" {
		t.Fatalf("expected updated hash, got %q", got.PasswordHash)
	}
	if err := repo.UpdatePasswordHash(ctx, 9999, "x"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
