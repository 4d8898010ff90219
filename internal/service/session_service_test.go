package service

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSessionServiceListAndRevoke(t *testing.T) {
	ctx := context.Background()
	repo := newInMemoryRefreshRepo()
	store := NewRefreshTokenStore(repo, time.Hour, time.Second)
	svc := NewSessionService(repo, time.Second)

	current, err := store.Create(ctx, 1, SessionMeta{UserAgent: "laptop"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	phone, err := store.Create(ctx, 1, SessionMeta{UserAgent: "phone"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Create(ctx, 2, SessionMeta{}); err != nil {
		t.Fatalf("create other: %v", err)
	}

	currentID, err := svc.ResolveCurrentSessionID(ctx, 1, current.Raw)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := svc.ResolveCurrentSessionID(ctx, 2, current.Raw); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("foreign cookie must not resolve, got %v", err)
	}

	views, err := svc.ListActiveSessions(ctx, 1, currentID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(views))
	}
	var currents int
	for _, v := range views {
		if v.IsCurrent {
			currents++
		}
	}
	if currents != 1 {
		t.Fatalf("expected exactly one current session, got %d", currents)
	}

	status, err := svc.RevokeSession(ctx, 1, phone.ID)
	if err != nil || status != "revoked" {
		t.Fatalf("revoke: status=%q err=%v", status, err)
	}
	status, err = svc.RevokeSession(ctx, 1, phone.ID)
	if err != nil || status != "already_revoked" {
		t.Fatalf("revoke again: status=%q err=%v", status, err)
	}
	if _, err := svc.RevokeSession(ctx, 2, current.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for foreign session, got %v", err)
	}
}
