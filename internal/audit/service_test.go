package audit

import (
	"context"
	"testing"
)

func TestService_AppendRequiresUserAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventTypeCallError}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{UserID: "u"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_LogCallError(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.LogCallError(context.Background(), "alice", "app", "s1", "accept", "timeout"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event")
	}
	if evs[0].Type != EventTypeCallError || evs[0].Operation != "accept" || evs[0].SessionID != "s1" {
		t.Fatalf("unexpected event: %+v", evs[0])
	}
	if evs[0].ID == "" || evs[0].CreatedAt.IsZero() {
		t.Fatalf("expected id and created_at filled")
	}
}

func TestService_LogLeaseLost(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.LogLeaseLost(context.Background(), "alice", "app:alice"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if evs := repo.Events(); len(evs) != 1 || evs[0].Type != EventTypeScopeLeased {
		t.Fatalf("unexpected events: %+v", evs)
	}
}
