package surface

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"call-orchestrator/internal/audit"
	"call-orchestrator/internal/calls"
	"call-orchestrator/internal/history"
	"call-orchestrator/internal/media"
	"call-orchestrator/internal/orchestrator"
	"call-orchestrator/internal/scope"
	"call-orchestrator/internal/signaling"
)

type env struct {
	svc      *signaling.LocalService
	reg      *Registry
	audits   *audit.MemoryRepo
	calllogs *history.MemoryRepo
}

func newEnv(t *testing.T, leases scope.LeaseStore, ttl time.Duration) *env {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	builder := media.NewBuilder()
	if err := builder.Init(media.Capabilities{Version: media.SupportedVersion, SessionBinding: true, DefaultLayout: true, AudioOnlyToggle: true}); err != nil {
		t.Fatalf("init builder: %v", err)
	}

	e := &env{
		svc:      signaling.NewLocalService(log),
		audits:   audit.NewMemoryRepo(),
		calllogs: history.NewMemoryRepo(),
	}
	e.reg = NewRegistry(Options{
		Clients:     e.svc.Client,
		Builder:     builder,
		Leases:      leases,
		LeaseTTL:    ttl,
		Owner:       "proc-a",
		GracePeriod: time.Second,
		Audit:       audit.NewService(e.audits),
		Recorder:    history.NewService(e.calllogs),
		Logger:      log,
	})
	t.Cleanup(e.reg.Shutdown)
	return e
}

func open(t *testing.T, r *Registry, userID, scopeID string) *orchestrator.Machine {
	t.Helper()
	m, err := r.Open(context.Background(), userID, scopeID)
	if err != nil {
		t.Fatalf("open %s/%s: %v", userID, scopeID, err)
	}
	return m
}

func waitState(t *testing.T, m *orchestrator.Machine, want calls.State) orchestrator.Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := m.Current(); s.State == want {
			return s
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("scope %s: timed out waiting for %s, at %s", m.ScopeID(), want, m.Current().State)
	return orchestrator.Snapshot{}
}

func TestCallBetweenTwoUsers(t *testing.T) {
	e := newEnv(t, nil, 0)
	alice := open(t, e.reg, "alice", "app")
	bob := open(t, e.reg, "bob", "app")
	ctx := context.Background()

	if err := alice.Initiate(ctx, "bob", calls.ReceiverUser, calls.CallTypeVideo); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	ring := waitState(t, bob, calls.StateIncoming)
	if ring.Session.CounterpartyID != "alice" {
		t.Fatalf("expected call from alice, got %+v", ring.Session)
	}

	if err := bob.AcceptCurrent(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}
	a := waitState(t, alice, calls.StateActive)
	b := waitState(t, bob, calls.StateActive)
	if a.Session.SessionID != b.Session.SessionID {
		t.Fatalf("expected both sides on one session, got %q and %q", a.Session.SessionID, b.Session.SessionID)
	}

	if err := alice.EndCurrent(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
	waitState(t, bob, calls.StateNoCall)

	deadline := time.Now().Add(2 * time.Second)
	for len(e.calllogs.Entries()) < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	for _, entry := range e.calllogs.Entries() {
		if entry.Outcome != history.OutcomeCompleted {
			t.Fatalf("expected completed call logs, got %+v", entry)
		}
	}
}

func TestNestedScopeTakesIncomingCalls(t *testing.T) {
	e := newEnv(t, nil, 0)
	alice := open(t, e.reg, "alice", "app")
	bobApp := open(t, e.reg, "bob", "app")
	bobChat := open(t, e.reg, "bob", "chat-alice")

	if err := alice.Initiate(context.Background(), "bob", calls.ReceiverUser, calls.CallTypeAudio); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitState(t, bobChat, calls.StateIncoming)
	if bobApp.Current().State != calls.StateNoCall {
		t.Fatalf("expected only the newest scope to ring, app is %s", bobApp.Current().State)
	}

	// Closing the conversation drops its call; the app-wide scope takes over again.
	if err := e.reg.CloseScope("bob", "chat-alice"); err != nil {
		t.Fatalf("close scope: %v", err)
	}
	if got := e.reg.Scopes("bob"); len(got) != 1 || got[0] != "app" {
		t.Fatalf("unexpected scopes after close: %v", got)
	}
	if err := e.reg.CloseScope("bob", "chat-alice"); !errors.Is(err, ErrScopeNotFound) {
		t.Fatalf("expected ErrScopeNotFound, got %v", err)
	}
}

func TestOpen_IsIdempotentPerScope(t *testing.T) {
	e := newEnv(t, nil, 0)
	first := open(t, e.reg, "alice", "app")
	second := open(t, e.reg, "alice", "app")
	if first != second {
		t.Fatalf("expected the same machine for the same scope")
	}
	if n := e.svc.ListenerCount("alice"); n != 1 {
		t.Fatalf("expected one listener, got %d", n)
	}
	if _, err := e.reg.Open(context.Background(), "", "app"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestCloseUser_TearsDownEveryScope(t *testing.T) {
	e := newEnv(t, nil, 0)
	app := open(t, e.reg, "alice", "app")
	chat := open(t, e.reg, "alice", "chat-bob")

	e.reg.CloseUser("alice")

	for _, m := range []*orchestrator.Machine{app, chat} {
		select {
		case <-m.Done():
		default:
			t.Fatalf("expected scope %s torn down", m.ScopeID())
		}
	}
	if n := e.svc.ListenerCount("alice"); n != 0 {
		t.Fatalf("expected no listeners after logout, got %d", n)
	}
	if _, ok := e.reg.Machine("alice", "app"); ok {
		t.Fatalf("expected no machine after logout")
	}

	// Signing in again starts from scratch.
	again := open(t, e.reg, "alice", "app")
	if again == app {
		t.Fatalf("expected a fresh machine")
	}
}

func TestShutdown_RefusesOpen(t *testing.T) {
	e := newEnv(t, nil, 0)
	open(t, e.reg, "alice", "app")
	e.reg.Shutdown()

	if _, err := e.reg.Open(context.Background(), "alice", "app"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if n := e.svc.ListenerCount("alice"); n != 0 {
		t.Fatalf("expected listeners removed, got %d", n)
	}
}

func TestLeaseLost_ClosesScopeAndAudits(t *testing.T) {
	leases := scope.NewMemoryLeases()
	e := newEnv(t, leases, 30*time.Millisecond)
	m := open(t, e.reg, "alice", "app")

	// Another process takes the scope over.
	_ = leases.Release(context.Background(), "scope-lease:alice:app", "proc-a")
	_, _ = leases.Acquire(context.Background(), "scope-lease:alice:app", "proc-b", time.Minute)

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected scope closed after lease loss")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(e.audits.ByType(audit.EventTypeScopeLeased)) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if got := e.audits.ByType(audit.EventTypeScopeLeased); len(got) != 1 || got[0].ScopeID != "app" {
		t.Fatalf("expected one lease-lost audit event, got %+v", got)
	}
	if leases.Holder("scope-lease:alice:app") != "proc-b" {
		t.Fatalf("expected the other process to keep its lease")
	}
}
