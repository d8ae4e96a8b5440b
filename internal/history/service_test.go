package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"call-orchestrator/internal/calls"
)

func entry(userID string, outcome Outcome, dir calls.Direction, endedAt time.Time, dur int) Entry {
	return Entry{
		UserID:          userID,
		ScopeID:         "app",
		Direction:       dir,
		CallType:        calls.CallTypeAudio,
		CounterpartyID:  "bob",
		ReceiverType:    calls.ReceiverUser,
		Outcome:         outcome,
		EndedAt:         endedAt,
		DurationSeconds: dur,
	}
}

func TestHistory_RecordValidatesAndDerivesFields(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	now := time.Unix(1700000000, 0).UTC()
	svc.clock = func() time.Time { return now }

	if err := svc.Record(context.Background(), Entry{CounterpartyID: "bob", Outcome: OutcomeCompleted}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for missing user, got %v", err)
	}
	if err := svc.Record(context.Background(), Entry{UserID: "alice", CounterpartyID: "bob", Outcome: "lost"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for unknown outcome, got %v", err)
	}

	e := entry("alice", OutcomeCompleted, calls.DirectionOutgoing, time.Time{}, 0)
	e.ConnectedAt = now.Add(-90 * time.Second)
	if err := svc.Record(context.Background(), e); err != nil {
		t.Fatalf("record: %v", err)
	}

	got := repo.Entries()
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	if got[0].ID == "" || !got[0].EndedAt.Equal(now) || got[0].DurationSeconds != 90 {
		t.Fatalf("unexpected derived fields: %+v", got[0])
	}
}

func TestHistory_UserIsolationAndOrder(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	now := time.Unix(1700000000, 0).UTC()

	_ = svc.Record(context.Background(), entry("alice", OutcomeMissed, calls.DirectionIncoming, now.Add(-2*time.Minute), 0))
	_ = svc.Record(context.Background(), entry("alice", OutcomeCompleted, calls.DirectionOutgoing, now.Add(-time.Minute), 30))
	_ = svc.Record(context.Background(), entry("carol", OutcomeCompleted, calls.DirectionOutgoing, now, 10))

	out, err := svc.List(context.Background(), ListRequest{UserID: "alice", Range: TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(out))
	}
	if out[0].Outcome != OutcomeCompleted {
		t.Fatalf("expected newest first, got %+v", out[0])
	}

	out, _ = svc.List(context.Background(), ListRequest{UserID: "alice", Range: TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}, Limit: 1})
	if len(out) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(out))
	}

	if _, err := svc.List(context.Background(), ListRequest{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestMemoryRepo_RetainKeepsNewestPerUser(t *testing.T) {
	repo := NewMemoryRepo()
	repo.Retain = 2
	svc := NewService(repo)
	now := time.Unix(1700000000, 0).UTC()

	for i := 0; i < 4; i++ {
		if err := svc.Record(context.Background(), entry("alice", OutcomeCompleted, calls.DirectionOutgoing, now.Add(time.Duration(i)*time.Minute), 10)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	_ = svc.Record(context.Background(), entry("carol", OutcomeMissed, calls.DirectionIncoming, now.Add(-time.Hour), 0))

	out, err := svc.List(context.Background(), ListRequest{UserID: "alice", Range: TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 2 || !out[0].EndedAt.Equal(now.Add(3*time.Minute)) || !out[1].EndedAt.Equal(now.Add(2*time.Minute)) {
		t.Fatalf("expected the two newest entries, got %+v", out)
	}
	if len(repo.Entries()) != 3 {
		t.Fatalf("retention must not touch other users, got %d entries", len(repo.Entries()))
	}
}

func TestHistory_SummaryAggregates(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	now := time.Unix(1700000000, 0).UTC()

	for _, e := range []Entry{
		entry("alice", OutcomeCompleted, calls.DirectionOutgoing, now, 60),
		entry("alice", OutcomeCompleted, calls.DirectionIncoming, now, 20),
		entry("alice", OutcomeMissed, calls.DirectionIncoming, now, 0),
		entry("alice", OutcomeBusy, calls.DirectionIncoming, now, 0),
		entry("alice", OutcomeFailed, calls.DirectionOutgoing, now, 0),
	} {
		if err := svc.Record(context.Background(), e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	sum, err := svc.Summary(context.Background(), SummaryRequest{UserID: "alice", Range: TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.TotalCalls != 5 || sum.IncomingCalls != 3 || sum.OutgoingCalls != 2 {
		t.Fatalf("unexpected totals: %+v", sum)
	}
	if sum.CompletedCalls != 2 || sum.MissedCalls != 1 || sum.BusyCalls != 1 || sum.FailedCalls != 1 {
		t.Fatalf("unexpected outcome counts: %+v", sum)
	}
	if sum.TotalDurationSeconds != 80 || sum.AverageDurationSeconds != 40 {
		t.Fatalf("unexpected durations: %+v", sum)
	}

	if _, err := svc.Summary(context.Background(), SummaryRequest{UserID: "alice"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for empty range, got %v", err)
	}
}
