package calls

import (
	"errors"
	"testing"
	"time"
)

func TestStateValuesAreNonEmpty(t *testing.T) {
	states := []State{
		StateNoCall,
		StateIncoming,
		StateOutgoing,
		StateConnecting,
		StateActive,
		StateEndedError,
	}
	for _, s := range states {
		if s == "" || !s.Valid() {
			t.Fatalf("expected valid non-empty state, got %q", s)
		}
	}
}

func TestNewOutgoing_UnboundUntilSignalingAssignsID(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	s := NewOutgoing("user42", CallTypeAudio, ReceiverUser, now)

	if s.Bound() {
		t.Fatalf("expected unbound outgoing session")
	}
	if s.Direction != DirectionOutgoing || s.Status != StateOutgoing {
		t.Fatalf("unexpected session: %+v", s)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("expected valid session, got %v", err)
	}
}

func TestValidate_ActiveRequiresSessionID(t *testing.T) {
	s := NewOutgoing("user42", CallTypeVideo, ReceiverUser, time.Now())
	s.Status = StateActive

	err := s.Validate()
	if !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}

	s.SessionID = "s1"
	if err := s.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidate_RejectsUnknownEnums(t *testing.T) {
	s := NewIncoming("s2", "alice", CallType("hologram"), ReceiverUser, time.Now())
	if err := s.Validate(); err == nil {
		t.Fatalf("expected error for unknown call type")
	}

	s = NewIncoming("s2", "", CallTypeAudio, ReceiverUser, time.Now())
	if err := s.Validate(); err == nil {
		t.Fatalf("expected error for missing counterparty")
	}
}

func TestState_Ringing(t *testing.T) {
	if !StateIncoming.Ringing() || !StateConnecting.Ringing() {
		t.Fatalf("expected ringing states")
	}
	if StateActive.Ringing() || StateNoCall.Ringing() {
		t.Fatalf("expected non-ringing states")
	}
}
