package calls

import (
	"errors"
	"fmt"
	"time"
)

// Session represents one call attempt observed by a single listener scope.
//
// Invariants:
// - Status == StateActive requires a non-empty SessionID.
// - Direction is a single value; a session is either incoming or outgoing, never both.
// - At most one Session is current per scope; concurrent calls are not modeled.
//
// SessionID stays empty for an outgoing call until the signaling service has
// assigned an id to the call object.
type Session struct {
	SessionID      string       `json:"session_id,omitempty"`
	CallType       CallType     `json:"call_type"`
	Direction      Direction    `json:"direction"`
	CounterpartyID string       `json:"counterparty_id"`
	ReceiverType   ReceiverType `json:"receiver_type"`

	Status State `json:"status"`

	CreatedAt   time.Time `json:"created_at"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
}

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// ReceiverType tells the signaling service whether the counterparty is a user or a group.
type ReceiverType string

const (
	ReceiverUser  ReceiverType = "user"
	ReceiverGroup ReceiverType = "group"
)

// State is the orchestrator state of a scope. A Session carries the state it was last seen in.
type State string

const (
	StateNoCall     State = "no_call"
	StateIncoming   State = "incoming"
	StateOutgoing   State = "outgoing"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEndedError State = "ended_error"
)

var ErrInvalidSession = errors.New("calls: invalid session")

// NewIncoming builds the session for an inbound call notification.
func NewIncoming(sessionID, fromID string, callType CallType, receiverType ReceiverType, now time.Time) Session {
	return Session{
		SessionID:      sessionID,
		CallType:       callType,
		Direction:      DirectionIncoming,
		CounterpartyID: fromID,
		ReceiverType:   receiverType,
		Status:         StateIncoming,
		CreatedAt:      now,
	}
}

// NewOutgoing builds the session for a locally initiated call. The id is bound later.
func NewOutgoing(targetID string, callType CallType, receiverType ReceiverType, now time.Time) Session {
	return Session{
		CallType:       callType,
		Direction:      DirectionOutgoing,
		CounterpartyID: targetID,
		ReceiverType:   receiverType,
		Status:         StateOutgoing,
		CreatedAt:      now,
	}
}

// Validate checks the structural invariants of a session.
func (s Session) Validate() error {
	if s.CounterpartyID == "" {
		return fmt.Errorf("%w: counterparty_id required", ErrInvalidSession)
	}
	if !s.CallType.Valid() {
		return fmt.Errorf("%w: unknown call type %q", ErrInvalidSession, s.CallType)
	}
	if !s.Direction.Valid() {
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidSession, s.Direction)
	}
	if !s.ReceiverType.Valid() {
		return fmt.Errorf("%w: unknown receiver type %q", ErrInvalidSession, s.ReceiverType)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidSession, s.Status)
	}
	if s.Status == StateActive && s.SessionID == "" {
		return fmt.Errorf("%w: active session without session_id", ErrInvalidSession)
	}
	return nil
}

// Bound reports whether the signaling service has assigned an id yet.
func (s Session) Bound() bool { return s.SessionID != "" }

func (t CallType) Valid() bool {
	switch t {
	case CallTypeAudio, CallTypeVideo:
		return true
	default:
		return false
	}
}

func (d Direction) Valid() bool {
	switch d {
	case DirectionIncoming, DirectionOutgoing:
		return true
	default:
		return false
	}
}

func (r ReceiverType) Valid() bool {
	switch r {
	case ReceiverUser, ReceiverGroup:
		return true
	default:
		return false
	}
}

func (s State) Valid() bool {
	switch s {
	case StateNoCall, StateIncoming, StateOutgoing, StateConnecting, StateActive, StateEndedError:
		return true
	default:
		return false
	}
}

// Ringing reports whether the state renders a ringing (not yet connected) call view.
func (s State) Ringing() bool {
	return s == StateIncoming || s == StateOutgoing || s == StateConnecting
}
