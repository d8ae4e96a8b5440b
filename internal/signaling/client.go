package signaling

import (
	"context"
	"errors"

	"call-orchestrator/internal/calls"
)

// Client is the orchestrator's only view of the external signaling service.
//
// Rules:
// - One Client is bound to one signed-in user.
// - Listener ids are unique per Client; registering an id twice replaces nothing and is an error
//   at this level (deduplication belongs to internal/scope).
// - Requests are plain blocking calls; callers that must not block run them on their own goroutine.
// - Handlers may be invoked from any goroutine and must not block for long.
type Client interface {
	RegisterListener(listenerID string, h Handlers) error
	UnregisterListener(listenerID string)

	Initiate(ctx context.Context, targetID string, receiverType calls.ReceiverType, callType calls.CallType) (SessionRef, error)
	Accept(ctx context.Context, sessionID string) (SessionRef, error)
	Reject(ctx context.Context, sessionID string, reason RejectReason) error
	End(ctx context.Context, sessionID string) error
}

// Handlers is the callback set bound to a listener at registration time.
// Nil handlers are skipped.
type Handlers struct {
	OnIncoming          func(ref SessionRef)
	OnOutgoingAccepted  func(ref SessionRef)
	OnOutgoingRejected  func(ref SessionRef)
	OnIncomingCancelled func(ref SessionRef)
	OnCallEnded         func(ref SessionRef)
}

// SessionRef identifies a call object held by the signaling service.
type SessionRef struct {
	SessionID    string             `json:"session_id"`
	CallType     calls.CallType     `json:"call_type"`
	InitiatorID  string             `json:"initiator_id"`
	ReceiverID   string             `json:"receiver_id"`
	ReceiverType calls.ReceiverType `json:"receiver_type"`
}

// Groups manages the membership that group calls ring.
type Groups interface {
	JoinGroup(ctx context.Context, groupID, userID string) error
	LeaveGroup(ctx context.Context, groupID, userID string) error
}

type RejectReason string

const (
	RejectReasonRejected  RejectReason = "rejected"
	RejectReasonBusy      RejectReason = "busy"
	RejectReasonCancelled RejectReason = "cancelled"
)

// EventKind names the inbound events a listener can receive.
type EventKind string

const (
	EventIncoming          EventKind = "incoming"
	EventOutgoingAccepted  EventKind = "outgoing_accepted"
	EventOutgoingRejected  EventKind = "outgoing_rejected"
	EventIncomingCancelled EventKind = "incoming_cancelled"
	EventCallEnded         EventKind = "call_ended"
)

var (
	ErrListenerExists  = errors.New("signaling: listener already registered")
	ErrSessionNotFound = errors.New("signaling: session not found")
	ErrNotParticipant  = errors.New("signaling: not a participant of this session")
	ErrInvalidRequest  = errors.New("signaling: invalid request")
)

// Dispatch invokes the handler for kind, if one is set.
func (h Handlers) Dispatch(kind EventKind, ref SessionRef) {
	var fn func(SessionRef)
	switch kind {
	case EventIncoming:
		fn = h.OnIncoming
	case EventOutgoingAccepted:
		fn = h.OnOutgoingAccepted
	case EventOutgoingRejected:
		fn = h.OnOutgoingRejected
	case EventIncomingCancelled:
		fn = h.OnIncomingCancelled
	case EventCallEnded:
		fn = h.OnCallEnded
	}
	if fn != nil {
		fn(ref)
	}
}

// Map builds a Handlers value that routes every event kind through fn.
func Map(fn func(kind EventKind, ref SessionRef)) Handlers {
	return Handlers{
		OnIncoming:          func(ref SessionRef) { fn(EventIncoming, ref) },
		OnOutgoingAccepted:  func(ref SessionRef) { fn(EventOutgoingAccepted, ref) },
		OnOutgoingRejected:  func(ref SessionRef) { fn(EventOutgoingRejected, ref) },
		OnIncomingCancelled: func(ref SessionRef) { fn(EventIncomingCancelled, ref) },
		OnCallEnded:         func(ref SessionRef) { fn(EventCallEnded, ref) },
	}
}
