package history

import (
	"time"

	"call-orchestrator/internal/calls"
)

// Outcome is how a call attempt ended, from the point of view of the user who logged it.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed" // connected, then hung up by either side
	OutcomeDeclined  Outcome = "declined"  // incoming call declined locally
	OutcomeRejected  Outcome = "rejected"  // outgoing call rejected by the callee
	OutcomeMissed    Outcome = "missed"    // incoming call cancelled by the caller before answer
	OutcomeCancelled Outcome = "cancelled" // outgoing call ended locally before answer
	OutcomeBusy      Outcome = "busy"      // incoming call auto-rejected while another call was current
	OutcomeFailed    Outcome = "failed"    // fatal error (ENDED_ERROR)
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeCompleted, OutcomeDeclined, OutcomeRejected, OutcomeMissed, OutcomeCancelled, OutcomeBusy, OutcomeFailed:
		return true
	default:
		return false
	}
}

// Entry is one immutable call log line.
//
// Invariants:
// - Entries are append-only.
// - user_id is required; reads are always filtered by user.
type Entry struct {
	ID             string             `json:"id" db:"id"`
	UserID         string             `json:"user_id" db:"user_id"`
	ScopeID        string             `json:"scope_id" db:"scope_id"`
	SessionID      string             `json:"session_id,omitempty" db:"session_id"`
	Direction      calls.Direction    `json:"direction" db:"direction"`
	CallType       calls.CallType     `json:"call_type" db:"call_type"`
	CounterpartyID string             `json:"counterparty_id" db:"counterparty_id"`
	ReceiverType   calls.ReceiverType `json:"receiver_type" db:"receiver_type"`
	Outcome        Outcome            `json:"outcome" db:"outcome"`

	// Reason is set for failed calls (the operation that failed).
	Reason string `json:"reason,omitempty" db:"reason"`

	StartedAt       time.Time `json:"started_at" db:"started_at"`
	ConnectedAt     time.Time `json:"connected_at,omitempty" db:"connected_at"`
	EndedAt         time.Time `json:"ended_at" db:"ended_at"`
	DurationSeconds int       `json:"duration_seconds" db:"duration_seconds"`
}

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// ListRequest selects a page of a user's call log, newest first.
type ListRequest struct {
	UserID string
	Range  TimeRange
	Limit  int
}

type SummaryRequest struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`
}

type Summary struct {
	UserID string `json:"user_id"`

	TotalCalls     int `json:"total_calls"`
	IncomingCalls  int `json:"incoming_calls"`
	OutgoingCalls  int `json:"outgoing_calls"`
	CompletedCalls int `json:"completed_calls"`
	MissedCalls    int `json:"missed_calls"`
	DeclinedCalls  int `json:"declined_calls"`
	RejectedCalls  int `json:"rejected_calls"`
	CancelledCalls int `json:"cancelled_calls"`
	BusyCalls      int `json:"busy_calls"`
	FailedCalls    int `json:"failed_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`
}
