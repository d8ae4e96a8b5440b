package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - user_id is required; every call surface belongs to one signed-in user.
// - Audit capture is best-effort; call handling never blocks on it.
//
// Storage (Postgres): table audit_events, INSERT-only.
type Event struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`

	// Type indicates the category of the audit record.
	Type EventType `json:"type" db:"type"`

	ScopeID   string `json:"scope_id,omitempty" db:"scope_id"`
	SessionID string `json:"session_id,omitempty" db:"session_id"`
	// Operation names the signaling or engine operation involved (accept, initiate, ...).
	Operation string `json:"operation,omitempty" db:"operation"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCallError   EventType = "call_error"
	EventTypeScopeLeased EventType = "scope_lease_lost"
)
