package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"call-orchestrator/internal/calls"
	"call-orchestrator/internal/history"
	"call-orchestrator/internal/media"
	"call-orchestrator/internal/signaling"
)

var (
	// ErrInvalidTransition is returned by a command that is not valid in the current state.
	// The state is left unchanged.
	ErrInvalidTransition = errors.New("orchestrator: invalid transition")
	ErrClosed            = errors.New("orchestrator: machine closed")
	ErrNotStarted        = errors.New("orchestrator: machine not started")
	ErrInvalidConfig     = errors.New("orchestrator: invalid config")
)

// Operation names the request or component whose failure ended a call.
type Operation string

const (
	OpInitiate      Operation = "initiate"
	OpAccept        Operation = "accept"
	OpReject        Operation = "reject"
	OpEnd           Operation = "end"
	OpMediaSettings Operation = "media_settings"
	OpEngine        Operation = "engine"
)

// RequestError is a failed signaling request.
type RequestError struct {
	Operation Operation
	Err       error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("orchestrator: %s request failed: %v", e.Operation, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// ErrorReport is emitted once per transition into ENDED_ERROR.
type ErrorReport struct {
	Operation Operation `json:"operation"`
	Reason    string    `json:"reason"`
	SessionID string    `json:"session_id,omitempty"`
	At        time.Time `json:"at"`
}

// Snapshot is the observable (state, session) pair of one scope.
// Session and Settings are copies; mutating them has no effect on the machine.
type Snapshot struct {
	ScopeID  string          `json:"scope_id"`
	State    calls.State     `json:"state"`
	Session  *calls.Session  `json:"session,omitempty"`
	Settings *media.Settings `json:"settings,omitempty"`
	Error    *ErrorReport    `json:"error,omitempty"`
	// Seq increases with every published snapshot.
	Seq uint64 `json:"seq"`
}

// Scopes is the part of the listener scope manager a machine needs.
type Scopes interface {
	Acquire(ctx context.Context, scopeID string, h signaling.Handlers) (release func(), err error)
	Claim(scopeID, sessionID string) error
	Release(sessionID string)
	// Expect marks the scope as waiting for the answer to an outgoing call with no session id yet.
	Expect(scopeID string, waiting bool)
}

// SettingsBuilder produces media settings for a connected call.
type SettingsBuilder interface {
	Ready() bool
	Build(s calls.Session) (media.Settings, error)
}

// Auditor receives fatal call errors.
type Auditor interface {
	LogCallError(ctx context.Context, userID, scopeID, sessionID, operation, reason string) error
}

// Recorder receives terminal call outcomes.
type Recorder interface {
	Record(ctx context.Context, e history.Entry) error
}

// Config wires a Machine to its collaborators.
type Config struct {
	ScopeID string
	UserID  string

	Client  signaling.Client
	Scopes  Scopes
	Builder SettingsBuilder

	Logger *slog.Logger

	// GracePeriod is how long ENDED_ERROR waits for an acknowledgement before resetting.
	GracePeriod time.Duration
	// RequestTimeout bounds each signaling request.
	RequestTimeout time.Duration
	// EventBuffer is the event queue capacity.
	EventBuffer int

	// Optional, best-effort hooks.
	Audit    Auditor
	Recorder Recorder

	Now func() time.Time
}

func (c *Config) validate() error {
	switch {
	case c.ScopeID == "":
		return fmt.Errorf("%w: scope id required", ErrInvalidConfig)
	case c.UserID == "":
		return fmt.Errorf("%w: user id required", ErrInvalidConfig)
	case c.Client == nil:
		return fmt.Errorf("%w: signaling client required", ErrInvalidConfig)
	case c.Scopes == nil:
		return fmt.Errorf("%w: scope manager required", ErrInvalidConfig)
	case c.Builder == nil:
		return fmt.Errorf("%w: settings builder required", ErrInvalidConfig)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// events on the machine queue

type inboundEvent struct {
	kind signaling.EventKind
	ref  signaling.SessionRef
}

type resultEvent struct {
	op  Operation
	gen uint64
	ref signaling.SessionRef
	err error
}

type commandEvent struct {
	name  string
	apply func() error
	reply chan error
}

type graceExpired struct {
	gen uint64
}
