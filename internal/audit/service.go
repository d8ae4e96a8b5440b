package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only; there are no Update/Delete methods.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// Audit is internal-only and callers treat it as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.UserID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogCallError records a fatal call error (a transition into ENDED_ERROR).
func (s *Service) LogCallError(ctx context.Context, userID, scopeID, sessionID, operation, reason string) error {
	return s.Append(ctx, Event{
		UserID:    userID,
		Type:      EventTypeCallError,
		ScopeID:   scopeID,
		SessionID: sessionID,
		Operation: operation,
		Message:   reason,
	})
}

// LogLeaseLost records a scope whose cross-process lease was taken over.
func (s *Service) LogLeaseLost(ctx context.Context, userID, scopeID string) error {
	return s.Append(ctx, Event{
		UserID:  userID,
		Type:    EventTypeScopeLeased,
		ScopeID: scopeID,
		Message: "scope lease lost",
	})
}
