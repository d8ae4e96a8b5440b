package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"call-orchestrator/internal/calls"

	"github.com/google/uuid"
)

var ErrInvalidRequest = errors.New("history: invalid request")

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Repository is the persistence contract for call logs.
// Implementations must filter every read by user_id.
type Repository interface {
	Insert(ctx context.Context, e Entry) error
	List(ctx context.Context, userID string, from, to time.Time, limit int) ([]Entry, error)
}

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service { return &Service{repo: repo, clock: time.Now} }

// Record appends one call log entry. ID, EndedAt and DurationSeconds are derived when empty.
func (s *Service) Record(ctx context.Context, e Entry) error {
	if s.repo == nil {
		return errors.New("history: repository not configured")
	}
	if e.UserID == "" || e.CounterpartyID == "" {
		return fmt.Errorf("%w: user_id and counterparty_id required", ErrInvalidRequest)
	}
	if !e.Outcome.Valid() {
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidRequest, e.Outcome)
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.EndedAt.IsZero() {
		e.EndedAt = s.clock().UTC()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = e.EndedAt
	}
	if e.DurationSeconds == 0 && !e.ConnectedAt.IsZero() && e.EndedAt.After(e.ConnectedAt) {
		e.DurationSeconds = int(e.EndedAt.Sub(e.ConnectedAt) / time.Second)
	}
	return s.repo.Insert(ctx, e)
}

func (s *Service) List(ctx context.Context, req ListRequest) ([]Entry, error) {
	if req.UserID == "" {
		return nil, ErrInvalidRequest
	}
	if s.repo == nil {
		return nil, errors.New("history: repository not configured")
	}
	from, to := req.Range.From, req.Range.To
	if to.IsZero() {
		to = s.clock().UTC().Add(time.Second)
	}
	if !to.After(from) {
		return nil, ErrInvalidRequest
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return s.repo.List(ctx, req.UserID, from, to, limit)
}

func (s *Service) Summary(ctx context.Context, req SummaryRequest) (Summary, error) {
	if req.UserID == "" {
		return Summary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return Summary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return Summary{}, errors.New("history: repository not configured")
	}

	rows, err := s.repo.List(ctx, req.UserID, req.Range.From, req.Range.To, 0)
	if err != nil {
		return Summary{}, err
	}

	out := Summary{UserID: req.UserID}
	for _, e := range rows {
		out.TotalCalls++
		out.TotalDurationSeconds += e.DurationSeconds
		if e.Direction == calls.DirectionIncoming {
			out.IncomingCalls++
		} else {
			out.OutgoingCalls++
		}
		switch e.Outcome {
		case OutcomeCompleted:
			out.CompletedCalls++
		case OutcomeMissed:
			out.MissedCalls++
		case OutcomeDeclined:
			out.DeclinedCalls++
		case OutcomeRejected:
			out.RejectedCalls++
		case OutcomeCancelled:
			out.CancelledCalls++
		case OutcomeBusy:
			out.BusyCalls++
		case OutcomeFailed:
			out.FailedCalls++
		}
	}
	if out.CompletedCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.CompletedCalls
	}
	return out, nil
}
