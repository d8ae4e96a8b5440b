package orchestrator

import (
	"context"
	"time"

	"call-orchestrator/internal/calls"
	"call-orchestrator/internal/history"
)

const hookTimeout = 5 * time.Second

// record logs the terminal outcome of the current session. Hooks never block the loop.
func (m *Machine) record(outcome history.Outcome, reason string) {
	if m.session == nil {
		return
	}
	m.recordSession(*m.session, outcome, reason)
}

func (m *Machine) recordSession(s calls.Session, outcome history.Outcome, reason string) {
	if m.cfg.Recorder == nil {
		return
	}
	e := history.Entry{
		UserID:         m.cfg.UserID,
		ScopeID:        m.cfg.ScopeID,
		SessionID:      s.SessionID,
		Direction:      s.Direction,
		CallType:       s.CallType,
		CounterpartyID: s.CounterpartyID,
		ReceiverType:   s.ReceiverType,
		Outcome:        outcome,
		Reason:         reason,
		StartedAt:      s.CreatedAt,
		ConnectedAt:    s.ConnectedAt,
		EndedAt:        m.cfg.Now(),
	}
	m.hook(func(ctx context.Context) error { return m.cfg.Recorder.Record(ctx, e) }, "history")
}

func (m *Machine) audit(r ErrorReport) {
	if m.cfg.Audit == nil {
		return
	}
	userID, scopeID := m.cfg.UserID, m.cfg.ScopeID
	m.hook(func(ctx context.Context) error {
		return m.cfg.Audit.LogCallError(ctx, userID, scopeID, r.SessionID, string(r.Operation), r.Reason)
	}, "audit")
}

func (m *Machine) hook(fn func(ctx context.Context) error, name string) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			m.log.Warn("call: hook failed", "hook", name, "err", err)
		}
	}()
}
