package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"call-orchestrator/internal/calls"
	"call-orchestrator/internal/history"
	"call-orchestrator/internal/media"
	"call-orchestrator/internal/signaling"
)

// Everything in this file runs on the loop goroutine.

func (m *Machine) initiate(targetID string, receiverType calls.ReceiverType, callType calls.CallType) error {
	if m.state != calls.StateNoCall {
		return ErrInvalidTransition
	}
	s := calls.NewOutgoing(targetID, callType, receiverType, m.cfg.Now())
	if err := s.Validate(); err != nil {
		return err
	}
	if receiverType == calls.ReceiverUser && targetID == m.cfg.UserID {
		return fmt.Errorf("%w: cannot call yourself", calls.ErrInvalidSession)
	}

	m.gen++
	m.session = &s
	if !m.cfg.Builder.Ready() {
		m.fail(OpInitiate, media.ErrEngineUnavailable)
		return nil
	}
	m.transition(calls.StateOutgoing, "initiate")

	scopeID := m.cfg.ScopeID
	m.cfg.Scopes.Expect(scopeID, true)
	m.request(OpInitiate, m.gen, func(ctx context.Context) (signaling.SessionRef, error) {
		ref, err := m.cfg.Client.Initiate(ctx, targetID, receiverType, callType)
		if err == nil && ref.SessionID != "" {
			// Claim before the result is queued so the callee's answer routes to this scope.
			_ = m.cfg.Scopes.Claim(scopeID, ref.SessionID)
		}
		return ref, err
	})
	return nil
}

func (m *Machine) acceptCurrent() error {
	if m.state != calls.StateIncoming {
		return ErrInvalidTransition
	}
	if !m.cfg.Builder.Ready() {
		sid := m.session.SessionID
		m.fail(OpAccept, media.ErrEngineUnavailable)
		m.sendReject(sid, signaling.RejectReasonRejected)
		return nil
	}
	m.transition(calls.StateConnecting, "accept")

	sid := m.session.SessionID
	m.request(OpAccept, m.gen, func(ctx context.Context) (signaling.SessionRef, error) {
		return m.cfg.Client.Accept(ctx, sid)
	})
	return nil
}

func (m *Machine) declineCurrent() error {
	if m.state != calls.StateIncoming {
		return ErrInvalidTransition
	}
	sid := m.session.SessionID
	m.record(history.OutcomeDeclined, "")
	m.discard()
	m.transition(calls.StateNoCall, "decline")
	m.sendReject(sid, signaling.RejectReasonRejected)
	return nil
}

func (m *Machine) endCurrent() error {
	switch m.state {
	case calls.StateOutgoing:
		sid := m.session.SessionID
		m.record(history.OutcomeCancelled, "")
		m.discard()
		m.transition(calls.StateNoCall, "end")
		// An unbound call is ended when its initiate result arrives.
		if sid != "" {
			m.sendEnd(sid)
		}
		return nil
	case calls.StateActive:
		sid := m.session.SessionID
		m.record(history.OutcomeCompleted, "")
		m.discard()
		m.transition(calls.StateNoCall, "end")
		m.sendEnd(sid)
		return nil
	default:
		return ErrInvalidTransition
	}
}

func (m *Machine) engineError(reason string) error {
	if m.state != calls.StateActive {
		return ErrInvalidTransition
	}
	if reason == "" {
		reason = "calling engine error"
	}
	sid := m.session.SessionID
	m.fail(OpEngine, errors.New(reason))
	m.sendEnd(sid)
	return nil
}

func (m *Machine) acknowledge() error {
	if m.state != calls.StateEndedError {
		return ErrInvalidTransition
	}
	m.reset("error acknowledged")
	return nil
}

func (m *Machine) onInbound(e inboundEvent) {
	ref := e.ref
	switch e.kind {
	case signaling.EventIncoming:
		m.onIncoming(ref)
		return

	case signaling.EventIncomingCancelled:
		if (m.state == calls.StateIncoming || m.state == calls.StateConnecting) && m.matches(ref) {
			m.record(history.OutcomeMissed, "")
			m.discard()
			m.transition(calls.StateNoCall, "incoming cancelled")
			return
		}

	case signaling.EventOutgoingAccepted:
		if m.state == calls.StateOutgoing && m.matchesOrUnbound(ref) {
			m.bind(ref.SessionID)
			m.connect("outgoing accepted")
			return
		}

	case signaling.EventOutgoingRejected:
		if m.state == calls.StateOutgoing && m.matchesOrUnbound(ref) {
			m.bind(ref.SessionID)
			m.record(history.OutcomeRejected, "")
			m.discard()
			m.transition(calls.StateNoCall, "outgoing rejected")
			return
		}

	case signaling.EventCallEnded:
		if m.state == calls.StateActive && m.matches(ref) {
			m.record(history.OutcomeCompleted, "")
			m.discard()
			m.transition(calls.StateNoCall, "call ended")
			return
		}
		if m.state == calls.StateConnecting && m.matches(ref) {
			m.record(history.OutcomeMissed, "")
			m.discard()
			m.transition(calls.StateNoCall, "call ended while connecting")
			return
		}
	}
	m.log.Debug("call: event ignored", "event", e.kind, "state", m.state, "session_id", ref.SessionID)
}

func (m *Machine) onIncoming(ref signaling.SessionRef) {
	if m.state == calls.StateNoCall {
		from := ref.InitiatorID
		if ref.ReceiverType == calls.ReceiverGroup {
			from = ref.ReceiverID
		}
		s := calls.NewIncoming(ref.SessionID, from, ref.CallType, ref.ReceiverType, m.cfg.Now())
		if err := s.Validate(); err != nil || !s.Bound() {
			m.log.Warn("call: malformed incoming call ignored", "session_id", ref.SessionID, "err", err)
			return
		}
		m.gen++
		m.session = &s
		m.transition(calls.StateIncoming, "incoming call")
		return
	}

	if m.session != nil && m.session.SessionID == ref.SessionID {
		m.log.Debug("call: duplicate incoming call ignored", "session_id", ref.SessionID)
		return
	}

	// One call per scope: a second call is declined without ringing.
	m.log.Info("call: declining incoming call while busy", "state", m.state, "session_id", ref.SessionID, "from", ref.InitiatorID)
	m.cfg.Scopes.Release(ref.SessionID)
	busy := calls.NewIncoming(ref.SessionID, ref.InitiatorID, ref.CallType, ref.ReceiverType, m.cfg.Now())
	m.recordSession(busy, history.OutcomeBusy, "")
	m.sendReject(ref.SessionID, signaling.RejectReasonBusy)
}

func (m *Machine) onResult(r resultEvent) {
	switch r.op {
	case OpReject, OpEnd:
		if r.err != nil {
			m.log.Warn("call: request failed", "operation", r.op, "session_id", r.ref.SessionID, "err", r.err)
		}

	case OpInitiate:
		if r.gen != m.gen || m.state != calls.StateOutgoing {
			if r.err == nil && r.ref.SessionID != "" && !m.owns(r.ref.SessionID) {
				m.log.Info("call: ending orphaned outgoing session", "session_id", r.ref.SessionID)
				m.cfg.Scopes.Release(r.ref.SessionID)
				m.sendEnd(r.ref.SessionID)
				return
			}
			m.log.Debug("call: stale result ignored", "operation", r.op, "session_id", r.ref.SessionID)
			return
		}
		m.cfg.Scopes.Expect(m.cfg.ScopeID, false)
		if r.err != nil {
			m.fail(OpInitiate, r.err)
			return
		}
		if m.session.Bound() && m.session.SessionID != r.ref.SessionID {
			m.log.Warn("call: initiate result for a different session", "session_id", r.ref.SessionID, "current", m.session.SessionID)
			return
		}
		m.bind(r.ref.SessionID)

	case OpAccept:
		if r.gen != m.gen || m.state != calls.StateConnecting {
			m.log.Debug("call: stale result ignored", "operation", r.op, "session_id", r.ref.SessionID)
			return
		}
		if r.err != nil {
			m.fail(OpAccept, r.err)
			return
		}
		m.connect("accept succeeded")
	}
}

// connect moves the current session into ACTIVE with freshly built media settings.
func (m *Machine) connect(cause string) {
	settings, err := m.cfg.Builder.Build(*m.session)
	if err != nil {
		sid := m.session.SessionID
		m.fail(OpMediaSettings, err)
		if sid != "" {
			m.sendEnd(sid)
		}
		return
	}
	m.settings = &settings
	m.session.ConnectedAt = m.cfg.Now()
	m.transition(calls.StateActive, cause)
}

// fail enters ENDED_ERROR: the session is discarded and one error report is emitted.
func (m *Machine) fail(op Operation, err error) {
	reason := err.Error()
	var re *RequestError
	if errors.As(err, &re) {
		reason = re.Err.Error()
	}
	sid := ""
	if m.session != nil {
		sid = m.session.SessionID
	}
	report := ErrorReport{Operation: op, Reason: reason, SessionID: sid, At: m.cfg.Now()}
	m.log.Error("call: fatal error", "operation", op, "reason", reason, "session_id", sid, "state", m.state)

	m.record(history.OutcomeFailed, string(op))
	m.audit(report)
	m.discard()
	m.lastErr = &report
	m.transition(calls.StateEndedError, string(op)+" failed")

	select {
	case m.errs <- report:
	default:
		m.log.Warn("call: error report dropped, channel full", "operation", op)
	}

	m.stopGrace()
	gen := m.gen
	m.grace = time.AfterFunc(m.cfg.GracePeriod, func() { m.post(graceExpired{gen: gen}) })
}

func (m *Machine) reset(cause string) {
	m.stopGrace()
	m.lastErr = nil
	m.transition(calls.StateNoCall, cause)
}

func (m *Machine) stopGrace() {
	if m.grace != nil {
		m.grace.Stop()
		m.grace = nil
	}
}

func (m *Machine) transition(to calls.State, cause string) {
	from := m.state
	m.state = to
	if m.session != nil {
		m.session.Status = to
	}
	m.log.Debug("call: transition", "from", from, "to", to, "cause", cause, "session_id", m.currentSessionID())
	m.publish()
}

// discard drops the current session; results still in flight for it become stale.
func (m *Machine) discard() {
	if m.session != nil && m.session.SessionID != "" {
		m.cfg.Scopes.Release(m.session.SessionID)
	}
	m.cfg.Scopes.Expect(m.cfg.ScopeID, false)
	m.session = nil
	m.settings = nil
	m.gen++
}

func (m *Machine) bind(sessionID string) {
	if m.session == nil || m.session.Bound() || sessionID == "" {
		return
	}
	m.session.SessionID = sessionID
	_ = m.cfg.Scopes.Claim(m.cfg.ScopeID, sessionID)
	m.log.Debug("call: session bound", "session_id", sessionID)
	m.publish()
}

func (m *Machine) matches(ref signaling.SessionRef) bool {
	return m.session != nil && m.session.Bound() && m.session.SessionID == ref.SessionID
}

func (m *Machine) matchesOrUnbound(ref signaling.SessionRef) bool {
	return m.session != nil && (!m.session.Bound() || m.session.SessionID == ref.SessionID)
}

func (m *Machine) owns(sessionID string) bool {
	return m.session != nil && m.session.SessionID == sessionID
}

func (m *Machine) currentSessionID() string {
	if m.session == nil {
		return ""
	}
	return m.session.SessionID
}

// request runs a signaling call off the loop and queues its result.
func (m *Machine) request(op Operation, gen uint64, fn func(ctx context.Context) (signaling.SessionRef, error)) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		ctx, cancel := context.WithTimeout(m.reqCtx, m.cfg.RequestTimeout)
		defer cancel()

		ref, err := fn(ctx)
		if err != nil {
			err = &RequestError{Operation: op, Err: err}
		}
		if m.post(resultEvent{op: op, gen: gen, ref: ref, err: err}) {
			return
		}
		if op == OpInitiate && err == nil && ref.SessionID != "" {
			// The scope is gone; nobody will ever answer for this session.
			m.endOrphan(ref.SessionID)
		}
	}()
}

// endOrphan ends a session created after teardown. It runs off the loop.
func (m *Machine) endOrphan(sessionID string) {
	m.log.Info("call: ending session created after teardown", "session_id", sessionID)
	m.cfg.Scopes.Release(sessionID)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.reqCtx), m.cfg.RequestTimeout)
	defer cancel()
	if err := m.cfg.Client.End(ctx, sessionID); err != nil {
		m.log.Warn("call: request failed", "operation", OpEnd, "session_id", sessionID, "err", err)
	}
}

// sendReject and sendEnd are fire-and-forget: failures are logged when their result comes back.
func (m *Machine) sendReject(sessionID string, reason signaling.RejectReason) {
	m.request(OpReject, m.gen, func(ctx context.Context) (signaling.SessionRef, error) {
		return signaling.SessionRef{SessionID: sessionID}, m.cfg.Client.Reject(ctx, sessionID, reason)
	})
}

func (m *Machine) sendEnd(sessionID string) {
	m.request(OpEnd, m.gen, func(ctx context.Context) (signaling.SessionRef, error) {
		return signaling.SessionRef{SessionID: sessionID}, m.cfg.Client.End(ctx, sessionID)
	})
}
