package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"call-orchestrator/internal/calls"
	"call-orchestrator/internal/media"
	"call-orchestrator/internal/signaling"
)

// Machine drives the call lifecycle of one listener scope.
//
// Rules:
//   - One goroutine (the loop) owns all call state. Inbound signaling events, user commands,
//     request results and timers are queued on a single channel and applied one at a time.
//   - Signaling requests run on their own goroutines; their outcome comes back as a result event
//     tagged with the session generation, so results for a discarded session are ignored.
//   - Commands return once the loop has applied them, never after the network request.
//   - After Close the scope listener has been unregistered exactly once and later deliveries are dropped.
type Machine struct {
	cfg Config
	log *slog.Logger

	events chan any
	quit   chan struct{}
	done   chan struct{}
	errs   chan ErrorReport

	lifeMu  sync.Mutex
	started bool
	closed  bool

	bg sync.WaitGroup

	// reqCtx parents every signaling request; it is cancelled on Close.
	reqCtx    context.Context
	cancelReq context.CancelFunc

	current atomic.Pointer[Snapshot]

	watchMu     sync.Mutex
	watchers    map[int]chan Snapshot
	nextWatch   int
	watchClosed bool

	// loop-owned state
	state    calls.State
	session  *calls.Session
	settings *media.Settings
	lastErr  *ErrorReport
	gen      uint64
	seq      uint64
	grace    *time.Timer
}

func New(cfg Config) (*Machine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &Machine{
		cfg:      cfg,
		log:      cfg.Logger.With("scope_id", cfg.ScopeID, "user_id", cfg.UserID),
		events:   make(chan any, cfg.EventBuffer),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		errs:     make(chan ErrorReport, 16),
		watchers: make(map[int]chan Snapshot),
		state:    calls.StateNoCall,
	}
	m.reqCtx, m.cancelReq = context.WithCancel(context.Background())
	m.current.Store(&Snapshot{ScopeID: cfg.ScopeID, State: calls.StateNoCall})
	return m, nil
}

// Start subscribes the scope and starts the event loop. Starting twice is a no-op.
func (m *Machine) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.started {
		return nil
	}

	release, err := m.cfg.Scopes.Acquire(ctx, m.cfg.ScopeID, signaling.Map(func(kind signaling.EventKind, ref signaling.SessionRef) {
		m.post(inboundEvent{kind: kind, ref: ref})
	}))
	if err != nil {
		return err
	}
	m.started = true
	go m.run(release)
	return nil
}

// Close tears the scope down: the call (if any) is discarded, the listener is unregistered and
// in-flight request results are ignored. Close blocks until the loop and its helpers are done.
func (m *Machine) Close() {
	m.lifeMu.Lock()
	if !m.closed {
		m.closed = true
		close(m.quit)
		m.cancelReq()
		if !m.started {
			close(m.done)
			close(m.errs)
			m.closeWatchers()
		}
	}
	m.lifeMu.Unlock()

	<-m.done
	m.bg.Wait()
}

// Done is closed once the machine has torn down.
func (m *Machine) Done() <-chan struct{} { return m.done }

func (m *Machine) ScopeID() string { return m.cfg.ScopeID }

// Current returns the latest snapshot. It is updated synchronously after every transition.
func (m *Machine) Current() Snapshot { return *m.current.Load() }

// Errors delivers one report per transition into ENDED_ERROR. It is closed on teardown.
func (m *Machine) Errors() <-chan ErrorReport { return m.errs }

// Watch streams snapshots, latest wins: a slow reader only ever sees the newest one.
// The current snapshot is delivered first. The channel is closed by cancel or on teardown.
func (m *Machine) Watch() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	m.watchMu.Lock()
	if m.watchClosed {
		m.watchMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := m.nextWatch
	m.nextWatch++
	m.watchers[id] = ch
	ch <- *m.current.Load()
	m.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.watchMu.Lock()
			defer m.watchMu.Unlock()
			if c, ok := m.watchers[id]; ok {
				delete(m.watchers, id)
				close(c)
			}
		})
	}
}

// Commands

func (m *Machine) Initiate(ctx context.Context, targetID string, receiverType calls.ReceiverType, callType calls.CallType) error {
	return m.do(ctx, "initiate", func() error { return m.initiate(targetID, receiverType, callType) })
}

func (m *Machine) AcceptCurrent(ctx context.Context) error {
	return m.do(ctx, "accept", m.acceptCurrent)
}

func (m *Machine) DeclineCurrent(ctx context.Context) error {
	return m.do(ctx, "decline", m.declineCurrent)
}

func (m *Machine) EndCurrent(ctx context.Context) error {
	return m.do(ctx, "end", m.endCurrent)
}

// ReportEngineError is called by the presentation when the calling engine fails mid-call.
func (m *Machine) ReportEngineError(ctx context.Context, reason string) error {
	return m.do(ctx, "engine_error", func() error { return m.engineError(reason) })
}

// AcknowledgeError resets ENDED_ERROR to NO_CALL before the grace period runs out.
func (m *Machine) AcknowledgeError(ctx context.Context) error {
	return m.do(ctx, "acknowledge", m.acknowledge)
}

func (m *Machine) do(ctx context.Context, name string, apply func() error) error {
	m.lifeMu.Lock()
	started, closed := m.started, m.closed
	m.lifeMu.Unlock()
	if closed {
		return ErrClosed
	}
	if !started {
		return ErrNotStarted
	}

	cmd := commandEvent{name: name, apply: apply, reply: make(chan error, 1)}
	select {
	case m.events <- cmd:
	case <-m.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues an event unless the machine is tearing down.
func (m *Machine) post(ev any) bool {
	select {
	case <-m.quit:
		m.log.Debug("call: stale callback dropped", "event", eventName(ev))
		return false
	default:
	}
	select {
	case m.events <- ev:
		return true
	case <-m.quit:
		m.log.Debug("call: stale callback dropped", "event", eventName(ev))
		return false
	}
}

func (m *Machine) run(release func()) {
	defer close(m.done)
	defer close(m.errs)
	defer release()

	for {
		select {
		case <-m.quit:
			m.teardown()
			return
		case ev := <-m.events:
			m.dispatch(ev)
		}
	}
}

func (m *Machine) dispatch(ev any) {
	switch e := ev.(type) {
	case commandEvent:
		e.reply <- e.apply()
	case inboundEvent:
		m.onInbound(e)
	case resultEvent:
		m.onResult(e)
	case graceExpired:
		if e.gen == m.gen && m.state == calls.StateEndedError {
			m.reset("grace period elapsed")
		}
	}
}

func (m *Machine) teardown() {
	m.stopGrace()
	if m.session != nil {
		m.log.Info("call: scope torn down with call in progress", "state", m.state, "session_id", m.session.SessionID)
	}
	m.discard()
	m.lastErr = nil
	if m.state != calls.StateNoCall {
		m.transition(calls.StateNoCall, "scope teardown")
	}
	m.closeWatchers()
	m.drainOrphans()
}

// drainOrphans ends sessions whose initiate result was queued but never applied.
func (m *Machine) drainOrphans() {
	for {
		select {
		case ev := <-m.events:
			r, ok := ev.(resultEvent)
			if !ok || r.op != OpInitiate || r.err != nil || r.ref.SessionID == "" {
				continue
			}
			sid := r.ref.SessionID
			m.bg.Add(1)
			go func() {
				defer m.bg.Done()
				m.endOrphan(sid)
			}()
		default:
			return
		}
	}
}

func (m *Machine) closeWatchers() {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	m.watchClosed = true
	for id, ch := range m.watchers {
		delete(m.watchers, id)
		close(ch)
	}
}

func (m *Machine) publish() {
	m.seq++
	snap := Snapshot{ScopeID: m.cfg.ScopeID, State: m.state, Seq: m.seq}
	if m.session != nil {
		s := *m.session
		snap.Session = &s
	}
	if m.settings != nil {
		st := *m.settings
		snap.Settings = &st
	}
	if m.lastErr != nil {
		r := *m.lastErr
		snap.Error = &r
	}
	m.current.Store(&snap)

	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	for _, ch := range m.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func eventName(ev any) string {
	switch e := ev.(type) {
	case inboundEvent:
		return string(e.kind)
	case resultEvent:
		return string(e.op) + "_result"
	case commandEvent:
		return e.name
	case graceExpired:
		return "grace_expired"
	default:
		return "unknown"
	}
}
