package scope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"call-orchestrator/internal/signaling"

	"github.com/google/uuid"
)

var (
	// ErrAlreadyRegistered is the registration conflict for a scope id that is already live.
	// Subscribe recovers it; it never reaches callers.
	ErrAlreadyRegistered = errors.New("scope: already registered")
	ErrScopeLeased       = errors.New("scope: scope id leased by another process")
	ErrInvalidScope      = errors.New("scope: scope id required")
	ErrNotRegistered     = errors.New("scope: scope not registered")
)

// Options tunes a Manager. The zero value is usable: no leases, slog.Default().
type Options struct {
	// Leases, when set, makes a scope id live in at most one process at a time.
	Leases   LeaseStore
	LeaseTTL time.Duration
	// Owner identifies this process in lease records. Defaults to a random uuid.
	Owner string
	// Namespace qualifies lease keys; scope ids are only unique per user.
	Namespace string
	// OnLeaseLost is called (on the renewal goroutine) when a held lease cannot be renewed.
	OnLeaseLost func(scopeID string)

	Logger *slog.Logger
}

// Manager keeps at most one signaling subscription per scope id for one signed-in user.
//
// Several scopes may be live at once (an app-wide scope with a conversation scope nested in it),
// but every inbound event is handed to exactly one of them:
//   - the scope that claimed the event's session id, else
//   - the most recently subscribed live scope.
//
// An incoming-call event is claimed by the scope it is handed to. The answer to an outgoing
// call whose session id is not claimed yet goes to the newest scope expecting one (see Expect).
type Manager struct {
	client signaling.Client
	opts   Options
	log    *slog.Logger

	locks keyedLocks

	mu     sync.Mutex
	scopes map[string]*record
	stack  []string          // subscription order, newest last
	claims map[string]string // session id -> scope id
}

type record struct {
	id          string
	handlers    signaling.Handlers
	stopRenewal context.CancelFunc
	renewDone   chan struct{}

	owners    int  // outstanding Acquire releases
	expecting bool // an outgoing call is in flight with no session id yet
}

func NewManager(client signaling.Client, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Owner == "" {
		opts.Owner = uuid.NewString()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	return &Manager{
		client: client,
		opts:   opts,
		log:    opts.Logger,
		locks:  keyedLocks{m: make(map[string]*refLock)},
		scopes: make(map[string]*record),
		claims: make(map[string]string),
	}
}

// Subscribe registers h under scopeID. Subscribing an id that is already live is a no-op
// success; the client sees exactly one listener registration per live id.
func (m *Manager) Subscribe(ctx context.Context, scopeID string, h signaling.Handlers) error {
	if scopeID == "" {
		return ErrInvalidScope
	}
	unlock := m.locks.lock(scopeID)
	defer unlock()

	err := m.register(ctx, scopeID, h)
	if errors.Is(err, ErrAlreadyRegistered) {
		m.log.Debug("scope: subscribe on live scope ignored", "scope_id", scopeID)
		return nil
	}
	return err
}

// Unsubscribe tears down scopeID regardless of outstanding Acquire owners. Unknown ids are ignored.
func (m *Manager) Unsubscribe(scopeID string) {
	unlock := m.locks.lock(scopeID)
	defer unlock()
	m.unsubscribeLocked(scopeID)
}

// unsubscribeLocked requires the per-id lock.
func (m *Manager) unsubscribeLocked(scopeID string) {
	m.mu.Lock()
	rec, ok := m.scopes[scopeID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.scopes, scopeID)
	m.removeFromStackLocked(scopeID)
	for sid, owner := range m.claims {
		if owner == scopeID {
			delete(m.claims, sid)
		}
	}
	m.mu.Unlock()

	m.client.UnregisterListener(scopeID)
	m.dropLease(rec)
	m.log.Debug("scope: unsubscribed", "scope_id", scopeID)
}

// Acquire subscribes scopeID and returns an idempotent release for use with defer.
// Acquiring a live id shares its subscription; it is torn down when the last owner releases.
func (m *Manager) Acquire(ctx context.Context, scopeID string, h signaling.Handlers) (release func(), err error) {
	if scopeID == "" {
		return func() {}, ErrInvalidScope
	}
	unlock := m.locks.lock(scopeID)
	if err := m.register(ctx, scopeID, h); err != nil && !errors.Is(err, ErrAlreadyRegistered) {
		unlock()
		return func() {}, err
	}
	m.mu.Lock()
	rec := m.scopes[scopeID]
	rec.owners++
	m.mu.Unlock()
	unlock()

	var once sync.Once
	return func() { once.Do(func() { m.releaseOwner(rec) }) }, nil
}

func (m *Manager) releaseOwner(rec *record) {
	unlock := m.locks.lock(rec.id)
	defer unlock()

	m.mu.Lock()
	if m.scopes[rec.id] != rec {
		// Already torn down, possibly replaced by a newer subscription under the same id.
		m.mu.Unlock()
		return
	}
	rec.owners--
	last := rec.owners <= 0
	m.mu.Unlock()

	if last {
		m.unsubscribeLocked(rec.id)
	}
}

func (m *Manager) IsRegistered(scopeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.scopes[scopeID]
	return ok
}

// Scopes returns the live scope ids in subscription order.
func (m *Manager) Scopes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.stack))
	copy(out, m.stack)
	return out
}

// Claim routes every later event for sessionID to scopeID.
func (m *Manager) Claim(scopeID, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id required", signaling.ErrInvalidRequest)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scopes[scopeID]; !ok {
		return ErrNotRegistered
	}
	m.claims[sessionID] = scopeID
	m.scopes[scopeID].expecting = false
	return nil
}

// Expect marks scopeID as waiting for the answer to an outgoing call it has not bound to a
// session id yet. Unknown ids are ignored.
func (m *Manager) Expect(scopeID string, waiting bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.scopes[scopeID]; ok {
		rec.expecting = waiting
	}
}

// Release forgets the claim on sessionID.
func (m *Manager) Release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, sessionID)
}

// Close unsubscribes every live scope, newest first.
func (m *Manager) Close() {
	ids := m.Scopes()
	for i := len(ids) - 1; i >= 0; i-- {
		m.Unsubscribe(ids[i])
	}
}

func (m *Manager) register(ctx context.Context, scopeID string, h signaling.Handlers) error {
	if m.IsRegistered(scopeID) {
		return ErrAlreadyRegistered
	}

	rec := &record{id: scopeID, handlers: h}
	if m.opts.Leases != nil {
		ok, err := m.opts.Leases.Acquire(ctx, m.leaseKey(scopeID), m.opts.Owner, m.opts.LeaseTTL)
		if err != nil {
			return fmt.Errorf("scope: lease %s: %w", scopeID, err)
		}
		if !ok {
			return ErrScopeLeased
		}
	}

	// The record goes live before the listener so the first delivery already routes here.
	m.mu.Lock()
	m.scopes[scopeID] = rec
	m.stack = append(m.stack, scopeID)
	m.mu.Unlock()

	err := m.client.RegisterListener(scopeID, m.gate(scopeID, h))
	if errors.Is(err, signaling.ErrListenerExists) {
		// A listener left behind under this id without a live record; replace it.
		m.log.Warn("scope: replacing stale listener", "scope_id", scopeID)
		m.client.UnregisterListener(scopeID)
		err = m.client.RegisterListener(scopeID, m.gate(scopeID, h))
	}
	if err != nil {
		m.mu.Lock()
		delete(m.scopes, scopeID)
		m.removeFromStackLocked(scopeID)
		m.mu.Unlock()
		if m.opts.Leases != nil {
			_ = m.opts.Leases.Release(context.WithoutCancel(ctx), m.leaseKey(scopeID), m.opts.Owner)
		}
		return fmt.Errorf("scope: register %s: %w", scopeID, err)
	}

	if m.opts.Leases != nil {
		renewCtx, cancel := context.WithCancel(context.Background())
		rec.stopRenewal = cancel
		rec.renewDone = make(chan struct{})
		go m.renew(renewCtx, rec)
	}

	m.log.Debug("scope: subscribed", "scope_id", scopeID)
	return nil
}

// gate wraps h so that it only sees the events routed to scopeID.
func (m *Manager) gate(scopeID string, h signaling.Handlers) signaling.Handlers {
	return signaling.Map(func(kind signaling.EventKind, ref signaling.SessionRef) {
		if m.route(kind, ref) != scopeID {
			return
		}
		h.Dispatch(kind, ref)
	})
}

// route picks the single scope that owns an event.
func (m *Manager) route(kind signaling.EventKind, ref signaling.SessionRef) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if owner, ok := m.claims[ref.SessionID]; ok {
		if _, live := m.scopes[owner]; live {
			return owner
		}
		delete(m.claims, ref.SessionID)
	}
	if len(m.stack) == 0 {
		return ""
	}
	if (kind == signaling.EventOutgoingAccepted || kind == signaling.EventOutgoingRejected) && ref.SessionID != "" {
		for i := len(m.stack) - 1; i >= 0; i-- {
			if rec := m.scopes[m.stack[i]]; rec.expecting {
				rec.expecting = false
				m.claims[ref.SessionID] = rec.id
				return rec.id
			}
		}
	}
	top := m.stack[len(m.stack)-1]
	if kind == signaling.EventIncoming && ref.SessionID != "" {
		m.claims[ref.SessionID] = top
	}
	return top
}

func (m *Manager) removeFromStackLocked(scopeID string) {
	for i, id := range m.stack {
		if id == scopeID {
			m.stack = append(m.stack[:i], m.stack[i+1:]...)
			return
		}
	}
}

func (m *Manager) renew(ctx context.Context, rec *record) {
	defer close(rec.renewDone)

	every := m.opts.LeaseTTL / 3
	if every < 10*time.Millisecond {
		every = 10 * time.Millisecond
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ok, err := m.opts.Leases.Renew(ctx, m.leaseKey(rec.id), m.opts.Owner, m.opts.LeaseTTL)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				m.log.Warn("scope: lease renewal failed", "scope_id", rec.id, "err", err)
				continue
			}
			if !ok {
				m.log.Error("scope: lease lost", "scope_id", rec.id)
				if m.opts.OnLeaseLost != nil {
					m.opts.OnLeaseLost(rec.id)
				}
				return
			}
		}
	}
}

func (m *Manager) dropLease(rec *record) {
	if m.opts.Leases == nil {
		return
	}
	if rec.stopRenewal != nil {
		rec.stopRenewal()
		<-rec.renewDone
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.opts.Leases.Release(ctx, m.leaseKey(rec.id), m.opts.Owner); err != nil {
		m.log.Warn("scope: lease release failed", "scope_id", rec.id, "err", err)
	}
}

func (m *Manager) leaseKey(scopeID string) string {
	if m.opts.Namespace == "" {
		return "scope-lease:" + scopeID
	}
	return "scope-lease:" + m.opts.Namespace + ":" + scopeID
}

type keyedLocks struct {
	mu sync.Mutex
	m  map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func (k *keyedLocks) lock(id string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.m[id]
	if !ok {
		l = &refLock{}
		k.m[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.m, id)
		}
		k.mu.Unlock()
	}
}
