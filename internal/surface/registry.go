package surface

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"call-orchestrator/internal/orchestrator"
	"call-orchestrator/internal/scope"
	"call-orchestrator/internal/signaling"
)

var (
	ErrScopeNotFound  = errors.New("surface: scope not open")
	ErrInvalidRequest = errors.New("surface: user id and scope id required")
	ErrClosed         = errors.New("surface: registry shut down")
)

// ClientFunc returns the signaling client bound to one signed-in user.
type ClientFunc func(userID string) signaling.Client

// AuditLogger receives fatal call errors and lost scope leases.
type AuditLogger interface {
	orchestrator.Auditor
	LogLeaseLost(ctx context.Context, userID, scopeID string) error
}

type Options struct {
	Clients ClientFunc
	Builder orchestrator.SettingsBuilder

	// Leases is optional; without it scopes are only exclusive within this process.
	Leases   scope.LeaseStore
	LeaseTTL time.Duration
	Owner    string

	GracePeriod    time.Duration
	RequestTimeout time.Duration
	EventBuffer    int

	Audit    AuditLogger
	Recorder orchestrator.Recorder

	Logger *slog.Logger
}

// Registry holds, per signed-in user, one scope manager and the machines of that user's open scopes.
// Logging out (CloseUser) tears every scope of the user down.
type Registry struct {
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	users  map[string]*userScopes
	closed bool

	bg sync.WaitGroup
}

type userScopes struct {
	mu       sync.Mutex
	scopes   *scope.Manager
	machines map[string]*orchestrator.Machine
	order    []string
	gone     bool
}

func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		opts:  opts,
		log:   opts.Logger,
		users: make(map[string]*userScopes),
	}
}

// Open returns the machine for (userID, scopeID), subscribing the scope on first use.
func (r *Registry) Open(ctx context.Context, userID, scopeID string) (*orchestrator.Machine, error) {
	if userID == "" || scopeID == "" {
		return nil, ErrInvalidRequest
	}
	u, err := r.user(userID)
	if err != nil {
		return nil, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.gone {
		return nil, ErrClosed
	}
	if m, ok := u.machines[scopeID]; ok {
		return m, nil
	}

	m, err := orchestrator.New(orchestrator.Config{
		ScopeID:        scopeID,
		UserID:         userID,
		Client:         r.opts.Clients(userID),
		Scopes:         u.scopes,
		Builder:        r.opts.Builder,
		Logger:         r.log,
		GracePeriod:    r.opts.GracePeriod,
		RequestTimeout: r.opts.RequestTimeout,
		EventBuffer:    r.opts.EventBuffer,
		Audit:          r.auditor(),
		Recorder:       r.opts.Recorder,
	})
	if err != nil {
		return nil, err
	}
	if err := m.Start(ctx); err != nil {
		m.Close()
		return nil, err
	}
	u.machines[scopeID] = m
	u.order = append(u.order, scopeID)
	r.drainErrors(userID, m)
	r.log.Info("surface: scope opened", "user_id", userID, "scope_id", scopeID)
	return m, nil
}

// drainErrors consumes the machine's error reports until teardown. Presentations learn about
// failures from snapshots; the report is kept in the process log.
func (r *Registry) drainErrors(userID string, m *orchestrator.Machine) {
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		for rep := range m.Errors() {
			r.log.Info("surface: call failed", "user_id", userID, "scope_id", m.ScopeID(),
				"operation", rep.Operation, "reason", rep.Reason, "session_id", rep.SessionID)
		}
	}()
}

// Machine looks up an open scope without creating it.
func (r *Registry) Machine(userID, scopeID string) (*orchestrator.Machine, bool) {
	r.mu.Lock()
	u, ok := r.users[userID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	m, ok := u.machines[scopeID]
	return m, ok
}

// Scopes lists the open scopes of a user, oldest first.
func (r *Registry) Scopes(userID string) []string {
	r.mu.Lock()
	u, ok := r.users[userID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.order...)
}

// CloseScope tears one scope down and waits for its machine to finish.
func (r *Registry) CloseScope(userID, scopeID string) error {
	r.mu.Lock()
	u, ok := r.users[userID]
	r.mu.Unlock()
	if !ok {
		return ErrScopeNotFound
	}

	u.mu.Lock()
	m, ok := u.machines[scopeID]
	if ok {
		delete(u.machines, scopeID)
		u.order = remove(u.order, scopeID)
	}
	u.mu.Unlock()
	if !ok {
		return ErrScopeNotFound
	}

	m.Close()
	r.log.Info("surface: scope closed", "user_id", userID, "scope_id", scopeID)
	return nil
}

// CloseUser tears down every scope of userID, newest first.
func (r *Registry) CloseUser(userID string) {
	r.mu.Lock()
	u, ok := r.users[userID]
	delete(r.users, userID)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.closeUser(userID, u)
}

// Shutdown closes every user and refuses further Open calls.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	users := r.users
	r.users = make(map[string]*userScopes)
	r.mu.Unlock()

	for id, u := range users {
		r.closeUser(id, u)
	}
	r.bg.Wait()
}

func (r *Registry) closeUser(userID string, u *userScopes) {
	u.mu.Lock()
	u.gone = true
	order := u.order
	machines := u.machines
	u.order = nil
	u.machines = make(map[string]*orchestrator.Machine)
	u.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		machines[order[i]].Close()
	}
	u.scopes.Close()
	r.log.Info("surface: user scopes closed", "user_id", userID, "scopes", len(order))
}

func (r *Registry) user(userID string) (*userScopes, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if u, ok := r.users[userID]; ok {
		return u, nil
	}
	u := &userScopes{machines: make(map[string]*orchestrator.Machine)}
	u.scopes = scope.NewManager(r.opts.Clients(userID), scope.Options{
		Leases:      r.opts.Leases,
		LeaseTTL:    r.opts.LeaseTTL,
		Owner:       r.opts.Owner,
		Namespace:   userID,
		OnLeaseLost: func(scopeID string) { r.leaseLost(userID, scopeID) },
		Logger:      r.log.With("user_id", userID),
	})
	r.users[userID] = u
	return u, nil
}

// leaseLost runs on the scope manager's renewal goroutine, which teardown waits for.
func (r *Registry) leaseLost(userID, scopeID string) {
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		r.log.Warn("surface: scope lease lost, closing scope", "user_id", userID, "scope_id", scopeID)
		if r.opts.Audit != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.opts.Audit.LogLeaseLost(ctx, userID, scopeID); err != nil {
				r.log.Warn("surface: audit failed", "err", err)
			}
			cancel()
		}
		_ = r.CloseScope(userID, scopeID)
	}()
}

func (r *Registry) auditor() orchestrator.Auditor {
	if r.opts.Audit == nil {
		return nil
	}
	return r.opts.Audit
}

func remove(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
