package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"call-orchestrator/internal/calls"

	"github.com/google/uuid"
)

// LocalService is an in-process signaling service that routes call invitations between the
// users connected to one API process. It stands in for the hosted signaling service in local
// development and tests.
//
// Group calls ring every member except the initiator; the first member to accept wins and the
// remaining members receive a cancel.
type LocalService struct {
	mu        sync.Mutex
	listeners map[string]map[string]Handlers // user id -> listener id -> handlers
	groups    map[string]map[string]struct{}
	calls     map[string]*localCall

	newID func() string
	log   *slog.Logger
}

type localCall struct {
	ref      SessionRef
	ongoing  bool
	invitees map[string]struct{}
	joined   map[string]struct{}
}

type delivery struct {
	h    Handlers
	kind EventKind
	ref  SessionRef
}

func NewLocalService(log *slog.Logger) *LocalService {
	if log == nil {
		log = slog.Default()
	}
	return &LocalService{
		listeners: make(map[string]map[string]Handlers),
		groups:    make(map[string]map[string]struct{}),
		calls:     make(map[string]*localCall),
		newID:     uuid.NewString,
		log:       log,
	}
}

// Client returns the signaling client bound to userID.
func (s *LocalService) Client(userID string) Client {
	return &localClient{svc: s, userID: userID}
}

// JoinGroup adds userID to groupID so that group calls ring it. Joining twice is a no-op.
func (s *LocalService) JoinGroup(_ context.Context, groupID, userID string) error {
	if groupID == "" || userID == "" {
		return fmt.Errorf("%w: group id and user id required", ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.groups[groupID]
	if !ok {
		m = make(map[string]struct{})
		s.groups[groupID] = m
	}
	m[userID] = struct{}{}
	return nil
}

// LeaveGroup removes userID from groupID. Leaving a group one is not in is a no-op.
func (s *LocalService) LeaveGroup(_ context.Context, groupID, userID string) error {
	if groupID == "" || userID == "" {
		return fmt.Errorf("%w: group id and user id required", ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.groups[groupID]; ok {
		delete(m, userID)
		if len(m) == 0 {
			delete(s.groups, groupID)
		}
	}
	return nil
}

// GroupMembers returns the number of members of groupID.
func (s *LocalService) GroupMembers(groupID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.groups[groupID])
}

// ActiveCalls returns the number of call objects currently held.
func (s *LocalService) ActiveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// ListenerCount returns how many listeners userID has registered.
func (s *LocalService) ListenerCount(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners[userID])
}

func (s *LocalService) register(userID, listenerID string, h Handlers) error {
	if listenerID == "" {
		return fmt.Errorf("%w: listener id required", ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.listeners[userID]
	if !ok {
		m = make(map[string]Handlers)
		s.listeners[userID] = m
	}
	if _, exists := m[listenerID]; exists {
		return ErrListenerExists
	}
	m[listenerID] = h
	return nil
}

func (s *LocalService) unregister(userID, listenerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.listeners[userID]; ok {
		delete(m, listenerID)
		if len(m) == 0 {
			delete(s.listeners, userID)
		}
	}
}

func (s *LocalService) initiate(fromID, targetID string, receiverType calls.ReceiverType, callType calls.CallType) (SessionRef, error) {
	if targetID == "" || !receiverType.Valid() || !callType.Valid() {
		return SessionRef{}, ErrInvalidRequest
	}

	s.mu.Lock()
	invitees := make(map[string]struct{})
	switch receiverType {
	case calls.ReceiverUser:
		if targetID == fromID {
			s.mu.Unlock()
			return SessionRef{}, fmt.Errorf("%w: cannot call yourself", ErrInvalidRequest)
		}
		invitees[targetID] = struct{}{}
	case calls.ReceiverGroup:
		for member := range s.groups[targetID] {
			if member != fromID {
				invitees[member] = struct{}{}
			}
		}
		if len(invitees) == 0 {
			s.mu.Unlock()
			return SessionRef{}, fmt.Errorf("%w: group %q has no other members", ErrInvalidRequest, targetID)
		}
	}

	ref := SessionRef{
		SessionID:    s.newID(),
		CallType:     callType,
		InitiatorID:  fromID,
		ReceiverID:   targetID,
		ReceiverType: receiverType,
	}
	s.calls[ref.SessionID] = &localCall{ref: ref, invitees: invitees, joined: make(map[string]struct{})}

	var out []delivery
	for u := range invitees {
		out = s.collectLocked(out, u, EventIncoming, ref)
	}
	s.mu.Unlock()

	s.log.Debug("signaling: call initiated", "session_id", ref.SessionID, "from", fromID, "to", targetID)
	deliver(out)
	return ref, nil
}

func (s *LocalService) accept(userID, sessionID string) (SessionRef, error) {
	s.mu.Lock()
	c, ok := s.calls[sessionID]
	if !ok || c.ongoing {
		s.mu.Unlock()
		return SessionRef{}, ErrSessionNotFound
	}
	if _, invited := c.invitees[userID]; !invited {
		s.mu.Unlock()
		return SessionRef{}, ErrNotParticipant
	}

	c.ongoing = true
	c.joined[userID] = struct{}{}
	var out []delivery
	out = s.collectLocked(out, c.ref.InitiatorID, EventOutgoingAccepted, c.ref)
	for u := range c.invitees {
		if u != userID {
			out = s.collectLocked(out, u, EventIncomingCancelled, c.ref)
		}
	}
	ref := c.ref
	s.mu.Unlock()

	deliver(out)
	return ref, nil
}

func (s *LocalService) reject(userID, sessionID string, reason RejectReason) error {
	s.mu.Lock()
	c, ok := s.calls[sessionID]
	if !ok || c.ongoing {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	if _, invited := c.invitees[userID]; !invited {
		s.mu.Unlock()
		return ErrNotParticipant
	}

	delete(c.invitees, userID)
	var out []delivery
	if len(c.invitees) == 0 {
		delete(s.calls, sessionID)
		out = s.collectLocked(out, c.ref.InitiatorID, EventOutgoingRejected, c.ref)
	}
	s.mu.Unlock()

	s.log.Debug("signaling: call rejected", "session_id", sessionID, "by", userID, "reason", string(reason))
	deliver(out)
	return nil
}

func (s *LocalService) end(userID, sessionID string) error {
	s.mu.Lock()
	c, ok := s.calls[sessionID]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}

	var out []delivery
	switch {
	case !c.ongoing && userID == c.ref.InitiatorID:
		for u := range c.invitees {
			out = s.collectLocked(out, u, EventIncomingCancelled, c.ref)
		}
	case c.ongoing && s.participantLocked(c, userID):
		parties := map[string]struct{}{c.ref.InitiatorID: {}}
		for u := range c.joined {
			parties[u] = struct{}{}
		}
		delete(parties, userID)
		for u := range parties {
			out = s.collectLocked(out, u, EventCallEnded, c.ref)
		}
	default:
		s.mu.Unlock()
		return ErrNotParticipant
	}
	delete(s.calls, sessionID)
	s.mu.Unlock()

	deliver(out)
	return nil
}

func (s *LocalService) participantLocked(c *localCall, userID string) bool {
	if userID == c.ref.InitiatorID {
		return true
	}
	_, ok := c.joined[userID]
	return ok
}

func (s *LocalService) collectLocked(out []delivery, userID string, kind EventKind, ref SessionRef) []delivery {
	for _, h := range s.listeners[userID] {
		out = append(out, delivery{h: h, kind: kind, ref: ref})
	}
	return out
}

// deliver runs handlers outside the service lock so handlers may call back into the service.
func deliver(out []delivery) {
	for _, d := range out {
		d.h.Dispatch(d.kind, d.ref)
	}
}

type localClient struct {
	svc    *LocalService
	userID string
}

func (c *localClient) RegisterListener(listenerID string, h Handlers) error {
	return c.svc.register(c.userID, listenerID, h)
}

func (c *localClient) UnregisterListener(listenerID string) {
	c.svc.unregister(c.userID, listenerID)
}

func (c *localClient) Initiate(ctx context.Context, targetID string, receiverType calls.ReceiverType, callType calls.CallType) (SessionRef, error) {
	if err := ctx.Err(); err != nil {
		return SessionRef{}, err
	}
	return c.svc.initiate(c.userID, targetID, receiverType, callType)
}

func (c *localClient) Accept(ctx context.Context, sessionID string) (SessionRef, error) {
	if err := ctx.Err(); err != nil {
		return SessionRef{}, err
	}
	return c.svc.accept(c.userID, sessionID)
}

func (c *localClient) Reject(ctx context.Context, sessionID string, reason RejectReason) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.svc.reject(c.userID, sessionID, reason)
}

func (c *localClient) End(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.svc.end(c.userID, sessionID)
}
