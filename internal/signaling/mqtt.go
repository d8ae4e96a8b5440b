package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"call-orchestrator/internal/calls"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Broker is the part of an MQTT client the signaling transport uses. mqtt.Client satisfies it.
type Broker interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

var ErrTransport = errors.New("signaling: transport failure")

// Topic layout, under a common prefix:
//
//	<prefix>/requests               client -> hub, every request
//	<prefix>/users/<id>/replies     hub -> client, request replies
//	<prefix>/users/<id>/events      hub -> client, listener events
type Topics struct{ Prefix string }

func (t Topics) Requests() string             { return t.Prefix + "/requests" }
func (t Topics) Replies(userID string) string { return t.Prefix + "/users/" + userID + "/replies" }
func (t Topics) Events(userID string) string  { return t.Prefix + "/users/" + userID + "/events" }

type requestOp string

const (
	opRegister   requestOp = "register"
	opUnregister requestOp = "unregister"
	opInitiate   requestOp = "initiate"
	opAccept     requestOp = "accept"
	opReject     requestOp = "reject"
	opEnd        requestOp = "end"
	opJoinGroup  requestOp = "join_group"
	opLeaveGroup requestOp = "leave_group"
)

type wireRequest struct {
	ID           string             `json:"id"`
	UserID       string             `json:"user_id"`
	Op           requestOp          `json:"op"`
	ListenerID   string             `json:"listener_id,omitempty"`
	TargetID     string             `json:"target_id,omitempty"`
	ReceiverType calls.ReceiverType `json:"receiver_type,omitempty"`
	CallType     calls.CallType     `json:"call_type,omitempty"`
	SessionID    string             `json:"session_id,omitempty"`
	GroupID      string             `json:"group_id,omitempty"`
	Reason       RejectReason       `json:"reason,omitempty"`
	Timestamp    int64              `json:"timestamp"`
}

type wireReply struct {
	ID    string     `json:"id"`
	Ref   SessionRef `json:"ref"`
	Code  string     `json:"code,omitempty"`
	Error string     `json:"error,omitempty"`
}

type wireEvent struct {
	ListenerID string     `json:"listener_id"`
	Kind       EventKind  `json:"kind"`
	Ref        SessionRef `json:"ref"`
	Timestamp  int64      `json:"timestamp"`
}

var errorCodes = map[string]error{
	"listener_exists":   ErrListenerExists,
	"session_not_found": ErrSessionNotFound,
	"not_participant":   ErrNotParticipant,
	"invalid_request":   ErrInvalidRequest,
}

func errorCode(err error) string {
	for code, target := range errorCodes {
		if errors.Is(err, target) {
			return code
		}
	}
	return "internal"
}

// replyError restores the sentinel behind a reply so callers can match it with errors.Is.
func replyError(r wireReply) error {
	if r.Code == "" && r.Error == "" {
		return nil
	}
	if target, ok := errorCodes[r.Code]; ok {
		return fmt.Errorf("%w (remote: %s)", target, r.Error)
	}
	return fmt.Errorf("%w: %s", ErrTransport, r.Error)
}

type MQTTOptions struct {
	Topics Topics
	QoS    byte
	// Timeout bounds listener registration, which takes no context.
	Timeout time.Duration
	Logger  *slog.Logger
}

func (o *MQTTOptions) defaults() {
	if o.Topics.Prefix == "" {
		o.Topics.Prefix = "calls"
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// MQTTClient is a Client for one user that talks to a signaling hub over an MQTT broker.
type MQTTClient struct {
	broker Broker
	userID string
	opts   MQTTOptions
	log    *slog.Logger

	mu        sync.Mutex
	pending   map[string]chan wireReply
	listeners map[string]Handlers
}

// NewMQTTClient subscribes to the user's reply and event topics.
func NewMQTTClient(broker Broker, userID string, opts MQTTOptions) (*MQTTClient, error) {
	opts.defaults()
	c := &MQTTClient{
		broker:    broker,
		userID:    userID,
		opts:      opts,
		log:       opts.Logger.With("user_id", userID, "transport", "mqtt"),
		pending:   make(map[string]chan wireReply),
		listeners: make(map[string]Handlers),
	}
	if err := c.subscribe(opts.Topics.Replies(userID), c.onReply); err != nil {
		return nil, err
	}
	if err := c.subscribe(opts.Topics.Events(userID), c.onEvent); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *MQTTClient) subscribe(topic string, h mqtt.MessageHandler) error {
	token := c.broker.Subscribe(topic, c.opts.QoS, h)
	if !token.WaitTimeout(c.opts.Timeout) {
		return fmt.Errorf("%w: subscribe %s timed out", ErrTransport, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", ErrTransport, topic, err)
	}
	return nil
}

// Close drops the subscriptions. Pending requests fail with their context.
func (c *MQTTClient) Close() {
	c.broker.Unsubscribe(c.opts.Topics.Replies(c.userID), c.opts.Topics.Events(c.userID))
}

func (c *MQTTClient) RegisterListener(listenerID string, h Handlers) error {
	c.mu.Lock()
	if _, ok := c.listeners[listenerID]; ok {
		c.mu.Unlock()
		return ErrListenerExists
	}
	c.listeners[listenerID] = h
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()
	if _, err := c.call(ctx, wireRequest{Op: opRegister, ListenerID: listenerID}); err != nil {
		c.mu.Lock()
		delete(c.listeners, listenerID)
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *MQTTClient) UnregisterListener(listenerID string) {
	c.mu.Lock()
	_, ok := c.listeners[listenerID]
	delete(c.listeners, listenerID)
	c.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()
	if _, err := c.call(ctx, wireRequest{Op: opUnregister, ListenerID: listenerID}); err != nil {
		c.log.Warn("signaling: remote unregister failed", "listener_id", listenerID, "err", err)
	}
}

func (c *MQTTClient) Initiate(ctx context.Context, targetID string, receiverType calls.ReceiverType, callType calls.CallType) (SessionRef, error) {
	return c.call(ctx, wireRequest{Op: opInitiate, TargetID: targetID, ReceiverType: receiverType, CallType: callType})
}

func (c *MQTTClient) Accept(ctx context.Context, sessionID string) (SessionRef, error) {
	return c.call(ctx, wireRequest{Op: opAccept, SessionID: sessionID})
}

func (c *MQTTClient) Reject(ctx context.Context, sessionID string, reason RejectReason) error {
	_, err := c.call(ctx, wireRequest{Op: opReject, SessionID: sessionID, Reason: reason})
	return err
}

func (c *MQTTClient) End(ctx context.Context, sessionID string) error {
	_, err := c.call(ctx, wireRequest{Op: opEnd, SessionID: sessionID})
	return err
}

func (c *MQTTClient) call(ctx context.Context, req wireRequest) (SessionRef, error) {
	if err := ctx.Err(); err != nil {
		return SessionRef{}, err
	}
	req.ID = uuid.NewString()
	req.UserID = c.userID
	req.Timestamp = time.Now().UnixMilli()
	payload, err := json.Marshal(req)
	if err != nil {
		return SessionRef{}, err
	}

	ch := make(chan wireReply, 1)
	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	token := c.broker.Publish(c.opts.Topics.Requests(), c.opts.QoS, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return SessionRef{}, fmt.Errorf("%w: publish %s: %v", ErrTransport, req.Op, err)
		}
	case <-ctx.Done():
		return SessionRef{}, ctx.Err()
	}

	select {
	case r := <-ch:
		return r.Ref, replyError(r)
	case <-ctx.Done():
		return SessionRef{}, ctx.Err()
	}
}

func (c *MQTTClient) onReply(_ mqtt.Client, msg mqtt.Message) {
	var r wireReply
	if err := json.Unmarshal(msg.Payload(), &r); err != nil {
		c.log.Warn("signaling: malformed reply", "topic", msg.Topic(), "err", err)
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[r.ID]
	c.mu.Unlock()
	if !ok {
		c.log.Debug("signaling: reply without pending request", "id", r.ID)
		return
	}
	select {
	case ch <- r:
	default:
	}
}

func (c *MQTTClient) onEvent(_ mqtt.Client, msg mqtt.Message) {
	var e wireEvent
	if err := json.Unmarshal(msg.Payload(), &e); err != nil {
		c.log.Warn("signaling: malformed event", "topic", msg.Topic(), "err", err)
		return
	}
	c.mu.Lock()
	h, ok := c.listeners[e.ListenerID]
	c.mu.Unlock()
	if !ok {
		c.log.Debug("signaling: event for unknown listener", "listener_id", e.ListenerID, "kind", e.Kind)
		return
	}
	h.Dispatch(e.Kind, e.Ref)
}

// MQTTClients hands out one MQTTClient per user over a shared broker connection.
type MQTTClients struct {
	broker Broker
	opts   MQTTOptions

	mu      sync.Mutex
	clients map[string]*MQTTClient
}

func NewMQTTClients(broker Broker, opts MQTTOptions) *MQTTClients {
	opts.defaults()
	return &MQTTClients{broker: broker, opts: opts, clients: make(map[string]*MQTTClient)}
}

// Client returns the user's client. A client whose subscriptions failed is retried on next use;
// until then requests fail with ErrTransport.
func (p *MQTTClients) Client(userID string) Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[userID]; ok {
		return c
	}
	c, err := NewMQTTClient(p.broker, userID, p.opts)
	if err != nil {
		p.opts.Logger.Error("signaling: mqtt client setup failed", "user_id", userID, "err", err)
		return unavailableClient{err: err}
	}
	p.clients[userID] = c
	return c
}

// JoinGroup asks the hub to add userID to groupID.
func (p *MQTTClients) JoinGroup(ctx context.Context, groupID, userID string) error {
	return p.membership(ctx, opJoinGroup, groupID, userID)
}

// LeaveGroup asks the hub to remove userID from groupID.
func (p *MQTTClients) LeaveGroup(ctx context.Context, groupID, userID string) error {
	return p.membership(ctx, opLeaveGroup, groupID, userID)
}

// membership is sent as the member itself, so a user only ever changes their own membership.
func (p *MQTTClients) membership(ctx context.Context, op requestOp, groupID, userID string) error {
	if groupID == "" || userID == "" {
		return fmt.Errorf("%w: group id and user id required", ErrInvalidRequest)
	}
	switch c := p.Client(userID).(type) {
	case *MQTTClient:
		_, err := c.call(ctx, wireRequest{Op: op, GroupID: groupID})
		return err
	case unavailableClient:
		return c.err
	default:
		return ErrTransport
	}
}

// Close unsubscribes every client.
func (p *MQTTClients) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, c := range p.clients {
		c.Close()
		delete(p.clients, id)
	}
}

type unavailableClient struct{ err error }

func (u unavailableClient) RegisterListener(string, Handlers) error { return u.err }
func (u unavailableClient) UnregisterListener(string)               {}
func (u unavailableClient) Initiate(context.Context, string, calls.ReceiverType, calls.CallType) (SessionRef, error) {
	return SessionRef{}, u.err
}
func (u unavailableClient) Accept(context.Context, string) (SessionRef, error) {
	return SessionRef{}, u.err
}
func (u unavailableClient) Reject(context.Context, string, RejectReason) error { return u.err }
func (u unavailableClient) End(context.Context, string) error                  { return u.err }
