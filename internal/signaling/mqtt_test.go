package signaling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"call-orchestrator/internal/calls"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// memBroker routes publishes to exact-topic subscribers synchronously.
type memBroker struct {
	mu   sync.Mutex
	subs map[string]mqtt.MessageHandler
}

func newMemBroker() *memBroker { return &memBroker{subs: make(map[string]mqtt.MessageHandler)} }

func (b *memBroker) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case string:
		body = []byte(p)
	}
	b.mu.Lock()
	h := b.subs[topic]
	b.mu.Unlock()
	if h != nil {
		h(nil, memMessage{topic: topic, qos: qos, payload: body})
	}
	return doneToken{}
}

func (b *memBroker) Subscribe(topic string, _ byte, h mqtt.MessageHandler) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = h
	return doneToken{}
}

func (b *memBroker) Unsubscribe(topics ...string) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		delete(b.subs, t)
	}
	return doneToken{}
}

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type memMessage struct {
	topic   string
	qos     byte
	payload []byte
}

func (m memMessage) Duplicate() bool   { return false }
func (m memMessage) Qos() byte         { return m.qos }
func (m memMessage) Retained() bool    { return false }
func (m memMessage) Topic() string     { return m.topic }
func (m memMessage) MessageID() uint16 { return 0 }
func (m memMessage) Payload() []byte   { return m.payload }
func (m memMessage) Ack()              {}

type mqttEnv struct {
	broker  *memBroker
	svc     *LocalService
	bridge  *MQTTBridge
	clients *MQTTClients
}

func newMQTTEnv(t *testing.T) *mqttEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := MQTTOptions{Topics: Topics{Prefix: "test"}, QoS: 1, Timeout: time.Second, Logger: log}

	e := &mqttEnv{broker: newMemBroker(), svc: NewLocalService(log)}
	e.bridge = NewMQTTBridge(e.broker, e.svc, opts)
	if err := e.bridge.Start(); err != nil {
		t.Fatalf("start bridge: %v", err)
	}
	e.clients = NewMQTTClients(e.broker, opts)
	t.Cleanup(func() {
		e.clients.Close()
		e.bridge.Stop()
	})
	return e
}

func waitKinds(t *testing.T, r *recorder, n int) []EventKind {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if k := r.kinds(); len(k) >= n {
			return k
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, got %v", n, r.kinds())
	return nil
}

func TestMQTT_CallFlowThroughBridge(t *testing.T) {
	e := newMQTTEnv(t)
	alice, bob := e.clients.Client("alice"), e.clients.Client("bob")
	var aliceEvents, bobEvents recorder

	if err := alice.RegisterListener("app", aliceEvents.handlers()); err != nil {
		t.Fatalf("register alice: %v", err)
	}
	if err := bob.RegisterListener("app", bobEvents.handlers()); err != nil {
		t.Fatalf("register bob: %v", err)
	}
	if n := e.svc.ListenerCount("bob"); n != 1 {
		t.Fatalf("expected bridged listener for bob, got %d", n)
	}

	ctx := context.Background()
	ref, err := alice.Initiate(ctx, "bob", calls.ReceiverUser, calls.CallTypeVideo)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if ref.SessionID == "" || ref.InitiatorID != "alice" {
		t.Fatalf("unexpected ref: %+v", ref)
	}
	if k := waitKinds(t, &bobEvents, 1); k[0] != EventIncoming {
		t.Fatalf("expected incoming for bob, got %v", k)
	}

	if _, err := bob.Accept(ctx, ref.SessionID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if k := waitKinds(t, &aliceEvents, 1); k[0] != EventOutgoingAccepted {
		t.Fatalf("expected outgoing accepted for alice, got %v", k)
	}

	if err := alice.End(ctx, ref.SessionID); err != nil {
		t.Fatalf("end: %v", err)
	}
	if k := waitKinds(t, &bobEvents, 2); k[1] != EventCallEnded {
		t.Fatalf("expected call ended for bob, got %v", k)
	}
}

func TestMQTT_GroupMembershipThroughBridge(t *testing.T) {
	e := newMQTTEnv(t)
	ctx := context.Background()

	for _, u := range []string{"alice", "bob"} {
		if err := e.clients.JoinGroup(ctx, "team", u); err != nil {
			t.Fatalf("join %s: %v", u, err)
		}
	}
	if n := e.svc.GroupMembers("team"); n != 2 {
		t.Fatalf("expected two members on the hub, got %d", n)
	}

	var bobEvents recorder
	if err := e.clients.Client("bob").RegisterListener("app", bobEvents.handlers()); err != nil {
		t.Fatalf("register bob: %v", err)
	}
	if _, err := e.clients.Client("alice").Initiate(ctx, "team", calls.ReceiverGroup, calls.CallTypeAudio); err != nil {
		t.Fatalf("group initiate: %v", err)
	}
	if k := waitKinds(t, &bobEvents, 1); k[0] != EventIncoming {
		t.Fatalf("expected incoming for bob, got %v", k)
	}

	if err := e.clients.LeaveGroup(ctx, "team", "bob"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if n := e.svc.GroupMembers("team"); n != 1 {
		t.Fatalf("expected one member after leave, got %d", n)
	}
	if err := e.clients.JoinGroup(ctx, "", "bob"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for empty group, got %v", err)
	}
}

func TestMQTT_RemoteErrorsKeepTheirIdentity(t *testing.T) {
	e := newMQTTEnv(t)
	bob := e.clients.Client("bob")

	if _, err := bob.Accept(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := bob.Initiate(context.Background(), "bob", calls.ReceiverUser, calls.CallTypeAudio); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for self call, got %v", err)
	}

	// A listener already held on the hub under the same id is reported as a conflict.
	if err := e.svc.Client("bob").RegisterListener("app", Handlers{}); err != nil {
		t.Fatalf("register local: %v", err)
	}
	if err := bob.RegisterListener("app", Handlers{}); !errors.Is(err, ErrListenerExists) {
		t.Fatalf("expected ErrListenerExists, got %v", err)
	}
	// The failed registration leaves no local record behind.
	e.svc.Client("bob").UnregisterListener("app")
	if err := bob.RegisterListener("app", Handlers{}); err != nil {
		t.Fatalf("register after conflict cleared: %v", err)
	}
}

func TestMQTT_UnregisterAndStopDropBridgedListeners(t *testing.T) {
	e := newMQTTEnv(t)
	alice := e.clients.Client("alice")

	_ = alice.RegisterListener("app", Handlers{})
	_ = alice.RegisterListener("chat", Handlers{})
	alice.UnregisterListener("chat")
	if n := e.svc.ListenerCount("alice"); n != 1 {
		t.Fatalf("expected one bridged listener, got %d", n)
	}

	e.bridge.Stop()
	if n := e.svc.ListenerCount("alice"); n != 0 {
		t.Fatalf("expected bridged listeners dropped on stop, got %d", n)
	}
}

func TestMQTT_RequestWithoutHubHonoursContext(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewMQTTClient(newMemBroker(), "alice", MQTTOptions{Timeout: 50 * time.Millisecond, Logger: log})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Initiate(ctx, "bob", calls.ReceiverUser, calls.CallTypeAudio); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if err := c.RegisterListener("app", Handlers{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected registration to time out, got %v", err)
	}
	// Nothing was registered, so a retry is not a local duplicate.
	if err := c.RegisterListener("app", Handlers{}); errors.Is(err, ErrListenerExists) {
		t.Fatalf("expected failed registration to be rolled back")
	}
}

func TestReplyError_UnknownCodeIsTransportFailure(t *testing.T) {
	if err := replyError(wireReply{}); err != nil {
		t.Fatalf("expected nil for empty reply, got %v", err)
	}
	if err := replyError(wireReply{Code: "internal", Error: "boom"}); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if code := errorCode(errors.New("other")); code != "internal" {
		t.Fatalf("unexpected code %q", code)
	}
}
