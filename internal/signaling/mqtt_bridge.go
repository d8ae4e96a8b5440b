package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTBridge serves a LocalService to remote MQTTClients: it executes their requests and
// forwards the events of their listeners to the owner's event topic.
type MQTTBridge struct {
	broker Broker
	svc    *LocalService
	opts   MQTTOptions
	log    *slog.Logger

	mu        sync.Mutex
	listeners map[bridgedListener]struct{}
	wg        sync.WaitGroup
}

type bridgedListener struct{ userID, listenerID string }

func NewMQTTBridge(broker Broker, svc *LocalService, opts MQTTOptions) *MQTTBridge {
	opts.defaults()
	return &MQTTBridge{
		broker:    broker,
		svc:       svc,
		opts:      opts,
		log:       opts.Logger.With("component", "mqtt_bridge"),
		listeners: make(map[bridgedListener]struct{}),
	}
}

// Start subscribes to the request topic.
func (b *MQTTBridge) Start() error {
	topic := b.opts.Topics.Requests()
	token := b.broker.Subscribe(topic, b.opts.QoS, b.onRequest)
	if !token.WaitTimeout(b.opts.Timeout) {
		return fmt.Errorf("%w: subscribe %s timed out", ErrTransport, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", ErrTransport, topic, err)
	}
	b.log.Info("signaling: mqtt bridge started", "topic", topic)
	return nil
}

// Stop unsubscribes, waits for in-flight requests and drops every bridged listener.
func (b *MQTTBridge) Stop() {
	b.broker.Unsubscribe(b.opts.Topics.Requests())
	b.wg.Wait()

	b.mu.Lock()
	ls := b.listeners
	b.listeners = make(map[bridgedListener]struct{})
	b.mu.Unlock()
	for l := range ls {
		b.svc.Client(l.userID).UnregisterListener(l.listenerID)
	}
}

func (b *MQTTBridge) onRequest(_ mqtt.Client, msg mqtt.Message) {
	var req wireRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		b.log.Warn("signaling: malformed request", "err", err)
		return
	}
	if req.ID == "" || req.UserID == "" {
		b.log.Warn("signaling: request without id or user", "op", req.Op)
		return
	}
	// Requests may trigger deliveries that publish; keep the broker's router free.
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.reply(req.UserID, b.serve(req))
	}()
}

func (b *MQTTBridge) serve(req wireRequest) wireReply {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.Timeout)
	defer cancel()

	client := b.svc.Client(req.UserID)
	var (
		ref SessionRef
		err error
	)
	switch req.Op {
	case opRegister:
		err = b.register(client, req.UserID, req.ListenerID)
	case opUnregister:
		client.UnregisterListener(req.ListenerID)
		b.mu.Lock()
		delete(b.listeners, bridgedListener{req.UserID, req.ListenerID})
		b.mu.Unlock()
	case opInitiate:
		ref, err = client.Initiate(ctx, req.TargetID, req.ReceiverType, req.CallType)
	case opAccept:
		ref, err = client.Accept(ctx, req.SessionID)
	case opReject:
		err = client.Reject(ctx, req.SessionID, req.Reason)
	case opEnd:
		err = client.End(ctx, req.SessionID)
	case opJoinGroup:
		err = b.svc.JoinGroup(ctx, req.GroupID, req.UserID)
	case opLeaveGroup:
		err = b.svc.LeaveGroup(ctx, req.GroupID, req.UserID)
	default:
		err = fmt.Errorf("%w: unknown op %q", ErrInvalidRequest, req.Op)
	}

	out := wireReply{ID: req.ID, Ref: ref}
	if err != nil {
		out.Code = errorCode(err)
		out.Error = err.Error()
		b.log.Debug("signaling: request failed", "op", req.Op, "user_id", req.UserID, "err", err)
	}
	return out
}

func (b *MQTTBridge) register(client Client, userID, listenerID string) error {
	if listenerID == "" {
		return fmt.Errorf("%w: listener id required", ErrInvalidRequest)
	}
	err := client.RegisterListener(listenerID, Map(func(kind EventKind, ref SessionRef) {
		b.forward(userID, listenerID, kind, ref)
	}))
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.listeners[bridgedListener{userID, listenerID}] = struct{}{}
	b.mu.Unlock()
	return nil
}

func (b *MQTTBridge) forward(userID, listenerID string, kind EventKind, ref SessionRef) {
	payload, err := json.Marshal(wireEvent{ListenerID: listenerID, Kind: kind, Ref: ref, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		b.log.Error("signaling: encode event", "err", err)
		return
	}
	b.publish(b.opts.Topics.Events(userID), payload)
}

func (b *MQTTBridge) reply(userID string, r wireReply) {
	payload, err := json.Marshal(r)
	if err != nil {
		b.log.Error("signaling: encode reply", "err", err)
		return
	}
	b.publish(b.opts.Topics.Replies(userID), payload)
}

func (b *MQTTBridge) publish(topic string, payload []byte) {
	token := b.broker.Publish(topic, b.opts.QoS, false, payload)
	if !token.WaitTimeout(b.opts.Timeout) {
		b.log.Warn("signaling: publish timed out", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		b.log.Warn("signaling: publish failed", "topic", topic, "err", err)
	}
}
