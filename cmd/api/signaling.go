package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"call-orchestrator/internal/config"
	"call-orchestrator/internal/signaling"
	"call-orchestrator/internal/surface"
	"call-orchestrator/pkg/utils"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// signalingStack picks the signaling transport:
//   - no broker: an in-process LocalService (single-node deployments, development);
//   - hub: the LocalService, also served to remote processes over MQTT;
//   - edge: every request goes over MQTT to a hub.
type signalingStack struct {
	Clients surface.ClientFunc
	Groups  signaling.Groups

	broker  mqtt.Client
	bridge  *signaling.MQTTBridge
	remotes *signaling.MQTTClients
}

func openSignaling(ctx context.Context, cfg config.Config, log *slog.Logger) (*signalingStack, error) {
	if !cfg.HasMQTT() {
		svc := signaling.NewLocalService(log)
		return &signalingStack{Clients: svc.Client, Groups: svc}, nil
	}

	broker, err := utils.OpenMQTT(ctx, utils.MQTTConfig{
		BrokerURL: cfg.MQTT.BrokerURL,
		ClientID:  cfg.MQTT.ClientID,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}
	s := &signalingStack{broker: broker}
	opts := signaling.MQTTOptions{
		Topics:  signaling.Topics{Prefix: cfg.MQTT.TopicPrefix},
		QoS:     1,
		Timeout: cfg.Call.RequestTimeout,
		Logger:  log,
	}

	switch cfg.MQTT.Role {
	case config.MQTTRoleEdge:
		s.remotes = signaling.NewMQTTClients(broker, opts)
		s.Clients = s.remotes.Client
		s.Groups = s.remotes
	default:
		svc := signaling.NewLocalService(log)
		s.bridge = signaling.NewMQTTBridge(broker, svc, opts)
		if err := s.bridge.Start(); err != nil {
			s.Close()
			return nil, fmt.Errorf("mqtt bridge: %w", err)
		}
		s.Clients = svc.Client
		s.Groups = svc
	}
	log.Info("signaling over mqtt", "role", cfg.MQTT.Role, "prefix", cfg.MQTT.TopicPrefix)
	return s, nil
}

func (s *signalingStack) Close() {
	if s.remotes != nil {
		s.remotes.Close()
	}
	if s.bridge != nil {
		s.bridge.Stop()
	}
	utils.CloseMQTT(s.broker, 250*time.Millisecond)
}

// processOwner identifies this process as a scope lease holder.
func processOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "api"
	}
	return host + "-" + uuid.NewString()[:8]
}
