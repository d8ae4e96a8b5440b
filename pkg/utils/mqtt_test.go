package utils

import (
	"context"
	"testing"
	"time"
)

func TestMQTTConfig_Defaults(t *testing.T) {
	c := MQTTConfig{BrokerURL: "tcp://localhost:1883", ClientID: "x"}.withDefaults()
	if c.KeepAlive != 60*time.Second || c.MaxReconnectInterval != 30*time.Second || c.Logger == nil {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}

func TestMQTTConfig_ClientOptions(t *testing.T) {
	opts := MQTTConfig{BrokerURL: "tcp://localhost:1883", ClientID: "orch-1", Username: "u", Password: "p"}.withDefaults().clientOptions()
	if opts.ClientID != "orch-1" || opts.Username != "u" || opts.CleanSession {
		t.Fatalf("unexpected options: client_id=%q user=%q clean=%v", opts.ClientID, opts.Username, opts.CleanSession)
	}
	if len(opts.Servers) != 1 || opts.Servers[0].Host != "localhost:1883" {
		t.Fatalf("unexpected servers: %v", opts.Servers)
	}
}

func TestOpenMQTT_RequiresBrokerAndClientID(t *testing.T) {
	if _, err := OpenMQTT(context.Background(), MQTTConfig{ClientID: "x"}); err == nil {
		t.Fatalf("expected error without broker url")
	}
	if _, err := OpenMQTT(context.Background(), MQTTConfig{BrokerURL: "tcp://localhost:1883"}); err == nil {
		t.Fatalf("expected error without client id")
	}
}
