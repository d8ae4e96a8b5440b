package utils

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig controls the broker connection.
type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	KeepAlive            time.Duration
	PingTimeout          time.Duration
	ConnectTimeout       time.Duration
	MaxReconnectInterval time.Duration

	Logger *slog.Logger
}

func (c MQTTConfig) withDefaults() MQTTConfig {
	out := c
	if out.KeepAlive <= 0 {
		out.KeepAlive = 60 * time.Second
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 10 * time.Second
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 10 * time.Second
	}
	if out.MaxReconnectInterval <= 0 {
		out.MaxReconnectInterval = 30 * time.Second
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// clientOptions builds paho options. The session is persistent (clean session off) so the
// broker keeps subscriptions across reconnects of the same client id.
func (c MQTTConfig) clientOptions() *mqtt.ClientOptions {
	log := c.Logger
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.BrokerURL)
	opts.SetClientID(c.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(c.MaxReconnectInterval)
	opts.SetKeepAlive(c.KeepAlive)
	opts.SetPingTimeout(c.PingTimeout)
	opts.SetConnectTimeout(c.ConnectTimeout)
	opts.SetCleanSession(false)
	opts.SetResumeSubs(true)
	opts.SetOrderMatters(false)
	if c.Username != "" {
		opts.SetUsername(c.Username)
		opts.SetPassword(c.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", "err", err)
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		log.Info("mqtt connected", "broker", c.BrokerURL, "client_id", c.ClientID)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		log.Info("mqtt reconnecting", "broker", c.BrokerURL)
	})
	return opts
}

// OpenMQTT connects to the broker and waits for the first connection.
func OpenMQTT(ctx context.Context, cfg MQTTConfig) (mqtt.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("mqtt broker url is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("mqtt client id is required")
	}

	client := mqtt.NewClient(cfg.clientOptions())
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return client, nil
}

// CloseMQTT disconnects, giving in-flight work quiesce time to finish.
func CloseMQTT(client mqtt.Client, quiesce time.Duration) {
	if client == nil {
		return
	}
	client.Disconnect(uint(quiesce / time.Millisecond))
}
