package control

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// DialConfig configures the broker connection.
type DialConfig struct {
	Broker         string        // host:port or scheme://host:port
	ClientID       string        // empty = generated
	ConnectTimeout time.Duration // 0 = 5s

	// OnConnect runs after every successful (re)connection.
	OnConnect func()
}

// DialFunc opens a broker connection. Dial is the paho implementation.
type DialFunc func(ctx context.Context, cfg DialConfig) (Client, error)

func dialClient(ctx context.Context, cfg DialConfig) (Client, error) {
	c, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// BrokerURL adds the tcp:// scheme when broker has none.
func BrokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Dial connects to the broker with automatic reconnection enabled.
func Dial(ctx context.Context, cfg DialConfig) (mqtt.Client, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, fmt.Errorf("mqtt broker address is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "pptcast-" + uuid.NewString()[:8]
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	broker := BrokerURL(cfg.Broker)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		slog.Info("control: mqtt connection established",
			"broker", broker,
			"client_id", cfg.ClientID,
		)
		if cfg.OnConnect != nil {
			cfg.OnConnect()
		}
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		slog.Warn("control: mqtt connection lost, will auto-reconnect",
			"broker", broker,
			"error", err,
			"max_retry_interval", "30s",
		)
	}

	client := mqtt.NewClient(opts)

	slog.Info("control: connecting to mqtt broker", "broker", broker)

	token := client.Connect()
	timer := time.NewTimer(cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-timer.C:
		client.Disconnect(0) // stop connect retries
		return nil, fmt.Errorf("mqtt connection timeout after %v", cfg.ConnectTimeout)
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	return client, nil
}
