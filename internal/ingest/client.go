package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Config holds broker connection settings.
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	Prefix         string
	QoS            byte
	ConnectTimeout time.Duration
}

// ErrTimeout is returned when the broker does not acknowledge in time.
var ErrTimeout = errors.New("ingest: mqtt operation timed out")

// ClientFactory builds an mqtt client; tests substitute a fake.
type ClientFactory func(*mqtt.ClientOptions) mqtt.Client

// NewClientOptions returns auto-reconnecting options for cfg. onConnect runs
// after every (re)connect, which is where subscriptions belong.
func NewClientOptions(cfg Config, log *zap.Logger, onConnect func(mqtt.Client)) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(false)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Info("connected to mqtt broker", zap.String("broker", cfg.Broker))
		if onConnect != nil {
			onConnect(c)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", zap.Error(err))
	})
	return opts
}

// Connect builds a client and waits for the first connection.
func Connect(ctx context.Context, factory ClientFactory, opts *mqtt.ClientOptions) (mqtt.Client, error) {
	if factory == nil {
		factory = mqtt.NewClient
	}
	client := factory(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("connect mqtt: %w", err)
	}
	return client, nil
}

// wait blocks until the token completes or ctx ends.
func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// publish publishes payload and waits for the broker acknowledgement.
func publish(ctx context.Context, client mqtt.Client, topic string, qos byte, payload []byte, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := wait(ctx, client.Publish(topic, qos, false, payload))
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
