package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"obddash/internal/core"
	"obddash/pkg/domain"
)

// Publisher sends JSON messages to vehicle topics. It implements
// core.CommandPublisher and doubles as the agent's uplink.
type Publisher struct {
	client  mqtt.Client
	topics  Topics
	qos     byte
	timeout time.Duration
}

// NewPublisher wraps a connected client.
func NewPublisher(client mqtt.Client, topics Topics, qos byte) *Publisher {
	return &Publisher{client: client, topics: topics, qos: qos, timeout: 10 * time.Second}
}

// PublishCommand sends cmd to `<prefix>/vehicles/<vin>/commands`.
func (p *Publisher) PublishCommand(ctx context.Context, vehicle domain.Vehicle, cmd core.Command) error {
	return p.send(ctx, vehicle.VIN, KindCommands, cmd)
}

// PublishTelemetry sends a telemetry payload for vin.
func (p *Publisher) PublishTelemetry(ctx context.Context, vin string, payload TelemetryPayload) error {
	return p.send(ctx, vin, KindTelemetry, payload)
}

// PublishDTCs sends a DTC payload for vin.
func (p *Publisher) PublishDTCs(ctx context.Context, vin string, payload DTCPayload) error {
	return p.send(ctx, vin, KindDTC, payload)
}

func (p *Publisher) send(ctx context.Context, vin, kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	topic := p.topics.Vehicle(vin, kind)
	if err := publish(ctx, p.client, topic, p.qos, data, p.timeout); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
