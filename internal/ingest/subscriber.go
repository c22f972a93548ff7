package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"obddash/internal/core"
	"obddash/pkg/domain"
)

// Message outcomes reported to the recorder.
const (
	ResultOK             = "ok"
	ResultDecodeError    = "decode_error"
	ResultUnknownVehicle = "unknown_vehicle"
	ResultRejected       = "rejected"
	ResultError          = "error"
)

// Service is the part of core.Service the subscriber writes through.
type Service interface {
	GetVehicleByVIN(ctx context.Context, vin string) (domain.Vehicle, error)
	RecordReadings(ctx context.Context, vehicleID string, readings []domain.Reading) ([]domain.Reading, error)
	RecordFaultCodes(ctx context.Context, vehicleID string, reports []core.FaultReport, seenAt time.Time) ([]domain.FaultCode, error)
}

// Recorder counts processed messages by kind and result.
type Recorder interface {
	IngestMessage(kind, result string)
}

type nopRecorder struct{}

func (nopRecorder) IngestMessage(string, string) {}

// errDecode marks payloads that could not be parsed.
var errDecode = errors.New("decode payload")

// Subscriber consumes telemetry and DTC topics into the service.
type Subscriber struct {
	svc     Service
	cfg     Config
	topics  Topics
	log     *zap.Logger
	rec     Recorder
	factory ClientFactory

	// ctx is the Run context handed to service calls from paho callbacks.
	ctx context.Context
}

// SubscriberOption customises a Subscriber.
type SubscriberOption func(*Subscriber)

// WithRecorder counts messages through r.
func WithRecorder(r Recorder) SubscriberOption {
	return func(s *Subscriber) {
		if r != nil {
			s.rec = r
		}
	}
}

// WithClientFactory overrides mqtt.NewClient.
func WithClientFactory(f ClientFactory) SubscriberOption {
	return func(s *Subscriber) { s.factory = f }
}

// NewSubscriber prepares a subscriber; Run connects it.
func NewSubscriber(svc Service, cfg Config, log *zap.Logger, opts ...SubscriberOption) *Subscriber {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Subscriber{
		svc:    svc,
		cfg:    cfg,
		topics: Topics{Prefix: cfg.Prefix},
		log:    log.With(zap.String("component", "ingest")),
		rec:    nopRecorder{},
		ctx:    context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run connects, subscribes and blocks until ctx ends. The returned client is
// reported through ready, if non-nil, so callers can share it for publishing.
func (s *Subscriber) Run(ctx context.Context, ready func(mqtt.Client)) error {
	s.ctx = ctx
	opts := NewClientOptions(s.cfg, s.log, s.subscribe)
	connectCtx := ctx
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}
	client, err := Connect(connectCtx, s.factory, opts)
	if err != nil {
		return err
	}
	if ready != nil {
		ready(client)
	}
	<-ctx.Done()
	client.Disconnect(250)
	s.log.Info("mqtt subscriber stopped")
	return nil
}

func (s *Subscriber) subscribe(client mqtt.Client) {
	filters := map[string]byte{
		s.topics.Filter(KindTelemetry): s.cfg.QoS,
		s.topics.Filter(KindDTC):       s.cfg.QoS,
	}
	token := client.SubscribeMultiple(filters, s.onMessage)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			s.log.Error("subscribe", zap.Error(err))
			return
		}
		s.log.Info("subscribed", zap.String("telemetry", s.topics.Filter(KindTelemetry)), zap.String("dtc", s.topics.Filter(KindDTC)))
	}()
}

func (s *Subscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	_ = s.Handle(s.ctx, msg.Topic(), msg.Payload())
}

// Handle processes one message. Errors are logged and counted; the return
// value exists for tests and is never fatal to the subscription.
func (s *Subscriber) Handle(ctx context.Context, topic string, payload []byte) error {
	vin, kind, ok := s.topics.Parse(topic)
	if !ok || (kind != KindTelemetry && kind != KindDTC) {
		s.rec.IngestMessage("unknown", ResultDecodeError)
		s.log.Warn("unexpected topic", zap.String("topic", topic))
		return fmt.Errorf("%w: unexpected topic %q", errDecode, topic)
	}
	err := s.dispatch(ctx, vin, kind, payload)
	result := classify(err)
	s.rec.IngestMessage(kind, result)
	switch result {
	case ResultOK:
	case ResultUnknownVehicle:
		s.log.Warn("dropping message for unknown vehicle", zap.String("vin", vin), zap.String("kind", kind))
	case ResultDecodeError, ResultRejected:
		s.log.Warn("dropping invalid message", zap.String("vin", vin), zap.String("kind", kind), zap.Error(err))
	default:
		s.log.Error("ingest message", zap.String("vin", vin), zap.String("kind", kind), zap.Error(err))
	}
	return err
}

func (s *Subscriber) dispatch(ctx context.Context, vin, kind string, payload []byte) error {
	vehicle, err := s.svc.GetVehicleByVIN(ctx, vin)
	if err != nil {
		return err
	}
	switch kind {
	case KindTelemetry:
		var p TelemetryPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", errDecode, err)
		}
		if len(p.Readings) == 0 {
			return fmt.Errorf("%w: no readings", errDecode)
		}
		_, err = s.svc.RecordReadings(ctx, vehicle.ID, p.ToReadings())
		return err
	default:
		var p DTCPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", errDecode, err)
		}
		_, err = s.svc.RecordFaultCodes(ctx, vehicle.ID, p.Reports(), p.Timestamp.Time)
		return err
	}
}

func classify(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, errDecode):
		return ResultDecodeError
	case domain.IsNotFound(err):
		return ResultUnknownVehicle
	case domain.IsValidation(err):
		return ResultRejected
	default:
		return ResultError
	}
}
