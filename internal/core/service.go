// Package core holds the obddash application service. Every HTTP handler,
// ingest consumer, import job and report renderer goes through Service.
package core

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"obddash/internal/auth"
	"obddash/pkg/domain"
)

// Store is the persistence contract the service depends on.
type Store = domain.PersistentStore

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function into a Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// PasswordHasher hashes and verifies user passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
}

// Command is an instruction sent to a vehicle's diagnostic agent.
type Command struct {
	Name     string    `json:"name"`
	Codes    []string  `json:"codes,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
}

// CommandClearDTCs asks the agent to issue a mode 04 clear.
const CommandClearDTCs = "clear_dtcs"

// CommandPublisher delivers commands to vehicles, typically over MQTT.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, vehicle domain.Vehicle, cmd Command) error
}

// ReadingSink receives accepted readings for live fan-out.
type ReadingSink interface {
	PublishReadings(vehicle domain.Vehicle, readings []domain.Reading)
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetricsRecorder times every operation through m.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithPasswordHasher replaces the default bcrypt hasher.
func WithPasswordHasher(h PasswordHasher) Option {
	return func(s *Service) {
		if h != nil {
			s.hasher = h
		}
	}
}

// WithCommandPublisher enables commands such as clear_dtcs.
func WithCommandPublisher(p CommandPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithReadingSink forwards accepted readings, e.g. to the live hub.
func WithReadingSink(sink ReadingSink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithIDGenerator overrides record ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// Service exposes validated operations over the store.
type Service struct {
	store     Store
	clock     Clock
	log       *zap.Logger
	metrics   MetricsRecorder
	hasher    PasswordHasher
	publisher CommandPublisher
	sink      ReadingSink
	newID     func() string
}

// NewService constructs a service backed by the supplied store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:   store,
		clock:   ClockFunc(time.Now),
		log:     zap.NewNop(),
		metrics: noopMetrics{},
		hasher:  auth.NewBcryptHasher(0),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("component", "core"))
	return s
}

// Store returns the underlying storage implementation.
func (s *Service) Store() Store { return s.store }

// SetReadingSink installs the live fan-out target after construction.
func (s *Service) SetReadingSink(sink ReadingSink) { s.sink = sink }

// SetCommandPublisher installs the command channel after construction.
func (s *Service) SetCommandPublisher(p CommandPublisher) { s.publisher = p }

// Now returns the service clock truncated to the millisecond precision the
// stores persist.
func (s *Service) Now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Millisecond)
}

// observe is deferred by every operation with a pointer to its named error.
func (s *Service) observe(ctx context.Context, op string, start time.Time, errp *error) {
	var err error
	if errp != nil {
		err = *errp
	}
	s.metrics.Observe(ctx, op, err == nil, time.Since(start))
	if err == nil || expected(err) {
		return
	}
	s.log.Error("operation failed", zap.String("op", op), zap.Error(err))
}

// expected errors are caller mistakes and do not warrant an error log.
func expected(err error) bool {
	return domain.IsNotFound(err) || domain.IsConflict(err) || domain.IsValidation(err) ||
		errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrInsufficientData) ||
		errors.Is(err, context.Canceled)
}
