package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"

	"obddash/internal/auth"
	"obddash/internal/infra/persistence/memory"
	"obddash/pkg/domain"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordedMetric struct {
	op      string
	success bool
}

type captureMetrics struct {
	mu   sync.Mutex
	seen []recordedMetric
}

func (m *captureMetrics) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	m.mu.Lock()
	m.seen = append(m.seen, recordedMetric{op: op, success: success})
	m.mu.Unlock()
}

type capturePublisher struct {
	mu       sync.Mutex
	commands []Command
	vins     []string
	err      error
}

func (p *capturePublisher) PublishCommand(_ context.Context, v domain.Vehicle, cmd Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commands = append(p.commands, cmd)
	p.vins = append(p.vins, v.VIN)
	return p.err
}

type captureSink struct {
	mu       sync.Mutex
	batches  [][]domain.Reading
	vehicles []string
}

func (s *captureSink) PublishReadings(v domain.Vehicle, readings []domain.Reading) {
	s.mu.Lock()
	s.batches = append(s.batches, readings)
	s.vehicles = append(s.vehicles, v.ID)
	s.mu.Unlock()
}

type harness struct {
	svc       *Service
	clock     *testClock
	metrics   *captureMetrics
	publisher *capturePublisher
	sink      *captureSink
	logs      *observer.ObservedLogs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	obsCore, logs := observer.New(zap.DebugLevel)
	h := &harness{
		clock:     &testClock{now: fixedNow},
		metrics:   &captureMetrics{},
		publisher: &capturePublisher{},
		sink:      &captureSink{},
		logs:      logs,
	}
	var seq int
	h.svc = NewService(memory.NewStore(),
		WithClock(h.clock),
		WithLogger(zap.New(obsCore)),
		WithMetricsRecorder(h.metrics),
		WithPasswordHasher(auth.NewBcryptHasher(bcrypt.MinCost)),
		WithCommandPublisher(h.publisher),
		WithReadingSink(h.sink),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("id-%03d", seq)
		}),
	)
	return h
}

const (
	vinA = "1FAHP3F20CL123456"
	vinB = "WVWZZZ1JZXW000002"
)

func (h *harness) project(t *testing.T, name string) domain.Project {
	t.Helper()
	p, err := h.svc.CreateProject(context.Background(), domain.Project{Name: name})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return p
}

func (h *harness) vehicle(t *testing.T, projectID, vin string) domain.Vehicle {
	t.Helper()
	v, err := h.svc.CreateVehicle(context.Background(), domain.Vehicle{ProjectID: projectID, VIN: vin, Make: "Ford", Year: 2018})
	if err != nil {
		t.Fatalf("CreateVehicle: %v", err)
	}
	return v
}
