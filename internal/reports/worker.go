package reports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"obddash/internal/infra/blob/objects"
	"obddash/pkg/domain"
)

// QueueSize is the number of reports that may wait for the worker.
const QueueSize = 32

const auditAction = "report"

var (
	// ErrQueueFull is returned by Enqueue when QueueSize reports are waiting.
	ErrQueueFull = errors.New("report queue full")
	// ErrStopped is returned by Enqueue after Stop.
	ErrStopped = errors.New("report worker stopped")
)

// Recorder counts finished report jobs.
type Recorder interface {
	ReportJob(kind, status string)
}

// Option configures a Worker.
type Option func(*Worker)

// WithAuditLogger records every status transition to a.
func WithAuditLogger(a AuditLogger) Option {
	return func(w *Worker) {
		if a != nil {
			w.audit = a
		}
	}
}

// WithRecorder counts finished jobs.
func WithRecorder(r Recorder) Option {
	return func(w *Worker) { w.rec = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = func() time.Time { return now().UTC() }
		}
	}
}

type task struct {
	id string
}

// Worker renders queued reports one at a time.
type Worker struct {
	svc   Service
	store objects.Store
	audit AuditLogger
	rec   Recorder
	log   *zap.Logger
	now   func() time.Time

	mu       sync.RWMutex
	jobs     map[string]*Record
	queue    chan task
	stopping bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker builds a worker that reads from svc and stores artifacts in store.
func NewWorker(svc Service, store objects.Store, log *zap.Logger, opts ...Option) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		svc:    svc,
		store:  store,
		log:    log.With(zap.String("component", "reports")),
		now:    func() time.Time { return time.Now().UTC() },
		jobs:   make(map[string]*Record),
		queue:  make(chan task, QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	w.audit = LogAuditor{Log: w.log}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins processing queued reports.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop refuses new reports and waits for the queued ones to finish. When ctx
// expires first the running job is cancelled and ctx.Err is returned.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.stopping {
		w.stopping = true
		close(w.queue)
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for t := range w.queue {
		w.process(t)
	}
}

// Enqueue validates req and queues it. Validation failures are
// domain.ValidationError and a missing vehicle or project is
// domain.ErrNotFound.
func (w *Worker) Enqueue(ctx context.Context, req Request) (Record, error) {
	req, err := req.normalize()
	if err != nil {
		return Record{}, err
	}
	if req.VehicleID != "" {
		if _, err := w.svc.GetVehicle(ctx, req.VehicleID); err != nil {
			return Record{}, err
		}
	}
	if req.ProjectID != "" {
		if _, err := w.svc.GetProject(ctx, req.ProjectID); err != nil {
			return Record{}, err
		}
	}
	now := w.now()
	record := Record{
		ID:        uuid.NewString(),
		Request:   req,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	w.mu.Lock()
	if w.stopping {
		w.mu.Unlock()
		return Record{}, ErrStopped
	}
	select {
	case w.queue <- task{id: record.ID}:
	default:
		w.mu.Unlock()
		return Record{}, ErrQueueFull
	}
	w.jobs[record.ID] = &record
	snapshot := record.copy()
	// Audited under the lock so the queued entry precedes the running one.
	w.audit.Record(ctx, w.auditEntry(snapshot))
	w.mu.Unlock()

	w.log.Info("report queued", zap.String("report_id", record.ID), zap.String("kind", string(req.Kind)))
	return snapshot, nil
}

// Get returns a snapshot of a report.
func (w *Worker) Get(id string) (Record, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	record, ok := w.jobs[id]
	if !ok {
		return Record{}, false
	}
	return record.copy(), true
}

// Open streams a stored artifact. Unknown reports and artifacts are
// domain.ErrNotFound.
func (w *Worker) Open(ctx context.Context, reportID, artifactID string) (Artifact, io.ReadCloser, error) {
	record, ok := w.Get(reportID)
	if !ok {
		return Artifact{}, nil, domain.ErrNotFound{Entity: domain.EntityReport, ID: reportID}
	}
	artifact, ok := record.Artifact(artifactID)
	if !ok {
		return Artifact{}, nil, domain.ErrNotFound{Entity: domain.EntityReport, ID: reportID + "/" + artifactID}
	}
	_, body, err := w.store.Get(ctx, artifact.Key)
	if errors.Is(err, objects.ErrNotFound) {
		return Artifact{}, nil, domain.ErrNotFound{Entity: domain.EntityReport, ID: reportID + "/" + artifactID}
	}
	if err != nil {
		return Artifact{}, nil, fmt.Errorf("open artifact %s: %w", artifact.Key, err)
	}
	return artifact, body, nil
}

func (w *Worker) process(t task) {
	record, ok := w.Get(t.id)
	if !ok {
		return
	}
	if w.ctx.Err() != nil {
		w.fail(record, "worker stopped", nil)
		return
	}
	w.transition(record.ID, StatusRunning, func(*Record) {})

	doc, err := w.build(w.ctx, record.Request)
	if err != nil {
		w.fail(record, fmt.Sprintf("build report: %v", err), nil)
		return
	}

	artifacts := make([]Artifact, 0, len(record.Request.Formats))
	for _, format := range record.Request.Formats {
		payload, err := render(format, doc)
		if err != nil {
			w.fail(record, fmt.Sprintf("render %s: %v", format, err), artifacts)
			return
		}
		id := uuid.NewString()
		key := ArtifactKey(record.ID, id, format)
		info, err := w.store.Put(w.ctx, key, bytes.NewReader(payload), objects.PutOptions{
			ContentType: format.ContentType(),
			Metadata: map[string]string{
				"report_id": record.ID,
				"kind":      string(record.Request.Kind),
				"format":    string(format),
			},
		})
		if err != nil {
			w.fail(record, fmt.Sprintf("store artifact: %v", err), artifacts)
			return
		}
		artifacts = append(artifacts, Artifact{
			ID:          id,
			Format:      format,
			Key:         info.Key,
			ContentType: format.ContentType(),
			SizeBytes:   info.Size,
			ETag:        info.ETag,
			CreatedAt:   w.now(),
		})
	}
	w.complete(record, artifacts)
}

func (w *Worker) transition(id string, status Status, mutate func(*Record)) Record {
	now := w.now()
	w.mu.Lock()
	record, ok := w.jobs[id]
	if !ok {
		w.mu.Unlock()
		return Record{}
	}
	record.Status = status
	record.UpdatedAt = now
	mutate(record)
	snapshot := record.copy()
	w.mu.Unlock()
	w.audit.Record(w.ctx, w.auditEntry(snapshot))
	return snapshot
}

func (w *Worker) complete(record Record, artifacts []Artifact) {
	done := w.transition(record.ID, StatusSucceeded, func(r *Record) {
		r.Error = ""
		r.Artifacts = artifacts
		at := r.UpdatedAt
		r.CompletedAt = &at
	})
	if w.rec != nil {
		w.rec.ReportJob(string(record.Request.Kind), string(StatusSucceeded))
	}
	w.log.Info("report succeeded",
		zap.String("report_id", record.ID),
		zap.String("kind", string(record.Request.Kind)),
		zap.Int("artifacts", len(done.Artifacts)))
}

// fail marks the report failed and removes artifacts already stored.
func (w *Worker) fail(record Record, reason string, stored []Artifact) {
	cleanup := context.WithoutCancel(w.ctx)
	for _, a := range stored {
		if _, err := w.store.Delete(cleanup, a.Key); err != nil {
			w.log.Warn("remove partial artifact", zap.String("key", a.Key), zap.Error(err))
		}
	}
	w.transition(record.ID, StatusFailed, func(r *Record) {
		r.Error = reason
		r.Artifacts = nil
		at := r.UpdatedAt
		r.CompletedAt = &at
	})
	if w.rec != nil {
		w.rec.ReportJob(string(record.Request.Kind), string(StatusFailed))
	}
	w.log.Warn("report failed", zap.String("report_id", record.ID), zap.String("reason", reason))
}

func (w *Worker) auditEntry(r Record) AuditEntry {
	var meta map[string]string
	if r.Status == StatusFailed && r.Error != "" {
		meta = map[string]string{"error": r.Error}
	}
	return AuditEntry{
		ID:         uuid.NewString(),
		Action:     auditAction,
		Actor:      r.Request.RequestedBy,
		ReportID:   r.ID,
		Kind:       r.Request.Kind,
		Status:     r.Status,
		Metadata:   meta,
		OccurredAt: r.UpdatedAt,
	}
}
