// Package reports renders fault, telemetry and fleet reports in the
// background and keeps the artifacts in the blob store.
package reports

import (
	"context"
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"obddash/pkg/domain"
)

// Kind selects what a report covers.
type Kind string

const (
	KindFaultSummary     Kind = "fault_summary"
	KindTelemetryHistory Kind = "telemetry_history"
	KindFleetOverview    Kind = "fleet_overview"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindFaultSummary, KindTelemetryHistory, KindFleetOverview:
		return true
	}
	return false
}

// Format is an artifact encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatPDF  Format = "pdf"
	FormatXLSX Format = "xlsx"
	FormatJSON Format = "json"
)

// Valid reports whether f is a known format.
func (f Format) Valid() bool {
	switch f {
	case FormatCSV, FormatPDF, FormatXLSX, FormatJSON:
		return true
	}
	return false
}

// ContentType is the MIME type served for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatPDF:
		return "application/pdf"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/json"
	}
}

// Status describes the lifecycle stage of a report.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Request asks for one report in one or more formats. A zero To means the
// time the job runs and a zero From the day before To.
type Request struct {
	Kind        Kind      `json:"kind"`
	Formats     []Format  `json:"formats,omitempty"`
	VehicleID   string    `json:"vehicle_id,omitempty"`
	ProjectID   string    `json:"project_id,omitempty"`
	Parameters  []string  `json:"parameters,omitempty"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	RequestedBy string    `json:"requested_by,omitempty"`
}

// normalize validates r, fills default formats and drops duplicates.
func (r Request) normalize() (Request, error) {
	r.Kind = Kind(strings.ToLower(strings.TrimSpace(string(r.Kind))))
	if !r.Kind.Valid() {
		return r, domain.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown report kind %q", r.Kind)}
	}
	if len(r.Formats) == 0 {
		r.Formats = []Format{FormatJSON, FormatCSV}
	}
	formats := make([]Format, 0, len(r.Formats))
	for _, f := range r.Formats {
		f = Format(strings.ToLower(strings.TrimSpace(string(f))))
		if !f.Valid() {
			return r, domain.ValidationError{Field: "formats", Message: fmt.Sprintf("unknown format %q", f)}
		}
		if !slices.Contains(formats, f) {
			formats = append(formats, f)
		}
	}
	r.Formats = formats
	r.VehicleID = strings.TrimSpace(r.VehicleID)
	r.ProjectID = strings.TrimSpace(r.ProjectID)

	switch r.Kind {
	case KindFaultSummary:
		if (r.VehicleID == "") == (r.ProjectID == "") {
			return r, domain.ValidationError{Field: "vehicle_id", Message: "exactly one of vehicle_id or project_id is required"}
		}
	case KindTelemetryHistory:
		if r.VehicleID == "" {
			return r, domain.ValidationError{Field: "vehicle_id", Message: "required"}
		}
		params := make([]string, 0, len(r.Parameters))
		for _, key := range r.Parameters {
			p, ok := domain.LookupParameter(strings.TrimSpace(key))
			if !ok {
				return r, domain.ValidationError{Field: "parameters", Message: fmt.Sprintf("unknown parameter %q", key)}
			}
			if !slices.Contains(params, p.Key) {
				params = append(params, p.Key)
			}
		}
		r.Parameters = params
	}
	if !r.From.IsZero() && !r.To.IsZero() && !r.From.Before(r.To) {
		return r, domain.ValidationError{Field: "from", Message: "must be before to"}
	}
	return r, nil
}

// Artifact is one rendered file of a report.
type Artifact struct {
	ID          string    `json:"id"`
	Format      Format    `json:"format"`
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	ETag        string    `json:"etag,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ArtifactKey is the blob key of an artifact.
func ArtifactKey(reportID, artifactID string, f Format) string {
	return path.Join("reports", reportID, artifactID+"."+string(f))
}

// Record tracks a report request and its artifacts.
type Record struct {
	ID          string     `json:"id"`
	Request     Request    `json:"request"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	Artifacts   []Artifact `json:"artifacts,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Artifact finds an artifact of the record by ID.
func (r Record) Artifact(id string) (Artifact, bool) {
	for _, a := range r.Artifacts {
		if a.ID == id {
			return a, true
		}
	}
	return Artifact{}, false
}

func (r Record) copy() Record {
	dup := r
	dup.Request.Formats = slices.Clone(r.Request.Formats)
	dup.Request.Parameters = slices.Clone(r.Request.Parameters)
	dup.Artifacts = slices.Clone(r.Artifacts)
	return dup
}

// AuditEntry records one status transition of a report.
type AuditEntry struct {
	ID         string            `json:"id"`
	Action     string            `json:"action"`
	Actor      string            `json:"actor,omitempty"`
	ReportID   string            `json:"report_id"`
	Kind       Kind              `json:"kind"`
	Status     Status            `json:"status"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// AuditLogger receives report audit entries.
type AuditLogger interface {
	Record(ctx context.Context, entry AuditEntry)
}

// LogAuditor writes audit entries to a zap logger.
type LogAuditor struct {
	Log *zap.Logger
}

// Record implements AuditLogger.
func (a LogAuditor) Record(_ context.Context, e AuditEntry) {
	fields := []zap.Field{
		zap.String("audit_id", e.ID),
		zap.String("action", e.Action),
		zap.String("actor", e.Actor),
		zap.String("report_id", e.ReportID),
		zap.String("kind", string(e.Kind)),
		zap.String("status", string(e.Status)),
		zap.Time("occurred_at", e.OccurredAt),
	}
	if len(e.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", e.Metadata))
	}
	a.Log.Info("audit", fields...)
}

// MemoryAuditLog keeps audit entries in memory for assertions.
type MemoryAuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
}

// Record implements AuditLogger.
func (l *MemoryAuditLog) Record(_ context.Context, e AuditEntry) {
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
}

// Entries returns a copy of the recorded entries.
func (l *MemoryAuditLog) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries)
}
