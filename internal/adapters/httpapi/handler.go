// Package httpapi serves the obddash JSON API.
package httpapi

import (
	"context"
	"io"
	"net/http"

	"go.uber.org/zap"

	"obddash/internal/auth"
	"obddash/internal/core"
	"obddash/internal/importer"
	"obddash/internal/live"
	"obddash/internal/metrics"
	"obddash/internal/reports"
)

// DefaultMaxUploadBytes bounds import uploads when Config leaves it zero.
const DefaultMaxUploadBytes = 32 << 20

const maxBodyBytes = 1 << 20

// ReportScheduler queues reports and serves their artifacts.
type ReportScheduler interface {
	Enqueue(ctx context.Context, req reports.Request) (reports.Record, error)
	Get(id string) (reports.Record, bool)
	Open(ctx context.Context, reportID, artifactID string) (reports.Artifact, io.ReadCloser, error)
}

// Config wires the handler. Hub, Importer, Reports, Metrics and Ready are
// optional; their routes answer 404 or are skipped when absent.
type Config struct {
	Service        *core.Service
	Auth           *auth.Manager
	Hub            *live.Hub
	Importer       *importer.Importer
	Reports        ReportScheduler
	Metrics        *metrics.Registry
	Log            *zap.Logger
	MaxUploadBytes int64
	// Ready backs /healthz; nil always reports ok.
	Ready func(ctx context.Context) error
}

// Handler routes API requests.
type Handler struct {
	svc       *core.Service
	auth      *auth.Manager
	hub       *live.Hub
	importer  *importer.Importer
	reports   ReportScheduler
	metrics   *metrics.Registry
	log       *zap.Logger
	maxUpload int64
	ready     func(ctx context.Context) error

	root http.Handler
}

// NewHandler builds the route table.
func NewHandler(cfg Config) *Handler {
	h := &Handler{
		svc:       cfg.Service,
		auth:      cfg.Auth,
		hub:       cfg.Hub,
		importer:  cfg.Importer,
		reports:   cfg.Reports,
		metrics:   cfg.Metrics,
		log:       cfg.Log,
		maxUpload: cfg.MaxUploadBytes,
		ready:     cfg.Ready,
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	h.log = h.log.With(zap.String("component", "http"))
	if h.maxUpload <= 0 {
		h.maxUpload = DefaultMaxUploadBytes
	}
	h.root = h.instrument(h.routes())
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r)
}

func (h *Handler) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.healthz)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}

	mux.HandleFunc("POST /api/v1/auth/login", h.login)
	h.guard(mux, "POST /api/v1/auth/logout", auth.PermRead, h.logout)
	h.guard(mux, "GET /api/v1/auth/me", auth.PermRead, h.me)

	h.guard(mux, "GET /api/v1/projects", auth.PermRead, h.listProjects)
	h.guard(mux, "POST /api/v1/projects", auth.PermWrite, h.createProject)
	h.guard(mux, "GET /api/v1/projects/{id}", auth.PermRead, h.getProject)
	h.guard(mux, "PUT /api/v1/projects/{id}", auth.PermWrite, h.updateProject)
	h.guard(mux, "DELETE /api/v1/projects/{id}", auth.PermWrite, h.deleteProject)
	h.guard(mux, "GET /api/v1/projects/{id}/overview", auth.PermRead, h.projectOverview)
	h.guard(mux, "GET /api/v1/projects/{id}/faults/summary", auth.PermRead, h.projectFaultSummary)
	h.guard(mux, "GET /api/v1/projects/{id}/vehicles", auth.PermRead, h.listVehicles)

	h.guard(mux, "POST /api/v1/vehicles", auth.PermWrite, h.createVehicle)
	h.guard(mux, "GET /api/v1/vehicles/{id}", auth.PermRead, h.getVehicle)
	h.guard(mux, "PUT /api/v1/vehicles/{id}", auth.PermWrite, h.updateVehicle)
	h.guard(mux, "DELETE /api/v1/vehicles/{id}", auth.PermWrite, h.deleteVehicle)
	// by-vin/{vin} overlaps {id}/faults and friends, which the mux would
	// reject as ambiguous, so every two-segment GET shares one pattern.
	h.guard(mux, "GET /api/v1/vehicles/{id}/{view}", auth.PermRead, h.vehicleView)
	h.guard(mux, "GET /api/v1/vehicles/{id}/readings/latest", auth.PermRead, h.latestReadings)
	h.guard(mux, "POST /api/v1/vehicles/{id}/faults", auth.PermWrite, h.recordFaults)
	h.guard(mux, "POST /api/v1/vehicles/{id}/faults/clear", auth.PermWrite, h.clearFaults)
	h.guard(mux, "POST /api/v1/vehicles/{id}/readings", auth.PermWrite, h.recordReadings)
	h.guard(mux, "POST /api/v1/vehicles/{id}/import", auth.PermImport, h.importFile)

	h.guard(mux, "GET /api/v1/faults", auth.PermRead, h.listFaults)
	h.guard(mux, "GET /api/v1/dtc/{code}", auth.PermRead, h.describeDTC)
	h.guard(mux, "GET /api/v1/parameters", auth.PermRead, h.listParameters)

	h.guard(mux, "POST /api/v1/reports", auth.PermReports, h.createReport)
	h.guard(mux, "GET /api/v1/reports/{id}", auth.PermReports, h.getReport)
	h.guard(mux, "GET /api/v1/reports/{id}/artifacts/{artifactID}", auth.PermReports, h.downloadArtifact)

	h.guard(mux, "GET /api/v1/users", auth.PermUsers, h.listUsers)
	h.guard(mux, "POST /api/v1/users", auth.PermUsers, h.createUser)
	h.guard(mux, "GET /api/v1/users/{id}", auth.PermUsers, h.getUser)
	h.guard(mux, "PUT /api/v1/users/{id}", auth.PermUsers, h.updateUser)
	h.guard(mux, "DELETE /api/v1/users/{id}", auth.PermUsers, h.deleteUser)
	h.guard(mux, "POST /api/v1/users/{id}/password", auth.PermUsers, h.resetPassword)
	return mux
}

func (h *Handler) guard(mux *http.ServeMux, pattern string, perm auth.Permission, fn http.HandlerFunc) {
	mux.Handle(pattern, h.auth.Authenticate(h.auth.Require(perm)(fn)))
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			h.log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
