package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"obddash/internal/auth"
	"obddash/internal/reports"
	"obddash/pkg/domain"
)

func (h *Handler) createReport(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		writeError(w, http.StatusNotFound, "reports not enabled")
		return
	}
	var req reports.Request
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	p, _ := auth.FromContext(r.Context())
	req.RequestedBy = p.UserID
	record, err := h.reports.Enqueue(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"report": record})
}

func (h *Handler) getReport(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		writeError(w, http.StatusNotFound, "reports not enabled")
		return
	}
	id := r.PathValue("id")
	record, ok := h.reports.Get(id)
	if !ok {
		h.fail(w, r, domain.ErrNotFound{Entity: domain.EntityReport, ID: id})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": record})
}

func (h *Handler) downloadArtifact(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		writeError(w, http.StatusNotFound, "reports not enabled")
		return
	}
	reportID := r.PathValue("id")
	artifact, body, err := h.reports.Open(r.Context(), reportID, r.PathValue("artifactID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer body.Close()

	kind := "report"
	if record, ok := h.reports.Get(reportID); ok {
		kind = string(record.Request.Kind)
	}
	filename := fmt.Sprintf("%s-%s.%s", kind, reportID, artifact.Format)
	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if artifact.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(artifact.SizeBytes, 10))
	}
	if artifact.ETag != "" {
		w.Header().Set("ETag", strconv.Quote(artifact.ETag))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.log.Warn("stream artifact", zap.String("key", artifact.Key), zap.Error(err))
	}
}
