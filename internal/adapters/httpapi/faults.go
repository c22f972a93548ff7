package httpapi

import (
	"net/http"
	"strings"
	"time"

	"obddash/internal/core"
	"obddash/pkg/domain"
)

// faultFilter reads the list filters shared by /faults and
// /vehicles/{id}/faults.
func faultFilter(r *http.Request) (domain.FaultFilter, error) {
	q := r.URL.Query()
	f := domain.FaultFilter{
		VehicleID: strings.TrimSpace(q.Get("vehicle_id")),
		ProjectID: strings.TrimSpace(q.Get("project_id")),
		Status:    domain.FaultStatus(strings.ToLower(strings.TrimSpace(q.Get("status")))),
		System:    domain.System(strings.ToLower(strings.TrimSpace(q.Get("system")))),
		Severity:  domain.Severity(strings.ToLower(strings.TrimSpace(q.Get("severity")))),
		Search:    q.Get("q"),
	}
	var err error
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = queryInt(r, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func (h *Handler) listFaults(w http.ResponseWriter, r *http.Request) {
	filter, err := faultFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	faults, err := h.svc.ListFaultCodes(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"faults": faults})
}

func (h *Handler) listVehicleFaults(w http.ResponseWriter, r *http.Request, vehicleID string) {
	if _, err := h.svc.GetVehicle(r.Context(), vehicleID); err != nil {
		h.fail(w, r, err)
		return
	}
	filter, err := faultFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	filter.VehicleID = vehicleID
	filter.ProjectID = ""
	faults, err := h.svc.ListFaultCodes(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"faults": faults})
}

type recordFaultsRequest struct {
	Faults []core.FaultReport `json:"faults"`
	SeenAt time.Time          `json:"seen_at"`
}

func (h *Handler) recordFaults(w http.ResponseWriter, r *http.Request) {
	var req recordFaultsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if len(req.Faults) == 0 {
		h.fail(w, r, domain.ValidationError{Field: "faults", Message: "at least one fault is required"})
		return
	}
	faults, err := h.svc.RecordFaultCodes(r.Context(), r.PathValue("id"), req.Faults, req.SeenAt)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"faults": faults})
}

type clearFaultsRequest struct {
	Codes []string `json:"codes"`
}

func (h *Handler) clearFaults(w http.ResponseWriter, r *http.Request) {
	var req clearFaultsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	faults, err := h.svc.ClearFaultCodes(r.Context(), r.PathValue("id"), req.Codes...)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"faults": faults})
}

func (h *Handler) describeDTC(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.DescribeDTC(r.PathValue("code"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dtc": info})
}
