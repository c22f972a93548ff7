package httpapi

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"obddash/internal/core"
	"obddash/internal/live"
	"obddash/pkg/domain"
)

type readingsRequest struct {
	Readings []domain.Reading `json:"readings"`
}

func (h *Handler) recordReadings(w http.ResponseWriter, r *http.Request) {
	var req readingsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	readings, err := h.svc.RecordReadings(r.Context(), r.PathValue("id"), req.Readings)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"readings": readings})
}

func (h *Handler) latestReadings(w http.ResponseWriter, r *http.Request) {
	readings, err := h.svc.LatestReadings(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"readings": readings})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request, vehicleID string) {
	q := core.HistoryQuery{VehicleID: vehicleID, Parameter: r.URL.Query().Get("parameter")}
	var err error
	if q.From, err = queryTime(r, "from"); err == nil {
		if q.To, err = queryTime(r, "to"); err == nil {
			q.Bucket, err = queryDuration(r, "bucket")
		}
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.svc.History(r.Context(), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": out})
}

func (h *Handler) trend(w http.ResponseWriter, r *http.Request, vehicleID string) {
	q := core.TrendQuery{VehicleID: vehicleID, Parameter: r.URL.Query().Get("parameter")}
	var err error
	if q.From, err = queryTime(r, "from"); err == nil {
		if q.To, err = queryTime(r, "to"); err == nil {
			q.Horizon, err = queryDuration(r, "horizon")
		}
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.svc.Trend(r.Context(), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trend": out})
}

// live upgrades to a websocket that first carries the latest readings and
// then every accepted batch for the vehicle.
func (h *Handler) live(w http.ResponseWriter, r *http.Request, vehicleID string) {
	if h.hub == nil {
		writeError(w, http.StatusNotFound, "live telemetry not enabled")
		return
	}
	snapshot, err := h.svc.LatestReadings(r.Context(), vehicleID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.hub.Serve(w, r, vehicleID, snapshot); err != nil {
		if errors.Is(err, live.ErrClosed) {
			h.fail(w, r, err)
			return
		}
		h.log.Debug("websocket upgrade", zap.String("vehicle_id", vehicleID), zap.Error(err))
	}
}

func (h *Handler) listParameters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"parameters": domain.Parameters()})
}
