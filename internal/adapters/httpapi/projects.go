package httpapi

import (
	"net/http"
	"strings"

	"obddash/pkg/domain"
)

type projectInput struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Owner       *string `json:"owner"`
}

func (in projectInput) apply(p *domain.Project) {
	if in.Name != nil {
		p.Name = *in.Name
	}
	if in.Description != nil {
		p.Description = *in.Description
	}
	if in.Owner != nil {
		p.Owner = *in.Owner
	}
}

func (h *Handler) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.svc.ListProjects(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (h *Handler) createProject(w http.ResponseWriter, r *http.Request) {
	var in projectInput
	if err := decodeJSON(w, r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	var p domain.Project
	in.apply(&p)
	project, err := h.svc.CreateProject(r.Context(), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"project": project})
}

func (h *Handler) getProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.svc.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": project})
}

func (h *Handler) updateProject(w http.ResponseWriter, r *http.Request) {
	var in projectInput
	if err := decodeJSON(w, r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	project, err := h.svc.UpdateProject(r.Context(), r.PathValue("id"), func(p *domain.Project) error {
		in.apply(p)
		return nil
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": project})
}

func (h *Handler) deleteProject(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteProject(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) projectOverview(w http.ResponseWriter, r *http.Request) {
	ov, err := h.svc.Overview(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"overview": ov})
}

func (h *Handler) projectFaultSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.FaultSummary(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

func (h *Handler) listVehicles(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.svc.GetProject(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	vehicles, err := h.svc.ListVehicles(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vehicles": vehicles})
}

type vehicleInput struct {
	ProjectID *string `json:"project_id"`
	VIN       *string `json:"vin"`
	Make      *string `json:"make"`
	Model     *string `json:"model"`
	Year      *int    `json:"year"`
	Protocol  *string `json:"protocol"`
	Notes     *string `json:"notes"`
}

func (in vehicleInput) apply(v *domain.Vehicle) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	set(&v.ProjectID, in.ProjectID)
	set(&v.VIN, in.VIN)
	set(&v.Make, in.Make)
	set(&v.Model, in.Model)
	set(&v.Protocol, in.Protocol)
	set(&v.Notes, in.Notes)
	if in.Year != nil {
		v.Year = *in.Year
	}
}

func (h *Handler) createVehicle(w http.ResponseWriter, r *http.Request) {
	var in vehicleInput
	if err := decodeJSON(w, r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	var v domain.Vehicle
	in.apply(&v)
	vehicle, err := h.svc.CreateVehicle(r.Context(), v)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"vehicle": vehicle})
}

func (h *Handler) getVehicle(w http.ResponseWriter, r *http.Request) {
	vehicle, err := h.svc.GetVehicle(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vehicle": vehicle})
}

func (h *Handler) updateVehicle(w http.ResponseWriter, r *http.Request) {
	var in vehicleInput
	if err := decodeJSON(w, r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	vehicle, err := h.svc.UpdateVehicle(r.Context(), r.PathValue("id"), func(v *domain.Vehicle) error {
		in.apply(v)
		return nil
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vehicle": vehicle})
}

func (h *Handler) deleteVehicle(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteVehicle(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// vehicleView dispatches the two-segment vehicle GET routes.
func (h *Handler) vehicleView(w http.ResponseWriter, r *http.Request) {
	id, view := r.PathValue("id"), r.PathValue("view")
	if id == "by-vin" {
		h.getVehicleByVIN(w, r, view)
		return
	}
	switch view {
	case "faults":
		h.listVehicleFaults(w, r, id)
	case "history":
		h.history(w, r, id)
	case "trend":
		h.trend(w, r, id)
	case "live":
		h.live(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) getVehicleByVIN(w http.ResponseWriter, r *http.Request, vin string) {
	vehicle, err := h.svc.GetVehicleByVIN(r.Context(), vin)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vehicle": vehicle})
}
