package core

import (
	"context"
	"time"

	"obddash/pkg/domain"
)

// VehicleStatus summarises one vehicle on the dashboard.
type VehicleStatus struct {
	Vehicle       domain.Vehicle `json:"vehicle"`
	OpenFaults    int            `json:"open_faults"`
	LastReadingAt *time.Time     `json:"last_reading_at,omitempty"`
}

// Overview is the project dashboard. ActiveFaults counts every code that has
// not been cleared.
type Overview struct {
	Project      domain.Project  `json:"project"`
	VehicleCount int             `json:"vehicle_count"`
	ActiveFaults int             `json:"active_faults"`
	Vehicles     []VehicleStatus `json:"vehicles"`
}

// Overview builds the dashboard of one project.
func (s *Service) Overview(ctx context.Context, projectID string) (out Overview, err error) {
	defer s.observe(ctx, "overview", time.Now(), &err)
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return Overview{}, err
	}
	return s.overview(ctx, project)
}

// FleetOverview builds the dashboard of every project.
func (s *Service) FleetOverview(ctx context.Context) (out []Overview, err error) {
	defer s.observe(ctx, "fleet_overview", time.Now(), &err)
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	out = make([]Overview, 0, len(projects))
	for _, p := range projects {
		ov, err := s.overview(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, ov)
	}
	return out, nil
}

func (s *Service) overview(ctx context.Context, project domain.Project) (Overview, error) {
	vehicles, err := s.store.ListVehicles(ctx, project.ID)
	if err != nil {
		return Overview{}, err
	}
	faults, err := s.store.ListFaultCodes(ctx, domain.FaultFilter{ProjectID: project.ID})
	if err != nil {
		return Overview{}, err
	}
	open := make(map[string]int, len(vehicles))
	for _, f := range faults {
		if f.Status != domain.FaultStatusCleared {
			open[f.VehicleID]++
		}
	}
	ov := Overview{Project: project, VehicleCount: len(vehicles), Vehicles: make([]VehicleStatus, 0, len(vehicles))}
	for _, v := range vehicles {
		latest, err := s.store.LatestReadings(ctx, v.ID)
		if err != nil {
			return Overview{}, err
		}
		status := VehicleStatus{Vehicle: v, OpenFaults: open[v.ID]}
		for _, r := range latest {
			if status.LastReadingAt == nil || r.RecordedAt.After(*status.LastReadingAt) {
				at := r.RecordedAt
				status.LastReadingAt = &at
			}
		}
		ov.ActiveFaults += status.OpenFaults
		ov.Vehicles = append(ov.Vehicles, status)
	}
	return ov, nil
}
