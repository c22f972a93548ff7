package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"obddash/pkg/domain"
)

// Fault listing page bounds.
const (
	DefaultFaultLimit = 50
	MaxFaultLimit     = 500
)

// FaultReport is one observed trouble code as delivered by an agent, an
// import file or an operator. Empty fields take defaults.
type FaultReport struct {
	Code        string             `json:"code"`
	Status      domain.FaultStatus `json:"status,omitempty"`
	Severity    domain.Severity    `json:"severity,omitempty"`
	Description string             `json:"description,omitempty"`
}

func (r FaultReport) normalize(index int) (FaultReport, domain.DTC, error) {
	field := func(name string) string { return fmt.Sprintf("faults[%d].%s", index, name) }
	dtc, err := domain.ParseDTC(r.Code)
	if err != nil {
		var verr domain.ValidationError
		if errors.As(err, &verr) {
			return r, "", domain.ValidationError{Field: field("code"), Message: verr.Message}
		}
		return r, "", err
	}
	r.Code = dtc.String()
	r.Status = domain.FaultStatus(strings.ToLower(strings.TrimSpace(string(r.Status))))
	switch {
	case r.Status == "":
		r.Status = domain.FaultStatusActive
	case r.Status == domain.FaultStatusCleared:
		return r, "", domain.ValidationError{Field: field("status"), Message: "use the clear operation to clear codes"}
	case !r.Status.Valid():
		return r, "", domain.ValidationError{Field: field("status"), Message: fmt.Sprintf("unknown status %q", r.Status)}
	}
	r.Severity = domain.Severity(strings.ToLower(strings.TrimSpace(string(r.Severity))))
	if r.Severity != "" && !r.Severity.Valid() {
		return r, "", domain.ValidationError{Field: field("severity"), Message: fmt.Sprintf("unknown severity %q", r.Severity)}
	}
	r.Description = strings.TrimSpace(r.Description)
	return r, dtc, nil
}

// RecordFaultCodes upserts reports by (vehicle, code). New codes start with one
// occurrence; known codes are bumped, take the reported status and are
// reactivated when they had been cleared. A zero seenAt means now.
func (s *Service) RecordFaultCodes(ctx context.Context, vehicleID string, reports []FaultReport, seenAt time.Time) (out []domain.FaultCode, err error) {
	defer s.observe(ctx, "record_fault_codes", time.Now(), &err)
	if _, err = s.store.GetVehicle(ctx, vehicleID); err != nil {
		return nil, err
	}
	if seenAt.IsZero() {
		seenAt = s.Now()
	}
	seenAt = seenAt.UTC().Truncate(time.Millisecond)

	normalized := make([]FaultReport, len(reports))
	dtcs := make([]domain.DTC, len(reports))
	for i, r := range reports {
		if normalized[i], dtcs[i], err = r.normalize(i); err != nil {
			return nil, err
		}
	}

	out = make([]domain.FaultCode, 0, len(normalized))
	for i, r := range normalized {
		var f domain.FaultCode
		f, err = s.upsertFault(ctx, vehicleID, r, dtcs[i], seenAt)
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
	if len(out) > 0 {
		s.log.Info("fault codes recorded", zap.String("vehicle_id", vehicleID), zap.Int("count", len(out)))
	}
	return out, nil
}

func (s *Service) upsertFault(ctx context.Context, vehicleID string, r FaultReport, dtc domain.DTC, seenAt time.Time) (domain.FaultCode, error) {
	return s.store.UpsertFaultCode(ctx, vehicleID, r.Code, func(existing *domain.FaultCode) (domain.FaultCode, error) {
		if existing == nil {
			f := domain.FaultCode{
				ID:          s.newID(),
				VehicleID:   vehicleID,
				Code:        r.Code,
				Description: r.Description,
				System:      dtc.System(),
				Status:      r.Status,
				Severity:    r.Severity,
				Occurrences: 1,
				FirstSeen:   seenAt,
				LastSeen:    seenAt,
			}
			if f.Description == "" {
				f.Description = describe(dtc).Description
			}
			if f.Severity == "" {
				f.Severity = dtc.DefaultSeverity()
			}
			if err := f.Validate(); err != nil {
				return domain.FaultCode{}, err
			}
			return f, nil
		}

		f := *existing
		f.Occurrences++
		// Older observations, e.g. from an imported backlog, never move LastSeen back.
		if seenAt.After(f.LastSeen) {
			f.LastSeen = seenAt
		}
		if seenAt.Before(f.FirstSeen) {
			f.FirstSeen = seenAt
		}
		f.Status = r.Status
		f.ClearedAt = nil
		if r.Severity != "" {
			f.Severity = r.Severity
		}
		if r.Description != "" {
			f.Description = r.Description
		}
		return f, nil
	})
}

// NormalizeFaultFilter applies the default and maximum page size and validates
// enumerated filters.
func NormalizeFaultFilter(f domain.FaultFilter) (domain.FaultFilter, error) {
	if f.Status != "" && !f.Status.Valid() {
		return f, domain.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", f.Status)}
	}
	if f.System != "" && !f.System.Valid() {
		return f, domain.ValidationError{Field: "system", Message: fmt.Sprintf("unknown system %q", f.System)}
	}
	if f.Severity != "" && !f.Severity.Valid() {
		return f, domain.ValidationError{Field: "severity", Message: fmt.Sprintf("unknown severity %q", f.Severity)}
	}
	if f.Offset < 0 {
		return f, domain.ValidationError{Field: "offset", Message: "must not be negative"}
	}
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultFaultLimit
	case f.Limit > MaxFaultLimit:
		f.Limit = MaxFaultLimit
	}
	f.Search = strings.TrimSpace(f.Search)
	return f, nil
}

// ListFaultCodes browses fault codes ordered by LastSeen, newest first.
func (s *Service) ListFaultCodes(ctx context.Context, filter domain.FaultFilter) (out []domain.FaultCode, err error) {
	defer s.observe(ctx, "list_fault_codes", time.Now(), &err)
	filter, err = NormalizeFaultFilter(filter)
	if err != nil {
		return nil, err
	}
	return s.store.ListFaultCodes(ctx, filter)
}

// GetFaultCode loads one fault code.
func (s *Service) GetFaultCode(ctx context.Context, id string) (out domain.FaultCode, err error) {
	defer s.observe(ctx, "get_fault_code", time.Now(), &err)
	return s.store.GetFaultCode(ctx, id)
}

// ClearFaultCodes marks the given codes of a vehicle as cleared, or every
// uncleared code when none are given. With a command publisher configured the
// vehicle's agent is asked to clear them too. Publish failures are logged and
// do not undo the stored change.
func (s *Service) ClearFaultCodes(ctx context.Context, vehicleID string, codes ...string) (out []domain.FaultCode, err error) {
	defer s.observe(ctx, "clear_fault_codes", time.Now(), &err)
	vehicle, err := s.store.GetVehicle(ctx, vehicleID)
	if err != nil {
		return nil, err
	}
	var targets []domain.FaultCode
	if len(codes) == 0 {
		all, err := s.store.ListFaultCodes(ctx, domain.FaultFilter{VehicleID: vehicleID})
		if err != nil {
			return nil, err
		}
		for _, f := range all {
			if f.Status != domain.FaultStatusCleared {
				targets = append(targets, f)
			}
		}
	} else {
		seen := make(map[string]struct{}, len(codes))
		for _, raw := range codes {
			dtc, err := domain.ParseDTC(raw)
			if err != nil {
				return nil, err
			}
			if _, dup := seen[dtc.String()]; dup {
				continue
			}
			seen[dtc.String()] = struct{}{}
			f, err := s.store.FindFaultCode(ctx, vehicleID, dtc.String())
			if err != nil {
				return nil, err
			}
			targets = append(targets, f)
		}
	}

	now := s.Now()
	out = make([]domain.FaultCode, 0, len(targets))
	cleared := make([]string, 0, len(targets))
	for _, f := range targets {
		if f.Status != domain.FaultStatusCleared {
			changed := false
			f, err = s.store.UpdateFaultCode(ctx, f.ID, func(cur domain.FaultCode) (domain.FaultCode, error) {
				// Another request may have cleared it since the listing.
				changed = cur.Status != domain.FaultStatusCleared
				if changed {
					at := now
					cur.Status = domain.FaultStatusCleared
					cur.ClearedAt = &at
				}
				return cur, nil
			})
			if err != nil {
				return out, err
			}
			if changed {
				cleared = append(cleared, f.Code)
			}
		}
		out = append(out, f)
	}

	if s.publisher != nil && len(cleared) > 0 {
		cmd := Command{Name: CommandClearDTCs, IssuedAt: now}
		if len(codes) > 0 {
			cmd.Codes = cleared
		}
		if perr := s.publisher.PublishCommand(ctx, vehicle, cmd); perr != nil {
			s.log.Warn("publish clear command", zap.String("vin", vehicle.VIN), zap.Error(perr))
		}
	}
	return out, nil
}

// FaultSummary counts fault codes by status, system and severity.
type FaultSummary struct {
	ProjectID  string                     `json:"project_id,omitempty"`
	Total      int                        `json:"total"`
	ByStatus   map[domain.FaultStatus]int `json:"by_status"`
	BySystem   map[domain.System]int      `json:"by_system"`
	BySeverity map[domain.Severity]int    `json:"by_severity"`
}

// FaultSummary aggregates the fault codes of a project, or of every vehicle
// when projectID is empty.
func (s *Service) FaultSummary(ctx context.Context, projectID string) (out FaultSummary, err error) {
	defer s.observe(ctx, "fault_summary", time.Now(), &err)
	if projectID != "" {
		if _, err = s.store.GetProject(ctx, projectID); err != nil {
			return FaultSummary{}, err
		}
	}
	faults, err := s.store.ListFaultCodes(ctx, domain.FaultFilter{ProjectID: projectID})
	if err != nil {
		return FaultSummary{}, err
	}
	out = FaultSummary{
		ProjectID:  projectID,
		Total:      len(faults),
		ByStatus:   make(map[domain.FaultStatus]int),
		BySystem:   make(map[domain.System]int),
		BySeverity: make(map[domain.Severity]int),
	}
	for _, f := range faults {
		out.ByStatus[f.Status]++
		out.BySystem[f.System]++
		out.BySeverity[f.Severity]++
	}
	return out, nil
}
