package reports

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"obddash/internal/core"
	"obddash/pkg/domain"
)

// Service is the slice of core.Service the reports read from.
type Service interface {
	GetProject(ctx context.Context, id string) (domain.Project, error)
	GetVehicle(ctx context.Context, id string) (domain.Vehicle, error)
	ListFaultCodes(ctx context.Context, filter domain.FaultFilter) ([]domain.FaultCode, error)
	LatestReadings(ctx context.Context, vehicleID string) ([]domain.Reading, error)
	History(ctx context.Context, q core.HistoryQuery) (core.History, error)
	Trend(ctx context.Context, q core.TrendQuery) (core.Trend, error)
	Overview(ctx context.Context, projectID string) (core.Overview, error)
	FleetOverview(ctx context.Context) ([]core.Overview, error)
}

// table is one tabular section. Cells hold string, int, float64 or
// time.Time values; a zero time renders empty.
type table struct {
	Title   string
	Columns []string
	Rows    [][]any
}

// document is the format-independent content of a report.
type document struct {
	Title       string
	GeneratedAt time.Time
	Meta        [][2]string
	Tables      []table
	Data        any
}

func (w *Worker) build(ctx context.Context, req Request) (document, error) {
	switch req.Kind {
	case KindFaultSummary:
		return w.buildFaultSummary(ctx, req)
	case KindTelemetryHistory:
		return w.buildTelemetryHistory(ctx, req)
	case KindFleetOverview:
		return w.buildFleetOverview(ctx, req)
	}
	return document{}, fmt.Errorf("unsupported report kind %s", req.Kind)
}

type faultReport struct {
	Project *domain.Project    `json:"project,omitempty"`
	Vehicle *domain.Vehicle    `json:"vehicle,omitempty"`
	Summary core.FaultSummary  `json:"summary"`
	Faults  []domain.FaultCode `json:"faults"`
}

func (w *Worker) buildFaultSummary(ctx context.Context, req Request) (document, error) {
	var (
		data   faultReport
		filter domain.FaultFilter
		doc    = document{GeneratedAt: w.now()}
	)
	if req.VehicleID != "" {
		v, err := w.svc.GetVehicle(ctx, req.VehicleID)
		if err != nil {
			return document{}, err
		}
		data.Vehicle = &v
		filter.VehicleID = v.ID
		data.Summary.ProjectID = v.ProjectID
		doc.Title = "Fault summary: " + v.VIN
		doc.Meta = append(doc.Meta, [2]string{"Vehicle", vehicleLabel(v)})
	} else {
		p, err := w.svc.GetProject(ctx, req.ProjectID)
		if err != nil {
			return document{}, err
		}
		data.Project = &p
		filter.ProjectID = p.ID
		data.Summary.ProjectID = p.ID
		doc.Title = "Fault summary: " + p.Name
		doc.Meta = append(doc.Meta, [2]string{"Project", p.Name})
	}
	faults, err := w.allFaults(ctx, filter)
	if err != nil {
		return document{}, err
	}
	data.Faults = faults
	data.Summary.Total = len(faults)
	data.Summary.ByStatus = make(map[domain.FaultStatus]int)
	data.Summary.BySystem = make(map[domain.System]int)
	data.Summary.BySeverity = make(map[domain.Severity]int)
	for _, f := range faults {
		data.Summary.ByStatus[f.Status]++
		data.Summary.BySystem[f.System]++
		data.Summary.BySeverity[f.Severity]++
	}
	doc.Meta = append(doc.Meta, [2]string{"Fault codes", fmt.Sprint(len(faults))})

	codes := table{
		Title:   "Fault codes",
		Columns: []string{"Code", "System", "Status", "Severity", "Occurrences", "First seen", "Last seen", "Description"},
	}
	for _, f := range faults {
		codes.Rows = append(codes.Rows, []any{f.Code, string(f.System), string(f.Status), string(f.Severity), f.Occurrences, f.FirstSeen, f.LastSeen, f.Description})
	}
	counts := table{Title: "By status", Columns: []string{"Status", "Count"}}
	for _, s := range []domain.FaultStatus{domain.FaultStatusActive, domain.FaultStatusPending, domain.FaultStatusPermanent, domain.FaultStatusCleared} {
		counts.Rows = append(counts.Rows, []any{string(s), data.Summary.ByStatus[s]})
	}
	doc.Tables = []table{codes, counts}
	doc.Data = data
	return doc, nil
}

// allFaults pages through every matching fault code.
func (w *Worker) allFaults(ctx context.Context, filter domain.FaultFilter) ([]domain.FaultCode, error) {
	filter.Limit = core.MaxFaultLimit
	out := make([]domain.FaultCode, 0)
	for {
		page, err := w.svc.ListFaultCodes(ctx, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < filter.Limit {
			return out, nil
		}
		filter.Offset += len(page)
	}
}

type series struct {
	History core.History `json:"history"`
	Trend   *core.Trend  `json:"trend,omitempty"`
}

type telemetryReport struct {
	Vehicle domain.Vehicle `json:"vehicle"`
	From    time.Time      `json:"from"`
	To      time.Time      `json:"to"`
	Series  []series       `json:"series"`
}

func (w *Worker) buildTelemetryHistory(ctx context.Context, req Request) (document, error) {
	v, err := w.svc.GetVehicle(ctx, req.VehicleID)
	if err != nil {
		return document{}, err
	}
	to := req.To
	if to.IsZero() {
		to = w.now()
	}
	from := req.From
	if from.IsZero() {
		from = to.Add(-core.DefaultHistoryWindow)
	}
	from, to = from.UTC(), to.UTC()

	params := req.Parameters
	if len(params) == 0 {
		latest, err := w.svc.LatestReadings(ctx, v.ID)
		if err != nil {
			return document{}, err
		}
		for _, r := range latest {
			params = append(params, r.Parameter)
		}
		sort.Strings(params)
	}

	data := telemetryReport{Vehicle: v, From: from, To: to, Series: make([]series, 0, len(params))}
	doc := document{
		Title:       "Telemetry history: " + v.VIN,
		GeneratedAt: w.now(),
		Meta: [][2]string{
			{"Vehicle", vehicleLabel(v)},
			{"From", formatTime(from)},
			{"To", formatTime(to)},
		},
	}
	trends := table{Title: "Trends", Columns: []string{"Parameter", "Unit", "Samples", "Slope per hour", "R2", "Direction", "Projected"}}
	for _, key := range params {
		h, err := w.svc.History(ctx, core.HistoryQuery{VehicleID: v.ID, Parameter: key, From: from, To: to})
		if err != nil {
			return document{}, fmt.Errorf("history %s: %w", key, err)
		}
		s := series{History: h}
		tr, err := w.svc.Trend(ctx, core.TrendQuery{VehicleID: v.ID, Parameter: key, From: from, To: to})
		switch {
		case errors.Is(err, core.ErrInsufficientData):
			samples := 0
			for _, p := range h.Points {
				samples += p.Count
			}
			trends.Rows = append(trends.Rows, []any{key, h.Unit, samples, "", "", "insufficient data", ""})
		case err != nil:
			return document{}, fmt.Errorf("trend %s: %w", key, err)
		default:
			s.Trend = &tr
			trends.Rows = append(trends.Rows, []any{key, tr.Unit, tr.Samples, tr.SlopePerHour, tr.R2, tr.Direction, tr.Projected})
		}
		data.Series = append(data.Series, s)

		points := table{
			Title:   fmt.Sprintf("%s (%s)", parameterName(key), h.Unit),
			Columns: []string{"Time", "Min", "Max", "Avg", "Count"},
		}
		for _, p := range h.Points {
			points.Rows = append(points.Rows, []any{p.Time, p.Min, p.Max, p.Avg, p.Count})
		}
		doc.Tables = append(doc.Tables, points)
	}
	doc.Tables = append([]table{trends}, doc.Tables...)
	doc.Data = data
	return doc, nil
}

func (w *Worker) buildFleetOverview(ctx context.Context, req Request) (document, error) {
	var (
		overviews []core.Overview
		doc       = document{Title: "Fleet overview", GeneratedAt: w.now()}
	)
	if req.ProjectID != "" {
		ov, err := w.svc.Overview(ctx, req.ProjectID)
		if err != nil {
			return document{}, err
		}
		overviews = []core.Overview{ov}
		doc.Title = "Fleet overview: " + ov.Project.Name
	} else {
		var err error
		if overviews, err = w.svc.FleetOverview(ctx); err != nil {
			return document{}, err
		}
	}

	vehicles := table{Title: "Vehicles", Columns: []string{"Project", "VIN", "Make", "Model", "Year", "Open faults", "Last reading"}}
	var count, active int
	for _, ov := range overviews {
		count += ov.VehicleCount
		active += ov.ActiveFaults
		for _, vs := range ov.Vehicles {
			var last time.Time
			if vs.LastReadingAt != nil {
				last = *vs.LastReadingAt
			}
			year := ""
			if vs.Vehicle.Year > 0 {
				year = fmt.Sprint(vs.Vehicle.Year)
			}
			vehicles.Rows = append(vehicles.Rows, []any{ov.Project.Name, vs.Vehicle.VIN, vs.Vehicle.Make, vs.Vehicle.Model, year, vs.OpenFaults, last})
		}
	}
	doc.Meta = [][2]string{
		{"Projects", fmt.Sprint(len(overviews))},
		{"Vehicles", fmt.Sprint(count)},
		{"Active faults", fmt.Sprint(active)},
	}
	doc.Tables = []table{vehicles}
	doc.Data = overviews
	return doc, nil
}

func vehicleLabel(v domain.Vehicle) string {
	var parts []string
	for _, s := range []string{v.Make, v.Model} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	if v.Year > 0 {
		parts = append(parts, fmt.Sprint(v.Year))
	}
	if len(parts) == 0 {
		return v.VIN
	}
	return fmt.Sprintf("%s (%s)", v.VIN, strings.Join(parts, " "))
}

func parameterName(key string) string {
	if p, ok := domain.LookupParameter(key); ok {
		return p.Name
	}
	return key
}
