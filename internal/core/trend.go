package core

import (
	"context"
	"math"
	"time"

	"obddash/pkg/domain"
)

// Trend directions.
const (
	TrendRising  = "rising"
	TrendFalling = "falling"
	TrendStable  = "stable"
)

// stableFraction of the parameter range below which a change over the window
// is reported as stable.
const stableFraction = 0.01

// TrendQuery selects the samples to regress. Window defaults match History.
type TrendQuery struct {
	VehicleID string
	Parameter string
	From      time.Time
	To        time.Time
	// Horizon projects the fitted line past To.
	Horizon time.Duration
}

// Trend is a least-squares fit of value against time. Intercept is the value
// at From and SlopePerHour the change per hour.
type Trend struct {
	VehicleID    string    `json:"vehicle_id"`
	Parameter    string    `json:"parameter"`
	Unit         string    `json:"unit"`
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	Samples      int       `json:"samples"`
	SlopePerHour float64   `json:"slope_per_hour"`
	Intercept    float64   `json:"intercept"`
	R2           float64   `json:"r2"`
	Direction    string    `json:"direction"`
	ProjectedAt  time.Time `json:"projected_at"`
	Projected    float64   `json:"projected"`
}

// Trend fits a regression line over the selected readings.
func (s *Service) Trend(ctx context.Context, q TrendQuery) (out Trend, err error) {
	defer s.observe(ctx, "trend", time.Now(), &err)
	param, err := lookupParam(q.Parameter)
	if err != nil {
		return Trend{}, err
	}
	if q.Horizon < 0 {
		return Trend{}, domain.ValidationError{Field: "horizon", Message: "must not be negative"}
	}
	from, to, err := s.resolveWindow(q.From, q.To)
	if err != nil {
		return Trend{}, err
	}
	if _, err = s.store.GetVehicle(ctx, q.VehicleID); err != nil {
		return Trend{}, err
	}
	readings, err := s.store.QueryReadings(ctx, domain.ReadingQuery{VehicleID: q.VehicleID, Parameter: param.Key, From: from, To: to})
	if err != nil {
		return Trend{}, err
	}
	if len(readings) < 2 {
		return Trend{}, ErrInsufficientData
	}

	fit := regress(readings, from)
	out = Trend{
		VehicleID:    q.VehicleID,
		Parameter:    param.Key,
		Unit:         param.Unit,
		From:         from,
		To:           to,
		Samples:      len(readings),
		SlopePerHour: fit.slope,
		Intercept:    fit.intercept,
		R2:           fit.r2,
		ProjectedAt:  to.Add(q.Horizon),
	}
	out.Projected = fit.at(out.ProjectedAt.Sub(from).Hours())
	out.Direction = direction(fit.slope*to.Sub(from).Hours(), param.Span())
	return out, nil
}

type linearFit struct {
	slope, intercept, r2 float64
}

func (f linearFit) at(x float64) float64 { return f.intercept + f.slope*x }

// regress fits y = intercept + slope*x with x in hours since origin. When all
// samples share one timestamp the slope is zero and the intercept the mean.
func regress(readings []domain.Reading, origin time.Time) linearFit {
	n := float64(len(readings))
	var sumX, sumY float64
	for _, r := range readings {
		sumX += r.RecordedAt.Sub(origin).Hours()
		sumY += r.Value
	}
	meanX, meanY := sumX/n, sumY/n
	var sxx, sxy, syy float64
	for _, r := range readings {
		dx := r.RecordedAt.Sub(origin).Hours() - meanX
		dy := r.Value - meanY
		sxx += dx * dx
		sxy += dx * dy
		syy += dy * dy
	}
	if sxx == 0 {
		return linearFit{intercept: meanY, r2: r2Flat(syy)}
	}
	slope := sxy / sxx
	fit := linearFit{slope: slope, intercept: meanY - slope*meanX}
	if syy == 0 {
		fit.r2 = 1
	} else {
		fit.r2 = clamp01((sxy * sxy) / (sxx * syy))
	}
	return fit
}

// r2Flat scores a zero-slope fit: perfect when every value is equal.
func r2Flat(syy float64) float64 {
	if syy == 0 {
		return 1
	}
	return 0
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func direction(change, span float64) string {
	if math.Abs(change) < stableFraction*span {
		return TrendStable
	}
	if change > 0 {
		return TrendRising
	}
	return TrendFalling
}
