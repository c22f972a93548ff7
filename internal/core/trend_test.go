package core

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"obddash/pkg/domain"
)

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func seedSeries(t *testing.T, h *harness, vehicleID, param string, from time.Time, values ...float64) {
	t.Helper()
	readings := make([]domain.Reading, len(values))
	for i, v := range values {
		readings[i] = domain.Reading{Parameter: param, Value: v, RecordedAt: from.Add(time.Duration(i) * time.Hour)}
	}
	if _, err := h.svc.RecordReadings(context.Background(), vehicleID, readings); err != nil {
		t.Fatalf("RecordReadings: %v", err)
	}
}

func TestTrendRisingWithProjection(t *testing.T) {
	h := newHarness(t)
	v := h.vehicle(t, h.project(t, "Fleet").ID, vinA)
	from := fixedNow.Add(-4 * time.Hour)
	seedSeries(t, h, v.ID, "coolant_temp", from, 80, 85, 90, 95)

	tr, err := h.svc.Trend(context.Background(), TrendQuery{VehicleID: v.ID, Parameter: "coolant_temp", From: from, To: fixedNow, Horizon: 2 * time.Hour})
	if err != nil {
		t.Fatalf("Trend: %v", err)
	}
	if tr.Samples != 4 || !almostEqual(tr.SlopePerHour, 5) || !almostEqual(tr.Intercept, 80) || !almostEqual(tr.R2, 1) {
		t.Fatalf("unexpected fit %+v", tr)
	}
	if tr.Direction != TrendRising || tr.Unit != "°C" {
		t.Fatalf("unexpected direction %q unit %q", tr.Direction, tr.Unit)
	}
	// Six hours past From: 80 + 5*6.
	if !tr.ProjectedAt.Equal(fixedNow.Add(2*time.Hour)) || !almostEqual(tr.Projected, 110) {
		t.Fatalf("unexpected projection %v at %v", tr.Projected, tr.ProjectedAt)
	}
}

func TestTrendDirections(t *testing.T) {
	cases := []struct {
		name   string
		param  string
		values []float64
		want   string
	}{
		{"falling fuel", "fuel_level", []float64{80, 70, 60, 50}, TrendFalling},
		{"flat rpm", "rpm", []float64{800, 800, 800}, TrendStable},
		// 2 rpm over three hours is far below 1% of the rpm range.
		{"noise", "rpm", []float64{800, 801, 799, 802}, TrendStable},
	}
	for _, tc := range cases {
		h := newHarness(t)
		v := h.vehicle(t, h.project(t, "Fleet").ID, vinA)
		from := fixedNow.Add(-4 * time.Hour)
		seedSeries(t, h, v.ID, tc.param, from, tc.values...)
		tr, err := h.svc.Trend(context.Background(), TrendQuery{VehicleID: v.ID, Parameter: tc.param, From: from, To: fixedNow})
		if err != nil {
			t.Fatalf("%s: Trend: %v", tc.name, err)
		}
		if tr.Direction != tc.want {
			t.Fatalf("%s: expected %s, got %s (slope %v)", tc.name, tc.want, tr.Direction, tr.SlopePerHour)
		}
	}
}

func TestTrendInsufficientData(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.vehicle(t, h.project(t, "Fleet").ID, vinA)
	seedSeries(t, h, v.ID, "speed", fixedNow.Add(-time.Hour), 50)

	_, err := h.svc.Trend(ctx, TrendQuery{VehicleID: v.ID, Parameter: "speed"})
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
	if _, err := h.svc.Trend(ctx, TrendQuery{VehicleID: v.ID, Parameter: "speed", Horizon: -time.Minute}); !domain.IsValidation(err) {
		t.Fatalf("expected validation error for negative horizon, got %v", err)
	}
	if _, err := h.svc.Trend(ctx, TrendQuery{VehicleID: "ghost", Parameter: "speed"}); !domain.IsNotFound(err) {
		t.Fatalf("expected unknown vehicle, got %v", err)
	}
}

func TestRegressSameTimestamp(t *testing.T) {
	at := fixedNow
	readings := []domain.Reading{
		{Value: 10, RecordedAt: at},
		{Value: 20, RecordedAt: at},
	}
	fit := regress(readings, at.Add(-time.Hour))
	if fit.slope != 0 || !almostEqual(fit.intercept, 15) || fit.r2 != 0 {
		t.Fatalf("unexpected fit %+v", fit)
	}
	fit = regress([]domain.Reading{{Value: 5, RecordedAt: at}, {Value: 5, RecordedAt: at}}, at)
	if fit.r2 != 1 {
		t.Fatalf("identical samples should fit perfectly, got %+v", fit)
	}
}
