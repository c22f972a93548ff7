package core

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"obddash/pkg/domain"
)

func TestRecordReadingsValidatesEachReading(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.vehicle(t, h.project(t, "Fleet").ID, vinA)

	cases := []struct {
		name     string
		readings []domain.Reading
		field    string
	}{
		{"empty batch", nil, "readings"},
		{"unknown parameter", []domain.Reading{{Parameter: "rpm", Value: 800}, {Parameter: "warp", Value: 1}}, "readings[1].parameter"},
		{"not finite", []domain.Reading{{Parameter: "speed", Value: math.NaN()}}, "readings[0].value"},
		{"out of range", []domain.Reading{{Parameter: "coolant_temp", Value: 400}}, "readings[0].value"},
		{"wrong unit", []domain.Reading{{Parameter: "speed", Value: 60, Unit: "mph"}}, "readings[0].unit"},
	}
	for _, tc := range cases {
		_, err := h.svc.RecordReadings(ctx, v.ID, tc.readings)
		var verr domain.ValidationError
		if !errors.As(err, &verr) || verr.Field != tc.field {
			t.Fatalf("%s: expected validation error on %q, got %v", tc.name, tc.field, err)
		}
	}
	if len(h.sink.batches) != 0 {
		t.Fatalf("rejected batches must not reach the sink")
	}
}

func TestRecordReadingsDefaultsAndSink(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.vehicle(t, h.project(t, "Fleet").ID, vinA)

	at := fixedNow.Add(-time.Minute).Add(1500 * time.Microsecond)
	out, err := h.svc.RecordReadings(ctx, v.ID, []domain.Reading{
		{Parameter: " rpm ", Value: 850},
		{Parameter: "coolant_temp", Value: 90, Unit: "°C", RecordedAt: at},
	})
	if err != nil {
		t.Fatalf("RecordReadings: %v", err)
	}
	if out[0].Unit != "rpm" || out[0].Parameter != "rpm" || !out[0].RecordedAt.Equal(fixedNow) || out[0].VehicleID != v.ID {
		t.Fatalf("unexpected defaults %+v", out[0])
	}
	if want := fixedNow.Add(-time.Minute).Add(time.Millisecond); !out[1].RecordedAt.Equal(want) {
		t.Fatalf("expected millisecond truncation to %v, got %v", want, out[1].RecordedAt)
	}
	if len(h.sink.batches) != 1 || len(h.sink.batches[0]) != 2 || h.sink.vehicles[0] != v.ID {
		t.Fatalf("expected the batch on the sink, got %+v", h.sink.batches)
	}

	if _, err := h.svc.RecordReadings(ctx, "ghost", []domain.Reading{{Parameter: "rpm", Value: 1}}); !domain.IsNotFound(err) {
		t.Fatalf("expected unknown vehicle, got %v", err)
	}
}

func TestLatestReadings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.vehicle(t, h.project(t, "Fleet").ID, vinA)
	if _, err := h.svc.RecordReadings(ctx, v.ID, []domain.Reading{
		{Parameter: "rpm", Value: 800, RecordedAt: fixedNow.Add(-2 * time.Minute)},
		{Parameter: "rpm", Value: 2400, RecordedAt: fixedNow.Add(-time.Minute)},
		{Parameter: "speed", Value: 40, RecordedAt: fixedNow.Add(-3 * time.Minute)},
	}); err != nil {
		t.Fatalf("RecordReadings: %v", err)
	}
	latest, err := h.svc.LatestReadings(ctx, v.ID)
	if err != nil {
		t.Fatalf("LatestReadings: %v", err)
	}
	got := map[string]float64{}
	for _, r := range latest {
		got[r.Parameter] = r.Value
	}
	if diff := cmp.Diff(map[string]float64{"rpm": 2400, "speed": 40}, got); diff != "" {
		t.Fatalf("latest mismatch (-want +got):\n%s", diff)
	}
	if _, err := h.svc.LatestReadings(ctx, "ghost"); !domain.IsNotFound(err) {
		t.Fatalf("expected unknown vehicle, got %v", err)
	}
}

func TestHistoryBucket(t *testing.T) {
	cases := []struct {
		window, requested, want time.Duration
	}{
		{24 * time.Hour, 0, 432 * time.Second},
		{24 * time.Hour, time.Hour, time.Hour},
		{24 * time.Hour, time.Minute, 432 * time.Second},
		{time.Minute, 0, time.Second},
		{201 * time.Second, 0, 2 * time.Second},
		{10 * time.Minute, 0, 3 * time.Second},
	}
	for _, tc := range cases {
		if got := HistoryBucket(tc.window, tc.requested); got != tc.want {
			t.Fatalf("HistoryBucket(%v, %v) = %v, want %v", tc.window, tc.requested, got, tc.want)
		}
	}
}

func TestHistoryAggregatesBuckets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.vehicle(t, h.project(t, "Fleet").ID, vinA)
	from := fixedNow.Add(-time.Hour)
	if _, err := h.svc.RecordReadings(ctx, v.ID, []domain.Reading{
		{Parameter: "speed", Value: 10, RecordedAt: from.Add(1 * time.Minute)},
		{Parameter: "speed", Value: 30, RecordedAt: from.Add(5 * time.Minute)},
		{Parameter: "speed", Value: 50, RecordedAt: from.Add(40 * time.Minute)},
		{Parameter: "rpm", Value: 3000, RecordedAt: from.Add(2 * time.Minute)},
		{Parameter: "speed", Value: 99, RecordedAt: fixedNow},
	}); err != nil {
		t.Fatalf("RecordReadings: %v", err)
	}

	hist, err := h.svc.History(ctx, HistoryQuery{VehicleID: v.ID, Parameter: "speed", From: from, To: fixedNow, Bucket: 30 * time.Minute})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	want := []HistoryPoint{
		{Time: from, Min: 10, Max: 30, Avg: 20, Count: 2},
		{Time: from.Add(30 * time.Minute), Min: 50, Max: 50, Avg: 50, Count: 1},
	}
	if diff := cmp.Diff(want, hist.Points); diff != "" {
		t.Fatalf("points mismatch (-want +got):\n%s", diff)
	}
	if hist.Unit != "km/h" || time.Duration(hist.Bucket) != 30*time.Minute {
		t.Fatalf("unexpected history header %+v", hist)
	}

	// Default window is the last 24h ending now.
	hist, err = h.svc.History(ctx, HistoryQuery{VehicleID: v.ID, Parameter: "speed"})
	if err != nil {
		t.Fatalf("History default: %v", err)
	}
	if !hist.To.Equal(fixedNow) || !hist.From.Equal(fixedNow.Add(-DefaultHistoryWindow)) || time.Duration(hist.Bucket) != 432*time.Second {
		t.Fatalf("unexpected default window %v..%v bucket %v", hist.From, hist.To, hist.Bucket)
	}
	if len(hist.Points) > MaxHistoryPoints {
		t.Fatalf("too many points: %d", len(hist.Points))
	}

	bad := []HistoryQuery{
		{VehicleID: v.ID, Parameter: "warp"},
		{VehicleID: v.ID, Parameter: "speed", Bucket: -time.Second},
		{VehicleID: v.ID, Parameter: "speed", From: fixedNow, To: fixedNow},
	}
	for _, q := range bad {
		if _, err := h.svc.History(ctx, q); !domain.IsValidation(err) {
			t.Fatalf("expected validation error for %+v, got %v", q, err)
		}
	}
}

func TestDurationText(t *testing.T) {
	b, err := Duration(90 * time.Second).MarshalText()
	if err != nil || string(b) != "1m30s" {
		t.Fatalf("MarshalText = %q, %v", b, err)
	}
	var d Duration
	if err := d.UnmarshalText([]byte("5m")); err != nil || time.Duration(d) != 5*time.Minute {
		t.Fatalf("UnmarshalText = %v, %v", d, err)
	}
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestPruneReadings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.vehicle(t, h.project(t, "Fleet").ID, vinA)
	if _, err := h.svc.RecordReadings(ctx, v.ID, []domain.Reading{
		{Parameter: "rpm", Value: 700, RecordedAt: fixedNow.Add(-48 * time.Hour)},
		{Parameter: "rpm", Value: 800, RecordedAt: fixedNow.Add(-time.Hour)},
	}); err != nil {
		t.Fatalf("RecordReadings: %v", err)
	}
	if _, err := h.svc.PruneReadings(ctx, 0); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	removed, err := h.svc.PruneReadings(ctx, 24*time.Hour)
	if err != nil || removed != 1 {
		t.Fatalf("PruneReadings = %d, %v", removed, err)
	}
}
