package core

import (
	"context"
	"testing"
	"time"

	"obddash/pkg/domain"
)

func TestOverview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.project(t, "Fleet")
	a := h.vehicle(t, p.ID, vinA)
	b := h.vehicle(t, p.ID, vinB)

	if _, err := h.svc.RecordFaultCodes(ctx, a.ID, []FaultReport{{Code: "P0300"}, {Code: "P0171"}}, time.Time{}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := h.svc.ClearFaultCodes(ctx, a.ID, "P0171"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := h.svc.RecordFaultCodes(ctx, b.ID, []FaultReport{{Code: "P0420", Status: domain.FaultStatusPending}}, time.Time{}); err != nil {
		t.Fatalf("record: %v", err)
	}
	last := fixedNow.Add(-5 * time.Minute)
	if _, err := h.svc.RecordReadings(ctx, a.ID, []domain.Reading{
		{Parameter: "rpm", Value: 900, RecordedAt: fixedNow.Add(-10 * time.Minute)},
		{Parameter: "speed", Value: 30, RecordedAt: last},
	}); err != nil {
		t.Fatalf("readings: %v", err)
	}

	ov, err := h.svc.Overview(ctx, p.ID)
	if err != nil {
		t.Fatalf("Overview: %v", err)
	}
	if ov.VehicleCount != 2 || ov.ActiveFaults != 2 {
		t.Fatalf("unexpected totals %+v", ov)
	}
	byID := map[string]VehicleStatus{}
	for _, vs := range ov.Vehicles {
		byID[vs.Vehicle.ID] = vs
	}
	if got := byID[a.ID]; got.OpenFaults != 1 || got.LastReadingAt == nil || !got.LastReadingAt.Equal(last) {
		t.Fatalf("unexpected status for a: %+v", got)
	}
	if got := byID[b.ID]; got.OpenFaults != 1 || got.LastReadingAt != nil {
		t.Fatalf("unexpected status for b: %+v", got)
	}

	h.project(t, "Empty")
	fleet, err := h.svc.FleetOverview(ctx)
	if err != nil || len(fleet) != 2 {
		t.Fatalf("FleetOverview: %d %v", len(fleet), err)
	}
	if _, err := h.svc.Overview(ctx, "missing"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
