// Package storetest holds the behavioural contract every persistent store
// implementation must satisfy.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"obddash/pkg/domain"
)

// Factory returns an empty, migrated store. Cleanup is the factory's job.
type Factory func(t *testing.T) domain.PersistentStore

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Run exercises the full persistence contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	t.Run("Projects", func(t *testing.T) { testProjects(t, newStore(t)) })
	t.Run("Vehicles", func(t *testing.T) { testVehicles(t, newStore(t)) })
	t.Run("FaultCodes", func(t *testing.T) { testFaultCodes(t, newStore(t)) })
	t.Run("FaultFilters", func(t *testing.T) { testFaultFilters(t, newStore(t)) })
	t.Run("FaultSearchLiteral", func(t *testing.T) { testFaultSearchLiteral(t, newStore(t)) })
	t.Run("FaultUpsert", func(t *testing.T) { testFaultUpsert(t, newStore(t)) })
	t.Run("ConcurrentFaultUpserts", func(t *testing.T) { testConcurrentFaultUpserts(t, newStore(t)) })
	t.Run("Readings", func(t *testing.T) { testReadings(t, newStore(t)) })
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("LastAdmin", func(t *testing.T) { testLastAdmin(t, newStore(t)) })
	t.Run("ConcurrentAdminRemoval", func(t *testing.T) { testConcurrentAdminRemoval(t, newStore(t)) })
	t.Run("VehicleCascade", func(t *testing.T) { testVehicleCascade(t, newStore(t)) })
}

func mustProject(t *testing.T, s domain.PersistentStore, id, name string) domain.Project {
	t.Helper()
	p := domain.Project{ID: id, Name: name, CreatedAt: base, UpdatedAt: base}
	if err := s.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("create project %s: %v", id, err)
	}
	return p
}

func mustVehicle(t *testing.T, s domain.PersistentStore, id, projectID, vin string) domain.Vehicle {
	t.Helper()
	v := domain.Vehicle{ID: id, ProjectID: projectID, VIN: vin, Make: "Ford", Model: "Focus", Year: 2015, CreatedAt: base, UpdatedAt: base}
	if err := s.CreateVehicle(context.Background(), v); err != nil {
		t.Fatalf("create vehicle %s: %v", id, err)
	}
	return v
}

func mustFault(t *testing.T, s domain.PersistentStore, id, vehicleID, code string, lastSeen time.Time, status domain.FaultStatus) domain.FaultCode {
	t.Helper()
	dtc := domain.DTC(code)
	f := domain.FaultCode{
		ID: id, VehicleID: vehicleID, Code: code, Description: "desc " + code,
		System: dtc.System(), Status: status, Severity: dtc.DefaultSeverity(),
		Occurrences: 1, FirstSeen: lastSeen, LastSeen: lastSeen,
	}
	if err := s.CreateFaultCode(context.Background(), f); err != nil {
		t.Fatalf("create fault %s: %v", id, err)
	}
	return f
}

func testProjects(t *testing.T, s domain.PersistentStore) {
	ctx := context.Background()
	mustProject(t, s, "p2", "Zeta fleet")
	p1 := mustProject(t, s, "p1", "Alpha fleet")

	if err := s.CreateProject(ctx, p1); !domain.IsConflict(err) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}
	got, err := s.GetProject(ctx, "p1")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if diff := cmp.Diff(p1, got); diff != "" {
		t.Fatalf("project mismatch (-want +got):\n%s", diff)
	}
	list, err := s.ListProjects(ctx)
	if err != nil {
		t.Fatalf("list projects: %v", err)
	}
	if len(list) != 2 || list[0].ID != "p1" || list[1].ID != "p2" {
		t.Fatalf("expected projects ordered by name, got %+v", list)
	}

	p1.Description = "updated"
	p1.UpdatedAt = base.Add(time.Hour)
	if err := s.UpdateProject(ctx, p1); err != nil {
		t.Fatalf("update project: %v", err)
	}
	if got, _ := s.GetProject(ctx, "p1"); got.Description != "updated" || !got.UpdatedAt.Equal(p1.UpdatedAt) {
		t.Fatalf("update not persisted: %+v", got)
	}
	if err := s.UpdateProject(ctx, domain.Project{ID: "missing", Name: "x"}); !domain.IsNotFound(err) {
		t.Fatalf("expected not found on update, got %v", err)
	}

	mustVehicle(t, s, "v1", "p1", "1FAHP3F20CL123456")
	if err := s.DeleteProject(ctx, "p1"); !domain.IsConflict(err) {
		t.Fatalf("expected conflict deleting project with vehicles, got %v", err)
	}
	if err := s.DeleteProject(ctx, "p2"); err != nil {
		t.Fatalf("delete project: %v", err)
	}
	if _, err := s.GetProject(ctx, "p2"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := s.DeleteProject(ctx, "p2"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found deleting twice, got %v", err)
	}
}

func testVehicles(t *testing.T, s domain.PersistentStore) {
	ctx := context.Background()
	mustProject(t, s, "p1", "Alpha")
	mustProject(t, s, "p2", "Beta")
	v2 := mustVehicle(t, s, "v2", "p1", "WVWZZZ1JZXW000002")
	v1 := mustVehicle(t, s, "v1", "p1", "1FAHP3F20CL123456")
	mustVehicle(t, s, "v3", "p2", "JH4KA8260MC000003")

	dup := v1
	dup.ID = "other"
	if err := s.CreateVehicle(ctx, dup); !domain.IsConflict(err) {
		t.Fatalf("expected VIN conflict, got %v", err)
	}
	orphan := domain.Vehicle{ID: "v9", ProjectID: "nope", VIN: "1FAHP3F20CL999999", CreatedAt: base, UpdatedAt: base}
	if err := s.CreateVehicle(ctx, orphan); !domain.IsNotFound(err) {
		t.Fatalf("expected missing project, got %v", err)
	}

	byVIN, err := s.GetVehicleByVIN(ctx, v1.VIN)
	if err != nil {
		t.Fatalf("get by vin: %v", err)
	}
	if diff := cmp.Diff(v1, byVIN); diff != "" {
		t.Fatalf("vehicle mismatch (-want +got):\n%s", diff)
	}
	if _, err := s.GetVehicleByVIN(ctx, "00000000000000000"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found by vin, got %v", err)
	}

	list, err := s.ListVehicles(ctx, "p1")
	if err != nil {
		t.Fatalf("list vehicles: %v", err)
	}
	if len(list) != 2 || list[0].ID != v1.ID || list[1].ID != v2.ID {
		t.Fatalf("expected p1 vehicles ordered by VIN, got %+v", list)
	}
	all, err := s.ListVehicles(ctx, "")
	if err != nil || len(all) != 3 {
		t.Fatalf("expected all vehicles, got %d (%v)", len(all), err)
	}

	v1.VIN = v2.VIN
	if err := s.UpdateVehicle(ctx, v1); !domain.IsConflict(err) {
		t.Fatalf("expected VIN conflict on update, got %v", err)
	}
	v1.VIN = "1FAHP3F20CL123456"
	v1.ProjectID = "p2"
	v1.Notes = "moved"
	if err := s.UpdateVehicle(ctx, v1); err != nil {
		t.Fatalf("update vehicle: %v", err)
	}
	if got, _ := s.GetVehicle(ctx, "v1"); got.ProjectID != "p2" || got.Notes != "moved" {
		t.Fatalf("update not persisted: %+v", got)
	}
	v1.ProjectID = "nope"
	if err := s.UpdateVehicle(ctx, v1); !domain.IsNotFound(err) {
		t.Fatalf("expected missing project on update, got %v", err)
	}
}

func testFaultCodes(t *testing.T, s domain.PersistentStore) {
	ctx := context.Background()
	mustProject(t, s, "p1", "Alpha")
	mustVehicle(t, s, "v1", "p1", "1FAHP3F20CL123456")

	f := mustFault(t, s, "f1", "v1", "P0301", base, domain.FaultStatusActive)
	dup := f
	dup.ID = "f2"
	if err := s.CreateFaultCode(ctx, dup); !domain.IsConflict(err) {
		t.Fatalf("expected conflict on (vehicle, code), got %v", err)
	}
	orphan := f
	orphan.ID, orphan.VehicleID = "f3", "missing"
	if err := s.CreateFaultCode(ctx, orphan); !domain.IsNotFound(err) {
		t.Fatalf("expected missing vehicle, got %v", err)
	}

	found, err := s.FindFaultCode(ctx, "v1", "P0301")
	if err != nil {
		t.Fatalf("find fault: %v", err)
	}
	if diff := cmp.Diff(f, found); diff != "" {
		t.Fatalf("fault mismatch (-want +got):\n%s", diff)
	}
	if _, err := s.FindFaultCode(ctx, "v1", "P0420"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	cleared := base.Add(2 * time.Hour)
	f.Status = domain.FaultStatusCleared
	f.ClearedAt = &cleared
	f.Occurrences = 3
	f.LastSeen = base.Add(time.Hour)
	updated, err := s.UpdateFaultCode(ctx, "f1", func(cur domain.FaultCode) (domain.FaultCode, error) {
		next := f
		next.Code = "P0999"
		return next, nil
	})
	if err != nil {
		t.Fatalf("update fault: %v", err)
	}
	got, err := s.GetFaultCode(ctx, "f1")
	if err != nil {
		t.Fatalf("get fault: %v", err)
	}
	if diff := cmp.Diff(f, got); diff != "" {
		t.Fatalf("updated fault mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(f, updated); diff != "" {
		t.Fatalf("returned fault mismatch (-want +got):\n%s", diff)
	}

	errStop := errors.New("stop")
	if _, err := s.UpdateFaultCode(ctx, "f1", func(domain.FaultCode) (domain.FaultCode, error) {
		return domain.FaultCode{}, errStop
	}); !errors.Is(err, errStop) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if got, _ := s.GetFaultCode(ctx, "f1"); got.Occurrences != 3 {
		t.Fatalf("failed update must not write, got %+v", got)
	}
	if _, err := s.GetFaultCode(ctx, "nope"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.UpdateFaultCode(ctx, "nope", func(f domain.FaultCode) (domain.FaultCode, error) { return f, nil }); !domain.IsNotFound(err) {
		t.Fatalf("expected not found on update, got %v", err)
	}
}

func testFaultSearchLiteral(t *testing.T, s domain.PersistentStore) {
	ctx := context.Background()
	mustProject(t, s, "p1", "Alpha")
	mustVehicle(t, s, "v1", "p1", "1FAHP3F20CL123456")
	mustFault(t, s, "f1", "v1", "P0300", base, domain.FaultStatusActive)
	load := mustFault(t, s, "f2", "v1", "P0101", base.Add(time.Hour), domain.FaultStatusActive)
	if _, err := s.UpdateFaultCode(ctx, load.ID, func(f domain.FaultCode) (domain.FaultCode, error) {
		f.Description = `MAF at 50% load_range \ high`
		return f, nil
	}); err != nil {
		t.Fatalf("update description: %v", err)
	}

	cases := []struct {
		search string
		want   []string
	}{
		{"_", []string{"f2"}},
		{"%", []string{"f2"}},
		{`\`, []string{"f2"}},
		{"P0_00", []string{}},
		{"P03%", []string{}},
		{"50% load_", []string{"f2"}},
		{"p030", []string{"f1"}},
	}
	for _, tc := range cases {
		list, err := s.ListFaultCodes(ctx, domain.FaultFilter{Search: tc.search})
		if err != nil {
			t.Fatalf("search %q: %v", tc.search, err)
		}
		got := make([]string, 0, len(list))
		for _, f := range list {
			got = append(got, f.ID)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Fatalf("search %q mismatch (-want +got):\n%s", tc.search, diff)
		}
	}
}

func bumpFault(id string, seen time.Time) domain.FaultMerge {
	return func(existing *domain.FaultCode) (domain.FaultCode, error) {
		if existing == nil {
			return domain.FaultCode{
				ID: id, Description: "misfire", System: domain.SystemPowertrain,
				Status: domain.FaultStatusActive, Severity: domain.SeverityCritical,
				Occurrences: 1, FirstSeen: seen, LastSeen: seen,
			}, nil
		}
		f := *existing
		f.Occurrences++
		f.LastSeen = seen
		return f, nil
	}
}

func testFaultUpsert(t *testing.T, s domain.PersistentStore) {
	ctx := context.Background()
	mustProject(t, s, "p1", "Alpha")
	mustVehicle(t, s, "v1", "p1", "1FAHP3F20CL123456")

	first, err := s.UpsertFaultCode(ctx, "v1", "P0301", bumpFault("f1", base))
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if first.ID != "f1" || first.VehicleID != "v1" || first.Code != "P0301" || first.Occurrences != 1 {
		t.Fatalf("unexpected first sighting %+v", first)
	}
	second, err := s.UpsertFaultCode(ctx, "v1", "P0301", bumpFault("ignored", base.Add(time.Minute)))
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ID != "f1" || second.Occurrences != 2 || !second.LastSeen.Equal(base.Add(time.Minute)) {
		t.Fatalf("unexpected repeat sighting %+v", second)
	}
	stored, err := s.GetFaultCode(ctx, "f1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(second, stored); diff != "" {
		t.Fatalf("stored fault mismatch (-want +got):\n%s", diff)
	}

	if _, err := s.UpsertFaultCode(ctx, "missing", "P0301", bumpFault("f2", base)); !domain.IsNotFound(err) {
		t.Fatalf("expected missing vehicle, got %v", err)
	}
	errStop := errors.New("stop")
	if _, err := s.UpsertFaultCode(ctx, "v1", "P0420", func(*domain.FaultCode) (domain.FaultCode, error) {
		return domain.FaultCode{}, errStop
	}); !errors.Is(err, errStop) {
		t.Fatalf("expected merge error, got %v", err)
	}
	if _, err := s.FindFaultCode(ctx, "v1", "P0420"); !domain.IsNotFound(err) {
		t.Fatalf("failed merge must not write, got %v", err)
	}
}

func testConcurrentFaultUpserts(t *testing.T, s domain.PersistentStore) {
	ctx := context.Background()
	mustProject(t, s, "p1", "Alpha")
	mustVehicle(t, s, "v1", "p1", "1FAHP3F20CL123456")

	const writers = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpsertFaultCode(ctx, "v1", "P0301", bumpFault(fmt.Sprintf("f%d", i), base))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent upsert: %v", err)
		}
	}
	got, err := s.FindFaultCode(ctx, "v1", "P0301")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Occurrences != writers {
		t.Fatalf("expected %d occurrences, got %d", writers, got.Occurrences)
	}
}

func testFaultFilters(t *testing.T, s domain.PersistentStore) {
	ctx := context.Background()
	mustProject(t, s, "p1", "Alpha")
	mustProject(t, s, "p2", "Beta")
	mustVehicle(t, s, "v1", "p1", "1FAHP3F20CL123456")
	mustVehicle(t, s, "v2", "p2", "WVWZZZ1JZXW000002")
	mustFault(t, s, "f1", "v1", "P0301", base, domain.FaultStatusActive)
	mustFault(t, s, "f2", "v1", "P0420", base.Add(time.Hour), domain.FaultStatusPending)
	mustFault(t, s, "f3", "v2", "U0100", base.Add(2*time.Hour), domain.FaultStatusActive)
	mustFault(t, s, "f4", "v2", "C0035", base.Add(time.Hour), domain.FaultStatusCleared)

	cases := []struct {
		name   string
		filter domain.FaultFilter
		want   []string
	}{
		{"all ordered by last seen then code", domain.FaultFilter{}, []string{"f3", "f4", "f2", "f1"}},
		{"vehicle", domain.FaultFilter{VehicleID: "v1"}, []string{"f2", "f1"}},
		{"project", domain.FaultFilter{ProjectID: "p2"}, []string{"f3", "f4"}},
		{"status", domain.FaultFilter{Status: domain.FaultStatusActive}, []string{"f3", "f1"}},
		{"system", domain.FaultFilter{System: domain.SystemNetwork}, []string{"f3"}},
		{"severity", domain.FaultFilter{Severity: domain.SeverityCritical}, []string{"f2", "f1"}},
		{"severity info", domain.FaultFilter{Severity: domain.SeverityInfo}, []string{"f3", "f4"}},
		{"search code", domain.FaultFilter{Search: "p04"}, []string{"f2"}},
		{"search description", domain.FaultFilter{Search: "DESC U01"}, []string{"f3"}},
		{"limit", domain.FaultFilter{Limit: 2}, []string{"f3", "f4"}},
		{"limit offset", domain.FaultFilter{Limit: 2, Offset: 2}, []string{"f2", "f1"}},
		{"offset only", domain.FaultFilter{Offset: 3}, []string{"f1"}},
		{"offset past end", domain.FaultFilter{Offset: 10}, []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			list, err := s.ListFaultCodes(ctx, tc.filter)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			got := make([]string, 0, len(list))
			for _, f := range list {
				got = append(got, f.ID)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("ids mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func testReadings(t *testing.T, s domain.PersistentStore) {
	ctx := context.Background()
	mustProject(t, s, "p1", "Alpha")
	mustVehicle(t, s, "v1", "p1", "1FAHP3F20CL123456")

	if err := s.InsertReadings(ctx, nil); err != nil {
		t.Fatalf("empty insert: %v", err)
	}
	if err := s.InsertReadings(ctx, []domain.Reading{{VehicleID: "ghost", Parameter: "rpm", RecordedAt: base}}); !domain.IsNotFound(err) {
		t.Fatalf("expected missing vehicle, got %v", err)
	}

	var batch []domain.Reading
	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		batch = append(batch,
			domain.Reading{VehicleID: "v1", Parameter: "rpm", Value: float64(800 + i*100), Unit: "rpm", RecordedAt: at},
			domain.Reading{VehicleID: "v1", Parameter: "coolant_temp", Value: float64(70 + i), Unit: "°C", RecordedAt: at},
		)
	}
	// Same timestamp as the last rpm sample; the later insert wins.
	batch = append(batch, domain.Reading{VehicleID: "v1", Parameter: "rpm", Value: 1500, Unit: "rpm", RecordedAt: base.Add(4 * time.Minute)})
	if err := s.InsertReadings(ctx, batch); err != nil {
		t.Fatalf("insert readings: %v", err)
	}

	rpm, err := s.QueryReadings(ctx, domain.ReadingQuery{VehicleID: "v1", Parameter: "rpm", From: base.Add(time.Minute), To: base.Add(4 * time.Minute)})
	if err != nil {
		t.Fatalf("query readings: %v", err)
	}
	if len(rpm) != 3 || rpm[0].Value != 900 || rpm[2].Value != 1100 {
		t.Fatalf("expected half-open window of 3 rpm samples, got %+v", rpm)
	}
	for _, r := range rpm {
		if r.ID == 0 {
			t.Fatalf("expected assigned reading ids, got %+v", r)
		}
	}
	limited, err := s.QueryReadings(ctx, domain.ReadingQuery{VehicleID: "v1", Limit: 4})
	if err != nil || len(limited) != 4 {
		t.Fatalf("expected 4 limited readings, got %d (%v)", len(limited), err)
	}
	for i := 1; i < len(limited); i++ {
		if limited[i].RecordedAt.Before(limited[i-1].RecordedAt) {
			t.Fatalf("readings not ascending: %+v", limited)
		}
	}

	latest, err := s.LatestReadings(ctx, "v1")
	if err != nil {
		t.Fatalf("latest readings: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("expected one latest reading per parameter, got %+v", latest)
	}
	if latest[0].Parameter != "coolant_temp" || latest[0].Value != 74 {
		t.Fatalf("unexpected latest coolant: %+v", latest[0])
	}
	if latest[1].Parameter != "rpm" || latest[1].Value != 1500 {
		t.Fatalf("unexpected latest rpm: %+v", latest[1])
	}

	removed, err := s.DeleteReadingsBefore(ctx, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("prune readings: %v", err)
	}
	if removed != 4 {
		t.Fatalf("expected 4 pruned readings, got %d", removed)
	}
	rest, _ := s.QueryReadings(ctx, domain.ReadingQuery{VehicleID: "v1"})
	if len(rest) != 7 {
		t.Fatalf("expected 7 remaining readings, got %d", len(rest))
	}
}

func testUsers(t *testing.T, s domain.PersistentStore) {
	ctx := context.Background()
	admin := domain.User{ID: "u1", Email: "admin@example.com", Name: "Admin", Role: domain.RoleAdmin, PasswordHash: "hash", CreatedAt: base, UpdatedAt: base}
	tech := domain.User{ID: "u2", Email: "tech@example.com", Role: domain.RoleTechnician, PasswordHash: "hash", CreatedAt: base, UpdatedAt: base}
	for _, u := range []domain.User{tech, admin} {
		if err := s.CreateUser(ctx, u); err != nil {
			t.Fatalf("create user: %v", err)
		}
	}
	dup := tech
	dup.ID = "u3"
	if err := s.CreateUser(ctx, dup); !domain.IsConflict(err) {
		t.Fatalf("expected email conflict, got %v", err)
	}
	got, err := s.GetUserByEmail(ctx, "admin@example.com")
	if err != nil {
		t.Fatalf("get by email: %v", err)
	}
	if diff := cmp.Diff(admin, got); diff != "" {
		t.Fatalf("user mismatch (-want +got):\n%s", diff)
	}
	list, err := s.ListUsers(ctx)
	if err != nil || len(list) != 2 || list[0].ID != "u1" {
		t.Fatalf("expected users ordered by email, got %+v (%v)", list, err)
	}

	login := base.Add(time.Hour)
	tech.LastLoginAt = &login
	tech.Disabled = true
	tech.UpdatedAt = login
	if _, err := s.UpdateUser(ctx, "u2", func(domain.User) (domain.User, error) { return tech, nil }); err != nil {
		t.Fatalf("update user: %v", err)
	}
	if _, err := s.UpdateUser(ctx, "u2", func(u domain.User) (domain.User, error) {
		u.Email = "admin@example.com"
		return u, nil
	}); !domain.IsConflict(err) {
		t.Fatalf("expected email conflict on update, got %v", err)
	}
	if _, err := s.UpdateUser(ctx, "nope", func(u domain.User) (domain.User, error) { return u, nil }); !domain.IsNotFound(err) {
		t.Fatalf("expected not found on update, got %v", err)
	}
	got, err = s.GetUser(ctx, "u2")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if diff := cmp.Diff(tech, got); diff != "" {
		t.Fatalf("updated user mismatch (-want +got):\n%s", diff)
	}
	if err := s.DeleteUser(ctx, "u2"); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if err := s.DeleteUser(ctx, "u2"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.GetUserByEmail(ctx, "tech@example.com"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found by email, got %v", err)
	}
}

func mustAdmins(t *testing.T, s domain.PersistentStore, ids ...string) {
	t.Helper()
	for _, id := range ids {
		u := domain.User{ID: id, Email: id + "@example.com", Role: domain.RoleAdmin, PasswordHash: "hash", CreatedAt: base, UpdatedAt: base}
		if err := s.CreateUser(context.Background(), u); err != nil {
			t.Fatalf("create admin %s: %v", id, err)
		}
	}
}

func countEnabledAdmins(t *testing.T, s domain.PersistentStore) int {
	t.Helper()
	users, err := s.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	n := 0
	for _, u := range users {
		if u.EnabledAdmin() {
			n++
		}
	}
	return n
}

func testLastAdmin(t *testing.T, s domain.PersistentStore) {
	ctx := context.Background()
	mustAdmins(t, s, "a1", "a2")
	demote := func(u domain.User) (domain.User, error) {
		u.Role = domain.RoleViewer
		return u, nil
	}
	disable := func(u domain.User) (domain.User, error) {
		u.Disabled = true
		return u, nil
	}

	if _, err := s.UpdateUser(ctx, "a1", demote); err != nil {
		t.Fatalf("demote with another admin left: %v", err)
	}
	if _, err := s.UpdateUser(ctx, "a2", demote); !domain.IsConflict(err) {
		t.Fatalf("expected conflict demoting the last admin, got %v", err)
	}
	if _, err := s.UpdateUser(ctx, "a2", disable); !domain.IsConflict(err) {
		t.Fatalf("expected conflict disabling the last admin, got %v", err)
	}
	if err := s.DeleteUser(ctx, "a2"); !domain.IsConflict(err) {
		t.Fatalf("expected conflict deleting the last admin, got %v", err)
	}
	if _, err := s.UpdateUser(ctx, "a2", func(u domain.User) (domain.User, error) {
		u.Name = "Still admin"
		return u, nil
	}); err != nil {
		t.Fatalf("rename last admin: %v", err)
	}
	if err := s.DeleteUser(ctx, "a1"); err != nil {
		t.Fatalf("delete demoted admin: %v", err)
	}
	if n := countEnabledAdmins(t, s); n != 1 {
		t.Fatalf("expected one enabled admin, got %d", n)
	}
}

func testConcurrentAdminRemoval(t *testing.T, s domain.PersistentStore) {
	ctx := context.Background()
	mustAdmins(t, s, "a1", "a2", "a3")

	var wg sync.WaitGroup
	var removed atomic.Int32
	for _, id := range []string{"a1", "a2", "a3"} {
		wg.Add(2)
		go func() {
			defer wg.Done()
			err := s.DeleteUser(ctx, id)
			switch {
			case err == nil:
				removed.Add(1)
			case !domain.IsConflict(err):
				t.Errorf("delete %s: %v", id, err)
			}
		}()
		go func() {
			defer wg.Done()
			_, err := s.UpdateUser(ctx, id, func(u domain.User) (domain.User, error) {
				u.Disabled = true
				return u, nil
			})
			if err != nil && !domain.IsConflict(err) && !domain.IsNotFound(err) {
				t.Errorf("disable %s: %v", id, err)
			}
		}()
	}
	wg.Wait()
	if n := countEnabledAdmins(t, s); n != 1 {
		t.Fatalf("expected exactly one enabled admin to survive, got %d", n)
	}
	// Only one admin can ever be the last one, so at most one delete is refused.
	if removed.Load() < 2 {
		t.Fatalf("expected at least two deletes to succeed, got %d", removed.Load())
	}
}

func testVehicleCascade(t *testing.T, s domain.PersistentStore) {
	ctx := context.Background()
	mustProject(t, s, "p1", "Alpha")
	mustVehicle(t, s, "v1", "p1", "1FAHP3F20CL123456")
	mustVehicle(t, s, "v2", "p1", "WVWZZZ1JZXW000002")
	mustFault(t, s, "f1", "v1", "P0301", base, domain.FaultStatusActive)
	mustFault(t, s, "f2", "v2", "P0301", base, domain.FaultStatusActive)
	readings := make([]domain.Reading, 0, 4)
	for i, v := range []string{"v1", "v1", "v2", "v2"} {
		readings = append(readings, domain.Reading{VehicleID: v, Parameter: "speed", Value: float64(i), RecordedAt: base.Add(time.Duration(i) * time.Second)})
	}
	if err := s.InsertReadings(ctx, readings); err != nil {
		t.Fatalf("insert readings: %v", err)
	}

	if err := s.DeleteVehicle(ctx, "v1"); err != nil {
		t.Fatalf("delete vehicle: %v", err)
	}
	if _, err := s.GetVehicle(ctx, "v1"); !domain.IsNotFound(err) {
		t.Fatalf("expected vehicle gone, got %v", err)
	}
	if _, err := s.GetFaultCode(ctx, "f1"); !domain.IsNotFound(err) {
		t.Fatalf("expected fault removed with vehicle, got %v", err)
	}
	if rs, _ := s.QueryReadings(ctx, domain.ReadingQuery{VehicleID: "v1"}); len(rs) != 0 {
		t.Fatalf("expected readings removed with vehicle, got %d", len(rs))
	}
	if rs, _ := s.QueryReadings(ctx, domain.ReadingQuery{VehicleID: "v2"}); len(rs) != 2 {
		t.Fatalf("expected other vehicle untouched, got %d", len(rs))
	}
	if _, err := s.GetFaultCode(ctx, "f2"); err != nil {
		t.Fatalf("expected other fault kept: %v", err)
	}
	if err := s.DeleteVehicle(ctx, "v1"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found deleting twice, got %v", err)
	}
}
