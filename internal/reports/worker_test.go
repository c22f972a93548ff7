package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/xuri/excelize/v2"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"obddash/internal/core"
	"obddash/internal/infra/blob/memory"
	"obddash/internal/infra/blob/objects"
	persistence "obddash/internal/infra/persistence/memory"
	"obddash/pkg/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testVIN = "1HGCM82633A004352"

var now = time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC)

type jobCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *jobCounter) ReportJob(kind, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[kind+"/"+status]++
}

func (c *jobCounter) get(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

type fixture struct {
	svc     *core.Service
	project domain.Project
	vehicle domain.Vehicle
	store   objects.Store
	audit   *MemoryAuditLog
	rec     *jobCounter
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	svc := core.NewService(persistence.NewStore(), core.WithClock(core.ClockFunc(func() time.Time { return now })))
	project, err := svc.CreateProject(ctx, domain.Project{Name: "Workshop"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	vehicle, err := svc.CreateVehicle(ctx, domain.Vehicle{ProjectID: project.ID, VIN: testVIN, Make: "Honda", Model: "Accord", Year: 2003})
	if err != nil {
		t.Fatalf("create vehicle: %v", err)
	}
	reports := []core.FaultReport{{Code: "P0300"}, {Code: "P0171", Status: domain.FaultStatusPending}}
	if _, err := svc.RecordFaultCodes(ctx, vehicle.ID, reports, now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("record faults: %v", err)
	}
	var readings []domain.Reading
	for i := 0; i < 6; i++ {
		at := now.Add(-time.Duration(6-i) * time.Hour)
		readings = append(readings,
			domain.Reading{Parameter: "coolant_temp", Value: 80 + float64(i)*2, RecordedAt: at},
			domain.Reading{Parameter: "rpm", Value: 800, RecordedAt: at},
		)
	}
	if _, err := svc.RecordReadings(ctx, vehicle.ID, readings); err != nil {
		t.Fatalf("record readings: %v", err)
	}
	return fixture{svc: svc, project: project, vehicle: vehicle, store: memory.New(), audit: &MemoryAuditLog{}, rec: &jobCounter{}}
}

func (f fixture) worker(store objects.Store) *Worker {
	if store == nil {
		store = f.store
	}
	return NewWorker(f.svc, store, zap.NewNop(),
		WithAuditLogger(f.audit),
		WithRecorder(f.rec),
		WithClock(func() time.Time { return now }))
}

func waitDone(t *testing.T, w *Worker, id string) Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r, ok := w.Get(id); ok && (r.Status == StatusSucceeded || r.Status == StatusFailed) {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("report %s did not finish", id)
	return Record{}
}

func stop(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func readArtifact(t *testing.T, w *Worker, reportID string, a Artifact) []byte {
	t.Helper()
	_, body, err := w.Open(context.Background(), reportID, a.ID)
	if err != nil {
		t.Fatalf("open %s: %v", a.Key, err)
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read %s: %v", a.Key, err)
	}
	return data
}

func TestFaultSummaryInEveryFormat(t *testing.T) {
	f := newFixture(t)
	w := f.worker(nil)
	w.Start()
	defer stop(t, w)

	queued, err := w.Enqueue(context.Background(), Request{
		Kind:        KindFaultSummary,
		VehicleID:   f.vehicle.ID,
		Formats:     []Format{FormatCSV, FormatJSON, FormatXLSX, FormatPDF, FormatCSV},
		RequestedBy: "tech@example.com",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if queued.Status != StatusQueued || len(queued.Request.Formats) != 4 {
		t.Fatalf("unexpected queued record %+v", queued)
	}
	record := waitDone(t, w, queued.ID)
	if record.Status != StatusSucceeded {
		t.Fatalf("expected success, got %s: %s", record.Status, record.Error)
	}
	if len(record.Artifacts) != 4 || record.CompletedAt == nil {
		t.Fatalf("unexpected record %+v", record)
	}

	byFormat := map[Format]Artifact{}
	for _, a := range record.Artifacts {
		if want := ArtifactKey(record.ID, a.ID, a.Format); a.Key != want {
			t.Fatalf("expected key %s, got %s", want, a.Key)
		}
		if !strings.HasPrefix(a.Key, "reports/"+record.ID+"/") || a.SizeBytes == 0 {
			t.Fatalf("unexpected artifact %+v", a)
		}
		byFormat[a.Format] = a
	}

	csvData := string(readArtifact(t, w, record.ID, byFormat[FormatCSV]))
	if !strings.HasPrefix(csvData, "# Fault codes\n") || !strings.Contains(csvData, "P0300,powertrain,active") {
		t.Fatalf("unexpected csv:\n%s", csvData)
	}

	var decoded struct {
		Title string `json:"title"`
		Data  struct {
			Summary core.FaultSummary `json:"summary"`
		} `json:"data"`
	}
	if err := json.Unmarshal(readArtifact(t, w, record.ID, byFormat[FormatJSON]), &decoded); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if decoded.Title != "Fault summary: "+testVIN || decoded.Data.Summary.Total != 2 {
		t.Fatalf("unexpected json report %+v", decoded)
	}
	if decoded.Data.Summary.ByStatus[domain.FaultStatusPending] != 1 {
		t.Fatalf("unexpected status counts %+v", decoded.Data.Summary.ByStatus)
	}

	book, err := excelize.OpenReader(bytes.NewReader(readArtifact(t, w, record.ID, byFormat[FormatXLSX])))
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer book.Close()
	if diff := cmp.Diff([]string{"Summary", "Fault codes", "By status"}, book.GetSheetList()); diff != "" {
		t.Fatalf("sheets (-want +got):\n%s", diff)
	}
	rows, err := book.GetRows("Fault codes")
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 3 || rows[0][0] != "Code" {
		t.Fatalf("unexpected sheet rows %v", rows)
	}

	if pdf := readArtifact(t, w, record.ID, byFormat[FormatPDF]); !bytes.HasPrefix(pdf, []byte("%PDF-")) {
		t.Fatalf("pdf artifact lacks header: %q", pdf[:min(len(pdf), 16)])
	}

	var statuses []Status
	for _, e := range f.audit.Entries() {
		if e.ReportID != record.ID || e.Actor != "tech@example.com" || e.Kind != KindFaultSummary {
			t.Fatalf("unexpected audit entry %+v", e)
		}
		statuses = append(statuses, e.Status)
	}
	if diff := cmp.Diff([]Status{StatusQueued, StatusRunning, StatusSucceeded}, statuses); diff != "" {
		t.Fatalf("audit statuses (-want +got):\n%s", diff)
	}
	if f.rec.get("fault_summary/succeeded") != 1 {
		t.Fatalf("expected succeeded job counted, got %+v", f.rec.counts)
	}
}

func TestEnqueueRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t)
	w := f.worker(nil)
	cases := []struct {
		name string
		req  Request
		want func(error) bool
	}{
		{"unknown kind", Request{Kind: "inventory"}, domain.IsValidation},
		{"unknown format", Request{Kind: KindFleetOverview, Formats: []Format{"docx"}}, domain.IsValidation},
		{"no scope", Request{Kind: KindFaultSummary}, domain.IsValidation},
		{"both scopes", Request{Kind: KindFaultSummary, VehicleID: f.vehicle.ID, ProjectID: f.project.ID}, domain.IsValidation},
		{"history without vehicle", Request{Kind: KindTelemetryHistory}, domain.IsValidation},
		{"unknown parameter", Request{Kind: KindTelemetryHistory, VehicleID: f.vehicle.ID, Parameters: []string{"boost"}}, domain.IsValidation},
		{"inverted window", Request{Kind: KindTelemetryHistory, VehicleID: f.vehicle.ID, From: now, To: now.Add(-time.Hour)}, domain.IsValidation},
		{"missing vehicle", Request{Kind: KindTelemetryHistory, VehicleID: "nope"}, domain.IsNotFound},
		{"missing project", Request{Kind: KindFleetOverview, ProjectID: "nope"}, domain.IsNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := w.Enqueue(context.Background(), tc.req); !tc.want(err) {
				t.Fatalf("unexpected error %v", err)
			}
		})
	}
	if len(f.audit.Entries()) != 0 {
		t.Fatalf("rejected requests must not be audited")
	}
	stop(t, w)
}

func TestEnqueueReportsFullQueue(t *testing.T) {
	f := newFixture(t)
	w := f.worker(nil)
	req := Request{Kind: KindFleetOverview}
	for i := 0; i < QueueSize; i++ {
		if _, err := w.Enqueue(context.Background(), req); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if _, err := w.Enqueue(context.Background(), req); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if got := len(f.audit.Entries()); got != QueueSize {
		t.Fatalf("expected %d queued audits, got %d", QueueSize, got)
	}
	stop(t, w)
}

func TestStopDrainsQueuedReports(t *testing.T) {
	f := newFixture(t)
	w := f.worker(nil)
	var ids []string
	for i := 0; i < 3; i++ {
		r, err := w.Enqueue(context.Background(), Request{Kind: KindFleetOverview, Formats: []Format{FormatCSV}})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, r.ID)
	}
	w.Start()
	stop(t, w)
	for _, id := range ids {
		if r, _ := w.Get(id); r.Status != StatusSucceeded {
			t.Fatalf("report %s left in %s", id, r.Status)
		}
	}
	if _, err := w.Enqueue(context.Background(), Request{Kind: KindFleetOverview}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestTelemetryHistoryDefaultsToRecordedParameters(t *testing.T) {
	f := newFixture(t)
	w := f.worker(nil)
	w.Start()
	defer stop(t, w)

	queued, err := w.Enqueue(context.Background(), Request{Kind: KindTelemetryHistory, VehicleID: f.vehicle.ID, Formats: []Format{FormatJSON, FormatCSV}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	record := waitDone(t, w, queued.ID)
	if record.Status != StatusSucceeded {
		t.Fatalf("expected success, got %s: %s", record.Status, record.Error)
	}
	var jsonArtifact, csvArtifact Artifact
	for _, a := range record.Artifacts {
		switch a.Format {
		case FormatJSON:
			jsonArtifact = a
		case FormatCSV:
			csvArtifact = a
		}
	}
	var decoded struct {
		Data telemetryReport `json:"data"`
	}
	if err := json.Unmarshal(readArtifact(t, w, record.ID, jsonArtifact), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	series := decoded.Data.Series
	if len(series) != 2 || series[0].History.Parameter != "coolant_temp" || series[1].History.Parameter != "rpm" {
		t.Fatalf("unexpected series %+v", series)
	}
	if series[0].Trend == nil || series[0].Trend.Direction != core.TrendRising {
		t.Fatalf("expected rising coolant trend, got %+v", series[0].Trend)
	}
	if series[1].Trend == nil || series[1].Trend.Direction != core.TrendStable {
		t.Fatalf("expected stable rpm trend, got %+v", series[1].Trend)
	}
	if len(series[0].History.Points) != 6 || !decoded.Data.To.Equal(now) {
		t.Fatalf("unexpected history %+v", decoded.Data)
	}

	csvData := string(readArtifact(t, w, record.ID, csvArtifact))
	for _, want := range []string{"# Trends", "coolant_temp,°C,6,", "# Engine coolant temperature (°C)"} {
		if !strings.Contains(csvData, want) {
			t.Fatalf("csv lacks %q:\n%s", want, csvData)
		}
	}
}

func TestFleetOverviewListsVehicles(t *testing.T) {
	f := newFixture(t)
	w := f.worker(nil)
	w.Start()
	defer stop(t, w)

	queued, err := w.Enqueue(context.Background(), Request{Kind: KindFleetOverview, ProjectID: f.project.ID, Formats: []Format{FormatCSV}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	record := waitDone(t, w, queued.ID)
	if record.Status != StatusSucceeded {
		t.Fatalf("expected success, got %s: %s", record.Status, record.Error)
	}
	got := string(readArtifact(t, w, record.ID, record.Artifacts[0]))
	want := "Project,VIN,Make,Model,Year,Open faults,Last reading\n" +
		"Workshop," + testVIN + ",Honda,Accord,2003,2,2024-06-02T11:00:00Z\n"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("csv (-want +got):\n%s", diff)
	}
}

// failingStore rejects the second Put.
type failingStore struct {
	objects.Store
	mu   sync.Mutex
	puts int
}

func (s *failingStore) Put(ctx context.Context, key string, r io.Reader, opts objects.PutOptions) (objects.Info, error) {
	s.mu.Lock()
	s.puts++
	n := s.puts
	s.mu.Unlock()
	if n == 2 {
		return objects.Info{}, errors.New("disk full")
	}
	return s.Store.Put(ctx, key, r, opts)
}

func TestFailedStoreRemovesPartialArtifacts(t *testing.T) {
	f := newFixture(t)
	store := &failingStore{Store: f.store}
	w := f.worker(store)
	w.Start()
	defer stop(t, w)

	queued, err := w.Enqueue(context.Background(), Request{Kind: KindFaultSummary, ProjectID: f.project.ID, Formats: []Format{FormatCSV, FormatJSON}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	record := waitDone(t, w, queued.ID)
	if record.Status != StatusFailed || !strings.Contains(record.Error, "disk full") || len(record.Artifacts) != 0 {
		t.Fatalf("unexpected record %+v", record)
	}
	left, err := f.store.List(context.Background(), "reports/"+record.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("partial artifacts left behind: %+v", left)
	}
	entries := f.audit.Entries()
	last := entries[len(entries)-1]
	if last.Status != StatusFailed || !strings.Contains(last.Metadata["error"], "disk full") {
		t.Fatalf("unexpected final audit entry %+v", last)
	}
	if f.rec.get("fault_summary/failed") != 1 {
		t.Fatalf("expected failed job counted, got %+v", f.rec.counts)
	}
}

func TestOpenUnknownArtifact(t *testing.T) {
	f := newFixture(t)
	w := f.worker(nil)
	w.Start()
	defer stop(t, w)

	if _, _, err := w.Open(context.Background(), "missing", "x"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	queued, err := w.Enqueue(context.Background(), Request{Kind: KindFleetOverview, Formats: []Format{FormatJSON}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	record := waitDone(t, w, queued.ID)
	if _, _, err := w.Open(context.Background(), record.ID, "x"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.store.Delete(context.Background(), record.Artifacts[0].Key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := w.Open(context.Background(), record.ID, record.Artifacts[0].ID); !domain.IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestSheetNameIsUniqueAndSafe(t *testing.T) {
	used := map[string]bool{"summary": true}
	got := []string{
		sheetName("Summary", used),
		sheetName("Intake manifold absolute pressure (kPa)", used),
		sheetName("Intake manifold absolute pressure (kPa)", used),
		sheetName("a/b [c]", used),
		sheetName("  ", used),
	}
	want := []string{"Summary 2", "Intake manifold absolute pressu", "Intake manifold absolute pres 2", "ab c", "Table"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("sheet names (-want +got):\n%s", diff)
	}
}
