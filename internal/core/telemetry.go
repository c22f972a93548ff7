package core

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"obddash/pkg/domain"
)

// History defaults.
const (
	DefaultHistoryWindow = 24 * time.Hour
	MaxHistoryPoints     = 200
	MinHistoryBucket     = time.Second
)

// RecordReadings validates and stores a batch of readings for one vehicle.
// Every reading must name a known parameter and carry a finite value within
// the parameter's plausible range; the first offender rejects the batch.
// Accepted readings are handed to the reading sink, if any.
func (s *Service) RecordReadings(ctx context.Context, vehicleID string, readings []domain.Reading) (out []domain.Reading, err error) {
	defer s.observe(ctx, "record_readings", time.Now(), &err)
	if len(readings) == 0 {
		return nil, domain.ValidationError{Field: "readings", Message: "at least one reading is required"}
	}
	vehicle, err := s.store.GetVehicle(ctx, vehicleID)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	out = make([]domain.Reading, len(readings))
	for i, r := range readings {
		if out[i], err = validateReading(i, vehicleID, r, now); err != nil {
			return nil, err
		}
	}
	if err = s.store.InsertReadings(ctx, out); err != nil {
		return nil, err
	}
	if s.sink != nil {
		s.sink.PublishReadings(vehicle, out)
	}
	return out, nil
}

func validateReading(i int, vehicleID string, r domain.Reading, now time.Time) (domain.Reading, error) {
	field := func(name string) string { return fmt.Sprintf("readings[%d].%s", i, name) }
	r.Parameter = strings.TrimSpace(r.Parameter)
	param, ok := domain.LookupParameter(r.Parameter)
	if !ok {
		return r, domain.ValidationError{Field: field("parameter"), Message: fmt.Sprintf("unknown parameter %q", r.Parameter)}
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return r, domain.ValidationError{Field: field("value"), Message: "must be a finite number"}
	}
	if !param.InRange(r.Value) {
		return r, domain.ValidationError{Field: field("value"), Message: fmt.Sprintf("%g outside %g..%g %s", r.Value, param.Min, param.Max, param.Unit)}
	}
	switch unit := strings.TrimSpace(r.Unit); {
	case unit == "":
		r.Unit = param.Unit
	case unit != param.Unit:
		return r, domain.ValidationError{Field: field("unit"), Message: fmt.Sprintf("expected %q, got %q", param.Unit, unit)}
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = now
	}
	r.RecordedAt = r.RecordedAt.UTC().Truncate(time.Millisecond)
	r.ID = 0
	r.VehicleID = vehicleID
	return r, nil
}

// LatestReadings returns the newest reading of every parameter of a vehicle.
func (s *Service) LatestReadings(ctx context.Context, vehicleID string) (out []domain.Reading, err error) {
	defer s.observe(ctx, "latest_readings", time.Now(), &err)
	if _, err = s.store.GetVehicle(ctx, vehicleID); err != nil {
		return nil, err
	}
	return s.store.LatestReadings(ctx, vehicleID)
}

// HistoryQuery selects a bucketed series. Zero From/To select the last 24h
// and a zero Bucket picks the smallest width that yields at most 200 points.
type HistoryQuery struct {
	VehicleID string
	Parameter string
	From      time.Time
	To        time.Time
	Bucket    time.Duration
}

// HistoryPoint aggregates the readings of one bucket.
type HistoryPoint struct {
	Time  time.Time `json:"time"`
	Min   float64   `json:"min"`
	Max   float64   `json:"max"`
	Avg   float64   `json:"avg"`
	Count int       `json:"count"`
}

// History is a bucketed series. Buckets without readings are omitted.
type History struct {
	VehicleID string         `json:"vehicle_id"`
	Parameter string         `json:"parameter"`
	Unit      string         `json:"unit"`
	From      time.Time      `json:"from"`
	To        time.Time      `json:"to"`
	Bucket    Duration       `json:"bucket"`
	Points    []HistoryPoint `json:"points"`
}

// Duration marshals as a Go duration string.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// resolveWindow fills default bounds and validates them.
func (s *Service) resolveWindow(from, to time.Time) (time.Time, time.Time, error) {
	if to.IsZero() {
		to = s.Now()
	}
	if from.IsZero() {
		from = to.Add(-DefaultHistoryWindow)
	}
	from, to = from.UTC(), to.UTC()
	if !from.Before(to) {
		return from, to, domain.ValidationError{Field: "from", Message: "must be before to"}
	}
	return from, to, nil
}

// HistoryBucket returns the bucket width used for a window: at least
// requested, at least one second, and wide enough for MaxHistoryPoints.
func HistoryBucket(window, requested time.Duration) time.Duration {
	minimum := window / MaxHistoryPoints
	if window%MaxHistoryPoints != 0 {
		minimum++
	}
	minimum = ceilDuration(minimum, time.Second)
	return max(requested, minimum, MinHistoryBucket)
}

func ceilDuration(d, unit time.Duration) time.Duration {
	if r := d % unit; r != 0 {
		return d + unit - r
	}
	return d
}

func lookupParam(key string) (domain.Parameter, error) {
	p, ok := domain.LookupParameter(strings.TrimSpace(key))
	if !ok {
		return domain.Parameter{}, domain.ValidationError{Field: "parameter", Message: fmt.Sprintf("unknown parameter %q", key)}
	}
	return p, nil
}

// History aggregates readings into time buckets aligned to From.
func (s *Service) History(ctx context.Context, q HistoryQuery) (out History, err error) {
	defer s.observe(ctx, "history", time.Now(), &err)
	param, err := lookupParam(q.Parameter)
	if err != nil {
		return History{}, err
	}
	if q.Bucket < 0 {
		return History{}, domain.ValidationError{Field: "bucket", Message: "must not be negative"}
	}
	from, to, err := s.resolveWindow(q.From, q.To)
	if err != nil {
		return History{}, err
	}
	if _, err = s.store.GetVehicle(ctx, q.VehicleID); err != nil {
		return History{}, err
	}
	bucket := HistoryBucket(to.Sub(from), q.Bucket)
	readings, err := s.store.QueryReadings(ctx, domain.ReadingQuery{VehicleID: q.VehicleID, Parameter: param.Key, From: from, To: to})
	if err != nil {
		return History{}, err
	}
	out = History{
		VehicleID: q.VehicleID,
		Parameter: param.Key,
		Unit:      param.Unit,
		From:      from,
		To:        to,
		Bucket:    Duration(bucket),
		Points:    bucketize(readings, from, bucket),
	}
	return out, nil
}

// bucketize expects readings in ascending time order.
func bucketize(readings []domain.Reading, from time.Time, bucket time.Duration) []HistoryPoint {
	points := make([]HistoryPoint, 0)
	var (
		cur   *HistoryPoint
		sum   float64
		index int64 = -1
	)
	flush := func() {
		if cur != nil {
			cur.Avg = sum / float64(cur.Count)
			points = append(points, *cur)
		}
	}
	for _, r := range readings {
		idx := int64(r.RecordedAt.Sub(from) / bucket)
		if idx != index {
			flush()
			index = idx
			cur = &HistoryPoint{Time: from.Add(time.Duration(idx) * bucket), Min: r.Value, Max: r.Value}
			sum = 0
		}
		cur.Count++
		sum += r.Value
		cur.Min = math.Min(cur.Min, r.Value)
		cur.Max = math.Max(cur.Max, r.Value)
	}
	flush()
	return points
}

// PruneReadings deletes readings older than the retention period.
func (s *Service) PruneReadings(ctx context.Context, olderThan time.Duration) (removed int64, err error) {
	defer s.observe(ctx, "prune_readings", time.Now(), &err)
	if olderThan <= 0 {
		return 0, domain.ValidationError{Field: "older_than", Message: "must be positive"}
	}
	return s.store.DeleteReadingsBefore(ctx, s.Now().Add(-olderThan))
}
