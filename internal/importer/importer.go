package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"obddash/internal/core"
	"obddash/pkg/domain"
)

// Kind is the recognised table shape.
type Kind string

// Table shapes.
const (
	KindTelemetry Kind = "telemetry"
	KindFaults    Kind = "faults"
)

// MaxRowErrors bounds the errors kept in a Summary; Skipped keeps counting.
const MaxRowErrors = 100

// readingBatch is the number of readings stored per RecordReadings call.
const readingBatch = 500

// RowError explains why a row was skipped.
type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// Summary reports the outcome of one import. Rows counts data rows;
// Records counts stored readings or fault codes.
type Summary struct {
	Format   Format     `json:"format"`
	Kind     Kind       `json:"kind"`
	Rows     int        `json:"rows"`
	Imported int        `json:"imported"`
	Skipped  int        `json:"skipped"`
	Records  int        `json:"records"`
	Errors   []RowError `json:"errors"`
}

func (s *Summary) skip(row int, format string, args ...any) {
	s.Skipped++
	if len(s.Errors) < MaxRowErrors {
		s.Errors = append(s.Errors, RowError{Row: row, Message: fmt.Sprintf(format, args...)})
	}
}

// Service is the part of core.Service the importer writes through.
type Service interface {
	GetVehicle(ctx context.Context, id string) (domain.Vehicle, error)
	RecordReadings(ctx context.Context, vehicleID string, readings []domain.Reading) ([]domain.Reading, error)
	RecordFaultCodes(ctx context.Context, vehicleID string, reports []core.FaultReport, seenAt time.Time) ([]domain.FaultCode, error)
}

// Recorder counts imported and skipped rows per format.
type Recorder interface {
	ImportRows(format string, imported, skipped int)
}

type nopRecorder struct{}

func (nopRecorder) ImportRows(string, int, int) {}

// Importer parses uploaded files into readings or fault codes.
type Importer struct {
	svc Service
	log *zap.Logger
	rec Recorder
}

// New returns an importer; rec may be nil.
func New(svc Service, log *zap.Logger, rec Recorder) *Importer {
	if log == nil {
		log = zap.NewNop()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Importer{svc: svc, log: log.With(zap.String("component", "importer")), rec: rec}
}

// Import reads r completely, detects its format and shape and stores every
// valid row for the vehicle. Bad rows are skipped and reported; only
// unreadable files or unrecognised tables fail the import.
func (im *Importer) Import(ctx context.Context, vehicleID, filename string, r io.Reader) (Summary, error) {
	if _, err := im.svc.GetVehicle(ctx, vehicleID); err != nil {
		return Summary{}, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Summary{}, fmt.Errorf("read upload: %w", err)
	}
	format := Detect(filename, data[:min(len(data), 8)])
	table, err := ReadTable(format, data)
	if err != nil {
		return Summary{Format: format}, domain.ValidationError{Field: "file", Message: err.Error()}
	}
	cols := make([]column, len(table.Header))
	for i, h := range table.Header {
		cols[i] = classifyHeader(h)
	}

	sum := Summary{Format: format, Errors: []RowError{}}
	switch {
	case has(cols, colCode):
		sum.Kind = KindFaults
		err = im.importFaults(ctx, vehicleID, table, cols, &sum)
	case has(cols, colParamName) && has(cols, colValue):
		sum.Kind = KindTelemetry
		err = im.importLong(ctx, vehicleID, table, cols, &sum)
	case has(cols, colParameter):
		sum.Kind = KindTelemetry
		err = im.importWide(ctx, vehicleID, table, cols, &sum)
	default:
		return sum, domain.ValidationError{Field: "file", Message: "no recognisable columns in header " + strings.Join(table.Header, ", ")}
	}
	im.rec.ImportRows(string(format), sum.Imported, sum.Skipped)
	if err != nil {
		return sum, err
	}
	im.log.Info("file imported",
		zap.String("vehicle_id", vehicleID),
		zap.String("file", filename),
		zap.String("format", string(format)),
		zap.String("kind", string(sum.Kind)),
		zap.Int("imported", sum.Imported),
		zap.Int("skipped", sum.Skipped))
	return sum, nil
}

func has(cols []column, kind columnKind) bool {
	return indexOf(cols, kind) >= 0
}

func indexOf(cols []column, kind columnKind) int {
	for i, c := range cols {
		if c.kind == kind {
			return i
		}
	}
	return -1
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// rowNumber converts a data row index to the file row, header being row 1.
func rowNumber(i int) int { return i + 2 }

// pendingReadings buffers rows until a batch is full.
type pendingReadings struct {
	readings []domain.Reading
	rows     int
}

func (im *Importer) flush(ctx context.Context, vehicleID string, p *pendingReadings, sum *Summary) error {
	if len(p.readings) == 0 {
		return nil
	}
	stored, err := im.svc.RecordReadings(ctx, vehicleID, p.readings)
	if err != nil {
		return fmt.Errorf("store readings: %w", err)
	}
	sum.Records += len(stored)
	sum.Imported += p.rows
	p.readings, p.rows = p.readings[:0], 0
	return nil
}

func checkReading(key string, v float64) error {
	p, _ := domain.LookupParameter(key)
	if !p.InRange(v) {
		return fmt.Errorf("%s %g outside %g..%g %s", key, v, p.Min, p.Max, p.Unit)
	}
	return nil
}

func (im *Importer) importWide(ctx context.Context, vehicleID string, t Table, cols []column, sum *Summary) error {
	timeCol := indexOf(cols, colTime)
	if timeCol < 0 {
		return domain.ValidationError{Field: "file", Message: "telemetry needs a timestamp column"}
	}
	pending := &pendingReadings{}
	for i, row := range t.Rows {
		if blank(row) {
			continue
		}
		sum.Rows++
		at, err := parseTimestamp(cell(row, timeCol))
		if err != nil {
			sum.skip(rowNumber(i), "%v", err)
			continue
		}
		var (
			batch  []domain.Reading
			rowErr error
		)
		for c, col := range cols {
			if col.kind != colParameter {
				continue
			}
			raw := cell(row, c)
			if raw == "" {
				continue
			}
			v, err := parseNumber(raw)
			if err != nil {
				rowErr = fmt.Errorf("%s: %w", t.Header[c], err)
				break
			}
			v = col.convert.apply(v)
			if err := checkReading(col.param, v); err != nil {
				rowErr = err
				break
			}
			batch = append(batch, domain.Reading{Parameter: col.param, Value: v, RecordedAt: at})
		}
		switch {
		case rowErr != nil:
			sum.skip(rowNumber(i), "%v", rowErr)
			continue
		case len(batch) == 0:
			sum.skip(rowNumber(i), "no values")
			continue
		}
		pending.readings = append(pending.readings, batch...)
		pending.rows++
		if len(pending.readings) >= readingBatch {
			if err := im.flush(ctx, vehicleID, pending, sum); err != nil {
				return err
			}
		}
	}
	return im.flush(ctx, vehicleID, pending, sum)
}

func (im *Importer) importLong(ctx context.Context, vehicleID string, t Table, cols []column, sum *Summary) error {
	timeCol := indexOf(cols, colTime)
	if timeCol < 0 {
		return domain.ValidationError{Field: "file", Message: "telemetry needs a timestamp column"}
	}
	nameCol, valueCol, unitCol := indexOf(cols, colParamName), indexOf(cols, colValue), indexOf(cols, colUnit)
	pending := &pendingReadings{}
	for i, row := range t.Rows {
		if blank(row) {
			continue
		}
		sum.Rows++
		at, err := parseTimestamp(cell(row, timeCol))
		if err != nil {
			sum.skip(rowNumber(i), "%v", err)
			continue
		}
		name := cell(row, nameCol)
		key, ok := lookupParameterName(name)
		if !ok {
			sum.skip(rowNumber(i), "unknown parameter %q", name)
			continue
		}
		v, err := parseNumber(cell(row, valueCol))
		if err != nil {
			sum.skip(rowNumber(i), "%v", err)
			continue
		}
		conv := unitConversion(cell(row, unitCol))
		if conv == convNone {
			conv = unitConversion(name)
		}
		if convertible(key, conv) {
			v = conv.apply(v)
		}
		if err := checkReading(key, v); err != nil {
			sum.skip(rowNumber(i), "%v", err)
			continue
		}
		pending.readings = append(pending.readings, domain.Reading{Parameter: key, Value: v, RecordedAt: at})
		pending.rows++
		if len(pending.readings) >= readingBatch {
			if err := im.flush(ctx, vehicleID, pending, sum); err != nil {
				return err
			}
		}
	}
	return im.flush(ctx, vehicleID, pending, sum)
}

func (im *Importer) importFaults(ctx context.Context, vehicleID string, t Table, cols []column, sum *Summary) error {
	codeCol, timeCol := indexOf(cols, colCode), indexOf(cols, colTime)
	descCol, statusCol, sevCol := indexOf(cols, colDescription), indexOf(cols, colStatus), indexOf(cols, colSeverity)
	for i, row := range t.Rows {
		if blank(row) {
			continue
		}
		sum.Rows++
		var seenAt time.Time
		if raw := cell(row, timeCol); raw != "" {
			at, err := parseTimestamp(raw)
			if err != nil {
				sum.skip(rowNumber(i), "%v", err)
				continue
			}
			seenAt = at
		}
		report := core.FaultReport{
			Code:        cell(row, codeCol),
			Description: cell(row, descCol),
			Status:      domain.FaultStatus(cell(row, statusCol)),
			Severity:    domain.Severity(cell(row, sevCol)),
		}
		stored, err := im.svc.RecordFaultCodes(ctx, vehicleID, []core.FaultReport{report}, seenAt)
		var verr domain.ValidationError
		switch {
		case errors.As(err, &verr):
			sum.skip(rowNumber(i), "%s", verr.Message)
			continue
		case err != nil:
			return fmt.Errorf("store fault codes: %w", err)
		}
		sum.Imported++
		sum.Records += len(stored)
	}
	return nil
}
