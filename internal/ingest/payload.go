package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"obddash/internal/core"
	"obddash/pkg/domain"
)

// Timestamp accepts RFC3339 strings and unix seconds or milliseconds, and
// marshals as RFC3339 with millisecond precision.
type Timestamp struct {
	time.Time
}

// unixMilliThreshold separates seconds from milliseconds; 1e11 seconds is
// far past year 5000.
const unixMilliThreshold = 1e11

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		t.Time = time.Time{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
		// Numeric strings are tolerated.
		return t.fromNumber(s)
	}
	return t.fromNumber(string(b))
}

func (t *Timestamp) fromNumber(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("timestamp %q is neither RFC3339 nor unix time", s)
	}
	if v >= unixMilliThreshold {
		t.Time = time.UnixMilli(int64(v)).UTC()
		return nil
	}
	sec := int64(v)
	t.Time = time.Unix(sec, int64((v-float64(sec))*1e9)).UTC()
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
}

// TelemetryPayload is published on `<prefix>/vehicles/<vin>/telemetry`.
type TelemetryPayload struct {
	Timestamp Timestamp          `json:"timestamp"`
	Readings  map[string]float64 `json:"readings"`
}

// ToReadings expands the map in key order. Units are left to the service
// defaults.
func (p TelemetryPayload) ToReadings() []domain.Reading {
	keys := make([]string, 0, len(p.Readings))
	for k := range p.Readings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]domain.Reading, 0, len(keys))
	for _, k := range keys {
		out = append(out, domain.Reading{Parameter: k, Value: p.Readings[k], RecordedAt: p.Timestamp.Time})
	}
	return out
}

// FaultEntry is one code of a DTC payload. It decodes from either a bare
// string ("P0300") or an object.
type FaultEntry core.FaultReport

// UnmarshalJSON implements json.Unmarshaler.
func (e *FaultEntry) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var code string
		if err := json.Unmarshal(b, &code); err != nil {
			return err
		}
		*e = FaultEntry{Code: code}
		return nil
	}
	var r core.FaultReport
	if err := json.Unmarshal(b, &r); err != nil {
		return err
	}
	*e = FaultEntry(r)
	return nil
}

// DTCPayload is published on `<prefix>/vehicles/<vin>/dtc`.
type DTCPayload struct {
	Timestamp Timestamp    `json:"timestamp"`
	Codes     []FaultEntry `json:"codes"`
}

// Reports converts the entries for RecordFaultCodes.
func (p DTCPayload) Reports() []core.FaultReport {
	out := make([]core.FaultReport, len(p.Codes))
	for i, e := range p.Codes {
		out[i] = core.FaultReport(e)
	}
	return out
}
