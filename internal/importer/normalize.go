package importer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"obddash/pkg/domain"
)

type columnKind int

const (
	colIgnored columnKind = iota
	colTime
	colParameter // wide shape: one column per parameter
	colParamName // long shape: parameter key column
	colValue
	colUnit
	colCode
	colDescription
	colStatus
	colSeverity
)

// column is the interpretation of one header cell.
type column struct {
	kind    columnKind
	param   string
	convert conversion
}

// conversion turns an imperial value into the parameter's metric unit.
type conversion int

const (
	convNone conversion = iota
	convFahrenheit
	convMph
)

func (c conversion) apply(v float64) float64 {
	switch c {
	case convFahrenheit:
		return (v - 32) * 5 / 9
	case convMph:
		return v * 1.609344
	}
	return v
}

// target is the metric unit a conversion produces.
func (c conversion) target() string {
	switch c {
	case convFahrenheit:
		return "°C"
	case convMph:
		return "km/h"
	}
	return ""
}

// fieldAliases map normalised header text to non-parameter columns.
var fieldAliases = map[string]columnKind{
	"recordedat": colTime, "timestamp": colTime, "time": colTime, "datetime": colTime,
	"date": colTime, "ts": colTime, "seenat": colTime, "observedat": colTime,
	"parameter": colParamName, "param": colParamName, "sensor": colParamName,
	"signal": colParamName, "metric": colParamName,
	"value": colValue, "reading": colValue, "val": colValue,
	"unit": colUnit, "units": colUnit,
	"code": colCode, "dtc": colCode, "faultcode": colCode, "troublecode": colCode, "dtccode": colCode,
	"description": colDescription, "desc": colDescription, "meaning": colDescription,
	"status": colStatus, "state": colStatus,
	"severity": colSeverity, "priority": colSeverity,
}

// parameterAliases extend the canonical keys and names of every parameter.
var parameterAliases = map[string]string{
	"enginerpm": "rpm", "enginespeed": "rpm",
	"vehiclespeed": "speed", "vss": "speed",
	"coolant": "coolant_temp", "coolanttemperature": "coolant_temp", "ect": "coolant_temp", "enginecoolanttemp": "coolant_temp",
	"load": "engine_load", "calculatedload": "engine_load", "calcload": "engine_load",
	"throttleposition": "throttle", "tps": "throttle",
	"fuel": "fuel_level", "fueltanklevel": "fuel_level",
	"voltage": "control_module_voltage", "batteryvoltage": "control_module_voltage", "battery": "control_module_voltage", "modulevoltage": "control_module_voltage",
	"massairflow": "maf", "airflow": "maf", "mafrate": "maf",
	"iat": "intake_temp", "intakeairtemp": "intake_temp", "intakeairtemperature": "intake_temp",
	"ambient": "ambient_temp", "ambientairtemp": "ambient_temp", "outsidetemp": "ambient_temp",
	"oiltemperature": "oil_temp", "engineoiltemp": "oil_temp",
	"timing": "timing_advance",
	"map": "intake_map", "manifoldpressure": "intake_map", "intakemanifoldpressure": "intake_map",
}

var parameterIndex = func() map[string]string {
	idx := make(map[string]string)
	for _, p := range domain.Parameters() {
		idx[normalizeHeader(p.Key)] = p.Key
		idx[normalizeHeader(p.Name)] = p.Key
	}
	for alias, key := range parameterAliases {
		idx[alias] = key
	}
	return idx
}()

var (
	bracketed = regexp.MustCompile(`[\(\[].*?[\)\]]`)
	nonAlnum  = regexp.MustCompile(`[^a-z0-9]+`)
)

// normalizeHeader lower-cases and drops units in brackets, spaces, dashes,
// underscores and punctuation.
func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "\ufeff"))
	h = bracketed.ReplaceAllString(h, "")
	return nonAlnum.ReplaceAllString(h, "")
}

// unitConversion inspects a header or unit cell for imperial units.
func unitConversion(raw string) conversion {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.Contains(s, "°f"), strings.Contains(s, "(f)"), strings.Contains(s, "[f]"),
		strings.HasSuffix(s, "_f"), strings.HasSuffix(s, " f"), strings.Contains(s, "fahrenheit"),
		s == "f", s == "degf":
		return convFahrenheit
	case strings.Contains(s, "mph"):
		return convMph
	}
	return convNone
}

// stripImperialSuffix removes a trailing _f or " f" so the rest matches a
// parameter alias.
func stripImperialSuffix(h string) string {
	l := strings.ToLower(strings.TrimSpace(h))
	for _, suffix := range []string{"_f", " f", "_mph", " mph"} {
		if strings.HasSuffix(l, suffix) {
			return h[:len(h)-len(suffix)]
		}
	}
	return h
}

// lookupParameterName resolves free-form parameter text such as
// "Engine RPM" or "coolant_temp_f".
func lookupParameterName(raw string) (string, bool) {
	if key, ok := parameterIndex[normalizeHeader(raw)]; ok {
		return key, true
	}
	key, ok := parameterIndex[normalizeHeader(stripImperialSuffix(raw))]
	return key, ok
}

func classifyHeader(h string) column {
	n := normalizeHeader(h)
	if kind, ok := fieldAliases[n]; ok {
		return column{kind: kind}
	}
	if key, ok := lookupParameterName(h); ok {
		col := column{kind: colParameter, param: key}
		if conv := unitConversion(h); convertible(key, conv) {
			col.convert = conv
		}
		return col
	}
	return column{kind: colIgnored}
}

// convertible reports whether conv yields the parameter's unit, so mph is
// never applied to a temperature.
func convertible(key string, conv conversion) bool {
	if conv == convNone {
		return false
	}
	p, _ := domain.LookupParameter(key)
	return p.Unit == conv.target()
}

var (
	numericRun   = regexp.MustCompile(`^[-+0-9.,eE]+`)
	numberPrefix = regexp.MustCompile(`^[-+]?(\d+\.?\d*|\.\d+)([eE][-+]?\d+)?`)
	thousands    = regexp.MustCompile(`^[-+]?\d{1,3}(,\d{3})+(\.\d+)?$`)
)

// parseNumber accepts values with trailing units ("812 rpm", "90°C") and
// thousands separators. A lone comma is read as a decimal separator.
func parseNumber(raw string) (float64, error) {
	s := strings.TrimSpace(strings.ReplaceAll(raw, " ", ""))
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	prefix := s
	if m := numericRun.FindString(s); m != "" {
		prefix = m
	}
	switch {
	case strings.Contains(prefix, ",") && strings.Contains(prefix, "."):
		prefix = strings.ReplaceAll(prefix, ",", "")
	case thousands.MatchString(prefix):
		prefix = strings.ReplaceAll(prefix, ",", "")
	case strings.Count(prefix, ",") == 1:
		prefix = strings.Replace(prefix, ",", ".", 1)
	}
	m := numberPrefix.FindString(prefix)
	if m == "" {
		return 0, fmt.Errorf("%q is not a number", raw)
	}
	return strconv.ParseFloat(m, 64)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"1/2/06 15:04",
	"2006-01-02",
}

// parseTimestamp reads the supported layouts as UTC, plus unix seconds and
// milliseconds.
func parseTimestamp(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n >= 1e11 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}
