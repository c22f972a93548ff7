package domain

import (
	"fmt"
	"math"
	"sort"
)

// Parameter describes a mode 01 live data PID and how to decode it.
type Parameter struct {
	Key   string  `json:"key"`
	PID   byte    `json:"pid"`
	Name  string  `json:"name"`
	Unit  string  `json:"unit"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Bytes int     `json:"bytes"`

	decode func(b []byte) float64
}

// Decode converts the data bytes that follow the 41 <pid> response header.
func (p Parameter) Decode(data []byte) (float64, error) {
	if len(data) < p.Bytes {
		return 0, fmt.Errorf("pid %02X needs %d bytes, got %d", p.PID, p.Bytes, len(data))
	}
	return p.decode(data[:p.Bytes]), nil
}

// InRange reports whether v is a plausible value for the parameter.
func (p Parameter) InRange(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	return v >= p.Min && v <= p.Max
}

// Span is the width of the parameter's value range.
func (p Parameter) Span() float64 { return p.Max - p.Min }

func word(b []byte) float64 { return float64(int(b[0])*256 + int(b[1])) }

// Formulas follow SAE J1979 mode 01.
var parameters = []Parameter{
	{Key: "engine_load", PID: 0x04, Name: "Calculated engine load", Unit: "%", Min: 0, Max: 100, Bytes: 1,
		decode: func(b []byte) float64 { return float64(b[0]) * 100 / 255 }},
	{Key: "coolant_temp", PID: 0x05, Name: "Engine coolant temperature", Unit: "°C", Min: -40, Max: 215, Bytes: 1,
		decode: func(b []byte) float64 { return float64(b[0]) - 40 }},
	{Key: "fuel_pressure", PID: 0x0A, Name: "Fuel pressure", Unit: "kPa", Min: 0, Max: 765, Bytes: 1,
		decode: func(b []byte) float64 { return float64(b[0]) * 3 }},
	{Key: "intake_map", PID: 0x0B, Name: "Intake manifold absolute pressure", Unit: "kPa", Min: 0, Max: 255, Bytes: 1,
		decode: func(b []byte) float64 { return float64(b[0]) }},
	{Key: "rpm", PID: 0x0C, Name: "Engine speed", Unit: "rpm", Min: 0, Max: 16383.75, Bytes: 2,
		decode: func(b []byte) float64 { return word(b) / 4 }},
	{Key: "speed", PID: 0x0D, Name: "Vehicle speed", Unit: "km/h", Min: 0, Max: 255, Bytes: 1,
		decode: func(b []byte) float64 { return float64(b[0]) }},
	{Key: "timing_advance", PID: 0x0E, Name: "Timing advance", Unit: "°", Min: -64, Max: 63.5, Bytes: 1,
		decode: func(b []byte) float64 { return float64(b[0])/2 - 64 }},
	{Key: "intake_temp", PID: 0x0F, Name: "Intake air temperature", Unit: "°C", Min: -40, Max: 215, Bytes: 1,
		decode: func(b []byte) float64 { return float64(b[0]) - 40 }},
	{Key: "maf", PID: 0x10, Name: "Mass air flow rate", Unit: "g/s", Min: 0, Max: 655.35, Bytes: 2,
		decode: func(b []byte) float64 { return word(b) / 100 }},
	{Key: "throttle", PID: 0x11, Name: "Throttle position", Unit: "%", Min: 0, Max: 100, Bytes: 1,
		decode: func(b []byte) float64 { return float64(b[0]) * 100 / 255 }},
	{Key: "fuel_level", PID: 0x2F, Name: "Fuel tank level", Unit: "%", Min: 0, Max: 100, Bytes: 1,
		decode: func(b []byte) float64 { return float64(b[0]) * 100 / 255 }},
	{Key: "control_module_voltage", PID: 0x42, Name: "Control module voltage", Unit: "V", Min: 0, Max: 65.535, Bytes: 2,
		decode: func(b []byte) float64 { return word(b) / 1000 }},
	{Key: "ambient_temp", PID: 0x46, Name: "Ambient air temperature", Unit: "°C", Min: -40, Max: 215, Bytes: 1,
		decode: func(b []byte) float64 { return float64(b[0]) - 40 }},
	{Key: "oil_temp", PID: 0x5C, Name: "Engine oil temperature", Unit: "°C", Min: -40, Max: 210, Bytes: 1,
		decode: func(b []byte) float64 { return float64(b[0]) - 40 }},
}

var (
	parametersByKey = make(map[string]Parameter, len(parameters))
	parametersByPID = make(map[byte]Parameter, len(parameters))
)

func init() {
	for _, p := range parameters {
		parametersByKey[p.Key] = p
		parametersByPID[p.PID] = p
	}
}

// LookupParameter returns the parameter registered under key.
func LookupParameter(key string) (Parameter, bool) {
	p, ok := parametersByKey[key]
	return p, ok
}

// ParameterByPID returns the parameter decoded from the given mode 01 PID.
func ParameterByPID(pid byte) (Parameter, bool) {
	p, ok := parametersByPID[pid]
	return p, ok
}

// Parameters returns every known parameter ordered by PID.
func Parameters() []Parameter {
	out := append([]Parameter(nil), parameters...)
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}
