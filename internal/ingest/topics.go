// Package ingest moves telemetry and trouble codes between vehicle agents and
// the service over MQTT.
package ingest

import (
	"strings"
)

// Message kinds carried in the last topic segment.
const (
	KindTelemetry = "telemetry"
	KindDTC       = "dtc"
	KindCommands  = "commands"
)

// DefaultPrefix is the topic root when none is configured.
const DefaultPrefix = "obddash"

// Topics builds and parses `<prefix>/vehicles/<vin>/<kind>` topics.
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	p := strings.Trim(t.Prefix, "/")
	if p == "" {
		return DefaultPrefix
	}
	return p
}

// Vehicle returns the topic of one kind for one VIN.
func (t Topics) Vehicle(vin, kind string) string {
	return t.prefix() + "/vehicles/" + vin + "/" + kind
}

// Filter returns the single-level wildcard filter for a kind.
func (t Topics) Filter(kind string) string {
	return t.Vehicle("+", kind)
}

// Parse splits a vehicle topic into VIN and kind.
func (t Topics) Parse(topic string) (vin, kind string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.prefix()+"/vehicles/")
	if !found {
		return "", "", false
	}
	vin, kind, found = strings.Cut(rest, "/")
	if !found || vin == "" || kind == "" || strings.Contains(kind, "/") {
		return "", "", false
	}
	return vin, kind, true
}
