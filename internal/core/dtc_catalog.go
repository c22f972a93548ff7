package core

import (
	"fmt"

	"obddash/pkg/domain"
)

// Descriptions of commonly seen SAE generic codes.
var dtcCatalog = map[domain.DTC]string{
	"P0010": "Intake camshaft position actuator circuit (bank 1)",
	"P0011": "Intake camshaft timing over-advanced (bank 1)",
	"P0016": "Crankshaft/camshaft position correlation (bank 1 sensor A)",
	"P0087": "Fuel rail/system pressure too low",
	"P0101": "Mass air flow circuit range/performance",
	"P0102": "Mass air flow circuit low input",
	"P0106": "Manifold absolute pressure circuit range/performance",
	"P0113": "Intake air temperature circuit high input",
	"P0117": "Engine coolant temperature circuit low input",
	"P0118": "Engine coolant temperature circuit high input",
	"P0121": "Throttle position sensor A circuit range/performance",
	"P0128": "Coolant thermostat below regulating temperature",
	"P0131": "O2 sensor circuit low voltage (bank 1 sensor 1)",
	"P0133": "O2 sensor circuit slow response (bank 1 sensor 1)",
	"P0135": "O2 sensor heater circuit (bank 1 sensor 1)",
	"P0141": "O2 sensor heater circuit (bank 1 sensor 2)",
	"P0171": "System too lean (bank 1)",
	"P0172": "System too rich (bank 1)",
	"P0174": "System too lean (bank 2)",
	"P0175": "System too rich (bank 2)",
	"P0217": "Engine coolant over temperature condition",
	"P0300": "Random/multiple cylinder misfire detected",
	"P0301": "Cylinder 1 misfire detected",
	"P0302": "Cylinder 2 misfire detected",
	"P0303": "Cylinder 3 misfire detected",
	"P0304": "Cylinder 4 misfire detected",
	"P0305": "Cylinder 5 misfire detected",
	"P0306": "Cylinder 6 misfire detected",
	"P0325": "Knock sensor 1 circuit (bank 1)",
	"P0335": "Crankshaft position sensor A circuit",
	"P0340": "Camshaft position sensor A circuit (bank 1)",
	"P0401": "Exhaust gas recirculation flow insufficient",
	"P0420": "Catalyst system efficiency below threshold (bank 1)",
	"P0430": "Catalyst system efficiency below threshold (bank 2)",
	"P0440": "Evaporative emission system malfunction",
	"P0442": "Evaporative emission system leak detected (small leak)",
	"P0446": "Evaporative emission vent control circuit",
	"P0455": "Evaporative emission system leak detected (large leak)",
	"P0456": "Evaporative emission system leak detected (very small leak)",
	"P0500": "Vehicle speed sensor A",
	"P0505": "Idle air control system",
	"P0507": "Idle air control system RPM higher than expected",
	"P0562": "System voltage low",
	"P0563": "System voltage high",
	"P0600": "Serial communication link",
	"P0700": "Transmission control system malfunction",
	"P0715": "Input/turbine speed sensor A circuit",
	"P0740": "Torque converter clutch solenoid circuit",
	"C0035": "Left front wheel speed sensor circuit",
	"C0040": "Right front wheel speed sensor circuit",
	"C0045": "Left rear wheel speed sensor circuit",
	"C0050": "Right rear wheel speed sensor circuit",
	"B0001": "Driver frontal stage 1 deployment control",
	"B0100": "Electronic frontal sensor 1",
	"U0001": "High speed CAN communication bus",
	"U0073": "Control module communication bus A off",
	"U0100": "Lost communication with ECM/PCM A",
	"U0101": "Lost communication with TCM",
	"U0121": "Lost communication with anti-lock brake system control module",
	"U0140": "Lost communication with body control module",
	"U0155": "Lost communication with instrument panel cluster control module",
}

// DTCInfo describes a trouble code.
type DTCInfo struct {
	Code        string          `json:"code"`
	System      domain.System   `json:"system"`
	Generic     bool            `json:"generic"`
	Known       bool            `json:"known"`
	Description string          `json:"description"`
	Severity    domain.Severity `json:"default_severity"`
}

// DescribeDTC returns the catalog entry for code, or a generic description
// derived from its system when the code is not catalogued.
func (s *Service) DescribeDTC(code string) (DTCInfo, error) {
	dtc, err := domain.ParseDTC(code)
	if err != nil {
		return DTCInfo{}, err
	}
	return describe(dtc), nil
}

func describe(dtc domain.DTC) DTCInfo {
	info := DTCInfo{
		Code:     dtc.String(),
		System:   dtc.System(),
		Generic:  dtc.Generic(),
		Severity: dtc.DefaultSeverity(),
	}
	if desc, ok := dtcCatalog[dtc]; ok {
		info.Known = true
		info.Description = desc
		return info
	}
	kind := "manufacturer specific"
	if info.Generic {
		kind = "generic"
	}
	info.Description = fmt.Sprintf("%s %s code", kind, info.System)
	return info
}
