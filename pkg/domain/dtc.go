package domain

import (
	"fmt"
	"strings"
)

// System is the vehicle system a trouble code belongs to, taken from its letter.
type System string

// OBD-II systems in letter order P, C, B, U.
const (
	SystemPowertrain System = "powertrain"
	SystemChassis    System = "chassis"
	SystemBody       System = "body"
	SystemNetwork    System = "network"
)

// Valid reports whether s is a known system.
func (s System) Valid() bool {
	switch s {
	case SystemPowertrain, SystemChassis, SystemBody, SystemNetwork:
		return true
	}
	return false
}

const dtcLetters = "PCBU"

// DTC is a normalized five character trouble code such as P0300.
type DTC string

// ParseDTC normalizes and validates a textual trouble code.
func ParseDTC(raw string) (DTC, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	code = strings.NewReplacer(" ", "", "-", "").Replace(code)
	if len(code) != 5 {
		return "", ValidationError{Field: "code", Message: fmt.Sprintf("%q must be 5 characters", raw)}
	}
	if !strings.ContainsRune(dtcLetters, rune(code[0])) {
		return "", ValidationError{Field: "code", Message: fmt.Sprintf("%q must start with P, C, B or U", raw)}
	}
	if code[1] < '0' || code[1] > '3' {
		return "", ValidationError{Field: "code", Message: fmt.Sprintf("%q second character must be 0-3", raw)}
	}
	for i := 2; i < 5; i++ {
		if !isHexDigit(code[i]) {
			return "", ValidationError{Field: "code", Message: fmt.Sprintf("%q has non-hex digit %q", raw, code[i])}
		}
	}
	return DTC(code), nil
}

// DecodeDTC decodes the two byte representation returned by mode 03, 07 and 0A.
// The top two bits of hi select the system letter.
func DecodeDTC(hi, lo byte) DTC {
	const hexDigits = "0123456789ABCDEF"
	b := []byte{
		dtcLetters[hi>>6],
		'0' + (hi>>4)&0x03,
		hexDigits[hi&0x0F],
		hexDigits[lo>>4],
		hexDigits[lo&0x0F],
	}
	return DTC(b)
}

// Bytes returns the two byte mode 03 encoding of the code.
func (d DTC) Bytes() (hi, lo byte) {
	if len(d) != 5 {
		return 0, 0
	}
	letter := byte(strings.IndexByte(dtcLetters, d[0]))
	hi = letter<<6 | (d[1]-'0')<<4 | hexValue(d[2])
	lo = hexValue(d[3])<<4 | hexValue(d[4])
	return hi, lo
}

// String implements fmt.Stringer.
func (d DTC) String() string { return string(d) }

// System returns the vehicle system encoded by the code letter.
func (d DTC) System() System {
	if len(d) == 0 {
		return ""
	}
	switch d[0] {
	case 'P':
		return SystemPowertrain
	case 'C':
		return SystemChassis
	case 'B':
		return SystemBody
	case 'U':
		return SystemNetwork
	}
	return ""
}

// Generic reports whether the code is SAE defined rather than manufacturer specific.
func (d DTC) Generic() bool {
	if len(d) != 5 {
		return false
	}
	switch d[1] {
	case '0':
		return true
	case '2':
		return d[0] == 'P'
	case '3':
		// P34xx-P39xx are SAE reserved; P30xx-P33xx belong to the manufacturer.
		return d[0] == 'P' && d[2] >= '4'
	}
	return false
}

// DefaultSeverity derives a severity when the source does not supply one.
// Misfire (P030x) and catalyst efficiency (P042x) codes damage hardware quickly.
func (d DTC) DefaultSeverity() Severity {
	if len(d) != 5 {
		return SeverityInfo
	}
	s := string(d)
	if strings.HasPrefix(s, "P030") || strings.HasPrefix(s, "P042") {
		return SeverityCritical
	}
	if d[0] == 'P' && d.Generic() {
		return SeverityWarning
	}
	return SeverityInfo
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'F')
}

func hexValue(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	}
	return 0
}
