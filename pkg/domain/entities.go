// Package domain defines the persistent entities, value types and validation
// rules shared by every obddash layer.
package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// EntityType identifies the type of record stored by obddash.
type EntityType string

// Supported entity type identifiers used in errors, audit entries and persistence tables.
const (
	// EntityProject identifies a project record.
	EntityProject EntityType = "project"
	// EntityVehicle identifies a vehicle record.
	EntityVehicle EntityType = "vehicle"
	// EntityFaultCode identifies a recorded diagnostic trouble code.
	EntityFaultCode EntityType = "fault_code"
	// EntityReading identifies a telemetry reading.
	EntityReading EntityType = "reading"
	// EntityUser identifies a dashboard user.
	EntityUser EntityType = "user"
	// EntityReport identifies a generated report.
	EntityReport EntityType = "report"
)

// FaultStatus enumerates the lifecycle states of a recorded fault code.
type FaultStatus string

// Canonical fault statuses as reported by mode 03/07/0A or by operators.
const (
	FaultStatusPending   FaultStatus = "pending"
	FaultStatusActive    FaultStatus = "active"
	FaultStatusPermanent FaultStatus = "permanent"
	FaultStatusCleared   FaultStatus = "cleared"
)

// Valid reports whether s is a known fault status.
func (s FaultStatus) Valid() bool {
	switch s {
	case FaultStatusPending, FaultStatusActive, FaultStatusPermanent, FaultStatusCleared:
		return true
	}
	return false
}

// Severity ranks how urgently a fault code needs attention.
type Severity string

// Fault severities, lowest first.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// Role is the access level granted to a user.
type Role string

// Dashboard roles from most to least privileged.
const (
	RoleAdmin      Role = "admin"
	RoleTechnician Role = "technician"
	RoleViewer     Role = "viewer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleTechnician, RoleViewer:
		return true
	}
	return false
}

// Project groups vehicles, e.g. a fleet or a workshop job.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Owner       string    `json:"owner,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks project invariants.
func (p Project) Validate() error {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return ValidationError{Field: "name", Message: "required"}
	}
	if utf8.RuneCountInString(name) > 120 {
		return ValidationError{Field: "name", Message: "must be at most 120 characters"}
	}
	return nil
}

// Vehicle is a single diagnosed vehicle identified by its VIN.
type Vehicle struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	VIN       string    `json:"vin"`
	Make      string    `json:"make,omitempty"`
	Model     string    `json:"model,omitempty"`
	Year      int       `json:"year,omitempty"`
	Protocol  string    `json:"protocol,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NormalizeVIN upper-cases and trims a VIN.
func NormalizeVIN(vin string) string {
	return strings.ToUpper(strings.TrimSpace(vin))
}

// ValidateVIN checks the ISO 3779 shape: 17 characters, no I, O or Q.
func ValidateVIN(vin string) error {
	if len(vin) != 17 {
		return ValidationError{Field: "vin", Message: "must be 17 characters"}
	}
	for _, r := range vin {
		switch {
		case r == 'I' || r == 'O' || r == 'Q':
			return ValidationError{Field: "vin", Message: fmt.Sprintf("must not contain %q", r)}
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			return ValidationError{Field: "vin", Message: fmt.Sprintf("invalid character %q", r)}
		}
	}
	return nil
}

// Validate checks vehicle invariants relative to now.
func (v Vehicle) Validate(now time.Time) error {
	if strings.TrimSpace(v.ProjectID) == "" {
		return ValidationError{Field: "project_id", Message: "required"}
	}
	if err := ValidateVIN(v.VIN); err != nil {
		return err
	}
	if v.Year != 0 && (v.Year < 1980 || v.Year > now.Year()+1) {
		return ValidationError{Field: "year", Message: fmt.Sprintf("must be between 1980 and %d", now.Year()+1)}
	}
	return nil
}

// FaultCode is a diagnostic trouble code observed on a vehicle. A vehicle
// holds at most one record per code; repeat observations bump Occurrences.
type FaultCode struct {
	ID          string      `json:"id"`
	VehicleID   string      `json:"vehicle_id"`
	Code        string      `json:"code"`
	Description string      `json:"description,omitempty"`
	System      System      `json:"system"`
	Status      FaultStatus `json:"status"`
	Severity    Severity    `json:"severity"`
	Occurrences int         `json:"occurrences"`
	FirstSeen   time.Time   `json:"first_seen"`
	LastSeen    time.Time   `json:"last_seen"`
	ClearedAt   *time.Time  `json:"cleared_at,omitempty"`
}

// Validate checks fault code invariants.
func (f FaultCode) Validate() error {
	if strings.TrimSpace(f.VehicleID) == "" {
		return ValidationError{Field: "vehicle_id", Message: "required"}
	}
	if _, err := ParseDTC(f.Code); err != nil {
		return err
	}
	if !f.Status.Valid() {
		return ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", f.Status)}
	}
	if !f.Severity.Valid() {
		return ValidationError{Field: "severity", Message: fmt.Sprintf("unknown severity %q", f.Severity)}
	}
	if f.Occurrences < 1 {
		return ValidationError{Field: "occurrences", Message: "must be positive"}
	}
	return nil
}

// Reading is one timestamped telemetry value.
type Reading struct {
	ID         int64     `json:"id,omitempty"`
	VehicleID  string    `json:"vehicle_id"`
	Parameter  string    `json:"parameter"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// User is a dashboard account.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name,omitempty"`
	Role         Role       `json:"role"`
	PasswordHash string     `json:"-"`
	Disabled     bool       `json:"disabled"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// EnabledAdmin reports whether u can administer the dashboard.
func (u User) EnabledAdmin() bool {
	return u.Role == RoleAdmin && !u.Disabled
}

// Validate checks user invariants.
func (u User) Validate() error {
	email := u.Email
	at := strings.LastIndex(email, "@")
	if at < 1 || at == len(email)-1 || strings.ContainsAny(email, " \t\r\n") {
		return ValidationError{Field: "email", Message: "must be a valid address"}
	}
	if !u.Role.Valid() {
		return ValidationError{Field: "role", Message: fmt.Sprintf("unknown role %q", u.Role)}
	}
	if u.PasswordHash == "" {
		return ValidationError{Field: "password", Message: "required"}
	}
	return nil
}
