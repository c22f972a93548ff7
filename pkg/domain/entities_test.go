package domain

import (
	"strings"
	"testing"
	"time"
)

func TestValidateVIN(t *testing.T) {
	if err := ValidateVIN("1HGCM82633A004352"); err != nil {
		t.Fatalf("valid vin rejected: %v", err)
	}
	for _, vin := range []string{"", "1HGCM82633A00435", "1HGCM82633A0043O2", "1HGCM82633A00435!"} {
		if err := ValidateVIN(vin); err == nil {
			t.Fatalf("expected error for %q", vin)
		}
	}
	if got := NormalizeVIN(" 1hgcm82633a004352 "); got != "1HGCM82633A004352" {
		t.Fatalf("NormalizeVIN = %q", got)
	}
}

func TestVehicleValidateYear(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v := Vehicle{ProjectID: "p1", VIN: "1HGCM82633A004352", Year: 2027}
	if err := v.Validate(now); err != nil {
		t.Fatalf("next model year rejected: %v", err)
	}
	v.Year = 2028
	if err := v.Validate(now); err == nil {
		t.Fatalf("expected year error")
	}
	v.Year = 0
	v.ProjectID = ""
	err := v.Validate(now)
	if err == nil || !strings.Contains(err.Error(), "project_id") {
		t.Fatalf("expected project_id error, got %v", err)
	}
}

func TestProjectValidate(t *testing.T) {
	if err := (Project{Name: "  "}).Validate(); err == nil {
		t.Fatalf("expected blank name error")
	}
	if err := (Project{Name: strings.Repeat("x", 121)}).Validate(); err == nil {
		t.Fatalf("expected long name error")
	}
	if err := (Project{Name: "Fleet A"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUserValidate(t *testing.T) {
	u := User{Email: "tech@example.com", Role: RoleTechnician, PasswordHash: "x"}
	if err := u.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	u.Role = "owner"
	if err := u.Validate(); err == nil {
		t.Fatalf("expected role error")
	}
	u.Role = RoleViewer
	u.Email = "not-an-email"
	if err := u.Validate(); err == nil {
		t.Fatalf("expected email error")
	}
}

func TestFaultCodeValidate(t *testing.T) {
	f := FaultCode{VehicleID: "v1", Code: "P0300", Status: FaultStatusActive, Severity: SeverityCritical, Occurrences: 1}
	if err := f.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.Status = "unknown"
	if err := f.Validate(); !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestErrorHelpers(t *testing.T) {
	if !IsNotFound(ErrNotFound{Entity: EntityVehicle, ID: "x"}) {
		t.Fatalf("IsNotFound mismatch")
	}
	err := ErrConflict{Entity: EntityUser, Key: "a@b.c"}
	if !IsConflict(err) || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("unexpected conflict error %v", err)
	}
	withReason := ErrConflict{Entity: EntityProject, Key: "p1", Reason: "has vehicles"}
	if withReason.Error() != "project p1: has vehicles" {
		t.Fatalf("unexpected conflict message %q", withReason.Error())
	}
}

func TestUserEnabledAdmin(t *testing.T) {
	cases := []struct {
		user User
		want bool
	}{
		{User{Role: RoleAdmin}, true},
		{User{Role: RoleAdmin, Disabled: true}, false},
		{User{Role: RoleTechnician}, false},
	}
	for _, tc := range cases {
		if got := tc.user.EnabledAdmin(); got != tc.want {
			t.Fatalf("EnabledAdmin(%+v) = %v, want %v", tc.user, got, tc.want)
		}
	}
	if err := LastAdminConflict("u1"); !IsConflict(err) || !strings.Contains(err.Error(), "last enabled admin") {
		t.Fatalf("unexpected last admin error %v", err)
	}
}
