package auth

import (
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestBcryptHasherRoundTrip(t *testing.T) {
	h := NewBcryptHasher(bcrypt.MinCost)
	hash, err := h.Hash("correct horse")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if hash == "correct horse" {
		t.Fatalf("hash must not equal the password")
	}
	if err := h.Compare(hash, "correct horse"); err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if err := h.Compare(hash, "wrong horse"); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := h.Compare("not-a-hash", "x"); err == nil || errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("expected malformed hash error, got %v", err)
	}
}

func TestNewBcryptHasherClampsCost(t *testing.T) {
	cases := map[int]int{0: bcrypt.DefaultCost, 1: bcrypt.MinCost, 99: bcrypt.MaxCost, 11: 11}
	for in, want := range cases {
		if got := NewBcryptHasher(in).Cost(); got != want {
			t.Fatalf("NewBcryptHasher(%d).Cost() = %d, want %d", in, got, want)
		}
	}
}

func TestRolePermissions(t *testing.T) {
	if !Allows("viewer", PermRead) || Allows("viewer", PermWrite) {
		t.Fatalf("viewer must read but not write")
	}
	if !Allows("technician", PermImport) || Allows("technician", PermUsers) {
		t.Fatalf("technician must import but not manage users")
	}
	for _, p := range []Permission{PermRead, PermWrite, PermImport, PermReports, PermUsers} {
		if !Allows("admin", p) {
			t.Fatalf("admin lacks %s", p)
		}
	}
	if len(Permissions("ghost")) != 0 {
		t.Fatalf("unknown role must have no permissions")
	}
}
