package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"obddash/pkg/domain"
)

func TestCreateUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	u, err := h.svc.CreateUser(ctx, NewUser{Email: " Ana@Example.COM ", Name: " Ana ", Password: "correct horse"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.Email != "ana@example.com" || u.Name != "Ana" || u.Role != domain.RoleViewer {
		t.Fatalf("unexpected user %+v", u)
	}
	if u.PasswordHash == "" || u.PasswordHash == "correct horse" {
		t.Fatalf("password must be stored hashed")
	}

	cases := []struct {
		name  string
		in    NewUser
		field string
	}{
		{"short password", NewUser{Email: "b@example.com", Password: "short"}, "password"},
		{"long password", NewUser{Email: "b@example.com", Password: strings.Repeat("x", 73)}, "password"},
		{"bad email", NewUser{Email: "nobody", Password: "long enough"}, "email"},
		{"bad role", NewUser{Email: "b@example.com", Role: "root", Password: "long enough"}, "role"},
	}
	for _, tc := range cases {
		_, err := h.svc.CreateUser(ctx, tc.in)
		var verr domain.ValidationError
		if !errors.As(err, &verr) || verr.Field != tc.field {
			t.Fatalf("%s: expected validation error on %s, got %v", tc.name, tc.field, err)
		}
	}
	// Eight characters counted as runes, not bytes.
	if _, err := h.svc.CreateUser(ctx, NewUser{Email: "c@example.com", Password: "ñññññññ"}); !domain.IsValidation(err) {
		t.Fatalf("seven runes must be rejected, got %v", err)
	}
	if _, err := h.svc.CreateUser(ctx, NewUser{Email: "ANA@example.com", Password: "another one"}); !domain.IsConflict(err) {
		t.Fatalf("expected duplicate email conflict, got %v", err)
	}
}

func TestLastAdminIsProtected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	admin, err := h.svc.CreateUser(ctx, NewUser{Email: "admin@example.com", Role: domain.RoleAdmin, Password: "password1"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	viewer := domain.RoleViewer
	yes := true
	if _, err := h.svc.UpdateUser(ctx, admin.ID, UserUpdate{Role: &viewer}); !domain.IsConflict(err) {
		t.Fatalf("demoting the last admin must conflict, got %v", err)
	}
	if _, err := h.svc.UpdateUser(ctx, admin.ID, UserUpdate{Disabled: &yes}); !domain.IsConflict(err) {
		t.Fatalf("disabling the last admin must conflict, got %v", err)
	}
	if err := h.svc.DeleteUser(ctx, admin.ID); !domain.IsConflict(err) {
		t.Fatalf("deleting the last admin must conflict, got %v", err)
	}

	second, err := h.svc.CreateUser(ctx, NewUser{Email: "second@example.com", Role: domain.RoleAdmin, Password: "password2"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	h.clock.Advance(time.Minute)
	updated, err := h.svc.UpdateUser(ctx, admin.ID, UserUpdate{Role: &viewer})
	if err != nil {
		t.Fatalf("demote with another admin: %v", err)
	}
	if updated.Role != domain.RoleViewer || !updated.UpdatedAt.Equal(fixedNow.Add(time.Minute)) {
		t.Fatalf("unexpected update %+v", updated)
	}
	if err := h.svc.DeleteUser(ctx, second.ID); !domain.IsConflict(err) {
		t.Fatalf("second admin is now the last one, got %v", err)
	}
	if err := h.svc.DeleteUser(ctx, admin.ID); err != nil {
		t.Fatalf("deleting a viewer: %v", err)
	}
	users, err := h.svc.ListUsers(ctx)
	if err != nil || len(users) != 1 || users[0].ID != second.ID {
		t.Fatalf("ListUsers: %+v %v", users, err)
	}
}

func TestAuthenticate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u, err := h.svc.CreateUser(ctx, NewUser{Email: "tech@example.com", Role: domain.RoleTechnician, Password: "wrench-123"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	h.clock.Advance(time.Hour)
	got, err := h.svc.Authenticate(ctx, "TECH@example.com", "wrench-123")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.ID != u.ID || got.LastLoginAt == nil || !got.LastLoginAt.Equal(fixedNow.Add(time.Hour)) {
		t.Fatalf("expected stamped login, got %+v", got)
	}
	stored, err := h.svc.GetUser(ctx, u.ID)
	if err != nil || stored.LastLoginAt == nil {
		t.Fatalf("last login not persisted: %+v %v", stored, err)
	}

	for _, tc := range []struct{ email, password string }{
		{"tech@example.com", "wrong-password"},
		{"nobody@example.com", "wrench-123"},
	} {
		if _, err := h.svc.Authenticate(ctx, tc.email, tc.password); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("%s: expected invalid credentials, got %v", tc.email, err)
		}
	}

	yes := true
	if _, err := h.svc.UpdateUser(ctx, u.ID, UserUpdate{Disabled: &yes}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := h.svc.Authenticate(ctx, "tech@example.com", "wrench-123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("disabled account must not log in, got %v", err)
	}

	if err := h.svc.ResetPassword(ctx, u.ID, "tiny"); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	no := false
	if _, err := h.svc.UpdateUser(ctx, u.ID, UserUpdate{Disabled: &no}); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := h.svc.ResetPassword(ctx, u.ID, "new-password"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	if _, err := h.svc.Authenticate(ctx, "tech@example.com", "new-password"); err != nil {
		t.Fatalf("login with reset password: %v", err)
	}
	if h.logs.FilterMessage("operation failed").Len() != 0 {
		t.Fatalf("credential failures must not be logged as errors")
	}
}

func TestBootstrapAdmin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, _, err := h.svc.BootstrapAdmin(ctx, "", ""); err == nil {
		t.Fatalf("expected error without credentials")
	}
	u, created, err := h.svc.BootstrapAdmin(ctx, "root@example.com", "bootstrap-pw")
	if err != nil || !created {
		t.Fatalf("BootstrapAdmin: created=%v err=%v", created, err)
	}
	if u.Role != domain.RoleAdmin {
		t.Fatalf("expected admin role, got %s", u.Role)
	}
	_, created, err = h.svc.BootstrapAdmin(ctx, "other@example.com", "bootstrap-pw")
	if err != nil || created {
		t.Fatalf("second bootstrap must be a no-op: created=%v err=%v", created, err)
	}
}
