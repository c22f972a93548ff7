package memory

import (
	"context"
	"testing"
	"time"

	"obddash/internal/infra/persistence/storetest"
	"obddash/pkg/domain"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(*testing.T) domain.PersistentStore { return NewStore() })
}

func TestReturnedValuesAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	login := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	u := domain.User{ID: "u1", Email: "a@example.com", Role: domain.RoleViewer, PasswordHash: "x", LastLoginAt: &login}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	got, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	*got.LastLoginAt = login.Add(time.Hour)
	again, _ := s.GetUser(ctx, "u1")
	if !again.LastLoginAt.Equal(login) {
		t.Fatalf("mutating a returned user leaked into the store: %v", again.LastLoginAt)
	}
}

func TestPaginate(t *testing.T) {
	in := []int{1, 2, 3, 4}
	if got := paginate(in, 1, 2); len(got) != 2 || got[0] != 2 {
		t.Fatalf("unexpected page %v", got)
	}
	if got := paginate(in, 9, 0); len(got) != 0 {
		t.Fatalf("expected empty page, got %v", got)
	}
	if got := paginate(in, 0, 0); len(got) != 4 {
		t.Fatalf("expected all items, got %v", got)
	}
}
