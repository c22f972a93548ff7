package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"obddash/internal/infra/persistence/storetest"
	"obddash/pkg/domain"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	store, err := NewStore(ctx, filepath.Join(t.TempDir(), "nested", "obddash.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if _, err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return store
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.PersistentStore { return openTemp(t) })
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := openTemp(t)
	ctx := context.Background()
	again, err := store.Migrate(ctx)
	if err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no pending migrations, got %+v", again)
	}
	status, err := store.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("MigrationStatus: %v", err)
	}
	if len(status) == 0 {
		t.Fatalf("expected migration status entries")
	}
	for _, m := range status {
		if m.AppliedAt == nil {
			t.Fatalf("migration %d %s not applied", m.Version, m.Name)
		}
	}
}

func TestStatusBeforeMigrate(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(ctx, filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer func() { _ = store.Close() }()
	status, err := store.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("MigrationStatus: %v", err)
	}
	for _, m := range status {
		if m.AppliedAt != nil {
			t.Fatalf("expected pending migration %d", m.Version)
		}
	}
}

func TestDSNAppendsPragmas(t *testing.T) {
	if got := dsn("a.db"); got != "a.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)" {
		t.Fatalf("unexpected dsn %q", got)
	}
	if got := dsn("file:a.db?cache=shared"); got != "file:a.db?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)" {
		t.Fatalf("unexpected dsn %q", got)
	}
}
