package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) (*RedisSessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSessionStore(client, "test:"), mr
}

func exerciseSessionStore(t *testing.T, store SessionStore) {
	t.Helper()
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)
	for _, s := range []Session{{ID: "a", UserID: "u1", ExpiresAt: exp}, {ID: "b", UserID: "u1", ExpiresAt: exp}, {ID: "c", UserID: "u2", ExpiresAt: exp}} {
		if err := store.Create(ctx, s); err != nil {
			t.Fatalf("Create %s: %v", s.ID, err)
		}
	}
	got, err := store.Lookup(ctx, "a")
	if err != nil || got.UserID != "u1" {
		t.Fatalf("Lookup a: %+v %v", got, err)
	}
	if err := store.Revoke(ctx, "a"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := store.Lookup(ctx, "a"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected revoked session, got %v", err)
	}
	if err := store.Revoke(ctx, "a"); err != nil {
		t.Fatalf("revoking twice must succeed: %v", err)
	}
	if err := store.RevokeUser(ctx, "u1"); err != nil {
		t.Fatalf("RevokeUser: %v", err)
	}
	if _, err := store.Lookup(ctx, "b"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected user sessions revoked, got %v", err)
	}
	if _, err := store.Lookup(ctx, "c"); err != nil {
		t.Fatalf("other users must keep sessions: %v", err)
	}
}

func TestRedisSessionStore(t *testing.T) {
	store, _ := newRedisStore(t)
	exerciseSessionStore(t, store)
}

func TestRedisSessionStoreExpiry(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, Session{ID: "s", UserID: "u", ExpiresAt: time.Now().Add(time.Minute)}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ttl := mr.TTL("test:session:s"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected key ttl near a minute, got %v", ttl)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := store.Lookup(ctx, "s"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected expired session, got %v", err)
	}
	if err := store.Create(ctx, Session{ID: "old", UserID: "u", ExpiresAt: time.Now().Add(-time.Second)}); err == nil {
		t.Fatalf("expected already expired error")
	}
}

func TestRedisSessionStoreUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisSessionStore(client, "")
	if _, err := store.Lookup(context.Background(), "x"); err == nil || errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected connection error, got %v", err)
	}
}

func TestMemorySessionStore(t *testing.T) {
	exerciseSessionStore(t, NewMemorySessionStore())
}

func TestMemorySessionStoreExpiry(t *testing.T) {
	store := NewMemorySessionStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()
	_ = store.Create(ctx, Session{ID: "s", UserID: "u", ExpiresAt: now.Add(time.Minute)})
	store.now = func() time.Time { return now.Add(time.Minute) }
	if _, err := store.Lookup(ctx, "s"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected expired session, got %v", err)
	}
}
