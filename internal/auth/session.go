package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrSessionNotFound reports a revoked or expired session.
var ErrSessionNotFound = errors.New("session not found")

// Session ties an access token ID to its user.
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
}

// SessionStore tracks live sessions so tokens can be revoked before expiry.
type SessionStore interface {
	Create(ctx context.Context, s Session) error
	// Lookup returns the live session or ErrSessionNotFound.
	Lookup(ctx context.Context, id string) (Session, error)
	Revoke(ctx context.Context, id string) error
	// RevokeUser drops every session of userID, e.g. after a password reset.
	RevokeUser(ctx context.Context, userID string) error
}

const defaultKeyPrefix = "obddash:"

// RedisSessionStore keeps one key per session with a TTL matching the token
// and a per-user set used for bulk revocation.
type RedisSessionStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisSessionStore wraps client; prefix defaults to "obddash:".
func NewRedisSessionStore(client redis.UniversalClient, prefix string) *RedisSessionStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisSessionStore{client: client, prefix: prefix, now: time.Now}
}

func (r *RedisSessionStore) sessionKey(id string) string { return r.prefix + "session:" + id }
func (r *RedisSessionStore) userKey(userID string) string {
	return r.prefix + "user-sessions:" + userID
}

func (r *RedisSessionStore) Create(ctx context.Context, s Session) error {
	ttl := s.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return fmt.Errorf("session %s already expired", s.ID)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.sessionKey(s.ID), s.UserID, ttl)
	pipe.SAdd(ctx, r.userKey(s.UserID), s.ID)
	pipe.Expire(ctx, r.userKey(s.UserID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (r *RedisSessionStore) Lookup(ctx context.Context, id string) (Session, error) {
	pipe := r.client.Pipeline()
	get := pipe.Get(ctx, r.sessionKey(id))
	ttl := pipe.PTTL(ctx, r.sessionKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("lookup session: %w", err)
	}
	s := Session{ID: id, UserID: get.Val()}
	if d := ttl.Val(); d > 0 {
		s.ExpiresAt = r.now().Add(d)
	}
	return s, nil
}

func (r *RedisSessionStore) Revoke(ctx context.Context, id string) error {
	userID, err := r.client.GetDel(ctx, r.sessionKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if err := r.client.SRem(ctx, r.userKey(userID), id).Err(); err != nil {
		return fmt.Errorf("revoke session index: %w", err)
	}
	return nil
}

func (r *RedisSessionStore) RevokeUser(ctx context.Context, userID string) error {
	ids, err := r.client.SMembers(ctx, r.userKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("list user sessions: %w", err)
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, r.sessionKey(id))
	}
	keys = append(keys, r.userKey(userID))
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("revoke user sessions: %w", err)
	}
	return nil
}

// MemorySessionStore is a process-local SessionStore for single node and test use.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	now      func() time.Time
}

// NewMemorySessionStore returns an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]Session), now: time.Now}
}

func (m *MemorySessionStore) Create(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemorySessionStore) Lookup(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if !s.ExpiresAt.IsZero() && !m.now().Before(s.ExpiresAt) {
		delete(m.sessions, id)
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (m *MemorySessionStore) Revoke(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

func (m *MemorySessionStore) RevokeUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.UserID == userID {
			delete(m.sessions, id)
		}
	}
	return nil
}
