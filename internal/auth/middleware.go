// Package auth implements password hashing, access tokens, revocable sessions
// and the role checks enforced by the HTTP API.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"obddash/pkg/domain"
)

// Principal is the authenticated caller attached to a request context.
type Principal struct {
	UserID    string      `json:"user_id"`
	Role      domain.Role `json:"role"`
	SessionID string      `json:"session_id"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// Can reports whether the principal's role grants perm.
func (p Principal) Can(perm Permission) bool { return Allows(p.Role, perm) }

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by Authenticate.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Token is returned to clients after a successful login.
type Token struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresAt   time.Time   `json:"expires_at"`
	User        domain.User `json:"user"`
}

// Manager issues sessions and guards HTTP handlers.
type Manager struct {
	tokens   *TokenManager
	sessions SessionStore
	log      *zap.Logger
}

// NewManager wires the token manager and session store.
func NewManager(tokens *TokenManager, sessions SessionStore, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{tokens: tokens, sessions: sessions, log: log.With(zap.String("component", "auth"))}
}

// Login opens a session for an already authenticated user.
func (m *Manager) Login(ctx context.Context, user domain.User) (Token, error) {
	sessionID := uuid.NewString()
	signed, claims, err := m.tokens.Issue(user, sessionID)
	if err != nil {
		return Token{}, err
	}
	expires := claims.ExpiresAt.Time
	if err := m.sessions.Create(ctx, Session{ID: sessionID, UserID: user.ID, ExpiresAt: expires}); err != nil {
		return Token{}, err
	}
	return Token{AccessToken: signed, TokenType: "Bearer", ExpiresAt: expires, User: user}, nil
}

// Logout revokes the principal's session.
func (m *Manager) Logout(ctx context.Context, p Principal) error {
	return m.sessions.Revoke(ctx, p.SessionID)
}

// RevokeUser ends every session of userID.
func (m *Manager) RevokeUser(ctx context.Context, userID string) error {
	return m.sessions.RevokeUser(ctx, userID)
}

// Verify checks a raw token and its session.
func (m *Manager) Verify(ctx context.Context, raw string) (Principal, error) {
	claims, err := m.tokens.Parse(raw)
	if err != nil {
		return Principal{}, err
	}
	session, err := m.sessions.Lookup(ctx, claims.ID)
	if err != nil {
		return Principal{}, err
	}
	if session.UserID != claims.Subject {
		return Principal{}, fmt.Errorf("%w: session subject mismatch", ErrInvalidToken)
	}
	return Principal{
		UserID:    claims.Subject,
		Role:      claims.Role,
		SessionID: claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Authenticate rejects requests without a valid bearer token and session.
// Websocket upgrades may pass the token as ?access_token= instead.
func (m *Manager) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeAuthError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		p, err := m.Verify(r.Context(), raw)
		if err != nil {
			if !errors.Is(err, ErrInvalidToken) && !errors.Is(err, ErrSessionNotFound) {
				m.log.Error("verify token", zap.Error(err))
			}
			writeAuthError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// Require returns middleware that answers 403 when the principal lacks perm.
func (m *Manager) Require(perm Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FromContext(r.Context())
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "unauthenticated")
				return
			}
			if !p.Can(perm) {
				writeAuthError(w, http.StatusForbidden, fmt.Sprintf("role %s may not %s", p.Role, perm))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
