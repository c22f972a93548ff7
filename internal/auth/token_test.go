package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"obddash/pkg/domain"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestTokens(t *testing.T, now time.Time) *TokenManager {
	t.Helper()
	m, err := NewTokenManager(TokenConfig{Secret: testSecret, TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	m.now = func() time.Time { return now }
	return m
}

func TestTokenIssueAndParse(t *testing.T) {
	now := time.Now()
	m := newTestTokens(t, now)
	user := domain.User{ID: "u1", Role: domain.RoleTechnician}
	signed, claims, err := m.Issue(user, "s1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if claims.ExpiresAt.Unix() != now.Add(time.Hour).Unix() {
		t.Fatalf("unexpected expiry %v", claims.ExpiresAt)
	}
	parsed, err := m.Parse(signed)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Subject != "u1" || parsed.ID != "s1" || parsed.Role != domain.RoleTechnician || parsed.Issuer != "obddash" {
		t.Fatalf("unexpected claims %+v", parsed)
	}
}

func TestTokenParseRejects(t *testing.T) {
	now := time.Now()
	m := newTestTokens(t, now)
	user := domain.User{ID: "u1", Role: domain.RoleAdmin}
	signed, _, err := m.Issue(user, "s1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	expired := newTestTokens(t, now.Add(2*time.Hour))
	if _, err := expired.Parse(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token rejection, got %v", err)
	}

	other, err := NewTokenManager(TokenConfig{Secret: testSecret, TTL: time.Hour, Issuer: "someone-else"})
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	if _, err := other.Parse(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected issuer rejection, got %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: domain.RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{
		Subject: "u1", ID: "s1", Issuer: "obddash", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := m.Parse(unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected alg none rejection, got %v", err)
	}

	tampered := signed[:len(signed)-2] + "xx"
	if _, err := m.Parse(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected signature rejection, got %v", err)
	}
}

func TestNewTokenManagerValidation(t *testing.T) {
	if _, err := NewTokenManager(TokenConfig{Secret: []byte("short"), TTL: time.Hour}); err == nil || !strings.Contains(err.Error(), "32 bytes") {
		t.Fatalf("expected short secret error, got %v", err)
	}
	if _, err := NewTokenManager(TokenConfig{Secret: testSecret}); err == nil {
		t.Fatalf("expected ttl error")
	}
	if _, err := NewTokenManager(TokenConfig{Secret: testSecret, TTL: time.Hour, Leeway: time.Hour}); err == nil {
		t.Fatalf("expected leeway error")
	}
}
