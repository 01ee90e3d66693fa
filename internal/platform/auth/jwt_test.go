package auth

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func fixedManager(ttl time.Duration) (Manager, time.Time) {
	m := NewManager("secret", ttl)
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return now }
	return m, now
}

func TestManager_SignAndParse(t *testing.T) {
	m, _ := fixedManager(time.Hour)
	tok, err := m.Sign("dashboard", ScopeWrite)
	if err != nil {
		t.Fatalf("Sign error: %v", err)
	}
	claims, err := m.Parse(tok)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if claims.Subject != "dashboard" || !claims.Allows(ScopeWrite) || !claims.Allows(ScopeRead) {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestClaimsAllows(t *testing.T) {
	read := Claims{Scopes: []string{ScopeRead}}
	if !read.Allows(ScopeRead) || read.Allows(ScopeWrite) {
		t.Fatalf("read scope checks wrong: %+v", read)
	}
}

func TestManager_ParseExpired(t *testing.T) {
	m, now := fixedManager(time.Second)
	tok, err := m.Sign("dashboard", ScopeRead)
	if err != nil {
		t.Fatalf("Sign error: %v", err)
	}
	m.Now = func() time.Time { return now.Add(2 * time.Second) }
	if _, err := m.Parse(tok); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestManager_ParseRejectsTampering(t *testing.T) {
	m, _ := fixedManager(time.Hour)
	tok, err := m.Sign("dashboard", ScopeRead)
	if err != nil {
		t.Fatalf("Sign error: %v", err)
	}
	parts := strings.Split(tok, ".")
	forged := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"dashboard","scp":["agent:write"],"exp":9999999999}`))

	tests := map[string]string{
		"forged payload": parts[0] + "." + forged + "." + parts[2],
		"two segments":   parts[0] + "." + parts[1],
		"bad signature":  parts[0] + "." + parts[1] + ".!!",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := m.Parse(token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}

	other := NewManager("other", time.Hour)
	other.Now = m.Now
	if _, err := other.Parse(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token verified with wrong secret")
	}
}

func TestManager_SignRequiresSubjectAndScope(t *testing.T) {
	m, _ := fixedManager(time.Hour)
	if _, err := m.Sign("", ScopeRead); err == nil {
		t.Fatalf("expected error for empty subject")
	}
	if _, err := m.Sign("dashboard"); err == nil {
		t.Fatalf("expected error without scopes")
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":  "abc",
		"bearer  abc": "abc",
		"Basic abc":   "",
		"abc":         "",
		"":            "",
	}
	for header, want := range tests {
		if got := BearerToken(header); got != want {
			t.Fatalf("BearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}
