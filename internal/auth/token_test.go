package auth

import (
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	tm := NewTokenManager("secret", 30)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tm.now = func() time.Time { return now }

	token, expiresAt, err := tm.GenerateToken("1234", RoleOperator)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if !expiresAt.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("expiresAt = %v", expiresAt)
	}

	claims, err := tm.ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "1234" || claims.Role != RoleOperator {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestTokenExpires(t *testing.T) {
	tm := NewTokenManager("secret", 1)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tm.now = func() time.Time { return now }

	token, _, err := tm.GenerateToken("1234", RoleViewer)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := tm.ParseToken(token); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestTokenRejectsForeignSecret(t *testing.T) {
	token, _, err := NewTokenManager("one", 5).GenerateToken("1234", RoleViewer)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if _, err := NewTokenManager("two", 5).ParseToken(token); err == nil {
		t.Fatal("token signed with another secret accepted")
	}
}

func TestGenerateTokenValidatesInput(t *testing.T) {
	tm := NewTokenManager("secret", 5)
	if _, _, err := tm.GenerateToken("", RoleViewer); err == nil {
		t.Error("empty subject accepted")
	}
	if _, _, err := tm.GenerateToken("1234", Role("admin")); err == nil {
		t.Error("unknown role accepted")
	}
}

func TestParseRole(t *testing.T) {
	if role, err := ParseRole("operator"); err != nil || role != RoleOperator {
		t.Fatalf("ParseRole(operator) = %v, %v", role, err)
	}
	if _, err := ParseRole("root"); err == nil {
		t.Fatal("unknown role parsed")
	}
}
