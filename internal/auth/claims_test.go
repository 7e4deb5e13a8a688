package auth

import (
	"errors"
	"testing"
	"time"
)

var testSecret = []byte("test-secret-key-for-jwt-signing-32b")

func TestGenerateAndParseAccessToken(t *testing.T) {
	token, err := GenerateAccessToken("api-key", RoleOperator, testSecret, 15*time.Minute, time.Now())
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	if token == "" {
		t.Fatal("GenerateAccessToken() returned empty token")
	}

	claims, err := ParseToken(token, testSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "api-key" {
		t.Errorf("Subject = %q, want %q", claims.Subject, "api-key")
	}
	if claims.Role != RoleOperator {
		t.Errorf("Role = %q, want %q", claims.Role, RoleOperator)
	}
	if claims.ID == "" {
		t.Error("JTI (ID) should not be empty")
	}
}

func TestParseToken_WrongSecret(t *testing.T) {
	token, err := GenerateAccessToken("api-key", RoleViewer, []byte("correct-secret"), time.Minute, time.Now())
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	if _, err := ParseToken(token, []byte("wrong-secret")); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("ParseToken() error = %v, want ErrTokenInvalid", err)
	}
}

func TestParseToken_Expired(t *testing.T) {
	issued := time.Now().Add(-time.Hour)
	token, err := GenerateAccessToken("api-key", RoleAdmin, testSecret, time.Minute, issued)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	if _, err := ParseToken(token, testSecret); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("ParseToken() error = %v, want ErrTokenInvalid for expired token", err)
	}
}

func TestParseToken_Malformed(t *testing.T) {
	for _, token := range []string{"", "abc.def", "not-a-valid-jwt"} {
		if _, err := ParseToken(token, testSecret); err == nil {
			t.Errorf("ParseToken(%q) error = nil", token)
		}
	}
}

func TestParseToken_UnknownRole(t *testing.T) {
	token, err := GenerateAccessToken("api-key", Role("root"), testSecret, time.Minute, time.Now())
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	if _, err := ParseToken(token, testSecret); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("ParseToken() error = %v, want ErrTokenInvalid", err)
	}
}

func TestGenerateAccessToken_DefaultTTL(t *testing.T) {
	now := time.Now()
	token, err := GenerateAccessToken("api-key", RoleViewer, testSecret, 0, now)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	claims, err := ParseToken(token, testSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}

	diff := claims.ExpiresAt.Time.Sub(now.Add(DefaultTokenTTL))
	if diff < -time.Second || diff > time.Second {
		t.Errorf("default TTL expiry off by %v", diff)
	}
}

func TestGenerateAPIKey(t *testing.T) {
	a, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey() error = %v", err)
	}
	if len(a) != 64 {
		t.Errorf("len(GenerateAPIKey()) = %d, want 64 hex chars", len(a))
	}
	b, _ := GenerateAPIKey()
	if a == b {
		t.Error("two api keys should be unique")
	}
}
