package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/meshlink-core/internal/infrastructure/config"
)

const testAPIKey = "mesh-api-key-for-tests"

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	hash, err := HashSecret(testAPIKey)
	if err != nil {
		t.Fatalf("HashSecret() error = %v", err)
	}
	a, err := NewAuthenticator(config.SecurityConfig{
		JWT:        config.JWTConfig{Secret: string(testSecret), AccessTokenTTL: 30},
		APIKeyHash: hash,
	})
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}
	return a
}

func TestNewAuthenticator_Disabled(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.SecurityConfig
	}{
		{"no secret", config.SecurityConfig{APIKeyHash: "$argon2id$..."}},
		{"no key hash", config.SecurityConfig{JWT: config.JWTConfig{Secret: string(testSecret)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewAuthenticator(tt.cfg); !errors.Is(err, ErrDisabled) {
				t.Errorf("NewAuthenticator() error = %v, want ErrDisabled", err)
			}
		})
	}
}

func TestNewAuthenticator_BadHash(t *testing.T) {
	_, err := NewAuthenticator(config.SecurityConfig{
		JWT:        config.JWTConfig{Secret: string(testSecret)},
		APIKeyHash: "plaintext",
	})
	if err == nil || errors.Is(err, ErrDisabled) {
		t.Errorf("NewAuthenticator() error = %v, want hash format error", err)
	}
}

func TestIssueToken(t *testing.T) {
	a := newTestAuthenticator(t)
	before := time.Now()

	token, expires, err := a.IssueToken(testAPIKey, "")
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if d := expires.Sub(before); d < 29*time.Minute || d > 31*time.Minute {
		t.Errorf("expiry in %v, want ~30m", d)
	}

	claims, err := a.Verify("Bearer " + token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Role != RoleAdmin || claims.Subject != "api-key" {
		t.Errorf("claims = %+v, want admin api-key", claims)
	}
}

func TestIssueToken_Role(t *testing.T) {
	a := newTestAuthenticator(t)

	token, _, err := a.IssueToken(testAPIKey, RoleViewer)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := a.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Role != RoleViewer {
		t.Errorf("Role = %q, want viewer", claims.Role)
	}

	if _, _, err := a.IssueToken(testAPIKey, "owner"); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("IssueToken(owner) error = %v, want ErrInvalidRole", err)
	}
}

func TestIssueToken_WrongKey(t *testing.T) {
	a := newTestAuthenticator(t)
	if _, _, err := a.IssueToken("guess", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("IssueToken() error = %v, want ErrInvalidCredentials", err)
	}
}

func TestVerify_Rejects(t *testing.T) {
	a := newTestAuthenticator(t)

	other, err := GenerateAccessToken("api-key", RoleAdmin, []byte("some-other-secret"), time.Minute, time.Now())
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	for _, token := range []string{"", "Bearer ", "Bearer junk", other} {
		_, err := a.Verify(token)
		if !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("Verify(%q) error = %v, want ErrTokenInvalid", strings.TrimSpace(token), err)
		}
	}
}
