package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/meshlink-core/internal/infrastructure/config"
)

// tokenSubject is the subject of tokens issued for the API key.
const tokenSubject = "api-key"

// Authenticator exchanges the API key for access tokens and verifies them.
type Authenticator struct {
	secret     []byte
	ttl        time.Duration
	apiKeyHash string
	now        func() time.Time
}

// NewAuthenticator builds an Authenticator from the security config.
// It fails with ErrDisabled when no JWT secret is set.
func NewAuthenticator(cfg config.SecurityConfig) (*Authenticator, error) {
	if cfg.JWT.Secret == "" {
		return nil, ErrDisabled
	}
	if cfg.APIKeyHash == "" {
		return nil, fmt.Errorf("%w: api key hash is not set", ErrDisabled)
	}
	if _, _, _, err := decodePHC(cfg.APIKeyHash); err != nil {
		return nil, fmt.Errorf("api key hash: %w", err)
	}
	return &Authenticator{
		secret:     []byte(cfg.JWT.Secret),
		ttl:        time.Duration(cfg.JWT.AccessTokenTTL) * time.Minute,
		apiKeyHash: cfg.APIKeyHash,
		now:        time.Now,
	}, nil
}

// IssueToken verifies apiKey and returns a token for role and its expiry.
// An empty role means RoleAdmin.
func (a *Authenticator) IssueToken(apiKey string, role Role) (string, time.Time, error) {
	if role == "" {
		role = RoleAdmin
	}
	if !IsValidRole(role) {
		return "", time.Time{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	ok, err := VerifySecret(apiKey, a.apiKeyHash)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("verifying api key: %w", err)
	}
	if !ok {
		return "", time.Time{}, ErrInvalidCredentials
	}

	now := a.now()
	ttl := a.ttl
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	token, err := GenerateAccessToken(tokenSubject, role, a.secret, ttl, now)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, now.Add(ttl), nil
}

// Verify parses a bearer token, with or without its "Bearer " prefix.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if rest, ok := strings.CutPrefix(token, "Bearer "); ok {
		token = strings.TrimSpace(rest)
	}
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrTokenInvalid)
	}
	return ParseToken(token, a.secret)
}
