package auth

import (
	"testing"
	"time"
)

// ─── API key hashing (Argon2id, intentionally slow) ─────────────────

func BenchmarkVerifySecret(b *testing.B) {
	hash, err := HashSecret("correct-horse-battery-staple")
	if err != nil {
		b.Fatalf("HashSecret: %v", err)
	}

	b.ResetTimer()
	for b.Loop() {
		VerifySecret("correct-horse-battery-staple", hash) //nolint:errcheck // benchmark
	}
}

// ─── JWT tokens (per-request hot path) ──────────────────────────────

func BenchmarkParseToken(b *testing.B) {
	token, err := GenerateAccessToken("api-key", RoleAdmin, testSecret, 15*time.Minute, time.Now())
	if err != nil {
		b.Fatalf("GenerateAccessToken: %v", err)
	}

	b.ResetTimer()
	for b.Loop() {
		ParseToken(token, testSecret) //nolint:errcheck // benchmark
	}
}
