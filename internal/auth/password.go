package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for newly hashed secrets.
const (
	argonTime    = 3         // iterations
	argonMemory  = 64 * 1024 // 64 MiB
	argonThreads = 1         // parallelism
	argonKeyLen  = 32        // output hash length
	argonSaltLen = 16        // salt length

	// phcParts is the number of $-delimited fields in a PHC string,
	// counting the empty one before the leading $.
	phcParts = 6

	// maxArgonMemory rejects hashes that would make a verify exhaust memory.
	maxArgonMemory = 1024 * 1024 // 1 GiB
)

var b64 = base64.RawStdEncoding

// HashSecret hashes an API key with Argon2id and returns it in PHC form:
// $argon2id$v=19$m=65536,t=3,p=1$<salt>$<hash>
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("secret is empty")
	}

	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	p := argonParams{time: argonTime, memory: argonMemory, threads: argonThreads}
	return p.encode(salt, p.key(secret, salt, argonKeyLen)), nil
}

// VerifySecret checks secret against a PHC hash produced by HashSecret.
// A malformed hash is an error; a wrong secret is (false, nil).
func VerifySecret(secret, encodedHash string) (bool, error) {
	p, salt, hash, err := decodePHC(encodedHash)
	if err != nil {
		return false, err
	}

	candidate := p.key(secret, salt, uint32(len(hash))) //nolint:gosec // G115: hash length always fits uint32
	return subtle.ConstantTimeCompare(hash, candidate) == 1, nil
}

type argonParams struct {
	time    uint32
	memory  uint32
	threads uint8
}

func (p argonParams) key(secret string, salt []byte, keyLen uint32) []byte {
	return argon2.IDKey([]byte(secret), salt, p.time, p.memory, p.threads, keyLen)
}

func (p argonParams) encode(salt, hash []byte) string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.time, p.threads,
		b64.EncodeToString(salt), b64.EncodeToString(hash))
}

// decodePHC parses an Argon2id PHC string.
func decodePHC(encoded string) (p argonParams, salt, hash []byte, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != phcParts || parts[0] != "" {
		return p, nil, nil, fmt.Errorf("invalid PHC hash format")
	}
	if parts[1] != "argon2id" {
		return p, nil, nil, fmt.Errorf("unsupported algorithm: %s", parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil { //nolint:govet // shadow
		return p, nil, nil, fmt.Errorf("parsing version: %w", err)
	}
	if version != argon2.Version {
		return p, nil, nil, fmt.Errorf("unsupported argon2 version %d", version)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil { //nolint:govet // shadow
		return p, nil, nil, fmt.Errorf("parsing parameters: %w", err)
	}
	if p.time == 0 || p.threads == 0 || p.memory == 0 || p.memory > maxArgonMemory {
		return p, nil, nil, fmt.Errorf("argon2 parameters out of range")
	}

	if salt, err = b64.DecodeString(parts[4]); err != nil {
		return p, nil, nil, fmt.Errorf("decoding salt: %w", err)
	}
	if hash, err = b64.DecodeString(parts[5]); err != nil {
		return p, nil, nil, fmt.Errorf("decoding hash: %w", err)
	}
	if len(hash) == 0 {
		return p, nil, nil, fmt.Errorf("empty hash")
	}
	return p, salt, hash, nil
}
