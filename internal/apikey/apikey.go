// Package apikey implements the credential scheme backing the Auth/Quota
// Hook's reference implementation (spec component G): a bcrypt-hashed,
// cryptographically random API key, suitable for service-to-service auth
// where there is no interactive login.
//
// Adapted from the teacher's internal/auth/agent_apikey.go, generalized
// from "agent" to "client" vocabulary; the scheme itself (32 random bytes,
// hex-encoded, bcrypt cost 12) is unchanged.
package apikey

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	// KeyLength is the length of generated API keys in bytes.
	KeyLength = 32

	// BcryptCost is the bcrypt hashing cost factor.
	BcryptCost = 12
)

// Generate returns a 64-character hexadecimal API key.
func Generate() (string, error) {
	b := make([]byte, KeyLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("apikey: generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Hash bcrypt-hashes a plaintext key for storage.
func Hash(key string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(key), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("apikey: hash: %w", err)
	}
	return string(b), nil
}

// Compare reports whether key matches hash.
func Compare(key, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// Metadata bundles a freshly generated key with its hash, for the caller to
// display the plaintext exactly once and persist only the hash.
type Metadata struct {
	PlaintextKey string
	Hash         string
	CreatedAt    time.Time
}

// GenerateWithMetadata generates a key and returns both forms.
func GenerateWithMetadata() (*Metadata, error) {
	key, err := Generate()
	if err != nil {
		return nil, err
	}
	hash, err := Hash(key)
	if err != nil {
		return nil, err
	}
	return &Metadata{PlaintextKey: key, Hash: hash, CreatedAt: time.Now()}, nil
}

// ValidateFormat checks that key has the expected length and encoding.
func ValidateFormat(key string) error {
	if len(key) != KeyLength*2 {
		return fmt.Errorf("apikey: must be %d characters, got %d", KeyLength*2, len(key))
	}
	if _, err := hex.DecodeString(key); err != nil {
		return fmt.Errorf("apikey: must be hexadecimal: %w", err)
	}
	return nil
}
