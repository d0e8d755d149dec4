package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

// GenerateAPIKey returns a fresh API key: 32 random bytes, URL-safe
// base64. The plaintext is shown to the caller exactly once; only the
// hash is stored.
func GenerateAPIKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// HashAPIKey returns the hex SHA-256 digest stored in place of the key
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
