package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// WireGuardKeypair holds a Curve25519 keypair in the standard
// 44-character base64 encoding
type WireGuardKeypair struct {
	PrivateKey string
	PublicKey  string
}

// GenerateWireGuardKeypair creates a fresh Curve25519 keypair.
// The private key is clamped per the X25519 convention before the
// public key is derived.
func GenerateWireGuardKeypair() (*WireGuardKeypair, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	// Clamp
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	return &WireGuardKeypair{
		PrivateKey: base64.StdEncoding.EncodeToString(priv[:]),
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
	}, nil
}

// ValidateWireGuardKey checks that s is a well-formed WireGuard key:
// base64 decoding to exactly 32 bytes
func ValidateWireGuardKey(s string) error {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid key encoding: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("invalid key length: %d bytes", len(raw))
	}
	return nil
}
