package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// keyIDSize is the number of BLAKE3 digest bytes kept in a key ID.
const keyIDSize = 8

// TrustedKey is a public key the installer accepts firmware signatures from.
type TrustedKey struct {
	Public ed25519.PublicKey
	ID     string
}

// KeyID derives the short identifier embedded in signature envelopes.
func KeyID(pub ed25519.PublicKey) string {
	sum := blake3.Sum256(pub)
	return hex.EncodeToString(sum[:keyIDSize])
}

// NewTrustedKey wraps an Ed25519 public key.
func NewTrustedKey(pub ed25519.PublicKey) (TrustedKey, error) {
	if len(pub) != ed25519.PublicKeySize {
		return TrustedKey{}, fmt.Errorf("trusted key has wrong length: got %d bytes, want %d", len(pub), ed25519.PublicKeySize)
	}
	return TrustedKey{Public: pub, ID: KeyID(pub)}, nil
}

// ParseTrustedKey decodes a hex-encoded Ed25519 public key.
func ParseTrustedKey(s string) (TrustedKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TrustedKey{}, fmt.Errorf("trusted key is empty")
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return TrustedKey{}, fmt.Errorf("hex-decoding trusted key: %w", err)
	}

	return NewTrustedKey(ed25519.PublicKey(raw))
}

// ParsePrivateKey decodes a hex-encoded Ed25519 private key (64 bytes) or seed (32 bytes).
func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("hex-decoding private key: %w", err)
	}

	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("private key has wrong length: got %d bytes, want %d or %d",
			len(raw), ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}

// GenerateKey creates a new signing key pair.
func GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}
