package security

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"github.com/motion-ctl/fwinstall/pkg/firmware"
)

// Verifier authenticates firmware packages before any device interaction.
// It has no side effects and fails closed: anything it cannot conclusively
// verify is rejected.
type Verifier struct {
	maxImageSize int64
}

// NewVerifier creates a verifier rejecting images larger than maxImageSize.
// A non-positive limit disables the size check.
func NewVerifier(maxImageSize int64) *Verifier {
	return &Verifier{maxImageSize: maxImageSize}
}

// Verify checks pkg against key and returns the authenticated image.
func (v *Verifier) Verify(pkg *firmware.Package, key TrustedKey) (*firmware.AuthenticatedImage, error) {
	if pkg == nil || len(pkg.Image) == 0 {
		return nil, reject(CorruptPackage, "package has no image")
	}
	if v.maxImageSize > 0 && int64(len(pkg.Image)) > v.maxImageSize {
		return nil, reject(CorruptPackage, "image size %d exceeds max %d", len(pkg.Image), v.maxImageSize)
	}
	if len(pkg.Signature) == 0 {
		return nil, reject(CorruptPackage, "package has no signature")
	}
	if len(key.Public) != ed25519.PublicKeySize {
		return nil, reject(UnknownKey, "no usable trusted key configured")
	}

	env, err := DecodeEnvelope(pkg.Signature)
	if err != nil {
		slog.Warn("signature_envelope_invalid", "source", pkg.Source, "error", err)
		return nil, reject(CorruptPackage, "malformed signature: %v", err)
	}
	if env.Algorithm != AlgorithmEd25519 {
		return nil, reject(CorruptPackage, "unsupported signature algorithm %q", env.Algorithm)
	}
	if len(env.Signature) != ed25519.SignatureSize {
		return nil, reject(CorruptPackage, "signature has %d bytes, want %d", len(env.Signature), ed25519.SignatureSize)
	}

	trustedID := key.ID
	if trustedID == "" {
		trustedID = KeyID(key.Public)
	}
	if env.KeyID != trustedID {
		slog.Warn("signature_unknown_key", "source", pkg.Source, "key_id", env.KeyID, "trusted_key_id", trustedID)
		return nil, reject(UnknownKey, "signed by key %s, trusted key is %s", env.KeyID, trustedID)
	}

	if pkg.Version != "" && pkg.Version != env.Version {
		return nil, reject(CorruptPackage, "package version %q does not match signed version %q", pkg.Version, env.Version)
	}

	if !ed25519.Verify(key.Public, signedMessage(env.Version, pkg.Image), env.Signature) {
		slog.Warn("signature_mismatch", "source", pkg.Source, "key_id", env.KeyID)
		return nil, reject(InvalidSignature, "signature does not match image")
	}

	digest := sha256.Sum256(pkg.Image)
	sum := hex.EncodeToString(digest[:])
	if pkg.SHA256 != "" && pkg.SHA256 != sum {
		return nil, reject(CorruptPackage, "image digest changed after download")
	}

	slog.Info("signature_verified", "source", pkg.Source, "version", env.Version, "key_id", env.KeyID)

	return &firmware.AuthenticatedImage{
		Image:   pkg.Image,
		Version: env.Version,
		KeyID:   env.KeyID,
		SHA256:  sum,
	}, nil
}
