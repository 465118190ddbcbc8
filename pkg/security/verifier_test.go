package security

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motion-ctl/fwinstall/pkg/firmware"
)

func newKeyPair(t *testing.T) (TrustedKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := GenerateKey()
	require.NoError(t, err)
	key, err := NewTrustedKey(pub)
	require.NoError(t, err)
	return key, priv
}

func signedPackage(t *testing.T, priv ed25519.PrivateKey, version string, image []byte) *firmware.Package {
	t.Helper()
	sig, err := Sign(priv, version, image)
	require.NoError(t, err)
	return &firmware.Package{Image: image, Signature: sig, Version: version, Source: "test"}
}

func requireKind(t *testing.T, err error, kind VerificationKind) {
	t.Helper()
	var verr *VerificationError
	require.True(t, errors.As(err, &verr), "expected VerificationError, got %v", err)
	assert.Equal(t, kind, verr.Kind, "error: %v", err)
}

func TestVerify_Valid(t *testing.T) {
	key, priv := newKeyPair(t)
	image := bytes.Repeat([]byte{0xA5}, 4096)

	auth, err := NewVerifier(0).Verify(signedPackage(t, priv, "1.4.0", image), key)
	require.NoError(t, err)
	assert.Equal(t, "1.4.0", auth.Version)
	assert.Equal(t, key.ID, auth.KeyID)
	assert.Equal(t, int64(4096), auth.Size())
	assert.Len(t, auth.SHA256, 64)
}

func TestVerify_UsesSignedVersionWhenUnset(t *testing.T) {
	key, priv := newKeyPair(t)
	pkg := signedPackage(t, priv, "2.0.1", []byte("firmware"))
	pkg.Version = ""

	auth, err := NewVerifier(0).Verify(pkg, key)
	require.NoError(t, err)
	assert.Equal(t, "2.0.1", auth.Version)
}

func TestVerify_Rejections(t *testing.T) {
	key, priv := newKeyPair(t)
	otherKey, otherPriv := newKeyPair(t)
	image := bytes.Repeat([]byte{0x01, 0x02, 0x03}, 1000)

	tests := []struct {
		name  string
		pkg   func() *firmware.Package
		key   TrustedKey
		limit int64
		kind  VerificationKind
	}{
		{
			name: "tampered image",
			pkg: func() *firmware.Package {
				p := signedPackage(t, priv, "1.0.0", image)
				tampered := append([]byte(nil), p.Image...)
				tampered[10] ^= 0xFF
				p.Image = tampered
				return p
			},
			key:  key,
			kind: InvalidSignature,
		},
		{
			name: "signed by another key",
			pkg:  func() *firmware.Package { return signedPackage(t, otherPriv, "1.0.0", image) },
			key:  key,
			kind: UnknownKey,
		},
		{
			name: "well-formed image, forged key id",
			pkg: func() *firmware.Package {
				p := signedPackage(t, otherPriv, "1.0.0", image)
				env, err := DecodeEnvelope(p.Signature)
				require.NoError(t, err)
				env.KeyID = key.ID
				p.Signature, err = cbor.Marshal(env)
				require.NoError(t, err)
				return p
			},
			key:  key,
			kind: InvalidSignature,
		},
		{
			name: "version relabelled",
			pkg: func() *firmware.Package {
				p := signedPackage(t, priv, "1.0.0", image)
				p.Version = "9.9.9"
				return p
			},
			key:  key,
			kind: CorruptPackage,
		},
		{
			name: "garbage signature",
			pkg: func() *firmware.Package {
				p := signedPackage(t, priv, "1.0.0", image)
				p.Signature = []byte("not cbor at all")
				return p
			},
			key:  key,
			kind: CorruptPackage,
		},
		{
			name: "trailing bytes after envelope",
			pkg: func() *firmware.Package {
				p := signedPackage(t, priv, "1.0.0", image)
				p.Signature = append(p.Signature, 0x00)
				return p
			},
			key:  key,
			kind: CorruptPackage,
		},
		{
			name: "missing signature",
			pkg: func() *firmware.Package {
				p := signedPackage(t, priv, "1.0.0", image)
				p.Signature = nil
				return p
			},
			key:  key,
			kind: CorruptPackage,
		},
		{
			name: "empty image",
			pkg:  func() *firmware.Package { return &firmware.Package{Signature: []byte{1}} },
			key:  key,
			kind: CorruptPackage,
		},
		{
			name:  "oversized image",
			pkg:   func() *firmware.Package { return signedPackage(t, priv, "1.0.0", image) },
			key:   key,
			limit: 100,
			kind:  CorruptPackage,
		},
		{
			name: "no trusted key",
			pkg:  func() *firmware.Package { return signedPackage(t, priv, "1.0.0", image) },
			key:  TrustedKey{},
			kind: UnknownKey,
		},
		{
			name: "valid signature for other key is still rejected",
			pkg:  func() *firmware.Package { return signedPackage(t, priv, "1.0.0", image) },
			key:  otherKey,
			kind: UnknownKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth, err := NewVerifier(tt.limit).Verify(tt.pkg(), tt.key)
			require.Error(t, err)
			assert.Nil(t, auth)
			requireKind(t, err, tt.kind)
		})
	}
}

func TestParseTrustedKey(t *testing.T) {
	key, _ := newKeyPair(t)

	parsed, err := ParseTrustedKey(" " + hex.EncodeToString(key.Public) + "\n")
	require.NoError(t, err)
	assert.Equal(t, key.ID, parsed.ID)

	_, err = ParseTrustedKey("")
	assert.Error(t, err)
	_, err = ParseTrustedKey("zz")
	assert.Error(t, err)
	_, err = ParseTrustedKey("abcd")
	assert.Error(t, err)
}

func TestParsePrivateKey(t *testing.T) {
	_, priv := newKeyPair(t)

	fromFull, err := ParsePrivateKey(hex.EncodeToString(priv))
	require.NoError(t, err)
	assert.Equal(t, priv, fromFull)

	fromSeed, err := ParsePrivateKey(hex.EncodeToString(priv.Seed()))
	require.NoError(t, err)
	assert.Equal(t, priv, fromSeed)

	_, err = ParsePrivateKey("0102")
	assert.Error(t, err)
}
