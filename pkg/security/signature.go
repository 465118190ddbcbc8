package security

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// AlgorithmEd25519 is the only signature algorithm accepted.
const AlgorithmEd25519 = "ed25519"

const signingContext = "fwinstall-image-v1"

// Envelope is the detached signature blob distributed next to an image.
// It is CBOR encoded with integer map keys.
type Envelope struct {
	Algorithm string `cbor:"1,keyasint"`
	KeyID     string `cbor:"2,keyasint"`
	Version   string `cbor:"3,keyasint"`
	Signature []byte `cbor:"4,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxArrayElements:  16,
		MaxMapPairs:       16,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// signedMessage binds the version to the image digest.
func signedMessage(version string, image []byte) []byte {
	digest := sha256.Sum256(image)
	msg := make([]byte, 0, len(signingContext)+len(version)+2+len(digest))
	msg = append(msg, signingContext...)
	msg = append(msg, 0)
	msg = append(msg, version...)
	msg = append(msg, 0)
	msg = append(msg, digest[:]...)
	return msg
}

// Sign produces a detached signature envelope for image.
func Sign(priv ed25519.PrivateKey, version string, image []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key has wrong length: got %d bytes, want %d", len(priv), ed25519.PrivateKeySize)
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("refusing to sign empty image")
	}

	pub := priv.Public().(ed25519.PublicKey)
	env := Envelope{
		Algorithm: AlgorithmEd25519,
		KeyID:     KeyID(pub),
		Version:   version,
		Signature: ed25519.Sign(priv, signedMessage(version, image)),
	}

	blob, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding signature envelope: %w", err)
	}
	return blob, nil
}

// DecodeEnvelope parses a signature blob. Unknown fields, duplicate keys and
// trailing bytes are errors.
func DecodeEnvelope(blob []byte) (*Envelope, error) {
	var env Envelope
	if err := decMode.Unmarshal(blob, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
