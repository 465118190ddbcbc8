// Package firmware holds the values handed between the acquisition,
// verification and flashing stages of an installation.
package firmware

// Package is a firmware image together with its detached signature, as
// produced by the acquirer. It is handed to the verifier and never mutated
// afterwards.
type Package struct {
	Image     []byte
	Signature []byte

	// Version is the expected or manifest-declared version. Empty when the
	// source carries no version information; the signed version is used then.
	Version string

	// SHA256 of Image, hex encoded, computed while downloading.
	SHA256 string

	// Source the package was acquired from, for diagnostics.
	Source string
}

// Size returns the image length in bytes.
func (p *Package) Size() int64 {
	if p == nil {
		return 0
	}
	return int64(len(p.Image))
}

// AuthenticatedImage is an image whose signature has been verified against a
// trusted key. Only the verifier constructs it.
type AuthenticatedImage struct {
	Image   []byte
	Version string
	KeyID   string
	SHA256  string
}

// Size returns the image length in bytes.
func (a *AuthenticatedImage) Size() int64 {
	if a == nil {
		return 0
	}
	return int64(len(a.Image))
}
