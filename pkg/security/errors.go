package security

import "fmt"

// VerificationKind classifies why a package was rejected.
type VerificationKind int

const (
	// InvalidSignature means the signature does not verify under the trusted key.
	InvalidSignature VerificationKind = iota + 1
	// UnknownKey means the package was signed by a key other than the trusted one.
	UnknownKey
	// CorruptPackage means the package could not be conclusively checked.
	CorruptPackage
)

func (k VerificationKind) String() string {
	switch k {
	case InvalidSignature:
		return "invalid signature"
	case UnknownKey:
		return "unknown signing key"
	case CorruptPackage:
		return "corrupt package"
	default:
		return fmt.Sprintf("verification kind %d", int(k))
	}
}

// VerificationError is returned for every rejected package. It is never
// retried.
type VerificationError struct {
	Kind   VerificationKind
	Reason string
}

func (e *VerificationError) Error() string {
	if e.Reason == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func reject(kind VerificationKind, format string, args ...any) error {
	return &VerificationError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}
