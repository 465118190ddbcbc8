package storage

import "fmt"

// AcquisitionKind classifies acquisition failures.
type AcquisitionKind int

const (
	// NetworkUnreachable covers connection failures, timeouts and server-side
	// errors. It is the only transient kind.
	NetworkUnreachable AcquisitionKind = iota + 1
	// NotFound means the image or its signature does not exist at the source.
	NotFound
	// Integrity means the bytes arrived but are wrong: size or checksum
	// mismatch, malformed bundle, image too large.
	Integrity
	// LocalStorage means the download cache could not be written.
	LocalStorage
)

func (k AcquisitionKind) String() string {
	switch k {
	case NetworkUnreachable:
		return "network unreachable"
	case NotFound:
		return "not found"
	case Integrity:
		return "integrity check failed"
	case LocalStorage:
		return "local storage error"
	default:
		return fmt.Sprintf("acquisition kind %d", int(k))
	}
}

// AcquisitionError is returned by every failing acquisition step.
type AcquisitionError struct {
	Kind   AcquisitionKind
	Source string
	Err    error
}

func (e *AcquisitionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Source, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Transient reports whether retrying the acquisition may succeed.
func (e *AcquisitionError) Transient() bool {
	return e.Kind == NetworkUnreachable
}

func acqErr(kind AcquisitionKind, src Source, err error) error {
	return &AcquisitionError{Kind: kind, Source: src.String(), Err: err}
}

func acqErrf(kind AcquisitionKind, src Source, format string, args ...any) error {
	return acqErr(kind, src, fmt.Errorf(format, args...))
}
