package device

import (
	"errors"
	"fmt"
)

// ErrHandleBusy is returned when a handle is already held by another run.
var ErrHandleBusy = errors.New("device handle is in use by another installation")

// ErrHandleWedged is returned for every transaction after a write to the
// port stalled past its deadline. The stalled write may still complete, so
// the port is no longer safe to frame on; reopen the device.
var ErrHandleWedged = errors.New("device handle retired after a stalled write")

// ProtocolKind classifies device protocol failures.
type ProtocolKind int

const (
	// Unresponsive means the device did not answer within the deadline.
	Unresponsive ProtocolKind = iota + 1
	// ModeRefused means the bootloader rejected the mode switch.
	ModeRefused
	// Transport covers write, restart and framing failures.
	Transport
)

func (k ProtocolKind) String() string {
	switch k {
	case Unresponsive:
		return "device not responding"
	case ModeRefused:
		return "flash mode refused"
	case Transport:
		return "transport error"
	default:
		return fmt.Sprintf("protocol kind %d", int(k))
	}
}

// ProtocolError is returned by Link operations.
type ProtocolError struct {
	Op     string
	Kind   ProtocolKind
	Status byte // device status code, zero when the failure happened before a reply
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Status != StatusSuccess {
		msg += fmt.Sprintf(" (%s, 0x%02X)", statusName(e.Status), e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func statusName(code byte) string {
	switch code {
	case StatusSuccess:
		return "success"
	case StatusAlreadyInFlashMode:
		return "already in flash mode"
	case StatusLength:
		return "invalid length"
	case StatusData:
		return "invalid data"
	case StatusCommand:
		return "unrecognized command"
	case StatusKey:
		return "invalid key"
	case StatusChecksum:
		return "checksum mismatch"
	case StatusOffset:
		return "write offset out of range"
	default:
		return "unknown status"
	}
}
