package installer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/motion-ctl/fwinstall/pkg/device"
	"github.com/motion-ctl/fwinstall/pkg/flasher"
	"github.com/motion-ctl/fwinstall/pkg/security"
	"github.com/motion-ctl/fwinstall/pkg/storage"
)

var (
	// ErrCancelled ends a run stopped by Cancel.
	ErrCancelled = errors.New("cancelled by user")
	// ErrNotTerminal is returned by Close before the run reached DONE or ERROR.
	ErrNotTerminal = errors.New("installation is still running")
)

// RestartTimeoutError means the board accepted the restart but never
// acknowledged booting.
type RestartTimeoutError struct {
	Timeout time.Duration
}

func (e *RestartTimeoutError) Error() string {
	return fmt.Sprintf("device did not acknowledge boot within %s", e.Timeout)
}

// Describe turns a run failure into the message shown with the ERROR state.
func Describe(err error) string {
	if err == nil {
		return ""
	}

	var (
		acqErr      *storage.AcquisitionError
		verifyErr   *security.VerificationError
		protoErr    *device.ProtocolError
		transferErr *flasher.TransferError
		restartErr  *RestartTimeoutError
	)

	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "Installation cancelled by user."

	case errors.As(err, &acqErr):
		switch acqErr.Kind {
		case storage.NetworkUnreachable:
			return fmt.Sprintf("Download failed: network unreachable (%v).", acqErr.Err)
		case storage.NotFound:
			return fmt.Sprintf("Download failed: firmware package not found at %s.", acqErr.Source)
		case storage.Integrity:
			return fmt.Sprintf("Download failed: package integrity check failed (%v).", acqErr.Err)
		default:
			return fmt.Sprintf("Download failed: could not store package locally (%v).", acqErr.Err)
		}

	case errors.As(err, &verifyErr):
		switch verifyErr.Kind {
		case security.InvalidSignature:
			return "Signature check failed: invalid signature, the image was not signed by the trusted key."
		case security.UnknownKey:
			return fmt.Sprintf("Signature check failed: signed with an unknown key (%s).", verifyErr.Reason)
		default:
			return fmt.Sprintf("Signature check failed: corrupt package (%s).", verifyErr.Reason)
		}

	case errors.As(err, &transferErr):
		return fmt.Sprintf("Flashing failed at offset %d after %d attempts: %v.",
			transferErr.Offset, transferErr.Attempts, rootCause(transferErr.Err))

	case errors.As(err, &protoErr):
		switch protoErr.Kind {
		case device.Unresponsive:
			return "Device not responding: could not enter flash mode."
		case device.ModeRefused:
			return "Device refused to enter flash mode."
		default:
			return fmt.Sprintf("Device communication failed: %v.", protoErr)
		}

	case errors.As(err, &restartErr):
		return fmt.Sprintf("Restart timeout: the device did not come back within %s.", restartErr.Timeout)

	default:
		return fmt.Sprintf("Installation failed: %v.", err)
	}
}

// reason is a short failure class for metrics and history.
func reason(err error) string {
	var (
		acqErr      *storage.AcquisitionError
		verifyErr   *security.VerificationError
		protoErr    *device.ProtocolError
		transferErr *flasher.TransferError
		restartErr  *RestartTimeoutError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.As(err, &acqErr):
		return "acquisition"
	case errors.As(err, &verifyErr):
		return "verification"
	case errors.As(err, &transferErr):
		return "transfer"
	case errors.As(err, &protoErr):
		return "device"
	case errors.As(err, &restartErr):
		return "restart_timeout"
	default:
		return "internal"
	}
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
