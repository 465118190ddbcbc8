package device

import (
	"sync"
	"sync/atomic"
)

// Handle is a session to one board. A run holds it exclusively between
// Acquire and Release; the caller that created it owns Close.
type Handle struct {
	name string
	port Port

	held   atomic.Bool
	wedged atomic.Bool
	io     sync.Mutex // one transaction on the wire at a time
}

// NewHandle wraps an open port.
func NewHandle(name string, port Port) *Handle {
	return &Handle{name: name, port: port}
}

// Open opens the serial port at path and wraps it in a handle.
func Open(path string, baudRate int) (*Handle, error) {
	port, err := OpenSerial(path, baudRate)
	if err != nil {
		return nil, err
	}
	return NewHandle(path, port), nil
}

// Name identifies the device, normally its port path.
func (h *Handle) Name() string { return h.name }

// Acquire claims the handle. It never waits: a held handle yields
// ErrHandleBusy.
func (h *Handle) Acquire() error {
	if !h.held.CompareAndSwap(false, true) {
		return ErrHandleBusy
	}
	return nil
}

// Release returns the handle for use by another run.
func (h *Handle) Release() {
	h.held.Store(false)
}

// Held reports whether a run currently owns the handle.
func (h *Handle) Held() bool { return h.held.Load() }

// Wedged reports whether a stalled write retired the handle.
func (h *Handle) Wedged() bool { return h.wedged.Load() }

// Close closes the underlying port.
func (h *Handle) Close() error {
	return h.port.Close()
}
