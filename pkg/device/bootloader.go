package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Link is the set of device primitives an installation drives. No method
// retries on its own.
type Link interface {
	// EnterFlashMode switches the board into its bootloader. Calling it
	// while already in flash mode succeeds.
	EnterFlashMode(ctx context.Context, h *Handle) error
	// WriteChunk writes data at offset.
	WriteChunk(ctx context.Context, h *Handle, offset uint32, data []byte) error
	// Restart asks the board to boot the application. It does not wait.
	Restart(ctx context.Context, h *Handle) error
	// AwaitBootAcknowledgement polls until the application answers or
	// timeout elapses. It reports false on timeout instead of failing.
	AwaitBootAcknowledgement(ctx context.Context, h *Handle, timeout time.Duration) bool
}

const (
	defaultTimeout      = 5 * time.Second
	defaultPollInterval = 200 * time.Millisecond
	readSlice           = 50 * time.Millisecond
	readBufferSize      = 512
)

// Bootloader implements Link over the framed serial bootloader protocol.
type Bootloader struct {
	key          [KeySize]byte
	timeout      time.Duration
	pollInterval time.Duration
}

// Option configures a Bootloader.
type Option func(*Bootloader)

// WithKey sets the flash mode key.
func WithKey(key [KeySize]byte) Option {
	return func(b *Bootloader) { b.key = key }
}

// WithTimeout bounds every command round trip.
func WithTimeout(d time.Duration) Option {
	return func(b *Bootloader) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithPollInterval sets the delay between boot acknowledgement pings.
func WithPollInterval(d time.Duration) Option {
	return func(b *Bootloader) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// NewBootloader creates a Link speaking the bootloader protocol.
func NewBootloader(opts ...Option) *Bootloader {
	b := &Bootloader{
		key:          DefaultKey,
		timeout:      defaultTimeout,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bootloader) EnterFlashMode(ctx context.Context, h *Handle) error {
	status, _, err := b.transact(ctx, h, b.timeout, CmdEnterFlashMode, b.key[:])
	if err != nil {
		return &ProtocolError{Op: "enter flash mode", Kind: Unresponsive, Err: err}
	}
	switch status {
	case StatusSuccess:
		slog.Info("flash_mode_entered", "device", h.Name())
		return nil
	case StatusAlreadyInFlashMode:
		slog.Info("flash_mode_already_active", "device", h.Name())
		return nil
	default:
		return &ProtocolError{Op: "enter flash mode", Kind: ModeRefused, Status: status}
	}
}

func (b *Bootloader) WriteChunk(ctx context.Context, h *Handle, offset uint32, data []byte) error {
	if len(data) == 0 || len(data) > MaxChunkSize {
		return &ProtocolError{
			Op:   "write chunk",
			Kind: Transport,
			Err:  fmt.Errorf("chunk length %d outside 1..%d", len(data), MaxChunkSize),
		}
	}

	payload := make([]byte, 4, 4+len(data))
	binary.LittleEndian.PutUint32(payload, offset)
	payload = append(payload, data...)

	status, _, err := b.transact(ctx, h, b.timeout, CmdWriteChunk, payload)
	if err != nil {
		return &ProtocolError{Op: fmt.Sprintf("write chunk at %d", offset), Kind: Transport, Err: err}
	}
	if status != StatusSuccess {
		return &ProtocolError{Op: fmt.Sprintf("write chunk at %d", offset), Kind: Transport, Status: status}
	}
	return nil
}

func (b *Bootloader) Restart(ctx context.Context, h *Handle) error {
	status, _, err := b.transact(ctx, h, b.timeout, CmdRestart, nil)
	if err != nil {
		return &ProtocolError{Op: "restart", Kind: Transport, Err: err}
	}
	if status != StatusSuccess {
		return &ProtocolError{Op: "restart", Kind: Transport, Status: status}
	}
	slog.Info("restart_requested", "device", h.Name())
	return nil
}

func (b *Bootloader) AwaitBootAcknowledgement(ctx context.Context, h *Handle, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	attempts := 0

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			slog.Warn("boot_ack_timeout", "device", h.Name(), "timeout", timeout, "attempts", attempts)
			return false
		}

		attempts++
		status, data, err := b.transact(ctx, h, min(b.timeout, remaining), CmdPing, nil)
		if err == nil && status == StatusSuccess && len(data) > 0 && data[0] == ModeApplication {
			slog.Info("boot_acknowledged", "device", h.Name(), "attempts", attempts)
			return true
		}
		if err != nil {
			slog.Debug("boot_ping_failed", "device", h.Name(), "attempt", attempts, "error", err)
		}

		wait := min(b.pollInterval, time.Until(deadline))
		if wait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

// transact sends one command and reads one reply, all within timeout.
func (b *Bootloader) transact(ctx context.Context, h *Handle, timeout time.Duration, cmd byte, data []byte) (byte, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	h.io.Lock()
	defer h.io.Unlock()

	if h.wedged.Load() {
		return 0, nil, ErrHandleWedged
	}
	if err := h.port.ResetInputBuffer(); err != nil {
		return 0, nil, fmt.Errorf("reset input: %w", err)
	}
	if err := writeFrame(ctx, h, encodeFrame(cmd, data)); err != nil {
		return 0, nil, err
	}

	reply, err := readFrame(ctx, h.port)
	if err != nil {
		return 0, nil, err
	}
	return decodeFrame(reply)
}

// writeFrame writes p, giving up when ctx expires. A write that overruns
// keeps its goroutine until the port unblocks or is closed, and retires h so
// no later frame can interleave with it.
func writeFrame(ctx context.Context, h *Handle, p []byte) error {
	done := make(chan error, 1)
	go func() {
		n, err := h.port.Write(p)
		if err == nil && n < len(p) {
			err = io.ErrShortWrite
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		return nil
	case <-ctx.Done():
		h.wedged.Store(true)
		slog.Error("device_write_stalled", "device", h.Name(), "error", ctx.Err())
		return fmt.Errorf("write: %w: %w", ErrHandleWedged, ctx.Err())
	}
}

func readFrame(ctx context.Context, port Port) ([]byte, error) {
	if err := port.SetReadTimeout(readSlice); err != nil {
		return nil, fmt.Errorf("set read timeout: %w", err)
	}

	var buf []byte
	chunk := make([]byte, readBufferSize)
	for {
		frame, rest, err := splitFrame(buf)
		if err != nil {
			return nil, err
		}
		if frame != nil {
			return frame, nil
		}
		buf = rest

		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("no reply: %w", err)
			}
			return nil, err
		}

		n, err := port.Read(chunk)
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		buf = append(buf, chunk[:n]...)
	}
}
