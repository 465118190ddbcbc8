// Package flasher streams a verified image to a board in fixed-size chunks.
package flasher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/motion-ctl/fwinstall/pkg/device"
)

const (
	DefaultRetries = 3
	DefaultBackoff = 100 * time.Millisecond
)

// Progress is a snapshot of a transfer, taken after each chunk.
type Progress struct {
	BytesWritten     int64
	TotalBytes       int64
	Percentage       float64 // 0.0 to 1.0
	CurrentOperation string
}

// RetryEvent describes a failed chunk write that is about to be retried.
type RetryEvent struct {
	Offset  int64
	Attempt int
	Err     error
	Wait    time.Duration
}

// Options configures a Streamer. Zero ChunkSize or Backoff selects the default.
type Options struct {
	// ChunkSize is the slice written per command, at most device.MaxChunkSize.
	ChunkSize int
	// Retries is the number of extra attempts per chunk.
	Retries int
	// Backoff is the pause before each retry.
	Backoff time.Duration
	// OnRetry, when set, is called before each retry wait.
	OnRetry func(RetryEvent)
}

// TransferError is returned when a chunk could not be written within the
// retry budget. Offset is where the failed chunk starts; everything before
// it was acknowledged by the board.
type TransferError struct {
	Offset   int64
	Attempts int
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failed at offset %d after %d attempts: %v", e.Offset, e.Attempts, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Streamer writes images through a device.Link.
type Streamer struct {
	link device.Link
	opts Options
}

// New creates a streamer.
func New(link device.Link, opts Options) *Streamer {
	if opts.ChunkSize <= 0 || opts.ChunkSize > device.MaxChunkSize {
		opts.ChunkSize = device.MaxChunkSize
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	return &Streamer{link: link, opts: opts}
}

// ChunkSize returns the effective chunk size.
func (s *Streamer) ChunkSize() int { return s.opts.ChunkSize }

// Flash writes image from offset zero. ctx is observed between chunks and
// during retry waits only; a chunk write in flight always completes. On
// cancellation the returned error wraps ctx.Err().
func (s *Streamer) Flash(ctx context.Context, h *device.Handle, image []byte, onProgress func(Progress)) error {
	total := int64(len(image))
	if total == 0 {
		return errors.New("image is empty")
	}

	chunk := int64(s.opts.ChunkSize)
	chunks := (total + chunk - 1) / chunk
	start := time.Now()

	slog.Info("flash_started", "device", h.Name(), "bytes", total, "chunk_size", chunk, "chunks", chunks)

	var written int64
	for n := int64(1); written < total; n++ {
		if err := ctx.Err(); err != nil {
			slog.Info("flash_cancelled", "device", h.Name(), "bytes_written", written)
			return fmt.Errorf("flash stopped at offset %d: %w", written, err)
		}

		end := min(written+chunk, total)
		attempts, err := s.writeChunk(ctx, h, written, image[written:end])
		if err != nil {
			if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) {
				slog.Info("flash_cancelled", "device", h.Name(), "bytes_written", written)
				return fmt.Errorf("flash stopped at offset %d: %w", written, err)
			}
			slog.Error("flash_failed", "device", h.Name(), "offset", written, "attempts", attempts, "error", err)
			return &TransferError{Offset: written, Attempts: attempts, Err: err}
		}
		written = end

		if onProgress != nil {
			onProgress(Progress{
				BytesWritten:     written,
				TotalBytes:       total,
				Percentage:       float64(written) / float64(total),
				CurrentOperation: fmt.Sprintf("writing chunk %d/%d", n, chunks),
			})
		}
	}

	slog.Info("flash_complete", "device", h.Name(), "bytes", total, "duration", time.Since(start))
	return nil
}

// writeChunk writes one chunk with bounded retries. Device calls run
// detached from ctx cancellation; only the waits between attempts honour it.
func (s *Streamer) writeChunk(ctx context.Context, h *device.Handle, offset int64, data []byte) (int, error) {
	deviceCtx := context.WithoutCancel(ctx)
	attempts := 0

	op := func() error {
		attempts++
		return s.link.WriteChunk(deviceCtx, h, uint32(offset), data)
	}

	notify := func(err error, wait time.Duration) {
		slog.Warn("chunk_write_failed", "offset", offset, "attempt", attempts, "retry_in", wait, "error", err)
		if s.opts.OnRetry != nil {
			s.opts.OnRetry(RetryEvent{Offset: offset, Attempt: attempts, Err: err, Wait: wait})
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.opts.Backoff), uint64(s.opts.Retries)),
		ctx,
	)
	err := backoff.RetryNotify(op, policy, notify)
	return attempts, err
}
