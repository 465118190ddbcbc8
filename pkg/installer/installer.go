// Package installer runs firmware installations: acquire, verify, switch
// the board to flash mode, stream the image, restart. Each run is a single
// goroutine publishing snapshots that observers read without locking.
package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/motion-ctl/fwinstall/pkg/device"
	pkgerrors "github.com/motion-ctl/fwinstall/pkg/errors"
	"github.com/motion-ctl/fwinstall/pkg/firmware"
	"github.com/motion-ctl/fwinstall/pkg/flasher"
	"github.com/motion-ctl/fwinstall/pkg/metrics"
	"github.com/motion-ctl/fwinstall/pkg/security"
	"github.com/motion-ctl/fwinstall/pkg/storage"
)

const (
	DefaultDownloadRetries = 3
	DefaultDownloadBackoff = time.Second
	DefaultBootTimeout     = 10 * time.Second
)

// Acquirer fetches a firmware package. *storage.Acquirer implements it.
type Acquirer interface {
	Acquire(ctx context.Context, source, expectedVersion string) (*firmware.Package, error)
}

// Verifier authenticates a package. *security.Verifier implements it.
type Verifier interface {
	Verify(pkg *firmware.Package, key security.TrustedKey) (*firmware.AuthenticatedImage, error)
}

// Options wires an Installer.
type Options struct {
	Acquirer Acquirer
	Verifier Verifier
	Link     device.Link

	// Streamer configures chunking and per-chunk retries. OnRetry is
	// reserved for the installer.
	Streamer flasher.Options

	// DownloadRetries bounds retries of transient acquisition failures.
	DownloadRetries int
	// DownloadBackoff is the first wait between download attempts; it
	// doubles per retry.
	DownloadBackoff time.Duration
	// BootTimeout bounds the wait for the post-restart acknowledgement.
	BootTimeout time.Duration

	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// Request starts one run.
type Request struct {
	// ID names the run. Empty generates a UUID.
	ID              string
	Source          string
	ExpectedVersion string
	Device          *device.Handle
	Key             security.TrustedKey
}

// Installer starts runs. It is safe for concurrent use; concurrency per
// device is limited by the handle.
type Installer struct {
	opts Options
}

// New creates an installer.
func New(opts Options) *Installer {
	if opts.DownloadRetries < 0 {
		opts.DownloadRetries = 0
	}
	if opts.DownloadBackoff <= 0 {
		opts.DownloadBackoff = DefaultDownloadBackoff
	}
	if opts.BootTimeout <= 0 {
		opts.BootTimeout = DefaultBootTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Installer{opts: opts}
}

// Start claims the device and launches a run. It fails immediately with
// device.ErrHandleBusy if another run holds the handle. Cancelling ctx
// cancels the run like Run.Cancel.
func (inst *Installer) Start(ctx context.Context, req Request) (*Run, error) {
	if req.Device == nil {
		return nil, errors.New("no device handle supplied")
	}
	if req.Source == "" {
		return nil, errors.New("no package source supplied")
	}
	if inst.opts.Acquirer == nil || inst.opts.Verifier == nil || inst.opts.Link == nil {
		return nil, errors.New("installer is missing an acquirer, verifier or device link")
	}

	if err := req.Device.Acquire(); err != nil {
		slog.Warn("install_rejected", "device", req.Device.Name(), "error", err)
		return nil, pkgerrors.Wrap(err, req.Device.Name())
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := newRun(id, req.Device, inst.opts.Clock, cancel)
	run.onTransition = func(from, to State, d time.Duration) {
		inst.opts.Metrics.StateLeft(from.String(), d)
		inst.opts.Metrics.StateEntered(to.String())
	}

	slog.Info("install_started", "run_id", id, "source", req.Source, "device", req.Device.Name(), "key_id", req.Key.ID)
	go inst.execute(runCtx, run, req)
	return run, nil
}

func (inst *Installer) execute(ctx context.Context, run *Run, req Request) {
	start := inst.opts.Clock()
	inst.opts.Metrics.StateEntered(Downloading.String())
	run.logf("installation %s started: source %s, device %s", run.id, req.Source, req.Device.Name())
	run.logf("state %s", Downloading)

	err := inst.drive(ctx, run, req)
	elapsed := inst.opts.Clock().Sub(start)

	if err != nil {
		if errors.Is(err, ErrCancelled) {
			run.logf("cancellation observed in %s", run.State())
		}
		run.fail(err)
		inst.opts.Metrics.RunFinished("error", reason(err), elapsed)
		slog.Error("install_failed", "run_id", run.id, "reason", reason(err), "error", err, "duration", elapsed)
	} else {
		run.advance(Done)
		run.logf("installation complete in %s", elapsed.Round(time.Millisecond))
		inst.opts.Metrics.RunFinished("done", "", elapsed)
		slog.Info("install_complete", "run_id", run.id, "duration", elapsed)
	}

	run.finish(err)
}

// drive walks the forward states. Any returned error sends the run to ERROR.
func (inst *Installer) drive(ctx context.Context, run *Run, req Request) error {
	h := req.Device
	deviceCtx := context.WithoutCancel(ctx)

	// DOWNLOADING
	pkg, err := inst.download(ctx, run, req)
	if err != nil {
		return err
	}
	run.logf("downloaded %s (%s, sha256 %s)", pkg.Source, humanize.Bytes(uint64(pkg.Size())), pkg.SHA256)

	// CHECKING_SIGNATURES
	if err := inst.step(ctx, run, CheckingSignatures); err != nil {
		return err
	}
	img, err := inst.opts.Verifier.Verify(pkg, req.Key)
	if err != nil {
		return err
	}
	run.setVersion(img.Version)
	run.logf("signature valid: version %s signed by key %s", img.Version, img.KeyID)

	// ENTER_FLASH_MODE
	if err := inst.step(ctx, run, EnterFlashMode); err != nil {
		return err
	}
	if err := inst.opts.Link.EnterFlashMode(deviceCtx, h); err != nil {
		return err
	}
	run.logf("device %s is in flash mode", h.Name())

	// FLASHING
	if err := inst.step(ctx, run, Flashing); err != nil {
		return err
	}
	if err := inst.flash(ctx, run, h, img); err != nil {
		return err
	}

	// RESTARTING
	if err := inst.step(ctx, run, Restarting); err != nil {
		return err
	}
	if err := inst.opts.Link.Restart(deviceCtx, h); err != nil {
		return err
	}
	run.logf("restart issued, waiting up to %s for the device to boot", inst.opts.BootTimeout)
	if !inst.opts.Link.AwaitBootAcknowledgement(deviceCtx, h, inst.opts.BootTimeout) {
		return &RestartTimeoutError{Timeout: inst.opts.BootTimeout}
	}
	run.logf("device acknowledged boot")

	// The restart itself is never interrupted; a cancel issued while it ran
	// still ends the run in ERROR.
	if ctx.Err() != nil {
		return ErrCancelled
	}
	return nil
}

// step is the checkpoint between states: a pending cancellation wins over
// the transition.
func (inst *Installer) step(ctx context.Context, run *Run, next State) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	if !run.advance(next) {
		return fmt.Errorf("illegal transition from %s to %s", run.State(), next)
	}
	return nil
}

func (inst *Installer) download(ctx context.Context, run *Run, req Request) (*firmware.Package, error) {
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}

	attempt := 0
	op := func() (*firmware.Package, error) {
		attempt++
		pkg, err := inst.opts.Acquirer.Acquire(ctx, req.Source, req.ExpectedVersion)
		if err == nil {
			return pkg, nil
		}
		var aerr *storage.AcquisitionError
		if errors.As(err, &aerr) && aerr.Transient() {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		run.logf("retrying download (attempt %d of %d) in %s: %v",
			attempt+1, inst.opts.DownloadRetries+1, wait.Round(time.Millisecond), err)
		inst.opts.Metrics.DownloadRetried()
		slog.Warn("download_retry", "run_id", run.id, "attempt", attempt, "wait", wait, "error", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = inst.opts.DownloadBackoff
	policy.RandomizationFactor = 0
	policy.Multiplier = 2
	policy.MaxElapsedTime = 0

	pkg, err := backoff.RetryNotifyWithData(op,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(inst.opts.DownloadRetries)), ctx),
		notify,
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, err
	}
	return pkg, nil
}

func (inst *Installer) flash(ctx context.Context, run *Run, h *device.Handle, img *firmware.AuthenticatedImage) error {
	total := img.Size()
	run.setProgress(flasher.Progress{TotalBytes: total, CurrentOperation: "starting transfer"})

	opts := inst.opts.Streamer
	opts.OnRetry = func(e flasher.RetryEvent) {
		run.logf("chunk at offset %d failed (attempt %d), retrying in %s: %v",
			e.Offset, e.Attempt, e.Wait.Round(time.Millisecond), e.Err)
		inst.opts.Metrics.ChunkRetried()
	}
	streamer := flasher.New(inst.opts.Link, opts)
	run.logf("writing %s in %d byte chunks", humanize.Bytes(uint64(total)), streamer.ChunkSize())

	var written int64
	err := streamer.Flash(ctx, h, img.Image, func(p flasher.Progress) {
		written = p.BytesWritten
		run.setProgress(p)
	})
	inst.opts.Metrics.BytesFlashed(written)

	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			run.logf("transfer stopped at offset %d", written)
			return ErrCancelled
		}
		return err
	}
	run.logf("transfer complete: %s written", humanize.Bytes(uint64(written)))
	return nil
}
