package installer

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motion-ctl/fwinstall/pkg/device"
	"github.com/motion-ctl/fwinstall/pkg/firmware"
	"github.com/motion-ctl/fwinstall/pkg/flasher"
	"github.com/motion-ctl/fwinstall/pkg/metrics"
	"github.com/motion-ctl/fwinstall/pkg/security"
	"github.com/motion-ctl/fwinstall/pkg/storage"
	"github.com/motion-ctl/fwinstall/pkg/transcript"
)

const testVersion = "2.4.1"

type countingLink struct {
	device.Link
	enters atomic.Int32
}

func (c *countingLink) EnterFlashMode(ctx context.Context, h *device.Handle) error {
	c.enters.Add(1)
	return c.Link.EnterFlashMode(ctx, h)
}

// fakeAcquirer returns failures in order, then pkg. With block set it waits
// for block to close or ctx to end before each attempt.
type fakeAcquirer struct {
	pkg      *firmware.Package
	failures []error
	block    chan struct{}
	calls    atomic.Int32
}

func (f *fakeAcquirer) Acquire(ctx context.Context, source, _ string) (*firmware.Package, error) {
	n := int(f.calls.Add(1))
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, &storage.AcquisitionError{Kind: storage.NetworkUnreachable, Source: source, Err: ctx.Err()}
		}
	}
	if n <= len(f.failures) {
		return nil, f.failures[n-1]
	}
	return f.pkg, nil
}

type harness struct {
	sim    *device.Simulator
	handle *device.Handle
	link   *countingLink
	key    security.TrustedKey
	priv   ed25519.PrivateKey
	opts   Options
}

func newHarness(t *testing.T, cfg device.SimulatorConfig) *harness {
	t.Helper()
	pub, priv, err := security.GenerateKey()
	require.NoError(t, err)
	key, err := security.NewTrustedKey(pub)
	require.NoError(t, err)

	sim := device.NewSimulator(cfg)
	link := &countingLink{Link: device.NewBootloader(
		device.WithTimeout(200*time.Millisecond),
		device.WithPollInterval(5*time.Millisecond),
	)}

	return &harness{
		sim:    sim,
		handle: device.NewHandle("sim0", sim),
		link:   link,
		key:    key,
		priv:   priv,
		opts: Options{
			Verifier:        security.NewVerifier(8 << 20),
			Link:            link,
			Streamer:        flasher.Options{ChunkSize: 256, Retries: 3, Backoff: time.Millisecond},
			DownloadRetries: 3,
			DownloadBackoff: 5 * time.Millisecond,
			BootTimeout:     time.Second,
		},
	}
}

func (h *harness) signed(t *testing.T, image []byte) *firmware.Package {
	t.Helper()
	sig, err := security.Sign(h.priv, testVersion, image)
	require.NoError(t, err)
	return &firmware.Package{Image: image, Signature: sig, Version: testVersion, Source: "test"}
}

func (h *harness) start(t *testing.T, acq Acquirer) *Run {
	t.Helper()
	opts := h.opts
	opts.Acquirer = acq
	run, err := New(opts).Start(context.Background(), Request{
		Source:          "https://fw.example/controller.bin",
		ExpectedVersion: testVersion,
		Device:          h.handle,
		Key:             h.key,
	})
	require.NoError(t, err)
	return run
}

func wait(t *testing.T, run *Run) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	err := run.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "run did not finish")
	return err
}

func image(n int) []byte {
	img := make([]byte, n)
	for i := range img {
		img[i] = byte(i*31 + i>>8)
	}
	return img
}

var transitionLine = regexp.MustCompile(`state (\S+) -> ([A-Z_]+)`)

// stateSequence rebuilds the visited states from the transcript.
func stateSequence(lines []string) []string {
	seq := []string{Downloading.String()}
	for _, line := range lines {
		if m := transitionLine.FindStringSubmatch(line); m != nil {
			seq = append(seq, m[2])
		}
	}
	return seq
}

// observe records every snapshot an observer sees until the run is done.
type observation struct {
	states   []State
	progress []int64
}

func observe(run *Run) <-chan observation {
	out := make(chan observation, 1)
	go func() {
		var obs observation
		record := func() {
			s := run.Snapshot()
			if len(obs.states) == 0 || obs.states[len(obs.states)-1] != s.State {
				obs.states = append(obs.states, s.State)
			}
			if s.Progress != nil {
				obs.progress = append(obs.progress, s.Progress.BytesWritten)
			}
		}
		for {
			select {
			case <-run.Updates():
				record()
			case <-run.Done():
				record()
				out <- obs
				return
			}
		}
	}()
	return out
}

func TestInstall_TwoMegabytesWithTransientDownloadFailure(t *testing.T) {
	h := newHarness(t, device.SimulatorConfig{BootDelay: 20 * time.Millisecond})
	img := image(2 << 20)
	pkg := h.signed(t, img)

	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/controller.bin", func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		w.Write(img)
	})
	mux.HandleFunc("/controller.bin.sig", func(w http.ResponseWriter, r *http.Request) {
		w.Write(pkg.Signature)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	acq := storage.NewAcquirer(storage.Options{CacheDir: t.TempDir(), MaxImageSize: 4 << 20})
	acq.Register(storage.SchemeHTTP, storage.NewHTTPFetcher(10*time.Second))

	m := metrics.New()
	opts := h.opts
	opts.Acquirer = acq
	opts.Metrics = m
	run, err := New(opts).Start(context.Background(), Request{
		Source:          srv.URL + "/controller.bin",
		ExpectedVersion: testVersion,
		Device:          h.handle,
		Key:             h.key,
	})
	require.NoError(t, err)
	observed := observe(run)

	require.NoError(t, wait(t, run))
	obs := <-observed

	snap := run.Snapshot()
	assert.Equal(t, Done, snap.State)
	assert.Empty(t, snap.ErrorMessage)
	require.NotNil(t, snap.Progress)
	assert.Equal(t, int64(len(img)), snap.Progress.BytesWritten)
	assert.Equal(t, snap.Progress.TotalBytes, snap.Progress.BytesWritten)
	assert.Equal(t, 1.0, snap.Progress.Percentage)

	assert.Equal(t, 1, transcript.Count(snap.Log, "retrying download"))
	assert.Equal(t, []string{
		"DOWNLOADING", "CHECKING_SIGNATURES", "ENTER_FLASH_MODE", "FLASHING", "RESTARTING", "DONE",
	}, stateSequence(snap.Log))

	for i := 1; i < len(obs.states); i++ {
		assert.Greater(t, obs.states[i], obs.states[i-1], "observer saw %v", obs.states)
	}
	for i := 1; i < len(obs.progress); i++ {
		assert.GreaterOrEqual(t, obs.progress[i], obs.progress[i-1])
	}

	assert.True(t, bytes.Equal(img, h.sim.Flash()))
	assert.True(t, h.sim.InApplication())
	assert.Equal(t, int32(2), hits.Load())

	n, err := testutil.GatherAndCount(m.Registry(), "fwinstall_runs_total", "fwinstall_download_retries_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, run.Close())
	assert.False(t, h.handle.Held())
}

func TestInstall_TerminalStateIsFinal(t *testing.T) {
	h := newHarness(t, device.SimulatorConfig{})
	run := h.start(t, &fakeAcquirer{pkg: h.signed(t, image(1000))})
	require.NoError(t, wait(t, run))

	before := run.Snapshot()
	require.Equal(t, Done, before.State)

	run.Cancel()
	time.Sleep(20 * time.Millisecond)

	after := run.Snapshot()
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.Progress, after.Progress)
	assert.Equal(t, before.Log, after.Log)
	assert.Empty(t, after.ErrorMessage)
	assert.NoError(t, run.Err())
}

func TestInstall_TamperedImageNeverTouchesDevice(t *testing.T) {
	h := newHarness(t, device.SimulatorConfig{})
	pkg := h.signed(t, image(4096))
	pkg.Image[100] ^= 0x01

	run := h.start(t, &fakeAcquirer{pkg: pkg})
	err := wait(t, run)

	var verr *security.VerificationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Equal(t, security.InvalidSignature, verr.Kind)
	assert.Equal(t, Error, run.State())
	assert.Contains(t, run.ErrorMessage(), "invalid signature")
	assert.Nil(t, run.Progress())

	assert.Zero(t, h.link.enters.Load())
	assert.Zero(t, h.sim.EnterCalls())
	assert.Zero(t, h.sim.WriteCalls())
}

func TestInstall_UnknownKey(t *testing.T) {
	h := newHarness(t, device.SimulatorConfig{})
	_, otherPriv, err := security.GenerateKey()
	require.NoError(t, err)

	img := image(512)
	sig, err := security.Sign(otherPriv, testVersion, img)
	require.NoError(t, err)

	run := h.start(t, &fakeAcquirer{pkg: &firmware.Package{Image: img, Signature: sig, Version: testVersion}})
	err = wait(t, run)

	var verr *security.VerificationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, security.UnknownKey, verr.Kind)
	assert.Contains(t, run.ErrorMessage(), "unknown key")
	assert.Zero(t, h.link.enters.Load())
}

func TestInstall_DisconnectDuringFlashing(t *testing.T) {
	h := newHarness(t, device.SimulatorConfig{DisconnectAt: 1024})
	run := h.start(t, &fakeAcquirer{pkg: h.signed(t, image(4096))})
	err := wait(t, run)

	var terr *flasher.TransferError
	require.True(t, errors.As(err, &terr), "got %v", err)
	assert.Equal(t, int64(1024), terr.Offset)
	assert.Equal(t, 4, terr.Attempts)

	snap := run.Snapshot()
	assert.Equal(t, Error, snap.State)
	require.NotNil(t, snap.Progress)
	assert.Equal(t, int64(1024), snap.Progress.BytesWritten)
	assert.Equal(t, int64(4096), snap.Progress.TotalBytes)
	assert.Contains(t, snap.ErrorMessage, "Flashing failed at offset 1024 after 4 attempts")
	assert.Equal(t, 3, transcript.Count(snap.Log, "chunk at offset 1024 failed"))
	assert.Zero(t, h.sim.RestartCalls())
}

func TestInstall_BootAcknowledgementTimeout(t *testing.T) {
	h := newHarness(t, device.SimulatorConfig{NeverBoot: true})
	h.opts.BootTimeout = 100 * time.Millisecond

	img := image(2048)
	run := h.start(t, &fakeAcquirer{pkg: h.signed(t, img)})
	err := wait(t, run)

	var rerr *RestartTimeoutError
	require.True(t, errors.As(err, &rerr), "got %v", err)
	assert.Equal(t, Error, run.State())
	assert.Contains(t, run.ErrorMessage(), "Restart timeout")
	assert.Equal(t, 1, h.sim.RestartCalls())
	assert.Equal(t, int64(len(img)), run.Progress().BytesWritten)
	assert.Equal(t, []string{
		"DOWNLOADING", "CHECKING_SIGNATURES", "ENTER_FLASH_MODE", "FLASHING", "RESTARTING", "ERROR",
	}, stateSequence(run.Log()))
}

func TestInstall_ModeRefused(t *testing.T) {
	h := newHarness(t, device.SimulatorConfig{RefuseFlashMode: true})
	run := h.start(t, &fakeAcquirer{pkg: h.signed(t, image(256))})
	err := wait(t, run)

	var perr *device.ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, device.ModeRefused, perr.Kind)
	assert.Contains(t, run.ErrorMessage(), "refused")
	assert.Zero(t, h.sim.WriteCalls())
}

func TestInstall_DownloadErrors(t *testing.T) {
	network := &storage.AcquisitionError{Kind: storage.NetworkUnreachable, Source: "x", Err: errors.New("connection reset")}
	notFound := &storage.AcquisitionError{Kind: storage.NotFound, Source: "x", Err: errors.New("404")}

	t.Run("not found is not retried", func(t *testing.T) {
		h := newHarness(t, device.SimulatorConfig{})
		acq := &fakeAcquirer{failures: []error{notFound}}
		run := h.start(t, acq)
		err := wait(t, run)

		assert.ErrorIs(t, err, notFound)
		assert.Equal(t, int32(1), acq.calls.Load())
		assert.Zero(t, transcript.Count(run.Log(), "retrying download"))
		assert.Contains(t, run.ErrorMessage(), "not found")
	})

	t.Run("transient failures exhaust the budget", func(t *testing.T) {
		h := newHarness(t, device.SimulatorConfig{})
		acq := &fakeAcquirer{failures: []error{network, network, network, network}}
		run := h.start(t, acq)
		err := wait(t, run)

		assert.ErrorIs(t, err, network)
		assert.Equal(t, int32(4), acq.calls.Load())
		assert.Equal(t, 3, transcript.Count(run.Log(), "retrying download"))
		assert.Contains(t, run.ErrorMessage(), "network unreachable")
		assert.Zero(t, h.link.enters.Load())
	})
}

func TestInstall_CancelDuringFlashingStopsOnChunkBoundary(t *testing.T) {
	h := newHarness(t, device.SimulatorConfig{WriteLatency: 2 * time.Millisecond})
	img := image(64 * 1024)
	run := h.start(t, &fakeAcquirer{pkg: h.signed(t, img)})

	var once sync.Once
	for cancelled := false; !cancelled; {
		select {
		case <-run.Updates():
			if p := run.Progress(); p != nil && p.BytesWritten >= 2048 {
				once.Do(run.Cancel)
				cancelled = true
			}
		case <-run.Done():
			t.Fatal("run finished before it could be cancelled")
		}
	}

	err := wait(t, run)
	assert.ErrorIs(t, err, ErrCancelled)

	snap := run.Snapshot()
	assert.Equal(t, Error, snap.State)
	assert.Contains(t, snap.ErrorMessage, "cancelled by user")
	require.NotNil(t, snap.Progress)
	assert.Zero(t, snap.Progress.BytesWritten%256, "stopped mid-chunk at %d", snap.Progress.BytesWritten)
	assert.Less(t, snap.Progress.BytesWritten, int64(len(img)))
	assert.Len(t, h.sim.Flash(), int(snap.Progress.BytesWritten))
	assert.Zero(t, h.sim.RestartCalls())
}

func TestInstall_CancelDuringDownload(t *testing.T) {
	h := newHarness(t, device.SimulatorConfig{})
	acq := &fakeAcquirer{pkg: h.signed(t, image(256)), block: make(chan struct{})}
	run := h.start(t, acq)

	require.Eventually(t, func() bool { return acq.calls.Load() == 1 }, time.Second, time.Millisecond)
	run.Cancel()

	err := wait(t, run)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, "Installation cancelled by user.", run.ErrorMessage())
	assert.Zero(t, h.link.enters.Load())
	assert.Zero(t, transcript.Count(run.Log(), "retrying download"))
}

func TestInstall_SecondRunOnSameDeviceFailsImmediately(t *testing.T) {
	h := newHarness(t, device.SimulatorConfig{})
	acq := &fakeAcquirer{pkg: h.signed(t, image(512)), block: make(chan struct{})}
	run := h.start(t, acq)

	opts := h.opts
	opts.Acquirer = acq
	inst := New(opts)

	start := time.Now()
	_, err := inst.Start(context.Background(), Request{Source: "other.bin", Device: h.handle, Key: h.key})
	assert.ErrorIs(t, err, device.ErrHandleBusy)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	assert.ErrorIs(t, run.Close(), ErrNotTerminal)
	assert.True(t, h.handle.Held())

	close(acq.block)
	require.NoError(t, wait(t, run))
	require.NoError(t, run.Close())
	require.NoError(t, run.Close())
	assert.False(t, h.handle.Held())

	again, err := inst.Start(context.Background(), Request{Source: "other.bin", Device: h.handle, Key: h.key})
	require.NoError(t, err)
	require.NoError(t, wait(t, again))
	require.NoError(t, again.Close())
}

func TestInstall_StartValidation(t *testing.T) {
	h := newHarness(t, device.SimulatorConfig{})
	opts := h.opts
	opts.Acquirer = &fakeAcquirer{}
	inst := New(opts)

	_, err := inst.Start(context.Background(), Request{Source: "a.bin"})
	assert.Error(t, err)
	_, err = inst.Start(context.Background(), Request{Device: h.handle})
	assert.Error(t, err)
	assert.False(t, h.handle.Held())
}

func TestInstall_TranscriptLinesAreTimestamped(t *testing.T) {
	h := newHarness(t, device.SimulatorConfig{})
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.opts.Clock = func() time.Time { return fixed }

	run := h.start(t, &fakeAcquirer{pkg: h.signed(t, image(300))})
	require.NoError(t, wait(t, run))

	for _, line := range run.Log() {
		assert.True(t, strings.HasPrefix(line, "2026-03-01T12:00:00.000Z "), line)
	}
}

// gate parks the first call through it until released.
type gate struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) pass() {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
}

type gatedVerifier struct {
	Verifier
	g *gate
}

func (v gatedVerifier) Verify(pkg *firmware.Package, key security.TrustedKey) (*firmware.AuthenticatedImage, error) {
	v.g.pass()
	return v.Verifier.Verify(pkg, key)
}

type gatedLink struct {
	device.Link
	enter *gate
	boot  *gate
}

func (l gatedLink) EnterFlashMode(ctx context.Context, h *device.Handle) error {
	if l.enter != nil {
		l.enter.pass()
	}
	return l.Link.EnterFlashMode(ctx, h)
}

func (l gatedLink) AwaitBootAcknowledgement(ctx context.Context, h *device.Handle, timeout time.Duration) bool {
	if l.boot != nil {
		l.boot.pass()
	}
	return l.Link.AwaitBootAcknowledgement(ctx, h, timeout)
}

func TestInstall_CancelAtEveryCheckpoint(t *testing.T) {
	tests := []struct {
		name     string
		state    State
		version  string
		writes   bool
		restarts int
		wire     func(h *harness, g *gate)
	}{
		{
			name:  "checking signatures",
			state: CheckingSignatures,
			wire: func(h *harness, g *gate) {
				h.opts.Verifier = gatedVerifier{Verifier: h.opts.Verifier, g: g}
			},
		},
		{
			name:    "enter flash mode",
			state:   EnterFlashMode,
			version: testVersion,
			wire: func(h *harness, g *gate) {
				h.opts.Link = gatedLink{Link: h.link, enter: g}
			},
		},
		{
			name:     "restarting",
			state:    Restarting,
			version:  testVersion,
			writes:   true,
			restarts: 1,
			wire: func(h *harness, g *gate) {
				h.opts.Link = gatedLink{Link: h.link, boot: g}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, device.SimulatorConfig{BootDelay: 20 * time.Millisecond})
			g := newGate()
			tt.wire(h, g)
			img := image(1024)
			run := h.start(t, &fakeAcquirer{pkg: h.signed(t, img)})

			select {
			case <-g.entered:
			case <-time.After(10 * time.Second):
				t.Fatalf("run never reached %s", tt.state)
			}
			assert.Equal(t, tt.state, run.State())
			assert.Equal(t, tt.version, run.Version())

			run.Cancel()
			close(g.release)

			err := wait(t, run)
			assert.ErrorIs(t, err, ErrCancelled)

			snap := run.Snapshot()
			assert.Equal(t, Error, snap.State)
			assert.Equal(t, "Installation cancelled by user.", snap.ErrorMessage)
			assert.Equal(t, testVersion, snap.Version)
			assert.NotContains(t, stateSequence(snap.Log), Done.String())
			assert.Equal(t, 1, transcript.Count(snap.Log, "cancellation observed in "+tt.state.String()))

			if tt.writes {
				assert.Equal(t, img, h.sim.Flash())
			} else {
				assert.Zero(t, h.sim.WriteCalls())
			}
			assert.Equal(t, tt.restarts, h.sim.RestartCalls())

			// Cancelling a finished run leaves the transcript alone.
			lines := len(run.Log())
			run.Cancel()
			assert.Len(t, run.Log(), lines)
		})
	}
}

func TestInstall_SnapshotCarriesAuthenticatedVersion(t *testing.T) {
	h := newHarness(t, device.SimulatorConfig{})
	pkg := h.signed(t, image(300))
	run := h.start(t, &fakeAcquirer{pkg: pkg})

	require.NoError(t, wait(t, run))
	assert.Equal(t, testVersion, run.Version())
	assert.Equal(t, testVersion, run.Snapshot().Version)
}
