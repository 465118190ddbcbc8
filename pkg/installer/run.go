package installer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/motion-ctl/fwinstall/pkg/device"
	"github.com/motion-ctl/fwinstall/pkg/flasher"
	"github.com/motion-ctl/fwinstall/pkg/transcript"
)

// Snapshot is a point-in-time view of a run. Its slices are never written
// after publication.
type Snapshot struct {
	RunID        string
	State        State
	Version      string            // authenticated version, set after CHECKING_SIGNATURES
	Progress     *flasher.Progress // nil until FLASHING starts
	ErrorMessage string            // set only in ERROR
	Log          []string
	StartedAt    time.Time
	UpdatedAt    time.Time
}

// status is the part of a snapshot the run goroutine publishes.
type status struct {
	state        State
	version      string
	progress     *flasher.Progress
	errorMessage string
	enteredAt    time.Time
	updatedAt    time.Time
}

// Run is one installation. Its goroutine is the only writer; every
// accessor may be called from any goroutine and never blocks on it.
type Run struct {
	id        string
	device    *device.Handle
	log       *transcript.Transcript
	clock     func() time.Time
	startedAt time.Time

	status  atomic.Pointer[status]
	updates chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc

	err      error // written once before done is closed
	released atomic.Bool

	// hooks for the run goroutine
	onTransition func(from, to State, d time.Duration)
}

func newRun(id string, h *device.Handle, clock func() time.Time, cancel context.CancelFunc) *Run {
	now := clock()
	r := &Run{
		id:        id,
		device:    h,
		log:       transcript.New(clock),
		clock:     clock,
		startedAt: now,
		updates:   make(chan struct{}, 1),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	r.status.Store(&status{state: Downloading, enteredAt: now, updatedAt: now})
	return r
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Device returns the handle the run holds.
func (r *Run) Device() *device.Handle { return r.device }

// Snapshot returns the current state, progress, error message and log.
func (r *Run) Snapshot() Snapshot {
	st := r.status.Load()
	return Snapshot{
		RunID:        r.id,
		State:        st.state,
		Version:      st.version,
		Progress:     st.progress,
		ErrorMessage: st.errorMessage,
		Log:          r.log.Lines(),
		StartedAt:    r.startedAt,
		UpdatedAt:    st.updatedAt,
	}
}

func (r *Run) State() State { return r.status.Load().state }

// Version is the authenticated firmware version, empty until the
// signature check passed.
func (r *Run) Version() string { return r.status.Load().version }

// Progress returns the latest flash progress, or nil before FLASHING.
func (r *Run) Progress() *flasher.Progress { return r.status.Load().progress }

func (r *Run) Log() []string { return r.log.Lines() }

// ErrorMessage is empty unless the run ended in ERROR.
func (r *Run) ErrorMessage() string { return r.status.Load().errorMessage }

// Err returns the failure that ended the run. It is nil while running and
// after DONE.
func (r *Run) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Done is closed once the run reaches DONE or ERROR.
func (r *Run) Done() <-chan struct{} { return r.done }

// Updates receives a value after any change to the run. Notifications
// coalesce; receivers should read a fresh Snapshot on each.
func (r *Run) Updates() <-chan struct{} { return r.updates }

// Wait blocks until the run is terminal or ctx ends, and returns the run's
// failure.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel asks the run to stop at its next checkpoint. It does not wait and
// has no effect on a terminal run. The run goroutine records the
// cancellation in the transcript when it reaches the checkpoint.
func (r *Run) Cancel() {
	if r.State().Terminal() {
		return
	}
	slog.Info("cancel_requested", "run_id", r.id, "state", r.State().String())
	r.cancel()
}

// Close releases the device handle. It fails with ErrNotTerminal while the
// run is active. Repeated calls are no-ops.
func (r *Run) Close() error {
	select {
	case <-r.done:
	default:
		slog.Error("close_before_terminal", "run_id", r.id, "state", r.State().String())
		return ErrNotTerminal
	}
	if r.released.CompareAndSwap(false, true) {
		r.device.Release()
		r.cancel()
		slog.Info("run_closed", "run_id", r.id, "device", r.device.Name())
	}
	return nil
}

func (r *Run) notify() {
	select {
	case r.updates <- struct{}{}:
	default:
	}
}

func (r *Run) logf(format string, args ...any) {
	r.log.Append(fmt.Sprintf(format, args...))
	r.notify()
}

// advance moves to next if the state machine allows it. Illegal
// transitions are dropped and reported.
func (r *Run) advance(next State) bool {
	cur := r.status.Load()
	if !cur.state.CanTransitionTo(next) {
		slog.Error("illegal_transition", "run_id", r.id, "from", cur.state.String(), "to", next.String())
		return false
	}

	now := r.clock()
	st := *cur
	st.state, st.enteredAt, st.updatedAt = next, now, now
	r.status.Store(&st)
	if r.onTransition != nil {
		r.onTransition(cur.state, next, now.Sub(cur.enteredAt))
	}
	r.logf("state %s -> %s", cur.state, next)
	return true
}

// fail moves to ERROR with the message for err.
func (r *Run) fail(err error) {
	cur := r.status.Load()
	if !cur.state.CanTransitionTo(Error) {
		slog.Error("illegal_transition", "run_id", r.id, "from", cur.state.String(), "to", Error.String())
		return
	}

	msg := Describe(err)
	now := r.clock()
	st := *cur
	st.state, st.errorMessage, st.enteredAt, st.updatedAt = Error, msg, now, now
	r.status.Store(&st)
	if r.onTransition != nil {
		r.onTransition(cur.state, Error, now.Sub(cur.enteredAt))
	}
	r.logf("state %s -> %s: %s", cur.state, Error, msg)
}

// setProgress publishes p while FLASHING. Progress never moves backwards.
func (r *Run) setProgress(p flasher.Progress) {
	cur := r.status.Load()
	if cur.state != Flashing {
		return
	}
	if cur.progress != nil && p.BytesWritten < cur.progress.BytesWritten {
		return
	}
	st := *cur
	st.progress, st.updatedAt = &p, r.clock()
	r.status.Store(&st)
	r.notify()
}

// setVersion publishes the authenticated version.
func (r *Run) setVersion(v string) {
	st := *r.status.Load()
	st.version, st.updatedAt = v, r.clock()
	r.status.Store(&st)
	r.notify()
}

// finish records the outcome and wakes waiters.
func (r *Run) finish(err error) {
	r.err = err
	close(r.done)
	r.notify()
}
