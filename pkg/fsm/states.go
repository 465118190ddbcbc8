package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/motion-ctl/fwinstall/pkg/db"
	"github.com/motion-ctl/fwinstall/pkg/device"
	"github.com/motion-ctl/fwinstall/pkg/errors"
	"github.com/motion-ctl/fwinstall/pkg/installer"
	"github.com/motion-ctl/fwinstall/pkg/security"
	"github.com/superfly/fsm"
)

// DeviceOpener returns a handle for the named device. The job closes it
// when the run ends.
type DeviceOpener func(name string) (*device.Handle, error)

// Observer is called with every run the job starts, before the job waits
// on it. It must not block.
type Observer func(run *installer.Run)

// RunFailedError reports a run that ended in ERROR or could not start.
// The job never retries it.
type RunFailedError struct {
	RunID   string
	Message string
	Err     error
}

func (e *RunFailedError) Error() string {
	return fmt.Sprintf("install %s failed: %s", e.RunID, e.Message)
}

func (e *RunFailedError) Unwrap() error { return e.Err }

// Machine holds dependencies for FSM transitions
type Machine struct {
	repo       *db.Repository
	installer  *installer.Installer
	openDevice DeviceOpener
	key        security.TrustedKey
	observer   Observer
	maxRetries int
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(
	repo *db.Repository,
	inst *installer.Installer,
	openDevice DeviceOpener,
	key security.TrustedKey,
	maxRetries int,
) *Machine {
	return &Machine{
		repo:       repo,
		installer:  inst,
		openDevice: openDevice,
		key:        key,
		maxRetries: maxRetries,
	}
}

// Observe sets the observer for runs started after the call.
func (m *Machine) Observe(fn Observer) {
	m.observer = fn
}

func (m *Machine) retriesExceeded(ctx context.Context, runID string) error {
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "run_id", runID, "max_retries", m.maxRetries)
		return fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}
	return nil
}

// handleCheckDB loads or creates the history record (idempotency)
func (m *Machine) handleCheckDB(ctx context.Context, req *fsm.Request[InstallRequest, InstallResponse]) (*fsm.Response[InstallResponse], error) {
	slog.Info("fsm_state_check_db", "run_id", req.Msg.RunID)

	if err := m.retriesExceeded(ctx, req.Msg.RunID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &InstallResponse{}
	}
	if err := m.checkDB(req.Msg, resp); err != nil {
		return nil, err
	}
	return fsm.NewResponse(resp), nil
}

// handleInstall runs the installation against the device
func (m *Machine) handleInstall(ctx context.Context, req *fsm.Request[InstallRequest, InstallResponse]) (*fsm.Response[InstallResponse], error) {
	slog.Info("fsm_state_install", "run_id", req.Msg.RunID, "device", req.Msg.Device)

	if err := m.retriesExceeded(ctx, req.Msg.RunID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if err := m.install(ctx, req.Msg, resp); err != nil {
		var rerr *RunFailedError
		if errors.As(err, &rerr) {
			return nil, fsm.Abort(err)
		}
		return nil, err
	}
	return fsm.NewResponse(resp), nil
}

// handleComplete marks the history record as done
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[InstallRequest, InstallResponse]) (*fsm.Response[InstallResponse], error) {
	slog.Info("fsm_state_complete", "run_id", req.Msg.RunID)

	if err := m.retriesExceeded(ctx, req.Msg.RunID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if err := m.complete(req.Msg, resp); err != nil {
		return nil, err
	}
	return fsm.NewResponse(resp), nil
}

func (m *Machine) checkDB(msg *InstallRequest, resp *InstallResponse) error {
	in, err := m.repo.GetByRunID(msg.RunID)
	if err != nil {
		slog.Error("database_check_failed", "run_id", msg.RunID, "error", err)
		return errors.Wrap(err, "database error")
	}

	if in != nil {
		resp.InstallID = in.ID
		resp.Status = in.Status
		resp.State = in.State
		resp.ErrorMessage = in.ErrorMessage
		slog.Info("install_record_found", "run_id", msg.RunID, "install_id", in.ID, "status", in.Status)
		return nil
	}

	in = &db.Install{
		RunID:   msg.RunID,
		Source:  msg.Source,
		Version: msg.ExpectedVersion,
		Device:  msg.Device,
		Status:  db.StatusPending,
	}
	if err := m.repo.Create(in); err != nil {
		slog.Error("create_install_failed", "run_id", msg.RunID, "error", err)
		return errors.Wrap(err, "failed to create install record")
	}
	resp.InstallID = in.ID
	resp.Status = in.Status
	slog.Info("install_record_created", "run_id", msg.RunID, "install_id", in.ID)
	return nil
}

// install runs the orchestrator once. A record that is already terminal is
// left alone so a resumed job never flashes twice.
func (m *Machine) install(ctx context.Context, msg *InstallRequest, resp *InstallResponse) error {
	switch resp.Status {
	case db.StatusDone:
		slog.Info("install_already_done", "run_id", msg.RunID)
		return nil
	case db.StatusFailed, db.StatusPruned:
		return &RunFailedError{RunID: msg.RunID, Message: resp.ErrorMessage}
	}

	if err := m.repo.UpdateStatus(resp.InstallID, db.StatusRunning, ""); err != nil {
		slog.Error("status_update_failed", "install_id", resp.InstallID, "status", db.StatusRunning, "error", err)
		return errors.Wrap(err, "failed to update status")
	}
	resp.Status = db.StatusRunning

	h, err := m.openDevice(msg.Device)
	if err != nil {
		slog.Error("device_open_failed", "run_id", msg.RunID, "device", msg.Device, "error", err)
		return m.fail(msg, resp, fmt.Sprintf("Device %s could not be opened: %v.", msg.Device, err), err)
	}
	defer h.Close()

	run, err := m.installer.Start(ctx, installer.Request{
		ID:              msg.RunID,
		Source:          msg.Source,
		ExpectedVersion: msg.ExpectedVersion,
		Device:          h,
		Key:             m.key,
	})
	if err != nil {
		slog.Error("install_start_failed", "run_id", msg.RunID, "error", err)
		return m.fail(msg, resp, fmt.Sprintf("Installation could not start: %v.", err), err)
	}
	if m.observer != nil {
		m.observer(run)
	}

	<-run.Done()
	runErr := run.Err()
	snap := run.Snapshot()
	if err := run.Close(); err != nil {
		slog.Error("run_close_failed", "run_id", msg.RunID, "error", err)
	}

	resp.State = snap.State.String()
	resp.Transcript = strings.Join(snap.Log, "\n")
	if snap.Progress != nil {
		resp.BytesWritten = snap.Progress.BytesWritten
		resp.TotalBytes = snap.Progress.TotalBytes
	}
	resp.Version = snap.Version

	if runErr != nil {
		return m.fail(msg, resp, snap.ErrorMessage, runErr)
	}
	return nil
}

// fail records the failed run. A failed history write is logged only; the
// run outcome stands.
func (m *Machine) fail(msg *InstallRequest, resp *InstallResponse, message string, cause error) error {
	resp.Status = db.StatusFailed
	resp.ErrorMessage = message
	if err := m.repo.Update(m.record(msg, resp)); err != nil {
		slog.Error("install_record_update_failed", "run_id", msg.RunID, "error", err)
	}
	return &RunFailedError{RunID: msg.RunID, Message: message, Err: cause}
}

func (m *Machine) complete(msg *InstallRequest, resp *InstallResponse) error {
	resp.Status = db.StatusDone
	if err := m.repo.Update(m.record(msg, resp)); err != nil {
		slog.Error("install_record_update_failed", "run_id", msg.RunID, "error", err)
		return errors.Wrap(err, "failed to update install")
	}
	slog.Info("fsm_complete", "run_id", msg.RunID, "status", db.StatusDone)
	return nil
}

func (m *Machine) record(msg *InstallRequest, resp *InstallResponse) *db.Install {
	version := resp.Version
	if version == "" {
		version = msg.ExpectedVersion
	}
	return &db.Install{
		ID:           resp.InstallID,
		RunID:        msg.RunID,
		Source:       msg.Source,
		Version:      version,
		Device:       msg.Device,
		Status:       resp.Status,
		State:        resp.State,
		BytesWritten: resp.BytesWritten,
		TotalBytes:   resp.TotalBytes,
		ErrorMessage: resp.ErrorMessage,
		Transcript:   resp.Transcript,
	}
}
