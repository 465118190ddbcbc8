// Package fsm runs firmware installations as durable superfly/fsm jobs.
// The job records each run in the installation history, drives the
// orchestrator against the requested device and stores the outcome.
package fsm

import (
	"context"

	"github.com/motion-ctl/fwinstall/pkg/errors"
	"github.com/superfly/fsm"
)

// Register registers the firmware installation FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[InstallRequest, InstallResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[InstallRequest, InstallResponse](manager, "firmware-install").
		Start(StateCheckDB, m.handleCheckDB).
		To(StateInstall, m.handleInstall).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}
