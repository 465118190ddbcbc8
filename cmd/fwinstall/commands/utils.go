package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/motion-ctl/fwinstall/pkg/errors"
	"github.com/motion-ctl/fwinstall/pkg/flasher"
	"github.com/motion-ctl/fwinstall/pkg/installer"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath, workDir string) error {
	// Create database directory
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// Create FSM database directory (only needed for install command)
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	// Create work directory (only needed for install and prune commands)
	if workDir != "" {
		if err := os.MkdirAll(downloadDir(workDir), 0755); err != nil {
			return errors.Wrap(err, "failed to create work directory")
		}
	}

	return nil
}

func downloadDir(workDir string) string {
	return filepath.Join(workDir, "downloads")
}

// setupLogging replaces the default logger according to level and format.
func setupLogging(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch format {
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

// describeState is the line printed when a run enters state.
func describeState(state installer.State) string {
	switch state {
	case installer.Downloading:
		return "Downloading firmware package"
	case installer.CheckingSignatures:
		return "Checking signatures"
	case installer.EnterFlashMode:
		return "Switching board to flash mode"
	case installer.Flashing:
		return "Flashing"
	case installer.Restarting:
		return "Restarting board"
	case installer.Done:
		return "Installation complete"
	case installer.Error:
		return "Installation failed"
	default:
		return state.String()
	}
}

const barWidth = 30

// progressLine renders p as a single terminal line.
func progressLine(p *flasher.Progress) string {
	filled := int(p.Percentage * barWidth)
	if filled > barWidth {
		filled = barWidth
	}
	return fmt.Sprintf("[%s%s] %5.1f%%  %s / %s  %s",
		strings.Repeat("#", filled), strings.Repeat(".", barWidth-filled),
		p.Percentage*100,
		humanize.Bytes(uint64(p.BytesWritten)), humanize.Bytes(uint64(p.TotalBytes)),
		p.CurrentOperation)
}

// renderer prints state changes and progress of one run.
type renderer struct {
	out       io.Writer
	lastState installer.State
	started   bool
	inBar     bool
}

func (r *renderer) render(snap installer.Snapshot) {
	if !r.started || snap.State != r.lastState {
		r.endBar()
		fmt.Fprintf(r.out, "==> %s\n", describeState(snap.State))
		if snap.State == installer.Error {
			fmt.Fprintf(r.out, "    %s\n", snap.ErrorMessage)
		}
		r.lastState = snap.State
		r.started = true
	}

	if snap.State == installer.Flashing && snap.Progress != nil {
		fmt.Fprintf(r.out, "\r%s", progressLine(snap.Progress))
		r.inBar = true
	}
}

func (r *renderer) endBar() {
	if r.inBar {
		fmt.Fprintln(r.out)
		r.inBar = false
	}
}
