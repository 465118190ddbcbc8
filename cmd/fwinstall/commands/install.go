package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/superfly/fsm"

	"github.com/motion-ctl/fwinstall/internal/config"
	"github.com/motion-ctl/fwinstall/pkg/db"
	"github.com/motion-ctl/fwinstall/pkg/device"
	"github.com/motion-ctl/fwinstall/pkg/errors"
	"github.com/motion-ctl/fwinstall/pkg/flasher"
	appfsm "github.com/motion-ctl/fwinstall/pkg/fsm"
	"github.com/motion-ctl/fwinstall/pkg/installer"
	"github.com/motion-ctl/fwinstall/pkg/metrics"
	"github.com/motion-ctl/fwinstall/pkg/security"
	"github.com/motion-ctl/fwinstall/pkg/storage"
)

// simulatedBootDelay keeps the simulated board silent for a moment after a
// restart, like real hardware.
const simulatedBootDelay = 300 * time.Millisecond

var (
	installPort     string
	installVersion  string
	installKey      string
	installRunID    string
	installSimulate bool
)

var installCmd = &cobra.Command{
	Use:   "install <source>",
	Short: "Install a firmware package on a board",
	Long: `Install a firmware package on a board. The source is a local path, an
http(s):// URL or an s3://bucket/key location, either a raw image with a
detached <image>.sig signature or a .tar/.tar.gz/.tgz/.tar.zst bundle.

Ctrl-C cancels the installation at the next safe point.`,
	Args: cobra.ExactArgs(1),
	RunE: runInstall,
}

func init() {
	rootCmd.AddCommand(installCmd)
	flags := installCmd.Flags()
	flags.StringVar(&installPort, "port", "", "Serial port of the board (e.g. /dev/ttyUSB0)")
	flags.StringVar(&installVersion, "version", "", "Expected firmware version")
	flags.StringVar(&installKey, "key", "", "Trusted public key (overrides trusted-key)")
	flags.StringVar(&installRunID, "run-id", "", "Run identifier (default: random UUID)")
	flags.BoolVar(&installSimulate, "simulate", false, "Install on an in-memory simulated board")

	flags.Int("baud-rate", device.DefaultBaudRate, "Serial baud rate")
	flags.Int("chunk-size", device.MaxChunkSize, "Bytes per write command (1-256)")
	flags.Int("chunk-retries", flasher.DefaultRetries, "Retries per failed chunk")
	flags.Duration("chunk-backoff", flasher.DefaultBackoff, "Wait between chunk retries")
	flags.Int("download-retries", installer.DefaultDownloadRetries, "Retries for transient download failures")
	flags.Duration("download-backoff", installer.DefaultDownloadBackoff, "First wait between download retries")
	flags.Duration("http-timeout", 2*time.Minute, "Timeout for HTTP package downloads")
	flags.Duration("device-timeout", 5*time.Second, "Timeout for each device command")
	flags.Duration("boot-timeout", installer.DefaultBootTimeout, "Wait for the board to boot after restart")
	flags.Duration("boot-poll", 200*time.Millisecond, "Interval between boot acknowledgement polls")
	flags.Int("fsm-max-retries", 5, "Max retries of a job step")

	for _, key := range []string{
		"baud-rate", "chunk-size", "chunk-retries", "chunk-backoff", "download-retries",
		"download-backoff", "http-timeout", "device-timeout", "boot-timeout", "boot-poll",
		"fsm-max-retries",
	} {
		viper.BindPFlag(key, flags.Lookup(key))
	}
}

func runInstall(cmd *cobra.Command, args []string) error {
	source := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if installPort == "" && !installSimulate {
		return fmt.Errorf("--port is required unless --simulate is set")
	}

	keyHex := installKey
	if keyHex == "" {
		keyHex = cfg.TrustedKey
	}
	key, err := security.ParseTrustedKey(keyHex)
	if err != nil {
		return errors.Wrap(err, "no usable trusted key (set --key or trusted-key)")
	}

	// Ensure all necessary directories exist
	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, cfg.WorkDir); err != nil {
		return err
	}

	ctx := context.Background()

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	m := metrics.New()
	inst := installer.New(installer.Options{
		Acquirer: newAcquirer(ctx, cfg),
		Verifier: security.NewVerifier(cfg.MaxImageSize),
		Link: device.NewBootloader(
			device.WithTimeout(cfg.DeviceTimeout),
			device.WithPollInterval(cfg.BootPoll),
		),
		Streamer: flasher.Options{
			ChunkSize: cfg.ChunkSize,
			Retries:   cfg.ChunkRetries,
			Backoff:   cfg.ChunkBackoff,
		},
		DownloadRetries: cfg.DownloadRetries,
		DownloadBackoff: cfg.DownloadBackoff,
		BootTimeout:     cfg.BootTimeout,
		Metrics:         m,
	})

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := appfsm.NewMachine(repo, inst, openDevice(cfg), key, cfg.FSMMaxRetries)

	// The job hands over the run it starts; the renderer follows it and
	// Ctrl-C cancels it.
	runs := make(chan *installer.Run, 1)
	machine.Observe(func(run *installer.Run) {
		select {
		case runs <- run:
		default:
		}
	})

	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	runID := installRunID
	if runID == "" {
		runID = uuid.NewString()
	}
	portName := installPort
	if installSimulate && portName == "" {
		portName = "simulator"
	}
	req := &appfsm.InstallRequest{
		RunID:           runID,
		Source:          source,
		ExpectedVersion: installVersion,
		Device:          portName,
	}
	resp := &appfsm.InstallResponse{}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	finished := make(chan struct{})
	rendered := make(chan struct{})
	go follow(sigCtx, cmd, runs, finished, rendered)

	fmt.Fprintf(cmd.OutOrStdout(), "Installing %s on %s (run %s)\n", source, portName, runID)

	version, err := start(ctx, runID, fsm.NewRequest(req, resp))
	if err != nil {
		close(finished)
		return errors.Wrap(err, "FSM start failed")
	}
	slog.Info("fsm_started", "run_id", runID, "version", version)

	waitErr := manager.Wait(ctx, version)
	close(finished)
	<-rendered

	if cfg.MetricsTextfile != "" {
		if err := m.WriteTextfile(cfg.MetricsTextfile); err != nil {
			slog.Error("metrics_write_failed", "path", cfg.MetricsTextfile, "error", err)
		}
	}

	rec, err := repo.GetByRunID(runID)
	if err != nil {
		return errors.Wrap(err, "failed to load install record")
	}
	if rec != nil && rec.Status == db.StatusFailed {
		return fmt.Errorf("installation %s failed: %s", runID, rec.ErrorMessage)
	}
	if waitErr != nil {
		return errors.Wrap(waitErr, "installation job failed")
	}
	return nil
}

// follow renders the run handed over on runs until it is terminal. The
// first interrupt cancels the run; later ones are ignored until it stops.
func follow(sigCtx context.Context, cmd *cobra.Command, runs <-chan *installer.Run, finished <-chan struct{}, rendered chan<- struct{}) {
	defer close(rendered)

	var run *installer.Run
	select {
	case run = <-runs:
	case <-finished:
		return
	}

	r := &renderer{out: cmd.OutOrStdout()}
	interrupted := sigCtx.Done()
	for {
		select {
		case <-run.Updates():
			r.render(run.Snapshot())
		case <-interrupted:
			interrupted = nil
			r.endBar()
			fmt.Fprintln(cmd.OutOrStdout(), "==> Cancelling, waiting for the board to reach a safe point")
			run.Cancel()
		case <-run.Done():
			r.render(run.Snapshot())
			r.endBar()
			return
		}
	}
}

// newAcquirer registers a fetcher for every supported source scheme.
func newAcquirer(ctx context.Context, cfg *config.Config) *storage.Acquirer {
	acq := storage.NewAcquirer(storage.Options{
		CacheDir:            downloadDir(cfg.WorkDir),
		MaxImageSize:        cfg.MaxImageSize,
		MaxCompressionRatio: cfg.MaxCompressionRatio,
	})

	httpFetcher := storage.NewHTTPFetcher(cfg.HTTPTimeout)
	acq.Register(storage.SchemeHTTP, httpFetcher)
	acq.Register(storage.SchemeHTTPS, httpFetcher)

	s3Fetcher, err := storage.NewS3Fetcher(ctx, cfg.S3Region)
	if err != nil {
		slog.Warn("s3_unavailable", "region", cfg.S3Region, "error", err)
	} else {
		acq.Register(storage.SchemeS3, s3Fetcher)
	}
	return acq
}

// openDevice opens serial ports, or simulated boards with --simulate.
func openDevice(cfg *config.Config) appfsm.DeviceOpener {
	if installSimulate {
		return func(name string) (*device.Handle, error) {
			slog.Info("simulated_board_opened", "name", name)
			sim := device.NewSimulator(device.SimulatorConfig{BootDelay: simulatedBootDelay})
			return device.NewHandle(name, sim), nil
		}
	}
	return func(name string) (*device.Handle, error) {
		return device.Open(name, cfg.BaudRate)
	}
}
