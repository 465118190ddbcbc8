package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/motion-ctl/fwinstall/internal/config"
	"github.com/motion-ctl/fwinstall/pkg/errors"
)

var rootCmd = &cobra.Command{
	Use:   "fwinstall",
	Short: "Motion controller firmware installer",
	Long: `Installs signed firmware on motion controller boards: downloads the package,
verifies its signature, switches the board into its bootloader, streams the
image and restarts the board. Every run is recorded in a local history.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(viper.GetString("log-level"), viper.GetString("log-format"))
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("sqlite-path", ".artifacts/installs.db", "SQLite history database path")
	flags.String("fsm-db-path", ".artifacts/fsm.db", "FSM state directory")
	flags.String("work-dir", "/tmp/fwinstall", "Working directory for downloaded packages")
	flags.String("s3-region", "us-east-1", "S3 region for s3:// sources")
	flags.String("trusted-key", "", "Hex-encoded Ed25519 public key firmware must be signed with")
	flags.Int64("max-image-size", 16*1024*1024, "Max firmware image size in bytes")
	flags.Float64("max-compression-ratio", 100.0, "Max bundle compression ratio")
	flags.String("metrics-textfile", "", "Write Prometheus metrics to this file after an install")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (text, json)")

	for _, key := range []string{
		"sqlite-path", "fsm-db-path", "work-dir", "s3-region", "trusted-key",
		"max-image-size", "max-compression-ratio", "metrics-textfile", "log-level", "log-format",
	} {
		viper.BindPFlag(key, flags.Lookup(key))
	}
}

// loadConfig loads and validates configuration
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	return cfg, nil
}
