package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/motion-ctl/fwinstall/pkg/db"
	"github.com/motion-ctl/fwinstall/pkg/errors"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded installation runs",
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Max runs to show (0 for all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Ensure database directory exists
	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	installs, err := repo.List(historyLimit)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	out := cmd.OutOrStdout()
	if len(installs) == 0 {
		fmt.Fprintln(out, "No installations recorded")
		return nil
	}

	fmt.Fprintf(out, "%-36s %-8s %-20s %-10s %-16s %-20s %s\n", "RUN ID", "STATUS", "STATE", "VERSION", "DEVICE", "WRITTEN", "CREATED")
	fmt.Fprintln(out, "----------------------------------------------------------------------------------------------------------------------------------")

	for _, in := range installs {
		fmt.Fprintf(out, "%-36s %-8s %-20s %-10s %-16s %-20s %s\n",
			in.RunID, in.Status, orDash(in.State), orDash(in.Version), in.Device, written(in), in.CreatedAt)
	}

	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func written(in *db.Install) string {
	if in.TotalBytes == 0 {
		return "-"
	}
	return fmt.Sprintf("%s/%s", humanize.Bytes(uint64(in.BytesWritten)), humanize.Bytes(uint64(in.TotalBytes)))
}
