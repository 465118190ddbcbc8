package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/motion-ctl/fwinstall/pkg/db"
	"github.com/motion-ctl/fwinstall/pkg/errors"
)

var showCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one installation run with its transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func init() {
	rootCmd.AddCommand(showCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	in, err := repo.GetByRunID(args[0])
	if err != nil {
		return errors.Wrap(err, "lookup failed")
	}
	if in == nil {
		return fmt.Errorf("no installation with run id %s", args[0])
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:      %s\n", in.RunID)
	fmt.Fprintf(out, "Source:   %s\n", in.Source)
	fmt.Fprintf(out, "Version:  %s\n", orDash(in.Version))
	fmt.Fprintf(out, "Device:   %s\n", in.Device)
	fmt.Fprintf(out, "Status:   %s (%s)\n", in.Status, orDash(in.State))
	fmt.Fprintf(out, "Written:  %s\n", written(in))
	fmt.Fprintf(out, "Created:  %s\n", in.CreatedAt)
	fmt.Fprintf(out, "Updated:  %s\n", in.UpdatedAt)
	if in.ErrorMessage != "" {
		fmt.Fprintf(out, "Error:    %s\n", in.ErrorMessage)
	}

	if in.Transcript != "" {
		fmt.Fprintln(out)
		fmt.Fprintln(out, in.Transcript)
	}
	return nil
}
