package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/motion-ctl/fwinstall/internal/config"
	"github.com/motion-ctl/fwinstall/pkg/db"
	"github.com/motion-ctl/fwinstall/pkg/errors"
	"github.com/motion-ctl/fwinstall/pkg/storage"
)

// orphanedMessage is recorded for runs whose process exited mid-install.
const orphanedMessage = "Installation interrupted: the installing process exited before the run finished."

var (
	pruneAll      bool
	pruneRun      string
	pruneOrphaned bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete cached packages and stale history records",
	Long: `Clean up cached packages and installation history:
  --all              Clear the download cache and mark finished runs as pruned
  --run <run-id>     Delete one finished run and its cached package
  --orphaned         Fail runs left behind by a crashed process and remove
                     partial or untracked downloads`,
	RunE: runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().BoolVar(&pruneAll, "all", false, "Prune all finished runs")
	pruneCmd.Flags().StringVar(&pruneRun, "run", "", "Prune a specific run by ID")
	pruneCmd.Flags().BoolVar(&pruneOrphaned, "orphaned", false, "Prune orphaned runs and downloads")
}

func runPrune(cmd *cobra.Command, args []string) error {
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

	out := cmd.OutOrStdout()
	switch {
	case pruneAll:
		return pruneAllRuns(out, repo, cfg)
	case pruneRun != "":
		return pruneSpecificRun(out, repo, cfg, pruneRun)
	case pruneOrphaned:
		return pruneOrphanedResources(out, repo, cfg)
	default:
		return fmt.Errorf("must specify --all, --run, or --orphaned")
	}
}

func pruneAllRuns(out io.Writer, repo *db.Repository, cfg *config.Config) error {
	installs, err := repo.List(0)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	fmt.Fprintf(out, "🧹 Pruning %d runs...\n", len(installs))

	for _, in := range installs {
		if !in.Terminal() || in.Status == db.StatusPruned {
			continue
		}
		in.Status = db.StatusPruned
		in.Transcript = ""
		if err := repo.Update(in); err != nil {
			fmt.Fprintf(out, "⚠️  Failed to prune %s: %v\n", in.RunID, err)
		} else {
			fmt.Fprintf(out, "✅ Pruned: %s\n", in.RunID)
		}
	}

	dir := downloadDir(cfg.WorkDir)
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to read download cache")
	}
	removed := 0
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			fmt.Fprintf(out, "⚠️  Failed to remove %s: %v\n", entry.Name(), err)
			continue
		}
		removed++
	}
	fmt.Fprintf(out, "✅ Removed %d cached files\n", removed)
	return nil
}

func pruneSpecificRun(out io.Writer, repo *db.Repository, cfg *config.Config, runID string) error {
	in, err := repo.GetByRunID(runID)
	if err != nil {
		return errors.Wrap(err, "lookup failed")
	}
	if in == nil {
		return fmt.Errorf("no installation with run id %s", runID)
	}
	if !in.Terminal() {
		return fmt.Errorf("run %s is still %s; use --orphaned if its process is gone", runID, in.Status)
	}

	fmt.Fprintf(out, "🧹 Pruning %s...\n", runID)

	if src, err := storage.ParseSource(in.Source); err == nil {
		for _, name := range src.CacheNames() {
			path := filepath.Join(downloadDir(cfg.WorkDir), name)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return errors.Wrap(err, "failed to remove cached package")
			}
		}
	}

	if err := repo.Delete(in.ID); err != nil {
		return errors.Wrap(err, "failed to delete run")
	}

	fmt.Fprintf(out, "✅ Pruned: %s\n", runID)
	return nil
}

func pruneOrphanedResources(out io.Writer, repo *db.Repository, cfg *config.Config) error {
	fmt.Fprintln(out, "🔍 Scanning for orphaned resources...")

	failed, err := repo.FailOrphaned(orphanedMessage)
	if err != nil {
		return err
	}
	if failed > 0 {
		fmt.Fprintf(out, "⚠️  Marked %d interrupted runs as failed\n", failed)
	}

	installs, err := repo.List(0)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	tracked := make(map[string]bool)
	for _, in := range installs {
		if in.Status == db.StatusPruned {
			continue
		}
		if src, err := storage.ParseSource(in.Source); err == nil {
			for _, name := range src.CacheNames() {
				tracked[name] = true
			}
		}
	}

	orphanCount := 0
	dir := downloadDir(cfg.WorkDir)
	if entries, err := os.ReadDir(dir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if !storage.IsPartialCacheFile(entry.Name()) && tracked[entry.Name()] {
				continue
			}
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				fmt.Fprintf(out, "⚠️  Failed to remove orphaned download %s: %v\n", entry.Name(), err)
			} else {
				fmt.Fprintf(out, "🗑️  Removed orphaned download: %s\n", entry.Name())
				orphanCount++
			}
		}
	}

	fmt.Fprintf(out, "✅ Removed %d orphaned downloads\n", orphanCount)
	return nil
}
