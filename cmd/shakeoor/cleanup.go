package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethpandaops/shakeoor/pkg/calcstore"
	"github.com/ethpandaops/shakeoor/pkg/datastore"
	"github.com/ethpandaops/shakeoor/pkg/monitor"
	"github.com/spf13/cobra"
)

var forceCleanup bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove stale locks and failed calculations",
	Long: `Remove the resources left behind by interrupted or failed calculations.

Resources that may be left behind if the process was killed:
  - writer locks of calculation directories whose writer is gone
  - directories and database records of failed calculations`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVarP(&forceCleanup, "force", "f", false, "Skip confirmation prompt")
}

// staleLock is a writer lock whose process no longer exists.
type staleLock struct {
	dir string
	pid int
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	store := calcstore.NewStore(log, &cfg.Database)
	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("starting calculation database: %w", err)
	}

	defer func() {
		if err := store.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop calculation database")
		}
	}()

	return performCleanup(ctx, store, cfg.Global.ResultsDir, forceCleanup)
}

// performCleanup lists and removes the stale locks under resultsDir and the
// failed calculations recorded in store.
func performCleanup(ctx context.Context, store calcstore.Store, resultsDir string, force bool) error {
	locks, err := findStaleLocks(ctx, resultsDir)
	if err != nil {
		log.WithError(err).Warn("Failed to list stale locks")
	}

	failed, err := store.ListCalculations(ctx, "")
	if err != nil {
		return fmt.Errorf("listing calculations: %w", err)
	}

	failed = filterFailed(failed)

	if len(locks) == 0 && len(failed) == 0 {
		log.Info("No stale resources found")

		return nil
	}

	if len(locks) > 0 {
		fmt.Printf("\nStale locks to be removed (%d):\n", len(locks))

		for _, l := range locks {
			fmt.Printf("  - %s (pid %d)\n", l.dir, l.pid)
		}
	}

	if len(failed) > 0 {
		fmt.Printf("\nFailed calculations to be removed (%d):\n", len(failed))

		for _, c := range failed {
			fmt.Printf("  - %s (%s)\n", c.CalcID, c.Error)
		}
	}

	fmt.Println()

	if !force {
		fmt.Print("Are you sure you want to remove these resources? [y/N] ")

		reader := bufio.NewReader(os.Stdin)

		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}

		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			log.Info("Cleanup cancelled")

			return nil
		}
	}

	for _, l := range locks {
		log.WithField("dir", l.dir).Info("Removing stale lock")

		if err := datastore.RemoveLock(l.dir); err != nil {
			log.WithError(err).WithField("dir", l.dir).Warn("Failed to remove stale lock")
		}
	}

	for _, c := range failed {
		log.WithField("calc_id", c.CalcID).Info("Removing failed calculation")

		if err := os.RemoveAll(filepath.Join(resultsDir, c.CalcID)); err != nil {
			log.WithError(err).WithField("calc_id", c.CalcID).
				Warn("Failed to remove calculation directory")

			continue
		}

		if err := store.DeleteCalculation(ctx, c.CalcID); err != nil {
			log.WithError(err).WithField("calc_id", c.CalcID).
				Warn("Failed to delete calculation record")
		}
	}

	log.Info("Cleanup completed")

	return nil
}

// findStaleLocks returns the locked calculation directories under
// resultsDir whose writer process is gone.
func findStaleLocks(ctx context.Context, resultsDir string) ([]staleLock, error) {
	entries, err := os.ReadDir(resultsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading results directory: %w", err)
	}

	var locks []staleLock

	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}

		dir := filepath.Join(resultsDir, e.Name())

		pid, err := datastore.LockOwner(dir)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.WithError(err).WithField("dir", dir).Warn("Unreadable lock file")
			}

			continue
		}

		alive, err := monitor.ProcessAlive(ctx, pid)
		if err != nil {
			log.WithError(err).WithField("dir", dir).Warn("Failed to check lock owner")

			continue
		}

		if !alive {
			locks = append(locks, staleLock{dir: dir, pid: pid})
		}
	}

	return locks, nil
}

func filterFailed(calcs []calcstore.Calculation) []calcstore.Calculation {
	out := make([]calcstore.Calculation, 0, len(calcs))

	for _, c := range calcs {
		if c.Status == calcstore.StatusFailed {
			out = append(out, c)
		}
	}

	return out
}
