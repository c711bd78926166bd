package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/zerg/pkg/log"
	"github.com/cuemby/zerg/pkg/store"
	"github.com/cuemby/zerg/pkg/worktree"
	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove a completed or abandoned feature's worktrees, locks and gate artifacts",
	Long: `cleanup is destructive housekeeping for a feature that has finished
(or been abandoned): it removes every worker worktree/branch recorded in
the feature's state, deletes the feature's advisory lockfile, and prunes
cached gate artifacts. It refuses to run unless the feature's state is
paused or complete, or --force is given.`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().String("feature", "", "Feature name (required)")
	cleanupCmd.Flags().Bool("force", false, "Clean up even if state is neither paused nor complete")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	feature, _ := cmd.Flags().GetString("feature")
	force, _ := cmd.Flags().GetBool("force")
	if feature == "" {
		return fmt.Errorf("--feature is required")
	}

	logger := log.WithComponent("cleanup").With().Str("feature", feature).Logger()

	base := stateDir(cmd)
	stDir := filepath.Join(base, feature)
	st := store.New(stDir, feature, "")
	snap, err := st.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	if !force && !snap.Paused && !snap.IsComplete {
		return fmt.Errorf("feature %s does not look stopped (paused=%v complete=%v); pass --force to clean up anyway", feature, snap.Paused, snap.IsComplete)
	}

	repoRoot, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}
	worktreesDir := filepath.Join(".zerg", "worktrees", feature)
	wt := worktree.New(repoRoot, worktreesDir, "main", logger)

	removed := 0
	for id := range snap.Workers {
		if err := wt.Delete(feature, id, false); err != nil {
			logger.Warn().Err(err).Int("worker_id", id).Msg("failed to delete worktree")
			continue
		}
		removed++
	}

	artifactsDir := filepath.Join(".zerg", "artifacts", feature)
	if err := os.RemoveAll(artifactsDir); err != nil {
		logger.Warn().Err(err).Msg("failed to remove gate artifacts")
	}

	lockPath := filepath.Join(stDir, "..", "locks", feature+".lock")
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		logger.Warn().Err(err).Msg("failed to remove lockfile")
	}

	fmt.Printf("removed %d worktree(s), gate artifacts and lockfile for %s\n", removed, feature)
	return nil
}
