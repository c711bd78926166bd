package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/cuemby/zerg/pkg/config"
	"github.com/cuemby/zerg/pkg/gate"
	zergmerge "github.com/cuemby/zerg/pkg/merge"
	"github.com/cuemby/zerg/pkg/log"
	"github.com/cuemby/zerg/pkg/store"
	"github.com/cuemby/zerg/pkg/types"
	"github.com/cuemby/zerg/pkg/worktree"
	"github.com/spf13/cobra"
)

var mergeCmd = &cobra.Command{
	Use:   "merge <level>",
	Short: "Manually re-run the merge flow for a level",
	Long: `merge is an operational escape hatch: it re-derives the level's
contributing branches from state and forces the merge/gate flow again,
independent of the background poll loop (e.g. after a manual fixup).`,
	Args: cobra.ExactArgs(1),
	RunE: runMerge,
}

func init() {
	mergeCmd.Flags().String("feature", "", "Feature name (required)")
	mergeCmd.Flags().Bool("skip-tests", false, "Skip test gates")
}

func runMerge(cmd *cobra.Command, args []string) error {
	feature, _ := cmd.Flags().GetString("feature")
	skipTests, _ := cmd.Flags().GetBool("skip-tests")
	if feature == "" {
		return fmt.Errorf("--feature is required")
	}
	level, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("level must be an integer: %w", err)
	}

	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	stDir := filepath.Join(stateDir(cmd), feature)
	st := store.New(stDir, feature, "")
	snap, err := st.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	branchSet := map[string]bool{}
	for _, t := range snap.Tasks {
		if t.Level != level || t.WorkerID == nil {
			continue
		}
		branchSet[worktree.Branch(feature, *t.WorkerID)] = true
	}
	if len(branchSet) == 0 {
		return fmt.Errorf("no contributing branches found for level %d", level)
	}
	branches := make([]string, 0, len(branchSet))
	for b := range branchSet {
		branches = append(branches, b)
	}

	logger := log.WithComponent("merge").With().Str("feature", feature).Logger()
	artifactsDir := filepath.Join(".zerg", "artifacts", feature)
	gates := gate.NewPipeline(artifactsDir, cfg.Verification.StalenessThresholdSecs)
	coordinator := zergmerge.NewCoordinator(".", "main", gates, logger)

	result := coordinator.FullMergeFlow(context.Background(), level, branches, cfg.QualityGates, skipTests)
	if result.Success {
		_ = st.SetLevelMergeStatus(level, types.MergeComplete, result.MergeCommit)
		_, _ = st.AppendEvent(types.EventMergeComplete, map[string]interface{}{"level": level, "merge_commit": result.MergeCommit})
		fmt.Printf("level %d merged: %s\n", level, result.MergeCommit)
		return nil
	}

	status := types.MergeFailed
	if result.Conflict {
		status = types.MergeConflict
	}
	_ = st.SetLevelMergeStatus(level, status, "")
	return fmt.Errorf("merge failed: %s", result.Error)
}
