package main

import (
	"fmt"
	"path/filepath"

	"github.com/cuemby/zerg/pkg/store"
	"github.com/cuemby/zerg/pkg/types"
	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry [task_id]",
	Short: "Reset a failed task (or every failed task) to pending",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRetry,
}

func init() {
	retryCmd.Flags().String("feature", "", "Feature name (required)")
	retryCmd.Flags().Bool("all", false, "Retry every failed task instead of a single task_id")
}

func runRetry(cmd *cobra.Command, args []string) error {
	feature, _ := cmd.Flags().GetString("feature")
	all, _ := cmd.Flags().GetBool("all")
	if feature == "" {
		return fmt.Errorf("--feature is required")
	}
	if !all && len(args) != 1 {
		return fmt.Errorf("pass a task_id or --all")
	}

	stDir := filepath.Join(stateDir(cmd), feature)
	st := store.New(stDir, feature, "")

	reset := func(t *types.Task) {
		t.WorkerID = nil
		t.RetryReadyAt = nil
		t.LastError = ""
	}

	if all {
		snap, err := st.Load()
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		n := 0
		for id, t := range snap.Tasks {
			if t.Status != types.TaskFailed {
				continue
			}
			if err := st.SetTaskStatus(id, types.TaskPending, reset); err != nil {
				return fmt.Errorf("retry %s: %w", id, err)
			}
			n++
		}
		fmt.Printf("reset %d failed task(s) to pending\n", n)
		return nil
	}

	taskID := args[0]
	if err := st.SetTaskStatus(taskID, types.TaskPending, reset); err != nil {
		return fmt.Errorf("retry %s: %w", taskID, err)
	}
	fmt.Printf("reset %s to pending\n", taskID)
	return nil
}
