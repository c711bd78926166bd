package main

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/cuemby/zerg/pkg/store"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current state of a feature's rush",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("feature", "", "Feature name (required)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	feature, _ := cmd.Flags().GetString("feature")
	if feature == "" {
		return fmt.Errorf("--feature is required")
	}

	stDir := filepath.Join(stateDir(cmd), feature)
	// graphHash left blank: status is a read-only view and should not
	// reject a snapshot just because the graph on disk has since changed.
	st := store.New(stDir, feature, "")
	snap, err := st.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	fmt.Print(st.GenerateStateMD(snap))

	fmt.Println("\n## Workers")
	workerIDs := make([]int, 0, len(snap.Workers))
	for id := range snap.Workers {
		workerIDs = append(workerIDs, id)
	}
	sort.Ints(workerIDs)
	for _, id := range workerIDs {
		w := snap.Workers[id]
		fmt.Printf("- worker %d: %s, task=%s, completed=%d\n", w.WorkerID, w.Status, w.CurrentTask, w.TasksCompleted)
	}

	fmt.Println("\n## Tasks")
	taskIDs := make([]string, 0, len(snap.Tasks))
	for id := range snap.Tasks {
		taskIDs = append(taskIDs, id)
	}
	sort.Strings(taskIDs)
	for _, id := range taskIDs {
		t := snap.Tasks[id]
		fmt.Printf("- %s [level %d]: %s\n", t.ID, t.Level, t.Status)
	}

	return nil
}
