package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/zerg/pkg/launcher"
	"github.com/cuemby/zerg/pkg/log"
	"github.com/cuemby/zerg/pkg/store"
	"github.com/cuemby/zerg/pkg/types"
	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a feature's running workers",
	Long: `stop runs as a separate process from rush, so it reconstructs each
worker's launcher handle from persisted state rather than reaching into a
live orchestrator, then terminates every worker and marks the run paused.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().String("feature", "", "Feature name (required)")
	stopCmd.Flags().Bool("force", false, "Kill workers immediately instead of a graceful shutdown")
}

func runStop(cmd *cobra.Command, args []string) error {
	feature, _ := cmd.Flags().GetString("feature")
	force, _ := cmd.Flags().GetBool("force")
	if feature == "" {
		return fmt.Errorf("--feature is required")
	}

	logger := log.WithComponent("stop").With().Str("feature", feature).Logger()

	stDir := filepath.Join(stateDir(cmd), feature)
	st := store.New(stDir, feature, "")
	snap, err := st.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	subprocessLauncher, err := launcher.New(launcher.Subprocess, "", "")
	if err != nil {
		return fmt.Errorf("build subprocess launcher: %w", err)
	}
	containerLauncher, err := launcher.New(launcher.Container, "", "")
	if err != nil {
		logger.Warn().Err(err).Msg("container launcher unavailable, skipping container workers")
	}

	timeout := 5 * time.Second
	if force {
		timeout = 0
	}
	ctx := context.Background()

	stopped := 0
	for _, w := range snap.Workers {
		if w.Status == types.WorkerStopped || w.Status == types.WorkerCrashed {
			continue
		}
		port := 0
		if w.Port != nil {
			port = *w.Port
		}

		var h launcher.Handle
		var l launcher.Launcher
		switch {
		case w.ContainerID != "":
			if containerLauncher == nil {
				logger.Warn().Int("worker_id", w.WorkerID).Msg("no container launcher available, cannot stop")
				continue
			}
			l = containerLauncher
			h = l.GetHandle(w.WorkerID, w.ContainerID, port)
		default:
			l = subprocessLauncher
			h = l.GetHandle(w.WorkerID, fmt.Sprintf("%d", w.PID), port)
		}

		if err := l.Terminate(ctx, h, timeout); err != nil {
			logger.Error().Err(err).Int("worker_id", w.WorkerID).Msg("failed to terminate worker")
			continue
		}
		if err := st.SetWorkerState(w.WorkerID, types.WorkerStopped, nil); err != nil {
			logger.Warn().Err(err).Int("worker_id", w.WorkerID).Msg("failed to record worker as stopped")
		}
		stopped++
	}

	if err := st.SetPaused(true, "stopped by operator"); err != nil {
		return fmt.Errorf("record stop: %w", err)
	}
	if _, err := st.AppendEvent(types.EventRushStopped, map[string]interface{}{"stopped_workers": stopped, "force": force}); err != nil {
		return fmt.Errorf("append rush_stopped event: %w", err)
	}

	logger.Info().Int("stopped", stopped).Msg("rush stopped")
	fmt.Printf("stopped %d worker(s)\n", stopped)
	return nil
}
