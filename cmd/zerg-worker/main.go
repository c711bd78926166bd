// Command zerg-worker is the entrypoint the orchestrator's Launcher spawns
// for each worker slot. It reads its identity and the resolved capability
// envelope from the ZERG_* environment variables set by the orchestrator
// (spec.md §4.5, §4.15), then runs the claim/execute/report loop until no
// claimable task remains for maxWait, checkpointing if context usage runs
// high mid-task.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/zerg/pkg/config"
	"github.com/cuemby/zerg/pkg/graph"
	"github.com/cuemby/zerg/pkg/log"
	"github.com/cuemby/zerg/pkg/protocol"
	"github.com/cuemby/zerg/pkg/store"
	"github.com/cuemby/zerg/pkg/types"
	"github.com/rs/zerolog"
)

func main() {
	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: envBool("ZERG_LOG_JSON", false)})

	workerID, err := strconv.Atoi(os.Getenv("ZERG_WORKER_ID"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "zerg-worker: ZERG_WORKER_ID must be set to an integer")
		os.Exit(1)
	}
	feature := mustEnv("ZERG_FEATURE")
	branch := mustEnv("ZERG_BRANCH")
	worktreePath := mustEnv("ZERG_WORKTREE")
	taskGraphPath := mustEnv("ZERG_TASK_GRAPH")
	stateDir := mustEnv("ZERG_STATE_DIR")

	logger := log.WithWorker(workerID)

	g, err := graph.Load(taskGraphPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load task graph")
	}

	st := store.New(stateDir, feature, g.Hash())
	defaults := config.Default()
	thresholdPercent := envInt("ZERG_CONTEXT_THRESHOLD_PERCENT", defaults.Workers.ContextThresholdPercent)
	verificationRetries := envInt("ZERG_VERIFICATION_RETRY_COUNT", defaults.Verification.RetryCount)

	w := protocol.New(workerID, feature, branch, worktreePath, st, g, thresholdPercent, verificationRetries, logger)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn().Msg("received shutdown signal")
		cancel()
	}()

	maxWait := time.Duration(envInt("ZERG_WORKER_MAX_WAIT_SECONDS", 60)) * time.Second
	pollInterval := time.Second

	os.Exit(run(ctx, w, maxWait, pollInterval, logger))
}

// run drives the worker's claim/execute/report loop and returns the
// process exit code: 0 on a clean drain, 64 after a context checkpoint, 1
// on an unrecoverable error, 130 on interrupt.
func run(ctx context.Context, w *protocol.Worker, maxWait, pollInterval time.Duration, logger zerolog.Logger) int {
	for {
		task, err := w.ClaimNextTask(ctx, maxWait, pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				logger.Warn().Msg("interrupted while waiting for a task")
				return 130
			}
			logger.Error().Err(err).Msg("failed to claim a task")
			return 1
		}
		if task == nil {
			logger.Info().Msg("no claimable task within wait window, exiting")
			return 0
		}

		taskLog := logger.With().Str("task_id", task.ID).Logger()
		taskLog.Info().Msg("executing task")
		start := time.Now()

		command := buildTaskCommand(task)
		execErr := w.ExecuteTask(ctx, task, command)
		durationMS := time.Since(start).Milliseconds()

		if execErr != nil {
			taskLog.Error().Err(execErr).Msg("task failed")
			if err := w.ReportFailed(task, execErr.Error()); err != nil {
				taskLog.Error().Err(err).Msg("failed to report failure")
			}
			if w.ShouldCheckpoint() {
				_ = w.Checkpoint(task)
				return 64
			}
			continue
		}

		if err := w.ReportComplete(task, durationMS); err != nil {
			taskLog.Error().Err(err).Msg("failed to report completion")
		}
		taskLog.Info().Int64("duration_ms", durationMS).Msg("task complete")

		if w.ShouldCheckpoint() {
			_ = w.Checkpoint(nil)
			return 64
		}

		if ctx.Err() != nil {
			return 130
		}
	}
}

// buildTaskCommand constructs the LLM CLI invocation for one task: the
// binary named by ZERG_LLM_CLI (default "claude"), run non-interactively
// against a prompt built from the task's title and description.
func buildTaskCommand(task *types.Task) string {
	cli := os.Getenv("ZERG_LLM_CLI")
	if cli == "" {
		cli = "claude"
	}
	prompt := task.Title
	if task.Description != "" {
		prompt = fmt.Sprintf("%s\n\n%s", task.Title, task.Description)
	}
	return fmt.Sprintf("%s --print --dangerously-skip-permissions %s", cli, shellQuote(prompt))
}

// shellQuote wraps s in single quotes for embedding in an `sh -c` string,
// escaping any single quotes it contains.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		fmt.Fprintf(os.Stderr, "zerg-worker: %s must be set\n", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "1" || strings.EqualFold(v, "true")
}
