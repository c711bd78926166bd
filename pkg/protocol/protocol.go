// Package protocol implements the worker-side state machine: claim a
// task with backoff, execute it, verify the commit actually happened,
// report the outcome, and checkpoint when context usage runs high
// (spec.md §4.6).
package protocol

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/zerg/pkg/config"
	"github.com/cuemby/zerg/pkg/graph"
	"github.com/cuemby/zerg/pkg/store"
	"github.com/cuemby/zerg/pkg/types"
	"github.com/rs/zerolog"
)

// Worker runs the in-process worker protocol against a shared State Store
// and Task Graph, executing one task at a time inside worktreePath.
type Worker struct {
	WorkerID     int
	Feature      string
	Branch       string
	WorktreePath string

	store               *store.Store
	graph               *graph.Graph
	ctx                 *ContextTracker
	log                 zerolog.Logger
	sleep               func(time.Duration)
	verificationRetries int
}

func New(workerID int, feature, branch, worktreePath string, st *store.Store, g *graph.Graph, thresholdPercent, verificationRetries int, log zerolog.Logger) *Worker {
	return &Worker{
		WorkerID:             workerID,
		Feature:              feature,
		Branch:               branch,
		WorktreePath:         worktreePath,
		store:                st,
		graph:                g,
		ctx:                  NewContextTracker(thresholdPercent),
		log:                  log,
		sleep:                time.Sleep,
		verificationRetries:  verificationRetries,
	}
}

// ClaimNextTask polls for a pending task this worker can legally claim,
// backing off geometrically (x1.5, capped at 10s) between empty polls,
// until maxWait elapses.
func (w *Worker) ClaimNextTask(ctx context.Context, maxWait time.Duration, pollInterval time.Duration) (*types.Task, error) {
	deadline := time.Now().Add(maxWait)
	interval := pollInterval

	for {
		snap, err := w.store.Load()
		if err != nil {
			return nil, fmt.Errorf("load state: %w", err)
		}

		pending := pendingTaskIDs(snap)
		for _, taskID := range pending {
			depsOK := func(id string) bool { return w.dependenciesComplete(snap, id) }
			claimed, err := w.store.ClaimTask(taskID, w.WorkerID, snap.CurrentLevel, depsOK)
			if err != nil {
				continue
			}
			if claimed {
				task := w.graph.GetTask(taskID)
				w.log.Info().Str("task_id", taskID).Msg("claimed task")
				return task, nil
			}
		}

		if time.Now().After(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		w.sleep(interval)
		interval = time.Duration(float64(interval) * 1.5)
		if interval > 10*time.Second {
			interval = 10 * time.Second
		}
	}
}

func pendingTaskIDs(snap *store.Snapshot) []string {
	var ids []string
	for id, t := range snap.Tasks {
		if t.Status == types.TaskPending {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (w *Worker) dependenciesComplete(snap *store.Snapshot, taskID string) bool {
	task := w.graph.GetTask(taskID)
	if task == nil {
		return false
	}
	for _, dep := range task.Dependencies {
		depTask, ok := snap.Tasks[dep]
		if !ok || depTask.Status != types.TaskComplete {
			return false
		}
	}
	return true
}

// headRef returns the current HEAD commit of the worktree.
func (w *Worker) headRef() (string, error) {
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = w.WorktreePath
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}

// ExecuteTask runs the task's command (the LLM/code-generation CLI,
// opaque to ZERG) followed by its verification command, then confirms
// HEAD actually advanced — a worker that reports success without
// committing has not done the work.
func (w *Worker) ExecuteTask(ctx context.Context, task *types.Task, command string) error {
	headBefore, err := w.headRef()
	if err != nil {
		return fmt.Errorf("read HEAD before execution: %w", err)
	}

	if err := w.runShell(ctx, command, 0); err != nil {
		return fmt.Errorf("task command failed: %w", err)
	}

	if err := w.verify(ctx, task); err != nil {
		return err
	}

	headAfter, err := w.headRef()
	if err != nil {
		return fmt.Errorf("read HEAD after execution: %w", err)
	}
	if headAfter == headBefore {
		return fmt.Errorf("no commit produced for task %s", task.ID)
	}
	return nil
}

// verify runs the task's verification command, re-running the same
// command (not a new derivation) up to w.verificationRetries times on
// failure before giving up.
func (w *Worker) verify(ctx context.Context, task *types.Task) error {
	if task.Verification == nil || task.Verification.Command == "" {
		return nil
	}
	timeout := time.Duration(task.Verification.TimeoutSeconds) * time.Second

	var lastErr error
	for attempt := 0; attempt <= w.verificationRetries; attempt++ {
		if attempt > 0 {
			w.log.Warn().Str("task_id", task.ID).Int("attempt", attempt).Msg("retrying verification")
		}
		lastErr = w.runShell(ctx, task.Verification.Command, timeout)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("verification failed after %d attempt(s): %w", w.verificationRetries+1, lastErr)
}

func (w *Worker) runShell(ctx context.Context, command string, timeout time.Duration) error {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = w.WorktreePath
	return cmd.Run()
}

// ReportComplete marks a task and its worker record complete.
func (w *Worker) ReportComplete(task *types.Task, durationMS int64) error {
	if err := w.store.SetTaskStatus(task.ID, types.TaskComplete, nil); err != nil {
		return err
	}
	return w.store.RecordTaskDuration(task.ID, durationMS)
}

// ReportFailed marks a task failed with the given error message.
func (w *Worker) ReportFailed(task *types.Task, errMsg string) error {
	return w.store.SetTaskStatus(task.ID, types.TaskFailed, func(t *types.Task) {
		t.LastError = errMsg
	})
}

// Checkpoint commits any outstanding work-in-progress, marks the current
// task paused, and logs the checkpoint (no event is emitted), mirroring the reference's
// checkpoint_and_exit behaviour when context usage crosses its threshold.
func (w *Worker) Checkpoint(task *types.Task) error {
	if w.hasUncommittedChanges() {
		msg := fmt.Sprintf("WIP: zerg worker %d checkpoint", w.WorkerID)
		if task != nil {
			msg = fmt.Sprintf("WIP: zerg worker %d checkpoint during %s", w.WorkerID, task.ID)
		}
		_ = w.commitAll(msg)
	}
	if task != nil {
		if err := w.store.SetTaskStatus(task.ID, types.TaskPaused, nil); err != nil {
			return err
		}
	}
	w.log.Info().Int("worker_id", w.WorkerID).Msg("worker checkpointed, exiting")
	return nil
}

func (w *Worker) hasUncommittedChanges() bool {
	cmd := exec.Command("git", "status", "--porcelain")
	cmd.Dir = w.WorktreePath
	out, err := cmd.Output()
	return err == nil && len(strings.TrimSpace(string(out))) > 0
}

func (w *Worker) commitAll(msg string) error {
	add := exec.Command("git", "add", "-A")
	add.Dir = w.WorktreePath
	if err := add.Run(); err != nil {
		return err
	}
	commit := exec.Command("git", "commit", "-m", msg)
	commit.Dir = w.WorktreePath
	return commit.Run()
}

// ShouldCheckpoint reports whether accumulated context usage has crossed
// the configured threshold.
func (w *Worker) ShouldCheckpoint() bool {
	return w.ctx.ShouldCheckpoint()
}

// TrackFileRead records context consumption for a file read.
func (w *Worker) TrackFileRead(bytesRead int) {
	w.ctx.TrackFileRead(bytesRead)
}

// TrackToolCall records context consumption for one tool invocation.
func (w *Worker) TrackToolCall() {
	w.ctx.TrackToolCall()
}

// WorkersThreshold reads the context-usage checkpoint threshold out of
// the ambient workers config.
func WorkersThreshold(cfg config.WorkersConfig) int {
	return cfg.ContextThresholdPercent
}
