package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/zerg/pkg/graph"
	"github.com/cuemby/zerg/pkg/store"
	"github.com/cuemby/zerg/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	require.NoError(t, cmd.Run(), "git %v: %s", args, stderr.String())
	return out.String()
}

func initWorktree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "zerg@example.com")
	runGit(t, dir, "config", "user.name", "zerg")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("root\n"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

func newTestStore(t *testing.T, tasks map[string]*types.Task) *store.Store {
	t.Helper()
	st := store.New(t.TempDir(), "demo-feature", "graphhash")
	err := st.Mutate("", func(snap *store.Snapshot) (map[string]interface{}, error) {
		snap.CurrentLevel = 1
		for id, task := range tasks {
			snap.Tasks[id] = task
		}
		return nil, nil
	})
	require.NoError(t, err)
	return st
}

func newTestGraph(t *testing.T, tasks ...*types.Task) *graph.Graph {
	t.Helper()
	doc := graph.Document{Schema: "1", Feature: "demo-feature", Tasks: tasks}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	g, err := graph.Parse(data)
	require.NoError(t, err)
	return g
}

func TestClaimNextTaskClaimsAnUnblockedTask(t *testing.T) {
	task := &types.Task{ID: "t1", Title: "t1", Level: 1, Status: types.TaskPending}
	st := newTestStore(t, map[string]*types.Task{"t1": task})
	g := newTestGraph(t, task)

	w := New(1, "demo-feature", "zerg/demo/worker-1", t.TempDir(), st, g, 80, 2, zerolog.Nop())

	got, err := w.ClaimNextTask(context.Background(), time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "t1", got.ID)
}

func TestClaimNextTaskSkipsTaskWithIncompleteDependency(t *testing.T) {
	dep := &types.Task{ID: "t0", Title: "t0", Level: 1, Status: types.TaskInProgress}
	task := &types.Task{ID: "t1", Title: "t1", Level: 1, Status: types.TaskPending, Dependencies: []string{"t0"}}
	st := newTestStore(t, map[string]*types.Task{"t0": dep, "t1": task})
	g := newTestGraph(t, dep, task)

	w := New(1, "demo-feature", "zerg/demo/worker-1", t.TempDir(), st, g, 80, 2, zerolog.Nop())

	got, err := w.ClaimNextTask(context.Background(), 60*time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, got, "t1 must not be claimable while its dependency t0 is still in progress")
}

func TestClaimNextTaskReturnsNilAfterMaxWaitWithNothingPending(t *testing.T) {
	st := newTestStore(t, map[string]*types.Task{})
	g := newTestGraph(t)

	w := New(1, "demo-feature", "zerg/demo/worker-1", t.TempDir(), st, g, 80, 2, zerolog.Nop())
	w.sleep = func(time.Duration) {}

	got, err := w.ClaimNextTask(context.Background(), 5*time.Millisecond, time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestExecuteTaskFailsWhenCommandProducesNoCommit(t *testing.T) {
	dir := initWorktree(t)
	w := &Worker{WorktreePath: dir, ctx: NewContextTracker(80), log: zerolog.Nop()}

	task := &types.Task{ID: "t1"}
	err := w.ExecuteTask(context.Background(), task, "true")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no commit produced")
}

func TestExecuteTaskSucceedsWhenCommandCommits(t *testing.T) {
	dir := initWorktree(t)
	w := &Worker{WorktreePath: dir, ctx: NewContextTracker(80), log: zerolog.Nop()}

	task := &types.Task{ID: "t1"}
	cmd := `echo work > out.txt && git add -A && git -c user.email=zerg@example.com -c user.name=zerg commit -m done`
	err := w.ExecuteTask(context.Background(), task, cmd)
	require.NoError(t, err)
}

func TestExecuteTaskRunsVerificationAfterTaskCommand(t *testing.T) {
	dir := initWorktree(t)
	w := &Worker{WorktreePath: dir, ctx: NewContextTracker(80), log: zerolog.Nop()}

	task := &types.Task{
		ID:           "t1",
		Verification: &types.Verification{Command: "test -f out.txt", TimeoutSeconds: 5},
	}
	cmd := `echo work > out.txt && git add -A && git -c user.email=zerg@example.com -c user.name=zerg commit -m done`
	err := w.ExecuteTask(context.Background(), task, cmd)
	require.NoError(t, err)
}

func TestExecuteTaskFailsWhenVerificationFails(t *testing.T) {
	dir := initWorktree(t)
	w := &Worker{WorktreePath: dir, ctx: NewContextTracker(80), log: zerolog.Nop()}

	task := &types.Task{
		ID:           "t1",
		Verification: &types.Verification{Command: "test -f missing.txt", TimeoutSeconds: 5},
	}
	cmd := `echo work > out.txt && git add -A && git -c user.email=zerg@example.com -c user.name=zerg commit -m done`
	err := w.ExecuteTask(context.Background(), task, cmd)
	require.Error(t, err)
	require.Contains(t, err.Error(), "verification failed after 1 attempt(s)")
}

func TestExecuteTaskRetriesVerificationOnFailureBeforeGivingUp(t *testing.T) {
	dir := initWorktree(t)
	w := &Worker{WorktreePath: dir, ctx: NewContextTracker(80), log: zerolog.Nop(), verificationRetries: 2}

	task := &types.Task{
		ID:           "t1",
		Verification: &types.Verification{Command: "test -f missing.txt", TimeoutSeconds: 5},
	}
	cmd := `echo work > out.txt && git add -A && git -c user.email=zerg@example.com -c user.name=zerg commit -m done`
	err := w.ExecuteTask(context.Background(), task, cmd)
	require.Error(t, err)
	require.Contains(t, err.Error(), "verification failed after 3 attempt(s)", "1 initial run plus 2 retries of the same command")
}

func TestExecuteTaskVerificationSucceedsOnARetry(t *testing.T) {
	dir := initWorktree(t)
	marker := filepath.Join(dir, ".verify-attempts")
	w := &Worker{WorktreePath: dir, ctx: NewContextTracker(80), log: zerolog.Nop(), verificationRetries: 2}

	task := &types.Task{
		ID: "t1",
		Verification: &types.Verification{
			// Fails on the first invocation (no marker file yet), creates the
			// marker, then succeeds on the retry because the marker exists.
			Command:        fmt.Sprintf("test -f %s || { touch %s; false; }", marker, marker),
			TimeoutSeconds: 5,
		},
	}
	cmd := `echo work > out.txt && git add -A && git -c user.email=zerg@example.com -c user.name=zerg commit -m done`
	err := w.ExecuteTask(context.Background(), task, cmd)
	require.NoError(t, err)
}

func TestReportCompleteSetsStatusAndDuration(t *testing.T) {
	task := &types.Task{ID: "t1", Status: types.TaskInProgress}
	st := newTestStore(t, map[string]*types.Task{"t1": task})
	w := &Worker{store: st, log: zerolog.Nop()}

	require.NoError(t, w.ReportComplete(task, 1234))

	snap, err := st.Load()
	require.NoError(t, err)
	require.Equal(t, types.TaskComplete, snap.Tasks["t1"].Status)
	require.EqualValues(t, 1234, snap.Tasks["t1"].DurationMS)
}

func TestReportFailedRecordsLastError(t *testing.T) {
	task := &types.Task{ID: "t1", Status: types.TaskInProgress}
	st := newTestStore(t, map[string]*types.Task{"t1": task})
	w := &Worker{store: st, log: zerolog.Nop()}

	require.NoError(t, w.ReportFailed(task, "boom"))

	snap, err := st.Load()
	require.NoError(t, err)
	require.Equal(t, types.TaskFailed, snap.Tasks["t1"].Status)
	require.Equal(t, "boom", snap.Tasks["t1"].LastError)
}

func TestCheckpointCommitsDirtyWorktreeAndPausesTask(t *testing.T) {
	dir := initWorktree(t)
	task := &types.Task{ID: "t1", Status: types.TaskInProgress}
	st := newTestStore(t, map[string]*types.Task{"t1": task})
	w := &Worker{WorkerID: 2, WorktreePath: dir, store: st, log: zerolog.Nop()}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "wip.txt"), []byte("partial\n"), 0o644))

	require.NoError(t, w.Checkpoint(task))

	require.False(t, w.hasUncommittedChanges())
	snap, err := st.Load()
	require.NoError(t, err)
	require.Equal(t, types.TaskPaused, snap.Tasks["t1"].Status)
}

func TestCheckpointIsNoopOnCleanWorktree(t *testing.T) {
	dir := initWorktree(t)
	task := &types.Task{ID: "t1", Status: types.TaskInProgress}
	st := newTestStore(t, map[string]*types.Task{"t1": task})
	w := &Worker{WorkerID: 2, WorktreePath: dir, store: st, log: zerolog.Nop()}

	head := runGit(t, dir, "rev-parse", "HEAD")
	require.NoError(t, w.Checkpoint(task))
	require.Equal(t, head, runGit(t, dir, "rev-parse", "HEAD"))
}

func TestContextTrackerThresholdBehavior(t *testing.T) {
	c := NewContextTracker(80)
	require.False(t, c.ShouldCheckpoint())

	for i := 0; i < 320; i++ {
		c.TrackToolCall() // 320 * 500b = 160,000b = 80% of 200,000b budget
	}
	require.True(t, c.ShouldCheckpoint())
}

func TestContextTrackerDefaultsThresholdWhenUnset(t *testing.T) {
	c := NewContextTracker(0)
	require.Equal(t, 80, c.thresholdPercent)
}
