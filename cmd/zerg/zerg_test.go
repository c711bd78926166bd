package main

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/zerg/pkg/store"
	"github.com/cuemby/zerg/pkg/types"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagCmd(t *testing.T, bools map[string]bool, strs map[string]string, ints map[string]int) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	for k, v := range bools {
		cmd.Flags().Bool(k, v, "")
	}
	for k, v := range strs {
		cmd.Flags().String(k, v, "")
	}
	for k, v := range ints {
		cmd.Flags().Int(k, v, "")
	}
	return cmd
}

func TestCapabilityFlagsDepthPrecedence(t *testing.T) {
	cmd := newFlagCmd(t,
		map[string]bool{"quick": false, "think": false, "think-hard": false, "ultrathink": false, "no-compact": false, "tdd": false, "no-loop": false},
		map[string]string{"mode": ""},
		map[string]int{"iterations": 0},
	)
	require.NoError(t, cmd.Flags().Set("ultrathink", "true"))
	require.NoError(t, cmd.Flags().Set("think", "true"))

	flags := capabilityFlags(cmd)
	assert.Equal(t, "ultrathink", flags.Depth, "ultrathink must win over a shallower tier also set")
}

func TestCapabilityFlagsDefaults(t *testing.T) {
	cmd := newFlagCmd(t,
		map[string]bool{"quick": false, "think": false, "think-hard": false, "ultrathink": false, "no-compact": false, "tdd": false, "no-loop": false},
		map[string]string{"mode": "precision"},
		map[string]int{"iterations": 3},
	)

	flags := capabilityFlags(cmd)
	assert.Equal(t, "", flags.Depth)
	assert.Equal(t, "precision", flags.Mode)
	assert.Equal(t, 3, flags.Iterations)
	assert.False(t, flags.NoCompact)
	assert.False(t, flags.TDD)
}

func TestRunRetrySingleTaskResetsToPending(t *testing.T) {
	dir := t.TempDir()
	feature := "checkout"
	stDir := filepath.Join(dir, feature)
	st := store.New(stDir, feature, "hash1")
	require.NoError(t, st.Mutate("", func(snap *store.Snapshot) (map[string]interface{}, error) {
		wid := 2
		snap.Tasks["t1"] = &types.Task{ID: "t1", Status: types.TaskFailed, WorkerID: &wid, LastError: "boom"}
		return nil, nil
	}))

	cmd := newFlagCmd(t, map[string]bool{"all": false}, map[string]string{"feature": feature, "state-dir": dir}, nil)
	require.NoError(t, runRetry(cmd, []string{"t1"}))

	snap, err := st.Load()
	require.NoError(t, err)
	task := snap.Tasks["t1"]
	assert.Equal(t, types.TaskPending, task.Status)
	assert.Nil(t, task.WorkerID)
	assert.Empty(t, task.LastError)
}

func TestRunRetryAllResetsOnlyFailedTasks(t *testing.T) {
	dir := t.TempDir()
	feature := "checkout"
	stDir := filepath.Join(dir, feature)
	st := store.New(stDir, feature, "hash1")
	require.NoError(t, st.Mutate("", func(snap *store.Snapshot) (map[string]interface{}, error) {
		snap.Tasks["t1"] = &types.Task{ID: "t1", Status: types.TaskFailed}
		snap.Tasks["t2"] = &types.Task{ID: "t2", Status: types.TaskComplete}
		return nil, nil
	}))

	cmd := newFlagCmd(t, map[string]bool{"all": true}, map[string]string{"feature": feature, "state-dir": dir}, nil)
	require.NoError(t, runRetry(cmd, nil))

	snap, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, snap.Tasks["t1"].Status)
	assert.Equal(t, types.TaskComplete, snap.Tasks["t2"].Status, "an already-complete task must not be reset")
}

func TestRunRetryRequiresTaskIDOrAll(t *testing.T) {
	cmd := newFlagCmd(t, map[string]bool{"all": false}, map[string]string{"feature": "checkout", "state-dir": t.TempDir()}, nil)
	err := runRetry(cmd, nil)
	assert.Error(t, err)
}

func TestRunStatusRequiresFeature(t *testing.T) {
	cmd := newFlagCmd(t, nil, map[string]string{"feature": "", "state-dir": t.TempDir()}, nil)
	err := runStatus(cmd, nil)
	assert.Error(t, err)
}
