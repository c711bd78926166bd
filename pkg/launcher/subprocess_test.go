package launcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubprocessSpawnMonitorTerminate(t *testing.T) {
	l := NewSubprocessLauncher()
	dir := t.TempDir()

	spec := Spec{WorkerID: 1, WorktreePath: dir, Command: "sleep 5"}
	h, err := l.Spawn(context.Background(), spec)
	require.NoError(t, err)
	assert.NotZero(t, h.PID)

	status, err := l.Monitor(context.Background(), h)
	require.NoError(t, err)
	assert.True(t, status.Running)

	err = l.Terminate(context.Background(), h, 2*time.Second)
	require.NoError(t, err)

	status, err = l.Monitor(context.Background(), h)
	require.NoError(t, err)
	assert.True(t, status.Exited)
}

func TestSubprocessEnsureNetworkIsNoop(t *testing.T) {
	l := NewSubprocessLauncher()
	assert.NoError(t, l.EnsureNetwork(context.Background(), Spec{}))
}

func TestSubprocessGetHandleParsesPID(t *testing.T) {
	l := NewSubprocessLauncher()
	h := l.GetHandle(3, "12345", 20000)
	assert.Equal(t, 3, h.WorkerID)
	assert.Equal(t, 12345, h.PID)
	assert.Equal(t, 20000, h.Port)
}

func TestAutoFallsBackToSubprocessWhenDockerAbsent(t *testing.T) {
	l, err := New(Auto, "/nonexistent/docker.sock", "")
	require.NoError(t, err)
	_, ok := l.(*SubprocessLauncher)
	assert.True(t, ok)
}
