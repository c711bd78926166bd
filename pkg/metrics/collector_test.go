package metrics

import (
	"testing"

	"github.com/cuemby/zerg/pkg/breaker"
	"github.com/cuemby/zerg/pkg/store"
	"github.com/cuemby/zerg/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.New(t.TempDir(), "demo-feature", "graphhash")
	err := st.Mutate("", func(snap *store.Snapshot) (map[string]interface{}, error) {
		snap.Tasks["t1"] = &types.Task{ID: "t1", Status: types.TaskComplete}
		snap.Tasks["t2"] = &types.Task{ID: "t2", Status: types.TaskInProgress}
		snap.Workers[1] = &types.Worker{WorkerID: 1, Status: types.WorkerRunning}
		snap.Levels[1] = &types.Level{Number: 1, Status: types.LevelRunning, MergeStatus: types.MergeNone}
		return nil, nil
	})
	require.NoError(t, err)
	return st
}

func TestCollectorCollectSamplesTaskWorkerAndLevelCounts(t *testing.T) {
	st := newTestStore(t)
	circuit := breaker.NewCircuit(true, 3, 60)
	bp := breaker.NewBackpressure(true, 0.5, 10)
	bp.RegisterLevel(1, 2)

	c := NewCollector(st, circuit, bp)
	c.collect()

	require.Equal(t, float64(1), testutil.ToFloat64(TasksTotal.WithLabelValues(string(types.TaskComplete))))
	require.Equal(t, float64(1), testutil.ToFloat64(TasksTotal.WithLabelValues(string(types.TaskInProgress))))
	require.Equal(t, float64(1), testutil.ToFloat64(WorkersTotal.WithLabelValues(string(types.WorkerRunning))))
	require.Equal(t, float64(1), testutil.ToFloat64(LevelsTotal.WithLabelValues(string(types.LevelRunning))))
}

func TestCollectorSamplesCircuitAndBackpressureState(t *testing.T) {
	st := newTestStore(t)
	circuit := breaker.NewCircuit(true, 1, 60)
	circuit.RecordFailure("spawn-worker-1")
	bp := breaker.NewBackpressure(true, 0.1, 3)
	bp.RegisterLevel(1, 3)
	bp.RecordFailure(1)
	bp.RecordFailure(1)
	bp.RecordFailure(1)
	bp.PauseLevel(1)

	c := NewCollector(st, circuit, bp)
	c.collect()

	require.Equal(t, float64(1), testutil.ToFloat64(CircuitBreakerOpen.WithLabelValues("spawn-worker-1")))
	require.Equal(t, float64(1), testutil.ToFloat64(BackpressurePaused.WithLabelValues("1")))
}

func TestCollectorStopTerminatesStartLoop(t *testing.T) {
	st := newTestStore(t)
	c := NewCollector(st, nil, nil)
	c.interval = 1
	done := make(chan struct{})
	go func() {
		c.Start()
		close(done)
	}()
	c.Stop()
	<-done
}
