package metrics

import (
	"strconv"
	"time"

	"github.com/cuemby/zerg/pkg/breaker"
	"github.com/cuemby/zerg/pkg/store"
	"github.com/cuemby/zerg/pkg/types"
)

// Collector periodically samples the state store and the resilience
// primitives (circuit breaker, backpressure controller) into the
// package's Prometheus gauges.
type Collector struct {
	store        *store.Store
	circuit      *breaker.Circuit
	backpressure *breaker.Backpressure
	interval     time.Duration
	stopCh       chan struct{}
}

// NewCollector builds a Collector. circuit and backpressure may be nil
// if the caller does not use those primitives.
func NewCollector(st *store.Store, circuit *breaker.Circuit, bp *breaker.Backpressure) *Collector {
	return &Collector{
		store:        st,
		circuit:      circuit,
		backpressure: bp,
		interval:     15 * time.Second,
		stopCh:       make(chan struct{}),
	}
}

// Start begins the periodic sampling loop, re-sampling every interval
// until Stop is called. Runs in the caller's goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopCh:
			return
		}
	}
}

// Stop terminates the sampling loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	snap, err := c.store.Load()
	if err != nil {
		return
	}

	c.collectTaskMetrics(snap)
	c.collectWorkerMetrics(snap)
	c.collectLevelMetrics(snap)
	c.collectEscalationMetrics()

	CurrentLevel.Set(float64(snap.CurrentLevel))
	if snap.Paused {
		RunPaused.Set(1)
	} else {
		RunPaused.Set(0)
	}

	if c.circuit != nil {
		c.collectCircuitMetrics()
	}
	if c.backpressure != nil {
		c.collectBackpressureMetrics()
	}
}

func (c *Collector) collectTaskMetrics(snap *store.Snapshot) {
	counts := map[types.TaskStatus]int{}
	for _, t := range snap.Tasks {
		counts[t.Status]++
	}
	for _, status := range []types.TaskStatus{
		types.TaskPending, types.TaskInProgress, types.TaskPaused,
		types.TaskComplete, types.TaskFailed, types.TaskSkipped,
	} {
		TasksTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectWorkerMetrics(snap *store.Snapshot) {
	counts := map[types.WorkerStatus]int{}
	for _, w := range snap.Workers {
		counts[w.Status]++
	}
	for _, status := range []types.WorkerStatus{
		types.WorkerSpawning, types.WorkerInitializing, types.WorkerReady,
		types.WorkerRunning, types.WorkerIdle, types.WorkerCheckpointing,
		types.WorkerStalled, types.WorkerCrashed, types.WorkerStopped,
	} {
		WorkersTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectLevelMetrics(snap *store.Snapshot) {
	counts := map[types.LevelStatus]int{}
	for _, l := range snap.Levels {
		counts[l.Status]++
	}
	for _, status := range []types.LevelStatus{
		types.LevelPending, types.LevelRunning, types.LevelComplete,
	} {
		LevelsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectEscalationMetrics() {
	escalations, err := c.store.LoadEscalations()
	if err != nil {
		return
	}
	open := 0
	for _, e := range escalations {
		if !e.Resolved {
			open++
		}
	}
	EscalationsTotal.Set(float64(open))
}

func (c *Collector) collectCircuitMetrics() {
	for key, state := range c.circuit.Status() {
		v := 0.0
		if state == breaker.Open {
			v = 1
		}
		CircuitBreakerOpen.WithLabelValues(key).Set(v)
	}
}

func (c *Collector) collectBackpressureMetrics() {
	for level, status := range c.backpressure.Status() {
		key := strconv.Itoa(level)
		if status.Paused {
			BackpressurePaused.WithLabelValues(key).Set(1)
		} else {
			BackpressurePaused.WithLabelValues(key).Set(0)
		}
		BackpressureFailureRate.WithLabelValues(key).Set(status.FailRate)
	}
}
