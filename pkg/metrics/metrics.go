// Package metrics exposes ZERG's Prometheus surface: task/worker/level
// counts by state, gate and merge durations, poll-loop latency, and the
// circuit-breaker/backpressure state the orchestrator consults before
// dispatching work (spec.md §8).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksTotal tracks task counts by lifecycle status, across the
	// currently running feature.
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zerg_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zerg_workers_total",
			Help: "Total number of workers by status",
		},
		[]string{"status"},
	)

	LevelsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zerg_levels_total",
			Help: "Total number of levels by status",
		},
		[]string{"status"},
	)

	CurrentLevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "zerg_current_level",
			Help: "The level the orchestrator is currently driving",
		},
	)

	EscalationsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "zerg_escalations_open_total",
			Help: "Total number of unresolved escalations",
		},
	)

	RunPaused = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "zerg_run_paused",
			Help: "Whether the current run is paused (1) or not (0)",
		},
	)

	// Gate pipeline metrics.
	GateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zerg_gate_duration_seconds",
			Help:    "Time taken to run a single quality gate in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"gate", "result"},
	)

	GateRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zerg_gate_runs_total",
			Help: "Total number of gate runs by gate name and result",
		},
		[]string{"gate", "result"},
	)

	// Merge Coordinator metrics.
	MergeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zerg_merge_duration_seconds",
			Help:    "Time taken to complete a level merge (all attempts) in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	MergeAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zerg_merge_attempts_total",
			Help: "Total number of merge attempts by outcome",
		},
		[]string{"result"},
	)

	// Orchestrator poll-loop metrics.
	PollLoopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zerg_poll_loop_duration_seconds",
			Help:    "Time taken for one orchestrator poll cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	AutoRespawnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "zerg_auto_respawns_total",
			Help: "Total number of worker auto-respawns",
		},
	)

	StaleTasksDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "zerg_stale_tasks_detected_total",
			Help: "Total number of tasks reclaimed for running past the stale timeout",
		},
	)

	// Resilience primitive state, sampled from pkg/breaker.
	CircuitBreakerOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zerg_circuit_breaker_open",
			Help: "Whether a circuit breaker key is currently open (1) or not (0)",
		},
		[]string{"key"},
	)

	BackpressurePaused = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zerg_backpressure_paused",
			Help: "Whether a level is currently paused by backpressure (1) or not (0)",
		},
		[]string{"level"},
	)

	BackpressureFailureRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zerg_backpressure_failure_rate",
			Help: "Current windowed failure rate for a level",
		},
		[]string{"level"},
	)
)

func init() {
	prometheus.MustRegister(
		TasksTotal, WorkersTotal, LevelsTotal, CurrentLevel, EscalationsTotal, RunPaused,
		GateDuration, GateRunsTotal,
		MergeDuration, MergeAttemptsTotal,
		PollLoopDuration, AutoRespawnsTotal, StaleTasksDetectedTotal,
		CircuitBreakerOpen, BackpressurePaused, BackpressureFailureRate,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing an operation and recording its
// duration to a histogram at the call site.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
