/*
Package metrics provides Prometheus metrics collection and exposition for
the orchestrator.

Metrics are registered at package init. The gauges are sampled
periodically from the state store and resilience primitives by Collector;
the histograms and counters are exported for callers to record, and no
other package in this module records them.

# Metrics Catalog

	zerg_tasks_total{status}             Gauge   tasks by lifecycle status
	zerg_workers_total{status}            Gauge   workers by lifecycle status
	zerg_levels_total{status}             Gauge   levels by lifecycle status
	zerg_current_level                    Gauge   level the orchestrator is driving
	zerg_run_paused                       Gauge   1 if the run is paused
	zerg_escalations_open_total            Gauge   unresolved escalations
	zerg_gate_duration_seconds{gate,result}      Histogram  single gate run time
	zerg_gate_runs_total{gate,result}            Counter    gate run outcomes
	zerg_merge_duration_seconds                  Histogram  full merge-flow time
	zerg_merge_attempts_total{result}            Counter    merge attempt outcomes
	zerg_poll_loop_duration_seconds               Histogram  one orchestrator poll cycle
	zerg_auto_respawns_total                      Counter    worker auto-respawns
	zerg_stale_tasks_detected_total                Counter    tasks reclaimed as stale
	zerg_circuit_breaker_open{key}                Gauge      1 if a breaker key is open
	zerg_backpressure_paused{level}                Gauge      1 if a level is paused
	zerg_backpressure_failure_rate{level}          Gauge      windowed failure rate

# Usage

	timer := metrics.NewTimer()
	result, _ := gates.RunGate(ctx, level, g, cwd)
	timer.ObserveDurationVec(metrics.GateDuration, g.Name, result.Result)

Collector samples the rest on a ticker:

	collector := metrics.NewCollector(store, circuit, backpressure)
	go collector.Start()
	defer collector.Stop()

	http.Handle("/metrics", metrics.Handler())
*/
package metrics
