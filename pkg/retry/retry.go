// Package retry classifies task failures and schedules retries with
// configurable backoff (spec.md §4.8).
package retry

import (
	"time"

	"github.com/cuemby/zerg/pkg/config"
)

// Classification is the failure category assigned to a task failure.
type Classification string

const (
	Transient    Classification = "transient"
	Dependency   Classification = "dependency"
	Logic        Classification = "logic"
	WorkerCrash  Classification = "worker_crash"
)

// limits: per-classification retry caps. Transient retries up to the
// configured workers.retry_attempts; dependency and logic have their own
// fixed caps per spec.md §4.8. worker_crash has no cap of its own: Limit
// gives it the transient cap. The orchestrator's crash path resets the task
// to pending without incrementing retry_count and does not consult Limit.
const (
	dependencyLimit = 2
	logicLimit      = 3
)

// Classify maps an error message to a Classification using simple
// substring heuristics, the same approach the reference's
// TaskRetryManager uses before falling back to "logic".
func Classify(errMsg string) Classification {
	switch {
	case containsAny(errMsg, "connection", "timeout", "timed out", "network", "EOF", "reset by peer"):
		return Transient
	case containsAny(errMsg, "no such file", "missing import", "module not found", "ModuleNotFoundError", "undefined:"):
		return Dependency
	case containsAny(errMsg, "crashed", "killed", "OOM", "signal:"):
		return WorkerCrash
	default:
		return Logic
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(sub) > 0 && contains(s, sub) {
			return true
		}
	}
	return false
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if equalFold(s[i:i+len(sub)], sub) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Limit returns the retry cap for a classification given the configured
// transient limit (workers.retry_attempts). WorkerCrash, like Transient,
// gets the transient limit.
func Limit(c Classification, transientLimit int) int {
	switch c {
	case Dependency:
		return dependencyLimit
	case Logic:
		return logicLimit
	default:
		return transientLimit
	}
}

// Manager schedules retry-ready timestamps using the configured backoff
// strategy.
type Manager struct {
	strategy string
	base     time.Duration
	max      time.Duration
}

func NewManager(cfg config.WorkersConfig) *Manager {
	return &Manager{
		strategy: cfg.BackoffStrategy,
		base:     time.Duration(cfg.BackoffBaseSeconds) * time.Second,
		max:      time.Duration(cfg.BackoffMaxSeconds) * time.Second,
	}
}

// NewManagerWithBackoff builds a Manager directly from strategy/base/max,
// used by scenario tests that need base=1s/max=8s rather than the
// production defaults.
func NewManagerWithBackoff(strategy string, base, max time.Duration) *Manager {
	return &Manager{strategy: strategy, base: base, max: max}
}

// Delay computes the backoff delay for the Nth attempt (attempt is
// 0-indexed: the first retry after the first failure is attempt=0).
func (m *Manager) Delay(attempt int) time.Duration {
	var d time.Duration
	switch m.strategy {
	case "linear":
		d = m.base * time.Duration(attempt+1)
	case "fixed":
		d = m.base
	default: // exponential
		d = m.base * time.Duration(pow2(attempt))
	}
	if d > m.max {
		d = m.max
	}
	return d
}

// RetryReadyAt returns the absolute time a task becomes eligible for
// reassignment after failing at `failedAt` for the Nth time (attempt
// 0-indexed).
func (m *Manager) RetryReadyAt(failedAt time.Time, attempt int) time.Time {
	return failedAt.Add(m.Delay(attempt))
}

func pow2(n int) int64 {
	if n < 0 {
		return 1
	}
	r := int64(1)
	for i := 0; i < n; i++ {
		r *= 2
	}
	return r
}
