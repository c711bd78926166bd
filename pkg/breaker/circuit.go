// Package breaker implements the two advisory resilience primitives the
// orchestrator consults before dispatching work: a per-key circuit
// breaker and a per-level backpressure window (spec.md §4.9).
package breaker

import (
	"sync"
	"time"
)

// State is a circuit breaker's lifecycle state.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

type circuitEntry struct {
	state              State
	consecutiveFailures int
	openedAt           time.Time
}

// Circuit is a per-key (worker id, target, ...) circuit breaker:
// failure_threshold consecutive failures opens it; after cooldown it goes
// half-open; one success in half-open closes it, one failure re-opens it.
type Circuit struct {
	mu               sync.Mutex
	enabled          bool
	failureThreshold int
	cooldown         time.Duration
	entries          map[string]*circuitEntry
	now              func() time.Time
}

func NewCircuit(enabled bool, failureThreshold int, cooldownSeconds int) *Circuit {
	return &Circuit{
		enabled:          enabled,
		failureThreshold: failureThreshold,
		cooldown:         time.Duration(cooldownSeconds) * time.Second,
		entries:          map[string]*circuitEntry{},
		now:              time.Now,
	}
}

func (c *Circuit) entry(key string) *circuitEntry {
	e, ok := c.entries[key]
	if !ok {
		e = &circuitEntry{state: Closed}
		c.entries[key] = e
	}
	return e
}

// Allow reports whether a call against key may proceed, transitioning
// Open -> HalfOpen once the cooldown has elapsed.
func (c *Circuit) Allow(key string) bool {
	if !c.enabled {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(key)
	switch e.state {
	case Open:
		if c.now().Sub(e.openedAt) >= c.cooldown {
			e.state = HalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the circuit (from any state) and resets the
// failure counter.
func (c *Circuit) RecordSuccess(key string) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(key)
	e.state = Closed
	e.consecutiveFailures = 0
}

// RecordFailure increments the failure counter and opens the circuit once
// the threshold is reached, or immediately re-opens a half-open circuit.
func (c *Circuit) RecordFailure(key string) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(key)
	if e.state == HalfOpen {
		e.state = Open
		e.openedAt = c.now()
		return
	}
	e.consecutiveFailures++
	if e.consecutiveFailures >= c.failureThreshold {
		e.state = Open
		e.openedAt = c.now()
	}
}

// State returns the current state for key ("closed" if never seen).
func (c *Circuit) State(key string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.state
	}
	return Closed
}

// Status returns a snapshot of every tracked key's state, for reporting.
func (c *Circuit) Status() map[string]State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]State, len(c.entries))
	for k, e := range c.entries {
		out[k] = e.state
	}
	return out
}
