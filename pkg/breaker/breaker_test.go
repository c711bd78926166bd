package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitOpensAfterThresholdConsecutiveFailures(t *testing.T) {
	c := NewCircuit(true, 3, 60)
	assert.True(t, c.Allow("worker-1"))
	c.RecordFailure("worker-1")
	c.RecordFailure("worker-1")
	assert.Equal(t, Closed, c.State("worker-1"))
	c.RecordFailure("worker-1")
	assert.Equal(t, Open, c.State("worker-1"))
	assert.False(t, c.Allow("worker-1"))
}

func TestCircuitHalfOpenAfterCooldownThenCloses(t *testing.T) {
	c := NewCircuit(true, 1, 60)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	c.RecordFailure("k")
	assert.Equal(t, Open, c.State("k"))

	c.now = func() time.Time { return fixed.Add(61 * time.Second) }
	assert.True(t, c.Allow("k"))
	assert.Equal(t, HalfOpen, c.State("k"))

	c.RecordSuccess("k")
	assert.Equal(t, Closed, c.State("k"))
}

func TestCircuitHalfOpenFailureReopens(t *testing.T) {
	c := NewCircuit(true, 1, 60)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }
	c.RecordFailure("k")

	c.now = func() time.Time { return fixed.Add(61 * time.Second) }
	c.Allow("k")
	c.RecordFailure("k")
	assert.Equal(t, Open, c.State("k"))
}

func TestCircuitDisabledAlwaysAllows(t *testing.T) {
	c := NewCircuit(false, 1, 60)
	c.RecordFailure("k")
	c.RecordFailure("k")
	assert.True(t, c.Allow("k"))
	assert.Equal(t, Closed, c.State("k"))
}

func TestBackpressureInsufficientDataDoesNotPause(t *testing.T) {
	b := NewBackpressure(true, 0.5, 10)
	b.RecordFailure(1)
	b.RecordFailure(1)
	assert.False(t, b.ShouldPause(1))
}

func TestBackpressureTriggersAtThreshold(t *testing.T) {
	b := NewBackpressure(true, 0.5, 10)
	b.RegisterLevel(1, 5)
	b.RecordSuccess(1)
	b.RecordSuccess(1)
	b.RecordFailure(1)
	b.RecordFailure(1)
	b.RecordFailure(1)
	assert.True(t, b.ShouldPause(1))
}

func TestBackpressureAlreadyPausedNeverRetriggers(t *testing.T) {
	b := NewBackpressure(true, 0.5, 10)
	b.RegisterLevel(1, 5)
	b.RecordFailure(1)
	b.RecordFailure(1)
	b.RecordFailure(1)
	b.PauseLevel(1)
	assert.False(t, b.ShouldPause(1))
}

func TestBackpressureResumeClearsWindow(t *testing.T) {
	b := NewBackpressure(true, 0.5, 10)
	b.RegisterLevel(1, 5)
	b.RecordFailure(1)
	b.RecordFailure(1)
	b.RecordFailure(1)
	assert.Equal(t, 1.0, b.FailureRate(1))
	b.PauseLevel(1)
	b.ResumeLevel(1)
	assert.False(t, b.IsPaused(1))
	assert.Equal(t, 0.0, b.FailureRate(1))
}

func TestBackpressureSlidingWindowEvictsOld(t *testing.T) {
	b := NewBackpressure(true, 0.5, 3)
	b.RecordFailure(1)
	b.RecordFailure(1)
	b.RecordFailure(1)
	assert.Equal(t, 1.0, b.FailureRate(1))
	b.RecordSuccess(1)
	assert.InDelta(t, 2.0/3.0, b.FailureRate(1), 0.0001)
}

func TestBackpressureDisabledIsNoop(t *testing.T) {
	b := NewBackpressure(false, 0.5, 10)
	b.RecordSuccess(1)
	b.RecordFailure(1)
	assert.False(t, b.ShouldPause(1))
	assert.Empty(t, b.Status())
}

func TestBackpressureLevelsTrackedIndependently(t *testing.T) {
	b := NewBackpressure(true, 0.5, 10)
	b.RegisterLevel(1, 5)
	b.RegisterLevel(2, 3)
	for i := 0; i < 4; i++ {
		b.RecordFailure(1)
	}
	for i := 0; i < 3; i++ {
		b.RecordSuccess(2)
	}
	assert.Equal(t, 1.0, b.FailureRate(1))
	assert.Equal(t, 0.0, b.FailureRate(2))
	assert.True(t, b.ShouldPause(1))
	assert.False(t, b.ShouldPause(2))
}

// TestScenarioS5BackpressurePause grounds spec.md scenario S5: twelve tasks
// at level 1, window=10, threshold=0.5; within six consecutive failures
// ShouldPause flips true (it does so once the window holds 3 samples), and
// the level stays paused until an explicit resume.
func TestScenarioS5BackpressurePause(t *testing.T) {
	b := NewBackpressure(true, 0.5, 10)
	b.RegisterLevel(1, 12)

	paused := false
	for i := 0; i < 6; i++ {
		b.RecordFailure(1)
		if b.ShouldPause(1) {
			paused = true
			b.PauseLevel(1)
		}
	}
	assert.True(t, paused)
	assert.True(t, b.IsPaused(1))
	assert.False(t, b.ShouldPause(1)) // already paused, does not re-trigger

	b.ResumeLevel(1)
	assert.False(t, b.IsPaused(1))
	assert.Equal(t, 0.0, b.FailureRate(1))
}
