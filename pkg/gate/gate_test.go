package gate

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/zerg/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenarioS6GateStalenessReuse grounds spec.md scenario S6: a gate that
// ran at t=0 with a pass is served from cache at t=120 (staleness=300s)
// without re-invoking the command, and is re-executed once the cache
// expires at t=301.
func TestScenarioS6GateStalenessReuse(t *testing.T) {
	dir := t.TempDir()
	p := NewPipeline(dir, 300)

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return t0 }

	gcfg := config.GateConfig{Name: "lint", Command: "true", Required: true, TimeoutSeconds: 5}

	first, err := p.RunGate(context.Background(), 1, gcfg, "")
	require.NoError(t, err)
	assert.Equal(t, "pass", first.Result)
	assert.False(t, first.Cached)

	p.now = func() time.Time { return t0.Add(120 * time.Second) }
	second, err := p.RunGate(context.Background(), 1, gcfg, "")
	require.NoError(t, err)
	assert.Equal(t, "pass", second.Result)
	assert.True(t, second.Cached)

	p.now = func() time.Time { return t0.Add(301 * time.Second) }
	third, err := p.RunGate(context.Background(), 1, gcfg, "")
	require.NoError(t, err)
	assert.Equal(t, "pass", third.Result)
	assert.False(t, third.Cached)
}

func TestRunGateCapturesFailure(t *testing.T) {
	dir := t.TempDir()
	p := NewPipeline(dir, 300)
	gcfg := config.GateConfig{Name: "test", Command: "exit 1", Required: true, TimeoutSeconds: 5}

	res, err := p.RunGate(context.Background(), 2, gcfg, "")
	require.NoError(t, err)
	assert.Equal(t, "fail", res.Result)
	assert.Equal(t, 1, res.ExitCode)
}

func TestRunPipelineStopsOnRequiredFailure(t *testing.T) {
	dir := t.TempDir()
	p := NewPipeline(dir, 300)
	gates := []config.GateConfig{
		{Name: "lint", Command: "exit 1", Required: true, TimeoutSeconds: 5},
		{Name: "test", Command: "true", Required: true, TimeoutSeconds: 5},
	}

	out, err := p.RunPipeline(context.Background(), 3, gates, "", true)
	require.NoError(t, err)
	assert.Len(t, out.Results, 1)
	assert.False(t, out.AllPassed)
	assert.False(t, out.RequiredPassed)
}

func TestRunPipelineAllPass(t *testing.T) {
	dir := t.TempDir()
	p := NewPipeline(dir, 300)
	gates := []config.GateConfig{
		{Name: "lint", Command: "true", Required: true, TimeoutSeconds: 5},
		{Name: "vet", Command: "true", Required: false, TimeoutSeconds: 5},
	}

	out, err := p.RunPipeline(context.Background(), 4, gates, "", true)
	require.NoError(t, err)
	assert.Len(t, out.Results, 2)
	assert.True(t, out.AllPassed)
	assert.True(t, out.RequiredPassed)
}

func TestTruncateLimitsCapturedOutput(t *testing.T) {
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, truncate(string(long)), maxCapturedBytes)
}
