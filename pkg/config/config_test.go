package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesDocumentedDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 4, cfg.Workers.MaxConcurrent)
	assert.Equal(t, 30, cfg.Workers.TimeoutMinutes)
	assert.Equal(t, 3, cfg.Workers.RetryAttempts)
	assert.Equal(t, 80, cfg.Workers.ContextThresholdPercent)
	assert.Equal(t, "exponential", cfg.Workers.BackoffStrategy)
	assert.Equal(t, 30, cfg.Workers.BackoffBaseSeconds)
	assert.Equal(t, 300, cfg.Workers.BackoffMaxSeconds)

	assert.Equal(t, 49152, cfg.Ports.RangeStart)
	assert.Equal(t, 65535, cfg.Ports.RangeEnd)

	assert.True(t, cfg.ErrorRecovery.CircuitBreaker.Enabled)
	assert.Equal(t, 3, cfg.ErrorRecovery.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 60, cfg.ErrorRecovery.CircuitBreaker.CooldownSeconds)

	assert.Equal(t, 0.5, cfg.ErrorRecovery.Backpressure.FailureRateThreshold)
	assert.Equal(t, 10, cfg.ErrorRecovery.Backpressure.WindowSize)

	assert.Equal(t, 300, cfg.Verification.StalenessThresholdSecs)
	assert.Equal(t, 600, cfg.Merge.TimeoutSeconds)
	assert.Equal(t, 15, cfg.Orchestrator.PollIntervalSeconds)
	assert.Equal(t, 600, cfg.Orchestrator.TaskStaleTimeoutSeconds)
	assert.Equal(t, "park_tasks", cfg.Orchestrator.OnRespawnExhausted)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers:\n  max_concurrent: 8\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Workers.MaxConcurrent)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30, cfg.Workers.TimeoutMinutes)
	assert.Equal(t, 600, cfg.Merge.TimeoutSeconds)
}

func TestGetGateAndRequiredGates(t *testing.T) {
	cfg := Default()
	cfg.QualityGates = []GateConfig{
		{Name: "lint", Command: "golangci-lint run", Required: true},
		{Name: "vet", Command: "go vet ./...", Required: false},
	}

	assert.NotNil(t, cfg.GetGate("lint"))
	assert.Nil(t, cfg.GetGate("missing"))
	assert.Len(t, cfg.RequiredGates(), 1)
}
