// Package config is ZERG's layered configuration: a deep nested struct
// with per-subsection defaults, loaded once from YAML and treated as
// immutable thereafter (spec.md §9 "Dynamic config and kwargs").
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// WorkersConfig controls worker concurrency and retry/backoff policy.
type WorkersConfig struct {
	MaxConcurrent          int     `yaml:"max_concurrent"`
	TimeoutMinutes         int     `yaml:"timeout_minutes"`
	RetryAttempts          int     `yaml:"retry_attempts"`
	ContextThresholdPercent int    `yaml:"context_threshold_percent"`
	LauncherType           string  `yaml:"launcher_type"` // subprocess|container|auto
	BackoffStrategy        string  `yaml:"backoff_strategy"`
	BackoffBaseSeconds     int     `yaml:"backoff_base_seconds"`
	BackoffMaxSeconds      int     `yaml:"backoff_max_seconds"`
}

func defaultWorkers() WorkersConfig {
	return WorkersConfig{
		MaxConcurrent:           4,
		TimeoutMinutes:          30,
		RetryAttempts:           3,
		ContextThresholdPercent: 80,
		LauncherType:            "auto",
		BackoffStrategy:         "exponential",
		BackoffBaseSeconds:      30,
		BackoffMaxSeconds:       300,
	}
}

// PortsConfig controls the ephemeral port range used by pkg/ports.
type PortsConfig struct {
	RangeStart     int `yaml:"range_start"`
	RangeEnd       int `yaml:"range_end"`
	PortsPerWorker int `yaml:"ports_per_worker"`
}

func defaultPorts() PortsConfig {
	return PortsConfig{RangeStart: 49152, RangeEnd: 65535, PortsPerWorker: 1}
}

// GateConfig is a single quality gate definition.
type GateConfig struct {
	Name               string `yaml:"name"`
	Command            string `yaml:"command"`
	Required           bool   `yaml:"required"`
	TimeoutSeconds     int    `yaml:"timeout"`
	CoverageThreshold  *int   `yaml:"coverage_threshold,omitempty"`
}

// ResourcesConfig limits resources per worker (container backend only).
type ResourcesConfig struct {
	CPUCores            int     `yaml:"cpu_cores"`
	MemoryGB             int     `yaml:"memory_gb"`
	DiskGB               int     `yaml:"disk_gb"`
	ContainerMemoryLimit string  `yaml:"container_memory_limit"`
	ContainerCPULimit    float64 `yaml:"container_cpu_limit"`
}

func defaultResources() ResourcesConfig {
	return ResourcesConfig{CPUCores: 2, MemoryGB: 4, DiskGB: 10, ContainerMemoryLimit: "4g", ContainerCPULimit: 2.0}
}

// LoggingConfig controls log verbosity, destination and retention.
type LoggingConfig struct {
	Level             string `yaml:"level"`
	Directory         string `yaml:"directory"`
	RetainDays        int    `yaml:"retain_days"`
	MaxLogSizeMB      int    `yaml:"max_log_size_mb"`
	StructuredOutput  bool   `yaml:"structured_output"`
	JSON              bool   `yaml:"json"`
}

func defaultLogging() LoggingConfig {
	return LoggingConfig{Level: "info", Directory: ".zerg/logs", RetainDays: 7, MaxLogSizeMB: 50, StructuredOutput: true}
}

// CircuitBreakerConfig configures pkg/breaker's per-key circuit breaker.
type CircuitBreakerConfig struct {
	Enabled          bool `yaml:"enabled"`
	FailureThreshold int  `yaml:"failure_threshold"`
	CooldownSeconds  int  `yaml:"cooldown_seconds"`
}

func defaultCircuitBreaker() CircuitBreakerConfig {
	return CircuitBreakerConfig{Enabled: true, FailureThreshold: 3, CooldownSeconds: 60}
}

// BackpressureConfig configures pkg/breaker's per-level sliding window.
type BackpressureConfig struct {
	Enabled              bool    `yaml:"enabled"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold"`
	WindowSize           int     `yaml:"window_size"`
}

func defaultBackpressure() BackpressureConfig {
	return BackpressureConfig{Enabled: true, FailureRateThreshold: 0.5, WindowSize: 10}
}

// ErrorRecoveryConfig nests circuit breaker and backpressure config.
type ErrorRecoveryConfig struct {
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Backpressure   BackpressureConfig   `yaml:"backpressure"`
}

// VerificationConfig controls gate staleness, whether gates are required
// before a level is considered complete, and how many times a worker
// re-runs a task's verification command on failure.
type VerificationConfig struct {
	RequireBeforeCompletion bool `yaml:"require_before_completion"`
	StalenessThresholdSecs  int  `yaml:"staleness_threshold_seconds"`
	RetryCount              int  `yaml:"retry_count"`
}

func defaultVerification() VerificationConfig {
	return VerificationConfig{RequireBeforeCompletion: true, StalenessThresholdSecs: 300, RetryCount: 2}
}

// ImprovementLoopsConfig controls the optional Loop Controller.
type ImprovementLoopsConfig struct {
	Enabled               bool    `yaml:"enabled"`
	MaxIterations          int     `yaml:"max_iterations"`
	ConvergenceThreshold  float64 `yaml:"convergence_threshold"`
	PlateauThreshold      int     `yaml:"plateau_threshold"`
	RollbackOnRegression  bool    `yaml:"rollback_on_regression"`
}

func defaultImprovementLoops() ImprovementLoopsConfig {
	return ImprovementLoopsConfig{Enabled: true, MaxIterations: 5, ConvergenceThreshold: 0.02, PlateauThreshold: 2, RollbackOnRegression: true}
}

// MergeConfig controls the Merge Coordinator's timeouts and retry policy.
type MergeConfig struct {
	TimeoutSeconds int `yaml:"merge_timeout_seconds"`
	MaxRetries     int `yaml:"merge_max_retries"`
}

func defaultMerge() MergeConfig {
	return MergeConfig{TimeoutSeconds: 600, MaxRetries: 3}
}

// OrchestratorConfig controls the main poll loop.
type OrchestratorConfig struct {
	PollIntervalSeconds      int    `yaml:"poll_interval_seconds"`
	TaskStaleTimeoutSeconds  int    `yaml:"task_stale_timeout_seconds"`
	MaxRespawnAttempts       int    `yaml:"max_respawn_attempts"`
	OnRespawnExhausted       string `yaml:"on_respawn_exhausted"` // fail_feature|park_tasks
}

func defaultOrchestrator() OrchestratorConfig {
	return OrchestratorConfig{PollIntervalSeconds: 15, TaskStaleTimeoutSeconds: 600, MaxRespawnAttempts: 3, OnRespawnExhausted: "park_tasks"}
}

// ZergConfig is the complete, layered configuration.
type ZergConfig struct {
	Workers          WorkersConfig          `yaml:"workers"`
	Ports            PortsConfig            `yaml:"ports"`
	QualityGates     []GateConfig           `yaml:"quality_gates"`
	Resources        ResourcesConfig        `yaml:"resources"`
	Logging          LoggingConfig          `yaml:"logging"`
	ErrorRecovery    ErrorRecoveryConfig    `yaml:"error_recovery"`
	Verification     VerificationConfig     `yaml:"verification"`
	ImprovementLoops ImprovementLoopsConfig `yaml:"improvement_loops"`
	Merge            MergeConfig            `yaml:"merge"`
	Orchestrator     OrchestratorConfig     `yaml:"orchestrator"`
}

// Default returns a ZergConfig with every subsection's documented default.
func Default() *ZergConfig {
	return &ZergConfig{
		Workers:      defaultWorkers(),
		Ports:        defaultPorts(),
		QualityGates: nil,
		Resources:    defaultResources(),
		Logging:      defaultLogging(),
		ErrorRecovery: ErrorRecoveryConfig{
			CircuitBreaker: defaultCircuitBreaker(),
			Backpressure:   defaultBackpressure(),
		},
		Verification:     defaultVerification(),
		ImprovementLoops: defaultImprovementLoops(),
		Merge:            defaultMerge(),
		Orchestrator:     defaultOrchestrator(),
	}
}

// Load reads YAML from path, overlaying it onto Default(). A missing file
// is not an error: it returns the defaults, matching the reference's
// ZergConfig.load() behaviour.
func Load(path string) (*ZergConfig, error) {
	cfg := Default()
	if path == "" {
		path = ".zerg/config.yaml"
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// GetGate returns a named quality gate, or nil.
func (c *ZergConfig) GetGate(name string) *GateConfig {
	for i := range c.QualityGates {
		if c.QualityGates[i].Name == name {
			return &c.QualityGates[i]
		}
	}
	return nil
}

// RequiredGates returns all gates marked required.
func (c *ZergConfig) RequiredGates() []GateConfig {
	var out []GateConfig
	for _, g := range c.QualityGates {
		if g.Required {
			out = append(out, g)
		}
	}
	return out
}
