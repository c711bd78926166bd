// Package types holds the ZERG data model: tasks, levels, workers, events,
// escalations and gate artifacts, as persisted by pkg/store.
package types

import "time"

// TaskStatus is the runtime status of a Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskPaused     TaskStatus = "paused"
	TaskComplete   TaskStatus = "complete"
	TaskFailed     TaskStatus = "failed"
	TaskSkipped    TaskStatus = "skipped"
)

// FileSet is the disjoint create/modify/read file ownership declaration
// for a task.
type FileSet struct {
	Create []string `json:"create,omitempty"`
	Modify []string `json:"modify,omitempty"`
	Read   []string `json:"read,omitempty"`
}

// Verification describes the optional verification command for a task.
type Verification struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Task is the immutable input plus a mutable status record.
type Task struct {
	ID              string        `json:"id"`
	Title           string        `json:"title"`
	Description     string        `json:"description"`
	Level           int           `json:"level"`
	Dependencies    []string      `json:"dependencies"`
	Files           FileSet       `json:"files"`
	Verification    *Verification `json:"verification,omitempty"`
	EstimateMinutes int           `json:"estimate_minutes,omitempty"`

	// Runtime status, mutated by the orchestrator / worker.
	Status       TaskStatus `json:"status"`
	WorkerID     *int       `json:"worker_id,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMS   int64      `json:"duration_ms,omitempty"`
	RetryCount   int        `json:"retry_count"`
	LastError    string     `json:"last_error,omitempty"`
	RetryReadyAt *time.Time `json:"retry_ready_at,omitempty"`
}

// AllFiles returns the union of create and modify sets, used for the
// file-ownership invariant check.
func (t *Task) AllFiles() []string {
	out := make([]string, 0, len(t.Files.Create)+len(t.Files.Modify))
	out = append(out, t.Files.Create...)
	out = append(out, t.Files.Modify...)
	return out
}

// LevelStatus is the lifecycle status of a Level.
type LevelStatus string

const (
	LevelPending  LevelStatus = "pending"
	LevelRunning  LevelStatus = "running"
	LevelComplete LevelStatus = "complete"
)

// MergeStatus is the level-merge lifecycle status.
type MergeStatus string

const (
	MergeNone     MergeStatus = "none"
	MergePending  MergeStatus = "pending"
	MergeMerging  MergeStatus = "merging"
	MergeConflict MergeStatus = "conflict"
	MergeComplete MergeStatus = "complete"
	MergeFailed   MergeStatus = "failed"
	MergeRebasing MergeStatus = "rebasing"
)

// LevelCounters tracks per-level task totals.
type LevelCounters struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Level tracks the lifecycle of one task-graph level.
type Level struct {
	Number      int           `json:"number"`
	Status      LevelStatus   `json:"status"`
	MergeStatus MergeStatus   `json:"merge_status"`
	MergeCommit string        `json:"merge_commit,omitempty"`
	Counters    LevelCounters `json:"counters"`
}

// WorkerStatus is the status lattice for a Worker.
// Status lattice: spawning -> initializing -> running/ready -> {idle,
// checkpointing, stalled, crashed, stopped}. Exactly one of {running, idle,
// checkpointing, stalled} holds at any time once initialized.
type WorkerStatus string

const (
	WorkerSpawning      WorkerStatus = "spawning"
	WorkerInitializing  WorkerStatus = "initializing"
	WorkerReady         WorkerStatus = "ready"
	WorkerRunning       WorkerStatus = "running"
	WorkerIdle          WorkerStatus = "idle"
	WorkerCheckpointing WorkerStatus = "checkpointing"
	WorkerStalled       WorkerStatus = "stalled"
	WorkerCrashed       WorkerStatus = "crashed"
	WorkerStopped       WorkerStatus = "stopped"
)

// Worker is the orchestrator's record of a single worker process/container.
type Worker struct {
	WorkerID       int          `json:"worker_id"`
	Status         WorkerStatus `json:"status"`
	Branch         string       `json:"branch"`
	WorktreePath   string       `json:"worktree_path"`
	Port           *int         `json:"port,omitempty"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	ReadyAt        *time.Time   `json:"ready_at,omitempty"`
	CurrentTask    string       `json:"current_task,omitempty"`
	TasksCompleted int          `json:"tasks_completed"`
	ContextUsage   float64      `json:"context_usage"`
	HealthCheckAt  *time.Time   `json:"health_check_at,omitempty"`
	PID            int          `json:"pid,omitempty"`
	ContainerID    string       `json:"container_id,omitempty"`
	RespawnCount   int          `json:"respawn_count"`
}

// EventType names a domain event. The vocabulary is fixed by the original
// implementation so event-log consumers (and the status CLI) can pattern
// match on literal strings.
type EventType string

const (
	EventRushStarted          EventType = "rush_started"
	EventWorkerStarted        EventType = "worker_started"
	EventWorkerReady          EventType = "worker_ready"
	EventLevelStarted         EventType = "level_started"
	EventTaskComplete         EventType = "task_complete"
	EventLevelComplete        EventType = "level_complete"
	EventMergeComplete        EventType = "merge_complete"
	EventLevelPaused          EventType = "level_paused"
	EventWorkerCrash          EventType = "worker_crash"
	EventRushStopped          EventType = "rush_stopped"
	EventRushFailed           EventType = "rush_failed"
	EventAutoRespawn          EventType = "auto_respawn"
	EventAutoRespawnExhausted EventType = "auto_respawn_exhausted"
	EventStaleTasksDetected   EventType = "stale_tasks_detected"
	EventResumed              EventType = "resumed"
	EventLoopCompleted        EventType = "loop_completed"
)

// Event is an append-only domain event record.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// EscalationCategory classifies why a worker escalated.
type EscalationCategory string

const (
	EscalationAmbiguousSpec       EscalationCategory = "ambiguous_spec"
	EscalationDependencyMissing   EscalationCategory = "dependency_missing"
	EscalationVerificationUnclear EscalationCategory = "verification_unclear"
)

// Escalation is a worker-originated report of an ambiguous situation.
type Escalation struct {
	ID        string                 `json:"id"`
	WorkerID  int                    `json:"worker_id"`
	TaskID    string                 `json:"task_id"`
	Timestamp time.Time              `json:"timestamp"`
	Category  EscalationCategory     `json:"category"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Resolved  bool                   `json:"resolved"`
}

// GateResult is the pass/fail/skip outcome persisted in a gate artifact.
type GateResult string

const (
	GateResultPass GateResult = "pass"
	GateResultFail GateResult = "fail"
	GateResultSkip GateResult = "skip"
)

// GateArtifact is the cached result of running one quality gate at one
// level, indexed by (level, gate_name).
type GateArtifact struct {
	GateName   string     `json:"gate_name"`
	Timestamp  time.Time  `json:"timestamp"`
	Result     GateResult `json:"result"`
	ExitCode   int        `json:"exit_code"`
	Stdout     string     `json:"stdout"`
	Stderr     string     `json:"stderr"`
	DurationMS int64      `json:"duration_ms"`
}

// FeatureLock is the advisory lockfile payload.
type FeatureLock struct {
	PID          int   `json:"pid"`
	EpochSeconds int64 `json:"epoch_seconds"`
}

// StaleAfter is the lock staleness threshold (spec.md §3/§8: age > 2h is
// stale; exactly 2h is still active).
const StaleAfter = 2 * time.Hour
