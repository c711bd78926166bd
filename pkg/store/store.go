/*
Package store provides the crash-safe, single-writer-discipline state
store for a ZERG feature run.

State lives in three files under .zerg/state/{feature}.json (the
authoritative snapshot), .zerg/state/events.jsonl (an append-only event
log) and .zerg/state/escalations.json. Every snapshot mutation follows the
same transaction shape: acquire the process-exclusive lockfile, load the
current snapshot from disk, mutate in memory, write the new snapshot
atomically (temp file + rename), append an event, release the lock.

The store never silently overwrites a corrupt snapshot; Load returns an
error instead, per the design note that a corrupt state file requires
manual intervention.
*/
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/zerg/pkg/types"
)

// Sentinel errors checked with errors.Is by callers.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrLockHeld     = errors.New("lock held by another process")
	ErrLockStale    = errors.New("lock is stale")
	ErrGraphMismatch = errors.New("state file belongs to a different task graph")
)

// Snapshot is the full persisted state for one feature.
type Snapshot struct {
	Feature        string                  `json:"feature"`
	GraphHash      string                  `json:"graph_hash"`
	CurrentLevel   int                     `json:"current_level"`
	Tasks          map[string]*types.Task  `json:"tasks"`
	Levels         map[int]*types.Level    `json:"levels"`
	Workers        map[int]*types.Worker   `json:"workers"`
	Paused         bool                    `json:"paused"`
	PausedReason   string                  `json:"paused_reason,omitempty"`
	Error          string                  `json:"error,omitempty"`
	IsComplete     bool                    `json:"is_complete"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

func newSnapshot(feature, graphHash string) *Snapshot {
	return &Snapshot{
		Feature:   feature,
		GraphHash: graphHash,
		Tasks:     map[string]*types.Task{},
		Levels:    map[int]*types.Level{},
		Workers:   map[int]*types.Worker{},
		UpdatedAt: time.Now(),
	}
}

// DependencyChecker reports whether a task id's dependencies are all
// complete, as judged by the task graph.
type DependencyChecker func(taskID string) bool

// Store is the exclusive facade over persisted feature state. All snapshot-
// mutating methods funnel through the lock -> load -> mutate -> save -> event
// transaction helper; the escalation methods in escalation.go are written
// under the in-process mutex only, without the lockfile or an event.
// Nothing outside this package touches the files directly.
type Store struct {
	mu        sync.Mutex // in-process serialization; the lockfile serializes across processes
	stateDir  string
	feature   string
	graphHash string
	pid       int
}

// New returns a Store rooted at stateDir (typically .zerg/state) for the
// given feature. graphHash is the content hash of the task graph used to
// detect the "same feature, different graph" ambiguity (spec.md §9 open
// question 1).
func New(stateDir, feature, graphHash string) *Store {
	return &Store{
		stateDir:  stateDir,
		feature:   feature,
		graphHash: graphHash,
		pid:       os.Getpid(),
	}
}

func (s *Store) statePath() string {
	return filepath.Join(s.stateDir, s.feature+".json")
}

func (s *Store) eventsPath() string {
	return filepath.Join(s.stateDir, "events.jsonl")
}

func (s *Store) lockPath() string {
	return filepath.Join(s.stateDir, "..", "locks", s.feature+".lock")
}

// Load re-reads the snapshot from disk. If no snapshot exists yet, a fresh
// one is returned (not persisted until the first Save). A pre-existing
// snapshot whose graph_hash does not match s.graphHash is rejected.
func (s *Store) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.statePath())
	if errors.Is(err, os.ErrNotExist) {
		return newSnapshot(s.feature, s.graphHash), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("state file %s is corrupt, refusing to proceed: %w", s.statePath(), err)
	}
	if snap.GraphHash != "" && s.graphHash != "" && snap.GraphHash != s.graphHash {
		return nil, fmt.Errorf("%w: feature %q was last run with a different task graph", ErrGraphMismatch, s.feature)
	}
	return &snap, nil
}

// Save atomically persists snap: write to a sibling temp file, fsync, then
// rename over the target. Rename-over-file is the durability boundary.
func (s *Store) Save(snap *Snapshot) error {
	if err := os.MkdirAll(s.stateDir, 0o755); err != nil {
		return err
	}
	snap.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp, err := os.CreateTemp(s.stateDir, s.feature+".json.tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fsync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.statePath()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename state file into place: %w", err)
	}
	return nil
}

// AppendEvent durably appends one event to the JSONL event log, generating
// an id and timestamp if unset. It is crash-safe: the write is flushed
// before this call returns.
func (s *Store) AppendEvent(typ types.EventType, payload map[string]interface{}) (*types.Event, error) {
	if err := os.MkdirAll(s.stateDir, 0o755); err != nil {
		return nil, err
	}
	ev := &types.Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Type:      typ,
		Payload:   payload,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	f, err := os.OpenFile(s.eventsPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	return ev, f.Sync()
}

// Mutate runs fn under the exclusive lock with a freshly loaded snapshot,
// persists the result, and appends the given event type with fn's returned
// payload. This is the "load -> mutate -> save -> append event" transaction
// helper every snapshot-mutating method in this package funnels through.
func (s *Store) Mutate(eventType types.EventType, fn func(*Snapshot) (payload map[string]interface{}, err error)) error {
	release, err := s.acquireLock()
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.Load()
	if err != nil {
		return err
	}
	payload, err := fn(snap)
	if err != nil {
		return err
	}
	if err := s.Save(snap); err != nil {
		return err
	}
	if eventType != "" {
		if _, err := s.AppendEvent(eventType, payload); err != nil {
			return err
		}
	}
	return nil
}

// SetTaskStatus sets a task's status and bookkeeping fields.
func (s *Store) SetTaskStatus(taskID string, status types.TaskStatus, mutate func(*types.Task)) error {
	return s.Mutate("", func(snap *Snapshot) (map[string]interface{}, error) {
		t, ok := snap.Tasks[taskID]
		if !ok {
			return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
		}
		t.Status = status
		if mutate != nil {
			mutate(t)
		}
		return nil, nil
	})
}

// SetWorkerState sets a worker's status.
func (s *Store) SetWorkerState(workerID int, status types.WorkerStatus, mutate func(*types.Worker)) error {
	return s.Mutate("", func(snap *Snapshot) (map[string]interface{}, error) {
		w, ok := snap.Workers[workerID]
		if !ok {
			return nil, fmt.Errorf("%w: worker %d", ErrNotFound, workerID)
		}
		w.Status = status
		if mutate != nil {
			mutate(w)
		}
		return nil, nil
	})
}

// SetLevelStatus sets a level's lifecycle status.
func (s *Store) SetLevelStatus(level int, status types.LevelStatus) error {
	return s.Mutate("", func(snap *Snapshot) (map[string]interface{}, error) {
		l, ok := snap.Levels[level]
		if !ok {
			return nil, fmt.Errorf("%w: level %d", ErrNotFound, level)
		}
		l.Status = status
		return nil, nil
	})
}

// SetLevelMergeStatus sets a level's merge status and optional merge commit.
func (s *Store) SetLevelMergeStatus(level int, status types.MergeStatus, mergeCommit string) error {
	return s.Mutate("", func(snap *Snapshot) (map[string]interface{}, error) {
		l, ok := snap.Levels[level]
		if !ok {
			return nil, fmt.Errorf("%w: level %d", ErrNotFound, level)
		}
		l.MergeStatus = status
		if mergeCommit != "" {
			l.MergeCommit = mergeCommit
		}
		return nil, nil
	})
}

// RecordTaskDuration records duration_ms for a completed task.
func (s *Store) RecordTaskDuration(taskID string, durationMS int64) error {
	return s.Mutate("", func(snap *Snapshot) (map[string]interface{}, error) {
		t, ok := snap.Tasks[taskID]
		if !ok {
			return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
		}
		t.DurationMS = durationMS
		return nil, nil
	})
}

// SetError records a fatal error on the snapshot.
func (s *Store) SetError(msg string) error {
	return s.Mutate("", func(snap *Snapshot) (map[string]interface{}, error) {
		snap.Error = msg
		return nil, nil
	})
}

// SetPaused pauses or resumes the whole run.
func (s *Store) SetPaused(paused bool, reason string) error {
	return s.Mutate(types.EventResumed, func(snap *Snapshot) (map[string]interface{}, error) {
		snap.Paused = paused
		snap.PausedReason = reason
		if paused {
			return map[string]interface{}{"reason": reason}, nil
		}
		return map[string]interface{}{}, nil
	})
}

// ClaimTask is the atomic read-modify-write behind task claiming. It
// rejects the claim if the task is not at currentLevel, if a dependency is
// unfinished, or if another worker already holds the task. A second claim
// by the same worker on the same still-running task is idempotent: it
// returns true without mutating anything.
func (s *Store) ClaimTask(taskID string, workerID int, currentLevel int, depsOK DependencyChecker) (claimed bool, err error) {
	err = s.Mutate("", func(snap *Snapshot) (map[string]interface{}, error) {
		t, ok := snap.Tasks[taskID]
		if !ok {
			return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
		}
		if t.Status == types.TaskInProgress && t.WorkerID != nil && *t.WorkerID == workerID {
			claimed = true
			return nil, nil
		}
		if t.Level != currentLevel {
			return nil, nil
		}
		if t.Status != types.TaskPending {
			return nil, nil
		}
		if depsOK != nil && !depsOK(taskID) {
			return nil, nil
		}
		now := time.Now()
		t.Status = types.TaskInProgress
		wid := workerID
		t.WorkerID = &wid
		t.StartedAt = &now
		if w, ok := snap.Workers[workerID]; ok {
			w.CurrentTask = taskID
		}
		claimed = true
		return map[string]interface{}{"task_id": taskID, "worker_id": workerID}, nil
	})
	return claimed, err
}

// GenerateStateMD projects the snapshot to a human-readable markdown
// summary. Non-authoritative; written alongside the JSON snapshot for
// operators to eyeball.
func (s *Store) GenerateStateMD(snap *Snapshot) string {
	md := fmt.Sprintf("# ZERG state: %s\n\ncurrent level: %d\ncomplete: %v\npaused: %v\n\n## Levels\n",
		snap.Feature, snap.CurrentLevel, snap.IsComplete, snap.Paused)
	for lvl, l := range snap.Levels {
		md += fmt.Sprintf("- level %d: %s (merge: %s) %d/%d complete, %d failed\n",
			lvl, l.Status, l.MergeStatus, l.Counters.Completed, l.Counters.Total, l.Counters.Failed)
	}
	return md
}
