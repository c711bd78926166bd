// Package orchestrator wires the state store, task graph, worker launcher
// and level coordinator into the main poll loop: spawn workers, watch for
// stale tasks, retry what is retry-eligible, advance levels as they
// resolve, and auto-respawn workers that disappear mid-run (spec.md
// §4.13).
package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/zerg/pkg/breaker"
	"github.com/cuemby/zerg/pkg/capability"
	"github.com/cuemby/zerg/pkg/config"
	"github.com/cuemby/zerg/pkg/events"
	"github.com/cuemby/zerg/pkg/graph"
	"github.com/cuemby/zerg/pkg/launcher"
	"github.com/cuemby/zerg/pkg/level"
	"github.com/cuemby/zerg/pkg/ports"
	"github.com/cuemby/zerg/pkg/retry"
	"github.com/cuemby/zerg/pkg/store"
	"github.com/cuemby/zerg/pkg/types"
	"github.com/cuemby/zerg/pkg/worktree"
	"github.com/rs/zerolog"
)

// Orchestrator drives one feature run end to end.
type Orchestrator struct {
	feature string
	cfg     *config.ZergConfig

	store        *store.Store
	graph        *graph.Graph
	launcher     launcher.Launcher
	worktrees    *worktree.Manager
	ports        *ports.Allocator
	levels       *level.Coordinator
	circuit      *breaker.Circuit
	backpressure *breaker.Backpressure
	retryMgr     *retry.Manager
	broker       *events.Broker
	log          zerolog.Logger

	mu            sync.Mutex
	running       bool
	stopCh        chan struct{}
	handles       map[int]launcher.Handle
	respawnCounts map[int]int
	taskOutcomes  map[string]types.TaskStatus

	pollInterval time.Duration
	staleTimeout time.Duration
	maxRespawn   int
	onExhausted  string

	taskGraphPath string
	stateDir      string
	specDir       string
	logDir        string
	workerBinary  string
	capabilities  capability.ResolvedCapabilities

	sleep func(time.Duration)
	now   func() time.Time
}

// Deps bundles the collaborators an Orchestrator is composed from.
type Deps struct {
	Store     *store.Store
	Launcher  launcher.Launcher
	Worktrees *worktree.Manager
	Ports     *ports.Allocator
	Levels       *level.Coordinator
	Circuit      *breaker.Circuit
	Backpressure *breaker.Backpressure
	RetryMgr     *retry.Manager
	Broker       *events.Broker

	// StateDir, SpecDir and LogDir are forwarded into every spawned
	// worker's environment (spec.md §4.5); WorkerBinary names the
	// executable the launcher runs (defaults to "zerg-worker", resolved
	// via PATH). Capabilities is the resolved envelope serialized
	// alongside them (spec.md §4.15).
	StateDir     string
	SpecDir      string
	LogDir       string
	WorkerBinary string
	Capabilities capability.ResolvedCapabilities
}

func New(feature string, cfg *config.ZergConfig, d Deps, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		feature:       feature,
		cfg:           cfg,
		store:         d.Store,
		launcher:      d.Launcher,
		worktrees:     d.Worktrees,
		ports:         d.Ports,
		levels:        d.Levels,
		circuit:       d.Circuit,
		backpressure:  d.Backpressure,
		retryMgr:      d.RetryMgr,
		broker:        d.Broker,
		log:           log.With().Str("component", "orchestrator").Logger(),
		stopCh:        make(chan struct{}),
		handles:       map[int]launcher.Handle{},
		respawnCounts: map[int]int{},
		taskOutcomes:  map[string]types.TaskStatus{},
		pollInterval:  time.Duration(cfg.Orchestrator.PollIntervalSeconds) * time.Second,
		staleTimeout:  time.Duration(cfg.Orchestrator.TaskStaleTimeoutSeconds) * time.Second,
		maxRespawn:    cfg.Orchestrator.MaxRespawnAttempts,
		onExhausted:   cfg.Orchestrator.OnRespawnExhausted,
		stateDir:      d.StateDir,
		specDir:       d.SpecDir,
		logDir:        d.LogDir,
		workerBinary:  d.WorkerBinary,
		capabilities:  d.Capabilities,
		sleep:         time.Sleep,
		now:           time.Now,
	}
}

// Start loads the task graph, seeds state, spawns workerCount workers, and
// begins the main poll loop from startLevel (1 if unset).
func (o *Orchestrator) Start(ctx context.Context, taskGraphPath string, workerCount, startLevel int) error {
	g, err := graph.Load(taskGraphPath)
	if err != nil {
		return fmt.Errorf("load task graph: %w", err)
	}
	o.graph = g
	o.taskGraphPath = taskGraphPath

	if startLevel <= 0 {
		startLevel = 1
	}

	if err := o.seedState(g, startLevel); err != nil {
		return fmt.Errorf("seed state: %w", err)
	}
	if _, err := o.broker.Emit(types.EventRushStarted, map[string]interface{}{
		"workers": workerCount, "total_tasks": len(allTasks(g)),
	}); err != nil {
		o.log.Warn().Err(err).Msg("failed to persist rush_started event")
	}

	spawned := o.spawnWorkers(ctx, workerCount)
	if spawned == 0 {
		_, _ = o.broker.Emit(types.EventRushFailed, map[string]interface{}{
			"reason": "no workers spawned", "requested": workerCount,
		})
		return fmt.Errorf("all %d workers failed to spawn", workerCount)
	}
	if spawned < workerCount {
		o.log.Warn().Int("spawned", spawned).Int("requested", workerCount).Msg("continuing with reduced worker capacity")
	}

	if err := o.levels.StartLevel(startLevel, spawned); err != nil {
		return fmt.Errorf("start level %d: %w", startLevel, err)
	}

	o.mu.Lock()
	o.running = true
	o.mu.Unlock()
	go o.run(ctx)
	return nil
}

// seedState pre-populates the store's task and level records from the
// graph, marking every level below startLevel as already complete (the
// --resume-from-level path).
func (o *Orchestrator) seedState(g *graph.Graph, startLevel int) error {
	tasks := allTasks(g)
	levels := g.Levels()
	return o.store.Mutate("", func(snap *store.Snapshot) (map[string]interface{}, error) {
		for _, t := range tasks {
			if _, exists := snap.Tasks[t.ID]; !exists {
				snap.Tasks[t.ID] = t
			}
		}
		for _, n := range levels {
			if _, exists := snap.Levels[n]; !exists {
				snap.Levels[n] = &types.Level{Number: n, Status: types.LevelPending, MergeStatus: types.MergeNone}
			}
			if n < startLevel {
				snap.Levels[n].Status = types.LevelComplete
				snap.Levels[n].MergeStatus = types.MergeComplete
				for _, t := range g.TasksForLevel(n) {
					snap.Tasks[t.ID].Status = types.TaskComplete
				}
			}
		}
		snap.CurrentLevel = startLevel
		return nil, nil
	})
}

func allTasks(g *graph.Graph) []*types.Task {
	var out []*types.Task
	for _, n := range g.Levels() {
		out = append(out, g.TasksForLevel(n)...)
	}
	return out
}

// spawnWorkers creates worktrees, allocates ports, and launches up to count
// worker instances, returning how many actually started.
func (o *Orchestrator) spawnWorkers(ctx context.Context, count int) int {
	spawned := 0
	for id := 1; id <= count; id++ {
		if o.spawnOne(ctx, id) {
			spawned++
		}
	}
	return spawned
}

func (o *Orchestrator) spawnOne(ctx context.Context, workerID int) bool {
	circuitKey := fmt.Sprintf("spawn-worker-%d", workerID)
	if o.circuit != nil && !o.circuit.Allow(circuitKey) {
		o.log.Warn().Int("worker_id", workerID).Msg("circuit open, skipping spawn attempt")
		return false
	}

	path, branch, err := o.worktrees.Create(o.feature, workerID)
	if err != nil {
		o.log.Error().Err(err).Int("worker_id", workerID).Msg("failed to create worktree")
		o.recordSpawnOutcome(circuitKey, false)
		return false
	}
	port, err := o.ports.AllocateOne(workerID)
	if err != nil {
		o.log.Error().Err(err).Int("worker_id", workerID).Msg("failed to allocate port")
		o.recordSpawnOutcome(circuitKey, false)
		return false
	}

	binary := o.workerBinary
	if binary == "" {
		binary = "zerg-worker"
	}
	spec := launcher.Spec{
		WorkerID: workerID, Feature: o.feature, WorktreePath: path, Branch: branch, Port: port,
		Command: binary, Env: o.workerEnv(workerID, branch, path),
	}
	h, err := o.launcher.Spawn(ctx, spec)
	if err != nil {
		o.log.Error().Err(err).Int("worker_id", workerID).Msg("failed to spawn worker")
		o.ports.Release(port)
		o.recordSpawnOutcome(circuitKey, false)
		return false
	}
	o.recordSpawnOutcome(circuitKey, true)

	o.mu.Lock()
	o.handles[workerID] = h
	o.mu.Unlock()

	startedAt := o.now()
	if err := o.store.Mutate("", func(snap *store.Snapshot) (map[string]interface{}, error) {
		snap.Workers[workerID] = &types.Worker{
			WorkerID: workerID, Status: types.WorkerSpawning, Branch: branch,
			WorktreePath: path, Port: &port, StartedAt: &startedAt,
			PID: h.PID, ContainerID: h.ContainerID,
		}
		return nil, nil
	}); err != nil {
		o.log.Warn().Err(err).Int("worker_id", workerID).Msg("failed to record spawned worker")
	}
	_, _ = o.broker.Emit(types.EventWorkerStarted, map[string]interface{}{"worker_id": workerID, "branch": branch})
	return true
}

// workerEnv builds the fixed ZERG_* environment set injected into every
// spawned worker (spec.md §4.5, §4.15), merging in the resolved
// capability envelope shared across the whole run.
func (o *Orchestrator) workerEnv(workerID int, branch, worktreePath string) map[string]string {
	env := map[string]string{
		"ZERG_WORKER_ID":                 strconv.Itoa(workerID),
		"ZERG_FEATURE":                   o.feature,
		"ZERG_BRANCH":                    branch,
		"ZERG_WORKTREE":                  worktreePath,
		"ZERG_TASK_GRAPH":                o.taskGraphPath,
		"ZERG_STATE_DIR":                 o.stateDir,
		"ZERG_SPEC_DIR":                  o.specDir,
		"ZERG_LOG_DIR":                   o.logDir,
		"ZERG_CONTEXT_THRESHOLD_PERCENT": strconv.Itoa(o.cfg.Workers.ContextThresholdPercent),
		"ZERG_VERIFICATION_RETRY_COUNT":  strconv.Itoa(o.cfg.Verification.RetryCount),
	}
	for k, v := range o.capabilities.ToEnv() {
		env[k] = v
	}
	return env
}

func (o *Orchestrator) recordSpawnOutcome(key string, success bool) {
	if o.circuit == nil {
		return
	}
	if success {
		o.circuit.RecordSuccess(key)
	} else {
		o.circuit.RecordFailure(key)
	}
}

// run is the main poll loop: one cycle every pollInterval until Stop.
func (o *Orchestrator) run(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := o.pollOnce(ctx); err != nil {
				o.log.Error().Err(err).Msg("poll cycle failed")
			}
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// pollOnce runs one iteration of stale-task detection, retry promotion,
// and level-advancement logic.
func (o *Orchestrator) pollOnce(ctx context.Context) error {
	snap, err := o.store.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	if stale := o.checkStaleTasks(snap); len(stale) > 0 {
		_, _ = o.broker.Emit(types.EventStaleTasksDetected, map[string]interface{}{"task_ids": stale})
	}
	o.checkRetryReadyTasks(snap)
	o.recordTaskOutcomes(snap)
	o.checkWorkerHealth(ctx, snap)

	current := snap.CurrentLevel
	if current > 0 && !snap.Paused && o.isLevelResolved(snap, current) {
		if err := o.advanceFromLevel(ctx, snap, current); err != nil {
			return err
		}
	}

	o.maybeAutoRespawn(ctx, snap, current)
	return nil
}

// checkStaleTasks fails any in-progress task that has run longer than
// staleTimeout, scheduling a retry-ready timestamp for it.
func (o *Orchestrator) checkStaleTasks(snap *store.Snapshot) []string {
	var stale []string
	for id, t := range snap.Tasks {
		if t.Status != types.TaskInProgress || t.StartedAt == nil {
			continue
		}
		if o.now().Sub(*t.StartedAt) <= o.staleTimeout {
			continue
		}
		stale = append(stale, id)
		retryCount := t.RetryCount + 1
		readyAt := o.retryMgr.RetryReadyAt(o.now(), t.RetryCount)
		_ = o.store.SetTaskStatus(id, types.TaskFailed, func(task *types.Task) {
			task.LastError = "stale task timeout"
			task.RetryCount = retryCount
			task.RetryReadyAt = &readyAt
		})
	}
	return stale
}

// checkRetryReadyTasks promotes failed tasks whose retry-ready timestamp
// has passed, and whose classification still permits another attempt,
// back to pending.
func (o *Orchestrator) checkRetryReadyTasks(snap *store.Snapshot) {
	for id, t := range snap.Tasks {
		if t.Status != types.TaskFailed || t.RetryReadyAt == nil {
			continue
		}
		if o.now().Before(*t.RetryReadyAt) {
			continue
		}
		class := retry.Classify(t.LastError)
		limit := retry.Limit(class, o.cfg.Workers.RetryAttempts)
		if t.RetryCount > limit {
			continue
		}
		_ = o.store.SetTaskStatus(id, types.TaskPending, func(task *types.Task) {
			task.RetryReadyAt = nil
			task.WorkerID = nil
		})
	}
}

// recordTaskOutcomes feeds each task's terminal status into the
// backpressure controller's per-level sliding window exactly once per
// outcome (spec.md §4.9: "sliding window of the last W task outcomes").
// A task that retries back to pending is forgotten so its next
// completion or failure is recorded as a fresh outcome.
func (o *Orchestrator) recordTaskOutcomes(snap *store.Snapshot) {
	if o.backpressure == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, t := range snap.Tasks {
		switch t.Status {
		case types.TaskComplete:
			if o.taskOutcomes[id] != types.TaskComplete {
				o.backpressure.RecordSuccess(t.Level)
				o.taskOutcomes[id] = types.TaskComplete
			}
		case types.TaskFailed:
			if o.taskOutcomes[id] != types.TaskFailed {
				o.backpressure.RecordFailure(t.Level)
				o.taskOutcomes[id] = types.TaskFailed
			}
		default:
			delete(o.taskOutcomes, id)
		}
	}
}

// checkWorkerHealth probes every live worker through the launcher each
// cycle (spec.md §4.13 step 3) and, for any worker the launcher reports
// as no longer running, resets its stranded in-progress task to pending
// with retry_count left unchanged and emits worker_crash (spec.md §8 S2).
// This runs regardless of whether other workers are still healthy,
// unlike maybeAutoRespawn's all-workers-gone fallback.
func (o *Orchestrator) checkWorkerHealth(ctx context.Context, snap *store.Snapshot) {
	o.mu.Lock()
	handles := make(map[int]launcher.Handle, len(o.handles))
	for id, h := range o.handles {
		handles[id] = h
	}
	o.mu.Unlock()

	for workerID, h := range handles {
		status, err := o.launcher.Monitor(ctx, h)
		if err == nil && status.Running {
			continue
		}

		w, ok := snap.Workers[workerID]
		if !ok || w.Status == types.WorkerCrashed || w.Status == types.WorkerStopped {
			continue
		}

		o.log.Warn().Int("worker_id", workerID).Msg("worker no longer running, reassigning its task")
		_ = o.store.SetWorkerState(workerID, types.WorkerCrashed, func(worker *types.Worker) {
			worker.CurrentTask = ""
		})

		taskID := w.CurrentTask
		if taskID != "" {
			if t, ok := snap.Tasks[taskID]; ok && t.Status == types.TaskInProgress {
				_ = o.store.SetTaskStatus(taskID, types.TaskPending, func(task *types.Task) {
					task.WorkerID = nil
					task.StartedAt = nil
				})
			}
		}

		o.mu.Lock()
		delete(o.handles, workerID)
		o.mu.Unlock()

		_, _ = o.broker.Emit(types.EventWorkerCrash, map[string]interface{}{
			"worker_id": workerID, "task_id": taskID,
		})
	}
}

// isLevelResolved reports whether every task at level has left the
// pending/in-progress/paused states.
func (o *Orchestrator) isLevelResolved(snap *store.Snapshot, level int) bool {
	found := false
	for _, t := range snap.Tasks {
		if t.Level != level {
			continue
		}
		found = true
		switch t.Status {
		case types.TaskPending, types.TaskInProgress, types.TaskPaused:
			return false
		}
	}
	return found
}

func (o *Orchestrator) advanceFromLevel(ctx context.Context, snap *store.Snapshot, current int) error {
	branches := o.activeBranches()
	ok := o.levels.HandleLevelComplete(ctx, current, branches)
	if !ok {
		return nil // paused for intervention; the poll loop keeps polling but won't re-enter this level
	}

	next := nextLevel(o.graph, current)
	if next == 0 {
		return o.store.Mutate("", func(s *store.Snapshot) (map[string]interface{}, error) {
			s.IsComplete = true
			return nil, nil
		})
	}

	o.mu.Lock()
	workerCount := len(o.handles)
	o.mu.Unlock()
	return o.levels.StartLevel(next, workerCount)
}

func nextLevel(g *graph.Graph, current int) int {
	for _, n := range g.Levels() {
		if n > current {
			return n
		}
	}
	return 0
}

func (o *Orchestrator) activeBranches() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.handles))
	for id := range o.handles {
		out = append(out, worktree.Branch(o.feature, id))
	}
	return out
}

// maybeAutoRespawn replaces workers that have disappeared while tasks for
// the current level still remain, honouring maxRespawn per worker slot.
func (o *Orchestrator) maybeAutoRespawn(ctx context.Context, snap *store.Snapshot, level int) {
	if o.anyActiveWorker(ctx) {
		return
	}
	var remaining int
	for _, t := range snap.Tasks {
		if t.Level == level && (t.Status == types.TaskPending || t.Status == types.TaskInProgress) {
			remaining++
		}
	}
	if remaining == 0 {
		return
	}

	workerIDs := make([]int, 0, len(snap.Workers))
	for id := range snap.Workers {
		workerIDs = append(workerIDs, id)
	}

	respawned := 0
	for _, id := range workerIDs {
		if o.respawnCounts[id] >= o.maxRespawn {
			continue
		}
		o.respawnCounts[id]++
		if o.spawnOne(ctx, id) {
			respawned++
			_, _ = o.broker.Emit(types.EventAutoRespawn, map[string]interface{}{
				"worker_id": id, "respawn_count": o.respawnCounts[id], "max_respawn": o.maxRespawn,
			})
		}
	}

	if respawned == 0 {
		_, _ = o.broker.Emit(types.EventAutoRespawnExhausted, map[string]interface{}{
			"level": level, "max_respawn": o.maxRespawn,
		})
		if o.onExhausted == "park_tasks" {
			for id, t := range snap.Tasks {
				if t.Level == level && (t.Status == types.TaskPending || t.Status == types.TaskInProgress) {
					_ = o.store.SetTaskStatus(id, types.TaskSkipped, nil)
				}
			}
			_ = o.store.SetPaused(true, "auto-respawn exhausted, tasks parked")
		} else {
			_ = o.store.SetError("auto-respawn exhausted, all workers gone")
		}
	}
}

func (o *Orchestrator) anyActiveWorker(ctx context.Context) bool {
	o.mu.Lock()
	handles := make([]launcher.Handle, 0, len(o.handles))
	for _, h := range o.handles {
		handles = append(handles, h)
	}
	o.mu.Unlock()

	for _, h := range handles {
		status, err := o.launcher.Monitor(ctx, h)
		if err == nil && status.Running {
			return true
		}
	}
	return false
}

// Stop terminates every worker, releases ports, and persists the final
// rush_stopped event.
func (o *Orchestrator) Stop(ctx context.Context, force bool) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	handles := make(map[int]launcher.Handle, len(o.handles))
	for id, h := range o.handles {
		handles[id] = h
	}
	o.mu.Unlock()

	timeout := 5 * time.Second
	if force {
		timeout = 0
	}
	for id, h := range handles {
		if err := o.launcher.Terminate(ctx, h, timeout); err != nil {
			o.log.Warn().Err(err).Int("worker_id", id).Msg("failed to terminate worker")
		}
		o.ports.ReleaseWorker(id)
	}

	close(o.stopCh)
	_, _ = o.broker.Emit(types.EventRushStopped, map[string]interface{}{"force": force})
	return nil
}
