// Package level coordinates one task-graph level's lifecycle: starting it
// (assigning pending tasks to workers), detecting completion, driving the
// merge protocol with backoff retries, and deciding whether a failed merge
// pauses the whole run or simply the level (spec.md §4.9-§4.12).
package level

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/zerg/pkg/assign"
	"github.com/cuemby/zerg/pkg/breaker"
	"github.com/cuemby/zerg/pkg/config"
	"github.com/cuemby/zerg/pkg/events"
	"github.com/cuemby/zerg/pkg/graph"
	"github.com/cuemby/zerg/pkg/loop"
	"github.com/cuemby/zerg/pkg/merge"
	"github.com/cuemby/zerg/pkg/store"
	"github.com/cuemby/zerg/pkg/types"
	"github.com/rs/zerolog"
)

// ImproveFunc re-runs a level's worker commands for one more pass and
// returns the resulting quality-gate score. It is wired in through
// WithImprovement, since the level coordinator itself has no way to invoke
// an LLM worker; without it the improvement loop does not run.
type ImproveFunc func(ctx context.Context, level, iteration int) (float64, error)

// mergeBackoffSeconds gives the retry delay (10s, 20s, 40s) for successive
// failed merge attempts.
func mergeBackoffSeconds(attempt int) time.Duration {
	return time.Duration(10<<attempt) * time.Second
}

// Coordinator drives one feature's levels from start through merge.
type Coordinator struct {
	feature string
	cfg     *config.ZergConfig
	store   *store.Store
	graph   *graph.Graph
	merger  *merge.Coordinator
	backpressure *breaker.Backpressure
	broker  *events.Broker
	log     zerolog.Logger

	loopCtrl *loop.Controller
	improve  ImproveFunc

	sleep func(time.Duration)
}

func New(feature string, cfg *config.ZergConfig, st *store.Store, g *graph.Graph, merger *merge.Coordinator, bp *breaker.Backpressure, broker *events.Broker, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		feature:      feature,
		cfg:          cfg,
		store:        st,
		graph:        g,
		merger:       merger,
		backpressure: bp,
		broker:       broker,
		log:          log.With().Str("component", "level").Logger(),
		sleep:        time.Sleep,
	}
}

// WithImprovement enables the optional improvement loop for this
// coordinator, wiring in the callback that actually re-runs worker
// commands for another pass.
func (c *Coordinator) WithImprovement(fn ImproveFunc) *Coordinator {
	c.improve = fn
	c.loopCtrl = loop.New(c.cfg.ImprovementLoops, c.log)
	return c
}

// StartLevel transitions a level to running, registers it with the
// backpressure controller, and assigns its pending tasks across workerCount
// workers.
func (c *Coordinator) StartLevel(level, workerCount int) error {
	tasks := c.graph.TasksForLevel(level)
	if c.backpressure != nil {
		c.backpressure.RegisterLevel(level, len(tasks))
	}

	if err := c.store.Mutate("", func(snap *store.Snapshot) (map[string]interface{}, error) {
		snap.CurrentLevel = level
		if l, ok := snap.Levels[level]; ok {
			l.Status = types.LevelRunning
		}
		return nil, nil
	}); err != nil {
		return err
	}

	plan := assign.Assign(level, tasks, workerCount)
	for _, a := range plan.Assignments {
		workerID := a.WorkerID
		if err := c.store.SetTaskStatus(a.TaskID, types.TaskPending, func(t *types.Task) {
			t.WorkerID = &workerID
		}); err != nil {
			c.log.Warn().Err(err).Str("task_id", a.TaskID).Msg("failed to assign task")
		}
	}

	c.log.Info().Int("level", level).Int("tasks", len(tasks)).Msg("level started")
	if c.broker != nil {
		_, _ = c.broker.Emit(types.EventLevelStarted, map[string]interface{}{
			"level": level, "tasks": len(tasks),
		})
	}
	return nil
}

// HandleLevelComplete runs the merge protocol for level with retries and
// exponential backoff (10s/20s/40s), recording the outcome in the state
// store and backpressure controller. It returns true if the run can
// advance to the next level.
func (c *Coordinator) HandleLevelComplete(ctx context.Context, level int, sourceBranches []string) bool {
	c.log.Info().Int("level", level).Msg("level complete, starting merge")
	if err := c.store.SetLevelMergeStatus(level, types.MergeMerging, ""); err != nil {
		c.log.Warn().Err(err).Msg("failed to record merge status")
	}

	maxRetries := c.cfg.Merge.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	gates := c.cfg.QualityGates
	skipGates := false // level merges run every configured gate; rush --skip-tests only affects the workers' capabilities

	var result merge.FlowResult
	for attempt := 0; attempt < maxRetries; attempt++ {
		result = c.merger.FullMergeFlow(ctx, level, sourceBranches, gates, skipGates)
		if result.Success {
			break
		}
		if attempt < maxRetries-1 {
			backoff := mergeBackoffSeconds(attempt)
			c.log.Warn().Int("level", level).Int("attempt", attempt+1).Dur("backoff", backoff).Str("error", result.Error).Msg("merge attempt failed, retrying")
			c.sleep(backoff)
		}
	}

	if result.Success {
		return c.onMergeSuccess(ctx, level, result)
	}
	return c.onMergeFailure(level, result)
}

func (c *Coordinator) onMergeSuccess(ctx context.Context, level int, result merge.FlowResult) bool {
	if c.backpressure != nil {
		c.backpressure.RecordSuccess(level)
	}
	if err := c.store.SetLevelMergeStatus(level, types.MergeComplete, result.MergeCommit); err != nil {
		c.log.Warn().Err(err).Msg("failed to record merge complete")
	}
	if err := c.store.SetLevelStatus(level, types.LevelComplete); err != nil {
		c.log.Warn().Err(err).Msg("failed to record level complete")
	}
	if c.broker != nil {
		_, _ = c.broker.Emit(types.EventMergeComplete, map[string]interface{}{"level": level, "merge_commit": result.MergeCommit})
		_, _ = c.broker.Emit(types.EventLevelComplete, map[string]interface{}{"level": level})
	}
	c.log.Info().Int("level", level).Str("merge_commit", result.MergeCommit).Msg("level merge complete")

	if c.loopCtrl != nil && c.improve != nil && c.cfg.ImprovementLoops.Enabled {
		c.runImprovementLoop(ctx, level, result)
	}
	return true
}

func (c *Coordinator) runImprovementLoop(ctx context.Context, level int, result merge.FlowResult) {
	required := map[string]bool{}
	for _, g := range c.cfg.QualityGates {
		required[g.Name] = g.Required
	}
	outcomes := make([]loop.GateOutcome, 0, len(result.GateResults))
	for _, g := range result.GateResults {
		outcomes = append(outcomes, loop.GateOutcome{Required: required[g.Gate], Passed: g.Result == "pass"})
	}
	initial := loop.ScoreFromGates(outcomes)

	summary := c.loopCtrl.Run(func(i int) (float64, error) {
		return c.improve(ctx, level, i)
	}, initial)

	c.log.Info().Int("level", level).Str("status", string(summary.Status)).
		Float64("best_score", summary.BestScore).Int("best_iteration", summary.BestIteration).
		Msg("improvement loop finished")
}

func (c *Coordinator) onMergeFailure(level int, result merge.FlowResult) bool {
	if c.backpressure != nil {
		c.backpressure.RecordFailure(level)
		if c.backpressure.ShouldPause(level) {
			c.backpressure.PauseLevel(level)
			c.log.Warn().Int("level", level).Float64("failure_rate", c.backpressure.FailureRate(level)).Msg("level paused by backpressure controller")
			if c.broker != nil {
				_, _ = c.broker.Emit(types.EventLevelPaused, map[string]interface{}{"level": level, "reason": "backpressure"})
			}
		}
	}

	if result.Conflict || strings.Contains(strings.ToLower(result.Error), "conflict") {
		_ = c.store.SetLevelMergeStatus(level, types.MergeConflict, "")
		c.pauseForIntervention("merge conflict in level " + strconv.Itoa(level))
	} else {
		_ = c.store.SetLevelMergeStatus(level, types.MergeFailed, "")
		c.setRecoverableError("level " + strconv.Itoa(level) + " merge failed after retries: " + result.Error)
	}
	return false
}

func (c *Coordinator) pauseForIntervention(reason string) {
	c.log.Warn().Str("reason", reason).Msg("pausing for intervention")
	_ = c.store.SetPaused(true, reason)
}

func (c *Coordinator) setRecoverableError(msg string) {
	c.log.Warn().Str("error", msg).Msg("recoverable error, pausing")
	_ = c.store.SetError(msg)
	_ = c.store.SetPaused(true, msg)
}

