// Package loop implements the optional per-level improvement loop: after a
// level's merge succeeds, repeatedly invoke a scoring callback and decide
// whether the level has converged, plateaued, regressed, or simply run out
// of iterations (spec.md §4.14).
package loop

import (
	"time"

	"github.com/cuemby/zerg/pkg/config"
	"github.com/rs/zerolog"
)

// Status is the terminal state an improvement loop finished in.
type Status string

const (
	StatusConverged     Status = "converged"
	StatusPlateau        Status = "plateau"
	StatusRegressed      Status = "regressed"
	StatusMaxIterations  Status = "max_iterations"
	StatusAborted        Status = "aborted"
)

// IterationResult records one call to the improvement function.
type IterationResult struct {
	Iteration int
	Score     float64
	Improved  bool
	Delta     float64
	Duration  time.Duration
}

// IsRegression reports whether this iteration scored worse than the one
// before it.
func (r IterationResult) IsRegression() bool {
	return r.Delta < 0
}

// Summary is the full record of one improvement loop run.
type Summary struct {
	Status        Status
	Iterations    []IterationResult
	BestScore     float64
	BestIteration int
	Duration      time.Duration
}

// Improvement returns the net change from the first iteration's score to
// the best score reached.
func (s Summary) Improvement() float64 {
	if len(s.Iterations) == 0 {
		return 0
	}
	return s.BestScore - s.Iterations[0].Score
}

// ImproveFunc runs one improvement iteration and returns its resulting
// score (higher is better). An error aborts the loop immediately.
type ImproveFunc func(iteration int) (float64, error)

// Controller runs an ImproveFunc repeatedly, stopping at convergence,
// plateau, regression, or max_iterations, per spec.md §4.14.
type Controller struct {
	maxIterations        int
	convergenceThreshold float64
	plateauThreshold     int
	rollbackOnRegression bool
	log                  zerolog.Logger
	now                  func() time.Time
}

// New builds a Controller from the improvement_loops configuration section.
func New(cfg config.ImprovementLoopsConfig, log zerolog.Logger) *Controller {
	return &Controller{
		maxIterations:        cfg.MaxIterations,
		convergenceThreshold: cfg.ConvergenceThreshold,
		plateauThreshold:     cfg.PlateauThreshold,
		rollbackOnRegression: cfg.RollbackOnRegression,
		log:                  log.With().Str("component", "loop").Logger(),
		now:                  time.Now,
	}
}

// Run drives the loop from initialScore, calling improve once per
// iteration up to maxIterations, and returns the full Summary.
func (c *Controller) Run(improve ImproveFunc, initialScore float64) Summary {
	start := c.now()
	status := StatusMaxIterations
	bestScore := initialScore
	bestIteration := 0
	previousScore := initialScore
	plateauCount := 0
	var iterations []IterationResult

	for i := 1; i <= c.maxIterations; i++ {
		iterStart := c.now()
		score, err := improve(i)
		if err != nil {
			c.log.Error().Err(err).Int("iteration", i).Msg("improvement iteration failed, aborting loop")
			status = StatusAborted
			break
		}

		delta := score - previousScore
		improved := delta > c.convergenceThreshold
		result := IterationResult{
			Iteration: i,
			Score:     score,
			Improved:  improved,
			Delta:     delta,
			Duration:  c.now().Sub(iterStart),
		}
		iterations = append(iterations, result)
		c.log.Info().Int("iteration", i).Float64("score", score).Float64("delta", delta).Bool("improved", improved).Msg("loop iteration complete")

		if score > bestScore {
			bestScore = score
			bestIteration = i
		}

		if delta < -c.convergenceThreshold && c.rollbackOnRegression {
			c.log.Warn().Int("iteration", i).Float64("delta", delta).Msg("regression detected, stopping loop")
			status = StatusRegressed
			break
		}

		if !improved {
			plateauCount++
			if plateauCount >= c.plateauThreshold {
				status = StatusPlateau
				break
			}
		} else {
			plateauCount = 0
		}

		if delta > 0 && delta <= c.convergenceThreshold && i > 1 {
			status = StatusConverged
			break
		}

		previousScore = score
	}

	return Summary{
		Status:        status,
		Iterations:    iterations,
		BestScore:     bestScore,
		BestIteration: bestIteration,
		Duration:      c.now().Sub(start),
	}
}

// ScoreFromGates computes the fraction-passing score the level coordinator
// feeds in as a loop's initial score: passing required gates divided by
// total required gates. A level with no required gates scores 1.0 (nothing
// to fail).
func ScoreFromGates(results []GateOutcome) float64 {
	var required, passed int
	for _, r := range results {
		if !r.Required {
			continue
		}
		required++
		if r.Passed {
			passed++
		}
	}
	if required == 0 {
		return 1.0
	}
	return float64(passed) / float64(required)
}

// GateOutcome is the minimal shape ScoreFromGates needs out of a gate run,
// decoupling this package from pkg/gate's richer Result type.
type GateOutcome struct {
	Required bool
	Passed   bool
}
