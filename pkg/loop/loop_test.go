package loop

import (
	"fmt"
	"testing"

	"github.com/cuemby/zerg/pkg/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newController(t *testing.T, maxIterations, plateauThreshold int, convergence float64, rollback bool) *Controller {
	t.Helper()
	return New(config.ImprovementLoopsConfig{
		MaxIterations:        maxIterations,
		ConvergenceThreshold: convergence,
		PlateauThreshold:     plateauThreshold,
		RollbackOnRegression: rollback,
	}, zerolog.Nop())
}

func TestRunConverges(t *testing.T) {
	scores := []float64{0.5, 0.8, 0.95, 0.96}
	c := newController(t, 10, 2, 0.02, true)

	summary := c.Run(func(i int) (float64, error) {
		idx := i - 1
		if idx >= len(scores) {
			idx = len(scores) - 1
		}
		return scores[idx], nil
	}, 0.0)

	require.Equal(t, StatusConverged, summary.Status)
	require.GreaterOrEqual(t, summary.BestScore, 0.95)
}

func TestRunDetectsPlateau(t *testing.T) {
	c := newController(t, 10, 2, 0.02, true)

	summary := c.Run(func(i int) (float64, error) { return 0.5, nil }, 0.5)

	require.Equal(t, StatusPlateau, summary.Status)
	require.Len(t, summary.Iterations, 2)
}

func TestRunStopsOnRegressionWhenRollbackEnabled(t *testing.T) {
	scores := []float64{0.8, 0.5}
	c := newController(t, 10, 2, 0.02, true)

	summary := c.Run(func(i int) (float64, error) {
		idx := i - 1
		if idx >= len(scores) {
			idx = len(scores) - 1
		}
		return scores[idx], nil
	}, 0.0)

	require.Equal(t, StatusRegressed, summary.Status)
	require.Equal(t, 0.8, summary.BestScore)
	require.Equal(t, 1, summary.BestIteration)
}

func TestRunIgnoresRegressionWhenRollbackDisabled(t *testing.T) {
	scores := []float64{0.8, 0.5, 0.9}
	c := newController(t, 3, 10, 0.02, false)

	summary := c.Run(func(i int) (float64, error) {
		idx := i - 1
		if idx >= len(scores) {
			idx = len(scores) - 1
		}
		return scores[idx], nil
	}, 0.0)

	require.Equal(t, StatusMaxIterations, summary.Status)
	require.Equal(t, 0.9, summary.BestScore)
}

func TestRunReachesMaxIterations(t *testing.T) {
	c := newController(t, 3, 10, 0.02, true)

	summary := c.Run(func(i int) (float64, error) { return float64(i) * 0.3, nil }, 0.0)

	require.Equal(t, StatusMaxIterations, summary.Status)
	require.Len(t, summary.Iterations, 3)
}

func TestRunAbortsOnError(t *testing.T) {
	c := newController(t, 5, 2, 0.02, true)

	summary := c.Run(func(i int) (float64, error) {
		if i == 2 {
			return 0, fmt.Errorf("simulated failure")
		}
		return 0.5, nil
	}, 0.0)

	require.Equal(t, StatusAborted, summary.Status)
	require.Len(t, summary.Iterations, 1)
}

func TestRunTracksBestScoreAndIteration(t *testing.T) {
	scores := []float64{0.3, 0.9, 0.7}
	c := newController(t, 3, 10, 0.02, false)

	summary := c.Run(func(i int) (float64, error) {
		idx := i - 1
		if idx >= len(scores) {
			idx = len(scores) - 1
		}
		return scores[idx], nil
	}, 0.0)

	require.Equal(t, 0.9, summary.BestScore)
	require.Equal(t, 2, summary.BestIteration)
}

func TestSummaryImprovement(t *testing.T) {
	summary := Summary{
		Iterations: []IterationResult{
			{Iteration: 1, Score: 0.5},
			{Iteration: 2, Score: 0.8},
			{Iteration: 3, Score: 0.9},
		},
		BestScore: 0.9,
	}
	require.InDelta(t, 0.4, summary.Improvement(), 1e-9)
}

func TestSummaryImprovementEmptyIterations(t *testing.T) {
	summary := Summary{BestScore: 0.0}
	require.Equal(t, 0.0, summary.Improvement())
}

func TestIterationResultIsRegression(t *testing.T) {
	require.True(t, IterationResult{Delta: -0.2}.IsRegression())
	require.False(t, IterationResult{Delta: 0.5}.IsRegression())
	require.False(t, IterationResult{Delta: 0}.IsRegression())
}

func TestScoreFromGatesFractionOfRequiredPassing(t *testing.T) {
	score := ScoreFromGates([]GateOutcome{
		{Required: true, Passed: true},
		{Required: true, Passed: false},
		{Required: false, Passed: false},
	})
	require.InDelta(t, 0.5, score, 1e-9)
}

func TestScoreFromGatesNoRequiredGatesScoresOne(t *testing.T) {
	score := ScoreFromGates([]GateOutcome{{Required: false, Passed: false}})
	require.Equal(t, 1.0, score)
}
