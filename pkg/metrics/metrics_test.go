package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTimerObserveDurationRecordsASample(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_timer_duration_seconds"})
	timer := NewTimer()
	time.Sleep(time.Millisecond)
	timer.ObserveDuration(h)

	require.Equal(t, 1, testutil.CollectAndCount(h))
}

func TestTimerObserveDurationVecRecordsASampleByLabel(t *testing.T) {
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_timer_duration_vec_seconds"}, []string{"gate"})
	timer := NewTimer()
	timer.ObserveDurationVec(v, "lint")

	require.Equal(t, 1, testutil.CollectAndCount(v))
}

func TestTimerDurationIsPositive(t *testing.T) {
	timer := NewTimer()
	time.Sleep(time.Millisecond)
	require.Greater(t, timer.Duration(), time.Duration(0))
}

func TestHandlerReturnsNonNil(t *testing.T) {
	require.NotNil(t, Handler())
}
