package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerDurationGrows(t *testing.T) {
	timer := NewTimer()
	require.False(t, timer.start.IsZero())

	time.Sleep(20 * time.Millisecond)
	first := timer.Duration()
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	assert.Greater(t, timer.Duration(), first, "Duration keeps counting across calls")
}

func TestTimerObserveDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lobsterd_test_duration_seconds",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDuration(histogram)

	var m dto.Metric
	require.NoError(t, histogram.Write(&m))
	require.NotNil(t, m.Histogram)
	assert.Equal(t, uint64(1), m.Histogram.GetSampleCount())
	assert.Greater(t, m.Histogram.GetSampleSum(), 0.0)
}

func TestTimerObserveDurationVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lobsterd_test_duration_vec_seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDurationVec(vec, "spawn")

	observer, err := vec.GetMetricWithLabelValues("spawn")
	require.NoError(t, err)
	var m dto.Metric
	require.NoError(t, observer.(prometheus.Metric).Write(&m))
	assert.Equal(t, uint64(1), m.Histogram.GetSampleCount())
}

func TestIndependentTimers(t *testing.T) {
	older := NewTimer()
	time.Sleep(10 * time.Millisecond)
	newer := NewTimer()
	time.Sleep(10 * time.Millisecond)

	assert.Greater(t, older.Duration(), newer.Duration())
}
