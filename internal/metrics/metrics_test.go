package metrics

import (
	"strconv"
	"testing"
	"time"

	"github.com/nadmax/ferreq/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordBundleEnqueued(t *testing.T) {
	BundlesEnqueued.Reset()

	for _, level := range []int{0, 0, 3} {
		RecordBundleEnqueued(level)
	}

	assert.Equal(t, 2.0, getCounterValue(t, BundlesEnqueued, "0"))
	assert.Equal(t, 1.0, getCounterValue(t, BundlesEnqueued, "3"))
}

func TestRecordBundleExecuted(t *testing.T) {
	BundlesExecuted.Reset()
	SolverDuration.Reset()

	tests := []struct {
		name     string
		level    int
		outcome  string
		rows     int
		duration time.Duration
	}{
		{name: "complete top level", level: 0, outcome: "complete", rows: 10, duration: 2 * time.Second},
		{name: "degraded retry", level: 1, outcome: "degraded", rows: 4, duration: 30 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := getPlainCounterValue(t, SpectraSubmitted)

			RecordBundleExecuted(tt.level, tt.outcome, tt.rows, tt.duration)

			assert.Equal(t, 1.0, getCounterValue(t, BundlesExecuted, strconv.Itoa(tt.level), tt.outcome))
			assert.Equal(t, tt.duration.Seconds(), getHistogramSum(t, SolverDuration, tt.outcome))
			assert.Equal(t, before+float64(tt.rows), getPlainCounterValue(t, SpectraSubmitted))
		})
	}
}

func TestRecordTaskSucceeded(t *testing.T) {
	TasksSucceeded.Reset()
	TaskSolverTime.Reset()

	RecordTaskSucceeded("GKg_a", 2*time.Second)

	assert.Equal(t, 1.0, getCounterValue(t, TasksSucceeded, "GKg_a"))
	assert.Equal(t, 2.0, getHistogramSum(t, TaskSolverTime, string(task.StatusSucceeded)))
}

func TestRecordTaskFailed(t *testing.T) {
	TasksFailed.Reset()
	TaskSolverTime.Reset()

	RecordTaskFailed("Mg_b", 500*time.Millisecond)

	assert.Equal(t, 1.0, getCounterValue(t, TasksFailed, "Mg_b"))
	assert.Equal(t, 0.5, getHistogramSum(t, TaskSolverTime, string(task.StatusFailed)))
}

func TestRecordRetriesAndExhaustion(t *testing.T) {
	TasksRetried.Reset()
	TasksExhausted.Reset()

	RecordTaskRetried("GKg_a")
	RecordTaskRetried("GKg_a")
	RecordTaskExhausted("GKg_a")

	assert.Equal(t, 2.0, getCounterValue(t, TasksRetried, "GKg_a"))
	assert.Equal(t, 1.0, getCounterValue(t, TasksExhausted, "GKg_a"))
}

func TestRecordMissingSpectra(t *testing.T) {
	before := getPlainCounterValue(t, SpectraMissing)
	RecordMissingSpectra(3)
	assert.Equal(t, before+3, getPlainCounterValue(t, SpectraMissing))
}

func TestUpdateTaskGauges(t *testing.T) {
	TasksByStatus.Reset()

	UpdateTaskGauges(map[task.TaskStatus]int{
		task.StatusPending:   5,
		task.StatusSubmitted: 2,
		task.StatusSucceeded: 10,
	})
	assert.Equal(t, 5.0, getGaugeValue(t, TasksByStatus, string(task.StatusPending)))
	assert.Equal(t, 10.0, getGaugeValue(t, TasksByStatus, string(task.StatusSucceeded)))

	UpdateTaskGauges(map[task.TaskStatus]int{task.StatusFailed: 3})
	assert.Equal(t, 3.0, getGaugeValue(t, TasksByStatus, string(task.StatusFailed)))
	assert.Equal(t, 0.0, getGaugeValue(t, TasksByStatus, string(task.StatusPending)))
}

func TestUpdateQueueDepth(t *testing.T) {
	for _, depth := range []int{0, 10, 100} {
		UpdateQueueDepth(depth)

		metric := &dto.Metric{}
		require.NoError(t, QueueDepth.Write(metric))
		assert.Equal(t, float64(depth), metric.Gauge.GetValue())
	}
}

func TestUpdateDeadLetterQueueDepth(t *testing.T) {
	for _, depth := range []int{0, 5, 25} {
		UpdateDeadLetterQueueDepth(depth)

		metric := &dto.Metric{}
		require.NoError(t, DeadLetterQueueDepth.Write(metric))
		assert.Equal(t, float64(depth), metric.Gauge.GetValue())
	}
}

func TestUpdateActiveWorkers(t *testing.T) {
	for _, count := range []int{0, 1, 5} {
		UpdateActiveWorkers(count)

		metric := &dto.Metric{}
		require.NoError(t, WorkersActive.Write(metric))
		assert.Equal(t, float64(count), metric.Gauge.GetValue())
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	HTTPRequestsTotal.Reset()
	HTTPRequestDuration.Reset()

	tests := []struct {
		name     string
		method   string
		endpoint string
		status   string
		duration time.Duration
	}{
		{name: "successful GET", method: "GET", endpoint: "/api/bundles", status: "200", duration: 50 * time.Millisecond},
		{name: "failed POST", method: "POST", endpoint: "/api/bundles", status: "500", duration: 100 * time.Millisecond},
		{name: "not found", method: "GET", endpoint: "/unknown", status: "404", duration: 10 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordHTTPRequest(tt.method, tt.endpoint, tt.status, tt.duration)

			assert.Greater(t, getCounterValue(t, HTTPRequestsTotal, tt.method, tt.endpoint, tt.status), 0.0)
			assert.Greater(t, getHistogramSum(t, HTTPRequestDuration, tt.method, tt.endpoint), 0.0)
		})
	}
}

func TestBundleWaitTimeHistogram(t *testing.T) {
	BundleWaitTime.Reset()

	waits := []time.Duration{10 * time.Millisecond, time.Second, time.Minute}
	for i, w := range waits {
		RecordBundleWaitTime(1, w)

		metric := getHistogramMetric(t, BundleWaitTime, "1")
		assert.Equal(t, uint64(i+1), metric.Histogram.GetSampleCount())
	}
}

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	metric := &dto.Metric{}
	c, err := counter.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	require.NoError(t, c.Write(metric))
	return metric.Counter.GetValue()
}

func getPlainCounterValue(t *testing.T, counter prometheus.Counter) float64 {
	metric := &dto.Metric{}
	require.NoError(t, counter.Write(metric))
	return metric.Counter.GetValue()
}

func getGaugeValue(t *testing.T, gauge *prometheus.GaugeVec, labels ...string) float64 {
	metric := &dto.Metric{}
	g, err := gauge.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	require.NoError(t, g.Write(metric))
	return metric.Gauge.GetValue()
}

func getHistogramSum(t *testing.T, histogram *prometheus.HistogramVec, labels ...string) float64 {
	return getHistogramMetric(t, histogram, labels...).Histogram.GetSampleSum()
}

func getHistogramMetric(t *testing.T, histogram *prometheus.HistogramVec, labels ...string) *dto.Metric {
	metric := &dto.Metric{}
	observer, err := histogram.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	h := observer.(prometheus.Histogram)
	require.NoError(t, h.Write(metric))
	return metric
}
