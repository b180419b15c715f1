// Package metrics provides Prometheus metrics for monitoring bundle execution.
package metrics

import (
	"strconv"
	"time"

	"github.com/nadmax/ferreq/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BundlesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferreq_bundles_enqueued_total",
			Help: "Total number of bundles enqueued",
		},
		[]string{"level"},
	)
	BundlesExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferreq_bundles_executed_total",
			Help: "Total number of bundles executed by outcome",
		},
		[]string{"level", "outcome"},
	)
	TasksSucceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferreq_tasks_succeeded_total",
			Help: "Total number of tasks that produced a data product",
		},
		[]string{"grid"},
	)
	TasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferreq_tasks_failed_total",
			Help: "Total number of task attempts that failed",
		},
		[]string{"grid"},
	)
	TasksRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferreq_tasks_retried_total",
			Help: "Total number of tasks re-bundled after failing",
		},
		[]string{"grid"},
	)
	TasksExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferreq_tasks_exhausted_total",
			Help: "Total number of tasks left failed after the last retry level",
		},
		[]string{"grid"},
	)
	BundlesDeadLettered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ferreq_bundles_dead_lettered_total",
			Help: "Total number of bundles moved to the dead letter list",
		},
	)
	SpectraSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ferreq_spectra_submitted_total",
			Help: "Total number of spectrum rows written to solver inputs",
		},
	)
	SpectraMissing = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ferreq_spectra_missing_total",
			Help: "Total number of submitted rows absent from solver output",
		},
	)
	TasksByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ferreq_tasks",
			Help: "Current number of tasks by status",
		},
		[]string{"status"},
	)
	SolverDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ferreq_solver_duration_seconds",
			Help:    "Wall-clock duration of one solver invocation",
			Buckets: []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 7200, 14400, 28800},
		},
		[]string{"outcome"},
	)
	TaskSolverTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ferreq_task_solver_seconds",
			Help:    "Solver time apportioned to a task by its share of submitted rows",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900, 1800},
		},
		[]string{"status"},
	)
	BundleWaitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ferreq_bundle_wait_time_seconds",
			Help:    "Time bundles spend waiting in queue before execution",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
		[]string{"level"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferreq_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ferreq_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferreq_queue_depth",
			Help: "Current number of bundles waiting in the queue",
		},
	)
	DeadLetterQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferreq_dead_letter_queue_depth",
			Help: "Current depth of the dead letter list",
		},
	)
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferreq_workers_active",
			Help: "Number of workers currently executing a bundle",
		},
	)
)

func RecordBundleEnqueued(level int) {
	BundlesEnqueued.WithLabelValues(strconv.Itoa(level)).Inc()
}

// RecordBundleExecuted counts one solver invocation and its wall-clock duration.
func RecordBundleExecuted(level int, outcome string, rows int, duration time.Duration) {
	BundlesExecuted.WithLabelValues(strconv.Itoa(level), outcome).Inc()
	SolverDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	SpectraSubmitted.Add(float64(rows))
}

func RecordTaskSucceeded(grid string, solverTime time.Duration) {
	TasksSucceeded.WithLabelValues(grid).Inc()
	TaskSolverTime.WithLabelValues(string(task.StatusSucceeded)).Observe(solverTime.Seconds())
}

func RecordTaskFailed(grid string, solverTime time.Duration) {
	TasksFailed.WithLabelValues(grid).Inc()
	TaskSolverTime.WithLabelValues(string(task.StatusFailed)).Observe(solverTime.Seconds())
}

func RecordTaskRetried(grid string) {
	TasksRetried.WithLabelValues(grid).Inc()
}

func RecordTaskExhausted(grid string) {
	TasksExhausted.WithLabelValues(grid).Inc()
}

func RecordBundleDeadLettered() {
	BundlesDeadLettered.Inc()
}

func RecordMissingSpectra(n int) {
	SpectraMissing.Add(float64(n))
}

func RecordBundleWaitTime(level int, waitTime time.Duration) {
	BundleWaitTime.WithLabelValues(strconv.Itoa(level)).Observe(waitTime.Seconds())
}

func UpdateTaskGauges(tasksByStatus map[task.TaskStatus]int) {
	TasksByStatus.Reset()
	for status, count := range tasksByStatus {
		TasksByStatus.WithLabelValues(string(status)).Set(float64(count))
	}
}

func UpdateQueueDepth(depth int) {
	QueueDepth.Set(float64(depth))
}

func UpdateDeadLetterQueueDepth(depth int) {
	DeadLetterQueueDepth.Set(float64(depth))
}

func UpdateActiveWorkers(count int) {
	WorkersActive.Set(float64(count))
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
