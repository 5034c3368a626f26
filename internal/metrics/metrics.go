package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task metrics
	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quillexec_tasks_submitted_total",
			Help: "Total number of tasks accepted by an executor",
		},
		[]string{"executor"},
	)

	TasksRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quillexec_tasks_rejected_total",
			Help: "Total number of tasks refused at submission",
		},
		[]string{"executor"},
	)

	TasksCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quillexec_tasks_cancelled_total",
			Help: "Total number of cancellable tasks that received cancel",
		},
		[]string{"executor"},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quillexec_tasks_completed_total",
			Help: "Total number of task runs, by outcome",
		},
		[]string{"executor", "outcome"},
	)

	// Queue metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quillexec_queue_depth",
			Help: "Current number of pending tasks",
		},
		[]string{"executor"},
	)

	// Worker metrics
	WorkersRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quillexec_workers_running",
			Help: "Current number of live workers",
		},
		[]string{"executor"},
	)

	WorkersWorking = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quillexec_workers_working",
			Help: "Current number of workers inside a task",
		},
		[]string{"executor"},
	)

	WorkersIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quillexec_workers_idle",
			Help: "Current number of live workers not inside a task",
		},
		[]string{"executor"},
	)

	// Parallelizer metrics
	ParallelSplits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quillexec_parallel_splits_total",
			Help: "Total number of subtasks handed to an executor by split",
		},
	)

	ParallelSteals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quillexec_parallel_steals_total",
			Help: "Total number of tasks run by cooperating waiters",
		},
	)

	ParallelSequentialRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quillexec_parallel_sequential_runs_total",
			Help: "Total number of subtasks run without further splitting",
		},
	)

	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quillexec_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quillexec_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quillexec_websocket_connections",
			Help: "Current number of WebSocket connections",
		},
	)

	WebSocketMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quillexec_websocket_messages_total",
			Help: "Total number of WebSocket messages sent",
		},
		[]string{"type"},
	)
)

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration)
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// SetExecutorGauges updates the per-executor gauge family from a counters
// snapshot.
func SetExecutorGauges(executor string, pending, running, working, idle int) {
	QueueDepth.WithLabelValues(executor).Set(float64(pending))
	WorkersRunning.WithLabelValues(executor).Set(float64(running))
	WorkersWorking.WithLabelValues(executor).Set(float64(working))
	WorkersIdle.WithLabelValues(executor).Set(float64(idle))
}

// SetWebSocketConnections sets the WebSocket connections gauge
func SetWebSocketConnections(count float64) {
	WebSocketConnections.Set(count)
}

// RecordWebSocketMessage records a WebSocket message
func RecordWebSocketMessage(msgType string) {
	WebSocketMessages.WithLabelValues(msgType).Inc()
}

// ExecObserver feeds executor task notifications into the counter families.
// It implements sched.Observer.
type ExecObserver struct {
	Executor string
}

func (o *ExecObserver) TaskSubmitted() {
	TasksSubmitted.WithLabelValues(o.Executor).Inc()
}

func (o *ExecObserver) TaskRejected() {
	TasksRejected.WithLabelValues(o.Executor).Inc()
}

func (o *ExecObserver) TaskCancelled() {
	TasksCancelled.WithLabelValues(o.Executor).Inc()
}

func (o *ExecObserver) TaskCompleted(ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "panic"
	}
	TasksCompleted.WithLabelValues(o.Executor, outcome).Inc()
}

// ParallelObserver feeds parallelizer notifications into the counter
// families. It implements parallel.Observer.
type ParallelObserver struct{}

func (ParallelObserver) Split() {
	ParallelSplits.Inc()
}

func (ParallelObserver) Steal() {
	ParallelSteals.Inc()
}

func (ParallelObserver) SequentialRun() {
	ParallelSequentialRuns.Inc()
}
