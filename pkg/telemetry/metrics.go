package telemetry

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the control plane. A nil *Metrics
// is valid and records nothing, so components never need to guard their
// instrumentation calls.
type Metrics struct {
	config MetricsConfig

	// Session metrics
	sessionsCreated  *prometheus.CounterVec
	sessionsFinished *prometheus.CounterVec

	// Commit metrics
	commitsCompleted *prometheus.CounterVec
	commitDuration   *prometheus.HistogramVec

	// Operation metrics
	operationsStarted   *prometheus.CounterVec
	operationsCompleted *prometheus.CounterVec

	// Task queue metrics
	tasksQueued *prometheus.CounterVec
	queueDepth  prometheus.Gauge

	// Concurrency gate metrics
	gateRejected *prometheus.CounterVec
	gateInFlight *prometheus.GaugeVec

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Session metrics
		sessionsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_created_total",
				Help:      "Total number of trunk sessions created",
			},
			[]string{"parent_type"},
		),
		sessionsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_finished_total",
				Help:      "Total number of workflows that reached their terminal redirect",
			},
			[]string{"status"},
		),

		// Commit metrics
		commitsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commits_completed_total",
				Help:      "Total number of session commits completed",
			},
			[]string{"status"},
		),
		commitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "commit_duration_seconds",
				Help:      "Duration of session commits in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		// Operation metrics
		operationsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_started_total",
				Help:      "Total number of asynchronous operations started",
			},
			[]string{"verb", "entity_type"},
		),
		operationsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_completed_total",
				Help:      "Total number of operations that reached a terminal status",
			},
			[]string{"verb", "code"},
		),

		// Task queue metrics
		tasksQueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_queued_total",
				Help:      "Total number of tasks admitted to the work queue",
			},
			[]string{"task"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "task_queue_depth",
				Help:      "Current number of queued tasks",
			},
		),

		// Concurrency gate metrics
		gateRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gate_rejections_total",
				Help:      "Total number of dispatches rejected by the concurrency gate",
			},
			[]string{"subscription"},
		),
		gateInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gate_in_flight",
				Help:      "Current number of dispatches admitted per subscription",
			},
			[]string{"subscription"},
		),

		// Provider metrics
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of compute provider calls",
			},
			[]string{"operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of compute provider calls in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of compute provider errors",
			},
			[]string{"operation"},
		),

		// Error metrics
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.sessionsCreated,
		m.sessionsFinished,
		m.commitsCompleted,
		m.commitDuration,
		m.operationsStarted,
		m.operationsCompleted,
		m.tasksQueued,
		m.queueDepth,
		m.gateRejected,
		m.gateInFlight,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.errorsByClass,
	)

	return m, nil
}

// Session Metrics

// RecordSessionCreated increments the counter for created trunk sessions.
func (m *Metrics) RecordSessionCreated(parentType string) {
	if m == nil || m.sessionsCreated == nil {
		return
	}
	m.sessionsCreated.WithLabelValues(parentType).Inc()
}

// RecordSessionFinished records a workflow reaching its terminal redirect.
func (m *Metrics) RecordSessionFinished(success bool) {
	if m == nil || m.sessionsFinished == nil {
		return
	}
	m.sessionsFinished.WithLabelValues(statusLabel(success)).Inc()
}

// Commit Metrics

// RecordCommit records a completed session commit with its duration.
func (m *Metrics) RecordCommit(success bool, duration time.Duration) {
	if m == nil || m.commitsCompleted == nil {
		return
	}
	status := statusLabel(success)
	m.commitsCompleted.WithLabelValues(status).Inc()
	m.commitDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// Operation Metrics

// RecordOperationStarted increments the counter for started operations.
func (m *Metrics) RecordOperationStarted(verb, entityType string) {
	if m == nil || m.operationsStarted == nil {
		return
	}
	m.operationsStarted.WithLabelValues(verb, entityType).Inc()
}

// RecordOperationCompleted records an operation reaching a terminal status.
func (m *Metrics) RecordOperationCompleted(verb string, statusCode int) {
	if m == nil || m.operationsCompleted == nil {
		return
	}
	m.operationsCompleted.WithLabelValues(verb, strconv.Itoa(statusCode)).Inc()
}

// Task Queue Metrics

// RecordTaskQueued records a task admission and the resulting queue depth.
func (m *Metrics) RecordTaskQueued(task string, depth int) {
	if m == nil || m.tasksQueued == nil {
		return
	}
	m.tasksQueued.WithLabelValues(task).Inc()
	m.queueDepth.Set(float64(depth))
}

// Gate Metrics

// RecordGateRejected records an admission rejected by the concurrency gate.
func (m *Metrics) RecordGateRejected(subscription string) {
	if m == nil || m.gateRejected == nil {
		return
	}
	m.gateRejected.WithLabelValues(subscription).Inc()
}

// RecordGateInFlight sets the current admitted count for a subscription.
func (m *Metrics) RecordGateInFlight(subscription string, count int) {
	if m == nil || m.gateInFlight == nil {
		return
	}
	m.gateInFlight.WithLabelValues(subscription).Set(float64(count))
}

// Provider Metrics

// RecordProviderCall records a compute provider call with its duration.
func (m *Metrics) RecordProviderCall(operation string, duration time.Duration) {
	if m == nil || m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(operation).Inc()
	m.providerDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordProviderError records a compute provider error.
func (m *Metrics) RecordProviderError(operation string) {
	if m == nil || m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(operation).Inc()
}

// Error Metrics

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
