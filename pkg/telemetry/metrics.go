package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for rule engine runs.
// A nil *Metrics, or one built with metrics disabled, records nothing.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Rule metrics
	ruleInvocations *prometheus.CounterVec
	ruleDuration    *prometheus.HistogramVec
	ruleSkips       *prometheus.CounterVec
	terminations    *prometheus.CounterVec

	// Data store metrics
	storeTimeouts prometheus.Counter

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	activeRuns          prometheus.Gauge
	activeParallelTasks prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of engine runs started",
			},
			[]string{"mode"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of engine runs completed",
			},
			[]string{"mode", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of engine runs in seconds",
				Buckets:   buckets,
			},
			[]string{"mode", "status"},
		),

		ruleInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_invocations_total",
				Help:      "Total number of rule invocations",
			},
			[]string{"rule", "lane", "status"},
		),
		ruleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rule_duration_seconds",
				Help:      "Duration of rule hooks in seconds",
				Buckets:   buckets,
			},
			[]string{"rule", "lane"},
		),
		ruleSkips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_skips_total",
				Help:      "Total number of rules rejected by the gate",
			},
			[]string{"rule", "reason"},
		),
		terminations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "terminations_total",
				Help:      "Total number of runs terminated early, by terminating rule",
			},
			[]string{"rule"},
		),

		storeTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_timeouts_total",
				Help:      "Total number of data store reads that timed out",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
		activeParallelTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_parallel_tasks",
				Help:      "Current number of parallel-lane tasks in flight",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.ruleInvocations,
		m.ruleDuration,
		m.ruleSkips,
		m.terminations,
		m.storeTimeouts,
		m.errorsByClass,
		m.errorsByCode,
		m.activeRuns,
		m.activeParallelTasks,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(mode string) {
	if !m.enabled() {
		return
	}
	m.runsStarted.WithLabelValues(mode).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(mode, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(mode, status).Inc()
	m.runDuration.WithLabelValues(mode, status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordRuleInvocation records one rule invocation.
func (m *Metrics) RecordRuleInvocation(rule, lane, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.ruleInvocations.WithLabelValues(rule, lane, status).Inc()
	m.ruleDuration.WithLabelValues(rule, lane).Observe(duration.Seconds())
}

// RecordRuleSkipped records a rule rejected by the gate.
func (m *Metrics) RecordRuleSkipped(rule, reason string) {
	if !m.enabled() {
		return
	}
	m.ruleSkips.WithLabelValues(rule, reason).Inc()
}

// RecordTermination records the rule that set a run's terminate flag.
func (m *Metrics) RecordTermination(rule string) {
	if !m.enabled() {
		return
	}
	m.terminations.WithLabelValues(rule).Inc()
}

// RecordStoreTimeout records an expired data store read.
func (m *Metrics) RecordStoreTimeout() {
	if !m.enabled() {
		return
	}
	m.storeTimeouts.Inc()
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// ParallelTaskStarted increments the in-flight parallel task gauge.
func (m *Metrics) ParallelTaskStarted() {
	if !m.enabled() {
		return
	}
	m.activeParallelTasks.Inc()
}

// ParallelTaskFinished decrements the in-flight parallel task gauge.
func (m *Metrics) ParallelTaskFinished() {
	if !m.enabled() {
		return
	}
	m.activeParallelTasks.Dec()
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. Serve errors
// are reported to errFn, which may be nil.
func (m *Metrics) StartMetricsServer(errFn func(error)) error {
	if !m.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && errFn != nil {
			errFn(err)
		}
	}()

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
