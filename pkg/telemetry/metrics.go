package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the execution engine.
// A Metrics created with metrics disabled is a no-op: every Record/Set method returns
// immediately.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	cycles        *prometheus.CounterVec

	// Stage metrics
	stageInvocations *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	itemsProduced    *prometheus.CounterVec
	stagesBlocked    *prometheus.CounterVec
	watchdogTimeouts *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeRuns     prometheus.Gauge
	runningStages  prometheus.Gauge
	bufferedItems  prometheus.Gauge
	bufferedBytes  prometheus.Gauge
	throttleWaits  prometheus.Counter

	registry *prometheus.Registry
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
				Help:      "Total number of runs started",
			},
			[]string{"mode"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of run execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "shipment_cycles_total",
				Help:      "Total number of shipment cycles started",
			},
			[]string{"mode"},
		),

		stageInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_invocations_total",
				Help:      "Total number of stage invocations by outcome",
			},
			[]string{"stage", "outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of stage invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"stage"},
		),
		itemsProduced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_produced_total",
				Help:      "Total number of work items produced by stage",
			},
			[]string{"stage"},
		),
		stagesBlocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stages_blocked_total",
				Help:      "Total number of stages that ended blocked",
			},
			[]string{"stage"},
		),
		watchdogTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "watchdog_timeouts_total",
				Help:      "Total number of stage invocations failed by the watchdog",
			},
			[]string{"stage"},
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
		runningStages: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "running_stages",
				Help:      "Current number of stage invocations in flight",
			},
		),
		bufferedItems: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "buffered_items",
				Help:      "Current number of work items waiting in socket buffers",
			},
		),
		bufferedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "buffered_bytes",
				Help:      "Approximate bytes held by buffered work items",
			},
		),
		throttleWaits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "throttle_waits_total",
				Help:      "Total number of cycle starts deferred by memory backpressure",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.cycles,
		m.stageInvocations,
		m.stageDuration,
		m.itemsProduced,
		m.stagesBlocked,
		m.watchdogTimeouts,
		m.errorsByClass,
		m.errorsByCode,
		m.activeRuns,
		m.runningStages,
		m.bufferedItems,
		m.bufferedBytes,
		m.throttleWaits,
	)

	return m, nil
}

// NopMetrics returns a disabled metrics collector.
func NopMetrics() *Metrics {
	return &Metrics{}
}

// Registry returns the private Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(mode string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(mode).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordCycle records the start of a shipment cycle.
func (m *Metrics) RecordCycle(mode string) {
	if m.cycles == nil {
		return
	}
	m.cycles.WithLabelValues(mode).Inc()
}

// Stage Metrics

// RecordStageInvocation records one stage invocation with its outcome and duration.
func (m *Metrics) RecordStageInvocation(stage, outcome string, duration time.Duration, produced int) {
	if m.stageInvocations == nil {
		return
	}
	m.stageInvocations.WithLabelValues(stage, outcome).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
	if produced > 0 {
		m.itemsProduced.WithLabelValues(stage).Add(float64(produced))
	}
}

// RecordStageBlocked records a stage ending in the blocked state.
func (m *Metrics) RecordStageBlocked(stage string) {
	if m.stagesBlocked == nil {
		return
	}
	m.stagesBlocked.WithLabelValues(stage).Inc()
}

// RecordWatchdogTimeout records a watchdog-forced failure.
func (m *Metrics) RecordWatchdogTimeout(stage string) {
	if m.watchdogTimeouts == nil {
		return
	}
	m.watchdogTimeouts.WithLabelValues(stage).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// System Metrics

// SetRunningStages sets the number of stage invocations in flight.
func (m *Metrics) SetRunningStages(count int) {
	if m.runningStages == nil {
		return
	}
	m.runningStages.Set(float64(count))
}

// SetBuffered sets the buffered item count and byte estimate.
func (m *Metrics) SetBuffered(items int, bytes int64) {
	if m.bufferedItems == nil {
		return
	}
	m.bufferedItems.Set(float64(items))
	m.bufferedBytes.Set(float64(bytes))
}

// RecordThrottleWait records a deferred cycle start.
func (m *Metrics) RecordThrottleWait() {
	if m.throttleWaits == nil {
		return
	}
	m.throttleWaits.Inc()
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
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing the metrics until ctx is cancelled.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger *Logger) error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}
