package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for HealLoop.
//
// All Record methods are safe on a disabled (or nil) Metrics value.
type Metrics struct {
	config MetricsConfig

	// Sandbox metrics
	sandboxTransitions *prometheus.CounterVec
	stageDuration      *prometheus.HistogramVec
	activeSandboxes    prometheus.Gauge

	// Install metrics
	installAttempts *prometheus.CounterVec

	// Detection and healing metrics
	painSignals   *prometheus.CounterVec
	healDecisions *prometheus.CounterVec

	// Execution metrics
	executionAttempts *prometheus.CounterVec
	executionRetries  *prometheus.CounterVec
	executionsEnded   *prometheus.CounterVec
	attemptDuration   *prometheus.HistogramVec

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

		sandboxTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sandbox_transitions_total",
				Help:      "Total number of sandbox lifecycle state transitions",
			},
			[]string{"from", "to"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sandbox_stage_duration_seconds",
				Help:      "Duration of sandbox pipeline stages in seconds",
				Buckets:   buckets,
			},
			[]string{"stage", "status"},
		),
		activeSandboxes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sandboxes",
				Help:      "Current number of booted sandboxes",
			},
		),

		installAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "install_attempts_total",
				Help:      "Total number of dependency install attempts",
			},
			[]string{"command", "outcome"},
		),

		painSignals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pain_signals_total",
				Help:      "Total number of failure signals detected in process output",
			},
			[]string{"type", "severity"},
		),
		healDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heal_decisions_total",
				Help:      "Total number of auto-heal decisions by outcome",
			},
			[]string{"decision"},
		),

		executionAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execution_attempts_total",
				Help:      "Total number of agent execution attempts",
			},
			[]string{"outcome"},
		),
		executionRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execution_retries_total",
				Help:      "Total number of agent execution retries by error kind",
			},
			[]string{"kind"},
		),
		executionsEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_completed_total",
				Help:      "Total number of executions by terminal status",
			},
			[]string{"status", "kind"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_attempt_duration_seconds",
				Help:      "Duration of agent execution attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(
		m.sandboxTransitions,
		m.stageDuration,
		m.activeSandboxes,
		m.installAttempts,
		m.painSignals,
		m.healDecisions,
		m.executionAttempts,
		m.executionRetries,
		m.executionsEnded,
		m.attemptDuration,
	)

	return m, nil
}

// Sandbox Metrics

// RecordTransition records a sandbox state transition.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil || m.sandboxTransitions == nil {
		return
	}
	m.sandboxTransitions.WithLabelValues(from, to).Inc()
}

// RecordStage records the duration of a pipeline stage.
func (m *Metrics) RecordStage(stage, status string, duration time.Duration) {
	if m == nil || m.stageDuration == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(duration.Seconds())
}

// SandboxBooted increments the active sandbox gauge.
func (m *Metrics) SandboxBooted() {
	if m == nil || m.activeSandboxes == nil {
		return
	}
	m.activeSandboxes.Inc()
}

// SandboxClosed decrements the active sandbox gauge.
func (m *Metrics) SandboxClosed() {
	if m == nil || m.activeSandboxes == nil {
		return
	}
	m.activeSandboxes.Dec()
}

// Install Metrics

// RecordInstallAttempt records one install command run and its outcome
// (success, failed, timeout).
func (m *Metrics) RecordInstallAttempt(command, outcome string) {
	if m == nil || m.installAttempts == nil {
		return
	}
	m.installAttempts.WithLabelValues(command, outcome).Inc()
}

// Detection Metrics

// RecordPainSignal records an emitted failure signal.
func (m *Metrics) RecordPainSignal(painType, severity string) {
	if m == nil || m.painSignals == nil {
		return
	}
	m.painSignals.WithLabelValues(painType, severity).Inc()
}

// RecordHealDecision records how the coordinator handled a signal.
func (m *Metrics) RecordHealDecision(decision string) {
	if m == nil || m.healDecisions == nil {
		return
	}
	m.healDecisions.WithLabelValues(decision).Inc()
}

// Execution Metrics

// RecordAttempt records a finished execution attempt.
func (m *Metrics) RecordAttempt(outcome string, duration time.Duration) {
	if m == nil || m.executionAttempts == nil {
		return
	}
	m.executionAttempts.WithLabelValues(outcome).Inc()
	m.attemptDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordRetry records a scheduled retry.
func (m *Metrics) RecordRetry(kind string) {
	if m == nil || m.executionRetries == nil {
		return
	}
	m.executionRetries.WithLabelValues(kind).Inc()
}

// RecordExecutionEnd records the terminal status of an execution.
func (m *Metrics) RecordExecutionEnd(status, kind string) {
	if m == nil || m.executionsEnded == nil {
		return
	}
	m.executionsEnded.WithLabelValues(status, kind).Inc()
}

// Registry returns the underlying registry, or nil when disabled.
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
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts a standalone HTTP server to expose metrics.
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
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("metrics server error")
		}
	}()

	return nil
}
