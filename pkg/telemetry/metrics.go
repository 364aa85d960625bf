package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eb4x/puppet-ironic/pkg/engine"
)

var _ engine.MetricsRecorder = (*Metrics)(nil)

// Metrics counts converge runs, intent outcomes, drift checks, policy
// findings and TFTP probes. A disabled Metrics accepts every call and
// records nothing.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	intentsConverged *prometheus.CounterVec
	intentDuration   *prometheus.HistogramVec

	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	driftDetections  *prometheus.CounterVec
	policyViolations *prometheus.CounterVec

	probeResults  *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec
}

// NewMetrics registers the ironic-pxe collectors on a private registry,
// together with the Go and process collectors.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	ns := cfg.Namespace
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: name, Help: help, Buckets: buckets}, labels)
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		runsStarted:   counter("runs_started_total", "Converge runs started per host.", "host"),
		runsCompleted: counter("runs_completed_total", "Converge runs finished, by run status.", "status"),
		runDuration:   histogram("run_duration_seconds", "Wall time of converge runs.", "status"),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "active_runs", Help: "Converge runs in progress.",
		}),

		intentsConverged: counter("intents_converged_total", "Intents converged, by kind and outcome.", "kind", "status"),
		intentDuration:   histogram("intent_duration_seconds", "Time spent converging one intent.", "kind"),

		errorsByClass: counter("errors_by_class_total", "Intent errors by class.", "class"),
		errorsByCode:  counter("errors_by_code_total", "Intent errors by code.", "code"),

		driftDetections:  counter("drift_detections_total", "Drift checks, by intent kind and result.", "kind", "status"),
		policyViolations: counter("policy_violations_total", "Policy findings, by policy and severity.", "policy", "severity"),

		probeResults:  counter("tftp_probes_total", "TFTP read-back probes, by result.", "status"),
		probeDuration: histogram("tftp_probe_duration_seconds", "Time to read back all boot files.", "status"),
	}

	err := errors.Join(
		m.registry.Register(m.runsStarted),
		m.registry.Register(m.runsCompleted),
		m.registry.Register(m.runDuration),
		m.registry.Register(m.activeRuns),
		m.registry.Register(m.intentsConverged),
		m.registry.Register(m.intentDuration),
		m.registry.Register(m.errorsByClass),
		m.registry.Register(m.errorsByCode),
		m.registry.Register(m.driftDetections),
		m.registry.Register(m.policyViolations),
		m.registry.Register(m.probeResults),
		m.registry.Register(m.probeDuration),
		m.registry.Register(collectors.NewGoCollector()),
		m.registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return m, nil
}

// Registry returns the registry metrics are registered with, nil when
// metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRunStarted counts a run on host as started and active.
func (m *Metrics) RecordRunStarted(host string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(host).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted ends an active run.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordIntentConvergence records the outcome of one intent.
func (m *Metrics) RecordIntentConvergence(kind, status string, duration time.Duration) {
	if m.intentsConverged == nil {
		return
	}
	m.intentsConverged.WithLabelValues(kind, status).Inc()
	m.intentDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordError counts an intent error. Errors without a code only count by
// class.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// RecordDriftDetection records the drift status of one intent.
func (m *Metrics) RecordDriftDetection(kind, status string) {
	if m.driftDetections == nil {
		return
	}
	m.driftDetections.WithLabelValues(kind, status).Inc()
}

// RecordPolicyViolation records one policy finding.
func (m *Metrics) RecordPolicyViolation(policy, severity string) {
	if m.policyViolations == nil {
		return
	}
	m.policyViolations.WithLabelValues(policy, severity).Inc()
}

// RecordProbe records a TFTP probe outcome.
func (m *Metrics) RecordProbe(status string, duration time.Duration) {
	if m.probeResults == nil {
		return
	}
	m.probeResults.WithLabelValues(status).Inc()
	m.probeDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// Handler serves the registry in the OpenMetrics format.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint until ctx is done. It
// returns once the listener is bound so callers see address errors
// immediately. The returned address is the bound one, which differs from
// the configured address when it names port 0.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger zerolog.Logger) (string, error) {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return "", nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return "", err
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server stopped")
		}
	}()

	logger.Info().Str("address", ln.Addr().String()).Str("path", path).Msg("Serving metrics")
	return ln.Addr().String(), nil
}
