package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/fleetinstall/pkg/engine"
)

// Metrics provides Prometheus metrics for install runs. It implements
// engine.EventPublisher so it can be fanned the run timeline directly.
type Metrics struct {
	config MetricsConfig

	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	rounds prometheus.Counter

	hostAttempts    *prometheus.CounterVec
	hostDuration    *prometheus.HistogramVec
	cleanupFailures prometheus.Counter

	errorsByClass *prometheus.CounterVec

	successRatio prometheus.Gauge
	activeRuns   prometheus.Gauge

	registry *prometheus.Registry
}

var _ engine.EventPublisher = (*Metrics)(nil)

// NewMetrics creates a metrics collector on a private registry.
func NewMetrics(cfg MetricsConfig) *Metrics {
	namespace := cfg.Namespace
	buckets := cfg.HostDurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of install runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of install runs completed, by terminal state",
			},
			[]string{"state"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of install runs in seconds",
				Buckets:   buckets,
			},
			[]string{"state"},
		),
		rounds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rounds_total",
				Help:      "Total number of retry rounds executed",
			},
		),
		hostAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "host_attempts_total",
				Help:      "Total number of host attempts, by result kind",
			},
			[]string{"kind"},
		),
		hostDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "host_attempt_duration_seconds",
				Help:      "Duration of one stage/install/cleanup cycle in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		cleanupFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_failures_total",
				Help:      "Total number of staged folders that could not be removed",
			},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of host failures, by error class",
			},
			[]string{"class"},
		),
		successRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "run_success_ratio",
				Help:      "Succeeded hosts over batch size of the last completed run",
			},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Number of runs in progress",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.rounds,
		m.hostAttempts,
		m.hostDuration,
		m.cleanupFailures,
		m.errorsByClass,
		m.successRatio,
		m.activeRuns,
	)

	return m
}

// Publish implements engine.EventPublisher.
func (m *Metrics) Publish(_ context.Context, event *engine.Event) error {
	if event == nil {
		return nil
	}

	switch event.Type {
	case engine.EventTypeRunStarted:
		m.runsStarted.Inc()
		m.activeRuns.Inc()
	case engine.EventTypeRoundStarted:
		m.rounds.Inc()
	case engine.EventTypeHostCompleted:
		if event.Result != nil {
			m.RecordHostResult(event.Result)
		}
	case engine.EventTypeRunCompleted:
		if event.Outcome != nil {
			m.RecordRunCompleted(event.Outcome)
		}
	}
	return nil
}

// RecordHostResult records one host attempt.
func (m *Metrics) RecordHostResult(result *engine.HostResult) {
	kind := string(result.Kind)
	m.hostAttempts.WithLabelValues(kind).Inc()
	m.hostDuration.WithLabelValues(kind).Observe(result.Duration.Seconds())
	if result.Err != nil {
		m.errorsByClass.WithLabelValues(string(result.Err.Class)).Inc()
	}
	if result.CleanupErr != nil {
		m.cleanupFailures.Inc()
	}
}

// RecordRunCompleted records the outcome of a run.
func (m *Metrics) RecordRunCompleted(outcome *engine.RunOutcome) {
	state := string(outcome.State)
	m.runsCompleted.WithLabelValues(state).Inc()
	if !outcome.StartedAt.IsZero() && !outcome.CompletedAt.IsZero() {
		m.runDuration.WithLabelValues(state).Observe(outcome.CompletedAt.Sub(outcome.StartedAt).Seconds())
	}
	if outcome.BatchSize > 0 {
		m.successRatio.Set(float64(len(outcome.Succeeded)) / float64(outcome.BatchSize))
	}
	m.activeRuns.Dec()
}

// Registry returns the private registry, for tests and custom exposition.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint until ctx is done. It does
// nothing when no listen address is configured. The returned address is the
// one actually bound, which matters for ":0".
func (m *Metrics) StartMetricsServer(ctx context.Context) (string, error) {
	if m.config.ListenAddress == "" {
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
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("Metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return ln.Addr().String(), nil
}
