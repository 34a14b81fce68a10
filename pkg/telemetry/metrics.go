package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds the Prometheus collectors for a run. A disabled instance
// has nil collectors and every recorder is a no-op.
type Metrics struct {
	config MetricsConfig

	actionsExecuted *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec
	rpcRetries      *prometheus.CounterVec
	errorsByClass   *prometheus.CounterVec
	blocksMined     *prometheus.CounterVec
	activeWorkers   *prometheus.GaugeVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		actionsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_executed_total",
				Help:      "Script actions executed, by action and status",
			},
			[]string{"action", "status"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of script actions in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"action"},
		),
		rpcRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_retries_total",
				Help:      "Control plane calls retried after a transient failure",
			},
			[]string{"vendor"},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Errors by error class",
			},
			[]string{"class"},
		),
		blocksMined: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocks_mined_total",
				Help:      "Blocks mined, by node",
			},
			[]string{"node"},
		),
		activeWorkers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_workers",
				Help:      "Background workers currently running, by kind",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.actionsExecuted,
		m.actionDuration,
		m.rpcRetries,
		m.errorsByClass,
		m.blocksMined,
		m.activeWorkers,
	)

	return m, nil
}

// RecordAction records one executed action.
func (m *Metrics) RecordAction(action string, err error, duration time.Duration) {
	if m == nil || m.actionsExecuted == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.actionsExecuted.WithLabelValues(action, status).Inc()
	m.actionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordRetry records one retried control plane call.
func (m *Metrics) RecordRetry(vendor string) {
	if m == nil || m.rpcRetries == nil {
		return
	}
	m.rpcRetries.WithLabelValues(vendor).Inc()
}

// RecordError records an error by class.
func (m *Metrics) RecordError(class string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
}

// RecordBlocksMined adds n blocks to the node's counter.
func (m *Metrics) RecordBlocksMined(node string, n int64) {
	if m == nil || m.blocksMined == nil || n <= 0 {
		return
	}
	m.blocksMined.WithLabelValues(node).Add(float64(n))
}

// WorkerStarted increments the active worker gauge.
func (m *Metrics) WorkerStarted(kind string) {
	if m == nil || m.activeWorkers == nil {
		return
	}
	m.activeWorkers.WithLabelValues(kind).Inc()
}

// WorkerStopped decrements the active worker gauge.
func (m *Metrics) WorkerStopped(kind string) {
	if m == nil || m.activeWorkers == nil {
		return
	}
	m.activeWorkers.WithLabelValues(kind).Dec()
}

// Registry returns the registry the collectors live on, or nil when
// metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
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

// StartServer serves the metrics endpoint in the background when a listen
// address is configured.
func (m *Metrics) StartServer() error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("metrics server error")
		}
	}()

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
