package export

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "pgtelemetry"

// HealthConfig configures the Prometheus health metrics server.
type HealthConfig struct {
	// Addr is the listen address for the health metrics server.
	// Defaults to ":9090".
	Addr string `yaml:"addr"`
}

// HealthMetrics exposes Prometheus metrics describing the agent itself.
// The same server carries any extra routes registered with Handle.
type HealthMetrics struct {
	log      logrus.FieldLogger
	addr     string
	server   *http.Server
	listener net.Listener
	registry *prometheus.Registry
	routes   map[string]http.Handler

	// Pipeline
	PipelineLive         prometheus.Gauge
	PipelineRestarts     prometheus.Counter
	PipelineInitFailures prometheus.Counter
	ExportErrors         *prometheus.CounterVec // exporter

	// Emitter
	CountersEmitted  *prometheus.CounterVec // source
	CountersRejected *prometheus.CounterVec // reason
	SpansEmitted     prometheus.Counter

	// Worker
	Collections        prometheus.Counter
	CollectionErrors   prometheus.Counter
	CollectionDuration prometheus.Histogram
	RowsCollected      prometheus.Counter
	WorkerPhase        *prometheus.GaugeVec // phase
	WorkerRestarts     prometheus.Counter

	// Reload
	ConfigReloads *prometheus.CounterVec // trigger

	running atomic.Bool
}

// NewHealthMetrics creates a new health metrics server.
func NewHealthMetrics(
	log logrus.FieldLogger,
	cfg HealthConfig,
) *HealthMetrics {
	reg := prometheus.NewRegistry()

	h := &HealthMetrics{
		log:      log.WithField("component", "health"),
		addr:     cfg.Addr,
		registry: reg,
		routes:   make(map[string]http.Handler, 4),

		PipelineLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_live",
			Help:      "Whether the export pipeline is live (1=yes, 0=no).",
		}),
		PipelineRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_restarts_total",
			Help:      "Total export pipeline restarts.",
		}),
		PipelineInitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_init_failures_total",
			Help:      "Total export pipeline construction failures.",
		}),
		ExportErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "export_errors_total",
				Help:      "Total export errors by exporter.",
			},
			[]string{"exporter"},
		),
		CountersEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "counters_emitted_total",
				Help:      "Total counter increments recorded by source.",
			},
			[]string{"source"},
		),
		CountersRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "counters_rejected_total",
				Help:      "Total counter increments rejected by reason.",
			},
			[]string{"reason"},
		),
		SpansEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spans_emitted_total",
			Help:      "Total on-demand spans emitted.",
		}),
		Collections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collections_total",
			Help:      "Total collection cycles run by the worker.",
		}),
		CollectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collection_errors_total",
			Help:      "Total collection cycles that failed.",
		}),
		CollectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collection_duration_seconds",
			Help:      "Time to run one collection cycle.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}, // 1ms-1s
		}),
		RowsCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_collected_total",
			Help:      "Total rows returned by collection queries.",
		}),
		WorkerPhase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_phase",
				Help:      "Current collector worker phase (1 for the active phase).",
			},
			[]string{"phase"},
		),
		WorkerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_restarts_total",
			Help:      "Total collector worker restarts after a fatal error.",
		}),
		ConfigReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total configuration reloads by trigger.",
			},
			[]string{"trigger"},
		),
	}

	reg.MustRegister(
		h.PipelineLive,
		h.PipelineRestarts,
		h.PipelineInitFailures,
		h.ExportErrors,
		h.CountersEmitted,
		h.CountersRejected,
		h.SpansEmitted,
		h.Collections,
		h.CollectionErrors,
		h.CollectionDuration,
		h.RowsCollected,
		h.WorkerPhase,
		h.WorkerRestarts,
		h.ConfigReloads,
	)

	return h
}

// Registry returns the underlying Prometheus registry.
func (h *HealthMetrics) Registry() *prometheus.Registry {
	return h.registry
}

// Handle registers an additional route served next to /metrics.
// It must be called before Start.
func (h *HealthMetrics) Handle(pattern string, handler http.Handler) {
	h.routes[pattern] = handler
}

// Start begins serving the /metrics endpoint.
func (h *HealthMetrics) Start(_ context.Context) error {
	if h.addr == "" {
		h.addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		h.registry,
		promhttp.HandlerOpts{},
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	for pattern, handler := range h.routes {
		mux.Handle(pattern, handler)
	}

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}

	h.listener = ln

	h.server = &http.Server{
		Handler: mux,
	}

	h.running.Store(true)

	go func() {
		h.log.WithField("addr", ln.Addr().String()).
			Info("Health server started")

		if err := h.server.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			h.log.WithError(err).
				Error("Health server error")
		}

		h.running.Store(false)
	}()

	return nil
}

// Addr returns the actual listener address. Useful when started
// with ":0" to get the OS-assigned port.
func (h *HealthMetrics) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}

	return h.addr
}

// Stop gracefully shuts down the health metrics server.
func (h *HealthMetrics) Stop() error {
	if h.server == nil {
		return nil
	}

	return h.server.Close()
}
