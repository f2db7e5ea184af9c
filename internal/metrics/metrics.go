// Package metrics holds the Prometheus instruments for polylive.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument. Each instance owns its registry so that
// tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	// Registry
	RegistryInstruments prometheus.Gauge
	RegistryRebuilds    prometheus.Counter
	UnresolvedDrops     prometheus.Counter

	// Price pipeline
	UpstreamEvents     *prometheus.CounterVec
	UpstreamReconnects prometheus.Counter
	DispatchQueueDepth *prometheus.GaugeVec
	ContainersApplied  prometheus.Counter
	ContainersNoop     prometheus.Counter
	PersistErrors      *prometheus.CounterVec
	HandleDuration     prometheus.Histogram

	// Hub
	HubConnections  prometheus.Gauge
	HubMessagesSent *prometheus.CounterVec
	HubTeardowns    *prometheus.CounterVec

	// Ledger
	FillsApplied      *prometheus.CounterVec
	FillDuplicates    prometheus.Counter
	Reconciles        *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram
	MergeActions      *prometheus.CounterVec

	// HTTP
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates and registers all instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RegistryInstruments: f.NewGauge(prometheus.GaugeOpts{
			Name: "polylive_registry_instruments",
			Help: "Instruments in the current registry snapshot",
		}),
		RegistryRebuilds: f.NewCounter(prometheus.CounterOpts{
			Name: "polylive_registry_rebuilds_total",
			Help: "Registry rebuilds",
		}),
		UnresolvedDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "polylive_unresolved_quotes_total",
			Help: "Quotes dropped because the instrument was not in the registry",
		}),

		UpstreamEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polylive_upstream_events_total",
			Help: "Upstream feed events by type",
		}, []string{"type"}),
		UpstreamReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "polylive_upstream_reconnects_total",
			Help: "Upstream websocket reconnects",
		}),
		DispatchQueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "polylive_dispatch_queue_depth",
			Help: "Pending batches per dispatcher shard",
		}, []string{"shard"}),
		ContainersApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "polylive_containers_applied_total",
			Help: "Container updates persisted and broadcast",
		}),
		ContainersNoop: f.NewCounter(prometheus.CounterOpts{
			Name: "polylive_containers_noop_total",
			Help: "Container updates skipped because nothing changed",
		}),
		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polylive_persist_errors_total",
			Help: "Persistence failures by operation",
		}, []string{"op"}),
		HandleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "polylive_price_batch_duration_seconds",
			Help:    "Time to process one price batch",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		HubConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "polylive_hub_connections",
			Help: "Open subscriber connections",
		}),
		HubMessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polylive_hub_messages_total",
			Help: "Messages queued to subscribers by registry",
		}, []string{"registry"}),
		HubTeardowns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polylive_hub_teardowns_total",
			Help: "Connections removed by reason",
		}, []string{"reason"}),

		FillsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polylive_fills_applied_total",
			Help: "Fills applied to the ledger by side",
		}, []string{"side"}),
		FillDuplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "polylive_fill_duplicates_total",
			Help: "Redelivered fills ignored",
		}),
		Reconciles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polylive_reconciles_total",
			Help: "Reconciliation attempts by outcome",
		}, []string{"outcome"}),
		ReconcileDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "polylive_reconcile_duration_seconds",
			Help:    "Time to reconcile one user",
			Buckets: prometheus.DefBuckets,
		}),
		MergeActions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polylive_merge_actions_total",
			Help: "Reconciliation merge decisions by action",
		}, []string{"action"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polylive_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "polylive_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
