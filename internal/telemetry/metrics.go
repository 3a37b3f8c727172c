// Package telemetry exposes Prometheus metrics for the daemon.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the process-wide metric set.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
	DocumentsProcessed *prometheus.CounterVec
	ScanErrors         prometheus.Counter
	SearchQueries      *prometheus.CounterVec
	ChatExchanges      prometheus.Counter
	EmbeddingBatches   prometheus.Counter
	ActiveScans        prometheus.Gauge
}

// New builds the metric set on a fresh registry (keeps tests isolated
// from the default global one).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archon",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status class.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "archon",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		DocumentsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archon",
			Name:      "documents_processed_total",
			Help:      "Documents ingested by file type.",
		}, []string{"file_type"}),
		ScanErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "archon",
			Name:      "scan_errors_total",
			Help:      "Non-fatal per-file ingestion errors.",
		}),
		SearchQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archon",
			Name:      "search_queries_total",
			Help:      "Search queries by mode (lexical, semantic, hybrid).",
		}, []string{"mode"}),
		ChatExchanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "archon",
			Name:      "chat_exchanges_total",
			Help:      "Completed chat exchanges.",
		}),
		EmbeddingBatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "archon",
			Name:      "embedding_batches_total",
			Help:      "Embedding batch calls issued.",
		}),
		ActiveScans: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "archon",
			Name:      "active_scans",
			Help:      "Scans currently running.",
		}),
	}
}
