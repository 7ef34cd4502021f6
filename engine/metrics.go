package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes engine counters and histograms for Prometheus
// scraping. Pass a Registerer to NewMetrics; prometheus.DefaultRegisterer
// works for the common case, tests use their own registry.
type Metrics struct {
	RowsProcessed   *prometheus.CounterVec   // outcome: written|filtered|failed
	RowsInflight    prometheus.Gauge
	NodeDuration    *prometheus.HistogramVec // node_type
	Retries         prometheus.Counter
	CapacityBackoff prometheus.Counter
	BatchesFlushed  *prometheus.CounterVec // trigger
	RunsFinished    *prometheus.CounterVec // status
	TokensForked    prometheus.Counter
}

// NewMetrics builds and registers the engine's metric set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RowsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elspeth",
			Name:      "rows_processed_total",
			Help:      "Rows that reached a terminal outcome, by outcome.",
		}, []string{"outcome"}),
		RowsInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "elspeth",
			Name:      "rows_inflight",
			Help:      "Rows currently being driven through the pipeline.",
		}),
		NodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "elspeth",
			Name:      "node_duration_seconds",
			Help:      "Wall time spent executing one node state.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"node_type"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elspeth",
			Name:      "retries_total",
			Help:      "Retryable plugin failures that triggered a new attempt.",
		}),
		CapacityBackoff: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elspeth",
			Name:      "capacity_backoffs_total",
			Help:      "Capacity errors that grew the AIMD dispatch delay.",
		}),
		BatchesFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elspeth",
			Name:      "batches_flushed_total",
			Help:      "Aggregation batches flushed, by trigger.",
		}, []string{"trigger"}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elspeth",
			Name:      "runs_finished_total",
			Help:      "Runs reaching a terminal status.",
		}, []string{"status"}),
		TokensForked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elspeth",
			Name:      "tokens_forked_total",
			Help:      "Child tokens minted by forks and expansions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.RowsProcessed, m.RowsInflight, m.NodeDuration, m.Retries,
			m.CapacityBackoff, m.BatchesFlushed, m.RunsFinished, m.TokensForked,
		)
	}
	return m
}
