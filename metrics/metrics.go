// Package metrics exposes the node's Prometheus counters, gauges, and
// histograms on a dedicated HTTP endpoint, the way the rest of the retrieval
// pack's chain nodes (geth forks and DPoS variants alike) all carry a
// metrics surface regardless of whether their distilled spec calls it out.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the gauges/counters/histograms the producer package
// updates during block assembly and transaction admission; cmd/node updates
// MempoolSize.
type Registry struct {
	BlocksProduced   *prometheus.CounterVec
	BlocksRejected   *prometheus.CounterVec
	AssemblyPhase    *prometheus.HistogramVec
	WatermarkHeight  *prometheus.GaugeVec
	MempoolSize      prometheus.Gauge
	IncomingTxTotal  *prometheus.CounterVec
	ScheduleVersion  prometheus.Gauge
	LastIrreversible prometheus.Gauge
}

// New creates a Registry and registers all of its metrics with reg.
// Pass prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer-backed reg for the live process.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		BlocksProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dpochain",
			Subsystem: "producer",
			Name:      "blocks_produced_total",
			Help:      "Blocks successfully produced, by producer account.",
		}, []string{"producer"}),
		BlocksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dpochain",
			Subsystem: "producer",
			Name:      "blocks_rejected_total",
			Help:      "Incoming blocks rejected by the incoming-block handler, by reason.",
		}, []string{"reason"}),
		AssemblyPhase: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dpochain",
			Subsystem: "producer",
			Name:      "assembly_phase_seconds",
			Help:      "Wall-clock time spent in each start_block assembly phase.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase"}),
		WatermarkHeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dpochain",
			Subsystem: "producer",
			Name:      "watermark_height",
			Help:      "Height of the latest accepted block, by that block's producer.",
		}, []string{"producer"}),
		MempoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dpochain",
			Subsystem: "core",
			Name:      "mempool_size",
			Help:      "Current number of transactions held in the mempool.",
		}),
		IncomingTxTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dpochain",
			Subsystem: "producer",
			Name:      "incoming_tx_total",
			Help:      "Incoming transactions processed, by outcome.",
		}, []string{"outcome"}),
		ScheduleVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dpochain",
			Subsystem: "chain",
			Name:      "schedule_version",
			Help:      "Version number of the currently active producer schedule.",
		}),
		LastIrreversible: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dpochain",
			Subsystem: "chain",
			Name:      "last_irreversible_block_num",
			Help:      "Height of the last irreversible block.",
		}),
	}
	reg.MustRegister(
		m.BlocksProduced,
		m.BlocksRejected,
		m.AssemblyPhase,
		m.WatermarkHeight,
		m.MempoolSize,
		m.IncomingTxTotal,
		m.ScheduleVersion,
		m.LastIrreversible,
	)
	return m
}

// Handler serves the registry's metrics in the Prometheus text exposition
// format, suitable for mounting on the node's HTTP mux.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
