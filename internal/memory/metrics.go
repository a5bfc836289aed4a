package memory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the memory store.
type Metrics struct {
	liveRecords prometheus.Gauge
	tokensUsed  prometheus.Gauge
	utilization prometheus.Gauge
	dedupHits   prometheus.Counter
	evictions   prometheus.Counter
}

// NewMetrics registers memory store metrics on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		liveRecords: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "aitrader",
			Subsystem: "memory",
			Name:      "live_records",
			Help:      "Number of live records in the store",
		}),
		tokensUsed: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "aitrader",
			Subsystem: "memory",
			Name:      "tokens_used",
			Help:      "Total token cost of live records",
		}),
		utilization: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "aitrader",
			Subsystem: "memory",
			Name:      "budget_utilization",
			Help:      "Fraction of the token budget in use",
		}),
		dedupHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "aitrader",
			Subsystem: "memory",
			Name:      "dedup_hits_total",
			Help:      "Inserts rejected as duplicates of a live record",
		}),
		evictions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "aitrader",
			Subsystem: "memory",
			Name:      "evictions_total",
			Help:      "Records evicted to satisfy the token budget",
		}),
	}
}
