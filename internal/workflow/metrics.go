package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for workflow runs and stages.
type Metrics struct {
	runsTotal     *prometheus.CounterVec
	runDuration   prometheus.Histogram
	stageDuration *prometheus.HistogramVec
	stagesTotal   *prometheus.CounterVec
	retriesTotal  *prometheus.CounterVec
}

// NewMetrics registers workflow metrics on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		runsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aitrader",
				Subsystem: "workflow",
				Name:      "runs_total",
				Help:      "Total workflow runs by workflow and final status",
			},
			[]string{"workflow", "status"},
		),
		runDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "aitrader",
				Subsystem: "workflow",
				Name:      "run_duration_seconds",
				Help:      "End-to-end run duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		stageDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "aitrader",
				Subsystem: "workflow",
				Name:      "stage_duration_seconds",
				Help:      "Stage duration in seconds, including retries",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"workflow", "stage"},
		),
		stagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aitrader",
				Subsystem: "workflow",
				Name:      "stages_total",
				Help:      "Stage outcomes by workflow, stage, and status",
			},
			[]string{"workflow", "stage", "status"},
		),
		retriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aitrader",
				Subsystem: "workflow",
				Name:      "stage_retries_total",
				Help:      "Retry attempts by workflow and stage",
			},
			[]string{"workflow", "stage"},
		),
	}
}

func (m *Metrics) observeRun(state *RunState) {
	m.runsTotal.WithLabelValues(state.WorkflowName, string(state.Status)).Inc()
	m.runDuration.Observe(state.Elapsed().Seconds())
}

func (m *Metrics) observeStage(workflow, stage string, result *StageResult) {
	m.stageDuration.WithLabelValues(workflow, stage).Observe(result.Duration.Seconds())
	m.stagesTotal.WithLabelValues(workflow, stage, string(result.Status)).Inc()
}

func (m *Metrics) observeRetry(workflow, stage string) {
	m.retriesTotal.WithLabelValues(workflow, stage).Inc()
}
