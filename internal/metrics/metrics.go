// Package metrics exposes the Prometheus counters and gauges the ingest
// pipeline updates as samples flow through the buffer, session machine, and
// training driver.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the ingest pipeline reports against, all
// registered on a private registry so tests can construct independent
// instances without colliding on prometheus's default global registry.
type Metrics struct {
	reg *prometheus.Registry

	SamplesIngested   prometheus.Counter
	SamplesDropped    prometheus.Counter
	BufferFlushes     prometheus.Counter
	BufferFlushErrors prometheus.Counter
	BufferDepth       prometheus.Gauge

	SessionsOpened   prometheus.Counter
	SessionsFinal    prometheus.Counter
	SessionsDiscarded prometheus.Counter
	ActiveSessions   prometheus.Gauge

	AnomaliesFlagged prometheus.Counter

	TrainingRuns   prometheus.Counter
	TrainingErrors prometheus.Counter
	ScoringRuns    prometheus.Counter

	HubQueueDrops prometheus.Counter
}

// New creates a Metrics instance on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,

		SamplesIngested: f.NewCounter(prometheus.CounterOpts{
			Name: "cattlefeed_samples_ingested_total",
			Help: "Total telemetry samples decoded from MQTT.",
		}),
		SamplesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "cattlefeed_samples_dropped_total",
			Help: "Samples rejected during decode (missing device id, bad JSON).",
		}),
		BufferFlushes: f.NewCounter(prometheus.CounterOpts{
			Name: "cattlefeed_buffer_flushes_total",
			Help: "Successful write-behind buffer flushes to storage.",
		}),
		BufferFlushErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "cattlefeed_buffer_flush_errors_total",
			Help: "Write-behind buffer flush attempts that failed and were retried.",
		}),
		BufferDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "cattlefeed_buffer_depth",
			Help: "Samples currently pending in the write-behind buffer.",
		}),

		SessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "cattlefeed_sessions_opened_total",
			Help: "Eating sessions opened by the session machine.",
		}),
		SessionsFinal: f.NewCounter(prometheus.CounterOpts{
			Name: "cattlefeed_sessions_finalized_total",
			Help: "Eating sessions finalized and persisted.",
		}),
		SessionsDiscarded: f.NewCounter(prometheus.CounterOpts{
			Name: "cattlefeed_sessions_discarded_total",
			Help: "Sessions discarded at finalize time for showing no net consumption.",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "cattlefeed_active_sessions",
			Help: "Eating sessions currently open per device.",
		}),

		AnomaliesFlagged: f.NewCounter(prometheus.CounterOpts{
			Name: "cattlefeed_anomalies_flagged_total",
			Help: "Sessions scored above the anomaly threshold.",
		}),

		TrainingRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "cattlefeed_training_runs_total",
			Help: "Isolation forest training runs completed.",
		}),
		TrainingErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "cattlefeed_training_errors_total",
			Help: "Isolation forest training runs that failed.",
		}),
		ScoringRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "cattlefeed_scoring_cycles_total",
			Help: "Backlog scoring cycles completed.",
		}),

		HubQueueDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "cattlefeed_hub_queue_drops_total",
			Help: "Events dropped from a subscriber queue because it was full.",
		}),
	}
}

// Handler exposes the registry over /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
