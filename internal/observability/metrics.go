// Package observability provides prometheus metrics for the detector and
// the conversation processing pipeline.
package observability

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all prometheus collectors for the application.
type Metrics struct {
	registry *prometheus.Registry

	// Detector
	SignalsIngested   *prometheus.CounterVec // by source
	EvaluatorVerdicts *prometheus.CounterVec // by verdict (conversation / no-conversation)
	SessionsStarted   prometheus.Counter
	SessionsCompleted prometheus.Counter
	SessionsForceStop prometheus.Counter
	IngestDuration    prometheus.Histogram

	// Pipeline
	PipelineRuns    *prometheus.CounterVec // by outcome (ok / error)
	ChunksProcessed *prometheus.CounterVec // by outcome (ok / skipped / failed)
	SpeakersMatched prometheus.Counter
	SpeakersCreated prometheus.Counter
	QueueDropped    prometheus.Counter
}

// NewMetrics creates and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		SignalsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "earshot_signals_ingested_total",
			Help: "Total number of sensor signals ingested, by source.",
		}, []string{"source"}),
		EvaluatorVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "earshot_evaluator_verdicts_total",
			Help: "Conversation window evaluator verdicts.",
		}, []string{"verdict"}),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "earshot_sessions_started_total",
			Help: "Recording sessions started by the detector.",
		}),
		SessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "earshot_sessions_completed_total",
			Help: "Recording sessions stopped normally.",
		}),
		SessionsForceStop: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "earshot_sessions_force_stopped_total",
			Help: "Recording sessions force-stopped by the listening toggle.",
		}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "earshot_ingest_duration_seconds",
			Help:    "Duration of signal ingest calls.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		PipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "earshot_pipeline_runs_total",
			Help: "Conversation processing pipeline runs, by outcome.",
		}, []string{"outcome"}),
		ChunksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "earshot_pipeline_chunks_total",
			Help: "Audio chunks handled by the pipeline, by outcome.",
		}, []string{"outcome"}),
		SpeakersMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "earshot_speakers_matched_total",
			Help: "Speaker groups resolved to an existing identity.",
		}),
		SpeakersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "earshot_speakers_created_total",
			Help: "New persistent speaker identities created.",
		}),
		QueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "earshot_queue_dropped_total",
			Help: "Finished sessions dropped because the pipeline queue was full.",
		}),
	}

	registry.MustRegister(
		m.SignalsIngested,
		m.EvaluatorVerdicts,
		m.SessionsStarted,
		m.SessionsCompleted,
		m.SessionsForceStop,
		m.IngestDuration,
		m.PipelineRuns,
		m.ChunksProcessed,
		m.SpeakersMatched,
		m.SpeakersCreated,
		m.QueueDropped,
	)
	return m
}

// Handler returns an echo handler serving the metrics registry.
func (m *Metrics) Handler() echo.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return echo.WrapHandler(h)
}
