// Package metrics provides Prometheus metrics for the deal service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/phenomenon0/dealscout/pkg/pipeline"
)

// DealMetrics collects and exposes deal-service Prometheus metrics.
type DealMetrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec

	// Keepa metrics
	KeepaRequests   *prometheus.CounterVec
	KeepaLatency    *prometheus.HistogramVec
	KeepaTokensLeft prometheus.Gauge

	// Pipeline metrics
	PipelineRuns   *prometheus.CounterVec
	StageLatency   *prometheus.HistogramVec
	StageErrors    *prometheus.CounterVec
	Candidates     prometheus.Gauge
	FallbackRuns   prometheus.Counter
	DealsEvaluated *prometheus.CounterVec
	DealScore      prometheus.Histogram

	// Digest / delivery metrics
	DigestRuns      *prometheus.CounterVec
	Published       *prometheus.CounterVec
	StreamClients   prometheus.Gauge
	StreamBroadcast prometheus.Counter
}

// New creates a metrics collector on a private registry.
func New() *DealMetrics {
	registry := prometheus.NewRegistry()

	m := &DealMetrics{
		registry: registry,

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealscout_http_requests_total",
				Help: "HTTP requests by route, method and status",
			},
			[]string{"route", "method", "status"},
		),
		HTTPLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dealscout_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
			},
			[]string{"route"},
		),

		KeepaRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealscout_keepa_requests_total",
				Help: "Keepa API calls by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		KeepaLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dealscout_keepa_request_duration_seconds",
				Help:    "Keepa API latency",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
			},
			[]string{"endpoint"},
		),
		KeepaTokensLeft: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dealscout_keepa_tokens_left",
			Help: "Keepa token balance reported by the last response",
		}),

		PipelineRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealscout_pipeline_runs_total",
				Help: "Deal list runs by outcome",
			},
			[]string{"status"},
		),
		StageLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dealscout_stage_duration_seconds",
				Help:    "Pipeline stage latency",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
			},
			[]string{"stage"},
		),
		StageErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealscout_stage_errors_total",
				Help: "Pipeline stage failures",
			},
			[]string{"stage"},
		),
		Candidates: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dealscout_candidates_discovered",
			Help: "Candidates returned by the last discovery",
		}),
		FallbackRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealscout_fallback_runs_total",
			Help: "Runs that used the fallback candidate list",
		}),
		DealsEvaluated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealscout_deals_evaluated_total",
				Help: "Evaluated deals by decision",
			},
			[]string{"decision"},
		),
		DealScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dealscout_deal_score",
			Help:    "Distribution of deal scores",
			Buckets: prometheus.LinearBuckets(10, 10, 10),
		}),

		DigestRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealscout_digest_runs_total",
				Help: "Scheduled digest runs by outcome",
			},
			[]string{"status"},
		),
		Published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealscout_published_total",
				Help: "Digest deliveries by sink and outcome",
			},
			[]string{"sink", "status"},
		),
		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dealscout_stream_clients",
			Help: "Connected deal stream clients",
		}),
		StreamBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealscout_stream_broadcasts_total",
			Help: "Reports broadcast to stream clients",
		}),
	}

	m.registerAll()
	return m
}

func (m *DealMetrics) registerAll() {
	m.registry.MustRegister(
		m.HTTPRequests,
		m.HTTPLatency,
		m.KeepaRequests,
		m.KeepaLatency,
		m.KeepaTokensLeft,
		m.PipelineRuns,
		m.StageLatency,
		m.StageErrors,
		m.Candidates,
		m.FallbackRuns,
		m.DealsEvaluated,
		m.DealScore,
		m.DigestRuns,
		m.Published,
		m.StreamClients,
		m.StreamBroadcast,
	)
}

// Registry returns the prometheus registry.
func (m *DealMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// --- Helper methods for recording metrics ---

// RecordHTTP records one served request.
func (m *DealMetrics) RecordHTTP(route, method, status string, d time.Duration) {
	m.HTTPRequests.WithLabelValues(route, method, status).Inc()
	m.HTTPLatency.WithLabelValues(route).Observe(d.Seconds())
}

// ObserveRequest records a Keepa round trip.
func (m *DealMetrics) ObserveRequest(endpoint, status string, d time.Duration) {
	m.KeepaRequests.WithLabelValues(endpoint, status).Inc()
	m.KeepaLatency.WithLabelValues(endpoint).Observe(d.Seconds())
}

// ObserveTokensLeft records the Keepa token balance.
func (m *DealMetrics) ObserveTokensLeft(tokens int) {
	m.KeepaTokensLeft.Set(float64(tokens))
}

// RecordStage records a pipeline stage execution.
func (m *DealMetrics) RecordStage(r *pipeline.StageResult) {
	m.StageLatency.WithLabelValues(string(r.Stage)).Observe(r.Duration.Seconds())
	if !r.Success {
		m.StageErrors.WithLabelValues(string(r.Stage)).Inc()
	}
}

// RecordReport records a finished deal list run.
func (m *DealMetrics) RecordReport(r *pipeline.Report) {
	m.PipelineRuns.WithLabelValues("ok").Inc()
	m.Candidates.Set(float64(r.Stats.Discovered))
	if r.Stats.Fallback {
		m.FallbackRuns.Inc()
	}
	for i := range r.Deals {
		m.DealsEvaluated.WithLabelValues(string(r.Deals[i].Decision)).Inc()
		m.DealScore.Observe(float64(r.Deals[i].Score))
	}
}

// RecordPipelineError records a failed deal list run.
func (m *DealMetrics) RecordPipelineError() {
	m.PipelineRuns.WithLabelValues("error").Inc()
}

// RecordDigest records a scheduled digest run.
func (m *DealMetrics) RecordDigest(status string) {
	m.DigestRuns.WithLabelValues(status).Inc()
}

// RecordPublish records one digest delivery.
func (m *DealMetrics) RecordPublish(sink, status string) {
	m.Published.WithLabelValues(sink, status).Inc()
}

// SetStreamClients updates the connected stream client count.
func (m *DealMetrics) SetStreamClients(n int) {
	m.StreamClients.Set(float64(n))
}

// RecordBroadcast counts one report fan-out.
func (m *DealMetrics) RecordBroadcast() {
	m.StreamBroadcast.Inc()
}
