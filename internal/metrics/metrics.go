// Package metrics exposes the same request/token/tool-call activity
// stats.Counter tracks, in Prometheus format, for operators who scrape
// instead of polling GET /api/stats. It's additive observability: the
// atomic stats.Counter remains the single source of truth for
// /api/stats, this package never reads it back.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the counters and histograms the request path
// updates. One instance per process, constructed at startup and
// threaded through the router.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	toolCallsTotal  prometheus.Counter
	compareOutcomes *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
}

// New registers the metric families against the default registry and
// returns a Metrics ready to record from the request path.
func New() *Metrics {
	return &Metrics{
		requestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowgate",
			Name:      "requests_total",
			Help:      "Total POST /v1/messages requests by routing mode and upstream.",
		}, []string{"mode", "upstream"}),
		tokensTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowgate",
			Name:      "tokens_total",
			Help:      "Total tokens accounted from SSE streams by direction.",
		}, []string{"direction"}),
		toolCallsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "shadowgate",
			Name:      "tool_calls_total",
			Help:      "Total tool_use content blocks observed on the primary path.",
		}),
		compareOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowgate",
			Subsystem: "compare",
			Name:      "dispatch_outcomes_total",
			Help:      "Compare dispatch outcomes: completed, skipped, failed.",
		}, []string{"outcome"}),
		requestLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shadowgate",
			Name:      "request_duration_seconds",
			Help:      "End-to-end primary request latency by upstream.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"upstream"}),
	}
}

// RecordRequest tags one accepted primary-path request with the mode
// that routed it and the upstream that served it.
func (m *Metrics) RecordRequest(mode, upstream string) {
	m.requestsTotal.WithLabelValues(mode, upstream).Inc()
}

// RecordUsage folds a completed stream's token/tool-call counts into
// the counters. Fields that are zero (or negative) are skipped, so a
// label series is only touched once it has something to add.
func (m *Metrics) RecordUsage(inputTokens, outputTokens, toolCalls int) {
	if inputTokens > 0 {
		m.tokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.tokensTotal.WithLabelValues("output").Add(float64(outputTokens))
	}
	if toolCalls > 0 {
		m.toolCallsTotal.Add(float64(toolCalls))
	}
}

// RecordCompareOutcome tags one compare-dispatcher exit: "completed",
// "skipped" (semaphore at capacity), or "failed".
func (m *Metrics) RecordCompareOutcome(outcome string) {
	m.compareOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveLatency records one primary-path request's end-to-end
// duration, in seconds, against the named upstream.
func (m *Metrics) ObserveLatency(upstream string, seconds float64) {
	m.requestLatency.WithLabelValues(upstream).Observe(seconds)
}
