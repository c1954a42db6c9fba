// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// LLMDuration tracks LLM call duration by purpose (generate, rerank, route).
	LLMDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "LLM request duration",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 45, 60, 90},
		},
		[]string{"provider", "purpose", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"provider", "direction"},
	)

	// NATSStreamMessages tracks messages in NATS stream.
	NATSStreamMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_messages",
			Help: "Number of messages in NATS stream",
		},
		[]string{"stream"},
	)

	// NATSStreamBytes tracks bytes in NATS stream.
	NATSStreamBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_bytes",
			Help: "Bytes in NATS stream",
		},
		[]string{"stream"},
	)

	// EventsQueued counts inbound events published to the work queue.
	EventsQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caddy_events_queued_total",
			Help: "Inbound chat events queued for processing",
		},
		[]string{"kind"},
	)

	// MessagesTotal counts adviser messages by terminal outcome.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caddy_messages_total",
			Help: "Adviser messages by outcome",
		},
		[]string{"outcome"},
	)

	// AssignmentsTotal counts evaluation assignments by arm.
	AssignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caddy_evaluation_assignments_total",
			Help: "Evaluation arm assignments",
		},
		[]string{"arm"},
	)

	// ModuleFailures counts evaluation modules that were skipped.
	ModuleFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caddy_evaluation_module_failures_total",
			Help: "Evaluation modules skipped because they failed",
		},
		[]string{"module"},
	)

	// RerankFallbacks counts rankings replaced by the alternative retriever.
	RerankFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caddy_rerank_fallbacks_total",
			Help: "Rerank results discarded in favour of the alternative retriever",
		},
		[]string{"reason"},
	)

	// ApprovalsTotal counts supervisor decisions.
	ApprovalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caddy_approvals_total",
			Help: "Supervisor decisions",
		},
		[]string{"decision"},
	)

	// SupervisionLatency tracks time from draft submission to decision.
	SupervisionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "caddy_supervision_latency_seconds",
			Help:    "Time from submission for approval to supervisor decision",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	// SurveysTotal counts survey lifecycle events.
	SurveysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caddy_surveys_total",
			Help: "Survey lifecycle events",
		},
		[]string{"event"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLM records metrics for one LLM call.
func RecordLLM(provider, purpose, status string, duration float64, tokensIn, tokensOut int) {
	LLMDuration.WithLabelValues(provider, purpose, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(provider, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(provider, "out").Add(float64(tokensOut))
}

// RecordOutcome counts a message outcome.
func RecordOutcome(outcome string) {
	MessagesTotal.WithLabelValues(outcome).Inc()
}

// RecordDecision counts a supervisor decision and its latency.
func RecordDecision(approved bool, waited float64) {
	decision := "rejected"
	if approved {
		decision = "approved"
	}
	ApprovalsTotal.WithLabelValues(decision).Inc()
	if waited > 0 {
		SupervisionLatency.Observe(waited)
	}
}
