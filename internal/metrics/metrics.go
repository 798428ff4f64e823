// Package metrics holds the Prometheus collectors shared by the pipeline stages.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "groundwork_stage_duration_seconds",
		Help:    "Pipeline stage duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
	}, []string{"stage"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groundwork_requests_total",
		Help: "Processed requests by final status",
	}, []string{"status"})

	validationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groundwork_validation_outcomes_total",
		Help: "Validation results by level and recommendation",
	}, []string{"level", "outcome"})

	validationScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "groundwork_validation_score",
		Help:    "Aggregate validation score",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})

	subCheckFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groundwork_validation_subcheck_failures_total",
		Help: "Validator sub-checks that errored or timed out",
	}, []string{"check"})

	providerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groundwork_provider_calls_total",
		Help: "Generation provider calls by provider and result",
	}, []string{"provider", "result"})

	providerFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groundwork_provider_fallbacks_total",
		Help: "Times the chain moved past a provider, by reason",
	}, []string{"provider", "reason"})

	retrievalMode = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groundwork_retrieval_total",
		Help: "Memory retrievals by ranking mode",
	}, []string{"mode"})

	classifierDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "groundwork_classifier_degraded_total",
		Help: "Classifications that fell back to keyword heuristics",
	})

	queueMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groundwork_queue_messages_total",
		Help: "Finalize queue messages by kind and result",
	}, []string{"kind", "result"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "groundwork_queue_depth",
		Help: "Messages waiting in the finalize queue",
	}, []string{"queue"})
)

// ObserveStage records how long a pipeline stage took.
func ObserveStage(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RequestDone counts a finished request.
func RequestDone(status string) {
	requestsTotal.WithLabelValues(status).Inc()
}

// ValidationOutcome records an aggregate validation result.
func ValidationOutcome(level, outcome string, score float64) {
	validationOutcomes.WithLabelValues(level, outcome).Inc()
	validationScore.Observe(score)
}

// SubCheckFailed counts a failed validator sub-check.
func SubCheckFailed(check string) {
	subCheckFailures.WithLabelValues(check).Inc()
}

// ProviderCall counts a provider attempt.
func ProviderCall(provider, result string) {
	providerCalls.WithLabelValues(provider, result).Inc()
}

// ProviderFallback counts the chain skipping past a provider.
func ProviderFallback(provider, reason string) {
	providerFallbacks.WithLabelValues(provider, reason).Inc()
}

// Retrieval counts a retrieval by ranking mode (hybrid, lexical, unavailable).
func Retrieval(mode string) {
	retrievalMode.WithLabelValues(mode).Inc()
}

// ClassifierDegraded counts a degraded classification.
func ClassifierDegraded() {
	classifierDegraded.Inc()
}

// QueueMessage counts a processed queue message.
func QueueMessage(kind, result string) {
	queueMessages.WithLabelValues(kind, result).Inc()
}

// QueueDepth sets the current depth of a queue.
func QueueDepth(queue string, n int) {
	queueDepth.WithLabelValues(queue).Set(float64(n))
}
