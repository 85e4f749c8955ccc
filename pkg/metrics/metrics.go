// Package metrics exposes the §6.4 observable metrics: counters, gauges and
// histograms across the pipeline, outbox, DLQ, idempotency guard, resilience
// layer and saga subsystem. It follows the teacher's pattern of a
// package-level Registry plus a promhttp Handler for an external mux to
// mount — the HTTP layer itself is a Non-goal of this module.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the core's Prometheus collectors.
var Registry = prometheus.NewRegistry()

var (
	// PipelineEvents counts events at each pipeline stage, tagged by domain and stage.
	PipelineEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventsourcing",
		Subsystem: "pipeline",
		Name:      "events_total",
		Help:      "Events observed at each pipeline stage.",
	}, []string{"domain", "stage"})

	// PipelineStageFailures counts stage failures, tagged by stage and event type.
	PipelineStageFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventsourcing",
		Subsystem: "pipeline",
		Name:      "stage_failures_total",
		Help:      "Pipeline stage failures.",
	}, []string{"stage", "event_type"})

	// PipelineStageDuration times each pipeline stage.
	PipelineStageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "eventsourcing",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Duration of each pipeline stage.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"stage"})

	// PipelineEndToEndDuration times a full pipeline traversal.
	PipelineEndToEndDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "eventsourcing",
		Subsystem: "pipeline",
		Name:      "endtoend_duration_seconds",
		Help:      "End-to-end duration of a pipeline traversal.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	// PipelinePendingEvents gauges the number of events in flight in the pending map.
	PipelinePendingEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "eventsourcing",
		Subsystem: "pipeline",
		Name:      "pending_events",
		Help:      "Number of events currently pending in the pipeline.",
	})

	// PipelinePendingCompletions gauges the number of futures awaiting completion.
	PipelinePendingCompletions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "eventsourcing",
		Subsystem: "pipeline",
		Name:      "pending_completions",
		Help:      "Number of controller futures awaiting completion.",
	})

	// PipelineCompletionsOrphaned gauges completions that timed out before the pipeline finished.
	PipelineCompletionsOrphaned = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "eventsourcing",
		Subsystem: "pipeline",
		Name:      "completions_orphaned",
		Help:      "Controller futures that timed out waiting for completion.",
	})

	// OutboxEntries counts outbox writes/deliveries/failures.
	OutboxEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventsourcing",
		Subsystem: "outbox",
		Name:      "entries_total",
		Help:      "Outbox entries by outcome.",
	}, []string{"outcome"})

	// DLQEntries counts DLQ additions/replays/discards.
	DLQEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventsourcing",
		Subsystem: "dlq",
		Name:      "entries_total",
		Help:      "Dead-letter entries by outcome.",
	}, []string{"outcome"})

	// IdempotencyChecks counts idempotency guard hits/misses.
	IdempotencyChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventsourcing",
		Subsystem: "idempotency",
		Name:      "checks_total",
		Help:      "Idempotency guard checks by result.",
	}, []string{"result"})

	// ResilienceRetries counts retry attempts and ignored (non-retryable) errors, tagged by instance name.
	ResilienceRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventsourcing",
		Subsystem: "resilience",
		Name:      "retry_total",
		Help:      "Retry attempts and ignored errors by instance.",
	}, []string{"name", "outcome"})

	// SagaOutcomes counts saga terminal outcomes, tagged by saga type.
	SagaOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventsourcing",
		Subsystem: "saga",
		Name:      "outcomes_total",
		Help:      "Terminal saga outcomes by type.",
	}, []string{"saga_type", "outcome"})

	// SagaActiveCount gauges sagas currently in a non-terminal status.
	SagaActiveCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "eventsourcing",
		Subsystem: "saga",
		Name:      "active_count",
		Help:      "Sagas currently active (non-terminal).",
	})

	// SagaCompensatingCount gauges sagas currently compensating.
	SagaCompensatingCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "eventsourcing",
		Subsystem: "saga",
		Name:      "compensating_count",
		Help:      "Sagas currently compensating.",
	})

	// SagaDuration times a saga from start to terminal status, tagged by saga type.
	SagaDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "eventsourcing",
		Subsystem: "saga",
		Name:      "duration_seconds",
		Help:      "Saga duration from start to terminal status.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"saga_type"})

	// SagaStepDuration times individual saga steps, tagged by saga type and step name.
	SagaStepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "eventsourcing",
		Subsystem: "saga",
		Name:      "step_duration_seconds",
		Help:      "Saga step duration.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"saga_type", "step_name"})
)

func init() {
	Registry.MustRegister(
		PipelineEvents,
		PipelineStageFailures,
		PipelineStageDuration,
		PipelineEndToEndDuration,
		PipelinePendingEvents,
		PipelinePendingCompletions,
		PipelineCompletionsOrphaned,
		OutboxEntries,
		DLQEntries,
		IdempotencyChecks,
		ResilienceRetries,
		SagaOutcomes,
		SagaActiveCount,
		SagaCompensatingCount,
		SagaDuration,
		SagaStepDuration,
		collectors.NewGoCollector(),
	)
}

// Handler returns the promhttp handler for the core's registry. Callers
// mount it on whatever HTTP mux their service runs; this package never
// starts a server itself.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
