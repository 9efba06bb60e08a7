package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SynthesisAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synthesis_attempts_total",
			Help: "Backend calls by model role and classified outcome",
		},
		[]string{"model", "outcome"},
	)

	SynthesisLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "synthesis_call_duration_seconds",
			Help:    "Backend call latency in seconds",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model"},
	)

	SlotsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synthesis_slots_total",
			Help: "Image slots by final status and producing model",
		},
		[]string{"status", "model"},
	)

	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generations_total",
			Help: "Generation requests by final status",
		},
		[]string{"status"},
	)

	GenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "generation_duration_seconds",
			Help:    "End-to-end generation request duration",
			Buckets: []float64{5, 10, 20, 30, 60, 90, 120, 180, 300},
		},
	)

	LedgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_ledger_operations_total",
			Help: "Credit ledger mutations by operation and result",
		},
		[]string{"operation", "result"},
	)

	ReconciliationEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliation_events_total",
			Help: "Billing states flagged for manual reconciliation",
		},
		[]string{"reason"},
	)

	ArtifactPersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "artifact_persist_failures_total",
			Help: "Synthesized images that could not be stored",
		},
	)

	AuditWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_write_errors_total",
			Help: "Synthesis attempt rows that failed to persist",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "synthesis_circuit_breaker_state",
			Help: "Breaker state per backend model (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "generate_rate_limit_rejections_total",
			Help: "Generate requests rejected by the per-account limiter",
		},
	)
)
