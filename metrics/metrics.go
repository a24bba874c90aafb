// Package metrics holds the Prometheus collectors shared by the domain services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is private to the process so tests never collide with the global default.
var Registry = prometheus.NewRegistry()

var (
	MandateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clawtrust",
			Name:      "mandate_transitions_total",
			Help:      "Mandate state transitions by source and target state.",
		},
		[]string{"from", "to"},
	)

	EscrowOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clawtrust",
			Name:      "escrow_operations_total",
			Help:      "Escrow ledger operations by operation and outcome code.",
		},
		[]string{"op", "outcome"},
	)

	EscrowSettledAmount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clawtrust",
			Name:      "escrow_settled_micro_units_total",
			Help:      "Settled value in micro-units split by destination.",
		},
		[]string{"destination"},
	)

	SettlementRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clawtrust",
			Name:      "settlement_retries_total",
			Help:      "Settlement backend calls retried after a transient failure.",
		},
		[]string{"call"},
	)

	ReputationIterations = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clawtrust",
			Name:      "reputation_iterations",
			Help:      "Fixed-point iterations per reputation recomputation.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		},
	)

	ReputationDegraded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clawtrust",
			Name:      "reputation_degraded_total",
			Help:      "Recomputations that fell back to the unweighted mean.",
		},
	)

	DisputeResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clawtrust",
			Name:      "dispute_resolutions_total",
			Help:      "Resolved disputes by outcome and fallback reason.",
		},
		[]string{"outcome", "fallback"},
	)

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clawtrust",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP handler latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method", "status"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		MandateTransitions,
		EscrowOperations,
		EscrowSettledAmount,
		SettlementRetries,
		ReputationIterations,
		ReputationDegraded,
		DisputeResolutions,
		HTTPDuration,
	)
}

// Handler exposes Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
