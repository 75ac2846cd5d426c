// Package metrics exposes the Prometheus collectors for the coordination core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	AssignmentsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "annotation_core",
			Subsystem: "assignment",
			Name:      "assignments_created_total",
			Help:      "Total number of task assignments created.",
		},
		[]string{"strategy"},
	)

	ProbesEvaluated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "annotation_core",
			Subsystem: "probes",
			Name:      "evaluations_total",
			Help:      "Total number of probe evaluations.",
		},
		[]string{"result"},
	)

	ConsolidationsRun = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "annotation_core",
			Subsystem: "consensus",
			Name:      "consolidations_total",
			Help:      "Total number of consolidation runs by outcome.",
		},
		[]string{"outcome"},
	)

	EscrowReleases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "annotation_core",
			Subsystem: "escrow",
			Name:      "releases_total",
			Help:      "Total number of escrow stage releases.",
		},
		[]string{"stage"},
	)

	WarningsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "annotation_core",
			Subsystem: "quality",
			Name:      "warnings_issued_total",
			Help:      "Total number of quality warnings issued.",
		},
		[]string{"level"},
	)

	DepositsCollected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "annotation_core",
			Subsystem: "billing",
			Name:      "deposits_collected_total",
			Help:      "Total number of security deposits collected.",
		},
	)

	DepositsRefunded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "annotation_core",
			Subsystem: "billing",
			Name:      "deposits_refunded_total",
			Help:      "Total number of security deposit refunds.",
		},
	)

	SweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "annotation_core",
			Subsystem: "sweepers",
			Name:      "run_duration_seconds",
			Help:      "Duration of periodic sweeper runs.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"sweeper"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		AssignmentsCreated,
		ProbesEvaluated,
		ConsolidationsRun,
		EscrowReleases,
		WarningsIssued,
		DepositsCollected,
		DepositsRefunded,
		SweepDuration,
	)
}

// Handler returns an http.Handler that serves the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
