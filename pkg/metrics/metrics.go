package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Global collectors. promauto registers them on the default registry, which the
// CLI exposes through promhttp.

var (
	// FitDuration measures how long forest growth takes, labeled by mode
	// ("sequential" or "parallel").
	FitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kektoropf_fit_duration_seconds",
			Help:    "Duration of optimum-path forest growth in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"mode"},
	)

	// FitRounds counts finalized frontier nodes across all fits.
	FitRounds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kektoropf_fit_rounds_total",
			Help: "Total number of forest growth rounds",
		},
		[]string{"mode"},
	)

	// Prototypes tracks the prototype count of the last trained forest.
	Prototypes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kektoropf_prototypes",
			Help: "Number of prototypes in the most recently trained forest",
		},
	)

	// Predictions counts classified samples.
	Predictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kektoropf_predictions_total",
			Help: "Total number of classified samples",
		},
	)

	// BalancerTransfers counts elements moved between worker slices.
	BalancerTransfers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kektoropf_balancer_transfers_total",
			Help: "Total number of rebalancing moves between worker slices",
		},
	)
)
