package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ambient_cycles_total",
		Help: "Completed cycles by status",
	}, []string{"status"})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ambient_cycle_duration_seconds",
		Help:    "Cycle wall-clock time in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	})

	proposalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ambient_proposals_total",
		Help: "Proposals by final disposition",
	}, []string{"disposition"})

	generatorErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ambient_generator_errors_total",
		Help: "Generator calls that failed after retries",
	}, []string{"generator"})

	autoApplyDisabled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ambient_auto_apply_disabled",
		Help: "1 while the failure-rate kill switch holds auto-apply off",
	})
)
