package upload

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uploadOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crashpad_upload_outcomes_total",
			Help: "Total number of upload attempts and discards, by outcome",
		},
		[]string{"outcome"},
	)

	uploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crashpad_upload_duration_seconds",
			Help:    "Time spent posting one report",
			Buckets: prometheus.DefBuckets,
		},
	)
)
