package crashpad

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reportsCaptured = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crashpad_reports_captured_total",
			Help: "Total number of crash reports persisted by the capturer",
		},
		[]string{"kind"}, // panic, fatal or signal
	)

	captureFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crashpad_capture_failures_total",
			Help: "Total number of faults that could not be turned into a report",
		},
		[]string{"stage"}, // hook, sink, harvest
	)

	sessionsHarvested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crashpad_sessions_harvested_total",
			Help: "Crash-output sessions left by dead processes, by outcome",
		},
		[]string{"outcome"}, // reported, duplicate, clean
	)
)
