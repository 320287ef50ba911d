package saga

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sagasStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_started_total",
			Help: "Total number of sagas started",
		},
		[]string{"saga"},
	)

	sagasFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_finished_total",
			Help: "Total number of sagas that reached a terminal status",
		},
		[]string{"saga", "status"},
	)

	sagasTimedOut = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_timed_out_total",
			Help: "Total number of sagas that exceeded their deadline",
		},
		[]string{"saga"},
	)

	sagasRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_recovered_total",
			Help: "Total number of in-flight sagas picked up by the recovery sweep",
		},
		[]string{"saga"},
	)

	compensationsRun = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Total number of step compensations executed",
		},
		[]string{"saga", "step"},
	)

	sagaDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_duration_seconds",
			Help:    "Duration of saga executions in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"saga"},
	)
)
