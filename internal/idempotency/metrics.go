package idempotency

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	replaysServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "idempotency_replays_total",
			Help: "Total number of responses served from the idempotency store",
		},
	)

	conflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_conflicts_total",
			Help: "Total number of rejected idempotency conflicts",
		},
		[]string{"kind"},
	)

	failOpenEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "idempotency_fail_open_total",
			Help: "Total number of requests that proceeded unprotected because the store was unavailable",
		},
	)
)
