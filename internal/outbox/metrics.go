package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	relayDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_relay_delivered_total",
			Help: "Total number of outbox events delivered to the bus",
		},
		[]string{"event_type"},
	)

	relayDeliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_relay_delivery_failures_total",
			Help: "Total number of failed outbox delivery attempts",
		},
		[]string{"event_type"},
	)

	relayDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_relay_dead_lettered_total",
			Help: "Total number of outbox events parked after exhausting retries",
		},
		[]string{"event_type"},
	)

	relayCleanupDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_relay_cleanup_deleted_total",
			Help: "Total number of completed outbox events removed by the retention sweep",
		},
	)

	relayBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_relay_breaker_state",
			Help: "Delivery circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
)
