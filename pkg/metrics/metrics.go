package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RoutedMessages tracks routed messages by target role, strategy and outcome
	RoutedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_routed_messages_total",
			Help: "Total number of routed messages by role, strategy and status",
		},
		[]string{"role", "strategy", "status"},
	)

	// DeliveryLatency tracks end to end delivery latency per target role
	DeliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fabric_delivery_latency_seconds",
			Help:    "Latency of endpoint deliveries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"role"},
	)

	// BusEvents tracks event bus dispatches by priority and outcome
	BusEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_bus_events_total",
			Help: "Total number of event bus dispatches by priority and status",
		},
		[]string{"priority", "status"},
	)

	// QueueDepth tracks the number of pending messages per queue
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fabric_queue_depth",
			Help: "Number of pending messages per queue",
		},
		[]string{"queue"},
	)

	// QueueMessages tracks queue message outcomes
	QueueMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_queue_messages_total",
			Help: "Total number of queue messages by queue and result",
		},
		[]string{"queue", "result"},
	)

	// DeadLetters tracks dead lettered messages by failure reason
	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_dead_letters_total",
			Help: "Total number of dead lettered messages by failure reason",
		},
		[]string{"reason"},
	)

	// BreakerState exposes circuit breaker state (0 closed, 1 open, 2 half-open)
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fabric_circuit_breaker_state",
			Help: "Circuit breaker state per target (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	// ScalingInstances tracks the number of live router instances
	ScalingInstances = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fabric_router_instances",
			Help: "Number of live router instances managed by the scaling coordinator",
		},
	)
)
