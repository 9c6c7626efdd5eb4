package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event Bus Metrics
var (
	// EventsPublishedTotal tracks events accepted by the bus, by type
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_events_published_total",
			Help: "Total events published to the bus by event type",
		},
		[]string{"type"},
	)

	// RemoteEventsReceivedTotal tracks cross-instance events, by outcome
	// (delivered, self_echo, malformed)
	RemoteEventsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_remote_events_received_total",
			Help: "Cross-instance events received by outcome",
		},
		[]string{"outcome"},
	)

	// TransportPublishErrors tracks failed cross-instance publishes
	TransportPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventbus_transport_publish_errors_total",
			Help: "Total failed cross-instance publish attempts",
		},
	)

	// HandlerFailuresTotal tracks local subscriber handler failures by type
	HandlerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_handler_failures_total",
			Help: "Local subscriber handler failures by event type",
		},
		[]string{"type"},
	)

	// CircuitBreakerStateChanges tracks breaker transitions by component and new state
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)

// Delivery Metrics
var (
	// EventsDeliveredTotal tracks delivered events by type and channel
	EventsDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_events_total",
			Help: "Events delivered by event type and channel",
		},
		[]string{"type", "channel"},
	)

	// DeliveryDuration tracks end-to-end routing latency in seconds
	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "delivery_duration_seconds",
			Help:    "Event routing duration in seconds by channel",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"channel"},
	)

	// DeliveryFailuresTotal tracks failed delivery attempts by channel
	DeliveryFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_failures_total",
			Help: "Failed delivery attempts by channel",
		},
		[]string{"channel"},
	)

	// DeliveryFallbacksTotal tracks fallback routings by primary channel
	DeliveryFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_fallbacks_total",
			Help: "Events rerouted to the alternate channel by primary channel",
		},
		[]string{"primary"},
	)
)

// Connection Metrics
var (
	// BroadcastConnections tracks active broadcast stream connections
	BroadcastConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "broadcast_connections_active",
			Help: "Number of active broadcast stream connections",
		},
	)

	// InteractiveConnections tracks active interactive connections
	InteractiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "interactive_connections_active",
			Help: "Number of active interactive connections",
		},
	)

	// PeakConnections tracks the high-water mark of concurrent connections
	PeakConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "connections_peak",
			Help: "High-water mark of concurrent connections across both channels",
		},
	)

	// StaleConnectionsReaped tracks broadcast connections removed by the sweep
	StaleConnectionsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_stale_connections_reaped_total",
			Help: "Broadcast connections removed by the staleness sweep",
		},
	)

	// HeartbeatTimeouts tracks interactive connections closed for missed heartbeats
	HeartbeatTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "interactive_heartbeat_timeouts_total",
			Help: "Interactive connections closed after two missed heartbeats",
		},
	)

	// SlowClientsEvicted tracks connections dropped for full send buffers
	SlowClientsEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slow_clients_evicted_total",
			Help: "Connections dropped because their send buffer was full",
		},
		[]string{"channel"},
	)

	// RateLimitRejections tracks deliveries and requests skipped by admission control
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Requests or deliveries skipped by the rate limiter, by channel",
		},
		[]string{"channel"},
	)
)
