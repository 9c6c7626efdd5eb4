// Package delivery routes bus events to the channel managers, with a
// single fallback to the alternate channel when the primary attempt fails.
// It also aggregates performance counters, evaluates the service health
// verdict, and owns shutdown sequencing.
package delivery

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pulsewire/realtime/internal/domain"
	"github.com/pulsewire/realtime/internal/eventbus"
	"github.com/pulsewire/realtime/internal/metrics"
)

const (
	failureWindow    = 5 * time.Minute
	failureThreshold = 5
	healthInterval   = 30 * time.Second
	latencySamples   = 256
)

// ChannelKind labels the two delivery channel classes.
type ChannelKind string

const (
	KindBroadcast   ChannelKind = "broadcast"
	KindInteractive ChannelKind = "interactive"
)

// ChannelManager is a delivery channel the orchestrator can route to and
// shut down.
type ChannelManager interface {
	Deliver(ctx context.Context, event domain.Event) (int, error)
	ActiveConnections() int
	Stop()
}

// HealthStatus is the structured verdict exposed on the health surface.
type HealthStatus struct {
	Status     string          `json:"status"`
	Components map[string]bool `json:"components"`
	Detail     string          `json:"detail,omitempty"`
}

// PerformanceSnapshot aggregates the counters the metrics surface reports.
type PerformanceSnapshot struct {
	Uptime            time.Duration    `json:"-"`
	UptimeSeconds     float64          `json:"uptime_seconds"`
	EventsDelivered   map[string]int64 `json:"events_delivered"`
	EventsPerSecond   float64          `json:"events_per_second"`
	AvgLatencyMillis  float64          `json:"avg_latency_ms"`
	ErrorRate         float64          `json:"error_rate"`
	ChannelSuccesses  map[string]int64 `json:"channel_successes"`
	ChannelFailures   map[string]int64 `json:"channel_failures"`
	ActiveBroadcast   int              `json:"active_broadcast_connections"`
	ActiveInteractive int              `json:"active_interactive_connections"`
	PeakConnections   int              `json:"peak_connections"`
	MemoryAllocBytes  uint64           `json:"memory_alloc_bytes"`
	MemorySysBytes    uint64           `json:"memory_sys_bytes"`
}

// Orchestrator subscribes to every event type and routes each to its
// primary channel, falling back at most once per event.
type Orchestrator struct {
	bus         *eventbus.Bus
	broadcast   ChannelManager
	interactive ChannelManager
	clock       clockwork.Clock

	mu           sync.Mutex
	draining     bool
	unsubscribes []func()
	failures     map[ChannelKind][]time.Time
	delivered    map[domain.EventType]int64
	successes    map[ChannelKind]int64
	failCounts   map[ChannelKind]int64
	latencies    []time.Duration
	latencyIdx   int
	peak         int
	startedAt    time.Time

	healthCancel context.CancelFunc
	healthDone   chan struct{}
}

// New creates an orchestrator. Call Start to begin routing.
func New(bus *eventbus.Bus, broadcast, interactive ChannelManager, clock clockwork.Clock) *Orchestrator {
	return &Orchestrator{
		bus:         bus,
		broadcast:   broadcast,
		interactive: interactive,
		clock:       clock,
		failures:    make(map[ChannelKind][]time.Time),
		delivered:   make(map[domain.EventType]int64),
		successes:   make(map[ChannelKind]int64),
		failCounts:  make(map[ChannelKind]int64),
		latencies:   make([]time.Duration, 0, latencySamples),
		startedAt:   clock.Now(),
	}
}

// Start subscribes to every event type and launches the periodic health
// evaluation.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, t := range domain.AllEventTypes {
		eventType := t
		unsub := o.bus.Subscribe(eventType, func(ctx context.Context, e domain.Event) error {
			o.route(ctx, e)
			return nil
		})
		o.unsubscribes = append(o.unsubscribes, unsub)
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.healthCancel = cancel
	o.healthDone = make(chan struct{})
	go o.healthLoop(ctx)

	slog.Info("Delivery orchestrator started", "event_types", len(domain.AllEventTypes))
}

// Shutdown drains routing before tearing down either channel's
// connections, then stops the health loop. The ordering prevents writes
// to closing sockets.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return
	}
	o.draining = true
	unsubs := o.unsubscribes
	o.unsubscribes = nil
	o.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	o.interactive.Stop()
	o.broadcast.Stop()

	if o.healthCancel != nil {
		o.healthCancel()
		<-o.healthDone
	}
	slog.Info("Delivery orchestrator shut down")
}

// Classify returns the primary channel for an event type.
func Classify(t domain.EventType) ChannelKind {
	if t.Interactive() {
		return KindInteractive
	}
	return KindBroadcast
}

func (o *Orchestrator) route(ctx context.Context, event domain.Event) {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	start := o.clock.Now()
	primary := Classify(event.Type)
	primarySink, fallbackSink := o.sinks(primary)
	fallbackKind := other(primary)

	n, err := primarySink.Deliver(ctx, event)
	if err == nil && primarySink.ActiveConnections() > 0 {
		o.recordSuccess(primary, event, n, o.clock.Since(start))
		return
	}

	// Single fallback attempt on the alternate channel, never a retry loop.
	o.recordFallback(ctx, primary, event, err)
	metrics.DeliveryFallbacksTotal.WithLabelValues(string(primary)).Inc()

	n, err = fallbackSink.Deliver(ctx, event)
	if err != nil {
		o.recordFailure(fallbackKind)
		metrics.DeliveryFailuresTotal.WithLabelValues(string(fallbackKind)).Inc()
		slog.WarnContext(ctx, "Event dropped after fallback failure",
			"event_type", event.Type, "event_id", event.ID, "error", err)
		return
	}
	o.recordSuccess(fallbackKind, event, n, o.clock.Since(start))
}

func (o *Orchestrator) sinks(primary ChannelKind) (ChannelManager, ChannelManager) {
	if primary == KindInteractive {
		return o.interactive, o.broadcast
	}
	return o.broadcast, o.interactive
}

func other(kind ChannelKind) ChannelKind {
	if kind == KindInteractive {
		return KindBroadcast
	}
	return KindInteractive
}

func (o *Orchestrator) recordSuccess(kind ChannelKind, event domain.Event, recipients int, latency time.Duration) {
	metrics.EventsDeliveredTotal.WithLabelValues(string(event.Type), string(kind)).Inc()
	metrics.DeliveryDuration.WithLabelValues(string(kind)).Observe(latency.Seconds())

	o.mu.Lock()
	defer o.mu.Unlock()
	o.delivered[event.Type]++
	o.successes[kind]++
	if len(o.latencies) < latencySamples {
		o.latencies = append(o.latencies, latency)
	} else {
		o.latencies[o.latencyIdx] = latency
		o.latencyIdx = (o.latencyIdx + 1) % latencySamples
	}
	o.trackPeakLocked()

	slog.Debug("Event routed",
		"event_type", event.Type, "event_id", event.ID,
		"channel", kind, "recipients", recipients)
}

// recordFallback tracks the rolling per-channel failure window. Crossing
// the threshold is logged but never disables the channel: the counter is
// advisory.
func (o *Orchestrator) recordFallback(ctx context.Context, primary ChannelKind, event domain.Event, err error) {
	metrics.DeliveryFailuresTotal.WithLabelValues(string(primary)).Inc()

	o.mu.Lock()
	o.failCounts[primary]++
	count := o.recordFailureLocked(primary)
	o.mu.Unlock()

	if err != nil {
		slog.WarnContext(ctx, "Primary channel delivery failed, trying fallback",
			"event_type", event.Type, "event_id", event.ID, "primary", primary, "error", err)
	} else {
		slog.DebugContext(ctx, "Primary channel has no active connections, trying fallback",
			"event_type", event.Type, "event_id", event.ID, "primary", primary)
	}

	if count >= failureThreshold {
		slog.WarnContext(ctx, "Channel failure count over threshold",
			"channel", primary, "failures_in_window", count, "window", failureWindow)
	}
}

func (o *Orchestrator) recordFailure(kind ChannelKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failCounts[kind]++
	o.recordFailureLocked(kind)
}

// recordFailureLocked appends a failure timestamp, prunes the window, and
// returns the in-window count. Must be called with mu held.
func (o *Orchestrator) recordFailureLocked(kind ChannelKind) int {
	now := o.clock.Now()
	cutoff := now.Add(-failureWindow)
	kept := o.failures[kind][:0]
	for _, ts := range o.failures[kind] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	o.failures[kind] = append(kept, now)
	return len(o.failures[kind])
}

func (o *Orchestrator) trackPeakLocked() {
	total := o.broadcast.ActiveConnections() + o.interactive.ActiveConnections()
	if total > o.peak {
		o.peak = total
		metrics.PeakConnections.Set(float64(total))
	}
}

// FailuresInWindow returns the current rolling failure count for a
// channel kind.
func (o *Orchestrator) FailuresInWindow(kind ChannelKind) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	cutoff := o.clock.Now().Add(-failureWindow)
	count := 0
	for _, ts := range o.failures[kind] {
		if ts.After(cutoff) {
			count++
		}
	}
	return count
}

// Snapshot aggregates the performance counters.
func (o *Orchestrator) Snapshot() PerformanceSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	uptime := o.clock.Since(o.startedAt)

	var totalDelivered int64
	deliveredByType := make(map[string]int64, len(o.delivered))
	for t, n := range o.delivered {
		deliveredByType[string(t)] = n
		totalDelivered += n
	}

	var totalLatency time.Duration
	for _, l := range o.latencies {
		totalLatency += l
	}
	avgLatency := 0.0
	if len(o.latencies) > 0 {
		avgLatency = float64(totalLatency.Milliseconds()) / float64(len(o.latencies))
	}

	eventsPerSecond := 0.0
	if seconds := uptime.Seconds(); seconds > 0 {
		eventsPerSecond = float64(totalDelivered) / seconds
	}

	successes := make(map[string]int64, len(o.successes))
	var totalSuccess int64
	for k, n := range o.successes {
		successes[string(k)] = n
		totalSuccess += n
	}
	failures := make(map[string]int64, len(o.failCounts))
	var totalFailure int64
	for k, n := range o.failCounts {
		failures[string(k)] = n
		totalFailure += n
	}
	errorRate := 0.0
	if totalSuccess+totalFailure > 0 {
		errorRate = float64(totalFailure) / float64(totalSuccess+totalFailure)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return PerformanceSnapshot{
		Uptime:            uptime,
		UptimeSeconds:     uptime.Seconds(),
		EventsDelivered:   deliveredByType,
		EventsPerSecond:   eventsPerSecond,
		AvgLatencyMillis:  avgLatency,
		ErrorRate:         errorRate,
		ChannelSuccesses:  successes,
		ChannelFailures:   failures,
		ActiveBroadcast:   o.broadcast.ActiveConnections(),
		ActiveInteractive: o.interactive.ActiveConnections(),
		PeakConnections:   o.peak,
		MemoryAllocBytes:  mem.Alloc,
		MemorySysBytes:    mem.Sys,
	}
}

// Health evaluates the structured verdict: transport connectivity, at
// least one active connection of either kind, and error rate below 5%
// means healthy; any connections with error rate below 20% degraded;
// otherwise unhealthy.
func (o *Orchestrator) Health(ctx context.Context) HealthStatus {
	transportOK := o.bus.Healthy(ctx) == nil
	snapshot := o.Snapshot()
	connections := snapshot.ActiveBroadcast + snapshot.ActiveInteractive

	components := map[string]bool{
		"transport":           transportOK,
		"broadcast_channel":   snapshot.ActiveBroadcast > 0,
		"interactive_channel": snapshot.ActiveInteractive > 0,
	}

	switch {
	case transportOK && connections > 0 && snapshot.ErrorRate < 0.05:
		return HealthStatus{Status: "healthy", Components: components}
	case connections > 0 && snapshot.ErrorRate < 0.20:
		return HealthStatus{Status: "degraded", Components: components, Detail: "transport down or elevated error rate"}
	default:
		return HealthStatus{Status: "unhealthy", Components: components, Detail: "no active connections or excessive errors"}
	}
}

func (o *Orchestrator) healthLoop(ctx context.Context) {
	defer close(o.healthDone)

	ticker := o.clock.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			health := o.Health(ctx)
			if health.Status != "healthy" {
				slog.Warn("Service health check",
					"status", health.Status, "detail", health.Detail,
					"components", health.Components)
			}
		}
	}
}
