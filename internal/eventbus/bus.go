// Package eventbus is the ingress for domain events. Publishing fans an
// event out to local subscribers and, independently, to the cross-instance
// Redis transport. Local delivery never waits on the transport: a dead
// Redis degrades cross-instance fan-out only.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pulsewire/realtime/internal/domain"
	"github.com/pulsewire/realtime/internal/metrics"
	"github.com/pulsewire/realtime/internal/platform/correlation"
)

// Handler consumes a locally delivered event. Handlers for one event run
// concurrently; a failing handler is logged and never aborts the others.
type Handler func(ctx context.Context, event domain.Event) error

// Envelope is the cross-instance wire format. Origin carries the
// publishing instance's ID so each instance can drop its own echoes.
type Envelope struct {
	Origin string       `json:"origin"`
	Event  domain.Event `json:"event"`
}

// Transport moves envelopes between cooperating instances.
type Transport interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, receive func(Envelope)) error
	Healthy(ctx context.Context) error
}

// Bus fans domain events out to per-type local subscribers and to the
// cross-instance transport.
type Bus struct {
	instanceID string
	transport  Transport
	clock      clockwork.Clock

	mu       sync.RWMutex
	handlers map[domain.EventType]map[int]Handler
	nextID   int
}

// New creates a bus with a freshly generated instance ID. transport may be
// nil for single-instance deployments; local delivery works regardless.
func New(transport Transport, clock clockwork.Clock) *Bus {
	return &Bus{
		instanceID: uuid.NewString(),
		transport:  transport,
		clock:      clock,
		handlers:   make(map[domain.EventType]map[int]Handler),
	}
}

// InstanceID returns the per-process origin marker embedded in envelopes.
func (b *Bus) InstanceID() string {
	return b.instanceID
}

// Publish stamps and distributes an event. The cross-instance send happens
// first; its failure is logged and counted but never blocks local fan-out.
func (b *Bus) Publish(ctx context.Context, eventType domain.EventType, payload map[string]any) (domain.Event, error) {
	if !eventType.Valid() {
		return domain.Event{}, fmt.Errorf("publish %q: %w", eventType, domain.ErrUnknownEventType)
	}

	event := domain.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: b.clock.Now(),
	}
	if author, ok := payload["author_id"].(string); ok {
		event.UserID = author
	}

	metrics.EventsPublishedTotal.WithLabelValues(string(eventType)).Inc()

	if b.transport != nil {
		if err := b.transport.Publish(ctx, Envelope{Origin: b.instanceID, Event: event}); err != nil {
			metrics.TransportPublishErrors.Inc()
			slog.WarnContext(ctx, "Cross-instance publish failed, local delivery continues",
				"event_type", eventType, "event_id", event.ID, "error", err)
		}
	}

	b.dispatchLocal(ctx, event)
	return event, nil
}

// Subscribe registers a handler for one event type and returns a function
// that removes it.
func (b *Bus) Subscribe(eventType domain.EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[int]Handler)
	}
	b.handlers[eventType][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// Run consumes the transport's inbound stream until ctx is cancelled.
// Self-originated echoes are dropped before local delivery.
func (b *Bus) Run(ctx context.Context) error {
	if b.transport == nil {
		<-ctx.Done()
		return nil
	}
	return b.transport.Subscribe(ctx, b.receiveRemote)
}

// Healthy reports cross-instance transport connectivity only.
func (b *Bus) Healthy(ctx context.Context) error {
	if b.transport == nil {
		return nil
	}
	if err := b.transport.Healthy(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}
	return nil
}

func (b *Bus) receiveRemote(env Envelope) {
	if env.Origin == b.instanceID {
		metrics.RemoteEventsReceivedTotal.WithLabelValues("self_echo").Inc()
		return
	}
	metrics.RemoteEventsReceivedTotal.WithLabelValues("delivered").Inc()

	ctx := correlation.WithID(context.Background(), correlation.NewID())
	b.dispatchLocal(ctx, env.Event)
}

// dispatchLocal settles all handlers for the event's type: each runs in
// its own goroutine, failures are logged individually and never propagate.
func (b *Bus) dispatchLocal(ctx context.Context, event domain.Event) {
	b.mu.RLock()
	snapshot := make([]Handler, 0, len(b.handlers[event.Type]))
	for _, h := range b.handlers[event.Type] {
		snapshot = append(snapshot, h)
	}
	b.mu.RUnlock()

	for _, handler := range snapshot {
		h := handler
		go func() {
			defer func() {
				if r := recover(); r != nil {
					metrics.HandlerFailuresTotal.WithLabelValues(string(event.Type)).Inc()
					slog.ErrorContext(ctx, "Subscriber handler panicked",
						"event_type", event.Type, "event_id", event.ID, "panic", r)
				}
			}()
			start := b.clock.Now()
			if err := h(ctx, event); err != nil {
				metrics.HandlerFailuresTotal.WithLabelValues(string(event.Type)).Inc()
				slog.WarnContext(ctx, "Subscriber handler failed",
					"event_type", event.Type, "event_id", event.ID,
					"duration", b.clock.Since(start), "error", err)
			}
		}()
	}
}
