package domain

import "context"

// Identity is a resolved user identity. The core never verifies tokens
// itself; resolution is delegated to the platform's auth service.
type Identity struct {
	UserID      string
	DisplayName string
}

// IdentityResolver turns a bearer token into an Identity.
// An empty or unresolvable token must return ErrAuthenticationMissing.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

// EventPublisher is the producer-facing ingress for domain events.
type EventPublisher interface {
	Publish(ctx context.Context, eventType EventType, payload map[string]any) (Event, error)
}

// EventSink receives events for delivery to connected clients.
// Both channel managers implement it.
type EventSink interface {
	Deliver(ctx context.Context, event Event) (int, error)
	ActiveConnections() int
}
