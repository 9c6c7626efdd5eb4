package broadcast

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/pulsewire/realtime/internal/domain"
)

const frameBuffer = 16

// Frame is one wire message on a broadcast stream: an id, a type label,
// and a structured payload.
type Frame struct {
	ID    string
	Event string
	Data  []byte
}

func eventFrame(e domain.Event) (Frame, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{ID: e.ID, Event: string(e.Type), Data: data}, nil
}

// Connection is a registered broadcast stream. The manager goroutine owns
// lastActivity and the registry membership; the serving HTTP handler only
// drains Frames and watches Done.
type Connection struct {
	ID        uuid.UUID
	UserID    string
	CreatedAt time.Time

	types        map[domain.EventType]struct{}
	filters      domain.FilterBundle
	lastActivity time.Time

	frames chan Frame
	done   chan struct{}
}

func newConnection(userID string, types map[domain.EventType]struct{}, filters domain.FilterBundle, now time.Time) *Connection {
	return &Connection{
		ID:           uuid.New(),
		UserID:       userID,
		CreatedAt:    now,
		types:        types,
		filters:      filters,
		lastActivity: now,
		frames:       make(chan Frame, frameBuffer),
		done:         make(chan struct{}),
	}
}

// Frames is the stream of frames to write to the client.
func (c *Connection) Frames() <-chan Frame {
	return c.frames
}

// Done is closed when the manager removes the connection.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) subscribedTo(t domain.EventType) bool {
	_, ok := c.types[t]
	return ok
}

// trySend enqueues a frame without blocking. False means the client's
// buffer is full.
func (c *Connection) trySend(f Frame) bool {
	select {
	case c.frames <- f:
		return true
	default:
		return false
	}
}

// SubscriptionSet resolves the client-requested channel list against the
// valid vocabulary, falling back to the default broadcast subset when the
// request names nothing valid.
func SubscriptionSet(requested []string) map[domain.EventType]struct{} {
	set := make(map[domain.EventType]struct{})
	for _, name := range requested {
		if t := domain.EventType(name); t.Valid() {
			set[t] = struct{}{}
		}
	}
	if len(set) == 0 {
		for _, t := range domain.BroadcastEventTypes {
			set[t] = struct{}{}
		}
	}
	return set
}
