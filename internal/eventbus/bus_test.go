package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsewire/realtime/internal/domain"
)

type stubTransport struct {
	mu          sync.Mutex
	published   []Envelope
	failPublish bool
	healthErr   error
	receive     func(Envelope)
}

func (s *stubTransport) Publish(_ context.Context, env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPublish {
		return errors.New("bus unreachable")
	}
	s.published = append(s.published, env)
	return nil
}

func (s *stubTransport) Subscribe(ctx context.Context, receive func(Envelope)) error {
	s.mu.Lock()
	s.receive = receive
	s.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (s *stubTransport) Healthy(context.Context) error {
	return s.healthErr
}

func (s *stubTransport) publishedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.published)
}

func (s *stubTransport) inject(env Envelope) bool {
	s.mu.Lock()
	receive := s.receive
	s.mu.Unlock()
	if receive == nil {
		return false
	}
	receive(env)
	return true
}

func collectEvents(bus *Bus, t domain.EventType) (<-chan domain.Event, func()) {
	ch := make(chan domain.Event, 16)
	unsubscribe := bus.Subscribe(t, func(_ context.Context, e domain.Event) error {
		ch <- e
		return nil
	})
	return ch, unsubscribe
}

func waitEvent(t *testing.T, ch <-chan domain.Event) domain.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return domain.Event{}
	}
}

func TestPublish_RejectsUnknownType(t *testing.T) {
	bus := New(nil, clockwork.NewRealClock())

	_, err := bus.Publish(context.Background(), "gossip", nil)
	assert.ErrorIs(t, err, domain.ErrUnknownEventType)
}

func TestPublish_LocalDeliveryWithoutTransport(t *testing.T) {
	bus := New(nil, clockwork.NewRealClock())
	ch, _ := collectEvents(bus, domain.EventPosts)

	published, err := bus.Publish(context.Background(), domain.EventPosts, map[string]any{"author_id": "u1"})
	require.NoError(t, err)

	received := waitEvent(t, ch)
	assert.Equal(t, published.ID, received.ID)
	assert.Equal(t, "u1", received.UserID)
	assert.False(t, received.Timestamp.IsZero())
}

func TestPublish_TransportFailureDoesNotBlockLocalDelivery(t *testing.T) {
	transport := &stubTransport{failPublish: true}
	bus := New(transport, clockwork.NewRealClock())
	ch, _ := collectEvents(bus, domain.EventNews)

	_, err := bus.Publish(context.Background(), domain.EventNews, map[string]any{"headline": "x"})
	require.NoError(t, err, "transport failure is degraded, not an error")
	waitEvent(t, ch)
}

func TestPublish_SendsEnvelopeWithOrigin(t *testing.T) {
	transport := &stubTransport{}
	bus := New(transport, clockwork.NewRealClock())

	_, err := bus.Publish(context.Background(), domain.EventPosts, nil)
	require.NoError(t, err)

	require.Equal(t, 1, transport.publishedCount())
	assert.Equal(t, bus.InstanceID(), transport.published[0].Origin)
}

func TestPublish_SameLogicalEventTwiceDeliversTwice(t *testing.T) {
	bus := New(nil, clockwork.NewRealClock())
	ch, _ := collectEvents(bus, domain.EventPosts)

	payload := map[string]any{"author_id": "u1", "content": "same"}
	first, err := bus.Publish(context.Background(), domain.EventPosts, payload)
	require.NoError(t, err)
	second, err := bus.Publish(context.Background(), domain.EventPosts, payload)
	require.NoError(t, err)

	a := waitEvent(t, ch)
	b := waitEvent(t, ch)
	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, a.ID, b.ID, "no payload-based dedup")
}

func TestRun_DropsSelfOriginatedEchoes(t *testing.T) {
	transport := &stubTransport{}
	bus := New(transport, clockwork.NewRealClock())
	ch, _ := collectEvents(bus, domain.EventPosts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bus.Run(ctx) }()

	require.Eventually(t, func() bool {
		return bus.InstanceID() != "" && transportReady(transport)
	}, 2*time.Second, 10*time.Millisecond)

	echo := Envelope{Origin: bus.InstanceID(), Event: domain.Event{ID: "e1", Type: domain.EventPosts}}
	require.True(t, transport.inject(echo))

	remote := Envelope{Origin: "other-instance", Event: domain.Event{ID: "e2", Type: domain.EventPosts}}
	require.True(t, transport.inject(remote))

	received := waitEvent(t, ch)
	assert.Equal(t, "e2", received.ID, "self echo must be discarded, remote delivered")

	select {
	case e := <-ch:
		t.Fatalf("unexpected extra delivery: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func transportReady(s *stubTransport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receive != nil
}

func TestDispatch_OneHandlerFailureNeverAbortsOthers(t *testing.T) {
	bus := New(nil, clockwork.NewRealClock())

	bus.Subscribe(domain.EventPosts, func(context.Context, domain.Event) error {
		return errors.New("boom")
	})
	bus.Subscribe(domain.EventPosts, func(context.Context, domain.Event) error {
		panic("much worse")
	})
	ch, _ := collectEvents(bus, domain.EventPosts)

	_, err := bus.Publish(context.Background(), domain.EventPosts, nil)
	require.NoError(t, err)
	waitEvent(t, ch)
}

func TestSubscribe_UnsubscribeStopsDelivery(t *testing.T) {
	bus := New(nil, clockwork.NewRealClock())
	ch, unsubscribe := collectEvents(bus, domain.EventPosts)

	_, err := bus.Publish(context.Background(), domain.EventPosts, nil)
	require.NoError(t, err)
	waitEvent(t, ch)

	unsubscribe()
	_, err = bus.Publish(context.Background(), domain.EventPosts, nil)
	require.NoError(t, err)

	select {
	case e := <-ch:
		t.Fatalf("delivery after unsubscribe: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribe_TypeIsolation(t *testing.T) {
	bus := New(nil, clockwork.NewRealClock())
	posts, _ := collectEvents(bus, domain.EventPosts)

	_, err := bus.Publish(context.Background(), domain.EventNews, nil)
	require.NoError(t, err)

	select {
	case e := <-posts:
		t.Fatalf("posts subscriber got news event: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHealthy_WrapsTransportError(t *testing.T) {
	transport := &stubTransport{healthErr: errors.New("ping timeout")}
	bus := New(transport, clockwork.NewRealClock())

	err := bus.Healthy(context.Background())
	assert.ErrorIs(t, err, domain.ErrTransportUnavailable)

	assert.NoError(t, New(nil, clockwork.NewRealClock()).Healthy(context.Background()))
}
