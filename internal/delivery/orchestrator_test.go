package delivery

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
	"github.com/pulsewire/realtime/internal/eventbus"
)

type stubSink struct {
	mu          sync.Mutex
	delivered   []domain.Event
	deliverErr  error
	connections int
	recipients  int
	stopped     bool
}

func (s *stubSink) Deliver(_ context.Context, event domain.Event) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliverErr != nil {
		return 0, s.deliverErr
	}
	s.delivered = append(s.delivered, event)
	return s.recipients, nil
}

func (s *stubSink) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

func (s *stubSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *stubSink) deliveredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

func (s *stubSink) lastDelivered() (domain.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.delivered) == 0 {
		return domain.Event{}, false
	}
	return s.delivered[len(s.delivered)-1], true
}

func (s *stubSink) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *eventbus.Bus, *stubSink, *stubSink, *clockwork.FakeClock) {
	t.Helper()

	clock := clockwork.NewFakeClock()
	bus := eventbus.New(nil, clock)
	broadcast := &stubSink{connections: 1, recipients: 1}
	interactive := &stubSink{connections: 1, recipients: 1}

	o := New(bus, broadcast, interactive, clock)
	o.Start()
	t.Cleanup(o.Shutdown)

	return o, bus, broadcast, interactive, clock
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindBroadcast, Classify(domain.EventPosts))
	assert.Equal(t, KindBroadcast, Classify(domain.EventTrends))
	assert.Equal(t, KindBroadcast, Classify(domain.EventNews))
	assert.Equal(t, KindBroadcast, Classify(domain.EventReactions))
	assert.Equal(t, KindBroadcast, Classify(domain.EventAIResponses))
	assert.Equal(t, KindInteractive, Classify(domain.EventTypingIndicators))
	assert.Equal(t, KindInteractive, Classify(domain.EventLiveReactions))
	assert.Equal(t, KindInteractive, Classify(domain.EventDirectMessages))
	assert.Equal(t, KindInteractive, Classify(domain.EventUserStatus))
}

func TestRoute_BroadcastEventReachesBroadcastChannel(t *testing.T) {
	_, bus, broadcast, interactive, _ := newTestOrchestrator(t)

	_, err := bus.Publish(context.Background(), domain.EventPosts, map[string]any{"content": "hello"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return broadcast.deliveredCount() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, interactive.deliveredCount())
}

func TestRoute_InteractiveEventReachesInteractiveChannel(t *testing.T) {
	_, bus, broadcast, interactive, _ := newTestOrchestrator(t)

	_, err := bus.Publish(context.Background(), domain.EventDirectMessages, map[string]any{"target_user_id": "u2"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return interactive.deliveredCount() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, broadcast.deliveredCount())
}

func TestRoute_PrimaryFailureFallsBackToAlternateChannel(t *testing.T) {
	_, bus, broadcast, interactive, _ := newTestOrchestrator(t)
	interactive.deliverErr = errors.New("socket write failed")

	_, err := bus.Publish(context.Background(), domain.EventLiveReactions, map[string]any{"reaction": "love"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return broadcast.deliveredCount() == 1
	}, time.Second, 10*time.Millisecond)

	event, ok := broadcast.lastDelivered()
	require.True(t, ok)
	assert.Equal(t, domain.EventLiveReactions, event.Type)
}

func TestRoute_PrimaryWithoutConnectionsFallsBack(t *testing.T) {
	_, bus, broadcast, interactive, _ := newTestOrchestrator(t)
	interactive.mu.Lock()
	interactive.connections = 0
	interactive.mu.Unlock()

	_, err := bus.Publish(context.Background(), domain.EventUserStatus, map[string]any{"user_id": "u1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return broadcast.deliveredCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRoute_FallbackAttemptedAtMostOnce(t *testing.T) {
	_, bus, broadcast, interactive, _ := newTestOrchestrator(t)
	interactive.deliverErr = errors.New("down")
	broadcast.deliverErr = errors.New("also down")

	_, err := bus.Publish(context.Background(), domain.EventTypingIndicators, nil)
	require.NoError(t, err)

	// The event is dropped after one fallback attempt, never retried.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, interactive.deliveredCount())
	assert.Zero(t, broadcast.deliveredCount())
}

func TestFailureCounter_RollsOffAfterWindow(t *testing.T) {
	o, bus, _, interactive, clock := newTestOrchestrator(t)
	interactive.deliverErr = errors.New("down")

	for range 3 {
		_, err := bus.Publish(context.Background(), domain.EventDirectMessages, nil)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return o.FailuresInWindow(KindInteractive) == 3
	}, time.Second, 10*time.Millisecond)

	clock.Advance(failureWindow + time.Second)
	assert.Zero(t, o.FailuresInWindow(KindInteractive))
}

func TestFailureCounter_ThresholdDoesNotDisableChannel(t *testing.T) {
	o, bus, _, interactive, _ := newTestOrchestrator(t)
	interactive.deliverErr = errors.New("down")

	for range failureThreshold + 2 {
		_, err := bus.Publish(context.Background(), domain.EventDirectMessages, nil)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return o.FailuresInWindow(KindInteractive) >= failureThreshold
	}, time.Second, 10*time.Millisecond)

	// Routing keeps using the channel once it recovers.
	interactive.mu.Lock()
	interactive.deliverErr = nil
	interactive.mu.Unlock()

	_, err := bus.Publish(context.Background(), domain.EventDirectMessages, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return interactive.deliveredCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSnapshot_AggregatesCounters(t *testing.T) {
	o, bus, _, _, _ := newTestOrchestrator(t)

	for range 3 {
		_, err := bus.Publish(context.Background(), domain.EventPosts, nil)
		require.NoError(t, err)
	}
	_, err := bus.Publish(context.Background(), domain.EventDirectMessages, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := o.Snapshot()
		return s.EventsDelivered["posts"] == 3 && s.EventsDelivered["direct_messages"] == 1
	}, time.Second, 10*time.Millisecond)

	s := o.Snapshot()
	assert.Equal(t, int64(3), s.ChannelSuccesses["broadcast"])
	assert.Equal(t, int64(1), s.ChannelSuccesses["interactive"])
	assert.Zero(t, s.ErrorRate)
	assert.Equal(t, 2, s.PeakConnections)
	assert.NotZero(t, s.MemoryAllocBytes)
}

func TestHealth_Verdicts(t *testing.T) {
	o, bus, broadcast, interactive, _ := newTestOrchestrator(t)
	ctx := context.Background()

	// Transport nil counts as connected; both stubs report connections.
	assert.Equal(t, "healthy", o.Health(ctx).Status)

	broadcast.mu.Lock()
	broadcast.connections = 0
	broadcast.mu.Unlock()
	interactive.mu.Lock()
	interactive.connections = 0
	interactive.mu.Unlock()
	assert.Equal(t, "unhealthy", o.Health(ctx).Status)

	// An error rate between 5% and 20% with live connections degrades
	// the verdict: nine successes, one failure that falls back.
	interactive.mu.Lock()
	interactive.connections = 1
	interactive.deliverErr = errors.New("down")
	interactive.mu.Unlock()
	broadcast.mu.Lock()
	broadcast.connections = 1
	broadcast.mu.Unlock()

	for range 9 {
		_, err := bus.Publish(ctx, domain.EventPosts, nil)
		require.NoError(t, err)
	}
	_, err := bus.Publish(ctx, domain.EventDirectMessages, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s := o.Snapshot()
		return s.ChannelSuccesses["broadcast"] == 10 && o.FailuresInWindow(KindInteractive) == 1
	}, time.Second, 10*time.Millisecond)

	health := o.Health(ctx)
	assert.Equal(t, "degraded", health.Status)
}

func TestShutdown_DrainsBeforeStoppingChannels(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bus := eventbus.New(nil, clock)
	broadcast := &stubSink{connections: 1, recipients: 1}
	interactive := &stubSink{connections: 1, recipients: 1}

	o := New(bus, broadcast, interactive, clock)
	o.Start()
	o.Shutdown()

	assert.True(t, broadcast.isStopped())
	assert.True(t, interactive.isStopped())

	_, err := bus.Publish(context.Background(), domain.EventPosts, nil)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, broadcast.deliveredCount())

	// Idempotent.
	o.Shutdown()
}
