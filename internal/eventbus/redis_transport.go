package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pulsewire/realtime/internal/metrics"
	"github.com/pulsewire/realtime/internal/platform/retry"
)

// RedisTransport fans envelopes across cooperating instances via Redis
// Pub/Sub. Publishes go through a circuit breaker so a dead Redis does not
// add its timeout to every publish call.
type RedisTransport struct {
	rdb     *goredis.Client
	channel string
	cb      circuitbreaker.CircuitBreaker[any]
}

// NewRedisTransport creates a transport publishing on the named channel.
// Breaker settings: 60% failure rate over a 10s rolling window (min 5
// requests) opens; 30s delay before half-open; one success closes.
func NewRedisTransport(rdb *goredis.Client, channel string) *RedisTransport {
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 5, 10*time.Second).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "event_transport",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			metrics.CircuitBreakerStateChanges.WithLabelValues("event_transport", e.NewState.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues("event_transport").Set(stateToFloat(e.NewState))
		}).
		Build()

	return &RedisTransport{rdb: rdb, channel: channel, cb: cb}
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

// Publish sends an envelope to all instances, including this one; the bus
// drops the local echo on receipt.
func (t *RedisTransport) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if !t.cb.TryAcquirePermit() {
		return fmt.Errorf("event transport: %w", circuitbreaker.ErrOpen)
	}
	if err := t.rdb.Publish(ctx, t.channel, data).Err(); err != nil {
		t.cb.RecordError(err)
		return fmt.Errorf("publish to %s: %w", t.channel, err)
	}
	t.cb.RecordSuccess()
	return nil
}

// Subscribe consumes the events channel until ctx is cancelled, re-arming
// the subscription with exponential backoff when Redis drops it.
func (t *RedisTransport) Subscribe(ctx context.Context, receive func(Envelope)) error {
	policy := retry.Policy{
		MaxAttempts:      10,
		InitialBackoff:   500 * time.Millisecond,
		RateLimitBackoff: 5 * time.Second,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.Warn("Event subscription lost, retrying",
				"attempt", attempt, "backoff", backoff, "error", err)
		},
	}

	for {
		sub, err := retry.Do(ctx, policy, classifySubscribeError, func() (*goredis.PubSub, error) {
			s := t.rdb.Subscribe(ctx, t.channel)
			if _, err := s.Receive(ctx); err != nil {
				_ = s.Close()
				return nil, err
			}
			return s, nil
		})
		if err != nil {
			return fmt.Errorf("subscribe to %s: %w", t.channel, err)
		}

		t.consume(ctx, sub, receive)
		_ = sub.Close()

		select {
		case <-ctx.Done():
			return nil
		default:
			slog.Warn("Event subscription channel closed, resubscribing")
		}
	}
}

func (t *RedisTransport) consume(ctx context.Context, sub *goredis.PubSub, receive func(Envelope)) {
	msgCh := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				metrics.RemoteEventsReceivedTotal.WithLabelValues("malformed").Inc()
				slog.Warn("Dropping malformed cross-instance event", "error", err)
				continue
			}
			receive(env)
		}
	}
}

// Healthy reports Redis connectivity.
func (t *RedisTransport) Healthy(ctx context.Context) error {
	return t.rdb.Ping(ctx).Err()
}

func classifySubscribeError(err error) retry.Action {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Stop
	}
	return retry.Retry
}
