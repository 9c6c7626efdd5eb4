package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pulsewire/realtime/internal/domain"
	"github.com/pulsewire/realtime/internal/metrics"
	"github.com/pulsewire/realtime/internal/ratelimit"
)

const (
	keepaliveInterval = 30 * time.Second
	sweepInterval     = 60 * time.Second
	staleAfter        = 5 * time.Minute
	commandTimeout    = 5 * time.Second
	stopTimeout       = 10 * time.Second
)

// --- Command types ---

type managerCmd interface{ isManagerCmd() }

type baseManagerCmd struct{}

func (baseManagerCmd) isManagerCmd() {}

type registerCmd struct {
	baseManagerCmd
	conn         *Connection
	errorChannel chan error
}

type unregisterCmd struct {
	baseManagerCmd
	connID uuid.UUID
	reason string
}

type deliverCmd struct {
	baseManagerCmd
	event        domain.Event
	replyChannel chan int
}

type disconnectUserCmd struct {
	baseManagerCmd
	userID       string
	replyChannel chan int
}

type userCountCmd struct {
	baseManagerCmd
	userID       string
	replyChannel chan int
}

type statsCmd struct {
	baseManagerCmd
	replyChannel chan Stats
}

type stopCmd struct {
	baseManagerCmd
}

// Stats is the broadcast manager's observable state.
type Stats struct {
	ActiveConnections int
	Users             int
	BySubscription    map[string]int
}

// Manager owns all broadcast connections. One goroutine processes the
// command channel and the keepalive/sweep tickers.
type Manager struct {
	cmdCh   chan managerCmd
	clock   clockwork.Clock
	prefs   domain.PreferenceSource
	limiter *ratelimit.Limiter

	connections map[uuid.UUID]*Connection
	byUser      map[string]map[uuid.UUID]*Connection

	done chan struct{}
}

// NewManager creates and starts a broadcast manager. prefs may be nil when
// no preference service is wired; connections then get the zero bundle.
func NewManager(prefs domain.PreferenceSource, limiter *ratelimit.Limiter, clock clockwork.Clock) *Manager {
	m := &Manager{
		cmdCh:       make(chan managerCmd, 256),
		clock:       clock,
		prefs:       prefs,
		limiter:     limiter,
		connections: make(map[uuid.UUID]*Connection),
		byUser:      make(map[string]map[uuid.UUID]*Connection),
		done:        make(chan struct{}),
	}
	go m.run()
	return m
}

// Connect resolves the user's filters, registers a new connection, and
// queues its initial "connected" frame. userID may be empty for anonymous
// streams.
func (m *Manager) Connect(ctx context.Context, userID string, requestedChannels []string) (*Connection, error) {
	filters := domain.FilterBundle{}
	if m.prefs != nil && userID != "" {
		resolved, err := m.prefs.GetFilters(ctx, userID)
		if err != nil {
			slog.WarnContext(ctx, "Preference lookup failed, connecting unfiltered",
				"user_id", userID, "error", err)
		} else {
			filters = resolved
		}
	}

	conn := newConnection(userID, SubscriptionSet(requestedChannels), filters, m.clock.Now())

	errCh := make(chan error, 1)
	select {
	case m.cmdCh <- registerCmd{conn: conn, errorChannel: errCh}:
	case <-m.done:
		return nil, domain.ErrManagerStopped
	}

	timer := m.clock.NewTimer(commandTimeout)
	defer timer.Stop()
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
		return conn, nil
	case <-timer.Chan():
		return nil, fmt.Errorf("register command timed out after %v", commandTimeout)
	}
}

// Disconnect removes one connection, e.g. when its HTTP handler observes a
// client close or write error.
func (m *Manager) Disconnect(connID uuid.UUID, reason string) {
	select {
	case m.cmdCh <- unregisterCmd{connID: connID, reason: reason}:
	case <-m.done:
	}
}

// DisconnectUser tears down every connection belonging to a user and
// returns how many were closed.
func (m *Manager) DisconnectUser(userID string) int {
	replyCh := make(chan int, 1)
	select {
	case m.cmdCh <- disconnectUserCmd{userID: userID, replyChannel: replyCh}:
	case <-m.done:
		return 0
	}

	timer := m.clock.NewTimer(commandTimeout)
	defer timer.Stop()
	select {
	case n := <-replyCh:
		return n
	case <-timer.Chan():
		slog.Warn("DisconnectUser timed out", "user_id", userID)
		return 0
	}
}

// Deliver fans an event out to every eligible connection and returns the
// number that received a frame. Rate-limited connections are skipped for
// this event; there is no retry queue.
func (m *Manager) Deliver(ctx context.Context, event domain.Event) (int, error) {
	replyCh := make(chan int, 1)
	select {
	case m.cmdCh <- deliverCmd{event: event, replyChannel: replyCh}:
	case <-m.done:
		return 0, domain.ErrManagerStopped
	}

	timer := m.clock.NewTimer(commandTimeout)
	defer timer.Stop()
	select {
	case n := <-replyCh:
		return n, nil
	case <-m.done:
		return 0, domain.ErrManagerStopped
	case <-timer.Chan():
		return 0, fmt.Errorf("deliver command timed out after %v", commandTimeout)
	}
}

// ActiveConnections returns the number of registered connections.
func (m *Manager) ActiveConnections() int {
	return m.Snapshot().ActiveConnections
}

// ConnectionsForUser returns how many connections a user currently holds.
func (m *Manager) ConnectionsForUser(userID string) int {
	replyCh := make(chan int, 1)
	select {
	case m.cmdCh <- userCountCmd{userID: userID, replyChannel: replyCh}:
	case <-m.done:
		return 0
	}

	timer := m.clock.NewTimer(commandTimeout)
	defer timer.Stop()
	select {
	case n := <-replyCh:
		return n
	case <-timer.Chan():
		return 0
	}
}

// Snapshot returns current statistics including a per-channel subscription
// breakdown.
func (m *Manager) Snapshot() Stats {
	replyCh := make(chan Stats, 1)
	select {
	case m.cmdCh <- statsCmd{replyChannel: replyCh}:
	case <-m.done:
		return Stats{BySubscription: map[string]int{}}
	}

	timer := m.clock.NewTimer(commandTimeout)
	defer timer.Stop()
	select {
	case s := <-replyCh:
		return s
	case <-timer.Chan():
		slog.Warn("Stats snapshot timed out")
		return Stats{BySubscription: map[string]int{}}
	}
}

// Stop closes every connection and shuts the manager goroutine down.
func (m *Manager) Stop() {
	select {
	case m.cmdCh <- stopCmd{}:
	case <-m.done:
		return
	}

	timer := m.clock.NewTimer(stopTimeout)
	defer timer.Stop()
	select {
	case <-m.done:
		slog.Info("Broadcast manager stopped")
	case <-timer.Chan():
		slog.Warn("Broadcast manager stop timeout exceeded", "timeout", stopTimeout)
	}
}

func (m *Manager) run() {
	defer close(m.done)

	keepalive := m.clock.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	sweep := m.clock.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case cmd := <-m.cmdCh:
			switch c := cmd.(type) {
			case registerCmd:
				m.handleRegister(c)
			case unregisterCmd:
				m.remove(c.connID, c.reason)
			case deliverCmd:
				c.replyChannel <- m.handleDeliver(c.event)
			case disconnectUserCmd:
				c.replyChannel <- m.handleDisconnectUser(c.userID)
			case userCountCmd:
				c.replyChannel <- len(m.byUser[c.userID])
			case statsCmd:
				c.replyChannel <- m.handleStats()
			case stopCmd:
				m.handleStop()
				return
			}
		case <-keepalive.Chan():
			m.handleKeepalive()
		case <-sweep.Chan():
			m.handleSweep()
		}
	}
}

func (m *Manager) handleRegister(c registerCmd) {
	conn := c.conn
	m.connections[conn.ID] = conn
	if conn.UserID != "" {
		if m.byUser[conn.UserID] == nil {
			m.byUser[conn.UserID] = make(map[uuid.UUID]*Connection)
		}
		m.byUser[conn.UserID][conn.ID] = conn
	}

	channels := make([]string, 0, len(conn.types))
	for t := range conn.types {
		channels = append(channels, string(t))
	}
	data, _ := json.Marshal(map[string]any{
		"connection_id": conn.ID.String(),
		"channels":      channels,
	})
	conn.trySend(Frame{ID: conn.ID.String(), Event: "connected", Data: data})

	metrics.BroadcastConnections.Set(float64(len(m.connections)))
	slog.Debug("Broadcast connection registered",
		"connection_id", conn.ID.String(), "user_id", conn.UserID, "channels", len(conn.types))
	c.errorChannel <- nil
}

func (m *Manager) remove(connID uuid.UUID, reason string) {
	conn, ok := m.connections[connID]
	if !ok {
		return
	}
	delete(m.connections, connID)
	if conn.UserID != "" {
		delete(m.byUser[conn.UserID], connID)
		if len(m.byUser[conn.UserID]) == 0 {
			delete(m.byUser, conn.UserID)
		}
	}
	close(conn.done)

	metrics.BroadcastConnections.Set(float64(len(m.connections)))
	slog.Debug("Broadcast connection removed",
		"connection_id", connID.String(), "user_id", conn.UserID, "reason", reason)
}

func (m *Manager) handleDeliver(event domain.Event) int {
	frame, err := eventFrame(event)
	if err != nil {
		slog.Error("Failed to encode broadcast frame", "event_id", event.ID, "error", err)
		return 0
	}

	delivered := 0
	var slow []uuid.UUID
	for _, conn := range m.connections {
		if !conn.subscribedTo(event.Type) {
			continue
		}

		key := "broadcast:" + conn.ID.String()
		if m.limiter != nil && m.limiter.IsRateLimited(key) {
			metrics.RateLimitRejections.WithLabelValues("broadcast").Inc()
			continue
		}
		if !conn.filters.Allows(conn.UserID, event) {
			continue
		}

		if !conn.trySend(frame) {
			slow = append(slow, conn.ID)
			continue
		}
		if m.limiter != nil {
			m.limiter.RecordRequest(key, true)
		}
		conn.lastActivity = m.clock.Now()
		delivered++
	}

	for _, id := range slow {
		metrics.SlowClientsEvicted.WithLabelValues("broadcast").Inc()
		slog.Warn("Disconnecting slow broadcast client", "connection_id", id.String())
		m.remove(id, "send buffer full")
	}

	return delivered
}

func (m *Manager) handleDisconnectUser(userID string) int {
	conns := m.byUser[userID]
	ids := make([]uuid.UUID, 0, len(conns))
	for id := range conns {
		ids = append(ids, id)
	}
	for _, id := range ids {
		m.remove(id, "explicit disconnect")
	}
	return len(ids)
}

func (m *Manager) handleStats() Stats {
	breakdown := make(map[string]int)
	for _, conn := range m.connections {
		for t := range conn.types {
			breakdown[string(t)]++
		}
	}
	return Stats{
		ActiveConnections: len(m.connections),
		Users:             len(m.byUser),
		BySubscription:    breakdown,
	}
}

func (m *Manager) handleKeepalive() {
	var slow []uuid.UUID
	for _, conn := range m.connections {
		if !conn.trySend(Frame{Event: "keepalive"}) {
			slow = append(slow, conn.ID)
		}
	}
	for _, id := range slow {
		metrics.SlowClientsEvicted.WithLabelValues("broadcast").Inc()
		m.remove(id, "send buffer full on keepalive")
	}
}

func (m *Manager) handleSweep() {
	cutoff := m.clock.Now().Add(-staleAfter)
	var stale []uuid.UUID
	for id, conn := range m.connections {
		if conn.lastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		metrics.StaleConnectionsReaped.Inc()
		m.remove(id, "idle beyond staleness window")
	}
	if len(stale) > 0 {
		slog.Info("Staleness sweep removed idle broadcast connections", "count", len(stale))
	}
}

func (m *Manager) handleStop() {
	count := len(m.connections)
	for id := range m.connections {
		m.remove(id, "shutdown")
	}
	slog.Info("Broadcast manager shutting down", "disconnected", count)
}
