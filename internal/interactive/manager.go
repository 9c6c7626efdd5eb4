// Package interactive manages bidirectional connections for low-latency
// signaling: typing indicators, live reactions, direct messages, presence.
// Like the broadcast manager, a single goroutine owns every registry and
// all mutation flows through a typed command channel.
package interactive

import (
	"context"
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
	heartbeatInterval = 30 * time.Second
	typingTimeout     = 5 * time.Second
	commandTimeout    = 5 * time.Second
	stopTimeout       = 10 * time.Second
	publishTimeout    = 5 * time.Second
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

type inboundCmd struct {
	baseManagerCmd
	connID uuid.UUID
	raw    []byte
}

type pongCmd struct {
	baseManagerCmd
	connID uuid.UUID
}

type deliverCmd struct {
	baseManagerCmd
	event        domain.Event
	replyChannel chan int
}

type typingTimeoutCmd struct {
	baseManagerCmd
	connID   uuid.UUID
	threadID string
}

type statsCmd struct {
	baseManagerCmd
	replyChannel chan Stats
}

type stopCmd struct {
	baseManagerCmd
}

// Stats is the interactive manager's observable state.
type Stats struct {
	ActiveConnections int
	Users             int
	Threads           int
	BySubscription    map[string]int
}

// Connection is a registered interactive connection. Every field beyond
// the identifiers is owned by the manager goroutine.
type Connection struct {
	ID     uuid.UUID
	UserID string

	writer       *clientWriter
	types        map[domain.EventType]struct{}
	threads      map[string]struct{}
	typingTimers map[string]clockwork.Timer
	alive        bool
	lastPongAt   time.Time

	done chan struct{}
}

// Done is closed when the manager removes the connection.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Manager owns all interactive connections and their user/thread indices.
type Manager struct {
	cmdCh     chan managerCmd
	clock     clockwork.Clock
	publisher domain.EventPublisher
	limiter   *ratelimit.Limiter

	connections map[uuid.UUID]*Connection
	byUser      map[string]map[uuid.UUID]*Connection
	threads     map[string]map[uuid.UUID]*Connection

	done chan struct{}
}

// NewManager creates and starts an interactive manager. publisher receives
// the events this manager originates (typing, reactions, presence).
func NewManager(publisher domain.EventPublisher, limiter *ratelimit.Limiter, clock clockwork.Clock) *Manager {
	m := &Manager{
		cmdCh:       make(chan managerCmd, 256),
		clock:       clock,
		publisher:   publisher,
		limiter:     limiter,
		connections: make(map[uuid.UUID]*Connection),
		byUser:      make(map[string]map[uuid.UUID]*Connection),
		threads:     make(map[string]map[uuid.UUID]*Connection),
		done:        make(chan struct{}),
	}
	go m.run()
	return m
}

// Register adds a connection for a resolved identity. Connections without
// one are refused before touching any registry.
func (m *Manager) Register(identity domain.Identity, sock Socket) (*Connection, error) {
	if identity.UserID == "" {
		return nil, domain.ErrAuthenticationMissing
	}

	conn := &Connection{
		ID:           uuid.New(),
		UserID:       identity.UserID,
		writer:       newClientWriter(sock, m.clock),
		types:        defaultSubscriptions(),
		threads:      make(map[string]struct{}),
		typingTimers: make(map[string]clockwork.Timer),
		alive:        true,
		lastPongAt:   m.clock.Now(),
		done:         make(chan struct{}),
	}

	errCh := make(chan error, 1)
	select {
	case m.cmdCh <- registerCmd{conn: conn, errorChannel: errCh}:
	case <-m.done:
		conn.writer.stop()
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

// HandleInbound dispatches one raw client frame. Called from the
// connection's read loop.
func (m *Manager) HandleInbound(connID uuid.UUID, raw []byte) {
	select {
	case m.cmdCh <- inboundCmd{connID: connID, raw: raw}:
	case <-m.done:
	}
}

// PongReceived clears the provisional-dead mark set by the heartbeat.
func (m *Manager) PongReceived(connID uuid.UUID) {
	select {
	case m.cmdCh <- pongCmd{connID: connID}:
	case <-m.done:
	}
}

// Disconnect removes one connection.
func (m *Manager) Disconnect(connID uuid.UUID, reason string) {
	select {
	case m.cmdCh <- unregisterCmd{connID: connID, reason: reason}:
	case <-m.done:
	}
}

// Deliver fans an event out to eligible connections and returns how many
// received it. Typing indicators reach only the event's thread, direct
// messages only the target user, everything else its subscribers minus
// the originator.
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

// Snapshot returns current statistics.
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
		slog.Info("Interactive manager stopped")
	case <-timer.Chan():
		slog.Warn("Interactive manager stop timeout exceeded", "timeout", stopTimeout)
	}
}

func defaultSubscriptions() map[domain.EventType]struct{} {
	return map[domain.EventType]struct{}{
		domain.EventTypingIndicators: {},
		domain.EventLiveReactions:    {},
		domain.EventUserStatus:       {},
		domain.EventDirectMessages:   {},
	}
}

func (m *Manager) run() {
	defer close(m.done)

	heartbeat := m.clock.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case cmd := <-m.cmdCh:
			switch c := cmd.(type) {
			case registerCmd:
				m.handleRegister(c)
			case unregisterCmd:
				m.remove(c.connID, c.reason, true)
			case inboundCmd:
				m.handleInbound(c)
			case pongCmd:
				m.handlePong(c.connID)
			case deliverCmd:
				c.replyChannel <- m.handleDeliver(c.event)
			case typingTimeoutCmd:
				m.handleTypingTimeout(c)
			case statsCmd:
				c.replyChannel <- m.handleStats()
			case stopCmd:
				m.handleStop()
				return
			}
		case <-heartbeat.Chan():
			m.handleHeartbeat()
		}
	}
}

func (m *Manager) handleRegister(c registerCmd) {
	conn := c.conn
	m.connections[conn.ID] = conn

	firstForUser := len(m.byUser[conn.UserID]) == 0
	if m.byUser[conn.UserID] == nil {
		m.byUser[conn.UserID] = make(map[uuid.UUID]*Connection)
	}
	m.byUser[conn.UserID][conn.ID] = conn

	conn.writer.trySend(encodeFrame("connected", map[string]any{
		"connection_id": conn.ID.String(),
		"user_id":       conn.UserID,
	}))

	if firstForUser {
		m.publishAsync(domain.EventUserStatus, map[string]any{
			"user_id": conn.UserID,
			"status":  "online",
		})
	}

	metrics.InteractiveConnections.Set(float64(len(m.connections)))
	slog.Debug("Interactive connection registered",
		"connection_id", conn.ID.String(), "user_id", conn.UserID)
	c.errorChannel <- nil
}

// remove is the single teardown path: it keeps the user and thread indices
// consistent, cancels typing timers, and derives presence from the user's
// remaining connection count.
func (m *Manager) remove(connID uuid.UUID, reason string, graceful bool) {
	conn, ok := m.connections[connID]
	if !ok {
		return
	}
	delete(m.connections, connID)

	for threadID, timer := range conn.typingTimers {
		timer.Stop()
		m.publishAsync(domain.EventTypingIndicators, map[string]any{
			"thread_id": threadID,
			"user_id":   conn.UserID,
			"action":    "stop",
		})
	}

	for threadID := range conn.threads {
		delete(m.threads[threadID], connID)
		if len(m.threads[threadID]) == 0 {
			delete(m.threads, threadID)
		}
	}

	delete(m.byUser[conn.UserID], connID)
	if len(m.byUser[conn.UserID]) == 0 {
		delete(m.byUser, conn.UserID)
		m.publishAsync(domain.EventUserStatus, map[string]any{
			"user_id": conn.UserID,
			"status":  "offline",
		})
	}

	if graceful {
		conn.writer.stopGraceful(reason)
	} else {
		conn.writer.stop()
	}
	close(conn.done)

	metrics.InteractiveConnections.Set(float64(len(m.connections)))
	slog.Debug("Interactive connection removed",
		"connection_id", connID.String(), "user_id", conn.UserID, "reason", reason)
}

func (m *Manager) handleInbound(c inboundCmd) {
	conn, ok := m.connections[c.connID]
	if !ok {
		return
	}

	key := "interactive:" + conn.UserID
	if m.limiter != nil && m.limiter.IsRateLimited(key) {
		metrics.RateLimitRejections.WithLabelValues("interactive").Inc()
		conn.writer.trySend(encodeFrame("error", map[string]any{
			"message":  "rate limited",
			"retry_at": m.limiter.ResetTime(key).Format(time.RFC3339Nano),
		}))
		return
	}
	if m.limiter != nil {
		m.limiter.RecordRequest(key, true)
	}

	msg, err := parseClientMessage(c.raw)
	if err != nil {
		conn.writer.trySend(errorFrame("malformed message"))
		return
	}

	switch msg.Type {
	case msgSubscribe:
		m.handleSubscribe(conn, msg, true)
	case msgUnsubscribe:
		m.handleSubscribe(conn, msg, false)
	case msgTypingStart:
		m.handleTypingStart(conn, msg)
	case msgTypingStop:
		m.handleTypingStop(conn, msg)
	case msgLiveReaction:
		m.handleLiveReaction(conn, msg)
	case msgJoinThread:
		m.handleThreadMembership(conn, msg, true)
	case msgLeaveThread:
		m.handleThreadMembership(conn, msg, false)
	case msgPing:
		conn.writer.trySend(encodeFrame(msgPong, nil))
	case msgPong:
		// Application-level pong, nothing to clear: transport pongs
		// drive liveness.
	default:
		conn.writer.trySend(errorFrame("unknown message type: " + msg.Type))
	}
}

func (m *Manager) handleSubscribe(conn *Connection, msg clientMessage, add bool) {
	var p channelsPayload
	if err := decodeData(msg, &p); err != nil || len(p.Channels) == 0 {
		conn.writer.trySend(errorFrame("subscribe requires a channels list"))
		return
	}

	for _, name := range p.Channels {
		t := domain.EventType(name)
		if !t.Valid() {
			continue
		}
		if add {
			conn.types[t] = struct{}{}
		} else {
			delete(conn.types, t)
		}
	}

	channels := make([]string, 0, len(conn.types))
	for t := range conn.types {
		channels = append(channels, string(t))
	}
	conn.writer.trySend(encodeFrame("subscriptions", map[string]any{"channels": channels}))
}

func (m *Manager) handleTypingStart(conn *Connection, msg clientMessage) {
	var p threadPayload
	if err := decodeData(msg, &p); err != nil || p.ThreadID == "" {
		conn.writer.trySend(errorFrame("typing_start requires a thread_id"))
		return
	}

	// Safety timeout: a client that never sends typing_stop goes quiet
	// after five seconds.
	if timer, ok := conn.typingTimers[p.ThreadID]; ok {
		timer.Stop()
	}
	connID, threadID := conn.ID, p.ThreadID
	conn.typingTimers[threadID] = m.clock.AfterFunc(typingTimeout, func() {
		select {
		case m.cmdCh <- typingTimeoutCmd{connID: connID, threadID: threadID}:
		case <-m.done:
		}
	})

	m.publishAsync(domain.EventTypingIndicators, map[string]any{
		"thread_id": threadID,
		"user_id":   conn.UserID,
		"action":    "start",
	})
}

func (m *Manager) handleTypingStop(conn *Connection, msg clientMessage) {
	var p threadPayload
	if err := decodeData(msg, &p); err != nil || p.ThreadID == "" {
		conn.writer.trySend(errorFrame("typing_stop requires a thread_id"))
		return
	}

	if timer, ok := conn.typingTimers[p.ThreadID]; ok {
		timer.Stop()
		delete(conn.typingTimers, p.ThreadID)
	}

	m.publishAsync(domain.EventTypingIndicators, map[string]any{
		"thread_id": p.ThreadID,
		"user_id":   conn.UserID,
		"action":    "stop",
	})
}

func (m *Manager) handleTypingTimeout(c typingTimeoutCmd) {
	conn, ok := m.connections[c.connID]
	if !ok {
		return
	}
	if _, ok := conn.typingTimers[c.threadID]; !ok {
		return
	}
	delete(conn.typingTimers, c.threadID)

	m.publishAsync(domain.EventTypingIndicators, map[string]any{
		"thread_id": c.threadID,
		"user_id":   conn.UserID,
		"action":    "stop",
	})
}

func (m *Manager) handleLiveReaction(conn *Connection, msg clientMessage) {
	var p reactionPayload
	if err := decodeData(msg, &p); err != nil {
		conn.writer.trySend(errorFrame("malformed live_reaction"))
		return
	}
	if !domain.ReactionKind(p.Reaction).Valid() {
		conn.writer.trySend(errorFrame("unknown reaction kind: " + p.Reaction))
		return
	}

	m.publishAsync(domain.EventLiveReactions, map[string]any{
		"user_id":  conn.UserID,
		"post_id":  p.PostID,
		"reaction": p.Reaction,
	})
}

func (m *Manager) handleThreadMembership(conn *Connection, msg clientMessage, join bool) {
	var p threadPayload
	if err := decodeData(msg, &p); err != nil || p.ThreadID == "" {
		conn.writer.trySend(errorFrame("thread operations require a thread_id"))
		return
	}

	if join {
		if m.threads[p.ThreadID] == nil {
			m.threads[p.ThreadID] = make(map[uuid.UUID]*Connection)
		}
		m.threads[p.ThreadID][conn.ID] = conn
		conn.threads[p.ThreadID] = struct{}{}
		conn.writer.trySend(encodeFrame("thread_joined", map[string]any{"thread_id": p.ThreadID}))
	} else {
		delete(m.threads[p.ThreadID], conn.ID)
		if len(m.threads[p.ThreadID]) == 0 {
			delete(m.threads, p.ThreadID)
		}
		delete(conn.threads, p.ThreadID)
		if timer, ok := conn.typingTimers[p.ThreadID]; ok {
			timer.Stop()
			delete(conn.typingTimers, p.ThreadID)
		}
		conn.writer.trySend(encodeFrame("thread_left", map[string]any{"thread_id": p.ThreadID}))
	}
}

func (m *Manager) handlePong(connID uuid.UUID) {
	conn, ok := m.connections[connID]
	if !ok {
		return
	}
	conn.alive = true
	conn.lastPongAt = m.clock.Now()
}

// handleHeartbeat pings every connection and marks it provisionally dead;
// a pong clears the mark. Connections still marked at the next tick are
// force-closed, bounding detection latency to two intervals.
func (m *Manager) handleHeartbeat() {
	var dead []uuid.UUID
	for id, conn := range m.connections {
		if !conn.alive {
			dead = append(dead, id)
			continue
		}
		conn.alive = false
		if err := conn.writer.ping(); err != nil {
			dead = append(dead, id)
		}
	}

	for _, id := range dead {
		metrics.HeartbeatTimeouts.Inc()
		slog.Info("Closing interactive connection after missed heartbeats",
			"connection_id", id.String())
		m.remove(id, "heartbeat timeout", false)
	}
}

func (m *Manager) handleDeliver(event domain.Event) int {
	switch event.Type {
	case domain.EventTypingIndicators:
		return m.deliverToThread(event)
	case domain.EventDirectMessages:
		return m.deliverToUser(event)
	default:
		return m.deliverToSubscribers(event)
	}
}

func (m *Manager) deliverToThread(event domain.Event) int {
	threadID := event.PayloadString("thread_id")
	sender := event.PayloadString("user_id")
	frame := encodeFrame("typing_indicator", event.Payload)

	delivered := 0
	for _, conn := range m.threads[threadID] {
		if conn.UserID == sender {
			continue
		}
		if m.send(conn, frame) {
			delivered++
		}
	}
	return delivered
}

func (m *Manager) deliverToUser(event domain.Event) int {
	target := event.PayloadString("target_user_id")
	frame := encodeFrame("direct_message", event.Payload)

	delivered := 0
	for _, conn := range m.byUser[target] {
		if m.send(conn, frame) {
			delivered++
		}
	}
	return delivered
}

func (m *Manager) deliverToSubscribers(event domain.Event) int {
	originator := event.AuthorID()
	if originator == "" {
		originator = event.PayloadString("user_id")
	}
	frame := encodeFrame(frameLabel(event.Type), map[string]any{
		"id":      event.ID,
		"payload": event.Payload,
	})

	delivered := 0
	var slow []uuid.UUID
	for id, conn := range m.connections {
		if _, ok := conn.types[event.Type]; !ok {
			continue
		}
		if originator != "" && conn.UserID == originator {
			continue
		}
		if !conn.writer.trySend(frame) {
			slow = append(slow, id)
			continue
		}
		delivered++
	}

	for _, id := range slow {
		metrics.SlowClientsEvicted.WithLabelValues("interactive").Inc()
		m.remove(id, "send buffer full", false)
	}
	return delivered
}

func (m *Manager) send(conn *Connection, frame []byte) bool {
	if !conn.writer.trySend(frame) {
		metrics.SlowClientsEvicted.WithLabelValues("interactive").Inc()
		m.remove(conn.ID, "send buffer full", false)
		return false
	}
	return true
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
		Threads:           len(m.threads),
		BySubscription:    breakdown,
	}
}

func (m *Manager) handleStop() {
	count := len(m.connections)
	ids := make([]uuid.UUID, 0, count)
	for id := range m.connections {
		ids = append(ids, id)
	}
	for _, id := range ids {
		m.remove(id, "server shutting down", true)
	}
	slog.Info("Interactive manager shutting down", "disconnected", count)
}

func (m *Manager) publishAsync(eventType domain.EventType, payload map[string]any) {
	if m.publisher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if _, err := m.publisher.Publish(ctx, eventType, payload); err != nil {
			slog.Warn("Failed to publish manager-originated event",
				"event_type", eventType, "error", err)
		}
	}()
}

func frameLabel(t domain.EventType) string {
	switch t {
	case domain.EventLiveReactions:
		return "live_reaction"
	case domain.EventUserStatus:
		return "user_status"
	default:
		return string(t)
	}
}
