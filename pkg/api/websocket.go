package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/loadpilot/loadpilot/pkg/bus"
)

// defaultWriteTimeout bounds a single WebSocket send.
const defaultWriteTimeout = 10 * time.Second

// clientMessage is what a WebSocket client sends.
type clientMessage struct {
	Action string `json:"action"` // subscribe | unsubscribe | ping
	RunID  string `json:"runId"`
}

// ConnectionManager bridges WebSocket clients onto the run event bus. Each
// subscribed run gets its own bus subscription and forwarder goroutine, so
// one slow client never stalls another.
type ConnectionManager struct {
	events       *bus.Bus
	writeTimeout time.Duration

	mu          sync.Mutex
	connections map[string]*wsConn
}

// wsConn is one client connection and its active run subscriptions.
type wsConn struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]*bus.Subscription // runID → subscription
}

// NewConnectionManager creates a manager over the given bus.
func NewConnectionManager(events *bus.Bus) *ConnectionManager {
	return &ConnectionManager{
		events:       events,
		writeTimeout: defaultWriteTimeout,
		connections:  make(map[string]*wsConn),
	}
}

// ActiveConnections returns the number of open WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections)
}

// HandleConnection owns one upgraded WebSocket connection. Blocks until the
// client disconnects; all of the connection's subscriptions are released on
// the way out.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &wsConn{
		id:     uuid.New().String(),
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*bus.Subscription),
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.id,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", c.id, "error", err)
			continue
		}
		m.handleClientMessage(c, &msg)
	}
}

// handleClientMessage dispatches one client message.
func (m *ConnectionManager) handleClientMessage(c *wsConn, msg *clientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.RunID == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "runId is required for subscribe"})
			return
		}
		m.subscribe(c, msg.RunID)

	case "unsubscribe":
		if msg.RunID == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "runId is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.RunID)

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})

	default:
		m.sendJSON(c, map[string]string{"type": "error", "message": "unknown action"})
	}
}

// subscribe attaches the connection to a run's event stream. Subscribing to
// a run that already finished past the bus grace window is refused.
func (m *ConnectionManager) subscribe(c *wsConn, runID string) {
	c.mu.Lock()
	if _, exists := c.subs[runID]; exists {
		c.mu.Unlock()
		m.sendJSON(c, map[string]string{"type": "subscription.confirmed", "runId": runID})
		return
	}
	c.mu.Unlock()

	sub, err := m.events.Subscribe(runID)
	if err != nil {
		m.sendJSON(c, map[string]string{
			"type":    "subscription.error",
			"runId":   runID,
			"message": "run is not live; read the run record instead",
		})
		return
	}

	c.mu.Lock()
	c.subs[runID] = sub
	c.mu.Unlock()

	m.sendJSON(c, map[string]string{"type": "subscription.confirmed", "runId": runID})

	go m.forward(c, sub)
}

// forward pumps one subscription's events to the client in order.
func (m *ConnectionManager) forward(c *wsConn, sub *bus.Subscription) {
	for ev := range sub.Events() {
		m.sendJSON(c, ev)
	}

	c.mu.Lock()
	if c.subs[sub.RunID()] == sub {
		delete(c.subs, sub.RunID())
	}
	c.mu.Unlock()

	if sub.Dropped() {
		slog.Warn("WebSocket client dropped for falling behind",
			"connection_id", c.id, "run_id", sub.RunID())
		m.sendJSON(c, map[string]string{
			"type":    "subscription.dropped",
			"runId":   sub.RunID(),
			"message": "event queue overflowed; resubscribe or read the run record",
		})
	}
}

// unsubscribe detaches the connection from a run. The forwarder exits when
// the subscription channel closes.
func (m *ConnectionManager) unsubscribe(c *wsConn, runID string) {
	c.mu.Lock()
	sub := c.subs[runID]
	delete(c.subs, runID)
	c.mu.Unlock()

	if sub != nil {
		m.events.Unsubscribe(sub)
	}
}

// register tracks a new connection.
func (m *ConnectionManager) register(c *wsConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.id] = c
}

// unregister releases a connection and all its subscriptions.
func (m *ConnectionManager) unregister(c *wsConn) {
	c.mu.Lock()
	subs := make([]*bus.Subscription, 0, len(c.subs))
	for runID, sub := range c.subs {
		subs = append(subs, sub)
		delete(c.subs, runID)
	}
	c.mu.Unlock()
	for _, sub := range subs {
		m.events.Unsubscribe(sub)
	}

	m.mu.Lock()
	delete(m.connections, c.id)
	m.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

// sendJSON marshals and sends one message with the write timeout.
func (m *ConnectionManager) sendJSON(c *wsConn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message", "connection_id", c.id, "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Warn("Failed to send WebSocket message", "connection_id", c.id, "error", err)
	}
}
