package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ConnectionManager manages WebSocket connections and their channel
// subscriptions. Each subscription owns a bus subscriber and a pump
// goroutine copying bus messages to the socket.
type ConnectionManager struct {
	bus *Bus

	// Active connections: connection_id → *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	// Write timeout for WebSocket sends
	writeTimeout time.Duration
}

// Connection represents a single WebSocket client.
//
// allowed is the set of channels this connection may subscribe to. The
// upgrade handler derives it from the session the socket is bound to, so a
// client can never attach to another session's channels.
type Connection struct {
	ID      string
	Conn    *websocket.Conn
	allowed map[string]bool
	ctx     context.Context
	cancel  context.CancelFunc

	// pumps: channel → its bus subscriber. Guarded by pumpMu because the
	// read loop and the deferred unregister path both mutate it.
	pumpMu sync.Mutex
	pumps  map[string]*Subscriber
}

// NewConnectionManager creates a new ConnectionManager.
func NewConnectionManager(bus *Bus, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		bus:          bus,
		connections:  make(map[string]*Connection),
		writeTimeout: writeTimeout,
	}
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the WebSocket HTTP handler after upgrade; allowedChannels bounds
// what the client may subscribe to and initialChannels are attached
// immediately. Blocks until the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, allowedChannels, initialChannels []string) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	allowed := make(map[string]bool, len(allowedChannels))
	for _, ch := range allowedChannels {
		allowed[ch] = true
	}

	c := &Connection{
		ID:      connID,
		Conn:    conn,
		allowed: allowed,
		ctx:     ctx,
		cancel:  cancel,
		pumps:   make(map[string]*Subscriber),
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	// Send connection established message
	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	for _, ch := range initialChannels {
		m.subscribe(c, ch)
	}

	// Read loop: process client messages until the connection closes.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"connection_id", connID, "error", err)
			continue
		}

		m.handleClientMessage(c, &msg)
	}
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// handleClientMessage dispatches a client message to the appropriate handler.
func (m *ConnectionManager) handleClientMessage(c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		m.subscribe(c, msg.Channel)

	case "unsubscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.Channel)

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// subscribe attaches the connection to a channel and starts its pump.
// Rejected when the channel is outside the connection's allowed set.
func (m *ConnectionManager) subscribe(c *Connection, channel string) {
	if !c.allowed[channel] {
		m.sendJSON(c, map[string]string{
			"type":    "subscription.error",
			"channel": channel,
			"message": "channel not available on this connection",
		})
		return
	}

	c.pumpMu.Lock()
	if _, exists := c.pumps[channel]; exists {
		c.pumpMu.Unlock()
		m.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": channel,
		})
		return
	}
	sub := m.bus.Subscribe(channel)
	c.pumps[channel] = sub
	c.pumpMu.Unlock()

	go m.pump(c, sub)

	m.sendJSON(c, map[string]string{
		"type":    "subscription.confirmed",
		"channel": channel,
	})
}

// unsubscribe detaches the connection from a channel, stopping its pump.
func (m *ConnectionManager) unsubscribe(c *Connection, channel string) {
	c.pumpMu.Lock()
	sub, exists := c.pumps[channel]
	if exists {
		delete(c.pumps, channel)
	}
	c.pumpMu.Unlock()

	if exists {
		sub.Close()
	}
}

// pump copies bus messages to the socket until the subscriber closes or the
// connection context ends.
func (m *ConnectionManager) pump(c *Connection, sub *Subscriber) {
	for {
		msg, err := sub.Next(c.ctx)
		if err != nil {
			return
		}
		if err := m.sendRaw(c, msg.Data); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", c.ID, "channel", sub.Channel(), "error", err)
			return
		}
	}
}

// registerConnection adds a connection to the tracking map.
func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

// unregisterConnection removes a connection and closes all its subscriptions.
func (m *ConnectionManager) unregisterConnection(c *Connection) {
	c.pumpMu.Lock()
	subs := make([]*Subscriber, 0, len(c.pumps))
	for _, sub := range c.pumps {
		subs = append(subs, sub)
	}
	c.pumps = make(map[string]*Subscriber)
	c.pumpMu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

// sendJSON marshals and sends a JSON message to a single connection.
func (m *ConnectionManager) sendJSON(c *Connection, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}

// sendRaw sends raw bytes to a single connection with a write timeout.
// Multiple pumps may target the same socket; coder/websocket serializes
// concurrent writes internally.
func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
