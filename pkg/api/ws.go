package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/hiveplane/hiveplane/pkg/eventbus"
)

// catchupLimit bounds how many journal events a single catchup delivers.
// Clients that fell further behind get a catchup.overflow message and
// should reload through the REST surface.
const catchupLimit = 200

// defaultWSWriteTimeout applies when the server config leaves the write
// timeout unset.
const defaultWSWriteTimeout = 10 * time.Second

// ClientMessage is a command from a WebSocket client. Pattern uses the
// event bus syntax: "agent.*", "team.**", "**".
type ClientMessage struct {
	Action   string `json:"action"`
	Pattern  string `json:"pattern,omitempty"`
	AfterSeq *int64 `json:"after_seq,omitempty"`
}

// ConnectionManager fans bus events out to WebSocket clients. Each
// subscribed pattern holds exactly one bus subscription regardless of how
// many clients share it; the subscription is dropped when the last client
// leaves.
type ConnectionManager struct {
	bus          *eventbus.Bus
	writeTimeout time.Duration
	logger       *slog.Logger

	mu          sync.RWMutex
	connections map[string]*wsConn

	patternMu sync.Mutex
	patterns  map[string]*patternSub
}

// patternSub is one shared bus subscription plus its client set.
type patternSub struct {
	busID string
	conns map[string]bool
}

// wsConn is a single WebSocket client.
//
// subscriptions is touched only by the goroutine running HandleConnection
// for this connection, so it needs no lock.
type wsConn struct {
	id            string
	conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewConnectionManager creates the fan-out manager over the bus.
func NewConnectionManager(bus *eventbus.Bus, writeTimeout time.Duration, logger *slog.Logger) *ConnectionManager {
	if writeTimeout <= 0 {
		writeTimeout = defaultWSWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionManager{
		bus:          bus,
		writeTimeout: writeTimeout,
		logger:       logger.With("component", "api.ws"),
		connections:  make(map[string]*wsConn),
		patterns:     make(map[string]*patternSub),
	}
}

// HandleConnection owns one client from upgrade to close. Blocks until
// the connection drops or the parent context ends.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &wsConn{
		id:            uuid.New().String(),
		conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
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
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn("invalid websocket message", "connection_id", c.id, "error", err)
			continue
		}
		m.handleClientMessage(ctx, c, &msg)
	}
}

func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *wsConn, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Pattern == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "pattern is required for subscribe"})
			return
		}
		if err := m.subscribe(c, msg.Pattern); err != nil {
			m.sendJSON(c, map[string]string{
				"type":    "subscription.error",
				"pattern": msg.Pattern,
				"message": "failed to subscribe",
			})
			return
		}
		m.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"pattern": msg.Pattern,
		})
		if msg.AfterSeq != nil {
			m.catchup(ctx, c, msg.Pattern, *msg.AfterSeq)
		}

	case "unsubscribe":
		if msg.Pattern == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "pattern is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.Pattern)

	case "catchup":
		if msg.Pattern == "" || msg.AfterSeq == nil {
			m.sendJSON(c, map[string]string{"type": "error", "message": "pattern and after_seq are required for catchup"})
			return
		}
		m.catchup(ctx, c, msg.Pattern, *msg.AfterSeq)

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})

	default:
		m.sendJSON(c, map[string]string{"type": "error", "message": "unknown action"})
	}
}

// subscribe attaches the client to a pattern, creating the shared bus
// subscription on first use. The bus subscription is live before this
// returns, so a catchup that follows cannot leave a gap.
func (m *ConnectionManager) subscribe(c *wsConn, pattern string) error {
	m.patternMu.Lock()
	defer m.patternMu.Unlock()

	sub, ok := m.patterns[pattern]
	if !ok {
		busID, err := m.bus.Subscribe(context.Background(), func(_ context.Context, e *eventbus.Event) {
			m.broadcast(pattern, e)
		}, eventbus.SubscribeOptions{}, pattern)
		if err != nil {
			return err
		}
		sub = &patternSub{busID: busID, conns: make(map[string]bool)}
		m.patterns[pattern] = sub
	}
	sub.conns[c.id] = true
	c.subscriptions[pattern] = true
	return nil
}

func (m *ConnectionManager) unsubscribe(c *wsConn, pattern string) {
	if !c.subscriptions[pattern] {
		return
	}
	delete(c.subscriptions, pattern)

	m.patternMu.Lock()
	defer m.patternMu.Unlock()
	sub, ok := m.patterns[pattern]
	if !ok {
		return
	}
	delete(sub.conns, c.id)
	if len(sub.conns) == 0 {
		delete(m.patterns, pattern)
		if err := m.bus.Unsubscribe(sub.busID); err != nil {
			m.logger.Warn("failed to drop bus subscription", "pattern", pattern, "error", err)
		}
	}
}

// broadcast delivers one event to every client on the pattern.
func (m *ConnectionManager) broadcast(pattern string, e *eventbus.Event) {
	data, err := json.Marshal(map[string]any{"type": "event", "pattern": pattern, "event": e})
	if err != nil {
		m.logger.Error("failed to marshal event", "error", err)
		return
	}

	m.patternMu.Lock()
	sub, ok := m.patterns[pattern]
	var ids []string
	if ok {
		ids = make([]string, 0, len(sub.conns))
		for id := range sub.conns {
			ids = append(ids, id)
		}
	}
	m.patternMu.Unlock()

	// Snapshot connection pointers, then send without any lock held; a
	// slow client stalls only its own write timeout.
	m.mu.RLock()
	conns := make([]*wsConn, 0, len(ids))
	for _, id := range ids {
		if c, exists := m.connections[id]; exists {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if err := m.sendRaw(c, data); err != nil {
			m.logger.Warn("failed to send to websocket client", "connection_id", c.id, "error", err)
		}
	}
}

// catchup replays journal events matching pattern after afterSeq.
func (m *ConnectionManager) catchup(ctx context.Context, c *wsConn, pattern string, afterSeq int64) {
	cursor := m.bus.Replay(afterSeq, pattern)
	sent := 0
	for {
		e, err := cursor.Next(ctx)
		if err != nil {
			if !errors.Is(err, eventbus.ErrEndOfJournal) {
				m.logger.Warn("catchup failed", "pattern", pattern, "error", err)
				m.sendJSON(c, map[string]string{"type": "error", "message": "catchup failed"})
			}
			return
		}
		if sent == catchupLimit {
			m.sendJSON(c, map[string]any{
				"type":      "catchup.overflow",
				"pattern":   pattern,
				"after_seq": afterSeq,
			})
			return
		}
		m.sendJSON(c, map[string]any{"type": "catchup.event", "pattern": pattern, "event": e})
		sent++
	}
}

// ActiveConnections returns the live client count.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount is used by tests to poll instead of sleeping.
func (m *ConnectionManager) subscriberCount(pattern string) int {
	m.patternMu.Lock()
	defer m.patternMu.Unlock()
	if sub, ok := m.patterns[pattern]; ok {
		return len(sub.conns)
	}
	return 0
}

func (m *ConnectionManager) register(c *wsConn) {
	m.mu.Lock()
	m.connections[c.id] = c
	m.mu.Unlock()
}

func (m *ConnectionManager) unregister(c *wsConn) {
	for pattern := range c.subscriptions {
		m.unsubscribe(c, pattern)
	}
	m.mu.Lock()
	delete(m.connections, c.id)
	m.mu.Unlock()
	c.cancel()
}

func (m *ConnectionManager) sendJSON(c *wsConn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Error("failed to marshal websocket message", "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		m.logger.Warn("failed to send to websocket client", "connection_id", c.id, "error", err)
	}
}

func (m *ConnectionManager) sendRaw(c *wsConn, data []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}
