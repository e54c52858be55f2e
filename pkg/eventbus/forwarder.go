package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// NotifyChannel is the PostgreSQL NOTIFY channel shared by all
// control-plane nodes on one store.
const NotifyChannel = "hiveplane_events"

// notifyLimit keeps payloads under PostgreSQL's 8000-byte NOTIFY cap.
// Oversized events are announced as a sequence-only envelope and refetched
// from the journal by the receiver.
const notifyLimit = 7900

type notifyEnvelope struct {
	Node      string `json:"node"`
	Sequence  int64  `json:"sequence"`
	Truncated bool   `json:"truncated,omitempty"`
	Event     *Event `json:"event,omitempty"`
}

// Forwarder distributes bus events between federated control-plane nodes
// over PostgreSQL NOTIFY/LISTEN. Events are journaled exactly once by the
// publishing node; the forwarder injects remote events into the local bus
// without re-journaling them.
type Forwarder struct {
	nodeID     string
	connString string
	db         *sql.DB
	bus        *Bus
	journal    Journal
	logger     *slog.Logger

	conn   *pgx.Conn // dedicated connection for LISTEN
	connMu sync.Mutex

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewForwarder creates a forwarder for this node. db is used for the
// NOTIFY side, connString for the dedicated LISTEN connection.
func NewForwarder(nodeID, connString string, db *sql.DB, bus *Bus, journal Journal, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		nodeID:     nodeID,
		connString: connString,
		db:         db,
		bus:        bus,
		journal:    journal,
		logger:     logger.With("component", "eventbus.forwarder", "node_id", nodeID),
	}
}

// Start establishes the dedicated LISTEN connection and begins receiving.
func (f *Forwarder) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, f.connString)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("LISTEN %s failed: %w", NotifyChannel, err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	f.cancelLoop = cancel
	f.loopDone = make(chan struct{})
	go func() {
		defer close(f.loopDone)
		f.receiveLoop(loopCtx)
	}()

	f.bus.SetBroadcast(func(ctx context.Context, e *Event) {
		if err := f.Announce(ctx, e); err != nil {
			f.logger.Warn("failed to announce event", "sequence", e.Sequence, "error", err)
		}
	})

	f.logger.Info("event forwarder started")
	return nil
}

// Announce broadcasts an already journaled event to the other nodes.
// Payloads over the NOTIFY size cap are sent as a sequence-only envelope;
// receivers refetch the full event from the shared journal.
func (f *Forwarder) Announce(ctx context.Context, event *Event) error {
	env := notifyEnvelope{Node: f.nodeID, Sequence: event.Sequence, Event: event}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal notify envelope: %w", err)
	}
	if len(payload) > notifyLimit {
		env.Event = nil
		env.Truncated = true
		payload, err = json.Marshal(env)
		if err != nil {
			return fmt.Errorf("failed to marshal truncated envelope: %w", err)
		}
	}

	if _, err := f.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// receiveLoop is the sole goroutine touching the pgx connection, which
// avoids the conn-busy race between WaitForNotification and Exec.
func (f *Forwarder) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		f.connMu.Lock()
		conn := f.conn
		f.connMu.Unlock()

		if conn == nil {
			f.reconnect(ctx)
			continue
		}

		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.logger.Error("NOTIFY receive error", "error", err)
			f.reconnect(ctx)
			continue
		}

		f.dispatch(ctx, []byte(notification.Payload))
	}
}

// dispatch decodes a remote announcement and injects the event into the
// local bus. Announcements from this node are ignored; the local bus
// already delivered them at publish time.
func (f *Forwarder) dispatch(ctx context.Context, payload []byte) {
	var env notifyEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		f.logger.Error("malformed notify envelope", "error", err)
		return
	}
	if env.Node == f.nodeID {
		return
	}

	event := env.Event
	if env.Truncated || event == nil {
		batch, err := f.journal.Fetch(ctx, env.Sequence-1, 1)
		if err != nil || len(batch) == 0 || batch[0].Sequence != env.Sequence {
			f.logger.Error("failed to refetch truncated event",
				"sequence", env.Sequence, "error", err)
			return
		}
		event = batch[0]
	}

	f.bus.Inject(event)
}

// reconnect re-establishes the LISTEN connection with exponential backoff
// and re-issues LISTEN.
func (f *Forwarder) reconnect(ctx context.Context) {
	f.connMu.Lock()
	defer f.connMu.Unlock()

	if f.conn != nil {
		_ = f.conn.Close(ctx)
		f.conn = nil
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, f.connString)
		if err != nil {
			f.logger.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
			f.logger.Error("re-LISTEN failed", "error", err)
			_ = conn.Close(ctx)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		f.conn = conn
		f.logger.Info("event forwarder reconnected")
		return
	}
}

// Stop signals the receive loop to exit, waits for it, then closes the
// LISTEN connection.
func (f *Forwarder) Stop(ctx context.Context) {
	f.bus.SetBroadcast(nil)
	if f.cancelLoop != nil {
		f.cancelLoop()
	}
	if f.loopDone != nil {
		<-f.loopDone
	}

	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close(ctx)
		f.conn = nil
	}
}
