// Package broker implements the gateway's event bus (C2): a process-wide,
// room-scoped fan-out of typed envelopes to WebSocket-connected UI clients.
// Rooms are keyed by projectId; a connection not joined to any project
// receives only broadcastAll traffic.
package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/oarjones/agp-gateway/internal/gwlog"
)

// EventType enumerates the envelope kinds the UI understands, per §6.1.
type EventType string

const (
	EventChat            EventType = "chat"
	EventAction          EventType = "action"
	EventUpdate          EventType = "update"
	EventScene           EventType = "scene"
	EventTimeline        EventType = "timeline"
	EventLog             EventType = "log"
	EventError           EventType = "error"
	EventProject         EventType = "project"
	EventPlanGenerated   EventType = "plan.generated"
	EventPlanRefined     EventType = "plan.refined"
	EventPlanAccepted    EventType = "plan.accepted"
	EventPlanEdited      EventType = "plan.edited"
	EventTaskStarted     EventType = "task.started"
	EventTaskProgress    EventType = "task.progress"
	EventTaskBlocked     EventType = "task.blocked"
	EventTaskCompleted   EventType = "task.completed"
	EventContextUpdated  EventType = "context.updated"
	EventContextGenerate EventType = "context.generated"
	EventArtifactCreated EventType = "artifact.created"
	EventArtifactValid   EventType = "artifact.validated"
)

// Envelope is the wire shape broadcast to every subscribed WS client.
type Envelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	ProjectID     *string         `json:"projectId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID *string         `json:"correlationId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewEnvelope builds an Envelope with a fresh id and the current time,
// marshaling payload to json.RawMessage.
func NewEnvelope(typ EventType, projectID *string, payload any, correlationID *string) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:            uuid.NewString(),
		Type:          typ,
		ProjectID:     projectID,
		Payload:       raw,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// queueSize bounds each connection's outbound buffer. A slow consumer that
// fills this queue is dropped rather than allowed to stall Broadcast.
const queueSize = 64

// globalRoom is the key used for connections not joined to any project;
// they receive BroadcastAll traffic only, not per-project broadcasts.
const globalRoom = ""

// connection is one WebSocket client, with its own outbound queue drained
// by a dedicated writer goroutine so Broadcast never blocks on a slow peer.
type connection struct {
	id     string
	conn   *websocket.Conn
	queue  chan []byte
	cancel context.CancelFunc
}

// Broker fans typed envelopes out to WebSocket connections, grouped into
// rooms by projectId. It never blocks a publisher longer than writeTimeout
// per connection; on backpressure the offending connection is dropped.
type Broker struct {
	log *gwlog.Logger

	mu    sync.RWMutex
	conns map[string]*connection

	roomMu sync.RWMutex
	rooms  map[string]map[string]bool // room (projectId or globalRoom) -> connection ids

	writeTimeout time.Duration
}

// New creates a Broker. log may be nil to discard diagnostics.
func New(log *gwlog.Logger, writeTimeout time.Duration) *Broker {
	if log == nil {
		log = gwlog.Discard()
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Broker{
		log:          log,
		conns:        make(map[string]*connection),
		rooms:        make(map[string]map[string]bool),
		writeTimeout: writeTimeout,
	}
}

// HandleConnection registers conn, joins it to projectID's room (or the
// global room if projectID is empty), and drains its outbound queue until
// ctx is cancelled or the connection errors. Blocks until the connection
// closes — callers run it in its own goroutine per accepted WS upgrade.
func (b *Broker) HandleConnection(ctx context.Context, conn *websocket.Conn, projectID string) {
	connCtx, cancel := context.WithCancel(ctx)
	c := &connection{
		id:     uuid.NewString(),
		conn:   conn,
		queue:  make(chan []byte, queueSize),
		cancel: cancel,
	}

	b.register(c, projectID)
	defer b.unregister(c, projectID)

	// The gateway never expects client->server payloads on this socket, but
	// a read loop is still required to notice the client closing the
	// connection (or going silent past a ping) — without it connCtx would
	// only ever be cancelled by a failed write.
	go func() {
		for {
			if _, _, err := conn.Read(connCtx); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case <-connCtx.Done():
			return
		case data, ok := <-c.queue:
			if !ok {
				return
			}
			writeCtx, writeCancel := context.WithTimeout(connCtx, b.writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			writeCancel()
			if err != nil {
				b.log.Warnf("broker: write failed for connection %s, closing: %v", c.id, err)
				_ = conn.Close(websocket.StatusPolicyViolation, "slow consumer")
				return
			}
		}
	}
}

func (b *Broker) register(c *connection, projectID string) {
	b.mu.Lock()
	b.conns[c.id] = c
	b.mu.Unlock()

	room := projectID
	if room == "" {
		room = globalRoom
	}
	b.roomMu.Lock()
	if b.rooms[room] == nil {
		b.rooms[room] = make(map[string]bool)
	}
	b.rooms[room][c.id] = true
	b.roomMu.Unlock()
}

func (b *Broker) unregister(c *connection, projectID string) {
	room := projectID
	if room == "" {
		room = globalRoom
	}
	b.roomMu.Lock()
	if subs, ok := b.rooms[room]; ok {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(b.rooms, room)
		}
	}
	b.roomMu.Unlock()

	b.mu.Lock()
	delete(b.conns, c.id)
	b.mu.Unlock()

	c.cancel()
}

// BroadcastProject delivers env to every connection joined to projectID's
// room. Delivery is best-effort and ordered per-connection, not globally.
func (b *Broker) BroadcastProject(projectID string, env Envelope) {
	b.broadcastRoom(projectID, env)
}

// BroadcastAll delivers env to every connected client, regardless of room.
func (b *Broker) BroadcastAll(env Envelope) {
	b.mu.RLock()
	conns := make([]*connection, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.RUnlock()
	b.deliver(conns, env)
}

func (b *Broker) broadcastRoom(room string, env Envelope) {
	b.roomMu.RLock()
	subs, exists := b.rooms[room]
	if !exists {
		b.roomMu.RUnlock()
		return
	}
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	b.roomMu.RUnlock()

	// Snapshot connection pointers under the lock, then release before
	// enqueueing, so a slow Broadcast caller never blocks register/unregister.
	b.mu.RLock()
	conns := make([]*connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := b.conns[id]; ok {
			conns = append(conns, c)
		}
	}
	b.mu.RUnlock()

	b.deliver(conns, env)
}

func (b *Broker) deliver(conns []*connection, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		b.log.Errorf("broker: marshal envelope %s: %v", env.Type, err)
		return
	}
	for _, c := range conns {
		select {
		case c.queue <- data:
		default:
			b.log.Warnf("broker: connection %s queue full, dropping and closing", c.id)
			_ = c.conn.Close(websocket.StatusPolicyViolation, "slow consumer")
			c.cancel()
		}
	}
}

// ActiveConnections returns the number of currently registered connections.
func (b *Broker) ActiveConnections() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}
