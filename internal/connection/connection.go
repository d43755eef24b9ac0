// Package connection implements Eventhub's per-client connection engine:
// one goroutine pair (read pump / write pump) per socket, communicating
// through a bounded mailbox channel, per Design Note 9's instruction to
// prefer Go's native goroutine-per-connection model over a per-worker
// epoll loop.
package connection

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/eventhub/eventhub/internal/access"
	"github.com/eventhub/eventhub/internal/logging"
	"github.com/eventhub/eventhub/internal/topic"
	"github.com/eventhub/eventhub/internal/wsframe"
)

// Mode is the connection's upgraded protocol.
type Mode int

const (
	ModeWebSocket Mode = iota
	ModeSSE
)

// MaxWriteBufferBytes is the per-connection send backlog cap (spec §3/§5):
// exceeding it is backpressure handled by disconnect, not by stalling.
const MaxWriteBufferBytes = 8 * 1024 * 1024

const sendQueueDepth = 1024

// Dispatcher handles one decoded WebSocket TEXT frame for a connection. The
// connection package depends on this interface rather than the rpc package
// directly, so rpc can depend on connection without an import cycle.
type Dispatcher interface {
	Dispatch(c *Connection, payload []byte)
}

type outboundKind int

const (
	kindData outboundKind = iota
	kindPong
	kindPing
	kindClose
)

type outboundFrame struct {
	kind    outboundKind
	payload []byte
}

var nextID atomic.Uint64

// Connection is one upgraded client socket. State ∈ {WEBSOCKET, SSE} is
// fixed at construction time — HTTP-state request parsing happens in
// internal/httpapi before a Connection is ever created.
type Connection struct {
	id         uint64
	conn       net.Conn
	mode       Mode
	registry   *topic.Registry
	Access     *access.Context
	dispatcher Dispatcher
	logger     zerolog.Logger

	send        chan outboundFrame
	queuedBytes atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}

	mu   sync.Mutex
	subs map[string]any // filter -> requestID, for the `list` RPC

	pingInterval time.Duration

	// seq is the per-connection monotonic delivery sequence (SPEC_FULL
	// §5), grounded on the teacher's MessageEnvelope.Seq: one counter per
	// connection, advanced on every delivery and stamped on WebSocket
	// notifications (SSE events carry only id and data lines) so a client
	// can detect a gap in what it received independent of cache replay ids.
	seq atomic.Uint64
}

// New wraps conn as an upgraded connection and starts its read/write pumps.
// Callers must have already completed the HTTP upgrade handshake.
func New(conn net.Conn, mode Mode, registry *topic.Registry, accessCtx *access.Context, dispatcher Dispatcher, logger zerolog.Logger, pingInterval time.Duration) *Connection {
	id := nextID.Add(1)
	c := &Connection{
		id:           id,
		conn:         conn,
		mode:         mode,
		registry:     registry,
		Access:       accessCtx,
		dispatcher:   dispatcher,
		logger:       logger.With().Uint64("connection_id", id).Logger(),
		send:         make(chan outboundFrame, sendQueueDepth),
		closed:       make(chan struct{}),
		subs:         make(map[string]any),
		pingInterval: pingInterval,
	}
	go c.writePump()
	go c.readPump()
	return c
}

// ID satisfies topic.Subscriber.
func (c *Connection) ID() uint64 { return c.id }

// BufferSaturation returns the send mailbox's current depth and capacity,
// used by the worker's periodic buffer-saturation sampler to detect slow
// consumers before their mailbox fills and they get disconnected.
func (c *Connection) BufferSaturation() (depth, capacity int) {
	return len(c.send), cap(c.send)
}

// Subject is the authenticated principal, or "" if unauthenticated.
func (c *Connection) Subject() string {
	if c.Access == nil {
		return ""
	}
	return c.Access.Subject
}

// Deliver satisfies topic.Subscriber: it formats a publish as a JSON-RPC
// notification (or an SSE frame) and enqueues it for the write pump.
func (c *Connection) Deliver(topicName, cacheID, payload, originSubject string, requestID any) {
	seq := c.seq.Add(1)
	var framed []byte
	switch c.mode {
	case ModeSSE:
		framed = formatSSE(cacheID, payload)
	default:
		framed = formatNotification(requestID, topicName, cacheID, payload, originSubject, seq)
	}
	c.enqueueData(framed)
}

// Send writes a direct JSON-RPC response (subscribe/publish/etc. replies),
// bypassing topic delivery.
func (c *Connection) Send(raw []byte) {
	c.enqueueData(raw)
}

func (c *Connection) enqueueData(payload []byte) {
	if c.queuedBytes.Add(int64(len(payload))) > MaxWriteBufferBytes {
		c.logger.Warn().Msg("write buffer exceeded cap, closing connection")
		c.Shutdown()
		return
	}
	select {
	case c.send <- outboundFrame{kind: kindData, payload: payload}:
	case <-c.closed:
	default:
		// Mailbox full: the peer isn't draining. Disconnect rather than
		// block the deliverer (which may be the registry's publish path).
		c.logger.Warn().Msg("send mailbox full, closing connection")
		c.Shutdown()
	}
}

func (c *Connection) enqueueControl(kind outboundKind, payload []byte) {
	select {
	case c.send <- outboundFrame{kind: kind, payload: payload}:
	case <-c.closed:
	default:
	}
}

// Subscribe registers filter for this connection under requestID and
// remembers it for ListFilters/UnsubscribeAll bookkeeping.
func (c *Connection) Subscribe(filter string, requestID any) {
	c.registry.SubscribeConnection(c, filter, requestID)
	c.mu.Lock()
	c.subs[filter] = requestID
	c.mu.Unlock()
}

// Unsubscribe removes filter for this connection. Returns whether it had
// been subscribed.
func (c *Connection) Unsubscribe(filter string) bool {
	c.mu.Lock()
	_, ok := c.subs[filter]
	delete(c.subs, filter)
	c.mu.Unlock()
	if ok {
		c.registry.Unsubscribe(c, filter)
	}
	return ok
}

// UnsubscribeAll removes every filter this connection holds, returning the
// count removed.
func (c *Connection) UnsubscribeAll() int {
	n := c.registry.UnsubscribeAll(c)
	c.mu.Lock()
	c.subs = make(map[string]any)
	c.mu.Unlock()
	return n
}

// ListFilters returns the filters this connection currently subscribes to.
func (c *Connection) ListFilters() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for f := range c.subs {
		out = append(out, f)
	}
	return out
}

// Shutdown closes the connection exactly once, unlinking it from the topic
// registry so the Topic↔Connection cycle described in Design Note 9 cannot
// keep a dead socket's entries alive.
func (c *Connection) Shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.UnsubscribeAll()
		c.conn.Close()
	})
}

// Done is closed once the connection has been shut down.
func (c *Connection) Done() <-chan struct{} { return c.closed }

func (c *Connection) readPump() {
	defer func() {
		if r := recover(); r != nil {
			logging.WithPanicRecovery(c.logger, r, "connection readPump panic", map[string]any{"connection_id": c.id})
		}
	}()
	defer c.Shutdown()

	if c.mode != ModeWebSocket {
		// SSE connections are write-only from the server's perspective;
		// block on reads purely to notice when the peer goes away.
		buf := make([]byte, 512)
		for {
			if _, err := c.conn.Read(buf); err != nil {
				return
			}
		}
	}

	parser := wsframe.New(c.conn)
	for {
		frameType, payload, err := parser.ReadMessage()
		if err != nil {
			return
		}
		switch frameType {
		case wsframe.Text:
			c.dispatcher.Dispatch(c, payload)
		case wsframe.Ping:
			c.enqueueControl(kindPong, payload)
		case wsframe.Pong:
			// no-op: liveness is inferred from any successful read.
		case wsframe.Close:
			return
		}
	}
}

func (c *Connection) writePump() {
	defer func() {
		if r := recover(); r != nil {
			logging.WithPanicRecovery(c.logger, r, "connection writePump panic", map[string]any{"connection_id": c.id})
		}
	}()

	writer := bufio.NewWriter(c.conn)
	var ticker *time.Ticker
	var tickerC <-chan time.Time
	if c.pingInterval > 0 {
		ticker = time.NewTicker(c.pingInterval)
		tickerC = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.writeFrame(writer, frame); err != nil {
				return
			}
			if frame.kind == kindData {
				c.queuedBytes.Add(-int64(len(frame.payload)))
			}
			// Drain any further queued frames before flushing, batching
			// writes the way a high-fanout publisher needs to.
			n := len(c.send)
			for i := 0; i < n; i++ {
				next := <-c.send
				if err := c.writeFrame(writer, next); err != nil {
					return
				}
				if next.kind == kindData {
					c.queuedBytes.Add(-int64(len(next.payload)))
				}
			}
			if err := writer.Flush(); err != nil {
				return
			}

		case <-tickerC:
			if err := c.writeKeepalive(writer); err != nil {
				return
			}
			if err := writer.Flush(); err != nil {
				return
			}

		case <-c.closed:
			return
		}
	}
}

func (c *Connection) writeFrame(w *bufio.Writer, frame outboundFrame) error {
	switch c.mode {
	case ModeSSE:
		_, err := w.Write(frame.payload)
		return err
	default:
		switch frame.kind {
		case kindPong:
			return wsframe.WritePong(w, frame.payload)
		case kindPing:
			return wsframe.WritePing(w, frame.payload)
		case kindClose:
			return wsframe.WriteClose(w, ws.StatusNormalClosure, "")
		default:
			return wsframe.WriteText(w, frame.payload)
		}
	}
}

func (c *Connection) writeKeepalive(w *bufio.Writer) error {
	if c.mode == ModeSSE {
		_, err := w.WriteString(":\n\n")
		return err
	}
	return wsframe.WritePing(w, nil)
}

// SendClose enqueues a CLOSE control frame, used by the `disconnect` RPC
// method.
func (c *Connection) SendClose() {
	c.enqueueControl(kindClose, nil)
}

func formatNotification(requestID any, topicName, cacheID, payload, originSubject string, seq uint64) []byte {
	result := map[string]any{
		"topic":   topicName,
		"message": payload,
	}
	if cacheID != "" {
		result["id"] = cacheID
	}
	if originSubject != "" {
		result["origin"] = originSubject
	}
	raw, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      requestID,
		"result":  result,
		"seq":     seq,
	})
	return raw
}

func formatSSE(cacheID, payload string) []byte {
	if cacheID != "" {
		return []byte(fmt.Sprintf("id: %s\ndata: %s\n\n", cacheID, payload))
	}
	return []byte(fmt.Sprintf("data: %s\n\n", payload))
}
