package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/meshlink-core/internal/auth"
	"github.com/nerrad567/meshlink-core/internal/gateway"
	"github.com/nerrad567/meshlink-core/internal/infrastructure/config"
	"github.com/nerrad567/meshlink-core/internal/infrastructure/logging"
	"github.com/nerrad567/meshlink-core/internal/processor"
)

// WebSocket frame types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

const (
	wsSendBufferSize = 256

	defaultPingInterval   = 30 // seconds
	defaultPongTimeout    = 10 // seconds
	defaultMaxMessageSize = 8192
)

// WSMessage is the JSON frame exchanged with clients.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload selects event channels. Types optionally narrows
// mesh.message events to message types such as "text" or "position".
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
	Types    []string `json:"types,omitempty"`
}

// inbound is a client frame with its payload left undecoded.
type inbound struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// keepalive holds the resolved connection timings.
type keepalive struct {
	ping      time.Duration
	pongWait  time.Duration
	readLimit int64
}

func (k keepalive) readDeadline() time.Time {
	return time.Now().Add(k.ping + k.pongWait)
}

func newKeepalive(cfg config.WebSocketConfig) keepalive {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	return keepalive{
		ping:      time.Duration(cfg.PingInterval) * time.Second,
		pongWait:  time.Duration(cfg.PongTimeout) * time.Second,
		readLimit: int64(cfg.MaxMessageSize),
	}
}

// Hub fans events out to connected clients. A client whose send buffer
// is full misses the event; the miss is counted.
type Hub struct {
	timing  keepalive
	logger  *logging.Logger
	mu      sync.RWMutex
	clients map[*WSClient]struct{}
	dropped atomic.Uint64
}

// WSClient is one upgraded connection.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	role auth.Role

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.RWMutex
	subs map[string][]string // channel -> message type filter (empty = all)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are policed by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub creates a hub. Zero keepalive settings fall back to defaults.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		timing:  newKeepalive(cfg),
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many events were skipped for slow clients.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) add(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n, "role", c.role)
}

func (h *Hub) remove(c *WSClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.close()
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// Publish sends an event to every client subscribed to channel whose
// filter accepts msgType. An empty msgType passes every filter.
func (h *Hub) Publish(channel, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("encoding websocket event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if c.wants(channel, msgType) && !c.enqueue(data) {
			h.dropped.Add(1)
		}
	}
}

// relayMessages publishes processed mesh messages until the subscription
// closes or ctx ends.
func (s *Server) relayMessages(ctx context.Context, messages <-chan processor.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			s.hub.Publish(EventMessage, msg.Type.String(), msg)
		}
	}
}

// bridgedEvent is the payload of an EventBridged event.
type bridgedEvent struct {
	Gateway string `json:"gateway"`
	gateway.Envelope
	Text string `json:"text,omitempty"`
}

// relayEnvelope publishes an envelope received by the named gateway. It
// runs on the gateway's event loop; Hub.Publish never blocks.
func (s *Server) relayEnvelope(name string, env gateway.Envelope) {
	ev := bridgedEvent{Gateway: name, Envelope: env}
	if text, ok := env.Text(); ok {
		ev.Text = text
	}
	s.hub.Publish(EventBridged, env.PayloadType, ev)
}

// handleWebSocket upgrades the request. With auth enabled the caller
// presents a single-use ticket from POST /auth/ws-ticket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	role := auth.RoleAdmin
	if s.auth != nil {
		ticket := r.URL.Query().Get("ticket")
		if ticket == "" {
			writeUnauthorized(w, "ticket query parameter is required")
			return
		}
		entry, ok := s.tickets.consume(ticket, time.Now())
		if !ok {
			writeUnauthorized(w, "invalid or expired ticket")
			return
		}
		role = entry.role
	}
	if !auth.HasPermission(role, auth.PermMeshRead) {
		writeForbidden(w, "role cannot read mesh events")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &WSClient{
		hub:  s.hub,
		conn: conn,
		role: role,
		send: make(chan []byte, wsSendBufferSize),
		done: make(chan struct{}),
		subs: make(map[string][]string),
	}
	s.hub.add(c)

	go c.writeLoop()
	go c.readLoop()
}

// close stops the write loop and closes the socket once.
func (c *WSClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// enqueue queues data without blocking. It reports false when the
// buffer is full or the client is gone.
func (c *WSClient) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *WSClient) wants(channel, msgType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	types, ok := c.subs[channel]
	if !ok {
		return false
	}
	return len(types) == 0 || msgType == "" || slices.Contains(types, msgType)
}

func (c *WSClient) readLoop() {
	defer c.hub.remove(c)

	timing := c.hub.timing
	c.conn.SetReadLimit(timing.readLimit)
	c.conn.SetReadDeadline(timing.readDeadline()) //nolint:errcheck // a failed deadline surfaces as a read error
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(timing.readDeadline())
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		// Application frames count as liveness too.
		c.conn.SetReadDeadline(timing.readDeadline()) //nolint:errcheck // see above
		c.dispatch(data)
	}
}

func (c *WSClient) writeLoop() {
	timing := c.hub.timing
	ticker := time.NewTicker(timing.ping)
	defer ticker.Stop()

	write := func(kind int, data []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(timing.pongWait)) //nolint:errcheck // write reports failure
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case <-c.done:
			write(websocket.CloseMessage, nil) //nolint:errcheck // socket is closing anyway
			return
		case data := <-c.send:
			if err := write(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *WSClient) dispatch(data []byte) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		c.reply("", WSTypeError, errorBody("invalid JSON message"))
		return
	}

	switch in.Type {
	case WSTypePing:
		c.reply(in.ID, WSTypePong, nil)
	case WSTypeSubscribe, WSTypeUnsubscribe:
		var sub WSSubscribePayload
		if err := json.Unmarshal(in.Payload, &sub); err != nil || len(sub.Channels) == 0 {
			c.reply(in.ID, WSTypeError, errorBody("payload must list channels"))
			return
		}
		c.mu.Lock()
		for _, ch := range sub.Channels {
			if in.Type == WSTypeSubscribe {
				c.subs[ch] = sub.Types
			} else {
				delete(c.subs, ch)
			}
		}
		c.mu.Unlock()

		key := "subscribed"
		if in.Type == WSTypeUnsubscribe {
			key = "unsubscribed"
		}
		c.reply(in.ID, WSTypeResponse, map[string]any{key: sub.Channels})
	default:
		c.reply(in.ID, WSTypeError, errorBody("unknown message type: "+in.Type))
	}
}

func (c *WSClient) reply(id, kind string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      kind,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.enqueue(data)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"message": msg}
}
