package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/meshlink-core/internal/infrastructure/config"
	"github.com/nerrad567/meshlink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/meshlink-core/internal/mesh/packet"
)

// eventBuffer is the capacity of the inbound broker event queue.
const eventBuffer = 256

// Broker is the MQTT client surface a gateway needs. *mqtt.Client satisfies it.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	SetOnConnect(callback func())
	SetOnDisconnect(callback func(err error))
	IsConnected() bool
	Close() error
}

// Dialer opens a broker connection.
type Dialer func(cfg config.MQTTConfig) (Broker, error)

// DialMQTT connects with the paho-backed client.
func DialMQTT(cfg config.MQTTConfig) (Broker, error) {
	c, err := mqtt.Connect(cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// StatsWriter exports gateway statistics. influxdb.Client satisfies it.
type StatsWriter interface {
	WriteGatewayStats(gateway string, fields map[string]any)
}

// Logger is the logging interface used by gateways.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Stats is a snapshot of one gateway's counters.
type Stats struct {
	MessagesReceived   uint64     `json:"messages_received"`
	MessagesPublished  uint64     `json:"messages_published"`
	MQTTConnections    uint64     `json:"mqtt_connections"`
	MQTTDisconnections uint64     `json:"mqtt_disconnections"`
	UptimeSeconds      uint64     `json:"uptime_seconds"`
	ConnectedNodes     int        `json:"connected_nodes"`
	LastMessageTime    *time.Time `json:"last_message_time,omitempty"`
}

func (s Stats) fields() map[string]any {
	return map[string]any{
		"messages_received":   int64(s.MessagesReceived),
		"messages_published":  int64(s.MessagesPublished),
		"mqtt_connections":    int64(s.MQTTConnections),
		"mqtt_disconnections": int64(s.MQTTDisconnections),
		"uptime_seconds":      int64(s.UptimeSeconds),
		"connected_nodes":     int64(s.ConnectedNodes),
	}
}

// EventKind distinguishes inbound broker events.
type EventKind int

// Broker event kinds.
const (
	EventPublish EventKind = iota
	EventConnected
	EventConnectionLost
)

func (k EventKind) String() string {
	switch k {
	case EventPublish:
		return "publish"
	case EventConnected:
		return "connected"
	case EventConnectionLost:
		return "connection_lost"
	default:
		return "unknown"
	}
}

// Event is one inbound broker event.
type Event struct {
	Kind    EventKind
	Topic   string
	Payload []byte
	Err     error
}

// Options configures a Gateway beyond its Config.
type Options struct {
	Dialer  Dialer
	Metrics StatsWriter
	Logger  Logger

	// Now replaces time.Now, for tests.
	Now func() time.Time
}

// Gateway bridges mesh packets to one MQTT broker.
//
// Thread Safety:
//   - connMu serialises Connect, Disconnect and loop start-up.
//   - The directory and stats have their own mutexes and are never held
//     across broker calls.
type Gateway struct {
	cfg    Config
	topics mqtt.Topics
	opts   Options

	connMu   sync.Mutex
	brokerMu sync.RWMutex
	broker   Broker
	events   chan Event
	done     chan struct{}
	wg       sync.WaitGroup
	looping  bool
	hb       *heartbeat

	// lost is set by a connection-lost event so the next connected event
	// counts as a reconnect.
	lost atomic.Bool

	dirMu     sync.RWMutex
	directory map[uint32]packet.User

	statsMu   sync.Mutex
	stats     Stats
	startedAt time.Time

	cbMu       sync.RWMutex
	onEnvelope func(Envelope)

	logger   Logger
	loggerMu sync.RWMutex
}

// New creates a disconnected gateway. Missing config fields take defaults.
func New(cfg Config, opts Options) (*Gateway, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Dialer == nil {
		opts.Dialer = DialMQTT
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Gateway{
		cfg:       cfg,
		topics:    mqtt.NewTopics(cfg.TopicPrefix),
		opts:      opts,
		directory: make(map[uint32]packet.User),
		logger:    logger,
	}, nil
}

// Name returns the gateway name.
func (g *Gateway) Name() string { return g.cfg.Name }

// Config returns the effective configuration.
func (g *Gateway) Config() Config { return g.cfg }

// SetLogger sets the logger for the gateway.
func (g *Gateway) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	g.loggerMu.Lock()
	g.logger = logger
	g.loggerMu.Unlock()
}

func (g *Gateway) log() Logger {
	g.loggerMu.RLock()
	defer g.loggerMu.RUnlock()
	return g.logger
}

// SetOnEnvelope registers a callback for envelopes bridged by other gateways.
// It runs on the event loop and must not block.
func (g *Gateway) SetOnEnvelope(fn func(Envelope)) {
	g.cbMu.Lock()
	g.onEnvelope = fn
	g.cbMu.Unlock()
}

// Subscriptions returns the topic filters subscribed on connect.
func (g *Gateway) Subscriptions() []string {
	return []string{
		g.topics.AllChannel(mqtt.DefaultChannel),
		g.topics.AllEvents(mqtt.DefaultChannel),
		g.topics.AllStats(),
	}
}

// Connect opens the broker connection and subscribes to the mesh tree.
// It is a no-op when already connected. Failures are not retried.
func (g *Gateway) Connect(ctx context.Context) error {
	g.connMu.Lock()
	defer g.connMu.Unlock()

	if g.current() != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConnectionFailed, g.cfg.Name, err)
	}

	mcfg, err := g.cfg.mqttConfig()
	if err != nil {
		return err
	}
	b, err := g.opts.Dialer(mcfg)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConnectionFailed, g.cfg.Name, err)
	}
	if l, ok := b.(interface{ SetLogger(mqtt.Logger) }); ok {
		l.SetLogger(g.log())
	}

	events := make(chan Event, eventBuffer)
	emit := func(ev Event) {
		select {
		case events <- ev:
		default:
			g.log().Warn("gateway event queue full, dropping event",
				"gateway", g.cfg.Name,
				"kind", ev.Kind.String(),
			)
		}
	}

	b.SetOnConnect(func() { emit(Event{Kind: EventConnected}) })
	b.SetOnDisconnect(func(err error) { emit(Event{Kind: EventConnectionLost, Err: err}) })

	for _, topic := range g.Subscriptions() {
		err := b.Subscribe(topic, 0, func(topic string, payload []byte) error {
			emit(Event{Kind: EventPublish, Topic: topic, Payload: payload})
			return nil
		})
		if err != nil {
			b.Close() //nolint:errcheck // connection is abandoned
			return fmt.Errorf("%w: %s: subscribe %s: %w", ErrConnectionFailed, g.cfg.Name, topic, err)
		}
	}

	g.brokerMu.Lock()
	g.broker = b
	g.brokerMu.Unlock()
	g.events = events
	g.done = make(chan struct{})
	g.lost.Store(false)

	g.statsMu.Lock()
	g.stats.MQTTConnections++
	if g.startedAt.IsZero() {
		g.startedAt = g.opts.Now()
	}
	g.statsMu.Unlock()

	g.log().Info("gateway connected",
		"gateway", g.cfg.Name,
		"broker", g.cfg.BrokerURL,
		"client_id", g.cfg.ClientID,
	)
	return nil
}

// StartEventLoop starts the goroutine that handles inbound broker events.
func (g *Gateway) StartEventLoop() error {
	g.connMu.Lock()
	defer g.connMu.Unlock()

	if g.current() == nil {
		return ErrNotConnected
	}
	if g.looping {
		return nil
	}
	g.looping = true
	g.wg.Add(1)
	go g.eventLoop(g.events, g.done)
	return nil
}

// StartHeartbeat starts publishing Stats every interval.
func (g *Gateway) StartHeartbeat(interval time.Duration) error {
	g.connMu.Lock()
	defer g.connMu.Unlock()

	if g.current() == nil {
		return ErrNotConnected
	}
	if g.hb != nil {
		return nil
	}
	g.hb = newHeartbeat(g, interval)
	g.hb.Start()
	return nil
}

// Disconnect stops both loops and closes the broker connection.
// It is safe to call when already disconnected.
func (g *Gateway) Disconnect() error {
	g.connMu.Lock()
	defer g.connMu.Unlock()

	b := g.current()
	if b == nil {
		return nil
	}

	if g.hb != nil {
		g.hb.Stop()
		g.hb = nil
	}
	close(g.done)
	g.wg.Wait()
	g.looping = false

	g.brokerMu.Lock()
	g.broker = nil
	g.brokerMu.Unlock()

	err := b.Close()

	g.statsMu.Lock()
	g.stats.MQTTDisconnections++
	g.statsMu.Unlock()

	g.log().Info("gateway disconnected", "gateway", g.cfg.Name)
	if err != nil {
		return fmt.Errorf("closing broker connection: %w", err)
	}
	return nil
}

// IsConnected reports whether the broker connection is up.
func (g *Gateway) IsConnected() bool {
	b := g.current()
	return b != nil && b.IsConnected()
}

func (g *Gateway) current() Broker {
	g.brokerMu.RLock()
	defer g.brokerMu.RUnlock()
	return g.broker
}

// Process bridges one packet: a NodeInfo updates the directory, then the
// packet is published, then the received counter moves. A failed publish
// returns before any counter changes.
func (g *Gateway) Process(ctx context.Context, pkt *packet.MeshPacket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if pkt == nil {
		return fmt.Errorf("%w: nil packet", ErrPublishFailed)
	}

	if ni, ok := pkt.Payload.(packet.NodeInfo); ok {
		g.upsert(pkt.From, ni.User)
	}

	now := g.opts.Now()
	if err := g.publish(pkt, now); err != nil {
		return err
	}

	nodes := g.directorySize()

	g.statsMu.Lock()
	g.stats.MessagesPublished++
	g.stats.LastMessageTime = &now
	g.stats.MessagesReceived++
	g.stats.ConnectedNodes = nodes
	g.statsMu.Unlock()
	return nil
}

func (g *Gateway) publish(pkt *packet.MeshPacket, now time.Time) error {
	b := g.current()
	if b == nil {
		return ErrNotConnected
	}

	env, err := NewEnvelope(pkt, g.cfg.ClientID, now)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	topic := g.TopicFor(pkt)
	if err := b.Publish(topic, payload, g.cfg.qos(), g.cfg.Retain); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

// TopicFor returns the topic a packet is published to.
func (g *Gateway) TopicFor(pkt *packet.MeshPacket) string {
	from := strconv.FormatUint(uint64(pkt.From), 10)
	if pkt.Kind() == packet.KindTelemetry {
		return g.topics.Stat(from)
	}
	return g.topics.Channel(mqtt.DefaultChannel, g.cfg.ClientID, from)
}

// ===== Directory =====

func (g *Gateway) upsert(num uint32, u packet.User) {
	g.dirMu.Lock()
	g.directory[num] = u
	g.dirMu.Unlock()
}

func (g *Gateway) directorySize() int {
	g.dirMu.RLock()
	defer g.dirMu.RUnlock()
	return len(g.directory)
}

// Directory returns the nodes this gateway has seen announce themselves.
func (g *Gateway) Directory() map[uint32]packet.User {
	g.dirMu.RLock()
	defer g.dirMu.RUnlock()
	return maps.Clone(g.directory)
}

// Stats returns a snapshot of the gateway counters with uptime recomputed.
func (g *Gateway) Stats() Stats {
	nodes := g.directorySize()
	now := g.opts.Now()

	g.statsMu.Lock()
	defer g.statsMu.Unlock()

	s := g.stats
	s.ConnectedNodes = nodes
	if !g.startedAt.IsZero() {
		s.UptimeSeconds = uint64(now.Sub(g.startedAt) / time.Second)
	}
	if s.LastMessageTime != nil {
		t := *s.LastMessageTime
		s.LastMessageTime = &t
	}
	return s
}

// ===== Event loop =====

func (g *Gateway) eventLoop(events <-chan Event, done <-chan struct{}) {
	defer g.wg.Done()

	for {
		select {
		case <-done:
			return
		case ev := <-events:
			g.handleEvent(ev)
		}
	}
}

func (g *Gateway) handleEvent(ev Event) {
	switch ev.Kind {
	case EventPublish:
		g.handleInbound(ev.Topic, ev.Payload)

	case EventConnected:
		if g.lost.CompareAndSwap(true, false) {
			g.statsMu.Lock()
			g.stats.MQTTConnections++
			g.statsMu.Unlock()
			g.log().Info("gateway reconnected", "gateway", g.cfg.Name)
		}

	case EventConnectionLost:
		g.lost.Store(true)
		g.statsMu.Lock()
		g.stats.MQTTDisconnections++
		g.statsMu.Unlock()
		g.log().Warn("gateway connection lost", "gateway", g.cfg.Name, "error", ev.Err)
	}
}

// handleInbound decodes an envelope bridged by another gateway. Topics
// outside the mesh layout, such as heartbeats, are skipped.
func (g *Gateway) handleInbound(topic string, payload []byte) {
	info, ok := g.topics.ParseTopic(topic)
	if !ok {
		g.log().Debug("ignoring non-mesh topic", "gateway", g.cfg.Name, "topic", topic)
		return
	}
	if info.Gateway == g.cfg.ClientID {
		return
	}
	env, err := DecodeEnvelope(payload)
	if err != nil {
		g.log().Debug("ignoring non-envelope payload", "gateway", g.cfg.Name, "topic", topic, "error", err)
		return
	}
	if env.GatewayID == g.cfg.ClientID {
		return
	}

	if u, ok := env.User(); ok {
		g.upsert(env.From, u)
	}

	g.cbMu.RLock()
	fn := g.onEnvelope
	g.cbMu.RUnlock()
	if fn != nil {
		fn(env)
	}
}
