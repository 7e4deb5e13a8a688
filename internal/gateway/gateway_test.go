package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/meshlink-core/internal/infrastructure/config"
	"github.com/nerrad567/meshlink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/meshlink-core/internal/mesh/packet"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type published struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// mockBroker records publishes and lets tests inject inbound traffic.
type mockBroker struct {
	mu           sync.Mutex
	published    []published
	attempts     int
	handlers     map[string]mqtt.MessageHandler
	onConnect    func()
	onDisconnect func(error)
	connected    bool
	closed       int
	publishErr   error
	subscribeErr error
}

func newMockBroker() *mockBroker {
	return &mockBroker{handlers: make(map[string]mqtt.MessageHandler), connected: true}
}

func (b *mockBroker) Publish(topic string, payload []byte, qos byte, retained bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, published{topic, payload, qos, retained})
	return nil
}

func (b *mockBroker) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return b.subscribeErr
	}
	b.handlers[topic] = handler
	return nil
}

func (b *mockBroker) SetOnConnect(fn func()) {
	b.mu.Lock()
	b.onConnect = fn
	b.mu.Unlock()
}

func (b *mockBroker) SetOnDisconnect(fn func(error)) {
	b.mu.Lock()
	b.onDisconnect = fn
	b.mu.Unlock()
}

func (b *mockBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *mockBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++
	b.connected = false
	return nil
}

func (b *mockBroker) deliver(filter, topic string, payload []byte) {
	b.mu.Lock()
	h := b.handlers[filter]
	b.mu.Unlock()
	h(topic, payload) //nolint:errcheck // handler only queues
}

func (b *mockBroker) loseConnection() {
	b.mu.Lock()
	fn := b.onDisconnect
	b.mu.Unlock()
	fn(errors.New("broker went away"))
}

func (b *mockBroker) reconnect() {
	b.mu.Lock()
	fn := b.onConnect
	b.mu.Unlock()
	fn()
}

func (b *mockBroker) publishedTo(topic string) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, p := range b.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (b *mockBroker) publishAttempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

func dialerFor(b *mockBroker) Dialer {
	return func(config.MQTTConfig) (Broker, error) { return b, nil }
}

func newTestGateway(t *testing.T, b *mockBroker) *Gateway {
	t.Helper()
	cfg := Config{Name: "local", BrokerURL: "mqtt://localhost", ClientID: "gw1", TopicPrefix: "msh", QoS: 1}
	g, err := New(cfg, Options{Dialer: dialerFor(b), Now: func() time.Time { return testTime }})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return g
}

func connectTestGateway(t *testing.T, b *mockBroker) *Gateway {
	t.Helper()
	g := newTestGateway(t, b)
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { g.Disconnect() }) //nolint:errcheck // test cleanup
	return g
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ===== Topics =====

func TestTopicFor(t *testing.T) {
	g := newTestGateway(t, newMockBroker())

	tests := []struct {
		name    string
		payload packet.Payload
		want    string
	}{
		{"text", packet.Text("hi"), "msh/2/c/LongFast/gw1/42"},
		{"nodeinfo", packet.NodeInfo{}, "msh/2/c/LongFast/gw1/42"},
		{"telemetry", packet.Telemetry{}, "msh/2/stat/42"},
		{"position falls back to channel", packet.Position{}, "msh/2/c/LongFast/gw1/42"},
		{"raw falls back to channel", packet.Raw{Port: 256}, "msh/2/c/LongFast/gw1/42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := g.TopicFor(&packet.MeshPacket{From: 42, Payload: tt.payload})
			if got != tt.want {
				t.Errorf("TopicFor() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSubscriptions(t *testing.T) {
	b := newMockBroker()
	connectTestGateway(t, b)

	for _, topic := range []string{"msh/2/c/LongFast/+/+", "msh/2/e/LongFast/+/+", "msh/2/stat/+"} {
		if _, ok := b.handlers[topic]; !ok {
			t.Errorf("missing subscription %q", topic)
		}
	}
}

// ===== Connect / Disconnect =====

func TestConnect_DialFailure(t *testing.T) {
	g, err := New(Config{Name: "x", BrokerURL: "mqtt://localhost"}, Options{
		Dialer: func(config.MQTTConfig) (Broker, error) { return nil, errors.New("refused") },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = g.Connect(context.Background())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
	if g.IsConnected() {
		t.Error("IsConnected() = true after failed connect")
	}
	if s := g.Stats(); s.MQTTConnections != 0 {
		t.Errorf("MQTTConnections = %d, want 0", s.MQTTConnections)
	}
}

func TestConnect_SubscribeFailureClosesBroker(t *testing.T) {
	b := newMockBroker()
	b.subscribeErr = errors.New("not authorised")
	g := newTestGateway(t, b)

	if err := g.Connect(context.Background()); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
	if b.closed != 1 {
		t.Errorf("broker closed %d times, want 1", b.closed)
	}
}

func TestConnect_PassesBrokerSettings(t *testing.T) {
	var got config.MQTTConfig
	g, err := New(Config{
		Name: "cloud", BrokerURL: "mqtts://broker.example.com", ClientID: "gw9",
		Username: "mesh", Password: "pw", KeepAlive: 30,
	}, Options{Dialer: func(cfg config.MQTTConfig) (Broker, error) {
		got = cfg
		return newMockBroker(), nil
	}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer g.Disconnect() //nolint:errcheck // test cleanup

	if got.Broker.Host != "broker.example.com" || got.Broker.Port != 8883 || !got.Broker.TLS {
		t.Errorf("broker = %+v, want broker.example.com:8883 TLS", got.Broker)
	}
	if got.Broker.ClientID != "gw9" || got.Auth.Username != "mesh" || got.Auth.Password != "pw" {
		t.Errorf("identity = %+v / %+v", got.Broker, got.Auth)
	}
	if got.KeepAlive != 30 || got.Reconnect.ConnectRetry {
		t.Errorf("keep-alive %d connect-retry %v, want 30 false", got.KeepAlive, got.Reconnect.ConnectRetry)
	}
}

func TestConnect_CancelledContext(t *testing.T) {
	g := newTestGateway(t, newMockBroker())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := g.Connect(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Connect() error = %v, want context.Canceled", err)
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	b := newMockBroker()
	g := connectTestGateway(t, b)
	if err := g.StartEventLoop(); err != nil {
		t.Fatalf("StartEventLoop() error = %v", err)
	}

	for i := range 2 {
		if err := g.Disconnect(); err != nil {
			t.Errorf("Disconnect() #%d error = %v", i+1, err)
		}
	}
	if g.IsConnected() {
		t.Error("IsConnected() = true after disconnect")
	}
	if b.closed != 1 {
		t.Errorf("broker closed %d times, want 1", b.closed)
	}
	if s := g.Stats(); s.MQTTConnections != 1 || s.MQTTDisconnections != 1 {
		t.Errorf("Stats() = %+v, want 1 connection and 1 disconnection", s)
	}
}

func TestLoops_RequireConnection(t *testing.T) {
	g := newTestGateway(t, newMockBroker())
	if err := g.StartEventLoop(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("StartEventLoop() error = %v, want ErrNotConnected", err)
	}
	if err := g.StartHeartbeat(time.Second); !errors.Is(err, ErrNotConnected) {
		t.Errorf("StartHeartbeat() error = %v, want ErrNotConnected", err)
	}
}

// ===== Process =====

func TestProcess_PublishesEnvelope(t *testing.T) {
	b := newMockBroker()
	g := connectTestGateway(t, b)

	pkt := &packet.MeshPacket{From: 42, To: packet.BroadcastAddr, ID: 7, HopLimit: 3, RxRSSI: -90, Payload: packet.Text("hi")}
	if err := g.Process(context.Background(), pkt); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	msgs := b.publishedTo("msh/2/c/LongFast/gw1/42")
	if len(msgs) != 1 {
		t.Fatalf("published %d messages on channel topic, want 1", len(msgs))
	}
	if msgs[0].qos != 1 || msgs[0].retained {
		t.Errorf("qos/retain = %d/%v, want 1/false", msgs[0].qos, msgs[0].retained)
	}

	env, err := DecodeEnvelope(msgs[0].payload)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}
	if env.From != 42 || env.ID != 7 || env.GatewayID != "gw1" || env.RSSI != -90 || env.Timestamp != testTime.Unix() {
		t.Errorf("envelope = %+v", env)
	}
	if text, ok := env.Text(); !ok || text != "hi" {
		t.Errorf("Text() = %q, %v, want hi", text, ok)
	}
}

func TestProcess_QoSMapping(t *testing.T) {
	tests := []struct {
		qos  int
		want byte
	}{
		{0, 0}, {1, 1}, {2, 2}, {3, 1}, {-1, 1},
	}

	for _, tt := range tests {
		b := newMockBroker()
		g, err := New(Config{Name: "q", BrokerURL: "localhost", ClientID: "gw1", QoS: tt.qos, Retain: true},
			Options{Dialer: dialerFor(b)})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if err := g.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		if err := g.Process(context.Background(), &packet.MeshPacket{From: 1, Payload: packet.Text("x")}); err != nil {
			t.Fatalf("Process() error = %v", err)
		}
		got := b.publishedTo("msh/2/c/LongFast/gw1/1")[0]
		if got.qos != tt.want || !got.retained {
			t.Errorf("qos %d: published qos %d retained %v, want %d true", tt.qos, got.qos, got.retained, tt.want)
		}
		g.Disconnect() //nolint:errcheck // test cleanup
	}
}

func TestProcess_NodeInfoUpsertsDirectory(t *testing.T) {
	b := newMockBroker()
	g := connectTestGateway(t, b)

	for _, name := range []string{"Old", "New"} {
		pkt := &packet.MeshPacket{From: 42, Payload: packet.NodeInfo{User: packet.User{LongName: name}}}
		if err := g.Process(context.Background(), pkt); err != nil {
			t.Fatalf("Process() error = %v", err)
		}
	}

	dir := g.Directory()
	if len(dir) != 1 || dir[42].LongName != "New" {
		t.Errorf("Directory() = %+v, want one entry named New", dir)
	}
	if s := g.Stats(); s.ConnectedNodes != 1 {
		t.Errorf("ConnectedNodes = %d, want 1", s.ConnectedNodes)
	}
}

func TestProcess_StatsMonotonic(t *testing.T) {
	b := newMockBroker()
	g := connectTestGateway(t, b)

	var prev Stats
	for i := range 5 {
		if err := g.Process(context.Background(), &packet.MeshPacket{From: 1, ID: uint32(i + 1), Payload: packet.Text("x")}); err != nil {
			t.Fatalf("Process() error = %v", err)
		}
		s := g.Stats()
		if s.MessagesReceived != prev.MessagesReceived+1 {
			t.Errorf("MessagesReceived = %d, want %d", s.MessagesReceived, prev.MessagesReceived+1)
		}
		if s.MessagesPublished != prev.MessagesPublished+1 {
			t.Errorf("MessagesPublished = %d, want %d", s.MessagesPublished, prev.MessagesPublished+1)
		}
		if s.LastMessageTime == nil || !s.LastMessageTime.Equal(testTime) {
			t.Errorf("LastMessageTime = %v, want %v", s.LastMessageTime, testTime)
		}
		prev = s
	}
}

func TestProcess_FailureLeavesCounters(t *testing.T) {
	b := newMockBroker()
	g := connectTestGateway(t, b)
	b.publishErr = errors.New("broker full")

	pkt := &packet.MeshPacket{From: 9, Payload: packet.NodeInfo{User: packet.User{LongName: "Kept"}}}
	err := g.Process(context.Background(), pkt)
	if !errors.Is(err, ErrPublishFailed) {
		t.Fatalf("Process() error = %v, want ErrPublishFailed", err)
	}

	s := g.Stats()
	if s.MessagesReceived != 0 || s.MessagesPublished != 0 || s.LastMessageTime != nil {
		t.Errorf("Stats() = %+v, want untouched counters", s)
	}
	// The directory update precedes the publish and stands.
	if _, ok := g.Directory()[9]; !ok {
		t.Error("directory missing node 9 after failed publish")
	}
}

func TestProcess_NotConnected(t *testing.T) {
	g := newTestGateway(t, newMockBroker())
	err := g.Process(context.Background(), &packet.MeshPacket{From: 1, Payload: packet.Text("x")})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Process() error = %v, want ErrNotConnected", err)
	}
}

// ===== Event loop =====

func TestEventLoop_InboundEnvelopes(t *testing.T) {
	b := newMockBroker()
	g := connectTestGateway(t, b)

	var mu sync.Mutex
	var seen []Envelope
	g.SetOnEnvelope(func(e Envelope) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	})
	if err := g.StartEventLoop(); err != nil {
		t.Fatalf("StartEventLoop() error = %v", err)
	}

	own, _ := NewEnvelope(&packet.MeshPacket{From: 1, Payload: packet.Text("echo")}, "gw1", testTime)
	other, _ := NewEnvelope(&packet.MeshPacket{From: 77, Payload: packet.NodeInfo{User: packet.User{LongName: "Remote"}}}, "gw-remote", testTime)
	ownJSON, _ := json.Marshal(own)
	otherJSON, _ := json.Marshal(other)

	filter := "msh/2/c/LongFast/+/+"
	b.deliver(filter, "msh/2/c/LongFast/gw1/1", ownJSON)
	b.deliver(filter, "msh/2/c/LongFast/gw1/1", []byte("not json"))
	b.deliver(filter, "msh/2/c/LongFast/gw-remote/77", otherJSON)

	waitFor(t, "remote envelope", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	})

	mu.Lock()
	if seen[0].GatewayID != "gw-remote" {
		t.Errorf("envelope from %q, want gw-remote", seen[0].GatewayID)
	}
	mu.Unlock()
	if u, ok := g.Directory()[77]; !ok || u.LongName != "Remote" {
		t.Errorf("Directory()[77] = %+v, %v, want Remote", u, ok)
	}
}

func TestEventLoop_SkipsNonMeshTopics(t *testing.T) {
	b := newMockBroker()
	g := connectTestGateway(t, b)

	var mu sync.Mutex
	var seen []Envelope
	g.SetOnEnvelope(func(e Envelope) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	})
	if err := g.StartEventLoop(); err != nil {
		t.Fatalf("StartEventLoop() error = %v", err)
	}

	stray, _ := NewEnvelope(&packet.MeshPacket{From: 9, Payload: packet.Text("stray")}, "gw-remote", testTime)
	hello, _ := NewEnvelope(&packet.MeshPacket{From: 9, Payload: packet.Text("hello")}, "gw-remote", testTime)
	strayJSON, _ := json.Marshal(stray)
	helloJSON, _ := json.Marshal(hello)

	// Heartbeats sit one level below the stat filter's node segment.
	b.deliver("msh/2/stat/+", "msh/2/stat/gw-remote/heartbeat", strayJSON)
	b.deliver("msh/2/c/LongFast/+/+", "msh/2/c/LongFast/gw-remote/9", helloJSON)

	waitFor(t, "remote envelope", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 1
	})

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("envelopes delivered = %d, want 1", len(seen))
	}
	if text, ok := seen[0].Text(); !ok || text != "hello" {
		t.Errorf("Text() = %q, %v, want hello", text, ok)
	}
}

func TestEventLoop_Reconnects(t *testing.T) {
	b := newMockBroker()
	g := connectTestGateway(t, b)
	if err := g.StartEventLoop(); err != nil {
		t.Fatalf("StartEventLoop() error = %v", err)
	}

	// The initial connected callback is not a reconnect.
	b.reconnect()
	b.loseConnection()
	b.reconnect()

	waitFor(t, "reconnect counted", func() bool { return g.Stats().MQTTConnections == 2 })
	if s := g.Stats(); s.MQTTDisconnections != 1 {
		t.Errorf("MQTTDisconnections = %d, want 1", s.MQTTDisconnections)
	}
}

// ===== Heartbeat =====

type recordingStats struct {
	mu     sync.Mutex
	writes []map[string]any
}

func (r *recordingStats) WriteGatewayStats(_ string, fields map[string]any) {
	r.mu.Lock()
	r.writes = append(r.writes, fields)
	r.mu.Unlock()
}

func (r *recordingStats) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writes)
}

func TestHeartbeat_Publishes(t *testing.T) {
	b := newMockBroker()
	metrics := &recordingStats{}
	g, err := New(Config{Name: "hb", BrokerURL: "localhost", ClientID: "gw1"},
		Options{Dialer: dialerFor(b), Metrics: metrics})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := g.StartHeartbeat(10 * time.Millisecond); err != nil {
		t.Fatalf("StartHeartbeat() error = %v", err)
	}

	waitFor(t, "two heartbeats", func() bool { return len(b.publishedTo("msh/2/stat/gw1/heartbeat")) >= 2 })
	if err := g.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	beats := b.publishedTo("msh/2/stat/gw1/heartbeat")
	if beats[0].qos != 0 {
		t.Errorf("heartbeat qos = %d, want 0", beats[0].qos)
	}
	var s Stats
	if err := json.Unmarshal(beats[0].payload, &s); err != nil {
		t.Fatalf("heartbeat payload: %v", err)
	}
	if s.MQTTConnections != 1 {
		t.Errorf("heartbeat MQTTConnections = %d, want 1", s.MQTTConnections)
	}
	if metrics.count() < 2 {
		t.Errorf("stats writes = %d, want at least 2", metrics.count())
	}

	// No beats after Disconnect.
	n := len(b.publishedTo("msh/2/stat/gw1/heartbeat"))
	time.Sleep(30 * time.Millisecond)
	if got := len(b.publishedTo("msh/2/stat/gw1/heartbeat")); got != n {
		t.Errorf("heartbeats after disconnect = %d, want %d", got, n)
	}
}

func TestHeartbeat_FailureDoesNotStopLoop(t *testing.T) {
	b := newMockBroker()
	b.publishErr = errors.New("nope")
	g := connectTestGateway(t, b)
	if err := g.StartHeartbeat(5 * time.Millisecond); err != nil {
		t.Fatalf("StartHeartbeat() error = %v", err)
	}

	waitFor(t, "repeated attempts", func() bool { return b.publishAttempts() >= 3 })
}

func TestStats_Uptime(t *testing.T) {
	now := testTime
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	b := newMockBroker()
	g, err := New(Config{Name: "u", BrokerURL: "localhost"}, Options{Dialer: dialerFor(b), Now: clock})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer g.Disconnect() //nolint:errcheck // test cleanup

	mu.Lock()
	now = now.Add(90 * time.Second)
	mu.Unlock()

	if got := g.Stats().UptimeSeconds; got != 90 {
		t.Errorf("UptimeSeconds = %d, want 90", got)
	}
	if !strings.HasPrefix(g.Config().ClientID, "meshlink-") {
		t.Errorf("default ClientID = %q, want meshlink- prefix", g.Config().ClientID)
	}
}
