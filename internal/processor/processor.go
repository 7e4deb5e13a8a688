package processor

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/meshlink-core/internal/mesh/packet"
)

// Defaults for a Processor.
const (
	DefaultDedupCapacity   = 1000
	DefaultHistoryCapacity = 100

	// DefaultOnlineWindow is how recently a node must have been heard to count as online.
	DefaultOnlineWindow = 2 * time.Hour

	// sinkTimeout bounds one Store call.
	sinkTimeout = 5 * time.Second
)

// Options configures a Processor. Zero values take defaults.
type Options struct {
	DedupCapacity   int
	HistoryCapacity int
	OnlineWindow    time.Duration

	Store   Store
	Metrics MetricsWriter

	// Now replaces time.Now, for tests.
	Now func() time.Time
}

// Processor de-duplicates packets, maintains the node directory and
// message history, and fans messages out to subscribers.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - dedup, directory, history and subscribers each have their own mutex.
//   - Sinks and callbacks run with no lock held.
type Processor struct {
	opts Options

	dedupMu sync.Mutex
	seen    map[uint32]struct{}

	dirMu    sync.RWMutex
	identity map[uint32]Node
	live     map[uint32]liveness

	histMu  sync.RWMutex
	history []Message

	subsMu    sync.RWMutex
	subs      map[int]chan Message
	nextSub   int
	onMessage func(Message)

	logger   Logger
	loggerMu sync.RWMutex

	received   atomic.Uint64
	duplicates atomic.Uint64
	messages   atomic.Uint64
	recorded   atomic.Uint64
	dropped    atomic.Uint64
	sinkErrors atomic.Uint64
}

// New creates a Processor.
func New(opts Options) *Processor {
	if opts.DedupCapacity <= 0 {
		opts.DedupCapacity = DefaultDedupCapacity
	}
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = DefaultHistoryCapacity
	}
	if opts.OnlineWindow <= 0 {
		opts.OnlineWindow = DefaultOnlineWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Processor{
		opts:     opts,
		seen:     make(map[uint32]struct{}),
		identity: make(map[uint32]Node),
		live:     make(map[uint32]liveness),
		subs:     make(map[int]chan Message),
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the processor.
func (p *Processor) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	p.loggerMu.Lock()
	p.logger = logger
	p.loggerMu.Unlock()
}

func (p *Processor) log() Logger {
	p.loggerMu.RLock()
	defer p.loggerMu.RUnlock()
	return p.logger
}

// SetOnMessage registers the host message callback. Pass nil to remove it.
// The callback runs on the processing goroutine and must not block.
func (p *Processor) SetOnMessage(fn func(Message)) {
	p.subsMu.Lock()
	p.onMessage = fn
	p.subsMu.Unlock()
}

// Subscribe returns a channel receiving every emitted message and a func
// that unsubscribes and closes it. A full channel drops messages.
func (p *Processor) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Message, buffer)

	p.subsMu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch
	p.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.subsMu.Lock()
			delete(p.subs, id)
			p.subsMu.Unlock()
			close(ch)
		})
	}
}

// Outcome says what Handle did with a packet.
type Outcome int

const (
	// OutcomeIgnored is a nil packet.
	OutcomeIgnored Outcome = iota
	// OutcomeDuplicate is a packet id already seen; nothing was updated.
	OutcomeDuplicate
	// OutcomeRecorded is a new packet counted without a message event.
	OutcomeRecorded
	// OutcomeEmitted is a new packet that produced a message event.
	OutcomeEmitted
)

// Fresh reports whether the packet was new to the processor.
func (o Outcome) Fresh() bool {
	return o == OutcomeRecorded || o == OutcomeEmitted
}

// Process handles one decoded packet. It returns the emitted message, or
// false when the packet was a duplicate or carries nothing user-facing.
func (p *Processor) Process(ctx context.Context, pkt *packet.MeshPacket) (Message, bool) {
	msg, out := p.Handle(ctx, pkt)
	return msg, out == OutcomeEmitted
}

// Handle is Process with the outcome spelled out, so callers can tell a
// duplicate from a packet that was new but carried no message.
func (p *Processor) Handle(ctx context.Context, pkt *packet.MeshPacket) (Message, Outcome) {
	if pkt == nil {
		return Message{}, OutcomeIgnored
	}
	p.received.Add(1)

	if p.isDuplicate(pkt.ID) {
		p.duplicates.Add(1)
		p.log().Debug("dropping duplicate packet", "id", pkt.ID, "from", pkt.From)
		return Message{}, OutcomeDuplicate
	}

	now := p.opts.Now()
	p.touch(pkt, now)

	var (
		msg       Message
		emit      bool
		upserted  *Node
		nodeID    = packet.NodeIDString(pkt.From)
		telemetry map[string]any
	)

	switch v := pkt.Payload.(type) {
	case packet.Text:
		msg, emit = p.newMessage(pkt, TypeText, string(v), now), true

	case packet.NodeInfo:
		n := p.upsert(pkt.From, v.User, now)
		upserted = &n
		msg, emit = p.newMessage(pkt, TypeNodeInfo, fmt.Sprintf("Node info: %s (%s)", v.User.LongName, v.User.ShortName), now), true

	case packet.Position:
		c := Coordinates{Latitude: v.Latitude(), Longitude: v.Longitude(), Altitude: v.Altitude}
		text := fmt.Sprintf("Position: %.7f, %.7f, %dm", c.Latitude, c.Longitude, c.Altitude)
		msg, emit = p.newMessage(pkt, TypePosition, text, now), true
		msg.Position = &c
		if m := p.opts.Metrics; m != nil {
			m.WriteNodePosition(nodeID, c.Latitude, c.Longitude, c.Altitude, now)
		}

	case packet.Telemetry:
		msg, emit = p.newMessage(pkt, TypeTelemetry, FormatTelemetry(v), now), true
		telemetry = telemetryFields(v)

	default:
		// Routing, admin, raw and empty payloads are counted only.
		p.recorded.Add(1)
	}

	if m := p.opts.Metrics; m != nil {
		if pkt.RxRSSI != 0 || pkt.RxSNR != 0 {
			m.WriteLinkQuality(nodeID, pkt.RxRSSI, pkt.RxSNR, pkt.HopLimit, now)
		}
		if len(telemetry) > 0 {
			m.WriteNodeTelemetry(nodeID, telemetry, now)
		}
	}

	if upserted != nil {
		p.saveNode(ctx, *upserted)
	}
	if !emit {
		return Message{}, OutcomeRecorded
	}

	p.appendHistory(msg)
	p.messages.Add(1)
	p.saveMessage(ctx, msg)
	p.publish(msg)
	return msg, OutcomeEmitted
}

// RecordOutgoing adds a locally sent message to history and notifies subscribers.
func (p *Processor) RecordOutgoing(ctx context.Context, msg Message) {
	msg.IsFromMe = true
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = p.opts.Now()
	}
	p.appendHistory(msg)
	p.saveMessage(ctx, msg)
	p.publish(msg)
}

// isDuplicate records id and reports whether it was already seen.
// Id 0 carries no identity and is never treated as a duplicate.
func (p *Processor) isDuplicate(id uint32) bool {
	if id == 0 {
		return false
	}

	p.dedupMu.Lock()
	defer p.dedupMu.Unlock()

	if _, ok := p.seen[id]; ok {
		return true
	}
	p.seen[id] = struct{}{}
	if len(p.seen) > p.opts.DedupCapacity {
		clear(p.seen)
		p.seen[id] = struct{}{}
	}
	return false
}

// touch refreshes the sender's liveness from any packet.
func (p *Processor) touch(pkt *packet.MeshPacket, now time.Time) {
	if pkt.From == 0 || packet.IsBroadcast(pkt.From) {
		return
	}

	p.dirMu.Lock()
	defer p.dirMu.Unlock()

	l := p.live[pkt.From]
	l.lastSeen = now
	if pkt.RxSNR != 0 || pkt.RxRSSI != 0 {
		l.snr = pkt.RxSNR
		l.rssi = pkt.RxRSSI
	}
	if t, ok := pkt.Payload.(packet.Telemetry); ok && t.Device != nil {
		battery, voltage := t.Device.BatteryLevel, t.Device.Voltage
		l.battery = &battery
		l.voltage = &voltage
	}
	p.live[pkt.From] = l
}

// upsert replaces the identity half of a directory entry.
func (p *Processor) upsert(num uint32, u packet.User, now time.Time) Node {
	p.dirMu.Lock()
	defer p.dirMu.Unlock()

	p.identity[num] = nodeFromUser(num, u)
	return p.mergeLocked(num, now)
}

func (p *Processor) mergeLocked(num uint32, now time.Time) Node {
	n := p.identity[num]
	if l, ok := p.live[num]; ok {
		n.LastSeen = l.lastSeen
		n.Online = !l.lastSeen.IsZero() && now.Sub(l.lastSeen) < p.opts.OnlineWindow
		n.BatteryLevel = l.battery
		n.Voltage = l.voltage
		n.SNR = l.snr
		n.RSSI = l.rssi
	}
	return n
}

func (p *Processor) newMessage(pkt *packet.MeshPacket, typ MessageType, text string, now time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		From:      packet.AddressString(pkt.From),
		To:        packet.AddressString(pkt.To),
		Text:      text,
		Timestamp: now,
		WantAck:   pkt.WantAck,
		PacketID:  pkt.ID,
		HopLimit:  pkt.HopLimit,
		Channel:   pkt.Channel,
		Type:      typ,
		RSSI:      pkt.RxRSSI,
		SNR:       pkt.RxSNR,
	}
}

func (p *Processor) appendHistory(msg Message) {
	p.histMu.Lock()
	defer p.histMu.Unlock()

	p.history = append(p.history, msg)
	if over := len(p.history) - p.opts.HistoryCapacity; over > 0 {
		p.history = slices.Delete(p.history, 0, over)
	}
}

func (p *Processor) publish(msg Message) {
	p.subsMu.RLock()
	fn := p.onMessage
	for _, ch := range p.subs {
		select {
		case ch <- msg:
		default:
			p.dropped.Add(1)
		}
	}
	p.subsMu.RUnlock()

	if fn != nil {
		fn(msg)
	}
}

func (p *Processor) saveNode(ctx context.Context, n Node) {
	s := p.opts.Store
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	if err := s.SaveNode(ctx, n); err != nil {
		p.sinkErrors.Add(1)
		p.log().Warn("persisting node failed", "node", n.ID, "error", err)
	}
}

func (p *Processor) saveMessage(ctx context.Context, msg Message) {
	s := p.opts.Store
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	if err := s.SaveMessage(ctx, msg); err != nil {
		p.sinkErrors.Add(1)
		p.log().Warn("persisting message failed", "id", msg.ID, "error", err)
	}
}

// ===== Reads =====

// History returns up to limit of the most recent messages, oldest first.
// A limit of zero or less returns the whole history.
func (p *Processor) History(limit int) []Message {
	p.histMu.RLock()
	defer p.histMu.RUnlock()

	start := 0
	if limit > 0 && limit < len(p.history) {
		start = len(p.history) - limit
	}
	return slices.Clone(p.history[start:])
}

// ClearHistory empties the message history.
func (p *Processor) ClearHistory() {
	p.histMu.Lock()
	p.history = nil
	p.histMu.Unlock()
}

// Nodes returns every directory entry ordered by node number.
func (p *Processor) Nodes() []Node {
	now := p.opts.Now()

	p.dirMu.RLock()
	defer p.dirMu.RUnlock()

	nums := slices.Sorted(maps.Keys(p.identity))
	nodes := make([]Node, 0, len(nums))
	for _, num := range nums {
		nodes = append(nodes, p.mergeLocked(num, now))
	}
	return nodes
}

// Node returns one directory entry.
func (p *Processor) Node(num uint32) (Node, bool) {
	now := p.opts.Now()

	p.dirMu.RLock()
	defer p.dirMu.RUnlock()

	if _, ok := p.identity[num]; !ok {
		return Node{}, false
	}
	return p.mergeLocked(num, now), true
}

// ResetDirectory removes every node. It is the only way entries leave the directory.
func (p *Processor) ResetDirectory() {
	p.dirMu.Lock()
	clear(p.identity)
	clear(p.live)
	p.dirMu.Unlock()
}

// Restore warm-starts the directory and history from persisted state.
// History beyond capacity keeps the newest entries.
func (p *Processor) Restore(nodes []Node, messages []Message) {
	p.dirMu.Lock()
	for _, n := range nodes {
		p.identity[n.Num] = Node{
			Num: n.Num, ID: n.ID, LongName: n.LongName, ShortName: n.ShortName,
			HWModel: n.HWModel, Role: n.Role, IsLicensed: n.IsLicensed,
		}
		if !n.LastSeen.IsZero() {
			p.live[n.Num] = liveness{
				lastSeen: n.LastSeen,
				battery:  n.BatteryLevel,
				voltage:  n.Voltage,
				snr:      n.SNR,
				rssi:     n.RSSI,
			}
		}
	}
	p.dirMu.Unlock()

	if over := len(messages) - p.opts.HistoryCapacity; over > 0 {
		messages = messages[over:]
	}
	p.histMu.Lock()
	p.history = append(slices.Clone(messages), p.history...)
	if over := len(p.history) - p.opts.HistoryCapacity; over > 0 {
		p.history = p.history[over:]
	}
	p.histMu.Unlock()
}

// Stats returns a snapshot of the counters.
func (p *Processor) Stats() Stats {
	p.dirMu.RLock()
	nodes := len(p.identity)
	p.dirMu.RUnlock()

	p.histMu.RLock()
	size := len(p.history)
	p.histMu.RUnlock()

	return Stats{
		Received:    p.received.Load(),
		Duplicates:  p.duplicates.Load(),
		Messages:    p.messages.Load(),
		Recorded:    p.recorded.Load(),
		Dropped:     p.dropped.Load(),
		SinkErrors:  p.sinkErrors.Load(),
		Nodes:       nodes,
		HistorySize: size,
	}
}

// ===== Telemetry formatting =====

// FormatTelemetry renders every populated metric group on one line.
func FormatTelemetry(t packet.Telemetry) string {
	var parts []string
	if d := t.Device; d != nil {
		parts = append(parts, fmt.Sprintf("Battery: %d%%, Voltage: %.2fV, ChUtil: %.1f%%, AirUtil: %.1f%%, Uptime: %ds",
			d.BatteryLevel, d.Voltage, d.ChannelUtilization, d.AirUtilTx, d.UptimeSeconds))
	}
	if e := t.Environment; e != nil {
		parts = append(parts, fmt.Sprintf("Temperature: %.1f°C, Humidity: %.1f%%, Pressure: %.1fhPa",
			e.Temperature, e.RelativeHumidity, e.BarometricPressure))
	}
	if pw := t.Power; pw != nil {
		parts = append(parts, fmt.Sprintf("Ch1: %.2fV %.1fmA, Ch2: %.2fV %.1fmA",
			pw.Ch1Voltage, pw.Ch1Current, pw.Ch2Voltage, pw.Ch2Current))
	}
	if len(parts) == 0 {
		return "Telemetry: no metrics"
	}
	return "Telemetry: " + strings.Join(parts, "; ")
}

func telemetryFields(t packet.Telemetry) map[string]any {
	fields := make(map[string]any)
	if d := t.Device; d != nil {
		fields["battery_level"] = int64(d.BatteryLevel)
		fields["voltage"] = float64(d.Voltage)
		fields["channel_utilization"] = float64(d.ChannelUtilization)
		fields["air_util_tx"] = float64(d.AirUtilTx)
		fields["uptime_seconds"] = int64(d.UptimeSeconds)
	}
	if e := t.Environment; e != nil {
		fields["temperature"] = float64(e.Temperature)
		fields["relative_humidity"] = float64(e.RelativeHumidity)
		fields["barometric_pressure"] = float64(e.BarometricPressure)
	}
	if pw := t.Power; pw != nil {
		fields["ch1_voltage"] = float64(pw.Ch1Voltage)
		fields["ch1_current"] = float64(pw.Ch1Current)
		fields["ch2_voltage"] = float64(pw.Ch2Voltage)
		fields["ch2_current"] = float64(pw.Ch2Current)
	}
	return fields
}
