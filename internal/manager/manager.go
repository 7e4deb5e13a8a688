package manager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/meshlink-core/internal/gateway"
	"github.com/nerrad567/meshlink-core/internal/mesh/packet"
	"github.com/nerrad567/meshlink-core/internal/processor"
	"github.com/nerrad567/meshlink-core/internal/radio"
	"github.com/nerrad567/meshlink-core/internal/transport"
)

// Broadcast pseudo-node names shown at the top of every node list.
const (
	broadcastLongName  = "All Nodes"
	broadcastShortName = "ALL"
)

// TransportFactory builds the transport for a connect request.
type TransportFactory func(kind transport.Kind, info transport.DeviceInfo) (transport.Transport, error)

// Scanner lists candidate devices.
type Scanner func(ctx context.Context) ([]transport.DeviceInfo, error)

// HistoryStore is the persisted side of the message history.
type HistoryStore interface {
	ClearMessages(ctx context.Context) (int64, error)
}

// Logger is the logging interface used by the manager.
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

// Options configures a Manager. Zero values take defaults.
type Options struct {
	// Processor is shared by every session. Default: processor.New with defaults.
	Processor *processor.Processor

	// Gateways receives every packet heard on any session. Default: an empty manager.
	Gateways *gateway.Manager

	// Radio is the config a new session starts with. Default: radio.DefaultConfig.
	Radio radio.Config

	// Serial configures transports built by the default factory.
	Serial transport.SerialOptions

	// NewTransport replaces transport.New, mainly for tests.
	NewTransport TransportFactory

	// Scan replaces transport.Scan.
	Scan Scanner

	// History, when set, is cleared along with the in-memory history.
	History HistoryStore

	Logger Logger
	Now    func() time.Time
}

// Manager routes host calls to sessions, the processor and gateways.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - The session table lock is never held during transport or broker I/O.
type Manager struct {
	opts Options

	proc     *processor.Processor
	gateways *gateway.Manager

	// ctx outlives the calls that start pumps; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
}

// New creates a Manager. Close must be called to release its sessions.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Processor == nil {
		opts.Processor = processor.New(processor.Options{Now: opts.Now})
	}
	if opts.Gateways == nil {
		opts.Gateways = gateway.NewManager(gateway.ManagerOptions{Logger: opts.Logger, Now: opts.Now})
	}
	if opts.Radio == (radio.Config{}) {
		opts.Radio = radio.DefaultConfig()
	}
	if opts.NewTransport == nil {
		opts.NewTransport = defaultFactory(opts.Serial, opts.Logger)
	}
	if opts.Scan == nil {
		opts.Scan = transport.Scan
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		proc:     opts.Processor,
		gateways: opts.Gateways,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
}

func defaultFactory(serialOpts transport.SerialOptions, logger Logger) TransportFactory {
	return func(kind transport.Kind, info transport.DeviceInfo) (transport.Transport, error) {
		t, err := transport.New(kind, info, serialOpts)
		if err != nil {
			return nil, err
		}
		if s, ok := t.(*transport.Serial); ok {
			s.SetLogger(logger)
		}
		return t, nil
	}
}

// Processor returns the shared processor.
func (m *Manager) Processor() *processor.Processor {
	return m.proc
}

// Gateways returns the gateway manager.
func (m *Manager) Gateways() *gateway.Manager {
	return m.gateways
}

// ===== Devices =====

// Scan lists serial ports that look like mesh radios.
func (m *Manager) Scan(ctx context.Context) ([]transport.DeviceInfo, error) {
	return m.opts.Scan(ctx)
}

// Connect opens a device and starts its pump. It returns the new session id.
// Kinds without an implementation fail with transport.ErrUnsupported.
func (m *Manager) Connect(ctx context.Context, path string, kind transport.Kind) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: empty device path", transport.ErrPortNotFound)
	}

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return "", ErrClosed
	}

	info := transport.DeviceInfo{
		ID:        path,
		Name:      filepath.Base(path),
		Path:      path,
		Kind:      kind,
		Available: true,
	}
	t, err := m.opts.NewTransport(kind, info)
	if err != nil {
		return "", err
	}

	s := newSession(uuid.NewString(), info, t, m.opts.Radio)

	if err := t.Connect(ctx); err != nil {
		return "", err
	}

	packets, err := t.StartListening(m.ctx)
	if err != nil {
		_ = t.Disconnect() //nolint:errcheck // already failing
		return "", fmt.Errorf("starting listener: %w", err)
	}

	s.connected(m.opts.Now())
	go m.pump(s, packets)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = m.shutdown(s) //nolint:errcheck // manager already closed
		return "", ErrClosed
	}
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.opts.Logger.Info("device connected", "session", s.id, "path", path, "kind", kind.String())
	return s.id, nil
}

// pump forwards every packet from one session until its channel closes.
// Duplicates stop at the processor and are not bridged.
func (m *Manager) pump(s *session, packets <-chan *packet.MeshPacket) {
	defer close(s.done)

	for pkt := range packets {
		s.touch(pkt, m.opts.Now())
		if _, out := m.proc.Handle(m.ctx, pkt); !out.Fresh() {
			continue
		}
		if err := m.gateways.Broadcast(m.ctx, pkt); err != nil {
			m.opts.Logger.Warn("gateway publish failed", "session", s.id, "error", err)
		}
	}

	if s.closing.Load() {
		return
	}
	reason := s.t.Stats().LastError
	if reason == "" {
		reason = "link lost"
	}
	s.setState(StateError, reason)
	m.opts.Logger.Warn("device link lost", "session", s.id, "reason", reason)
}

// Disconnect stops a session and removes it from the table.
func (m *Manager) Disconnect(id string) error {
	s, err := m.take(id)
	if err != nil {
		return err
	}
	return m.shutdown(s)
}

func (m *Manager) shutdown(s *session) error {
	s.closing.Store(true)
	s.t.StopListening()
	err := s.t.Disconnect()
	<-s.done
	s.setState(StateDisconnected, "")

	m.opts.Logger.Info("device disconnected", "session", s.id)
	if err != nil {
		return fmt.Errorf("disconnecting %s: %w", s.id, err)
	}
	return nil
}

// SendMessage sends text to dest ("", "broadcast", "!hex" or decimal).
// The message is recorded in history as our own.
func (m *Manager) SendMessage(ctx context.Context, id, text, dest string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	to, err := packet.ParseDestination(dest)
	if err != nil {
		return err
	}

	from := s.t.NodeNum()
	pkt := packet.NewText(from, to, text)
	if err := s.t.Send(ctx, pkt); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	now := m.opts.Now()
	s.sentOne(now)

	m.proc.RecordOutgoing(ctx, processor.Message{
		From:      packet.AddressString(from),
		To:        packet.AddressString(to),
		Text:      text,
		Timestamp: now,
		WantAck:   pkt.WantAck,
		PacketID:  pkt.ID,
		HopLimit:  pkt.HopLimit,
		Channel:   pkt.Channel,
		Type:      processor.TypeText,
	})
	return nil
}

// Nodes returns the nodes heard on a session, led by the broadcast
// pseudo-node. Identity from the shared directory wins over the link's
// own view.
func (m *Manager) Nodes(ctx context.Context, id string) ([]processor.Node, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	heard, err := s.t.Nodes(ctx)
	if err != nil {
		return nil, err
	}

	now := m.opts.Now()
	nodes := make([]processor.Node, 0, len(heard)+1)
	nodes = append(nodes, processor.Node{
		Num:       packet.BroadcastAddr,
		ID:        packet.BroadcastName,
		LongName:  broadcastLongName,
		ShortName: broadcastShortName,
		Online:    true,
	})

	for _, h := range heard {
		if n, ok := m.proc.Node(h.Num); ok {
			nodes = append(nodes, n)
			continue
		}
		n := processor.Node{
			Num:      h.Num,
			ID:       packet.NodeIDString(h.Num),
			LastSeen: h.LastHeard,
			SNR:      h.SNR,
			RSSI:     h.RSSI,
			Online:   !h.LastHeard.IsZero() && now.Sub(h.LastHeard) <= processor.DefaultOnlineWindow,
		}
		if u := h.User; u != nil {
			if u.ID != "" {
				n.ID = u.ID
			}
			n.LongName = u.LongName
			n.ShortName = u.ShortName
			n.HWModel = u.HWModel
			n.Role = u.Role
			n.IsLicensed = u.IsLicensed
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// Sessions returns every session ordered by connect time.
func (m *Manager) Sessions() []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.snapshot())
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Session) int {
		if c := a.ConnectedAt.Compare(b.ConnectedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Session returns one session.
func (m *Manager) Session(id string) (Session, error) {
	s, err := m.lookup(id)
	if err != nil {
		return Session{}, err
	}
	return s.snapshot(), nil
}

// DeviceStats returns the counters for one session.
func (m *Manager) DeviceStats(id string) (DeviceStats, error) {
	s, err := m.lookup(id)
	if err != nil {
		return DeviceStats{}, err
	}
	return s.stats(), nil
}

// ===== History =====

// History returns up to limit recent messages. The history is shared by
// every session; id only has to name a live one.
func (m *Manager) History(id string, limit int) ([]processor.Message, error) {
	if _, err := m.lookup(id); err != nil {
		return nil, err
	}
	return m.proc.History(limit), nil
}

// ClearHistory empties the message history, persisted copy included.
func (m *Manager) ClearHistory(ctx context.Context, id string) error {
	if _, err := m.lookup(id); err != nil {
		return err
	}
	m.proc.ClearHistory()
	if m.opts.History == nil {
		return nil
	}
	if _, err := m.opts.History.ClearMessages(ctx); err != nil {
		return fmt.Errorf("clearing stored history: %w", err)
	}
	return nil
}

// SetMessageCallback registers fn for every emitted message. nil removes it.
func (m *Manager) SetMessageCallback(fn func(processor.Message)) {
	m.proc.SetOnMessage(fn)
}

// ProcessorStats returns the shared processor counters.
func (m *Manager) ProcessorStats() processor.Stats {
	return m.proc.Stats()
}

// ===== Radio =====

// SetRadioConfig validates cfg and replaces the session's config with it.
// When the device is connected the config is sent to it as an admin packet.
func (m *Manager) SetRadioConfig(ctx context.Context, id string, cfg radio.Config) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.setRadio(cfg)

	if !s.t.IsConnected() {
		return nil
	}
	self := s.t.NodeNum()
	if err := s.t.Send(ctx, packet.NewAdmin(self, self, cfg.AdminPayload())); err != nil {
		return fmt.Errorf("%w: radio config: %w", ErrSendFailed, err)
	}
	s.sentOne(m.opts.Now())
	m.opts.Logger.Info("radio config sent", "session", id, "region", cfg.Region, "preset", cfg.Preset)
	return nil
}

// RadioConfig returns the session's current radio config.
func (m *Manager) RadioConfig(id string) (radio.Config, error) {
	s, err := m.lookup(id)
	if err != nil {
		return radio.Config{}, err
	}
	return s.radioConfig(), nil
}

// ValidateRadioConfig checks cfg without applying it.
func (m *Manager) ValidateRadioConfig(cfg radio.Config) error {
	return cfg.Validate()
}

// RadioPresets lists the presets usable in region.
func (m *Manager) RadioPresets(region radio.Region) []radio.Preset {
	return radio.PresetsFor(region)
}

// ===== Gateways =====

// AddGateway registers a gateway without connecting it.
func (m *Manager) AddGateway(cfg gateway.Config) error {
	_, err := m.gateways.Add(cfg)
	return err
}

// RemoveGateway disconnects and forgets a gateway.
func (m *Manager) RemoveGateway(name string) error {
	return m.gateways.Remove(name)
}

// ConnectGateway connects a gateway and starts its event loop and heartbeat.
func (m *Manager) ConnectGateway(ctx context.Context, name string) error {
	return m.gateways.Connect(ctx, name)
}

// DisconnectGateway disconnects a gateway.
func (m *Manager) DisconnectGateway(name string) error {
	return m.gateways.Disconnect(name)
}

// GatewayStats returns one gateway's counters.
func (m *Manager) GatewayStats(name string) (gateway.Stats, error) {
	return m.gateways.Stats(name)
}

// ListGateways summarises every gateway.
func (m *Manager) ListGateways() []gateway.Info {
	return m.gateways.List()
}

// ===== Lifecycle =====

// Close disconnects every session in parallel, then every gateway.
// Calling Close again is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	clear(m.sessions)
	m.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error { return m.shutdown(s) })
	}
	sessionErr := g.Wait()

	m.cancel()
	return errors.Join(sessionErr, m.gateways.Close())
}

func (m *Manager) lookup(id string) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return s, nil
}

func (m *Manager) take(id string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	delete(m.sessions, id)
	return s, nil
}

