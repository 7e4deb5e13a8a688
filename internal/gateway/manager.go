package gateway

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/meshlink-core/internal/mesh/packet"
)

// Info summarises one managed gateway.
type Info struct {
	Name        string `json:"name"`
	BrokerURL   string `json:"broker_url"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
	Connected   bool   `json:"connected"`
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// HeartbeatInterval applies to every gateway connected by the manager.
	HeartbeatInterval time.Duration

	Dialer  Dialer
	Metrics StatsWriter
	Logger  Logger
	Now     func() time.Time
}

// Manager holds gateways by name.
//
// Thread Safety:
//   - The table lock is released before any broker I/O.
type Manager struct {
	opts ManagerOptions

	mu       sync.RWMutex
	gateways map[string]*Gateway

	cbMu       sync.RWMutex
	onEnvelope func(gateway string, env Envelope)
}

// NewManager creates an empty gateway manager.
func NewManager(opts ManagerOptions) *Manager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Manager{
		opts:     opts,
		gateways: make(map[string]*Gateway),
	}
}

// Add registers a gateway without connecting it.
func (m *Manager) Add(cfg Config) (*Gateway, error) {
	g, err := New(cfg, Options{
		Dialer:  m.opts.Dialer,
		Metrics: m.opts.Metrics,
		Logger:  m.opts.Logger,
		Now:     m.opts.Now,
	})
	if err != nil {
		return nil, err
	}
	name := g.Name()
	g.SetOnEnvelope(func(env Envelope) { m.envelope(name, env) })

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.gateways[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrGatewayExists, g.Name())
	}
	m.gateways[g.Name()] = g
	return g, nil
}

// SetOnEnvelope registers fn for envelopes that any gateway receives from
// other bridges. fn runs on that gateway's event loop and must not block.
// A nil fn stops delivery.
func (m *Manager) SetOnEnvelope(fn func(gateway string, env Envelope)) {
	m.cbMu.Lock()
	m.onEnvelope = fn
	m.cbMu.Unlock()
}

func (m *Manager) envelope(name string, env Envelope) {
	m.cbMu.RLock()
	fn := m.onEnvelope
	m.cbMu.RUnlock()
	if fn != nil {
		fn(name, env)
	}
}

// Remove disconnects and forgets a gateway.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	g, ok := m.gateways[name]
	delete(m.gateways, name)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrGatewayNotFound, name)
	}
	return g.Disconnect()
}

// Get returns a gateway by name.
func (m *Manager) Get(name string) (*Gateway, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGatewayNotFound, name)
	}
	return g, nil
}

// Connect connects a gateway and starts its event loop and heartbeat.
// If either loop cannot start the connection is torn down again.
func (m *Manager) Connect(ctx context.Context, name string) error {
	g, err := m.Get(name)
	if err != nil {
		return err
	}
	if err := g.Connect(ctx); err != nil {
		return err
	}
	if err := g.StartEventLoop(); err != nil {
		return errors.Join(err, g.Disconnect())
	}
	if err := g.StartHeartbeat(m.opts.HeartbeatInterval); err != nil {
		return errors.Join(err, g.Disconnect())
	}
	return nil
}

// Disconnect disconnects a gateway. It stays registered.
func (m *Manager) Disconnect(name string) error {
	g, err := m.Get(name)
	if err != nil {
		return err
	}
	return g.Disconnect()
}

// Process bridges a packet through one gateway.
func (m *Manager) Process(ctx context.Context, name string, pkt *packet.MeshPacket) error {
	g, err := m.Get(name)
	if err != nil {
		return err
	}
	return g.Process(ctx, pkt)
}

// Broadcast bridges a packet through every connected gateway and returns
// the joined publish errors.
func (m *Manager) Broadcast(ctx context.Context, pkt *packet.MeshPacket) error {
	var errs []error
	for _, g := range m.snapshot() {
		if !g.IsConnected() {
			continue
		}
		if err := g.Process(ctx, pkt); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", g.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Stats returns one gateway's counters.
func (m *Manager) Stats(name string) (Stats, error) {
	g, err := m.Get(name)
	if err != nil {
		return Stats{}, err
	}
	return g.Stats(), nil
}

// List returns every gateway ordered by name.
func (m *Manager) List() []Info {
	gateways := m.snapshot()
	infos := make([]Info, 0, len(gateways))
	for _, g := range gateways {
		infos = append(infos, Info{
			Name:        g.cfg.Name,
			BrokerURL:   g.cfg.BrokerURL,
			ClientID:    g.cfg.ClientID,
			TopicPrefix: g.cfg.TopicPrefix,
			Connected:   g.IsConnected(),
		})
	}
	return infos
}

// Close disconnects every gateway.
func (m *Manager) Close() error {
	var errs []error
	for _, g := range m.snapshot() {
		if err := g.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", g.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) snapshot() []*Gateway {
	m.mu.RLock()
	gateways := make([]*Gateway, 0, len(m.gateways))
	for _, g := range m.gateways {
		gateways = append(gateways, g)
	}
	m.mu.RUnlock()

	slices.SortFunc(gateways, func(a, b *Gateway) int { return cmp.Compare(a.Name(), b.Name()) })
	return gateways
}
