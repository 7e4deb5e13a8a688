package manager

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/meshlink-core/internal/mesh/packet"
	"github.com/nerrad567/meshlink-core/internal/radio"
	"github.com/nerrad567/meshlink-core/internal/transport"
)

// State is the lifecycle of a session.
type State int

// Session states. A session moves Disconnected -> Connecting -> Connected
// and then ends in Error (the link failed) or Disconnected (the host asked).
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Session is a snapshot of one device connection.
type Session struct {
	ID           string               `json:"id"`
	Device       transport.DeviceInfo `json:"device"`
	State        State                `json:"state"`
	Error        string               `json:"error,omitempty"`
	NodeNum      uint32               `json:"node_num"`
	ConnectedAt  time.Time            `json:"connected_at,omitzero"`
	LastActivity time.Time            `json:"last_activity,omitzero"`
	Radio        radio.Config         `json:"radio"`
}

// DeviceStats holds per-session counters merged with the link's own.
type DeviceStats struct {
	MessagesSent     uint64          `json:"messages_sent"`
	MessagesReceived uint64          `json:"messages_received"`
	DecodeErrors     uint64          `json:"decode_errors"`
	LastRSSI         int32           `json:"last_rssi"`
	LastSNR          float32         `json:"last_snr"`
	BatteryLevel     *uint32         `json:"battery_level,omitempty"`
	Link             transport.Stats `json:"link"`
}

// session is one live entry in the session table.
type session struct {
	id   string
	info transport.DeviceInfo
	t    transport.Transport

	mu           sync.RWMutex
	state        State
	errMsg       string
	connectedAt  time.Time
	lastActivity time.Time
	radio        radio.Config
	lastRSSI     int32
	lastSNR      float32
	battery      *uint32

	sent     atomic.Uint64
	received atomic.Uint64

	// closing is set by Disconnect so the pump can tell a requested stop
	// from a lost link.
	closing atomic.Bool
	done    chan struct{}
}

func newSession(id string, info transport.DeviceInfo, t transport.Transport, cfg radio.Config) *session {
	return &session{
		id:    id,
		info:  info,
		t:     t,
		state: StateConnecting,
		radio: cfg,
		done:  make(chan struct{}),
	}
}

func (s *session) setState(state State, errMsg string) {
	s.mu.Lock()
	s.state = state
	s.errMsg = errMsg
	s.mu.Unlock()
}

func (s *session) connected(now time.Time) {
	s.mu.Lock()
	s.state = StateConnected
	s.errMsg = ""
	s.connectedAt = now
	s.lastActivity = now
	s.mu.Unlock()
}

// touch records a packet heard on the link.
func (s *session) touch(pkt *packet.MeshPacket, now time.Time) {
	s.received.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity = now
	if pkt.RxRSSI != 0 || pkt.RxSNR != 0 {
		s.lastRSSI = pkt.RxRSSI
		s.lastSNR = pkt.RxSNR
	}
	if pkt.From != s.t.NodeNum() {
		return
	}
	if tel, ok := pkt.Payload.(packet.Telemetry); ok && tel.Device != nil {
		level := tel.Device.BatteryLevel
		s.battery = &level
	}
}

func (s *session) sentOne(now time.Time) {
	s.sent.Add(1)
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *session) setRadio(cfg radio.Config) {
	s.mu.Lock()
	s.radio = cfg
	s.mu.Unlock()
}

func (s *session) radioConfig() radio.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.radio
}

func (s *session) snapshot() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Session{
		ID:           s.id,
		Device:       s.info,
		State:        s.state,
		Error:        s.errMsg,
		NodeNum:      s.t.NodeNum(),
		ConnectedAt:  s.connectedAt,
		LastActivity: s.lastActivity,
		Radio:        s.radio,
	}
}

func (s *session) stats() DeviceStats {
	link := s.t.Stats()

	s.mu.RLock()
	defer s.mu.RUnlock()

	st := DeviceStats{
		MessagesSent:     s.sent.Load(),
		MessagesReceived: s.received.Load(),
		DecodeErrors:     link.DecodeErrors,
		LastRSSI:         s.lastRSSI,
		LastSNR:          s.lastSNR,
		Link:             link,
	}
	if s.battery != nil {
		level := *s.battery
		st.BatteryLevel = &level
	}
	return st
}
