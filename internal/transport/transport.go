package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/meshlink-core/internal/mesh/packet"
)

// Kind is the link type used to reach a radio.
type Kind int

// Transport kinds.
const (
	KindSerial Kind = iota
	KindBluetooth
	KindTCP
)

func (k Kind) String() string {
	switch k {
	case KindSerial:
		return "serial"
	case KindBluetooth:
		return "bluetooth"
	case KindTCP:
		return "tcp"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind converts a name ("serial", "bluetooth", "tcp") to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "serial":
		return KindSerial, nil
	case "bluetooth", "ble":
		return KindBluetooth, nil
	case "tcp":
		return KindTCP, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupported, s)
	}
}

// State is the lifecycle of a link.
type State int

// Link states.
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

// DeviceInfo describes a discovered or addressed device. It is never
// modified after creation.
type DeviceInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Path         string `json:"path"`
	Kind         Kind   `json:"kind"`
	Manufacturer string `json:"manufacturer,omitempty"`
	VendorID     string `json:"vendor_id,omitempty"`
	ProductID    string `json:"product_id,omitempty"`
	Available    bool   `json:"available"`
}

// Node is a mesh node heard on one link.
type Node struct {
	Num       uint32
	User      *packet.User // nil until a NodeInfo arrives
	LastHeard time.Time
	SNR       float32
	RSSI      int32
}

// Stats holds link counters.
type Stats struct {
	BytesRead      uint64
	BytesWritten   uint64
	FramesReceived uint64
	FramesSent     uint64
	FrameErrors    uint64
	DecodeErrors   uint64
	BaudRate       int
	LastError      string
	ConnectedAt    time.Time
}

// Transport is the capability set every link type provides.
//
// Disconnect may be called any number of times. IsConnected never blocks
// on I/O. The channel returned by StartListening is closed by the
// transport when listening stops for any reason.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	Send(ctx context.Context, pkt *packet.MeshPacket) error
	Nodes(ctx context.Context) ([]Node, error)
	StartListening(ctx context.Context) (<-chan *packet.MeshPacket, error)
	StopListening()

	// NodeNum is the node number used as the source of outgoing packets.
	NodeNum() uint32
	Info() DeviceInfo
	State() State
	Stats() Stats
}

// Logger is the logging interface used by transports.
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

// New constructs a transport of the given kind. Kinds without an
// implementation fail with ErrUnsupported.
func New(kind Kind, info DeviceInfo, opts SerialOptions) (Transport, error) {
	switch kind {
	case KindSerial:
		info.Kind = KindSerial
		return NewSerial(info, opts), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, kind)
	}
}
