package processor

import (
	"context"
	"time"

	"github.com/nerrad567/meshlink-core/internal/mesh/packet"
)

// MessageType tags a Message with the payload it came from.
type MessageType int

// Message types. The numeric values are part of the host contract.
const (
	TypeText      MessageType = 0
	TypePosition  MessageType = 1
	TypeNodeInfo  MessageType = 2
	TypeTelemetry MessageType = 3
	TypeRouting   MessageType = 4
	TypeAdmin     MessageType = 5
)

func (t MessageType) String() string {
	switch t {
	case TypeText:
		return "text"
	case TypePosition:
		return "position"
	case TypeNodeInfo:
		return "nodeinfo"
	case TypeTelemetry:
		return "telemetry"
	case TypeRouting:
		return "routing"
	case TypeAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// Coordinates is a position in degrees.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  int32   `json:"altitude"`
}

// Message is the user-facing projection of a packet. It is derived, never
// sent on the wire.
type Message struct {
	ID        string       `json:"id"`
	From      string       `json:"from"`
	To        string       `json:"to"`
	Text      string       `json:"text"`
	Timestamp time.Time    `json:"timestamp"`
	WantAck   bool         `json:"want_ack"`
	PacketID  uint32       `json:"packet_id"`
	HopLimit  uint32       `json:"hop_limit"`
	Channel   uint32       `json:"channel"`
	Type      MessageType  `json:"message_type"`
	IsFromMe  bool         `json:"is_from_me"`
	RSSI      int32        `json:"rssi,omitempty"`
	SNR       float32      `json:"snr,omitempty"`
	Position  *Coordinates `json:"position,omitempty"`
}

// Node is the host view of a directory entry: identity merged with liveness.
type Node struct {
	Num          uint32    `json:"num"`
	ID           string    `json:"id"`
	LongName     string    `json:"long_name"`
	ShortName    string    `json:"short_name"`
	HWModel      uint32    `json:"hw_model"`
	Role         uint32    `json:"role"`
	IsLicensed   bool      `json:"is_licensed"`
	Online       bool      `json:"online"`
	LastSeen     time.Time `json:"last_seen,omitzero"`
	BatteryLevel *uint32   `json:"battery_level,omitempty"`
	Voltage      *float32  `json:"voltage,omitempty"`
	SNR          float32   `json:"snr,omitempty"`
	RSSI         int32     `json:"rssi,omitempty"`
}

// Stats holds processor counters.
type Stats struct {
	Received    uint64 `json:"received"`
	Duplicates  uint64 `json:"duplicates"`
	Messages    uint64 `json:"messages"`
	Recorded    uint64 `json:"recorded"`
	Dropped     uint64 `json:"dropped"`
	SinkErrors  uint64 `json:"sink_errors"`
	Nodes       int    `json:"nodes"`
	HistorySize int    `json:"history_size"`
}

// Store persists directory entries and messages.
type Store interface {
	SaveNode(ctx context.Context, node Node) error
	SaveMessage(ctx context.Context, msg Message) error
}

// MetricsWriter exports node measurements. influxdb.Client satisfies it.
type MetricsWriter interface {
	WriteNodeTelemetry(nodeID string, fields map[string]any, ts time.Time)
	WriteNodePosition(nodeID string, latitude, longitude float64, altitude int32, ts time.Time)
	WriteLinkQuality(nodeID string, rssi int32, snr float32, hopLimit uint32, ts time.Time)
}

// Logger is the logging interface used by the processor.
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

// liveness is what any packet tells us about its sender.
type liveness struct {
	lastSeen time.Time
	battery  *uint32
	voltage  *float32
	snr      float32
	rssi     int32
}

// nodeFromUser builds the identity half of a Node.
func nodeFromUser(num uint32, u packet.User) Node {
	id := u.ID
	if id == "" {
		id = packet.NodeIDString(num)
	}
	return Node{
		Num:        num,
		ID:         id,
		LongName:   u.LongName,
		ShortName:  u.ShortName,
		HWModel:    u.HWModel,
		Role:       u.Role,
		IsLicensed: u.IsLicensed,
	}
}
