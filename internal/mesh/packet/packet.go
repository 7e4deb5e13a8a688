package packet

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

// BroadcastAddr is the destination meaning every reachable node.
const BroadcastAddr uint32 = 0xFFFFFFFF

// BroadcastName is the user-facing spelling of BroadcastAddr.
const BroadcastName = "broadcast"

// DefaultHopLimit is the hop limit given to locally originated packets.
const DefaultHopLimit uint32 = 3

// PortNum identifies the application that owns a payload.
type PortNum uint32

// Meshtastic port numbers understood by the codecs.
const (
	PortUnknown   PortNum = 0
	PortText      PortNum = 1
	PortPosition  PortNum = 3
	PortNodeInfo  PortNum = 4
	PortRouting   PortNum = 5
	PortAdmin     PortNum = 6
	PortTelemetry PortNum = 67
	PortPrivate   PortNum = 256
)

// Priority is the radio's transmit queue priority.
type Priority uint32

// Priority levels.
const (
	PriorityUnset      Priority = 0
	PriorityMin        Priority = 1
	PriorityBackground Priority = 10
	PriorityDefault    Priority = 64
	PriorityReliable   Priority = 70
	PriorityAck        Priority = 120
	PriorityMax        Priority = 127
)

// MeshPacket is a single routed unit of mesh traffic.
type MeshPacket struct {
	From uint32
	To   uint32

	// ID is the de-duplication key; the same id arriving twice is a flood echo.
	ID uint32

	Channel  uint32
	HopLimit uint32
	WantAck  bool
	Priority Priority

	// Receive metadata, zero for locally originated packets.
	RxTime uint32
	RxSNR  float32
	RxRSSI int32

	// Payload is nil when the packet carries nothing decodable.
	Payload Payload
}

// Kind returns the payload variant tag.
func (p *MeshPacket) Kind() PayloadKind {
	if p == nil || p.Payload == nil {
		return KindNone
	}
	return p.Payload.Kind()
}

// IsBroadcast reports whether the packet is addressed to every node.
func (p *MeshPacket) IsBroadcast() bool {
	return IsBroadcast(p.To)
}

// IsBroadcast reports whether num is the broadcast address.
func IsBroadcast(num uint32) bool {
	return num == BroadcastAddr
}

// NewText builds a text packet with a fresh id and the default hop limit.
func NewText(from, to uint32, text string) *MeshPacket {
	return &MeshPacket{
		From:     from,
		To:       to,
		ID:       NewPacketID(),
		HopLimit: DefaultHopLimit,
		Payload:  Text(text),
	}
}

// NewAdmin builds an admin packet. Admin traffic is always acknowledged
// and queued at reliable priority.
func NewAdmin(from, to uint32, data []byte) *MeshPacket {
	return &MeshPacket{
		From:     from,
		To:       to,
		ID:       NewPacketID(),
		HopLimit: DefaultHopLimit,
		WantAck:  true,
		Priority: PriorityReliable,
		Payload:  Admin{Data: data},
	}
}

// NewPacketID returns a random non-zero packet id.
func NewPacketID() uint32 {
	for {
		if id := rand.Uint32(); id != 0 {
			return id
		}
	}
}

// RandomNodeNum returns a random node number that is neither zero nor broadcast.
func RandomNodeNum() uint32 {
	for {
		n := rand.Uint32()
		if n != 0 && n != BroadcastAddr {
			return n
		}
	}
}

// NodeIDString formats a node number the way firmware displays it, e.g. "!a1b2c3d4".
func NodeIDString(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// AddressString is the user-facing form of a destination:
// "broadcast" for BroadcastAddr, otherwise the decimal node number.
func AddressString(num uint32) string {
	if IsBroadcast(num) {
		return BroadcastName
	}
	return strconv.FormatUint(uint64(num), 10)
}

// ParseDestination converts a user-supplied destination into a node number.
// An empty string and "broadcast" both address every node; "!hex" and
// decimal forms are accepted.
func ParseDestination(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, BroadcastName) {
		return BroadcastAddr, nil
	}

	base, digits := 10, s
	if hex, ok := strings.CutPrefix(s, "!"); ok {
		base, digits = 16, hex
	}

	n, err := strconv.ParseUint(digits, base, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDestination, s)
	}
	return uint32(n), nil
}
