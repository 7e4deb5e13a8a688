package packet

import (
	"encoding/json"
	"fmt"
)

// JSONCodec encodes packets as tagged JSON objects. The "type" field names
// the payload variant and exactly one matching payload field is present.
type JSONCodec struct{}

type jsonPacket struct {
	From     uint32   `json:"from"`
	To       uint32   `json:"to"`
	ID       uint32   `json:"id"`
	Channel  uint32   `json:"channel,omitempty"`
	HopLimit uint32   `json:"hop_limit"`
	WantAck  bool     `json:"want_ack,omitempty"`
	Priority Priority `json:"priority,omitempty"`
	RxTime   uint32   `json:"rx_time,omitempty"`
	RxSNR    float32  `json:"rx_snr,omitempty"`
	RxRSSI   int32    `json:"rx_rssi,omitempty"`

	Type      string     `json:"type"`
	Text      *string    `json:"text,omitempty"`
	Position  *Position  `json:"position,omitempty"`
	NodeInfo  *NodeInfo  `json:"nodeinfo,omitempty"`
	Telemetry *Telemetry `json:"telemetry,omitempty"`
	Routing   *Routing   `json:"routing,omitempty"`
	Admin     *Admin     `json:"admin,omitempty"`
	Raw       *Raw       `json:"raw,omitempty"`
}

// Encode serialises pkt.
func (JSONCodec) Encode(pkt *MeshPacket) ([]byte, error) {
	if pkt == nil {
		return nil, fmt.Errorf("%w: nil packet", ErrEncode)
	}

	jp := jsonPacket{
		From:     pkt.From,
		To:       pkt.To,
		ID:       pkt.ID,
		Channel:  pkt.Channel,
		HopLimit: pkt.HopLimit,
		WantAck:  pkt.WantAck,
		Priority: pkt.Priority,
		RxTime:   pkt.RxTime,
		RxSNR:    pkt.RxSNR,
		RxRSSI:   pkt.RxRSSI,
		Type:     pkt.Kind().String(),
	}

	switch v := pkt.Payload.(type) {
	case nil:
	case Text:
		s := string(v)
		jp.Text = &s
	case Position:
		jp.Position = &v
	case NodeInfo:
		jp.NodeInfo = &v
	case Telemetry:
		jp.Telemetry = &v
	case Routing:
		jp.Routing = &v
	case Admin:
		jp.Admin = &v
	case Raw:
		jp.Raw = &v
	default:
		return nil, fmt.Errorf("%w: unsupported payload %T", ErrEncode, v)
	}

	data, err := json.Marshal(jp)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return data, nil
}

// Decode parses a packet produced by Encode.
func (JSONCodec) Decode(data []byte) (*MeshPacket, error) {
	var jp jsonPacket
	if err := json.Unmarshal(data, &jp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	kind, ok := parseKind(jp.Type)
	if !ok {
		return nil, fmt.Errorf("%w: unknown payload type %q", ErrDecode, jp.Type)
	}

	pkt := &MeshPacket{
		From:     jp.From,
		To:       jp.To,
		ID:       jp.ID,
		Channel:  jp.Channel,
		HopLimit: jp.HopLimit,
		WantAck:  jp.WantAck,
		Priority: jp.Priority,
		RxTime:   jp.RxTime,
		RxSNR:    jp.RxSNR,
		RxRSSI:   jp.RxRSSI,
	}

	missing := false
	switch kind {
	case KindNone:
	case KindText:
		missing = jp.Text == nil
		if !missing {
			pkt.Payload = Text(*jp.Text)
		}
	case KindPosition:
		missing = jp.Position == nil
		if !missing {
			pkt.Payload = *jp.Position
		}
	case KindNodeInfo:
		missing = jp.NodeInfo == nil
		if !missing {
			pkt.Payload = *jp.NodeInfo
		}
	case KindTelemetry:
		missing = jp.Telemetry == nil
		if !missing {
			pkt.Payload = *jp.Telemetry
		}
	case KindRouting:
		missing = jp.Routing == nil
		if !missing {
			pkt.Payload = *jp.Routing
		}
	case KindAdmin:
		missing = jp.Admin == nil
		if !missing {
			pkt.Payload = *jp.Admin
		}
	case KindRaw:
		missing = jp.Raw == nil
		if !missing {
			pkt.Payload = *jp.Raw
		}
	}
	if missing {
		return nil, fmt.Errorf("%w: type %q without %s field", ErrDecode, jp.Type, jp.Type)
	}
	return pkt, nil
}
