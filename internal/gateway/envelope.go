package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/meshlink-core/internal/mesh/packet"
)

// Envelope payload types, named after the Meshtastic port they carry.
const (
	PayloadText      = "TEXT_MESSAGE_APP"
	PayloadNodeInfo  = "NODEINFO_APP"
	PayloadPosition  = "POSITION_APP"
	PayloadTelemetry = "TELEMETRY_APP"
	PayloadAdmin     = "ADMIN_APP"
	PayloadRouting   = "ROUTING_APP"
	PayloadRaw       = "RAW"
	PayloadUnknown   = "UNKNOWN"
)

// Envelope is the JSON document published for every bridged packet.
type Envelope struct {
	// Timestamp is in Unix seconds.
	Timestamp   int64           `json:"timestamp"`
	From        uint32          `json:"from"`
	To          uint32          `json:"to"`
	ID          uint32          `json:"id"`
	Channel     uint32          `json:"channel"`
	PayloadType string          `json:"payload_type"`
	Payload     json.RawMessage `json:"payload"`
	RSSI        int32           `json:"rssi,omitempty"`
	SNR         float32         `json:"snr,omitempty"`
	HopLimit    uint32          `json:"hop_limit"`
	GatewayID   string          `json:"gateway_id"`
}

// NewEnvelope wraps pkt for publishing by gatewayID.
func NewEnvelope(pkt *packet.MeshPacket, gatewayID string, ts time.Time) (Envelope, error) {
	typ, body := envelopePayload(pkt.Payload)
	raw, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{
		Timestamp:   ts.Unix(),
		From:        pkt.From,
		To:          pkt.To,
		ID:          pkt.ID,
		Channel:     pkt.Channel,
		PayloadType: typ,
		Payload:     raw,
		RSSI:        pkt.RxRSSI,
		SNR:         pkt.RxSNR,
		HopLimit:    pkt.HopLimit,
		GatewayID:   gatewayID,
	}, nil
}

func envelopePayload(p packet.Payload) (string, any) {
	switch v := p.(type) {
	case packet.Text:
		return PayloadText, string(v)
	case packet.NodeInfo:
		return PayloadNodeInfo, v.User
	case packet.Position:
		return PayloadPosition, v
	case packet.Telemetry:
		return PayloadTelemetry, v
	case packet.Admin:
		return PayloadAdmin, v
	case packet.Routing:
		return PayloadRouting, v
	case packet.Raw:
		// []byte fields marshal as base64.
		return PayloadRaw, v
	default:
		return PayloadUnknown, nil
	}
}

// DecodeEnvelope parses an inbound envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	if env.PayloadType == "" {
		return Envelope{}, fmt.Errorf("%w: missing payload_type", ErrInvalidEnvelope)
	}
	return env, nil
}

// User returns the identity carried by a NODEINFO_APP envelope.
func (e Envelope) User() (packet.User, bool) {
	if e.PayloadType != PayloadNodeInfo {
		return packet.User{}, false
	}
	var u packet.User
	if err := json.Unmarshal(e.Payload, &u); err != nil {
		return packet.User{}, false
	}
	return u, true
}

// Text returns the message of a TEXT_MESSAGE_APP envelope.
func (e Envelope) Text() (string, bool) {
	if e.PayloadType != PayloadText {
		return "", false
	}
	var s string
	if err := json.Unmarshal(e.Payload, &s); err != nil {
		return "", false
	}
	return s, true
}
