package packet

import (
	"bytes"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// MeshPacket field numbers.
const (
	fieldPacketFrom     protowire.Number = 1
	fieldPacketTo       protowire.Number = 2
	fieldPacketChannel  protowire.Number = 3
	fieldPacketDecoded  protowire.Number = 4
	fieldPacketID       protowire.Number = 6
	fieldPacketRxTime   protowire.Number = 7
	fieldPacketRxSNR    protowire.Number = 8
	fieldPacketHopLimit protowire.Number = 9
	fieldPacketWantAck  protowire.Number = 10
	fieldPacketPriority protowire.Number = 11
	fieldPacketRxRSSI   protowire.Number = 12
)

// Data field numbers.
const (
	fieldDataPortNum protowire.Number = 1
	fieldDataPayload protowire.Number = 2
)

// ProtoCodec encodes packets in the protobuf wire layout used by Meshtastic
// firmware. Fields are written in ascending field-number order and zero
// values are omitted, so output is deterministic. Unknown fields are skipped
// on decode.
type ProtoCodec struct{}

// Encode serialises pkt.
func (ProtoCodec) Encode(pkt *MeshPacket) ([]byte, error) {
	if pkt == nil {
		return nil, fmt.Errorf("%w: nil packet", ErrEncode)
	}

	var e encoder
	e.fixed32(fieldPacketFrom, pkt.From)
	e.fixed32(fieldPacketTo, pkt.To)
	e.varint(fieldPacketChannel, uint64(pkt.Channel))
	if pkt.Payload != nil {
		data, err := encodeData(pkt.Payload)
		if err != nil {
			return nil, err
		}
		e.message(fieldPacketDecoded, data)
	}
	e.fixed32(fieldPacketID, pkt.ID)
	e.fixed32(fieldPacketRxTime, pkt.RxTime)
	e.float(fieldPacketRxSNR, pkt.RxSNR)
	e.varint(fieldPacketHopLimit, uint64(pkt.HopLimit))
	e.bool(fieldPacketWantAck, pkt.WantAck)
	e.varint(fieldPacketPriority, uint64(pkt.Priority))
	e.int32(fieldPacketRxRSSI, pkt.RxRSSI)
	return e.b, nil
}

// Decode parses a MeshPacket.
func (ProtoCodec) Decode(data []byte) (*MeshPacket, error) {
	pkt := &MeshPacket{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldPacketFrom:
			return fixed32Field(typ, b, func(v uint32) { pkt.From = v })
		case fieldPacketTo:
			return fixed32Field(typ, b, func(v uint32) { pkt.To = v })
		case fieldPacketChannel:
			return varintField(typ, b, func(v uint64) { pkt.Channel = uint32(v) })
		case fieldPacketDecoded:
			return bytesField(typ, b, func(v []byte) error {
				payload, err := decodeData(v)
				pkt.Payload = payload
				return err
			})
		case fieldPacketID:
			return fixed32Field(typ, b, func(v uint32) { pkt.ID = v })
		case fieldPacketRxTime:
			return fixed32Field(typ, b, func(v uint32) { pkt.RxTime = v })
		case fieldPacketRxSNR:
			return fixed32Field(typ, b, func(v uint32) { pkt.RxSNR = math.Float32frombits(v) })
		case fieldPacketHopLimit:
			return varintField(typ, b, func(v uint64) { pkt.HopLimit = uint32(v) })
		case fieldPacketWantAck:
			return varintField(typ, b, func(v uint64) { pkt.WantAck = v != 0 })
		case fieldPacketPriority:
			return varintField(typ, b, func(v uint64) { pkt.Priority = Priority(v) })
		case fieldPacketRxRSSI:
			return varintField(typ, b, func(v uint64) { pkt.RxRSSI = int32(v) })
		}
		return 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return pkt, nil
}

// encodeData writes the Data submessage (portnum + payload bytes).
func encodeData(p Payload) ([]byte, error) {
	var port PortNum
	var body []byte

	switch v := p.(type) {
	case Text:
		port, body = PortText, []byte(v)
	case Position:
		port, body = PortPosition, encodePosition(v)
	case NodeInfo:
		port, body = PortNodeInfo, encodeUser(v.User)
	case Telemetry:
		port, body = PortTelemetry, encodeTelemetry(v)
	case Routing:
		var e encoder
		e.varint(3, uint64(v.ErrorReason))
		port, body = PortRouting, e.b
	case Admin:
		port, body = PortAdmin, v.Data
	case Raw:
		port, body = v.Port, v.Data
	default:
		return nil, fmt.Errorf("%w: unsupported payload %T", ErrEncode, p)
	}

	var e encoder
	e.varint(fieldDataPortNum, uint64(port))
	e.bytes(fieldDataPayload, body)
	return e.b, nil
}

// decodeData maps the Data submessage back to a payload variant by port.
// Ports without a dedicated variant come back as Raw.
func decodeData(data []byte) (Payload, error) {
	var port PortNum
	var body []byte
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldDataPortNum:
			return varintField(typ, b, func(v uint64) { port = PortNum(v) })
		case fieldDataPayload:
			return bytesField(typ, b, func(v []byte) error {
				body = v
				return nil
			})
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}

	switch port {
	case PortText:
		return Text(body), nil
	case PortPosition:
		return decodePosition(body)
	case PortNodeInfo:
		user, err := decodeUser(body)
		if err != nil {
			return nil, err
		}
		return NodeInfo{User: user}, nil
	case PortTelemetry:
		return decodeTelemetry(body)
	case PortRouting:
		var r Routing
		err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num == 3 {
				return varintField(typ, b, func(v uint64) { r.ErrorReason = uint32(v) })
			}
			return 0, nil
		})
		return r, err
	case PortAdmin:
		return Admin{Data: bytes.Clone(body)}, nil
	default:
		return Raw{Port: port, Data: bytes.Clone(body)}, nil
	}
}

func encodePosition(p Position) []byte {
	var e encoder
	e.fixed32(1, uint32(p.LatitudeI))
	e.fixed32(2, uint32(p.LongitudeI))
	e.int32(3, p.Altitude)
	e.fixed32(4, p.Time)
	return e.b
}

func decodePosition(data []byte) (Position, error) {
	var p Position
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return fixed32Field(typ, b, func(v uint32) { p.LatitudeI = int32(v) })
		case 2:
			return fixed32Field(typ, b, func(v uint32) { p.LongitudeI = int32(v) })
		case 3:
			return varintField(typ, b, func(v uint64) { p.Altitude = int32(v) })
		case 4:
			return fixed32Field(typ, b, func(v uint32) { p.Time = v })
		}
		return 0, nil
	})
	return p, err
}

func encodeUser(u User) []byte {
	var e encoder
	e.string(1, u.ID)
	e.string(2, u.LongName)
	e.string(3, u.ShortName)
	e.bytes(4, u.MacAddr)
	e.varint(5, uint64(u.HWModel))
	e.bool(6, u.IsLicensed)
	e.varint(7, uint64(u.Role))
	return e.b
}

func decodeUser(data []byte) (User, error) {
	var u User
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return bytesField(typ, b, func(v []byte) error { u.ID = string(v); return nil })
		case 2:
			return bytesField(typ, b, func(v []byte) error { u.LongName = string(v); return nil })
		case 3:
			return bytesField(typ, b, func(v []byte) error { u.ShortName = string(v); return nil })
		case 4:
			return bytesField(typ, b, func(v []byte) error { u.MacAddr = bytes.Clone(v); return nil })
		case 5:
			return varintField(typ, b, func(v uint64) { u.HWModel = uint32(v) })
		case 6:
			return varintField(typ, b, func(v uint64) { u.IsLicensed = v != 0 })
		case 7:
			return varintField(typ, b, func(v uint64) { u.Role = uint32(v) })
		}
		return 0, nil
	})
	return u, err
}

func encodeTelemetry(t Telemetry) []byte {
	var e encoder
	e.fixed32(1, t.Time)
	if d := t.Device; d != nil {
		var m encoder
		m.varint(1, uint64(d.BatteryLevel))
		m.float(2, d.Voltage)
		m.float(3, d.ChannelUtilization)
		m.float(4, d.AirUtilTx)
		m.varint(5, uint64(d.UptimeSeconds))
		e.message(2, m.b)
	}
	if env := t.Environment; env != nil {
		var m encoder
		m.float(1, env.Temperature)
		m.float(2, env.RelativeHumidity)
		m.float(3, env.BarometricPressure)
		e.message(3, m.b)
	}
	if p := t.Power; p != nil {
		var m encoder
		m.float(1, p.Ch1Voltage)
		m.float(2, p.Ch1Current)
		m.float(3, p.Ch2Voltage)
		m.float(4, p.Ch2Current)
		e.message(5, m.b)
	}
	return e.b
}

func decodeTelemetry(data []byte) (Telemetry, error) {
	var t Telemetry
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return fixed32Field(typ, b, func(v uint32) { t.Time = v })
		case 2:
			return bytesField(typ, b, func(v []byte) error {
				t.Device = &DeviceMetrics{}
				return decodeFloats(v, map[protowire.Number]*float32{
					2: &t.Device.Voltage,
					3: &t.Device.ChannelUtilization,
					4: &t.Device.AirUtilTx,
				}, map[protowire.Number]*uint32{
					1: &t.Device.BatteryLevel,
					5: &t.Device.UptimeSeconds,
				})
			})
		case 3:
			return bytesField(typ, b, func(v []byte) error {
				t.Environment = &EnvironmentMetrics{}
				return decodeFloats(v, map[protowire.Number]*float32{
					1: &t.Environment.Temperature,
					2: &t.Environment.RelativeHumidity,
					3: &t.Environment.BarometricPressure,
				}, nil)
			})
		case 5:
			return bytesField(typ, b, func(v []byte) error {
				t.Power = &PowerMetrics{}
				return decodeFloats(v, map[protowire.Number]*float32{
					1: &t.Power.Ch1Voltage,
					2: &t.Power.Ch1Current,
					3: &t.Power.Ch2Voltage,
					4: &t.Power.Ch2Current,
				}, nil)
			})
		}
		return 0, nil
	})
	return t, err
}

// decodeFloats fills a metrics message made of float and uint32 fields.
func decodeFloats(data []byte, floats map[protowire.Number]*float32, uints map[protowire.Number]*uint32) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if dst, ok := floats[num]; ok {
			return fixed32Field(typ, b, func(v uint32) { *dst = math.Float32frombits(v) })
		}
		if dst, ok := uints[num]; ok {
			return varintField(typ, b, func(v uint64) { *dst = uint32(v) })
		}
		return 0, nil
	})
}

// ===== wire helpers =====

// encoder appends proto3 fields, omitting zero scalars.
type encoder struct {
	b []byte
}

func (e *encoder) varint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

func (e *encoder) int32(num protowire.Number, v int32) {
	e.varint(num, uint64(int64(v)))
}

func (e *encoder) bool(num protowire.Number, v bool) {
	if v {
		e.varint(num, 1)
	}
}

func (e *encoder) fixed32(num protowire.Number, v uint32) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.Fixed32Type)
	e.b = protowire.AppendFixed32(e.b, v)
}

func (e *encoder) float(num protowire.Number, v float32) {
	if v == 0 {
		return
	}
	e.fixed32(num, math.Float32bits(v))
}

func (e *encoder) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	e.message(num, v)
}

func (e *encoder) string(num protowire.Number, v string) {
	if v == "" {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, v)
}

// message always writes the field, so an empty submessage still marks presence.
func (e *encoder) message(num protowire.Number, v []byte) {
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

// walk calls visit for every field in data. visit returns the number of
// value bytes it consumed, or 0 to have the field skipped.
func walk(data []byte, visit func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		m, err := visit(num, typ, data)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, data)
		}
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		data = data[m:]
	}
	return nil
}

func varintField(typ protowire.Type, b []byte, set func(uint64)) (int, error) {
	if typ != protowire.VarintType {
		return 0, nil
	}
	v, n := protowire.ConsumeVarint(b)
	if n > 0 {
		set(v)
	}
	return n, nil
}

func fixed32Field(typ protowire.Type, b []byte, set func(uint32)) (int, error) {
	if typ != protowire.Fixed32Type {
		return 0, nil
	}
	v, n := protowire.ConsumeFixed32(b)
	if n > 0 {
		set(v)
	}
	return n, nil
}

func bytesField(typ protowire.Type, b []byte, set func([]byte) error) (int, error) {
	if typ != protowire.BytesType {
		return 0, nil
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	return n, set(v)
}
