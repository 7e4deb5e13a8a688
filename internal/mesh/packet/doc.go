// Package packet defines the structured mesh packet and the codecs that turn
// it into the opaque bytes carried inside a frame.
//
// A MeshPacket carries routing metadata (source, destination, packet id, hop
// limit, priority), receive metadata filled in by the radio (RSSI, SNR, receive
// time) and one typed Payload variant:
//
//	Text, Position, NodeInfo, Telemetry, Routing, Admin, Raw
//
// or no payload at all.
//
// Codecs are swappable behind the Codec interface. ProtoCodec writes the
// protobuf wire layout used by Meshtastic firmware and is the default;
// JSONCodec is a readable alternative for tests and bridges.
//
// Usage:
//
//	var codec packet.Codec = packet.ProtoCodec{}
//	pkt := packet.NewText(local, packet.BroadcastAddr, "hello")
//	data, err := codec.Encode(pkt)
package packet
