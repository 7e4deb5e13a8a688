package packet

// Codec turns packets into the opaque bytes carried by a frame and back.
//
// Encode must be deterministic and Decode(Encode(p)) must reproduce p.
// Decode reports unparseable input as ErrDecode.
type Codec interface {
	Encode(pkt *MeshPacket) ([]byte, error)
	Decode(data []byte) (*MeshPacket, error)
}

// Default is the codec used when none is configured.
var Default Codec = ProtoCodec{}
