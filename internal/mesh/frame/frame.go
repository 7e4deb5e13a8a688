package frame

import "encoding/binary"

// Wire markers.
const (
	Start      byte = 0x94
	End        byte = 0x7E
	Escape     byte = 0x7D
	EscapeMask byte = 0x20
)

// checksumSize is the length of the trailing CRC in an unescaped frame.
const checksumSize = 2

func needsEscape(b byte) bool {
	return b == Start || b == End || b == Escape
}

func appendEscaped(dst []byte, src ...byte) []byte {
	for _, b := range src {
		if needsEscape(b) {
			dst = append(dst, Escape, b^EscapeMask)
		} else {
			dst = append(dst, b)
		}
	}
	return dst
}

// Encode wraps payload in a frame. An empty payload produces a valid frame
// carrying only the checksum.
func Encode(payload []byte) []byte {
	var crc [checksumSize]byte
	binary.LittleEndian.PutUint16(crc[:], Checksum(payload))

	// Worst case every byte is escaped.
	out := make([]byte, 0, 2*(len(payload)+checksumSize)+2)
	out = append(out, Start)
	out = appendEscaped(out, payload...)
	out = appendEscaped(out, crc[:]...)
	return append(out, End)
}

// unescape reverses appendEscaped. A trailing ESCAPE with nothing after it
// is reported as invalid.
func unescape(span []byte) ([]byte, bool) {
	out := make([]byte, 0, len(span))
	for i := 0; i < len(span); i++ {
		b := span[i]
		if b != Escape {
			out = append(out, b)
			continue
		}
		if i+1 >= len(span) {
			return nil, false
		}
		i++
		out = append(out, span[i]^EscapeMask)
	}
	return out, true
}
