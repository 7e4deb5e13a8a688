// Package frame implements the byte-stream framing spoken by mesh radios
// over a serial line.
//
// A frame on the wire is:
//
//	START escape(payload) escape(CRC16(payload) little-endian) END
//
// where any payload or checksum byte equal to START, END or ESCAPE is sent
// as ESCAPE followed by the byte XOR 0x20. The checksum is CRC-16/CCITT-FALSE
// computed over the unescaped payload, and the same function is used when
// encoding and when extracting.
//
// Extractor consumes an arbitrarily chunked byte stream and yields complete,
// checksum-verified payloads in arrival order. Corrupt frames are rejected
// one at a time without disturbing the frames that follow them.
package frame
