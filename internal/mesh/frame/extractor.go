package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// MaxFrameSize bounds the escaped length of one frame, markers included.
// Radio packets are well under 512 bytes, so this allows every byte to be
// escaped with room to spare.
const MaxFrameSize = 2048

// compactThreshold is the consumed-prefix size above which Write reclaims space.
const compactThreshold = 4096

// Extractor pulls frames out of a receive stream that may deliver them
// split or batched across reads.
//
// Received bytes are appended to an internal arena and consumed through a
// cursor, so draining N frames from one read costs one copy at most.
//
// An Extractor is not safe for concurrent use; the serial listener owns one.
type Extractor struct {
	buf []byte
	off int
	max int
}

// NewExtractor returns an Extractor with the default MaxFrameSize.
func NewExtractor() *Extractor {
	return &Extractor{max: MaxFrameSize}
}

// Write appends received bytes. It never fails.
func (e *Extractor) Write(p []byte) (int, error) {
	if e.off > 0 && (e.off >= compactThreshold || e.off == len(e.buf)) {
		n := copy(e.buf, e.buf[e.off:])
		e.buf = e.buf[:n]
		e.off = 0
	}
	e.buf = append(e.buf, p...)
	return len(p), nil
}

// Buffered returns the number of unconsumed bytes.
func (e *Extractor) Buffered() int {
	return len(e.buf) - e.off
}

// Reset discards all buffered bytes.
func (e *Extractor) Reset() {
	e.buf = e.buf[:0]
	e.off = 0
}

// Next returns the next complete payload.
//
//   - ok=true: payload holds a verified frame body.
//   - ok=false, err=nil: no complete frame is buffered yet.
//   - err!=nil: one frame was rejected and consumed; call Next again.
//
// Bytes before the first START are discarded. A START without a matching
// END is kept until more bytes arrive, up to MaxFrameSize.
func (e *Extractor) Next() (payload []byte, ok bool, err error) {
	data := e.buf[e.off:]

	start := bytes.IndexByte(data, Start)
	if start < 0 {
		e.Reset()
		return nil, false, nil
	}
	e.off += start
	data = data[start:]

	end := bytes.IndexByte(data[1:], End)
	if end < 0 {
		if len(data) > e.limit() {
			// Give up on this START and resync on the next one.
			e.off++
			return nil, false, fmt.Errorf("%w: %d bytes without END", ErrFrameTooLarge, len(data))
		}
		return nil, false, nil
	}
	end++ // index within data

	span := data[1:end]
	e.off += end + 1

	body, valid := unescape(span)
	if !valid {
		return nil, false, fmt.Errorf("%w: dangling escape", ErrInvalidFrame)
	}
	if len(body) < checksumSize {
		return nil, false, fmt.Errorf("%w: %d bytes, need at least %d", ErrInvalidFrame, len(body), checksumSize)
	}

	n := len(body) - checksumSize
	received := binary.LittleEndian.Uint16(body[n:])
	if calculated := Checksum(body[:n]); received != calculated {
		return nil, false, fmt.Errorf("%w: received %04x, calculated %04x", ErrChecksum, received, calculated)
	}

	return body[:n], true, nil
}

// Drain returns every complete payload currently buffered along with the
// errors for frames that were rejected on the way.
func (e *Extractor) Drain() (payloads [][]byte, rejected []error) {
	for {
		payload, ok, err := e.Next()
		switch {
		case err != nil:
			rejected = append(rejected, err)
		case ok:
			payloads = append(payloads, payload)
		default:
			return payloads, rejected
		}
	}
}

func (e *Extractor) limit() int {
	if e.max <= 0 {
		return MaxFrameSize
	}
	return e.max
}
