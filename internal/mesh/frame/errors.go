package frame

import "errors"

var (
	// ErrInvalidFrame is returned for a delimited span that cannot hold a
	// payload and checksum, or that ends in a dangling escape.
	ErrInvalidFrame = errors.New("frame: invalid frame")

	// ErrChecksum is returned when the received CRC does not match the payload.
	ErrChecksum = errors.New("frame: checksum mismatch")

	// ErrFrameTooLarge is returned when a START has no END within MaxFrameSize
	// bytes. The extractor resynchronises on the next START.
	ErrFrameTooLarge = errors.New("frame: frame exceeds maximum size")
)
