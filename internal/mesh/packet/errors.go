package packet

import "errors"

var (
	// ErrEncode is returned when a packet cannot be serialised.
	ErrEncode = errors.New("packet: encode failed")

	// ErrDecode is returned when bytes cannot be parsed into a packet.
	ErrDecode = errors.New("packet: decode failed")

	// ErrInvalidDestination is returned for a destination string that is
	// neither "broadcast", a decimal node number, nor a "!hex" node id.
	ErrInvalidDestination = errors.New("packet: invalid destination")
)
