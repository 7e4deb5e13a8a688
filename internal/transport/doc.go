// Package transport connects to mesh radios and moves packets over the link.
//
// Every link type implements Transport. Serial is the reference
// implementation: it probes an ordered list of baud rates, then runs a
// background read loop that feeds a frame.Extractor and forwards decoded
// packets on a single channel in arrival order.
//
// Bluetooth and TCP links are recognised kinds but not implemented; New
// returns ErrUnsupported for them so callers can tell a missing backend
// from a failed connection.
//
// Scan lists serial ports that look like mesh radios. The classification is
// advisory; only a successful Connect confirms a device.
package transport
