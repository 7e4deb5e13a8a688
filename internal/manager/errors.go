package manager

import "errors"

// Errors returned by the manager package. Check with errors.Is().
var (
	// ErrDeviceNotFound is returned when a session id is unknown.
	ErrDeviceNotFound = errors.New("manager: device not found")

	// ErrClosed is returned by operations on a closed Manager.
	ErrClosed = errors.New("manager: closed")

	// ErrSendFailed is returned when a message could not be written to the radio.
	ErrSendFailed = errors.New("manager: send failed")
)
