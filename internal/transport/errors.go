package transport

import "errors"

var (
	// ErrConnectionFailed is returned when no baud rate candidate could be opened.
	ErrConnectionFailed = errors.New("transport: connection failed")

	// ErrNotConnected is returned by operations that need an open link.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrAlreadyListening is returned when StartListening is called twice.
	ErrAlreadyListening = errors.New("transport: already listening")

	// ErrConnectInProgress is returned when Connect races another Connect.
	ErrConnectInProgress = errors.New("transport: connect already in progress")

	// ErrUnsupported is returned for transport kinds with no implementation.
	ErrUnsupported = errors.New("transport: unsupported transport kind")

	// ErrPermissionDenied is returned when the OS refuses access to the port.
	ErrPermissionDenied = errors.New("transport: permission denied")

	// ErrPortNotFound is returned when the port path does not exist.
	ErrPortNotFound = errors.New("transport: port not found")

	// ErrTimeout is returned when a port open exceeds its bound.
	ErrTimeout = errors.New("transport: timeout")

	// ErrInvalidResponse is returned when the liveness probe gets an unexpected answer.
	ErrInvalidResponse = errors.New("transport: invalid response")

	// ErrDiscovery is returned when the OS port list cannot be read.
	ErrDiscovery = errors.New("transport: discovery failed")
)
