package gateway

import "errors"

// Errors returned by gateways and the gateway manager. Check with errors.Is().
var (
	// ErrGatewayNotFound is returned for an unknown gateway name.
	ErrGatewayNotFound = errors.New("gateway: not found")

	// ErrGatewayExists is returned when adding a name that is already taken.
	ErrGatewayExists = errors.New("gateway: already exists")

	// ErrInvalidConfig is returned for a gateway config that cannot be used.
	ErrInvalidConfig = errors.New("gateway: invalid config")

	// ErrConnectionFailed is returned when the broker connection cannot be
	// established. It is never retried by the gateway.
	ErrConnectionFailed = errors.New("gateway: connection failed")

	// ErrNotConnected is returned when publishing without a broker connection.
	ErrNotConnected = errors.New("gateway: not connected")

	// ErrPublishFailed is returned when a packet cannot be published.
	ErrPublishFailed = errors.New("gateway: publish failed")

	// ErrInvalidEnvelope is returned for inbound payloads that are not envelopes.
	ErrInvalidEnvelope = errors.New("gateway: invalid envelope")
)
