package auth

import (
	"errors"
	"slices"
)

// Role represents an authorisation tier carried in access tokens.
type Role string

const (
	// RoleViewer can read sessions, nodes, history and stats.
	RoleViewer Role = "viewer"

	// RoleOperator can also connect devices and send messages.
	RoleOperator Role = "operator"

	// RoleAdmin can also change radio and gateway configuration.
	RoleAdmin Role = "admin"
)

// ValidRoles is the set of roles a token may carry.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsValidRole returns true if r is one of ValidRoles.
func IsValidRole(r Role) bool {
	return slices.Contains(ValidRoles, r)
}

// Sentinel errors for auth operations.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenInvalid       = errors.New("invalid token")
	ErrInvalidRole        = errors.New("invalid role")
	ErrForbidden          = errors.New("insufficient permissions")
	ErrDisabled           = errors.New("authentication is not configured")
)
