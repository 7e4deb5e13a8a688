package auth

import "slices"

// Permission represents a named capability in the host API.
type Permission string

// Permission constants.
const (
	PermMeshRead       Permission = "mesh:read"
	PermMeshSend       Permission = "mesh:send"
	PermDeviceManage   Permission = "device:manage"
	PermRadioConfigure Permission = "radio:configure"
	PermGatewayManage  Permission = "gateway:manage"
	PermHistoryManage  Permission = "history:manage"
)

// rolePermissions maps each role to its granted permissions.
// This is the single source of truth for the authorisation model.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermMeshRead,
	},
	RoleOperator: {
		PermMeshRead,
		PermMeshSend,
		PermDeviceManage,
	},
	RoleAdmin: {
		PermMeshRead,
		PermMeshSend,
		PermDeviceManage,
		PermRadioConfigure,
		PermGatewayManage,
		PermHistoryManage,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	return slices.Contains(rolePermissions[role], perm)
}

// PermissionsForRole returns all permissions granted to a role.
// Returns nil for unknown roles.
func PermissionsForRole(role Role) []Permission {
	return slices.Clone(rolePermissions[role])
}
