// Package auth guards the host API.
//
// The service has no user accounts. A caller proves it holds the API key,
// whose Argon2id hash is kept in the config, and is issued a short-lived
// HS256 JWT carrying a role. Roles map to permissions statically:
//
//	viewer   -> mesh:read
//	operator -> mesh:read, mesh:send, device:manage
//	admin    -> everything, including radio and gateway configuration
package auth
