// Package api implements the HTTP REST API and WebSocket server for meshlink.
//
// This package provides:
//   - REST endpoints for device discovery, sessions, messaging and nodes
//   - Radio configuration, validation, presets and air time estimates
//   - MQTT gateway management
//   - WebSocket hub relaying processed messages on the "mesh.message" channel
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Security
//
// When security.jwt.secret is set, callers exchange the API key for an
// HS256 bearer token at POST /api/v1/auth/token. Each route requires a
// permission held by the token's role (viewer, operator, admin).
// WebSocket connections use single-use tickets so tokens stay out of URLs.
// Without a secret every route is open, which suits a loopback-only host.
//
// # Errors
//
// Failures are returned as {"status", "code", "message"}. Unknown session
// ids and gateway names are 404, malformed input is 400, radio and broker
// failures are 502.
package api
