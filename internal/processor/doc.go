// Package processor turns the decoded packet stream into user-facing
// messages and keeps the shared mesh state.
//
// A single Processor is shared by every session. It owns three pieces of
// state, each behind its own mutex:
//
//   - the de-duplication set of recently seen packet ids
//   - the node directory (identity from NodeInfo packets, liveness from any packet)
//   - the bounded message history
//
// Persistence (Store) and time-series export (MetricsWriter) are optional
// sinks called after every lock is released.
package processor
