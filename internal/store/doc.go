// Package store persists the node directory and message history in SQLite
// so a restarted service can warm-start its processor.
//
// The schema lives in the top-level migrations package (mesh_nodes and
// mesh_messages). SQLiteStore satisfies processor.Store.
package store
