// Package manager is the composition root of the mesh engine.
//
// A Manager owns a table of device sessions, one shared processor.Processor
// and a gateway.Manager. Every host operation goes through a Manager value;
// there is no package-level state, so several managers can live side by
// side in one process (tests do this).
//
// Each connected session runs a pump goroutine:
//
//	transport channel -> processor.Process -> gateways.Broadcast -> session stats
//
// Packets from one session reach the processor in decode order. Nothing is
// ordered across sessions.
package manager
