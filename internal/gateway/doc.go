// Package gateway bridges mesh packets to and from MQTT brokers.
//
// Each Gateway owns one broker connection and publishes every packet it is
// given as a JSON Envelope into the Meshtastic-style topic tree:
//
//	{prefix}/2/c/LongFast/{clientId}/{from}   text, node info and others
//	{prefix}/2/stat/{from}                    telemetry
//	{prefix}/2/stat/{clientId}/heartbeat      gateway statistics
//
// The same sub-trees are subscribed to with wildcards so traffic bridged by
// other gateways is observed. Inbound broker events are queued and handled
// by a per-gateway event loop; a heartbeat loop publishes Stats on a fixed
// interval. Both loops run until Disconnect.
//
// Manager holds named gateways and is what the rest of meshlink talks to.
//
// Thread Safety:
//   - Gateway and Manager methods are safe for concurrent use.
//   - Stats counters are monotonic; a failed publish never moves them.
package gateway
