// Package influxdb provides InfluxDB connectivity for mesh telemetry.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, batched point writes and health monitoring.
//
// # Purpose
//
// This package stores time-series data heard on the mesh:
//   - Node device, environment and power telemetry
//   - Node position fixes
//   - Per-packet link quality (RSSI, SNR, hop limit)
//   - Gateway counters from each heartbeat
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without metrics
//	}
//	defer client.Close()
//
//	client.WriteLinkQuality("!a1b2c3d4", -92, 6.25, 3, time.Now())
//
// # Error Handling
//
// Writes are non-blocking; batch errors arrive via SetOnError.
// Connection and health check errors are returned directly.
package influxdb
