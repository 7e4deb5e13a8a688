package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurements written by meshlink.
const (
	MeasurementTelemetry   = "node_telemetry"
	MeasurementPosition    = "node_position"
	MeasurementLinkQuality = "link_quality"
	MeasurementGateway     = "gateway_stats"
)

// WriteNodeTelemetry records device, environment or power metrics reported by a node.
// Empty field sets are ignored.
//
// Example:
//
//	client.WriteNodeTelemetry("!a1b2c3d4", map[string]any{"battery_level": 87, "voltage": 4.1}, ts)
func (c *Client) WriteNodeTelemetry(nodeID string, fields map[string]any, ts time.Time) {
	if len(fields) == 0 {
		return
	}
	c.WritePointWithTime(MeasurementTelemetry, map[string]string{"node_id": nodeID}, fields, ts)
}

// WriteNodePosition records a decoded position fix in degrees.
func (c *Client) WriteNodePosition(nodeID string, latitude, longitude float64, altitude int32, ts time.Time) {
	c.WritePointWithTime(MeasurementPosition,
		map[string]string{"node_id": nodeID},
		map[string]any{
			"latitude":  latitude,
			"longitude": longitude,
			"altitude":  altitude,
		},
		ts,
	)
}

// WriteLinkQuality records the receive signal of a packet heard from a node.
func (c *Client) WriteLinkQuality(nodeID string, rssi int32, snr float32, hopLimit uint32, ts time.Time) {
	c.WritePointWithTime(MeasurementLinkQuality,
		map[string]string{"node_id": nodeID},
		map[string]any{
			"rssi":      rssi,
			"snr":       snr,
			"hop_limit": hopLimit,
		},
		ts,
	)
}

// WriteGatewayStats records a gateway's counters, typically on each heartbeat.
func (c *Client) WriteGatewayStats(gateway string, fields map[string]any) {
	c.WritePoint(MeasurementGateway, map[string]string{"gateway": gateway}, fields)
}

// WritePoint writes a custom point stamped now.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a custom point with a specific timestamp.
// Zero timestamps are replaced with the current time.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	c.writer.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
	c.queued.Add(1)
}
