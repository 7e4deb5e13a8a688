// Package mqtt provides MQTT client connectivity for meshlink's gateways.
//
// This package manages:
//   - Connection to an MQTT broker, with optional connect-retry
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) on the gateway status topic
//   - The mesh topic tree (Topics, ParseTopic)
//
// # Architecture
//
// Each gateway owns one Client. Radio traffic is published as JSON
// envelopes into the public Meshtastic-style tree, and the same tree is
// subscribed to so traffic from other gateways can be observed.
//
//	Radio ↔ Session ↔ Gateway ↔ MQTT Broker ↔ other gateways / consumers
//
// # Security Considerations
//
//   - Use TLS (mqtts://) for brokers outside the local host
//   - Payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := client.Topics()
//	err = client.Subscribe(topics.AllChannel(mqtt.DefaultChannel), 0, handle)
//	client.Publish(topics.Stat("!a1b2c3d4"), payload, 1, false)
package mqtt
