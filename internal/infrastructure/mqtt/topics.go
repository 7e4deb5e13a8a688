package mqtt

import (
	"fmt"
	"strings"
)

// Mesh topic layout, compatible with the public Meshtastic MQTT tree:
//
//	{prefix}/2/c/{channel}/{gateway}/{node}   channel traffic
//	{prefix}/2/e/{channel}/{gateway}/{node}   event (encrypted) variant
//	{prefix}/2/stat/{node}                    node statistics
//	{prefix}/2/stat/{client}/heartbeat        gateway heartbeat
//	{prefix}/2/stat/{client}/status           gateway online/offline (LWT)
const (
	// DefaultPrefix roots the tree when no prefix is configured.
	DefaultPrefix = "msh"

	// DefaultChannel is the primary channel name.
	DefaultChannel = "LongFast"

	protocolVersion = "2"
)

// TopicKind classifies a mesh topic.
type TopicKind string

// Topic kinds recognised by ParseTopic.
const (
	TopicChannel TopicKind = "c"
	TopicEvent   TopicKind = "e"
	TopicStat    TopicKind = "stat"
)

// Topics provides builders for mesh MQTT topics under one prefix.
//
//	topics := mqtt.NewTopics("msh")
//	topics.Channel("LongFast", "gw-1", "!a1b2c3d4")
//	// Returns: "msh/2/c/LongFast/gw-1/!a1b2c3d4"
type Topics struct {
	Prefix string
}

// NewTopics returns builders for prefix, falling back to DefaultPrefix.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Topics{Prefix: prefix}
}

func (t Topics) root() string {
	if t.Prefix == "" {
		return DefaultPrefix + "/" + protocolVersion
	}
	return t.Prefix + "/" + protocolVersion
}

// Channel returns the topic for channel traffic seen by gateway from node.
func (t Topics) Channel(channel, gateway, node string) string {
	return fmt.Sprintf("%s/c/%s/%s/%s", t.root(), channel, gateway, node)
}

// Event returns the event variant of Channel.
func (t Topics) Event(channel, gateway, node string) string {
	return fmt.Sprintf("%s/e/%s/%s/%s", t.root(), channel, gateway, node)
}

// Stat returns the statistics topic for node.
func (t Topics) Stat(node string) string {
	return fmt.Sprintf("%s/stat/%s", t.root(), node)
}

// Heartbeat returns the heartbeat topic for a gateway client.
func (t Topics) Heartbeat(clientID string) string {
	return fmt.Sprintf("%s/stat/%s/heartbeat", t.root(), clientID)
}

// Status returns the retained online/offline topic for a gateway client.
func (t Topics) Status(clientID string) string {
	return fmt.Sprintf("%s/stat/%s/status", t.root(), clientID)
}

// AllChannel matches every gateway and node on a channel.
func (t Topics) AllChannel(channel string) string {
	return t.Channel(channel, "+", "+")
}

// AllEvents matches every gateway and node on a channel's event variant.
func (t Topics) AllEvents(channel string) string {
	return t.Event(channel, "+", "+")
}

// AllStats matches every node statistics topic.
func (t Topics) AllStats() string {
	return t.Stat("+")
}

// TopicInfo is the decoded form of a mesh topic.
type TopicInfo struct {
	Kind    TopicKind
	Channel string
	Gateway string
	Node    string
}

// ParseTopic splits a mesh topic under t's prefix.
// It returns false for topics outside the tree or with an unexpected shape.
func (t Topics) ParseTopic(topic string) (TopicInfo, bool) {
	rest, ok := strings.CutPrefix(topic, t.root()+"/")
	if !ok {
		return TopicInfo{}, false
	}

	parts := strings.Split(rest, "/")
	switch TopicKind(parts[0]) {
	case TopicChannel, TopicEvent:
		if len(parts) != 4 {
			return TopicInfo{}, false
		}
		return TopicInfo{
			Kind:    TopicKind(parts[0]),
			Channel: parts[1],
			Gateway: parts[2],
			Node:    parts[3],
		}, true
	case TopicStat:
		if len(parts) != 2 {
			return TopicInfo{}, false
		}
		return TopicInfo{Kind: TopicStat, Node: parts[1]}, true
	default:
		return TopicInfo{}, false
	}
}
