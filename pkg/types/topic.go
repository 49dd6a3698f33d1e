package types

import (
	"fmt"
	"strings"
)

const (
	// TopicRoot is the namespace token every telemetry topic starts with.
	TopicRoot      = "GroundSystem"
	TopicSeparator = "."
	TelemetryClass = "TelemetryPackets"
)

// BuildTopic returns "<root>.<source>.TelemetryPackets.<packetID>".
func BuildTopic(root, sourceName, packetID string) string {
	return strings.Join([]string{root, sourceName, TelemetryClass, packetID}, TopicSeparator)
}

// TopicParts is a parsed telemetry topic.
type TopicParts struct {
	Root       string
	SourceName string
	Class      string
	PacketID   string
}

// ParseTopic splits a fully qualified telemetry topic.
func ParseTopic(topic string) (TopicParts, error) {
	parts := strings.Split(topic, TopicSeparator)
	if len(parts) != 4 {
		return TopicParts{}, fmt.Errorf("invalid topic %q, expected 4 parts", topic)
	}
	return TopicParts{Root: parts[0], SourceName: parts[1], Class: parts[2], PacketID: parts[3]}, nil
}

// MatchPrefix reports whether topic falls under prefix. Matching is by whole
// segments: "GroundSystem.Spacecraft1" matches its own packets but not
// "GroundSystem.Spacecraft10". An empty prefix matches everything.
func MatchPrefix(prefix, topic string) bool {
	if prefix == "" || prefix == topic {
		return true
	}
	if !strings.HasPrefix(topic, prefix) {
		return false
	}
	return strings.HasSuffix(prefix, TopicSeparator) || topic[len(prefix):len(prefix)+1] == TopicSeparator
}
