package mqtt

import (
	"strings"

	"github.com/kalifun/groundlink/pkg/types"
)

const (
	topicLevelSeparator = "/"
	multiLevelWildcard  = "#"
)

// ToMQTTTopic maps a dotted bus topic onto MQTT topic levels:
// GroundSystem.Spacecraft1.TelemetryPackets.0x886 becomes
// GroundSystem/Spacecraft1/TelemetryPackets/0x886.
func ToMQTTTopic(topic string) string {
	return strings.ReplaceAll(topic, types.TopicSeparator, topicLevelSeparator)
}

// FromMQTTTopic is the inverse of ToMQTTTopic.
func FromMQTTTopic(topic string) string {
	return strings.ReplaceAll(topic, topicLevelSeparator, types.TopicSeparator)
}

// PrefixFilter returns the MQTT subscription filter matching every topic
// under a bus prefix. MQTT wildcards match whole levels, which gives the same
// segment semantics as the in-process bus.
func PrefixFilter(prefix string) string {
	prefix = strings.TrimSuffix(prefix, types.TopicSeparator)
	if prefix == "" {
		return multiLevelWildcard
	}
	return ToMQTTTopic(prefix) + topicLevelSeparator + multiLevelWildcard
}
