package parse

import (
	"fmt"
	"strings"
)

// SensorChannel is the last topic segment devices publish readings on.
const SensorChannel = "sensors"

// ParsedTopic holds the segments of a device topic "<namespace>/<device_code>/<channel>".
type ParsedTopic struct {
	Namespace  string
	DeviceCode string
	Channel    string
}

// ParseTopic splits a device topic. Namespaces may contain slashes; the device code is
// always the second-to-last segment.
func ParseTopic(raw string) (ParsedTopic, error) {
	s := strings.Trim(strings.TrimSpace(raw), "/")
	parts := strings.Split(s, "/")
	if len(parts) < 3 {
		return ParsedTopic{}, fmt.Errorf("unable to parse topic: %q", raw)
	}

	code := strings.TrimSpace(parts[len(parts)-2])
	channel := parts[len(parts)-1]
	namespace := strings.Join(parts[:len(parts)-2], "/")
	if code == "" || channel == "" || namespace == "" {
		return ParsedTopic{}, fmt.Errorf("unable to parse topic: %q", raw)
	}
	if strings.ContainsAny(code, "+#") {
		return ParsedTopic{}, fmt.Errorf("topic %q has a wildcard device segment", raw)
	}

	return ParsedTopic{Namespace: namespace, DeviceCode: code, Channel: channel}, nil
}

// DeviceCodeFromTopic returns the device code of a sensor topic, or "" when the topic
// is not a sensor topic.
func DeviceCodeFromTopic(raw string) string {
	parsed, err := ParseTopic(raw)
	if err != nil || parsed.Channel != SensorChannel {
		return ""
	}
	return parsed.DeviceCode
}
