package broker

import (
	"strings"

	"fermentation-monitor-backend/internal/parse"
)

// CommandChannel is the last topic segment devices receive commands on.
const CommandChannel = "commands"

// SensorFilter is the subscription filter matching every device's sensor topic.
func SensorFilter(namespace string) string {
	return strings.Trim(namespace, "/") + "/+/" + parse.SensorChannel
}

// CommandTopic is where commands for one device are published.
func CommandTopic(namespace, deviceCode string) string {
	return strings.Trim(namespace, "/") + "/" + deviceCode + "/" + CommandChannel
}
