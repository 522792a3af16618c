package mqtt

import (
	"fmt"
	"strings"
)

// Topic constants for the adaptive core event stream
const (
	TopicBase = "adaptive"

	// Mode transitions, retained so late subscribers see the current mode
	TopicMode = "adaptive/mode"

	// Compiled metrics snapshots
	TopicMetrics = "adaptive/metrics"

	// External escalation requests from the plateau ladder
	TopicEscalation = "adaptive/escalation"

	// Retained online/offline marker, set to offline by the broker's last will
	TopicStatus = "adaptive/status"
)

// EventTopic constructs the topic for a structured event kind
// Pattern: adaptive/events/{kind}
func EventTopic(kind string) string {
	return fmt.Sprintf("%s/events/%s", TopicBase, strings.ReplaceAll(kind, "/", "_"))
}
