// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package bus defines the publish/subscribe contract used for every
// cross-node interaction: security/telemetry events flowing up from
// nodes, and block/control commands flowing down to them. The broker
// itself is pluggable, so this package exposes a small
// Publisher/Subscriber interface pair and a concrete Redis
// implementation in redis.go, keeping every caller against the
// interface rather than the concrete broker.
package bus

import "context"

// Topic names used across the mesh.
const (
	TopicSecurityEvents = "events.waf"
	TopicTelemetryPrefix = "telemetry."
	TopicStateSync = "state.sync"
	TopicControlCommands = "control.commands"
	TopicCommandsBlock = "commands.block"
	TopicOrchestratorBan = "orchestrator.ban"
)

// TelemetryTopic returns the per-node telemetry topic for nodeID.
func TelemetryTopic(nodeID string) string {
	return TopicTelemetryPrefix + nodeID
}

// Message is one received pub/sub message: the topic it arrived on and
// its raw payload (JSON-encoded by the publisher).
type Message struct {
	Topic string
	Payload []byte
}

// Publisher sends raw payloads to a topic. Delivery is best-effort,
// at-most-once.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber delivers messages received on topics to a channel. The
// returned channel is closed when ctx is canceled or the subscription
// otherwise ends; callers must drain it to avoid blocking delivery.
// A topic ending in "*" is a prefix pattern — used for
// TopicTelemetryPrefix+"*" to receive telemetry from every node.
type Subscriber interface {
	Subscribe(ctx context.Context, topics...string) (<-chan Message, error)
}

// Bus composes Publisher and Subscriber, the full contract a node or
// orchestrator component needs.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}
