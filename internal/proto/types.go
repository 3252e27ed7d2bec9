// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package proto holds the wire types shared between the mitigation
// node and the orchestrator: everything that crosses the event/command
// bus (internal/bus) or an HTTP boundary. All payloads
// are UTF-8 JSON; timestamps are RFC-3339 UTC, which encoding/json
// already produces for time.Time without a third-party codec.
package proto

import "time"

// NodeStatus is the lifecycle status of a fleet node.
type NodeStatus string

const (
	StatusRegistered NodeStatus = "registered"
	StatusActive NodeStatus = "active"
	StatusDraining NodeStatus = "draining"
	StatusTerminating NodeStatus = "terminating"
	StatusDead NodeStatus = "dead"
)

// NodeMetrics is the subset of a node's self-reported health used by the
// resource manager and the node registry.
type NodeMetrics struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
	ActiveConnections int64 `json:"active_connections"`
	TotalConnections int64 `json:"total_connections"`
}

// NodeInfo is a fleet member as tracked by the orchestrator's registry.
type NodeInfo struct {
	NodeID string `json:"node_id"`
	PublicIP string `json:"public_ip"`
	RegisteredAt time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Status NodeStatus `json:"status"`
	Metrics NodeMetrics `json:"metrics"`
	Config string `json:"config,omitempty"`
}

// SecurityEvent is a per-request audit record. Never sampled.
type SecurityEvent struct {
	NodeID string `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
	SourceIP string `json:"source_ip"`
	Method string `json:"method"`
	URI string `json:"uri"`
	Host string `json:"host"`
	UserAgent string `json:"user_agent"`
	WafResult string `json:"waf_result"`
	RequestSize int64 `json:"request_size"`
	ResponseCode int `json:"response_status"`
	ProcessingMs float64 `json:"processing_ms"`
}

// TelemetryEvent is the lighter behavioral-analysis record, published only
// for status >= 400 or blocked requests.
type TelemetryEvent struct {
	NodeID string `json:"node_id"`
	SourceIP string `json:"source_ip"`
	URI string `json:"uri"`
	StatusCode int `json:"status_code"`
	Timestamp time.Time `json:"timestamp"`
	Method string `json:"method"`
	UserAgent string `json:"user_agent"`
}

// BlockAction distinguishes the two mutations a BlockCommand can request.
type BlockAction string

const (
	ActionAddDynamicRule BlockAction = "ADD_DYNAMIC_RULE"
	ActionIPBlock BlockAction = "IP_BLOCK"
	ActionRemove BlockAction = "REMOVE"
)

// BlockCommand instructs every receiving node to block (or unblock) an IP
// for a bounded duration.
type BlockCommand struct {
	CommandID string `json:"command_id"`
	IP string `json:"ip"`
	Reason string `json:"reason"`
	DurationS int64 `json:"duration_s"`
	Action BlockAction `json:"action"`
	IssuedAt time.Time `json:"issued_at"`
	Source string `json:"source"`
}

// ControlCommand is the generic fleet-wide convergence message emitted by
// the threat-intel expert on `control.commands`.
type ControlCommand struct {
	CommandID string `json:"command_id"`
	IP string `json:"ip"`
	TTLS int64 `json:"ttl_seconds"`
	IssuedAt time.Time `json:"issued_at"`
	Source string `json:"source"`
}

// StateUpdate rides topic `state.sync` carrying CRDT deltas or snapshots.
type StateUpdate struct {
	NodeID string `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
	Counters map[string]map[string]uint64 `json:"counters"`
	IsDelta bool `json:"is_delta"`
}

// TrafficFeatures is the fixed, order-stable 8-vector used by the anomaly
// expert. Field order is part of the contract: any consumer
// treating this as []float64 relies on this exact order.
type TrafficFeatures struct {
	RequestCount float64 `json:"request_count"`
	ErrorRatio float64 `json:"error_ratio"`
	DistinctURIs float64 `json:"distinct_uris"`
	URIEntropy float64 `json:"uri_entropy"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	LatencyStdDevMs float64 `json:"latency_stddev_ms"`
	RequestRate float64 `json:"request_rate"`
	UserAgentDiversity float64 `json:"user_agent_diversity"`
}

// Vector returns the feature vector in the stable order documented on
// TrafficFeatures.
func (f TrafficFeatures) Vector() [8]float64 {
	return [8]float64{
		f.RequestCount, f.ErrorRatio, f.DistinctURIs, f.URIEntropy,
		f.AvgLatencyMs, f.LatencyStdDevMs, f.RequestRate, f.UserAgentDiversity,
	}
}
