// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package registry implements the orchestrator's node registry and
// heartbeat lifecycle: a concurrent map of NodeId to
// NodeInfo, register/heartbeat mutations, and a background sweep that
// declares a node Dead once it misses heartbeats, distinguishing a
// graceful shutdown from an UNEXPECTED_NODE_FAILURE.
//
// Concurrent map guarded by sync.RWMutex, with node-facing handlers
// exposed through internal/orchhttp.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	aegiserrors "github.com/aegismesh/aegis/internal/errors"
	"github.com/aegismesh/aegis/internal/logging"
	"github.com/aegismesh/aegis/internal/proto"
)

// FailureKind distinguishes why a node left the fleet.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureGraceful
	FailureUnexpected
)

// FailureEvent is reported to Registry.Failures for every node the dead
// check transitions to Dead.
type FailureEvent struct {
	NodeID string
	IP string
	Kind FailureKind
}

// Config holds the named registry parameters.
type Config struct {
	HeartbeatTimeout time.Duration
	DeadCheckInterval time.Duration
}

// Registry is the orchestrator's fleet membership table.
type Registry struct {
	cfg Config

	mu sync.RWMutex
	nodes map[string]*proto.NodeInfo
	intentToTerminate map[string]struct{}

	failures chan FailureEvent
	now func() time.Time
}

// New returns an empty Registry. Failures delivers exactly one
// FailureEvent per node transitioned to Dead by the background sweep;
// callers must drain it (see cmd/orchestrator's wiring into the
// resource manager).
func New(cfg Config) *Registry {
	if cfg.DeadCheckInterval <= 0 {
		cfg.DeadCheckInterval = 10 * time.Second
	}
	return &Registry{
		cfg: cfg,
		nodes: make(map[string]*proto.NodeInfo),
		intentToTerminate: make(map[string]struct{}),
		failures: make(chan FailureEvent, 64),
		now: time.Now,
	}
}

// Failures returns the channel self-healing events are delivered on.
func (r *Registry) Failures() <-chan FailureEvent {
	return r.failures
}

// Register inserts a new node with a fresh NodeId and status
// Registered, returning the assigned id.
func (r *Registry) Register(publicIP string) string {
	id := uuid.NewString()
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[id] = &proto.NodeInfo{
		NodeID: id,
		PublicIP: publicIP,
		RegisteredAt: now,
		LastHeartbeat: now,
		Status: proto.StatusRegistered,
	}
	return id
}

// Heartbeat updates last_heartbeat, status, and metrics for nodeID. It
// returns an error with KindNotFound if nodeID is unknown.
func (r *Registry) Heartbeat(nodeID string, status proto.NodeStatus, metrics proto.NodeMetrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[nodeID]
	if !ok {
		return aegiserrors.Errorf(aegiserrors.KindNotFound, "unknown node %s", nodeID)
	}
	node.LastHeartbeat = r.now()
	node.Status = status
	node.Metrics = metrics
	return nil
}

// Get returns a copy of the node's current info.
func (r *Registry) Get(nodeID string) (proto.NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[nodeID]
	if !ok {
		return proto.NodeInfo{}, false
	}
	return *node, true
}

// Active returns every node currently in the Active status.
func (r *Registry) Active() []proto.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]proto.NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.Status == proto.StatusActive {
			out = append(out, *n)
		}
	}
	return out
}

// All returns every node in the registry.
func (r *Registry) All() []proto.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]proto.NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	return out
}

// MarkIntentToTerminate records that the resource manager has commanded
// nodeID to shut down, so the dead-check sweep treats its eventual
// disappearance as graceful rather than an unexpected failure.
func (r *Registry) MarkIntentToTerminate(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intentToTerminate[nodeID] = struct{}{}
}

// SetStatus directly sets a node's status (used by the resource manager
// to mark a scale-down candidate Draining).
func (r *Registry) SetStatus(nodeID string, status proto.NodeStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[nodeID]
	if !ok {
		return aegiserrors.Errorf(aegiserrors.KindNotFound, "unknown node %s", nodeID)
	}
	node.Status = status
	return nil
}

// DeadCheck runs one pass of the background sweep: any node whose
// last_heartbeat predates HeartbeatTimeout and whose status is not
// already Dead or Terminating transitions to Dead, reported on Failures
// with the graceful/unexpected distinction.
func (r *Registry) DeadCheck() {
	now := r.now()

	r.mu.Lock()
	var newlyDead []FailureEvent
	for id, node := range r.nodes {
		if node.Status == proto.StatusDead || node.Status == proto.StatusTerminating {
			continue
		}
		if now.Sub(node.LastHeartbeat) <= r.cfg.HeartbeatTimeout {
			continue
		}
		node.Status = proto.StatusDead
		kind := FailureUnexpected
		if _, graceful := r.intentToTerminate[id]; graceful {
			kind = FailureGraceful
			delete(r.intentToTerminate, id)
		}
		newlyDead = append(newlyDead, FailureEvent{NodeID: id, IP: node.PublicIP, Kind: kind})
	}
	r.mu.Unlock()

	for _, ev := range newlyDead {
		select {
		case r.failures <- ev:
		default:
		}
	}
}

// Run executes DeadCheck on cfg.DeadCheckInterval until stop is closed.
func (r *Registry) Run(stop <-chan struct{}, logger *logging.Logger) {
	ticker := time.NewTicker(r.cfg.DeadCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.DeadCheck()
		case <-stop:
			if logger != nil {
				logger.Info("registry: dead-check sweep stopped")
			}
			return
		}
	}
}
