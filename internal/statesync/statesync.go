// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package statesync gossips per-node counters across the fleet over
// internal/bus's state.sync topic, converging them with
// internal/crdt's grow-only counter so the orchestrator has a
// fleet-wide view of cumulative totals (requests served, connections
// dropped, WAF blocks issued) that tolerates lost messages and a
// temporarily unreachable orchestrator without any coordination
// protocol.
package statesync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/aegismesh/aegis/internal/bus"
	"github.com/aegismesh/aegis/internal/crdt"
	"github.com/aegismesh/aegis/internal/logging"
	"github.com/aegismesh/aegis/internal/proto"
)

// Sync holds one GCounter per named counter and tracks what was last
// published for each, so Publish only ever sends the delta.
type Sync struct {
	nodeID string
	logger *logging.Logger

	mu        sync.Mutex
	counters  map[string]*crdt.GCounter
	published map[string]map[string]uint64
}

// New returns a Sync that attributes local increments to nodeID.
func New(nodeID string, logger *logging.Logger) *Sync {
	return &Sync{
		nodeID:    nodeID,
		logger:    logger,
		counters:  make(map[string]*crdt.GCounter),
		published: make(map[string]map[string]uint64),
	}
}

func (s *Sync) counter(name string) *crdt.GCounter {
	g, ok := s.counters[name]
	if !ok {
		g = crdt.NewGCounter(s.nodeID)
		s.counters[name] = g
	}
	return g
}

// Increment adds delta to this node's own slot of the named counter.
func (s *Sync) Increment(name string, delta uint64) {
	if delta == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter(name).Increment(delta)
}

// Value returns the converged value of the named counter: this node's
// own contribution plus every peer slot merged in so far.
func (s *Sync) Value(name string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter(name).Value()
}

// Snapshot returns the converged value of every counter this Sync has
// observed, local or merged from a peer.
func (s *Sync) Snapshot() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.counters))
	for name, g := range s.counters {
		out[name] = g.Value()
	}
	return out
}

// Publish emits a StateUpdate carrying only the slots that changed
// since the last successful Publish. It is a no-op (and does not call
// pub) when nothing has changed.
func (s *Sync) Publish(ctx context.Context, pub bus.Publisher) error {
	s.mu.Lock()
	update := proto.StateUpdate{NodeID: s.nodeID, Timestamp: time.Now(), IsDelta: true, Counters: make(map[string]map[string]uint64)}
	for name, g := range s.counters {
		delta := g.Delta(s.published[name])
		if len(delta) == 0 {
			continue
		}
		update.Counters[name] = delta
	}
	s.mu.Unlock()

	if len(update.Counters) == 0 {
		return nil
	}

	payload, err := json.Marshal(update)
	if err != nil {
		return err
	}
	if err := pub.Publish(ctx, bus.TopicStateSync, payload); err != nil {
		return err
	}

	s.mu.Lock()
	for name, g := range s.counters {
		s.published[name] = g.Snapshot()
	}
	s.mu.Unlock()
	return nil
}

// Run calls Publish on interval until ctx is canceled, logging (not
// failing) publish errors so a transient bus outage doesn't stop local
// accounting.
func (s *Sync) Run(ctx context.Context, pub bus.Publisher, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Publish(ctx, pub); err != nil && s.logger != nil {
				s.logger.Warn("state sync publish failed", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// HandleUpdate merges an incoming StateUpdate's slots into the
// matching local counters. Safe to call with a snapshot or a delta:
// GCounter.Merge is idempotent and commutative either way.
func (s *Sync) HandleUpdate(update proto.StateUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, slots := range update.Counters {
		s.counter(name).Merge(slots)
	}
}

// Listen subscribes to state.sync and merges every update not
// originated by this node until ctx is canceled.
func (s *Sync) Listen(ctx context.Context, sub bus.Subscriber) error {
	msgs, err := sub.Subscribe(ctx, bus.TopicStateSync)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var update proto.StateUpdate
			if err := json.Unmarshal(msg.Payload, &update); err != nil {
				if s.logger != nil {
					s.logger.Warn("malformed state update", "err", err)
				}
				continue
			}
			if update.NodeID == s.nodeID {
				continue
			}
			s.HandleUpdate(update)
		}
	}
}
