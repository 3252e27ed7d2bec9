// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package threatintel implements the threat-intel expert: an in-memory
// consolidated blocklist with TTLs, a events.waf consumer that re-emits
// a convergence command whenever a request arrives from an
// already-blocked IP, and manual block/unblock operations exposed over
// HTTP by internal/orchhttp.
package threatintel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegismesh/aegis/internal/bus"
	"github.com/aegismesh/aegis/internal/logging"
	"github.com/aegismesh/aegis/internal/proto"
)

type blockEntry struct {
	expiry time.Time
}

// Expert owns the fleet's consolidated blocklist. Safe for concurrent use.
type Expert struct {
	bus bus.Publisher
	logger *logging.Logger

	mu sync.RWMutex
	blocklist map[string]blockEntry

	now func() time.Time
}

// New returns an empty Expert publishing through pub.
func New(pub bus.Publisher, logger *logging.Logger) *Expert {
	return &Expert{
		bus: pub,
		logger: logger,
		blocklist: make(map[string]blockEntry),
		now: time.Now,
	}
}

// Block inserts ip into the consolidated blocklist for duration and
// publishes a control.commands convergence entry.
func (e *Expert) Block(ctx context.Context, ip string, duration time.Duration) error {
	e.mu.Lock()
	e.blocklist[ip] = blockEntry{expiry: e.now().Add(duration)}
	e.mu.Unlock()

	return e.publishConvergence(ctx, ip, duration)
}

// Unblock removes ip from the consolidated blocklist and publishes a
// REMOVE BlockCommand (zero duration) on commands.block.
func (e *Expert) Unblock(ctx context.Context, ip string) error {
	e.mu.Lock()
	delete(e.blocklist, ip)
	e.mu.Unlock()

	cmd := proto.BlockCommand{
		CommandID: uuid.NewString(),
		IP: ip,
		Reason: "manual_unblock",
		Action: proto.ActionRemove,
		IssuedAt: e.now(),
		Source: "ThreatIntelExpert",
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return e.bus.Publish(ctx, bus.TopicCommandsBlock, payload)
}

func (e *Expert) publishConvergence(ctx context.Context, ip string, remaining time.Duration) error {
	cmd := proto.ControlCommand{
		CommandID: uuid.NewString(),
		IP: ip,
		TTLS: int64(remaining.Seconds()),
		IssuedAt: e.now(),
		Source: "ThreatIntelExpert",
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if e.logger != nil {
		e.logger.Info("threatintel: emitting convergence command", "ip", ip, "ttl_s", cmd.TTLS)
	}
	return e.bus.Publish(ctx, bus.TopicControlCommands, payload)
}

// IsBlocked reports whether ip currently has an unexpired blocklist
// entry, and the remaining TTL if so.
func (e *Expert) IsBlocked(ip string) (time.Duration, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.blocklist[ip]
	if !ok {
		return 0, false
	}
	remaining := entry.expiry.Sub(e.now())
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

// HandleSecurityEvent consumes one events.waf SecurityEvent: if its
// source IP is already in the consolidated blocklist, re-emit a
// convergence command so every node converges.
func (e *Expert) HandleSecurityEvent(ctx context.Context, ev proto.SecurityEvent) error {
	remaining, blocked := e.IsBlocked(ev.SourceIP)
	if !blocked {
		return nil
	}
	return e.publishConvergence(ctx, ev.SourceIP, remaining)
}

// Run consumes events.waf from sub until ctx is canceled.
func (e *Expert) Run(ctx context.Context, sub bus.Subscriber) error {
	msgs, err := sub.Subscribe(ctx, bus.TopicSecurityEvents)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev proto.SecurityEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				if e.logger != nil {
					e.logger.Warn("threatintel: malformed security event", "error", err)
				}
				continue
			}
			if err := e.HandleSecurityEvent(ctx, ev); err != nil && e.logger != nil {
				e.logger.Warn("threatintel: handling security event failed", "error", err)
			}
		}
	}
}
