// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package behavioral implements the behavioral expert: it consumes
// telemetry events, keeps a per-IP sliding window of request/error
// counts, and publishes a BlockCommand once either threshold is
// crossed inside the window.
//
// The accumulate-and-sweep shape — a map of per-key stats plus a
// periodic cleanup pass — is the same pattern admission.Controller.Maintain
// uses for its per-IP rows, here applied to per-IP request windows.
package behavioral

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

// Config holds the named thresholds the sliding-window evaluation uses.
type Config struct {
	WindowSeconds int64
	ErrorThreshold int
	RequestThreshold int
	BlockDurationS int64
	CleanupInterval time.Duration
}

type sample struct {
	at time.Time
	isError bool
}

type window struct {
	mu sync.Mutex
	samples []sample
}

// Expert watches telemetry for one node's fleet and emits BlockCommands
// on internal/bus's commands.block topic.
type Expert struct {
	cfg Config
	bus bus.Publisher
	logger *logging.Logger

	mu sync.Mutex
	windows map[string]*window

	now func() time.Time
}

// New returns an Expert publishing commands through pub.
func New(cfg Config, pub bus.Publisher, logger *logging.Logger) *Expert {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Duration(cfg.WindowSeconds) * time.Second
	}
	return &Expert{
		cfg: cfg,
		bus: pub,
		logger: logger,
		windows: make(map[string]*window),
		now: time.Now,
	}
}

func (e *Expert) windowFor(ip string) *window {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.windows[ip]
	if !ok {
		w = &window{}
		e.windows[ip] = w
	}
	return w
}

// Observe records one telemetry event and, if the window's thresholds are
// now exceeded, publishes a BlockCommand.
func (e *Expert) Observe(ctx context.Context, ev proto.TelemetryEvent) error {
	now := e.now()
	horizon := now.Add(-time.Duration(e.cfg.WindowSeconds) * time.Second)

	w := e.windowFor(ev.SourceIP)
	w.mu.Lock()
	w.samples = append(w.samples, sample{at: now, isError: ev.StatusCode >= 400})

	kept := w.samples[:0]
	errorCount := 0
	for _, s := range w.samples {
		if s.at.Before(horizon) {
			continue
		}
		kept = append(kept, s)
		if s.isError {
			errorCount++
		}
	}
	w.samples = kept
	total := len(kept)
	w.mu.Unlock()

	if errorCount >= e.cfg.ErrorThreshold || total >= e.cfg.RequestThreshold {
		return e.block(ctx, ev.SourceIP)
	}
	return nil
}

func (e *Expert) block(ctx context.Context, ip string) error {
	cmd := proto.BlockCommand{
		CommandID: uuid.NewString(),
		IP: ip,
		Reason: "behavioral_threshold_exceeded",
		DurationS: e.cfg.BlockDurationS,
		Action: proto.ActionIPBlock,
		IssuedAt: e.now(),
		Source: "BehavioralExpert",
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if e.logger != nil {
		e.logger.Info("behavioral: blocking ip", "ip", ip, "duration_s", e.cfg.BlockDurationS)
	}
	return e.bus.Publish(ctx, bus.TopicCommandsBlock, payload)
}

// Cleanup evicts windows older than WindowSeconds with no remaining
// samples.
func (e *Expert) Cleanup() {
	horizon := e.now().Add(-time.Duration(e.cfg.WindowSeconds) * time.Second)

	e.mu.Lock()
	ips := make([]string, 0, len(e.windows))
	for ip := range e.windows {
		ips = append(ips, ip)
	}
	e.mu.Unlock()

	for _, ip := range ips {
		w := e.windowFor(ip)
		w.mu.Lock()
		stale := true
		for _, s := range w.samples {
			if !s.at.Before(horizon) {
				stale = false
				break
			}
		}
		w.mu.Unlock()
		if stale {
			e.mu.Lock()
			delete(e.windows, ip)
			e.mu.Unlock()
		}
	}
}

// Run consumes telemetry from sub and runs Cleanup on cfg.CleanupInterval
// until ctx is canceled.
func (e *Expert) Run(ctx context.Context, sub bus.Subscriber) error {
	msgs, err := sub.Subscribe(ctx, bus.TopicTelemetryPrefix+"*")
	if err != nil {
		return err
	}

	ticker := time.NewTicker(e.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Cleanup()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev proto.TelemetryEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				if e.logger != nil {
					e.logger.Warn("behavioral: malformed telemetry event", "error", err)
				}
				continue
			}
			if err := e.Observe(ctx, ev); err != nil && e.logger != nil {
				e.logger.Warn("behavioral: publish block command failed", "error", err)
			}
		}
	}
}
