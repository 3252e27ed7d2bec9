// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package resourcemgr implements the predictive resource manager:
// fleet-wide metric aggregation, a per-minute CPU history with a
// linear-regression projection used to arm a scale-up decision, a
// hysteresis-counted scale-down path, and self-healing webhook callouts
// for nodes the registry reports as unexpectedly dead.
//
// Webhook delivery uses an *http.Client with an explicit timeout, a
// JSON-encoded POST body, and a logged (not fatal) failure on non-2xx
// or transport error.
package resourcemgr

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/aegismesh/aegis/internal/logging"
	"github.com/aegismesh/aegis/internal/proto"
	"github.com/aegismesh/aegis/internal/registry"
)

// Config holds the named thresholds the control loop evaluates against.
type Config struct {
	ScaleUpCPU float64
	ScaleDownCPU float64
	MinFleetSize int
	WebhookURL string
	TerminateGraceS int64
	WebhookTimeout time.Duration
	TickInterval time.Duration
	MaxHistoryMinutes int
}

// FleetMetrics is a point-in-time averaged snapshot of the active fleet.
type FleetMetrics struct {
	AvgCPU float64
	AvgMem float64
	TotalConnections int64
	ActiveCount int
	ScaleDownCandidate string
}

type cpuSample struct {
	minutesElapsed float64
	cpu float64
}

// Manager runs the fleet-scaling control loop against a registry.Registry.
type Manager struct {
	cfg Config
	reg *registry.Registry
	logger *logging.Logger
	client *http.Client

	mu sync.Mutex
	history []cpuSample
	startedAt time.Time
	scaleUpArmed int
	scaleDownArmed int

	now func() time.Time
}

// New returns a Manager for reg.
func New(cfg Config, reg *registry.Registry, logger *logging.Logger) *Manager {
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = 30 * time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.MaxHistoryMinutes <= 0 {
		cfg.MaxHistoryMinutes = 60
	}
	m := &Manager{
		cfg: cfg,
		reg: reg,
		logger: logger,
		client: &http.Client{Timeout: cfg.WebhookTimeout},
		now: time.Now,
	}
	m.startedAt = m.now()
	return m
}

// FleetSnapshot computes FleetMetrics over the registry's Active nodes.
func (m *Manager) FleetSnapshot() FleetMetrics {
	active := m.reg.Active()
	if len(active) == 0 {
		return FleetMetrics{}
	}

	var cpuSum, memSum float64
	var totalConns int64
	candidate := active[0]
	for _, n := range active {
		cpuSum += n.Metrics.CPUPercent
		memSum += n.Metrics.MemPercent
		totalConns += n.Metrics.TotalConnections
		if n.Metrics.ActiveConnections < candidate.Metrics.ActiveConnections {
			candidate = n
		}
	}

	return FleetMetrics{
		AvgCPU: cpuSum / float64(len(active)),
		AvgMem: memSum / float64(len(active)),
		TotalConnections: totalConns,
		ActiveCount: len(active),
		ScaleDownCandidate: candidate.NodeID,
	}
}

// RecordCPUSample appends one per-minute CPU observation to the history,
// trimming to MaxHistoryMinutes.
func (m *Manager) RecordCPUSample(cpu float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	elapsed := m.now().Sub(m.startedAt).Minutes()
	m.history = append(m.history, cpuSample{minutesElapsed: elapsed, cpu: cpu})
	if len(m.history) > m.cfg.MaxHistoryMinutes {
		m.history = m.history[len(m.history)-m.cfg.MaxHistoryMinutes:]
	}
}

// projectCPU fits a univariate linear regression of cpu over
// minutes-elapsed and returns the prediction at +10 minutes, clipped to
// [0,1]. ok is false if fewer than 10 samples are available.
func (m *Manager) projectCPU() (prediction float64, ok bool) {
	m.mu.Lock()
	samples := append([]cpuSample(nil), m.history...)
	m.mu.Unlock()

	if len(samples) < 10 {
		return 0, false
	}

	var n, sumX, sumY, sumXY, sumXX float64
	for _, s := range samples {
		n++
		sumX += s.minutesElapsed
		sumY += s.cpu
		sumXY += s.minutesElapsed * s.cpu
		sumXX += s.minutesElapsed * s.minutesElapsed
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return clip01(sumY / n), true
	}

	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n
	targetX := samples[len(samples)-1].minutesElapsed + 10
	prediction = slope*targetX + intercept
	return clip01(prediction), true
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// CheckScaleUp runs one predictive scale-up evaluation; call once per
// tick. Two consecutive armed checks fire a webhook POST.
func (m *Manager) CheckScaleUp(ctx context.Context) {
	prediction, ok := m.projectCPU()
	if !ok {
		return
	}

	m.mu.Lock()
	if prediction > m.cfg.ScaleUpCPU {
		m.scaleUpArmed++
	} else {
		m.scaleUpArmed = 0
	}
	armed := m.scaleUpArmed
	m.mu.Unlock()

	if armed == 2 {
		m.mu.Lock()
		m.scaleUpArmed = 0
		m.mu.Unlock()
		m.postWebhook(ctx, map[string]any{
			"reason": "PREDICTED_HIGH_FLEET_CPU_LOAD",
			"fleet_metrics": m.FleetSnapshot(),
			"predicted_cpu": prediction,
			"scale_up_cpu": m.cfg.ScaleUpCPU,
		})
	}
}

// CheckScaleDown runs one scale-down evaluation; call once per tick.
func (m *Manager) CheckScaleDown(ctx context.Context) {
	snapshot := m.FleetSnapshot()
	condition := snapshot.AvgCPU < m.cfg.ScaleDownCPU &&
		snapshot.ActiveCount > m.cfg.MinFleetSize &&
		snapshot.ScaleDownCandidate != ""

	m.mu.Lock()
	if condition {
		m.scaleDownArmed++
	} else {
		m.scaleDownArmed = 0
	}
	armed := m.scaleDownArmed
	m.mu.Unlock()

	if armed == 5 {
		m.mu.Lock()
		m.scaleDownArmed = 0
		m.mu.Unlock()

		candidate := snapshot.ScaleDownCandidate
		_ = m.reg.SetStatus(candidate, proto.StatusDraining)
		m.reg.MarkIntentToTerminate(candidate)
		m.postWebhook(ctx, map[string]any{
			"path": "/control/terminate",
			"node_id": candidate,
			"grace_period": 60,
		})
	}
}

// HandleFailure posts a self-healing payload for an unexpected node
// failure reported by the registry.
func (m *Manager) HandleFailure(ctx context.Context, ev registry.FailureEvent) {
	if ev.Kind != registry.FailureUnexpected {
		return
	}
	m.postWebhook(ctx, map[string]any{
		"reason": "UNEXPECTED_NODE_FAILURE",
		"node_id": ev.NodeID,
		"node_ip": ev.IP,
		"fleet_metrics": m.FleetSnapshot(),
	})
}

func (m *Manager) postWebhook(ctx context.Context, payload map[string]any) {
	if m.cfg.WebhookURL == "" {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("resourcemgr: failed to marshal webhook payload", "error", err)
		}
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.WebhookURL, bytes.NewReader(data))
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("resourcemgr: failed to build webhook request", "error", err)
		}
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("resourcemgr: webhook delivery failed", "error", err)
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if m.logger != nil {
			m.logger.Warn("resourcemgr: webhook returned non-success status", "status", resp.StatusCode)
		}
	}
}

// Run ticks CheckScaleUp and CheckScaleDown every cfg.TickInterval and
// forwards registry failures to HandleFailure, until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()
	failures := m.reg.Failures()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckScaleUp(ctx)
			m.CheckScaleDown(ctx)
		case ev := <-failures:
			m.HandleFailure(ctx, ev)
		}
	}
}
