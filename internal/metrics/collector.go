// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"sync"
	"time"

	"github.com/aegismesh/aegis/internal/fastpath"
	"github.com/aegismesh/aegis/internal/logging"
	"github.com/aegismesh/aegis/internal/resourcemgr"
	"github.com/aegismesh/aegis/internal/sandbox"
	"github.com/aegismesh/aegis/internal/waf"
)

// Sources wires the components a Collector polls. Every field is
// optional: a nil source is simply skipped each tick, so the mitigation
// node and the orchestrator can share one Collector type while only
// populating the sources relevant to their own process.
type Sources struct {
	FastPath    *fastpath.PacketFilter
	WAF         *waf.Engine
	Sandbox     *sandbox.Engine
	ResourceMgr *resourcemgr.Manager
}

// Collector periodically samples Sources' cumulative counters and
// updates a Registry. Prometheus counters are monotonic, so the
// collector tracks the last-seen cumulative value per counter and adds
// only the delta each tick. No restart-persisted baseline is needed
// since these counters reset with the process.
type Collector struct {
	registry *Registry
	sources  Sources
	logger   *logging.Logger
	interval time.Duration
	stopCh   chan struct{}

	mu               sync.Mutex
	lastPacketsProc  uint64
	lastPacketsDrop  uint64
	lastPacketsPass  uint64
	lastInsertFail   uint64
	lastWafInspected uint64
	lastWafMatches   map[waf.Result]uint64
}

// NewCollector returns a Collector updating registry from sources every
// interval once Start is called.
func NewCollector(registry *Registry, sources Sources, interval time.Duration, logger *logging.Logger) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		registry:       registry,
		sources:        sources,
		logger:         logger,
		interval:       interval,
		stopCh:         make(chan struct{}),
		lastWafMatches: make(map[waf.Result]uint64),
	}
}

// Start runs the collection loop until Stop is called. Intended to run in
// its own goroutine.
func (c *Collector) Start() {
	if c.logger != nil {
		c.logger.Info("metrics: starting collector", "interval", c.interval.String())
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopCh:
			return
		}
	}
}

// Stop halts the collection loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sources.FastPath != nil {
		stats := c.sources.FastPath.Stats()
		addCounterDelta(c.registry.PacketsProcessed, &c.lastPacketsProc, stats.PacketsProcessed)
		addCounterDelta(c.registry.PacketsDropped, &c.lastPacketsDrop, stats.PacketsDropped)
		addCounterDelta(c.registry.PacketsPassed, &c.lastPacketsPass, stats.PacketsPassed)
		addCounterDelta(c.registry.MapInsertFailures, &c.lastInsertFail, stats.InsertFailures)
		c.registry.BlockedIPs.Set(float64(stats.BlockedIPs))
	}

	if c.sources.WAF != nil {
		stats := c.sources.WAF.Stats()
		addCounterDelta(c.registry.WafRequestsInspected, &c.lastWafInspected, stats.RequestsInspected)
		for family, count := range stats.Matches {
			prev := c.lastWafMatches[family]
			if count > prev {
				c.registry.WafMatches.WithLabelValues(string(family)).Add(float64(count - prev))
			}
			c.lastWafMatches[family] = count
		}
	}

	if c.sources.Sandbox != nil {
		c.registry.SandboxModulesLoaded.Set(float64(len(c.sources.Sandbox.ListModules())))
	}

	if c.sources.ResourceMgr != nil {
		snap := c.sources.ResourceMgr.FleetSnapshot()
		c.registry.FleetActiveNodes.Set(float64(snap.ActiveCount))
		c.registry.FleetAvgCPU.Set(snap.AvgCPU)
		c.registry.FleetAvgMem.Set(snap.AvgMem)
	}
}

// addCounterDelta adds the positive difference between current and the
// value stored at *last to ctr, then updates *last. A current value less
// than *last (process restart of the source, not the collector) is
// treated as a reset: the whole current value becomes the delta.
func addCounterDelta(ctr interface{ Add(float64) }, last *uint64, current uint64) {
	if current < *last {
		ctr.Add(float64(current))
	} else {
		ctr.Add(float64(current - *last))
	}
	*last = current
}
