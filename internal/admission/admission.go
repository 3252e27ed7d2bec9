// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package admission implements per-connection admission control:
// static allow/deny lists, a dynamic blocklist fed by threat-intel
// commands, a global and per-IP connection ceiling, and a token-bucket
// rate limit, all gated before a connection is handed to the TLS/HTTP
// front end.
package admission

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"

	aegiserrors "github.com/aegismesh/aegis/internal/errors"
)

// Decision is the outcome of an admission check.
type Decision int

const (
	Allow Decision = iota
	Blacklisted
	GlobalLimitExceeded
	ConnectionLimitExceeded
	RateLimited
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "Allow"
	case Blacklisted:
		return "Blacklisted"
	case GlobalLimitExceeded:
		return "GlobalLimitExceeded"
	case ConnectionLimitExceeded:
		return "ConnectionLimitExceeded"
	case RateLimited:
		return "RateLimited"
	default:
		return "Unknown"
	}
}

// Config controls the admission policy.
type Config struct {
	Whitelist []netip.Prefix
	Blacklist []netip.Prefix
	MaxTotalConnections int64
	MaxConnectionsPerIP int64
	RatePerSecond float64
	RateBurst int
	ViolationThreshold int
	BlacklistDuration time.Duration
	MaintenanceInterval time.Duration
}

// dynamicEntry is one row of the dynamic blocklist fed by threat-intel
// BlockCommands.
type dynamicEntry struct {
	expiry time.Time
	sourceExpert string
	reason string
}

// perIPState tracks live connection count, rate limiter, and violation
// count for one source IP. Zeroed/idle rows are reaped by Maintain.
type perIPState struct {
	mu sync.Mutex
	activeConns int64
	violationCount int
	limiter *rate.Limiter
}

// Controller is the admission gate for one node. It is safe for
// concurrent use.
type Controller struct {
	cfg Config

	mu sync.RWMutex
	dynamicBlocklist map[netip.Addr]dynamicEntry
	perIP map[netip.Addr]*perIPState
	totalConnections int64

	now func() time.Time
}

// New returns a Controller for cfg. Whitelist/Blacklist entries must
// already be validated CIDR prefixes.
func New(cfg Config) *Controller {
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 60 * time.Second
	}
	return &Controller{
		cfg: cfg,
		dynamicBlocklist: make(map[netip.Addr]dynamicEntry),
		perIP: make(map[netip.Addr]*perIPState),
		now: time.Now,
	}
}

func (c *Controller) inList(list []netip.Prefix, ip netip.Addr) bool {
	for _, p := range list {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func (c *Controller) stateFor(ip netip.Addr) *perIPState {
	c.mu.RLock()
	s, ok := c.perIP[ip]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.perIP[ip]; ok {
		return s
	}
	s = &perIPState{limiter: rate.NewLimiter(rate.Limit(c.cfg.RatePerSecond), c.cfg.RateBurst)}
	c.perIP[ip] = s
	return s
}

// Check evaluates whether a new connection from ip should be admitted:
// whitelist, blacklist, dynamic blocklist, global limit, per-IP limit,
// then rate limit, in that order. On an Allow that passed the limit
// checks it increments the per-IP and global counters; a whitelisted IP
// is allowed without being counted. Callers must call Release when the
// connection closes.
func (c *Controller) Check(ip netip.Addr) Decision {
	if c.inList(c.cfg.Whitelist, ip) {
		return Allow
	}

	if c.inList(c.cfg.Blacklist, ip) {
		return Blacklisted
	}
	c.mu.RLock()
	entry, dynamicallyBlocked := c.dynamicBlocklist[ip]
	c.mu.RUnlock()
	if dynamicallyBlocked && c.now().Before(entry.expiry) {
		return Blacklisted
	}

	if c.totalConns() >= c.cfg.MaxTotalConnections {
		return GlobalLimitExceeded
	}

	state := c.stateFor(ip)
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.activeConns >= c.cfg.MaxConnectionsPerIP {
		c.recordViolationLocked(ip, state)
		return ConnectionLimitExceeded
	}

	if !state.limiter.Allow() {
		c.recordViolationLocked(ip, state)
		return RateLimited
	}

	state.activeConns++
	c.addTotalConns(1)
	return Allow
}

// recordViolationLocked increments the violation counter for ip (state
// must already be locked) and, once it reaches ViolationThreshold, adds ip
// to the dynamic blocklist and resets the counter.
func (c *Controller) recordViolationLocked(ip netip.Addr, state *perIPState) {
	state.violationCount++
	if c.cfg.ViolationThreshold > 0 && state.violationCount >= c.cfg.ViolationThreshold {
		c.Block(ip, c.cfg.BlacklistDuration, "admission", "violation_threshold_exceeded")
		state.violationCount = 0
	}
}

// Release decrements the per-IP and global connection counters for ip,
// saturating at zero: a decrement below 0 indicates a double-release
// and must not overflow into a negative count.
func (c *Controller) Release(ip netip.Addr) {
	state := c.stateFor(ip)
	state.mu.Lock()
	if state.activeConns > 0 {
		state.activeConns--
		c.addTotalConns(-1)
	}
	state.mu.Unlock()
}

func (c *Controller) totalConns() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalConnections
}

// TotalConnections returns the current count of admitted connections,
// for self-reported node health.
func (c *Controller) TotalConnections() int64 {
	return c.totalConns()
}

func (c *Controller) addTotalConns(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalConnections += delta
	if c.totalConnections < 0 {
		c.totalConnections = 0
	}
}

// Block adds ip to the dynamic blocklist for duration, attributing the
// entry to sourceExpert/reason. duration <=
// 0 removes any existing entry instead (an explicit REMOVE command).
func (c *Controller) Block(ip netip.Addr, duration time.Duration, sourceExpert, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if duration <= 0 {
		delete(c.dynamicBlocklist, ip)
		return
	}
	c.dynamicBlocklist[ip] = dynamicEntry{
		expiry: c.now().Add(duration),
		sourceExpert: sourceExpert,
		reason: reason,
	}
}

// Unblock removes ip from the dynamic blocklist immediately.
func (c *Controller) Unblock(ip netip.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.dynamicBlocklist, ip)
}

// ViolationCount returns the current violation counter for ip, for tests
// and diagnostics.
func (c *Controller) ViolationCount(ip netip.Addr) int {
	state := c.stateFor(ip)
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.violationCount
}

// Maintain runs one pass of the background sweep: evict expired
// dynamic blocklist entries, and drop per-IP rows that are fully idle
// (no active connections, no violations).
func (c *Controller) Maintain() {
	now := c.now()

	c.mu.Lock()
	for ip, e := range c.dynamicBlocklist {
		if now.After(e.expiry) || now.Equal(e.expiry) {
			delete(c.dynamicBlocklist, ip)
		}
	}
	c.mu.Unlock()

	c.mu.RLock()
	candidates := make([]netip.Addr, 0, len(c.perIP))
	for ip := range c.perIP {
		candidates = append(candidates, ip)
	}
	c.mu.RUnlock()

	for _, ip := range candidates {
		c.mu.RLock()
		state := c.perIP[ip]
		c.mu.RUnlock()
		if state == nil {
			continue
		}
		state.mu.Lock()
		idle := state.activeConns == 0 && state.violationCount == 0
		state.mu.Unlock()
		if idle {
			c.mu.Lock()
			delete(c.perIP, ip)
			c.mu.Unlock()
		}
	}
}

// Run executes Maintain on cfg.MaintenanceInterval until stop closes,
// in the same cancelable-tick-loop shape every long-lived
// subsystem in this module uses.
func (c *Controller) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Maintain()
		case <-stop:
			return
		}
	}
}

// ParseCIDRList parses a slice of CIDR strings into netip.Prefix values,
// wrapping the first failure with KindConfiguration so a bad admission
// config fails fast at startup.
func ParseCIDRList(cidrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, s := range cidrs {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, aegiserrors.Wrapf(err, aegiserrors.KindConfiguration, "parse CIDR %q", s)
		}
		out = append(out, p)
	}
	return out, nil
}
