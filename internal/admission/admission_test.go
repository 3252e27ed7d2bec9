// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package admission

import (
	"net/netip"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		MaxTotalConnections: 1000,
		MaxConnectionsPerIP: 2,
		RatePerSecond: 1000,
		RateBurst: 1000,
		ViolationThreshold: 3,
		BlacklistDuration: 60 * time.Second,
		MaintenanceInterval: time.Minute,
	}
}

// TestPerIPLimit is an end-to-end scenario: with
// max_connections_per_ip = 2, three consecutive admissions from the same
// IP yield Allow, Allow, ConnectionLimitExceeded, with one violation
// recorded.
func TestPerIPLimit(t *testing.T) {
	c := New(testConfig())
	ip := netip.MustParseAddr("10.0.0.5")

	if d := c.Check(ip); d != Allow {
		t.Fatalf("1st check: got %v, want Allow", d)
	}
	if d := c.Check(ip); d != Allow {
		t.Fatalf("2nd check: got %v, want Allow", d)
	}
	if d := c.Check(ip); d != ConnectionLimitExceeded {
		t.Fatalf("3rd check: got %v, want ConnectionLimitExceeded", d)
	}
	if got := c.ViolationCount(ip); got != 1 {
		t.Fatalf("violation count: got %d, want 1", got)
	}
}

func TestWhitelistOverridesEverything(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnectionsPerIP = 0
	whitelist, err := ParseCIDRList([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("ParseCIDRList: %v", err)
	}
	cfg.Whitelist = whitelist
	c := New(cfg)

	ip := netip.MustParseAddr("10.1.2.3")
	if d := c.Check(ip); d != Allow {
		t.Fatalf("expected whitelisted IP to always Allow, got %v", d)
	}
}

func TestStaticBlacklist(t *testing.T) {
	cfg := testConfig()
	blacklist, err := ParseCIDRList([]string{"1.2.3.0/24"})
	if err != nil {
		t.Fatalf("ParseCIDRList: %v", err)
	}
	cfg.Blacklist = blacklist
	c := New(cfg)

	if d := c.Check(netip.MustParseAddr("1.2.3.4")); d != Blacklisted {
		t.Fatalf("expected Blacklisted, got %v", d)
	}
}

func TestDynamicBlockAndExpiry(t *testing.T) {
	c := New(testConfig())
	ip := netip.MustParseAddr("1.2.3.4")

	fakeNow := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return fakeNow }

	c.Block(ip, 60*time.Second, "threatintel", "manual block")
	if d := c.Check(ip); d != Blacklisted {
		t.Fatalf("expected Blacklisted immediately after Block, got %v", d)
	}

	fakeNow = fakeNow.Add(61 * time.Second)
	c.Maintain()

	if d := c.Check(ip); d != Allow {
		t.Fatalf("expected Allow after expiry + sweep, got %v", d)
	}
}

func TestGlobalLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotalConnections = 1
	cfg.MaxConnectionsPerIP = 10
	c := New(cfg)

	if d := c.Check(netip.MustParseAddr("10.0.0.1")); d != Allow {
		t.Fatalf("expected first connection to Allow")
	}
	if d := c.Check(netip.MustParseAddr("10.0.0.2")); d != GlobalLimitExceeded {
		t.Fatalf("expected GlobalLimitExceeded, got %v", d)
	}
}

func TestReleaseSaturatesAtZero(t *testing.T) {
	c := New(testConfig())
	ip := netip.MustParseAddr("10.0.0.9")

	// Releasing with no prior admitted connection must not go negative.
	c.Release(ip)
	c.Release(ip)

	if got := c.totalConns(); got != 0 {
		t.Fatalf("expected total connections to saturate at 0, got %d", got)
	}

	c.Check(ip)
	c.Release(ip)
	c.Release(ip)
	if got := c.totalConns(); got != 0 {
		t.Fatalf("expected total connections to saturate at 0 after double release, got %d", got)
	}
}

func TestMaintainReapsIdlePerIPRows(t *testing.T) {
	c := New(testConfig())
	ip := netip.MustParseAddr("10.0.0.42")

	c.Check(ip)
	c.Release(ip)

	c.Maintain()

	c.mu.RLock()
	_, stillPresent := c.perIP[ip]
	c.mu.RUnlock()
	if stillPresent {
		t.Fatal("expected idle per-IP row to be reaped by Maintain")
	}
}
