// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package fastpath

import (
	"net"
	"testing"
	"time"
)

func TestMapBlocklistCapacity(t *testing.T) {
	bl := NewMapBlocklist(2)

	if err := bl.Insert(1, BlockEntry{}); err != nil {
		t.Fatalf("insert 1: %v", err)
	}
	if err := bl.Insert(2, BlockEntry{}); err != nil {
		t.Fatalf("insert 2: %v", err)
	}
	if err := bl.Insert(3, BlockEntry{}); err == nil {
		t.Fatal("expected capacity error on third distinct insert")
	}
	// Refreshing an existing key must not count against capacity.
	if err := bl.Insert(1, BlockEntry{Flags: 1}); err != nil {
		t.Fatalf("refresh existing key: %v", err)
	}
	if bl.Len() != 2 {
		t.Fatalf("expected Len() == 2, got %d", bl.Len())
	}
}

func TestMapBlocklistLookupAndHit(t *testing.T) {
	bl := NewMapBlocklist(DefaultCapacity)
	key, _ := IPv4ToUint32(net.ParseIP("203.0.113.5"))

	if _, ok := bl.Lookup(key); ok {
		t.Fatal("expected miss before insert")
	}

	if err := bl.Insert(key, BlockEntry{BlockedAt: 100, Flags: 1}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	bl.RecordHit(key)
	bl.RecordHit(key)

	entry, ok := bl.Lookup(key)
	if !ok {
		t.Fatal("expected hit after insert")
	}
	if entry.HitCount != 2 {
		t.Fatalf("expected HitCount == 2, got %d", entry.HitCount)
	}

	bl.Remove(key)
	if _, ok := bl.Lookup(key); ok {
		t.Fatal("expected miss after remove")
	}
}

func TestPacketFilterObserveNeverErrors(t *testing.T) {
	f := NewPacketFilter(NewMapBlocklist(DefaultCapacity))

	// A non-IPv4 address (nil / unparseable) must pass, never panic or error.
	if v := f.Observe(nil); v != VerdictPass {
		t.Fatalf("expected VerdictPass for nil address, got %v", v)
	}

	v6 := net.ParseIP("::1")
	if v := f.Observe(v6); v != VerdictPass {
		t.Fatalf("expected VerdictPass for IPv6 address, got %v", v)
	}

	stats := f.Stats()
	if stats.PacketsProcessed != 2 || stats.PacketsPassed != 2 {
		t.Fatalf("unexpected stats after unparseable observations: %+v", stats)
	}
}

func TestPacketFilterBlockAndObserve(t *testing.T) {
	f := NewPacketFilter(NewMapBlocklist(DefaultCapacity))
	ip := net.ParseIP("198.51.100.7")
	now := time.Unix(1_700_000_000, 0)

	if err := f.Block(ip, now, 1); err != nil {
		t.Fatalf("Block: %v", err)
	}

	if v := f.Observe(ip); v != VerdictDrop {
		t.Fatalf("expected VerdictDrop for blocked IP, got %v", v)
	}

	stats := f.Stats()
	if stats.PacketsDropped != 1 {
		t.Fatalf("expected PacketsDropped == 1, got %d", stats.PacketsDropped)
	}
	if stats.BlockedIPs != 1 {
		t.Fatalf("expected BlockedIPs == 1, got %d", stats.BlockedIPs)
	}

	f.Unblock(ip)
	if v := f.Observe(ip); v != VerdictPass {
		t.Fatalf("expected VerdictPass after unblock, got %v", v)
	}
}

func TestPacketFilterInsertFailureCounted(t *testing.T) {
	f := NewPacketFilter(NewMapBlocklist(1))
	now := time.Unix(1_700_000_000, 0)

	if err := f.Block(net.ParseIP("10.0.0.1"), now, 0); err != nil {
		t.Fatalf("first Block: %v", err)
	}
	if err := f.Block(net.ParseIP("10.0.0.2"), now, 0); err == nil {
		t.Fatal("expected capacity error on second distinct Block")
	}

	stats := f.Stats()
	if stats.InsertFailures != 1 {
		t.Fatalf("expected InsertFailures == 1, got %d", stats.InsertFailures)
	}
}

func TestIPv4RoundTrip(t *testing.T) {
	ip := net.ParseIP("192.168.1.100")
	key, ok := IPv4ToUint32(ip)
	if !ok {
		t.Fatal("expected IPv4ToUint32 to succeed")
	}
	back := Uint32ToIPv4(key)
	if !back.Equal(ip.To4()) {
		t.Fatalf("round trip mismatch: got %v, want %v", back, ip.To4())
	}
}
