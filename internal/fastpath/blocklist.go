// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package fastpath implements the kernel-fast-path packet filter: an
// O(1) lookup of the source IP against a bounded blocklist map,
// maintained from user space and consulted on every packet before any
// connection state is allocated.
//
// Three interchangeable backends implement the Blocklist interface:
// EBPFBlocklist (ebpf_linux.go) keeps the entries in a kernel BPF hash
// map created with github.com/cilium/ebpf, for an XDP program to consult
// (this package loads and attaches no program itself); NftablesBlocklist (nftables_linux.go)
// programs a netfilter set with github.com/google/nftables for NICs
// without native XDP support; MapBlocklist below is the pure-Go
// reference implementation used in tests and on platforms without
// either. The rest of the pipeline never cares which backend is
// active.
package fastpath

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	aegiserrors "github.com/aegismesh/aegis/internal/errors"
)

// DefaultCapacity bounds the blocklist to a fixed cardinality so a flood
// of distinct source IPs cannot grow the fast path's memory footprint
// without bound.
const DefaultCapacity = 10240

// BlockEntry is the kernel fast-path blocklist value: 24 bytes packed as
// u64 blocked_at, u32 hit_count, u32 flags plus alignment.
type BlockEntry struct {
	BlockedAt int64
	HitCount uint32
	Flags uint32
}

// Verdict is the fast-path decision for one packet.
type Verdict int

const (
	VerdictPass Verdict = iota
	VerdictDrop
)

// Blocklist is the minimal contract the packet loop needs: look a source
// IP up, record a hit, or insert/remove an entry. Implementations must
// never allocate on Lookup — only Insert may fail (map full).
type Blocklist interface {
	// Lookup returns the entry for ip and whether it is present. It must
	// not allocate and must not error: the packet loop treats lookup as
	// infallible.
	Lookup(ip uint32) (BlockEntry, bool)
	// RecordHit increments hit_count for ip if present.
	RecordHit(ip uint32)
	// Insert adds or refreshes ip with the given entry. Returns an error
	// if the map is at capacity and ip is not already present.
	Insert(ip uint32, entry BlockEntry) error
	// Remove deletes ip if present.
	Remove(ip uint32)
	// Len returns the current cardinality.
	Len() int
}

// IPv4ToUint32 converts a dotted-quad or net.IP to the network-byte-order
// u32 key used by BlockEntry.
func IPv4ToUint32(ip net.IP) (uint32, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, false
	}
	return binary.BigEndian.Uint32(v4), true
}

// Uint32ToIPv4 is the inverse of IPv4ToUint32.
func Uint32ToIPv4(v uint32) net.IP {
	b := make(net.IP, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// MapBlocklist is a fixed-capacity, lock-guarded in-memory Blocklist. It
// backs tests, CI, and any non-Linux build, and is the default backend
// everywhere; on Linux, NewBackend returns EBPFBlocklist (ebpf_linux.go)
// or NftablesBlocklist instead when the configured Kind asks for one.
type MapBlocklist struct {
	mu sync.RWMutex
	entries map[uint32]*BlockEntry
	capacity int
}

// NewMapBlocklist returns an empty blocklist bounded at capacity entries.
// capacity <= 0 defaults to DefaultCapacity.
func NewMapBlocklist(capacity int) *MapBlocklist {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MapBlocklist{
		entries: make(map[uint32]*BlockEntry, capacity),
		capacity: capacity,
	}
}

func (b *MapBlocklist) Lookup(ip uint32) (BlockEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[ip]
	if !ok {
		return BlockEntry{}, false
	}
	return *e, true
}

func (b *MapBlocklist) RecordHit(ip uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[ip]; ok {
		e.HitCount++
	}
}

func (b *MapBlocklist) Insert(ip uint32, entry BlockEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.entries[ip]; !exists && len(b.entries) >= b.capacity {
		return aegiserrors.Errorf(aegiserrors.KindFastPath, "blocklist at capacity (%d entries)", b.capacity)
	}
	stored := entry
	b.entries[ip] = &stored
	return nil
}

func (b *MapBlocklist) Remove(ip uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, ip)
}

func (b *MapBlocklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// PacketFilter is the per-packet decision point. It never returns an
// error from Observe: the packet loop never errors, and unparseable
// frames simply pass through rather than being rejected.
type PacketFilter struct {
	blocklist Blocklist

	mu sync.Mutex
	packetsProcessed uint64
	packetsDropped uint64
	packetsPassed uint64
	insertFailures uint64
}

// NewPacketFilter wraps blocklist with packet-path counters.
func NewPacketFilter(blocklist Blocklist) *PacketFilter {
	return &PacketFilter{blocklist: blocklist}
}

// Observe is called for every IPv4 packet's source address. An IP that
// fails to parse is treated as "pass" (not a validator).
func (f *PacketFilter) Observe(srcIP net.IP) Verdict {
	f.mu.Lock()
	f.packetsProcessed++
	f.mu.Unlock()

	key, ok := IPv4ToUint32(srcIP)
	if !ok {
		f.mu.Lock()
		f.packetsPassed++
		f.mu.Unlock()
		return VerdictPass
	}

	if _, blocked := f.blocklist.Lookup(key); blocked {
		f.blocklist.RecordHit(key)
		f.mu.Lock()
		f.packetsDropped++
		f.mu.Unlock()
		return VerdictDrop
	}

	f.mu.Lock()
	f.packetsPassed++
	f.mu.Unlock()
	return VerdictPass
}

// Block inserts ip into the underlying blocklist effective immediately.
// Insert failures (map full) are surfaced to the caller, never to the
// packet loop.
func (f *PacketFilter) Block(ip net.IP, now time.Time, flags uint32) error {
	key, ok := IPv4ToUint32(ip)
	if !ok {
		return aegiserrors.New(aegiserrors.KindValidation, "fastpath: not an IPv4 address")
	}
	err := f.blocklist.Insert(key, BlockEntry{BlockedAt: now.Unix(), Flags: flags})
	if err != nil {
		f.mu.Lock()
		f.insertFailures++
		f.mu.Unlock()
	}
	return err
}

// Unblock removes ip from the blocklist.
func (f *PacketFilter) Unblock(ip net.IP) {
	if key, ok := IPv4ToUint32(ip); ok {
		f.blocklist.Remove(key)
	}
}

// Stats is a point-in-time snapshot of the packet path counters.
type Stats struct {
	PacketsProcessed uint64
	PacketsDropped uint64
	PacketsPassed uint64
	InsertFailures uint64
	BlockedIPs int
}

func (f *PacketFilter) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		PacketsProcessed: f.packetsProcessed,
		PacketsDropped: f.packetsDropped,
		PacketsPassed: f.packetsPassed,
		InsertFailures: f.insertFailures,
		BlockedIPs: f.blocklist.Len(),
	}
}
