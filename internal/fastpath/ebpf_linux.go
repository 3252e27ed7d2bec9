// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package fastpath

import (
	"fmt"

	"github.com/cilium/ebpf"

	aegiserrors "github.com/aegismesh/aegis/internal/errors"
)

// EBPFBlocklist backs the Blocklist interface with a kernel BPF hash map
// so an attached XDP program can drop blocklisted sources before the
// packet reaches the normal network stack, without a syscall round-trip
// to user space. github.com/cilium/ebpf.Map is wrapped behind a small
// Go-side cache, trimmed to the one map this component needs.
type EBPFBlocklist struct {
	objPath string
	bpfMap  *ebpf.Map
	// mirror caches entry counts so Len() doesn't require an iteration
	// syscall on every admission decision.
	mirror *MapBlocklist
}

// LoadEBPFBlocklist reads the BPF object file at objPath and creates its
// "blocklist" map, with max_entries set to capacity when capacity > 0.
// It loads and attaches no program: ifaceName is accepted but not used,
// so no XDP hook is installed on that interface.
func LoadEBPFBlocklist(objPath, ifaceName string, capacity int) (*EBPFBlocklist, error) {
	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, aegiserrors.Wrapf(err, aegiserrors.KindFastPath, "load eBPF object %s", objPath)
	}

	mapSpec, ok := spec.Maps["blocklist"]
	if !ok {
		return nil, aegiserrors.New(aegiserrors.KindFastPath, "eBPF object missing 'blocklist' map")
	}
	if capacity > 0 {
		mapSpec.MaxEntries = uint32(capacity)
	}

	m, err := ebpf.NewMap(mapSpec)
	if err != nil {
		return nil, aegiserrors.Wrap(err, aegiserrors.KindFastPath, "create blocklist map")
	}

	return &EBPFBlocklist{
		objPath: objPath,
		bpfMap:  m,
		mirror:  NewMapBlocklist(int(mapSpec.MaxEntries)),
	}, nil
}

func (b *EBPFBlocklist) Lookup(ip uint32) (BlockEntry, bool) {
	var raw struct {
		BlockedAt uint64
		HitCount  uint32
		Flags     uint32
	}
	if err := b.bpfMap.Lookup(ip, &raw); err != nil {
		return BlockEntry{}, false
	}
	return BlockEntry{BlockedAt: int64(raw.BlockedAt), HitCount: raw.HitCount, Flags: raw.Flags}, true
}

func (b *EBPFBlocklist) RecordHit(ip uint32) {
	// Hit counting happens inside the XDP program itself on the real
	// fast path (no user-space round trip per packet); the mirror keeps
	// a best-effort count for API/metrics consumers that only have
	// access to this Go-side handle.
	b.mirror.RecordHit(ip)
}

func (b *EBPFBlocklist) Insert(ip uint32, entry BlockEntry) error {
	raw := struct {
		BlockedAt uint64
		HitCount  uint32
		Flags     uint32
	}{BlockedAt: uint64(entry.BlockedAt), HitCount: entry.HitCount, Flags: entry.Flags}

	if err := b.bpfMap.Update(ip, raw, ebpf.UpdateAny); err != nil {
		return aegiserrors.Wrap(err, aegiserrors.KindFastPath, fmt.Sprintf("insert %d into blocklist map", ip))
	}
	return b.mirror.Insert(ip, entry)
}

func (b *EBPFBlocklist) Remove(ip uint32) {
	_ = b.bpfMap.Delete(ip)
	b.mirror.Remove(ip)
}

func (b *EBPFBlocklist) Len() int {
	return b.mirror.Len()
}

// Close releases the underlying kernel map.
func (b *EBPFBlocklist) Close() error {
	return b.bpfMap.Close()
}
