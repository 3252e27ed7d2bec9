// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package fastpath

import aegiserrors "github.com/aegismesh/aegis/internal/errors"

// BackendConfig selects and parameterizes one of the Blocklist
// implementations in this package.
type BackendConfig struct {
	// Kind is "ebpf", "nftables", or "map" ("" defaults to "map").
	Kind string

	Capacity int

	// EBPF-only.
	ObjectPath string
	Iface      string

	// Nftables-only.
	TableName string
	SetName   string
}

// NewBackend builds the Blocklist named by cfg.Kind. On Linux this can
// be the real eBPF/XDP or nftables backend; every other platform only
// ever returns the in-memory map (see backend_other.go).
func NewBackend(cfg BackendConfig) (Blocklist, error) {
	switch cfg.Kind {
	case "ebpf":
		return LoadEBPFBlocklist(cfg.ObjectPath, cfg.Iface, cfg.Capacity)
	case "nftables":
		return NewNftablesBlocklist(cfg.TableName, cfg.SetName, cfg.Capacity)
	case "", "map":
		return NewMapBlocklist(cfg.Capacity), nil
	default:
		return nil, aegiserrors.Errorf(aegiserrors.KindConfiguration, "unknown fastpath backend %q", cfg.Kind)
	}
}
