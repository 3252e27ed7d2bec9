// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package fastpath

import aegiserrors "github.com/aegismesh/aegis/internal/errors"

// BackendConfig selects and parameterizes one of the Blocklist
// implementations in this package.
type BackendConfig struct {
	Kind     string
	Capacity int

	ObjectPath string
	Iface      string
	TableName  string
	SetName    string
}

// NewBackend builds the Blocklist named by cfg.Kind. Neither the eBPF
// nor the nftables backend is available off Linux, so only "map" (the
// default) is accepted here.
func NewBackend(cfg BackendConfig) (Blocklist, error) {
	switch cfg.Kind {
	case "", "map":
		return NewMapBlocklist(cfg.Capacity), nil
	default:
		return nil, aegiserrors.Errorf(aegiserrors.KindConfiguration, "fastpath backend %q requires Linux", cfg.Kind)
	}
}
