// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package fastpath

import (
	"net"

	"github.com/google/nftables"

	aegiserrors "github.com/aegismesh/aegis/internal/errors"
)

// NftablesBlocklist backs the Blocklist interface with a netfilter set,
// for nodes whose NIC driver doesn't support native XDP and so cannot
// run EBPFBlocklist's attached program. Lookup/RecordHit/Len are served
// from an in-memory mirror — a netlink round trip on every packet would
// defeat the purpose of a fast path — while Insert/Remove additionally
// program the kernel set so a stock iptables/nftables DROP rule on
// "aegis_blocklist" enforces the block independent of this process.
type NftablesBlocklist struct {
	tableName string
	setName   string
	mirror    *MapBlocklist
}

// NewNftablesBlocklist creates the backing table and set (INET family,
// IPv4 element type) if they do not already exist and returns a
// blocklist bounded at capacity entries. capacity <= 0 defaults to
// DefaultCapacity. A DROP rule matching "ip saddr @<setName>" is
// expected to already exist in the target chain; this type only
// maintains set membership.
func NewNftablesBlocklist(tableName, setName string, capacity int) (*NftablesBlocklist, error) {
	if tableName == "" {
		tableName = "aegis"
	}
	if setName == "" {
		setName = "aegis_blocklist"
	}

	conn, err := nftables.New()
	if err != nil {
		return nil, aegiserrors.Wrap(err, aegiserrors.KindFastPath, "open nftables connection")
	}

	table := conn.AddTable(&nftables.Table{Name: tableName, Family: nftables.TableFamilyINet})
	set := &nftables.Set{
		Table:   table,
		Name:    setName,
		KeyType: nftables.TypeIPAddr,
	}
	if err := conn.AddSet(set, nil); err != nil {
		return nil, aegiserrors.Wrap(err, aegiserrors.KindFastPath, "add blocklist set")
	}
	if err := conn.Flush(); err != nil {
		return nil, aegiserrors.Wrap(err, aegiserrors.KindFastPath, "create blocklist table/set")
	}

	return &NftablesBlocklist{
		tableName: tableName,
		setName:   setName,
		mirror:    NewMapBlocklist(capacity),
	}, nil
}

func (b *NftablesBlocklist) set() *nftables.Set {
	return &nftables.Set{
		Table: &nftables.Table{Name: b.tableName, Family: nftables.TableFamilyINet},
		Name:  b.setName,
	}
}

func (b *NftablesBlocklist) Lookup(ip uint32) (BlockEntry, bool) {
	return b.mirror.Lookup(ip)
}

func (b *NftablesBlocklist) RecordHit(ip uint32) {
	b.mirror.RecordHit(ip)
}

// Insert adds ip to both the in-memory mirror and the kernel set. The
// mirror is updated first so a partial kernel failure still leaves the
// IP in the mirror that Lookup answers from.
func (b *NftablesBlocklist) Insert(ip uint32, entry BlockEntry) error {
	if err := b.mirror.Insert(ip, entry); err != nil {
		return err
	}

	conn, err := nftables.New()
	if err != nil {
		return aegiserrors.Wrap(err, aegiserrors.KindFastPath, "open nftables connection")
	}
	if err := conn.SetAddElements(b.set(), []nftables.SetElement{{Key: Uint32ToIPv4(ip).To4()}}); err != nil {
		return aegiserrors.Wrap(err, aegiserrors.KindFastPath, "add set element")
	}
	return conn.Flush()
}

func (b *NftablesBlocklist) Remove(ip uint32) {
	b.mirror.Remove(ip)

	conn, err := nftables.New()
	if err != nil {
		return
	}
	parsed := net.IP(Uint32ToIPv4(ip)).To4()
	_ = conn.SetDeleteElements(b.set(), []nftables.SetElement{{Key: parsed}})
	_ = conn.Flush()
}

func (b *NftablesBlocklist) Len() int {
	return b.mirror.Len()
}
