// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package paging

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ricercaos/corekernel/pkg/kernerr"
	"github.com/ricercaos/corekernel/pkg/numa"
	"github.com/ricercaos/corekernel/pkg/phys"
	"github.com/ricercaos/corekernel/pkg/tlb"
)

func oneNodeSubsystem(t *testing.T) *numa.Subsystem {
	t.Helper()
	n := numa.New()
	n.AddNode(0, nil)
	n.AddRange(phys.NewRange(0, 64<<20, 0, false))
	return n
}

type fakeCR3Writer struct{ written uintptr }

func (w *fakeCR3Writer) WriteCR3(v uintptr) { w.written = v }

func TestMapThenUnmapRoundTrips(t *testing.T) {
	n := oneNodeSubsystem(t)
	mem := NewMemory()
	root, err := NewRoot(n, mem, 0, nil)
	require.NoError(t, err)
	mapper, err := NewMapper(n, mem, 0)
	require.NoError(t, err)

	vaddr := uintptr(0x2000)
	paddr, err := n.Alloc(0, pageSize)
	require.NoError(t, err)

	require.NoError(t, root.Map(mapper, vaddr, paddr, Writable))

	got, err := root.Unmap(vaddr, 0)
	require.NoError(t, err)
	require.Equal(t, paddr, got)

	// A second unmap at the same address finds nothing mapped.
	got, err = root.Unmap(vaddr, 0)
	require.NoError(t, err)
	require.Equal(t, uintptr(0), got)
}

func TestMapRejectsMisalignedAddress(t *testing.T) {
	n := oneNodeSubsystem(t)
	mem := NewMemory()
	root, err := NewRoot(n, mem, 0, nil)
	require.NoError(t, err)
	mapper, err := NewMapper(n, mem, 0)
	require.NoError(t, err)

	paddr, err := n.Alloc(0, pageSize)
	require.NoError(t, err)

	err = root.Map(mapper, 0x1001, paddr, Writable)
	require.ErrorIs(t, err, kernerr.ErrOutOfBounds)
}

func TestMapRejectsUpperHalfAddress(t *testing.T) {
	n := oneNodeSubsystem(t)
	mem := NewMemory()
	root, err := NewRoot(n, mem, 0, nil)
	require.NoError(t, err)
	mapper, err := NewMapper(n, mem, 0)
	require.NoError(t, err)

	err = root.Map(mapper, lowerHalfLimit, 0x1000, Writable)
	require.ErrorIs(t, err, kernerr.ErrOutOfBounds)
}

func TestDistinctVirtualAddressesShareIntermediateTables(t *testing.T) {
	n := oneNodeSubsystem(t)
	mem := NewMemory()
	root, err := NewRoot(n, mem, 0, nil)
	require.NoError(t, err)
	mapper, err := NewMapper(n, mem, 0)
	require.NoError(t, err)

	p1, err := n.Alloc(0, pageSize)
	require.NoError(t, err)
	p2, err := n.Alloc(0, pageSize)
	require.NoError(t, err)

	// Same PML4/PDPT/PD entries (same top bits), different PT index.
	require.NoError(t, root.Map(mapper, 0x1000, p1, Writable))
	require.NoError(t, root.Map(mapper, 0x2000, p2, Writable))

	got1, err := root.Unmap(0x1000, 0)
	require.NoError(t, err)
	require.Equal(t, p1, got1)

	got2, err := root.Unmap(0x2000, 0)
	require.NoError(t, err)
	require.Equal(t, p2, got2)
}

func TestUnmapRequestsShootdown(t *testing.T) {
	n := oneNodeSubsystem(t)
	mem := NewMemory()
	// Two cores: the initiator's self-ack leaves the other core's ack
	// outstanding, so the shootdown stays pending.
	sd := tlb.New(2)
	root, err := NewRoot(n, mem, 0, sd)
	require.NoError(t, err)
	mapper, err := NewMapper(n, mem, 0)
	require.NoError(t, err)

	paddr, err := n.Alloc(0, pageSize)
	require.NoError(t, err)
	require.NoError(t, root.Map(mapper, 0x3000, paddr, Writable))

	require.False(t, sd.Pending())
	_, err = root.Unmap(0x3000, 0)
	require.NoError(t, err)
	require.True(t, sd.Pending())
}

func TestUnmapWithNothingMappedSkipsShootdown(t *testing.T) {
	n := oneNodeSubsystem(t)
	mem := NewMemory()
	sd := tlb.New(1)
	root, err := NewRoot(n, mem, 0, sd)
	require.NoError(t, err)

	_, err = root.Unmap(0x4000, 0)
	require.NoError(t, err)
	require.False(t, sd.Pending())
}

func TestChangePermsRewritesLeafAndRequestsShootdown(t *testing.T) {
	n := oneNodeSubsystem(t)
	mem := NewMemory()
	sd := tlb.New(2)
	root, err := NewRoot(n, mem, 0, sd)
	require.NoError(t, err)
	mapper, err := NewMapper(n, mem, 0)
	require.NoError(t, err)

	paddr, err := n.Alloc(0, pageSize)
	require.NoError(t, err)
	require.NoError(t, root.Map(mapper, 0x5000, paddr, Writable))

	require.NoError(t, root.ChangePerms(0x5000, 0, 0)) // downgrade to read-only
	require.True(t, sd.Pending())

	got, err := root.Unmap(0x5000, 0)
	require.NoError(t, err)
	require.Equal(t, paddr, got)
}

func TestChangePermsOnUnmappedAddressFails(t *testing.T) {
	n := oneNodeSubsystem(t)
	mem := NewMemory()
	root, err := NewRoot(n, mem, 0, nil)
	require.NoError(t, err)

	err = root.ChangePerms(0x6000, Writable, 0)
	require.ErrorIs(t, err, kernerr.ErrInvalidMem)
}

func TestSwitchToWritesCR3(t *testing.T) {
	n := oneNodeSubsystem(t)
	mem := NewMemory()
	root, err := NewRoot(n, mem, 0, nil)
	require.NoError(t, err)

	w := &fakeCR3Writer{}
	root.SwitchTo(w)
	require.Equal(t, root.CR3(), w.written)
}

func TestReleaseReturnsHierarchyTables(t *testing.T) {
	n := oneNodeSubsystem(t)
	mem := NewMemory()
	root, err := NewRoot(n, mem, 0, nil)
	require.NoError(t, err)
	mapper, err := NewMapper(n, mem, 0)
	require.NoError(t, err)

	paddr, err := n.Alloc(0, pageSize)
	require.NoError(t, err)
	require.NoError(t, root.Map(mapper, 0x7000, paddr, Writable))
	mapper.Close()
	cr3 := root.CR3()

	root.Release()

	// Every table page the hierarchy allocated (root table and 3
	// intermediate tables) is returned to the allocator; the root table is
	// freed last, so the next page allocation reuses it.
	addr, err := n.Alloc(0, pageSize)
	require.NoError(t, err)
	require.Equal(t, cr3, addr)
}
