// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package numa

import (
	"testing"

	"github.com/ricercaos/corekernel/pkg/kernerr"
	"github.com/ricercaos/corekernel/pkg/phys"
	"github.com/stretchr/testify/require"
)

func twoNodeSubsystem(t *testing.T) *Subsystem {
	t.Helper()
	s := New()
	s.AddNode(0, map[uint32]uint32{1: 20})
	s.AddNode(1, map[uint32]uint32{0: 20})
	s.AddRange(phys.NewRange(0x100000, 1<<20, 0, false))
	s.AddRange(phys.NewRange(0x300000, 1<<20, 1, false))
	return s
}

func TestNeighborsReflexiveAndOrdered(t *testing.T) {
	s := twoNodeSubsystem(t)
	n0 := s.Node(0)
	require.Equal(t, []uint32{0, 1}, n0.Neighbors())
}

func TestAllocStaysWithinSomeRange(t *testing.T) {
	s := twoNodeSubsystem(t)
	addr, err := s.Alloc(0, 4096)
	require.NoError(t, err)
	require.GreaterOrEqual(t, addr, uintptr(0x100000))
	require.Less(t, addr, uintptr(0x100000+1<<20))
}

func TestAllocFallsBackToNeighborWhenLocalExhausted(t *testing.T) {
	s := New()
	s.AddNode(0, map[uint32]uint32{1: 20})
	s.AddNode(1, map[uint32]uint32{0: 20})
	s.AddRange(phys.NewRange(0x100000, 4096, 0, false)) // exactly one page
	s.AddRange(phys.NewRange(0x300000, 1<<20, 1, false))

	first, err := s.Alloc(0, 4096)
	require.NoError(t, err)
	require.GreaterOrEqual(t, first, uintptr(0x100000))

	second, err := s.Alloc(0, 4096)
	require.NoError(t, err)
	require.GreaterOrEqual(t, second, uintptr(0x300000), "node 0 exhausted, should fall back to neighbor 1")
}

func TestFreeReturnsBlockToOwningRange(t *testing.T) {
	s := twoNodeSubsystem(t)
	addr, err := s.Alloc(0, 4096)
	require.NoError(t, err)
	require.NoError(t, s.Free(addr, 4096))

	again, err := s.Alloc(0, 4096)
	require.NoError(t, err)
	require.Equal(t, addr, again)
}

func TestFreeUnknownAddressFails(t *testing.T) {
	s := twoNodeSubsystem(t)
	err := s.Free(0xdeadbeef, 4096)
	require.ErrorIs(t, err, kernerr.ErrInvalidMem)
}
