// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package bootmem

import (
	"testing"

	"github.com/ricercaos/corekernel/pkg/bootproto"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsEmptyMap(t *testing.T) {
	_, err := New(nil, 0)
	require.Error(t, err)
}

func TestAllocSkipsReservedAndLowWatermark(t *testing.T) {
	mm := bootproto.MemoryMap{
		{Base: 0, Length: LowWatermark + 0x1000, Type: bootproto.Usable},
		{Base: LowWatermark + 0x1000, Length: 0x10000, Type: bootproto.Reserved},
		{Base: LowWatermark + 0x11000, Length: 0x10000, Type: bootproto.Usable},
	}
	a, err := New(mm, 0xffff800000000000)
	require.NoError(t, err)

	p1 := a.Alloc(100)
	require.Equal(t, uintptr(0xffff800000000000+LowWatermark), p1)

	p2 := a.Alloc(50)
	require.Equal(t, p1+alignUp(100, allocAlign), p2)

	// Too large for what is left of the first entry: the reserved entry is
	// skipped and the request lands at the start of the third.
	p3 := a.Alloc(0x1000)
	require.Equal(t, uintptr(0xffff800000000000+LowWatermark+0x11000), p3)
}

func TestAllocAdvancesAcrossEntries(t *testing.T) {
	mm := bootproto.MemoryMap{
		{Base: 0, Length: LowWatermark + 16, Type: bootproto.Usable},
		{Base: LowWatermark + 0x2000, Length: 0x1000, Type: bootproto.Usable},
	}
	a, err := New(mm, 0)
	require.NoError(t, err)

	a.Alloc(16) // exactly fills first entry's remaining space
	p2 := a.Alloc(16)
	require.Equal(t, uintptr(LowWatermark+0x2000), p2)
}

func TestAllocPanicsWhenExhausted(t *testing.T) {
	mm := bootproto.MemoryMap{
		{Base: 0, Length: LowWatermark + 8, Type: bootproto.Usable},
	}
	a, err := New(mm, 0)
	require.NoError(t, err)

	require.Panics(t, func() { a.Alloc(100) })
}

func TestTerminateFreezesAllocator(t *testing.T) {
	mm := bootproto.MemoryMap{
		{Base: 0, Length: LowWatermark + 0x1000, Type: bootproto.Usable},
	}
	a, err := New(mm, 0)
	require.NoError(t, err)

	a.Alloc(10)
	border := a.Terminate(0x1000)
	require.Equal(t, uintptr(LowWatermark+0x1000), border)
	require.Panics(t, func() { a.Alloc(10) })
}
