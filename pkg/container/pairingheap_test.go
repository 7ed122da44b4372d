// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package container

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPairingHeapSort(t *testing.T) {
	h := NewPairingHeap(func(a, b int) bool { return a < b })

	// Insert [0..128) interleaved even-first then odd-first.
	for i := 0; i < 128; i += 2 {
		h.Insert(i)
	}
	for i := 1; i < 128; i += 2 {
		h.Insert(i)
	}
	require.Equal(t, 128, h.Len())

	var out []int
	for i := 0; i < 128; i++ {
		v, ok := h.RemoveMin()
		require.True(t, ok)
		out = append(out, v)
	}

	for i, v := range out {
		require.Equal(t, i, v)
	}
	_, ok := h.RemoveMin()
	require.False(t, ok)
}

func TestPairingHeapNonDecreasing(t *testing.T) {
	h := NewPairingHeap(func(a, b int) bool { return a < b })
	vals := []int{5, 3, 8, 1, 9, 2, 7, 4, 6, 0}
	for _, v := range vals {
		h.Insert(v)
	}

	prev := -1
	for !h.Empty() {
		v, ok := h.RemoveMin()
		require.True(t, ok)
		require.GreaterOrEqual(t, v, prev)
		prev = v
	}
}
