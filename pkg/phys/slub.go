// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package phys implements the per-range buddy-style physical allocator:
// free lists indexed by power-of-two order with a bump
// frontier for orders no free list can satisfy yet. It deliberately never
// coalesces freed blocks back together (mirroring the original design,
// not treated as a bug here), trading fragmentation for O(1) free.
package phys

import (
	"fmt"
	"math/bits"

	"github.com/ricercaos/corekernel/pkg/kernerr"
)

// MinOrder is the smallest block order the slub hands out (4 KiB pages).
const MinOrder = 12

// OrdersCount matches the original's 64-entry free-list array.
const OrdersCount = 64

// PhysNull is the sentinel "no memory" address, matching PHYS_NULL.
const PhysNull uintptr = 0

// Slub is the per-range allocator. The zero value is not usable; construct
// with NewSlub.
type Slub struct {
	base, length  uintptr
	brk           uintptr // bytes handed out by bump, relative to base
	free          [OrdersCount][]uintptr
	maxFreedOrder int
}

// NewSlub returns a slub over [base, base+length).
func NewSlub(base, length uintptr) *Slub {
	return &Slub{base: base, length: length}
}

func order(size uintptr) int {
	if size == 0 {
		return MinOrder
	}
	o := bits.Len(uint(size-1)) // ceil(log2(size))
	if o < MinOrder {
		o = MinOrder
	}
	return o
}

// Alloc rounds size up to a power of two, derives its order, and serves it
// from the first non-empty free list at or above that order, splitting the
// popped block down to the requested size. If no free list can satisfy the
// request, it falls back to advancing brk. Returns PhysNull with
// kernerr.ErrOutOfMemory if neither works.
//
// The original leaves a split block in an intermediate
// state on some paths instead of returning it; this implementation always
// returns the block on every path.
func (s *Slub) Alloc(size uintptr) (uintptr, error) {
	want := order(size)
	if want >= OrdersCount {
		return PhysNull, kernerr.ErrOutOfMemory
	}

	for o := want; o <= s.maxFreedOrder && o < OrdersCount; o++ {
		if len(s.free[o]) == 0 {
			continue
		}
		n := len(s.free[o])
		block := s.free[o][n-1]
		s.free[o] = s.free[o][:n-1]
		s.recomputeMaxFreedOrder()

		// Split the block down to the requested order, pushing each upper
		// half onto the next lower free list.
		for cur := o; cur > want; cur-- {
			half := uintptr(1) << (cur - 1)
			upper := block + half
			s.free[cur-1] = append(s.free[cur-1], upper)
			if cur-1 > s.maxFreedOrder {
				s.maxFreedOrder = cur - 1
			}
		}
		return block, nil
	}

	blockSize := uintptr(1) << want
	if s.brk+blockSize <= s.length {
		addr := s.base + s.brk
		s.brk += blockSize
		return addr, nil
	}

	return PhysNull, kernerr.ErrOutOfMemory
}

// Free enqueues the block at its order's free list. No coalescing is
// attempted.
func (s *Slub) Free(addr uintptr, size uintptr) error {
	if addr < s.base || addr >= s.base+s.length {
		return fmt.Errorf("phys: free address %#x outside range [%#x, %#x): %w", addr, s.base, s.base+s.length, kernerr.ErrOutOfBounds)
	}
	o := order(size)
	if o >= OrdersCount {
		return kernerr.ErrOutOfBounds
	}
	s.free[o] = append(s.free[o], addr)
	if o > s.maxFreedOrder {
		s.maxFreedOrder = o
	}
	return nil
}

func (s *Slub) recomputeMaxFreedOrder() {
	for o := s.maxFreedOrder; o >= MinOrder; o-- {
		if len(s.free[o]) > 0 {
			s.maxFreedOrder = o
			return
		}
	}
	s.maxFreedOrder = 0
}

// Base, Length, and Brk are read-only accessors used by tests and metadata
// bookkeeping.
func (s *Slub) Base() uintptr   { return s.base }
func (s *Slub) Length() uintptr { return s.length }
func (s *Slub) Brk() uintptr    { return s.brk }
