// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package container

// DynArray is a grow-only vector paired with a free-index list, the shape
// the universe's handle table needs: handles must
// stay valid (same index) for the object's lifetime, and freed slots are
// recycled before the array grows further.
type DynArray[T any] struct {
	slots []T
	free  []int // free slot indices, LIFO
}

// NewDynArray returns an empty array.
func NewDynArray[T any]() *DynArray[T] {
	return &DynArray[T]{}
}

// Alloc reserves a slot (reusing a freed one if available), stores v in it
// and returns its index.
func (d *DynArray[T]) Alloc(v T) int {
	if n := len(d.free); n > 0 {
		idx := d.free[n-1]
		d.free = d.free[:n-1]
		d.slots[idx] = v
		return idx
	}
	d.slots = append(d.slots, v)
	return len(d.slots) - 1
}

// Get returns the value at idx. The caller must not call Get on a freed
// index; callers guard this with their own validity checks.
func (d *DynArray[T]) Get(idx int) T {
	return d.slots[idx]
}

// Set overwrites the value at idx.
func (d *DynArray[T]) Set(idx int, v T) {
	d.slots[idx] = v
}

// Free recycles idx for a future Alloc.
func (d *DynArray[T]) Free(idx int) {
	d.free = append(d.free, idx)
}

// Len returns the number of allocated slots, including freed ones awaiting
// reuse (mirrors the original's grow-only backing vector size).
func (d *DynArray[T]) Len() int { return len(d.slots) }

// Valid reports whether idx is in range. It does not know whether idx is on
// the free list; callers track that separately via a per-cell tag.
func (d *DynArray[T]) Valid(idx int) bool {
	return idx >= 0 && idx < len(d.slots)
}
