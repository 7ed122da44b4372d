// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package container

import "sync/atomic"

// RefCell is the generic reference-counted cell used throughout the
// intrusive-containers component: a count plus a disposer that runs exactly
// once, on the 1->0 transition. The capability system's object header
// (pkg/cap) embeds two of these (shutdown + dealloc).
type RefCell struct {
	count    atomic.Int64
	disposer func()
}

// NewRefCell returns a cell with an initial count of 1 and the given
// disposer. A nil disposer marks a statically allocated object: Release
// will panic on underflow but never invoke anything on reaching zero.
func NewRefCell(disposer func()) *RefCell {
	c := &RefCell{disposer: disposer}
	c.count.Store(1)
	return c
}

// Acquire increments the count with acquire-release semantics and returns
// the new value.
func (c *RefCell) Acquire() int64 {
	return c.count.Add(1)
}

// Release decrements the count. On the transition to zero it invokes the
// disposer, if set, exactly once. Dropping an already-zero cell is a bug
// (count underflow) and panics.
func (c *RefCell) Release() {
	n := c.count.Add(-1)
	if n < 0 {
		panic("kernel: refcount underflow")
	}
	if n == 0 && c.disposer != nil {
		c.disposer()
	}
}

// Count returns the current count for diagnostics; it must not be used to
// decide whether a Release would free the object, since another goroutine
// may race it.
func (c *RefCell) Count() int64 {
	return c.count.Load()
}
