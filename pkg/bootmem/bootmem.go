// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package bootmem implements the bump allocator that serves initgraph
// targets before the physical allocator comes up. It walks
// the boot-protocol memory map in order, skipping everything below a low
// watermark, and carves out 16-byte-aligned allocations by advancing a
// single frontier.
package bootmem

import (
	"fmt"

	"github.com/ricercaos/corekernel/pkg/bootproto"
)

// LowWatermark is the implementation-defined floor below which usable
// memory is never carved out by the bootstrap allocator.
const LowWatermark = 2 << 20 // 2 MiB

const allocAlign = 16

// Allocator is the bump allocator. The zero value is not usable; construct
// with New.
type Allocator struct {
	memmap  bootproto.MemoryMap
	index   int
	border  uintptr
	usable  bool
	winBase uintptr // higher-half direct physical window base
}

// New constructs an Allocator over memmap. winBase is added to every
// returned address to produce a higher-half pointer, modeling the single
// address space's direct physical window.
func New(memmap bootproto.MemoryMap, winBase uintptr) (*Allocator, error) {
	if len(memmap) == 0 {
		return nil, fmt.Errorf("bootmem: no memory map")
	}
	return &Allocator{
		memmap:  memmap,
		border:  LowWatermark,
		usable:  true,
		winBase: winBase,
	}, nil
}

// Alloc rounds size up to 16 bytes and returns a higher-half pointer within
// the next memory-map entry that has room past the current frontier. It
// panics when no entry can satisfy the request or the allocator has been
// terminated, failing fatally and refusing any further allocations:
// boot-time allocation failure is not recoverable.
func (a *Allocator) Alloc(size uintptr) uintptr {
	if !a.usable {
		panic("bootmem: allocate after terminate")
	}
	realSize := alignUp(size, allocAlign)

	for a.index < len(a.memmap) {
		entry := a.memmap[a.index]
		if entry.Type != bootproto.Usable {
			a.index++
			continue
		}
		entryEnd := entry.Base + entry.Length
		if a.border >= entryEnd {
			a.index++
			continue
		}
		if a.border < entry.Base {
			a.border = alignUp(entry.Base, allocAlign)
		}
		if entryEnd-a.border >= realSize {
			result := a.winBase + a.border
			a.border += realSize
			return result
		}
		a.index++
	}
	panic(fmt.Sprintf("bootmem: failed to allocate %d bytes", size))
}

// Terminate freezes the allocator. It returns the physical address, rounded
// up to a page boundary, beyond which no bootstrap allocations were placed.
// Any subsequent Alloc call panics.
func (a *Allocator) Terminate(pageSize uintptr) uintptr {
	a.usable = false
	return alignUp(a.border, pageSize)
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}
