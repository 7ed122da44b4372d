// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package heap implements the per-NUMA slub-based kernel heap allocator:
// size classes from 16 bytes to just below 4 KiB carved out
// of 64-KiB-aligned slubs, with large requests passed straight through to
// the physical allocator.
package heap

import (
	"github.com/ricercaos/corekernel/pkg/kernerr"
	"github.com/ricercaos/corekernel/pkg/numa"
)

// SlubSize is the alignment and size of one heap slub.
const SlubSize = 64 * 1024

// ChunkSlubs is how many slubs a single physical-allocator request carves
// out of, trading some leaked padding for guaranteed 64-KiB alignment
// (the physical allocator only guarantees page alignment).
const ChunkSlubs = 64

// ChunkSize is the size requested from the physical allocator each time
// the empty-slub pool runs dry.
const ChunkSize = ChunkSlubs * SlubSize

// MinOrder and MaxOrder bound the size classes the heap hands out directly:
// 1<<MinOrder (16 bytes) through 1<<MaxOrder (2048 bytes). Anything larger
// bypasses the slub machinery entirely.
const (
	MinOrder = 4
	MaxOrder = 11
	// LargeOrder is the sentinel returned by orderFor for any request that
	// does not fit a size class; it routes through the physical allocator.
	LargeOrder = MaxOrder + 1
)

// headerSize is the space reserved at the front of every slub for its
// owning-node tag. The original stores this inline as a struct at the base
// of the slub; corekernel keeps the header out-of-band (see slubHeader)
// since nothing is actually resident at these synthetic addresses, but
// still reserves the same span so that carved block addresses land exactly
// where the reference allocator would place them.
const headerSize = 16

// orderFor returns the smallest order in [MinOrder, MaxOrder] whose block
// size is at least size, or LargeOrder if none fits.
func orderFor(size uintptr) int {
	if size < 1<<MinOrder {
		size = 1 << MinOrder
	}
	for o := MinOrder; o <= MaxOrder; o++ {
		if size <= 1<<o {
			return o
		}
	}
	return LargeOrder
}

// nodeState is one NUMA node's slub bookkeeping: free object lists indexed
// by order, and a pool of 64-KiB regions allocated but not yet carved into
// any particular order.
type nodeState struct {
	freeLists  [MaxOrder + 1][]uintptr
	emptySlubs []uintptr
}

// Heap is the kernel heap allocator. It runs entirely under the NUMA
// subsystem's lock: it may recursively request a chunk from the physical
// allocator while still holding that lock.
type Heap struct {
	numaSys *numa.Subsystem
	nodes   map[uint32]*nodeState
	// owners maps a slub's base address to the NUMA node it belongs to,
	// standing in for the header field the reference allocator stores
	// inline at the base of the slub.
	owners map[uintptr]uint32
}

// New returns a heap backed by the given NUMA subsystem.
func New(numaSys *numa.Subsystem) *Heap {
	return &Heap{
		numaSys: numaSys,
		nodes:   make(map[uint32]*nodeState),
		owners:  make(map[uintptr]uint32),
	}
}

func (h *Heap) nodeState(id uint32) *nodeState {
	n := h.nodes[id]
	if n == nil {
		n = &nodeState{}
		h.nodes[id] = n
	}
	return n
}

// Alloc serves size bytes on behalf of requestingNode. Requests at or
// below 2048 bytes are carved from per-node slubs; larger requests go
// straight to the physical allocator.
func (h *Heap) Alloc(size uintptr, requestingNode uint32) (uintptr, error) {
	o := orderFor(size)
	if o == LargeOrder {
		return h.numaSys.Alloc(requestingNode, size)
	}
	return h.allocOrder(requestingNode, o)
}

// allocOrder implements the four-step small-allocation path,
// looping back to step 2 each time a new source of blocks is added.
func (h *Heap) allocOrder(requestingNode uint32, order int) (uintptr, error) {
	h.numaSys.Lock()
	defer h.numaSys.Unlock()

	// A node whose own ranges are permanently exhausted would otherwise
	// loop forever here; bound the retries and surface OutOfMemory.
	const maxAttempts = 1000
	node := requestingNode
	for attempt := 0; attempt < maxAttempts; attempt++ {
		n := h.nodeState(node)

		if blocks := n.freeLists[order]; len(blocks) > 0 {
			last := len(blocks) - 1
			block := blocks[last]
			n.freeLists[order] = blocks[:last]
			return block, nil
		}

		if len(n.emptySlubs) > 0 {
			last := len(n.emptySlubs) - 1
			slubBase := n.emptySlubs[last]
			n.emptySlubs = n.emptySlubs[:last]
			h.carveSlub(node, slubBase, order)
			continue
		}

		owner, ok := h.growEmptySlubPool(node)
		if !ok {
			return 0, kernerr.ErrOutOfMemory
		}
		// The new slubs sit on whichever node backs them; retry from there.
		node = owner
	}
	return 0, kernerr.ErrOutOfMemory
}

// carveSlub splits a 64-KiB region, reserved for node id, into equal blocks
// of the given order starting past the header and pushes all of them onto
// that node's free list.
func (h *Heap) carveSlub(id uint32, slubBase uintptr, order int) {
	n := h.nodeState(id)
	blockSize := uintptr(1) << order
	start := slubBase + headerSize
	// Round up to the block size so every carved address stays aligned,
	// matching the reference allocator's align_up of the header end.
	if rem := start % blockSize; rem != 0 {
		start += blockSize - rem
	}
	end := slubBase + SlubSize
	for addr := start; addr+blockSize <= end; addr += blockSize {
		n.freeLists[order] = append(n.freeLists[order], addr)
	}
}

// growEmptySlubPool requests a multi-slub chunk from the physical
// allocator on behalf of id. The physical allocator may satisfy it from a
// different node's range; the new slubs are credited to
// whichever node actually backed them, not to id. Returns that node, and
// false only if the physical allocator is out of memory everywhere.
func (h *Heap) growEmptySlubPool(id uint32) (uint32, bool) {
	backing, owner, err := h.numaSys.AllocLocked(id, ChunkSize)
	if err != nil {
		return 0, false
	}

	alignedStart := alignUp(backing, SlubSize)
	alignedEnd := alignDown(backing+ChunkSize, SlubSize)

	ownerState := h.nodeState(owner)
	for addr := alignedStart; addr < alignedEnd; addr += SlubSize {
		h.owners[addr] = owner
		ownerState.emptySlubs = append(ownerState.emptySlubs, addr)
	}
	return owner, true
}

// Free returns a previously allocated block to the heap. Large blocks (see
// orderFor) are returned directly to the physical allocator.
func (h *Heap) Free(addr uintptr, size uintptr) error {
	o := orderFor(size)
	if o == LargeOrder {
		return h.numaSys.Free(addr, size)
	}

	h.numaSys.Lock()
	defer h.numaSys.Unlock()

	slubBase := alignDown(addr, SlubSize)
	owner, ok := h.owners[slubBase]
	if !ok {
		return kernerr.ErrInvalidMem
	}
	n := h.nodeState(owner)
	n.freeLists[o] = append(n.freeLists[o], addr)
	return nil
}

func alignUp(addr, align uintptr) uintptr {
	return alignDown(addr+align-1, align)
}

func alignDown(addr, align uintptr) uintptr {
	return addr &^ (align - 1)
}
