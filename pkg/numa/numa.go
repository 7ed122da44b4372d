// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package numa implements the NUMA subsystem: per-node
// state, neighbor lists ordered by distance, a single global lock, and the
// NUMA-aware wrapper around the physical allocator that picks which node's
// memory actually backs a request.
package numa

import (
	"sort"

	"github.com/ricercaos/corekernel/pkg/kernerr"
	"github.com/ricercaos/corekernel/pkg/ksync"
	"github.com/ricercaos/corekernel/pkg/phys"
)

// Node holds one NUMA domain's ranges and neighbor ordering. Neighbors are
// reflexive (a node is its own 0-distance neighbor) and monotonically
// non-decreasing in distance.
type Node struct {
	ID        uint32
	ranges    []*phys.Range
	neighbors []uint32 // node ids, closest first, unreachable ones excluded
}

func (n *Node) Ranges() []*phys.Range { return n.ranges }
func (n *Node) Neighbors() []uint32   { return n.neighbors }

// Subsystem is the NUMA subsystem: a map of nodes, a shared metadata table
// for locating an allocation's owning range on free, and a single global
// spinlock the physical and heap allocators both run under.
type Subsystem struct {
	lock  *ksync.Spinlock
	nodes map[uint32]*Node
	meta  *phys.Metadata
}

// New constructs an empty subsystem.
func New() *Subsystem {
	return &Subsystem{
		lock:  ksync.NewSpinlock(0),
		nodes: make(map[uint32]*Node),
		meta:  phys.NewMetadata(),
	}
}

// AddNode registers node id with the given pairwise distances to every
// other node already known (distances[j] applies to node j; use
// bootproto.Unreachable to exclude a node). Ordering and reflexivity are
// derived here so callers never have to maintain them by hand.
func (s *Subsystem) AddNode(id uint32, distanceTo map[uint32]uint32) *Node {
	s.lock.Grab()
	defer s.lock.Ungrab()

	n := &Node{ID: id}
	n.neighbors = []uint32{id}
	type pair struct {
		id   uint32
		dist uint32
	}
	var pairs []pair
	for other, d := range distanceTo {
		if other == id || d == ^uint32(0) {
			continue
		}
		pairs = append(pairs, pair{other, d})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].dist < pairs[j].dist })
	for _, p := range pairs {
		n.neighbors = append(n.neighbors, p.id)
	}

	s.nodes[id] = n
	return n
}

// AddRange attaches a freshly created physical range to its owning node.
func (s *Subsystem) AddRange(r *phys.Range) {
	s.lock.Grab()
	defer s.lock.Ungrab()
	n := s.nodes[r.NodeID]
	n.ranges = append(n.ranges, r)
}

// Node looks up a node by id.
func (s *Subsystem) Node(id uint32) *Node {
	s.lock.Grab()
	defer s.lock.Ungrab()
	return s.nodes[id]
}

// Lock/Unlock expose the global NUMA lock directly for subsystems (the heap
// allocator) that must hold it across a multi-step operation spanning
// several Subsystem calls.
func (s *Subsystem) Lock()   { s.lock.Grab() }
func (s *Subsystem) Unlock() { s.lock.Ungrab() }

// Alloc is the NUMA-aware physical allocator wrapper: it
// locks the subsystem, walks the requesting node's neighbor list
// closest-first, and within each neighbor walks its ranges until one slub
// satisfies the request. On success it stamps the allocation's owning range
// into the shared metadata table so Free can locate it later.
func (s *Subsystem) Alloc(requestingNode uint32, size uintptr) (uintptr, error) {
	s.lock.Grab()
	defer s.lock.Ungrab()
	addr, _, err := s.AllocLocked(requestingNode, size)
	return addr, err
}

// AllocLocked assumes the caller already holds the lock (via Lock); the
// heap allocator uses this to keep one lock acquisition across picking a
// node and carving a chunk: the heap may recursively request a
// chunk from the physical allocator, which depends on the NUMA lock being
// reentrant-safe via the lock being acquired once at the top. It returns
// the id of the node whose range actually backed the allocation, which may
// differ from requestingNode when that node's own ranges are exhausted.
func (s *Subsystem) AllocLocked(requestingNode uint32, size uintptr) (addr uintptr, owner uint32, err error) {
	n := s.nodes[requestingNode]
	if n == nil {
		return phys.PhysNull, 0, kernerr.ErrOutOfBounds
	}
	for _, neighborID := range n.neighbors {
		neighbor := s.nodes[neighborID]
		if neighbor == nil {
			continue
		}
		for _, r := range neighbor.ranges {
			addr, err := r.Slub.Alloc(size)
			if err == nil {
				s.meta.Record(addr, r, size)
				return addr, neighborID, nil
			}
		}
	}
	return phys.PhysNull, 0, kernerr.ErrOutOfMemory
}

// Free locates addr's owning range via the metadata table and returns the
// block to that range's slub.
func (s *Subsystem) Free(addr uintptr, size uintptr) error {
	s.lock.Grab()
	defer s.lock.Ungrab()
	return s.FreeLocked(addr, size)
}

// FreeLocked assumes the caller already holds the lock (via Lock).
func (s *Subsystem) FreeLocked(addr uintptr, size uintptr) error {
	owner, recordedSize, ok := s.meta.Lookup(addr)
	if !ok {
		return kernerr.ErrInvalidMem
	}
	if err := owner.Slub.Free(addr, recordedSize); err != nil {
		return err
	}
	s.meta.Forget(addr)
	return nil
}
