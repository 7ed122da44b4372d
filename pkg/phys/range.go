// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package phys

// Range is a physical address interval [Base, Base+Length) belonging to one
// NUMA node, owning one Slub. Ranges are
// created at boot and never destroyed.
type Range struct {
	Base         uintptr
	Length       uintptr
	NodeID       uint32
	Hotpluggable bool
	Slub         *Slub
}

// NewRange constructs a range and its backing slub.
func NewRange(base, length uintptr, nodeID uint32, hotpluggable bool) *Range {
	return &Range{
		Base:         base,
		Length:       length,
		NodeID:       nodeID,
		Hotpluggable: hotpluggable,
		Slub:         NewSlub(base, length),
	}
}

func (r *Range) Contains(addr uintptr) bool {
	return addr >= r.Base && addr < r.Base+r.Length
}

// Metadata is the flat allocation-size table keyed by address, letting Free
// find which range (and original size) an address belongs to without the
// caller tracking it. The original
// indexes a preallocated array by page number; corekernel uses a map, since
// modeling a real 2^52-entry page-frame array would only add memory
// pressure to the simulation without changing the algorithm under test.
type Metadata struct {
	entries map[uintptr]metaEntry
}

type metaEntry struct {
	owner *Range
	size  uintptr
}

// NewMetadata returns an empty metadata table.
func NewMetadata() *Metadata {
	return &Metadata{entries: make(map[uintptr]metaEntry)}
}

// Record stamps addr as an allocation of size owned by owner.
func (m *Metadata) Record(addr uintptr, owner *Range, size uintptr) {
	m.entries[addr] = metaEntry{owner: owner, size: size}
}

// Lookup returns the owning range and original size for addr, or ok=false
// if addr was never recorded (or was already freed and forgotten).
func (m *Metadata) Lookup(addr uintptr) (owner *Range, size uintptr, ok bool) {
	e, ok := m.entries[addr]
	return e.owner, e.size, ok
}

// Forget removes addr's metadata entry, called after Free returns the
// block to its range's slub.
func (m *Metadata) Forget(addr uintptr) {
	delete(m.entries, addr)
}
