// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package paging implements the lock-protected 4-level page-table hierarchy:
// a reference-counted Root owning a CR3-equivalent value and
// a per-hierarchy spinlock, and a per-task Mapper holding pre-allocated,
// zeroed intermediate pages so mapping never allocates while the lock is
// held.
package paging

import (
	"fmt"
	"sync"

	"github.com/ricercaos/corekernel/pkg/container"
	"github.com/ricercaos/corekernel/pkg/kernerr"
	"github.com/ricercaos/corekernel/pkg/ksync"
	"github.com/ricercaos/corekernel/pkg/tlb"
)

// Perm is a bitmask of mapping permissions, matching the
// present/writable/user/no-exec derivation below.
type Perm int

const (
	Writable Perm = 1 << iota
	Executable
	User
)

const (
	pageSize             = 4096
	entriesPerTable      = 512
	levels               = 4 // PML4 / PDPT / PD / PT, matching "4-level paging"
	intermediateLevels   = levels - 1
	lowerHalfLimit       = uintptr(1) << 47
	flagPresent     uint64 = 1 << 0
	flagWritable    uint64 = 1 << 1
	flagUser        uint64 = 1 << 2
	flagNoExec      uint64 = 1 << 63
	flagsMask       uint64 = 0777 | (1 << 63)
)

type table [entriesPerTable]uint64

func lvlIndex(addr uintptr, lvl uint) uint16 {
	return uint16((addr >> (9*lvl + 3)) & 0777)
}

// PageAllocator is the physical-page source paging allocates intermediate
// and leaf-adjacent bookkeeping pages from. *numa.Subsystem satisfies this
// directly.
type PageAllocator interface {
	Alloc(node uint32, size uintptr) (uintptr, error)
	Free(addr uintptr, size uintptr) error
}

// CR3Writer abstracts the hardware register write mem_paging_switch_to
// performs; simulations and tests supply their own.
type CR3Writer interface {
	WriteCR3(value uintptr)
}

// Memory simulates the direct-mapped physical window the original indexes
// table content through (`mem_wb_phys_win_base`): a physical page handed
// out by PageAllocator has no real backing bytes in this simulation, so
// Memory is where its 512-entry table content actually lives, addressable
// by the physical address PageAllocator returned for it.
type Memory struct {
	mu     sync.Mutex
	tables map[uintptr]*table
}

// NewMemory returns an empty simulated physical window.
func NewMemory() *Memory {
	return &Memory{tables: make(map[uintptr]*table)}
}

func (m *Memory) zero(addr uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[addr] = &table{}
}

func (m *Memory) at(addr uintptr) *table {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[addr]
	if !ok {
		t = &table{}
		m.tables[addr] = t
	}
	return t
}

func (m *Memory) forget(addr uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables, addr)
}

func newZeroedPage(alloc PageAllocator, mem *Memory, numaID uint32) (uintptr, error) {
	addr, err := alloc.Alloc(numaID, pageSize)
	if err != nil {
		return 0, err
	}
	mem.zero(addr)
	return addr, nil
}

func validateAddr(vaddr uintptr) error {
	if vaddr%pageSize != 0 {
		return fmt.Errorf("paging: address %#x is not page aligned: %w", vaddr, kernerr.ErrOutOfBounds)
	}
	if vaddr >= lowerHalfLimit {
		return fmt.Errorf("paging: address %#x is not in the lower half: %w", vaddr, kernerr.ErrOutOfBounds)
	}
	return nil
}

// Root is a reference-counted paging hierarchy: a CR3-equivalent physical
// address plus the spinlock every Map/Unmap/ChangePerms call serializes
// behind.
type Root struct {
	refs      *container.RefCell
	lock      *ksync.Spinlock
	cr3       uintptr
	mem       *Memory
	alloc     PageAllocator
	numaID    uint32
	shootdown *tlb.Shootdown
}

// NewRoot allocates a fresh, zeroed top-level table and returns a root with
// refcount 1. shootdown may be nil, in which case Unmap/ChangePerms skip
// the TLB-invalidation step (useful for hierarchies that are never
// installed on a live core).
func NewRoot(alloc PageAllocator, mem *Memory, numaID uint32, shootdown *tlb.Shootdown) (*Root, error) {
	cr3, err := newZeroedPage(alloc, mem, numaID)
	if err != nil {
		return nil, err
	}
	r := &Root{lock: ksync.NewSpinlock(0), cr3: cr3, mem: mem, alloc: alloc, numaID: numaID, shootdown: shootdown}
	r.refs = container.NewRefCell(r.dispose)
	return r, nil
}

// Acquire takes a reference on the root.
func (r *Root) Acquire() { r.refs.Acquire() }

// Release drops a reference, tearing the hierarchy down (the root table
// and every intermediate table) on the last one. Leaf pages that mappings
// point at are not freed.
func (r *Root) Release() { r.refs.Release() }

// CR3 returns the root's CR3-equivalent physical address.
func (r *Root) CR3() uintptr { return r.cr3 }

// SwitchTo installs this hierarchy as the active one (mem_paging_switch_to:
// just a CR3 write, with no lock needed since the value itself is
// immutable for the lifetime of the root).
func (r *Root) SwitchTo(w CR3Writer) { w.WriteCR3(r.cr3) }

func (r *Root) dispose() {
	r.disposeLevel(r.cr3, levels)
	r.alloc.Free(r.cr3, pageSize)
	r.mem.forget(r.cr3)
}

// disposeLevel frees every intermediate table page reachable from addr
// (an already-allocated table at the given level), recursing bottom-up. A
// level-1 table's entries point at caller-owned leaf data pages, not at
// further paging scaffolding, so those targets are left untouched: Map's
// paddr argument was never paging's to free.
func (r *Root) disposeLevel(addr uintptr, level uint) {
	t := r.mem.at(addr)
	for i := 0; i < entriesPerTable; i++ {
		entry := t[i]
		if entry == 0 {
			continue
		}
		if level == 1 {
			continue
		}
		child := uintptr(entry &^ flagsMask)
		r.disposeLevel(child, level-1)
		r.alloc.Free(child, pageSize)
		r.mem.forget(child)
	}
}

// Mapper is a task-local cache of pre-allocated, zeroed intermediate pages
// (3 for 4-level paging, not yet installed anywhere): Map consumes entries from it instead of
// allocating while the root's lock is held, and regenerateCache refills it
// from the physical allocator outside any lock.
type Mapper struct {
	alloc  PageAllocator
	mem    *Memory
	numaID uint32
	zeroed [intermediateLevels]uintptr
}

// NewMapper allocates a full cache of zeroed intermediate pages up front.
func NewMapper(alloc PageAllocator, mem *Memory, numaID uint32) (*Mapper, error) {
	m := &Mapper{alloc: alloc, mem: mem, numaID: numaID}
	for i := range m.zeroed {
		addr, err := newZeroedPage(alloc, mem, numaID)
		if err != nil {
			for j := 0; j < i; j++ {
				m.alloc.Free(m.zeroed[j], pageSize)
				m.mem.forget(m.zeroed[j])
			}
			return nil, err
		}
		m.zeroed[i] = addr
	}
	return m, nil
}

// Close frees whatever cache entries Map never consumed.
func (m *Mapper) Close() {
	for i, addr := range m.zeroed {
		if addr != 0 {
			m.alloc.Free(addr, pageSize)
			m.mem.forget(addr)
			m.zeroed[i] = 0
		}
	}
}

func (m *Mapper) regenerateCache() error {
	for i := range m.zeroed {
		if m.zeroed[i] != 0 {
			continue
		}
		addr, err := newZeroedPage(m.alloc, m.mem, m.numaID)
		if err != nil {
			return err
		}
		m.zeroed[i] = addr
	}
	return nil
}

func permMask(perms Perm) uint64 {
	mask := flagPresent
	if perms&Writable != 0 {
		mask |= flagWritable
	}
	if perms&Executable == 0 {
		mask |= flagNoExec
	}
	if perms&User != 0 {
		mask |= flagUser
	}
	return mask
}

// Map installs a 4 KiB mapping of paddr at vaddr: the mapper
// tops up its cache outside the lock, then under the root's lock every
// missing intermediate entry along the walk is installed from that cache,
// and the leaf entry is written with permissions derived from perms.
func (r *Root) Map(mapper *Mapper, vaddr, paddr uintptr, perms Perm) error {
	if err := validateAddr(vaddr); err != nil {
		return err
	}
	if err := mapper.regenerateCache(); err != nil {
		return err
	}

	r.lock.Grab()
	defer r.lock.Ungrab()

	current := r.cr3
	for i := uint(levels); i > 1; i-- {
		t := r.mem.at(current)
		idx := lvlIndex(vaddr, i)
		if t[idx] == 0 {
			page := mapper.zeroed[i-2]
			t[idx] = uint64(page) | flagPresent | flagWritable | flagUser
			current = page
			mapper.zeroed[i-2] = 0
		} else {
			current = uintptr(t[idx] &^ flagsMask)
		}
	}

	leaf := r.mem.at(current)
	leaf[lvlIndex(vaddr, 1)] = uint64(paddr) | permMask(perms)
	return nil
}

// Unmap clears the leaf entry at vaddr and returns the physical address
// that was mapped there (0 if none was), then requests a TLB shootdown so
// every core drops the now-stale translation.
func (r *Root) Unmap(vaddr uintptr, initiatorCoreID int) (uintptr, error) {
	if err := validateAddr(vaddr); err != nil {
		return 0, err
	}

	r.lock.Grab()
	current := r.cr3
	for i := uint(levels); i > 1; i-- {
		t := r.mem.at(current)
		current = uintptr(t[lvlIndex(vaddr, i)] &^ flagsMask)
	}
	leaf := r.mem.at(current)
	idx := lvlIndex(vaddr, 1)
	addr := uintptr(leaf[idx] &^ flagsMask)
	leaf[idx] = 0
	r.lock.Ungrab()

	if addr != 0 && r.shootdown != nil {
		r.shootdown.Request(initiatorCoreID)
	}
	return addr, nil
}

// ChangePerms rewrites the permission bits of the existing leaf mapping at
// vaddr without touching which physical page backs it, then requests a
// shootdown: a permission downgrade left unflushed would let another core
// keep using the old, more permissive translation.
func (r *Root) ChangePerms(vaddr uintptr, perms Perm, initiatorCoreID int) error {
	if err := validateAddr(vaddr); err != nil {
		return err
	}

	r.lock.Grab()
	current := r.cr3
	for i := uint(levels); i > 1; i-- {
		t := r.mem.at(current)
		entry := t[lvlIndex(vaddr, i)]
		if entry == 0 {
			r.lock.Ungrab()
			return kernerr.ErrInvalidMem
		}
		current = uintptr(entry &^ flagsMask)
	}
	leaf := r.mem.at(current)
	idx := lvlIndex(vaddr, 1)
	entry := leaf[idx]
	if entry == 0 {
		r.lock.Ungrab()
		return kernerr.ErrInvalidMem
	}
	phys := entry &^ flagsMask
	leaf[idx] = phys | permMask(perms)
	r.lock.Ungrab()

	if r.shootdown != nil {
		r.shootdown.Request(initiatorCoreID)
	}
	return nil
}
