// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package cap

import (
	"sync"

	"github.com/ricercaos/corekernel/pkg/container"
	"github.com/ricercaos/corekernel/pkg/kernerr"
)

type universeCell struct {
	inUse bool
	ref   Ref
}

// Universe is a thread-accessible, addressable table of capability
// references (universe.c's user_universe, Glossary "Universe"): a
// mutex-guarded dynamic array of cells plus a free list of indices to
// recycle before the array grows.
type Universe struct {
	refs *container.RefCell

	mu       sync.Mutex
	cells    []universeCell
	freeList []int // LIFO, mirrors universe.c's intrusive free_list
	seq      uint64
}

// NewUniverse allocates a fresh, empty universe with refcount 1.
func NewUniverse() *Universe {
	u := &Universe{}
	universeSeq.mu.Lock()
	universeSeq.next++
	u.seq = universeSeq.next
	universeSeq.mu.Unlock()
	u.refs = container.NewRefCell(u.destroy)
	return u
}

func (u *Universe) acquireRef() { u.refs.Acquire() }
func (u *Universe) releaseRef() { u.refs.Release() }

// destroy drops every reference still resident in the universe
// (user_destroy_universe) before the universe itself is freed.
func (u *Universe) destroy() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i := range u.cells {
		if u.cells[i].inUse {
			u.cells[i].ref.Drop()
		}
	}
}

// addr is a stand-in for the original's address-based lock ordering
// (user_move_across's "implementation chooses ordering by universe
// address"): the universe's own allocation address would
// serve in C, but Go objects have no stable numeric identity a caller can
// compare, so each universe is stamped with a sequence number at creation
// instead. Two different universes never compare equal.
var universeSeq struct {
	mu   sync.Mutex
	next uint64
}

func (u *Universe) ordinal() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.seq == 0 {
		universeSeq.mu.Lock()
		universeSeq.next++
		u.seq = universeSeq.next
		universeSeq.mu.Unlock()
	}
	return u.seq
}

func (u *Universe) allocCellLocked(ref Ref) int {
	if n := len(u.freeList); n > 0 {
		idx := u.freeList[n-1]
		u.freeList = u.freeList[:n-1]
		u.cells[idx] = universeCell{inUse: true, ref: ref}
		return idx
	}
	u.cells = append(u.cells, universeCell{inUse: true, ref: ref})
	return len(u.cells) - 1
}

// AllocCell installs ref into a fresh or recycled cell and returns its
// index (user_allocate_cell). The universe takes ownership of ref; callers
// that want to keep their own handle must Borrow before calling this.
func (u *Universe) AllocCell(ref Ref) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.allocCellLocked(ref)
}

// AllocCellPair installs two references atomically, rolling back the
// first cell if the second allocation fails (user_allocate_cell_pair). It
// cannot fail in this implementation (growing the backing slice never
// returns an error), but keeps the pairing contract the original exposes
// for callers relying on all-or-nothing allocation.
func (u *Universe) AllocCellPair(a, b Ref) (int, int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	ia := u.allocCellLocked(a)
	ib := u.allocCellLocked(b)
	return ia, ib
}

func (u *Universe) validLocked(cell int) error {
	if cell < 0 || cell >= len(u.cells) {
		return kernerr.ErrInvalidHandle
	}
	if !u.cells[cell].inUse {
		return kernerr.ErrInvalidHandle
	}
	return nil
}

// authLocked authenticates entry against the pin cookie of the target
// cell, per the blanket rule covering every mutating universe
// operation.
func (u *Universe) authLocked(cell int, entry *EntryCookie) error {
	if err := u.validLocked(cell); err != nil {
		return err
	}
	if !UnpinnedFor(u.cells[cell].ref, entry) {
		return kernerr.ErrSecurityViolation
	}
	return nil
}

func (u *Universe) freeCellLocked(cell int) {
	u.cells[cell] = universeCell{}
	u.freeList = append(u.freeList, cell)
}

// Drop authenticates and releases the reference at cell
// (user_drop_cell), freeing the cell for reuse.
func (u *Universe) Drop(cell int, entry *EntryCookie) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.authLocked(cell, entry); err != nil {
		return err
	}
	u.cells[cell].ref.Drop()
	u.freeCellLocked(cell)
	return nil
}

// BorrowOut authenticates and returns a borrowed copy of the reference at
// cell without removing it from the universe (user_borrow_ref).
func (u *Universe) BorrowOut(cell int, entry *EntryCookie) (Ref, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.authLocked(cell, entry); err != nil {
		return Ref{}, err
	}
	return u.cells[cell].ref.Borrow(), nil
}

// MoveOut authenticates and removes the reference at cell, handing
// ownership to the caller (user_move_out_ref).
func (u *Universe) MoveOut(cell int, entry *EntryCookie) (Ref, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.authLocked(cell, entry); err != nil {
		return Ref{}, err
	}
	ref := u.cells[cell].ref
	u.freeCellLocked(cell)
	return ref, nil
}

// MoveIn installs ref into a fresh cell, taking ownership of it
// (user_allocate_cell, called from the move_in syscall path: no pin-cookie
// check applies since the caller already owns the reference being moved
// in).
func (u *Universe) MoveIn(ref Ref) int {
	return u.AllocCell(ref)
}

// BorrowIn installs a caller-supplied borrowed ref into a fresh cell. It
// is MoveIn's counterpart for the borrow_in syscall: the caller must have
// already called Ref.Borrow() on whatever it is lending.
func (u *Universe) BorrowIn(ref Ref) int {
	return u.AllocCell(ref)
}

// Pin authenticates against the existing pin cookie of cell and rewrites
// it to key. Synthesized from the blanket description of `pin`
// ("authenticate the pin cookie of the target cell... and either succeed,
// mutating the cell, or fail"); universe.c's concrete source does not
// implement pin/unpin, only declares the cell-management primitives
// they're built from.
func (u *Universe) Pin(cell int, entry *EntryCookie, key Key) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.authLocked(cell, entry); err != nil {
		return err
	}
	c := u.cells[cell]
	c.ref.PinCookie = key
	u.cells[cell] = c
	return nil
}

// Unpin authenticates against cell's current pin cookie and resets it to
// KeyUniversal, so any entry may subsequently move/borrow/drop it.
func (u *Universe) Unpin(cell int, entry *EntryCookie) error {
	return u.Pin(cell, entry, KeyUniversal)
}

// PinToGroup authenticates against cell's current pin cookie and
// restricts it to members of grp.
func (u *Universe) PinToGroup(cell int, entry *EntryCookie, grp *GroupCookie) error {
	return u.Pin(cell, entry, grp.key)
}

// UnpinFromGroup authenticates against cell's current pin cookie and
// restores it to KeyUniversal. `unpin_from_group` is named as
// a distinct operation from `unpin` but does not describe a difference in
// effect beyond the symmetry with pin_to_group; both resolve to the same
// "reset to universal" mutation here.
func (u *Universe) UnpinFromGroup(cell int, entry *EntryCookie) error {
	return u.Pin(cell, entry, KeyUniversal)
}

// Fork creates a new universe and duplicates (borrows) every reference
// whose pin cookie authenticates against entry: fork
// creates a new universe and duplicates (borrows) every reference whose
// pin cookie authenticates.
func (u *Universe) Fork(entry *EntryCookie) *Universe {
	out := NewUniverse()
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, c := range u.cells {
		if !c.inUse || !UnpinnedFor(c.ref, entry) {
			continue
		}
		out.AllocCell(c.ref.Borrow())
	}
	return out
}

// lockPairOrdered locks a and b in increasing-ordinal order, returning the
// unlock func to defer, so two concurrent cross-universe operations moving
// in opposite directions can never deadlock against each other (the
// original enforces a consistent ordering by universe
// address; ordinal stands in for address here, see the Universe.ordinal
// comment).
func lockPairOrdered(a, b *Universe) func() {
	first, second := a, b
	if b.ordinal() < a.ordinal() {
		first, second = b, a
	}
	first.mu.Lock()
	second.mu.Lock()
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}

// MoveAcross authenticates cell in src against entry, then moves the
// reference into dst. The move itself is only permitted forward in
// creation order (dst must have been created after src): this is a
// simplification of the original's cyclic-deadlock note, which describes
// lock ordering but leaves the exact rejection rule unspecified. Requiring
// strictly increasing ordinals makes a reference cycle through
// move_across structurally unreachable, since no chain of moves can ever
// return to an earlier-created universe (documented in DESIGN.md).
func MoveAcross(src, dst *Universe, cell int, entry *EntryCookie) (int, error) {
	if src == dst || dst.ordinal() <= src.ordinal() {
		return 0, kernerr.ErrInvalidUniverseOrder
	}
	unlock := lockPairOrdered(src, dst)
	defer unlock()

	if err := src.authLocked(cell, entry); err != nil {
		return 0, err
	}
	ref := src.cells[cell].ref
	src.freeCellLocked(cell)
	return dst.allocCellLocked(ref), nil
}

// BorrowAcross is MoveAcross's non-consuming counterpart: it authenticates
// cell in src against entry and installs a borrowed copy into dst,
// leaving src's cell intact. It is subject to the same forward-only
// ordering as MoveAcross.
func BorrowAcross(src, dst *Universe, cell int, entry *EntryCookie) (int, error) {
	if src == dst || dst.ordinal() <= src.ordinal() {
		return 0, kernerr.ErrInvalidUniverseOrder
	}
	unlock := lockPairOrdered(src, dst)
	defer unlock()

	if err := src.authLocked(cell, entry); err != nil {
		return 0, err
	}
	return dst.allocCellLocked(src.cells[cell].ref.Borrow()), nil
}
