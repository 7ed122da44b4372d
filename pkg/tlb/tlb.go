// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package tlb implements the TLB shootdown coordination protocol: a
// phase-flipping handshake that lets an initiator request a
// global invalidation without spinning, while idle cores are tracked
// separately since their TLBs carry no stale entries to flush.
package tlb

import "github.com/ricercaos/corekernel/pkg/ksync"

// AckResult is the action a core must take after Ack observes its phase
// against the pending generation.
type AckResult int

const (
	// NoInvalidationRequired means the core's phase already matches; no
	// CR3 write is needed.
	NoInvalidationRequired AckResult = iota
	// FlushCr3 means the core must reload CR3 to pick up new mappings.
	FlushCr3
	// GenerationUpdatePending means this core was the last one to ack;
	// the caller must run the generation-update routine under the lock
	// before (or as part of) flushing CR3.
	GenerationUpdatePending
)

const idleSentinel uint8 = 2

// Shootdown coordinates global TLB invalidation across a fixed number of
// cores without requiring the initiator to spin.
type Shootdown struct {
	lock *ksync.Spinlock

	pendingPhase    uint8
	states          []uint8
	pendingUpdates  int
	idleCores       int
	pending         bool
	totalCores      int
	onGenerationUpd func()
}

// New returns a shootdown coordinator for the given number of cores, all
// starting at phase 0 and none idle.
func New(totalCores int) *Shootdown {
	return &Shootdown{
		lock:       ksync.NewSpinlock(0),
		states:     make([]uint8, totalCores),
		totalCores: totalCores,
	}
}

// SetGenerationUpdate installs the routine that runs, under the lock, the
// instant the last pending core acks a generation. The original leaves
// this as an explicit stub ("TODO: gen update code"); corekernel
// mirrors that gap rather than inventing a contract nothing grounds.
func (s *Shootdown) SetGenerationUpdate(fn func()) {
	s.onGenerationUpd = fn
}

func (s *Shootdown) flip(phase uint8) uint8 { return 1 - phase }

// Ack is the per-core acknowledgement path, called from a CR3 update
// If the core's recorded phase differs from the pending
// one, it adopts the new phase and decrements the outstanding-ack count;
// reaching zero hands the caller GenerationUpdatePending so it can run the
// generation-update routine exactly once, under the lock.
func (s *Shootdown) Ack(coreID int) AckResult {
	s.lock.Grab()
	defer s.lock.Ungrab()
	return s.ackLocked(coreID)
}

func (s *Shootdown) ackLocked(coreID int) AckResult {
	if s.states[coreID] == s.pendingPhase {
		return NoInvalidationRequired
	}
	s.states[coreID] = s.pendingPhase
	s.pendingUpdates--
	if s.pendingUpdates == 0 {
		if s.onGenerationUpd != nil {
			s.onGenerationUpd()
		}
		s.pending = false
		return GenerationUpdatePending
	}
	return FlushCr3
}

// Request starts a new global invalidation on behalf of initiatorCoreID, if
// none is already in flight, then immediately self-acks on the initiator's
// behalf: it returns early if an invalidation is already pending;
// otherwise it sets pending_updates, flips pending_phase, releases the
// lock, then self-acks. It returns the initiator's own AckResult so the caller knows
// whether it must flush CR3 itself.
func (s *Shootdown) Request(initiatorCoreID int) AckResult {
	s.lock.Grab()
	if s.pending {
		s.lock.Ungrab()
		return NoInvalidationRequired
	}
	s.pending = true
	s.pendingUpdates = s.totalCores - s.idleCores
	s.pendingPhase = s.flip(s.pendingPhase)
	s.lock.Ungrab()

	return s.Ack(initiatorCoreID)
}

// OnIdleEnter acks any pending generation for coreID, then marks it idle:
// an idle core's TLB holds no stale entries, so it need not be counted
// among pending updates.
func (s *Shootdown) OnIdleEnter(coreID int) {
	s.lock.Grab()
	defer s.lock.Ungrab()
	s.ackLocked(coreID)
	s.states[coreID] = idleSentinel
	s.idleCores++
}

// OnIdleExit marks coreID as having already observed the current pending
// phase and decrements the idle count. The core was excluded from
// pendingUpdates' budget while idle, so it must not ack the
// generation that was in flight when it went idle; adopting pendingPhase
// now makes that ack a no-op, and it will owe one again at the next flip.
func (s *Shootdown) OnIdleExit(coreID int) {
	s.lock.Grab()
	defer s.lock.Ungrab()
	s.states[coreID] = s.pendingPhase
	s.idleCores--
}

// Pending reports whether a global invalidation is currently in flight.
func (s *Shootdown) Pending() bool {
	s.lock.Grab()
	defer s.lock.Ungrab()
	return s.pending
}

// PendingUpdates reports how many online cores have yet to ack the
// current generation.
func (s *Shootdown) PendingUpdates() int {
	s.lock.Grab()
	defer s.lock.Ungrab()
	return s.pendingUpdates
}
