// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package ksync implements the kernel's own synchronization primitives:
// a ticket spinlock, a sleep-queue mutex, and a reader/writer lock. These
// are independent of Go's sync package because spinlock/mutex here
// interact with the scheduler's suspend/wake path rather than the
// goroutine scheduler.
package ksync

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// Spinlock is a ticket spinlock: two counters, allocated and current.
// Grab atomically increments allocated and spins until current equals the
// returned ticket, guaranteeing FIFO order across contending callers: if
// one caller's ticket is lower than another's, it always enters the
// critical section first.
type Spinlock struct {
	allocated atomic.Uint64
	current   atomic.Uint64
	// spinLimit bounds the spin count in debug builds; 0 disables the
	// bound. A debug build may set this to catch suspected deadlocks.
	spinLimit uint64
}

// NewSpinlock returns an unlocked spinlock. spinLimit, if non-zero, panics
// after that many spin iterations without acquiring the lock -- a debug aid
// for suspected deadlocks, never enabled in the default build.
func NewSpinlock(spinLimit uint64) *Spinlock {
	return &Spinlock{spinLimit: spinLimit}
}

// Grab acquires the lock, spinning with a pause hint until it is this
// caller's turn.
func (s *Spinlock) Grab() {
	ticket := s.allocated.Add(1) - 1
	var spins uint64
	for s.current.Load() != ticket {
		runtime.Gosched()
		spins++
		if s.spinLimit != 0 && spins > s.spinLimit {
			panic(fmt.Sprintf("ksync: spinlock deadlock suspected after %d spins", spins))
		}
	}
}

// Ungrab releases the lock, admitting the next ticket holder.
func (s *Spinlock) Ungrab() {
	s.current.Add(1)
}

// TryGrab attempts to acquire the lock without spinning. It only succeeds
// if the lock is currently free and no other ticket is outstanding.
func (s *Spinlock) TryGrab() bool {
	cur := s.current.Load()
	return s.allocated.CompareAndSwap(cur, cur+1)
}

// InterruptGuard is the "lock with interrupt disable" variant: Grab raises
// the interrupt level (recording the prior state) before spinning, and
// Ungrab restores it. level models the external interrupt-controller
// collaborator; the caller supplies it as an InterruptLevel.
type InterruptGuard struct {
	lock  *Spinlock
	level InterruptLevel
	prior bool
}

// InterruptLevel raises/lowers the simulated interrupt level for the
// calling core. Real kernels implement this with CLI/STI; corekernel models
// it as a per-goroutine boolean the caller supplies.
type InterruptLevel interface {
	Raise() (prior bool)
	Restore(prior bool)
}

// NewInterruptGuard pairs a spinlock with an interrupt-level controller.
func NewInterruptGuard(lock *Spinlock, level InterruptLevel) *InterruptGuard {
	return &InterruptGuard{lock: lock, level: level}
}

// Grab raises the interrupt level, then grabs the underlying spinlock.
func (g *InterruptGuard) Grab() {
	g.prior = g.level.Raise()
	g.lock.Grab()
}

// Ungrab releases the spinlock and restores the prior interrupt level.
func (g *InterruptGuard) Ungrab() {
	g.lock.Ungrab()
	g.level.Restore(g.prior)
}
