// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sched implements the local (per-core) scheduler: an
// unfairness-ordered pairing-heap run queue, timeslice calculation, the
// timer-tick handler, and the cooperative yield/suspend/terminate/wake_up
// entry points. It implements ksync.Scheduler[*Task] so pkg/ksync's Mutex
// and RWLock can park and wake tasks through it.
//
// The architecture-specific sched-stack call that actually suspends a
// running task mid-instruction and jumps to the scheduler stack rides on
// interrupt-vectoring machinery this package places out of
// scope. corekernel models its effect rather than its mechanism: Yield
// updates the same bookkeeping the real handler would and cooperatively
// hands control back to the Go runtime (runtime.Gosched), while
// SuspendCurrent/WakeUp, which must block and unblock a specific task
// regardless of what triggers it, use a per-task channel so contention on a
// Mutex/RWLock/mailbox produces real blocking behavior under concurrent
// goroutines standing in for concurrent tasks.
package sched

import "github.com/ricercaos/corekernel/pkg/container"

// Task is one schedulable unit: the saved register
// frame, its position in the owning core's run-queue heap, and the
// unfairness accounting the scheduler uses to order dispatch.
type Task struct {
	// Frame is an opaque seam for an architecture layer to save/restore
	// real register state; corekernel's core/cap subsystems never read
	// it. The GDT/IDT/interrupt-vectoring code that would populate it is
	// out of scope here.
	Frame any

	// Unfairness is accumulated cycles consumed while running; lower is
	// more deserving.
	Unfairness uint64
	// AccUnfairnessIdle is the idle-unfairness snapshot taken when this
	// task was last suspended, used by WakeUp to avoid letting a
	// long-sleeping task monopolize the CPU.
	AccUnfairnessIdle uint64
	// Timestamp is the simulated TSC value at last dispatch.
	Timestamp uint64
	// CoreID is the logical id of the core this task is currently
	// assigned to.
	CoreID uint32
	// Stack is the owned stack pointer; corekernel tracks
	// it for bookkeeping parity but never dereferences it.
	Stack uintptr

	core     *Core
	heapNode *container.HeapNode[*Task]
	parkCh   chan struct{}
}

// NewTask returns a task not yet attached to any core. Callers hand it to
// a Core via Associate to make it runnable.
func NewTask() *Task {
	return &Task{}
}

// Core returns the core this task is currently assigned to, or nil.
func (t *Task) Core() *Core { return t.core }
