// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ksync

import "github.com/ricercaos/corekernel/pkg/container"

// Scheduler is the slice of the local scheduler that Mutex
// and RWLock need: a way to park the current task off the run queue and run
// a callback once it is safely off-heap (releasing the spinlock that was
// handed off), a way to wake a parked task back up, and a way to identify
// "the current task" for enqueueing. Task is typically *sched.Task.
type Scheduler[Task any] interface {
	Current() Task
	SuspendCurrent(onOffQueue func())
	WakeUp(task Task)
}

// Mutex is a spinlock-guarded sleep queue: Lock either takes
// an uncontended mutex immediately or parks the caller's task on the sleep
// queue and suspends it, handing the spinlock release off to the scheduler
// so the park and the unlock are atomic from an outside observer. Unlock
// wakes one waiter, or clears the taken flag if none are waiting.
type Mutex[Task any] struct {
	spin  *Spinlock
	queue *container.Queue[Task]
	taken bool
	sched Scheduler[Task]
}

// NewMutex returns an unlocked mutex backed by sched for suspend/wake.
func NewMutex[Task any](sched Scheduler[Task]) *Mutex[Task] {
	return &Mutex[Task]{
		spin:  NewSpinlock(0),
		queue: container.NewQueue[Task](),
		sched: sched,
	}
}

// Lock acquires the mutex, suspending the calling task if it is already
// held.
func (m *Mutex[Task]) Lock() {
	m.spin.Grab()
	if !m.taken {
		m.taken = true
		m.spin.Ungrab()
		return
	}
	m.queue.Enqueue(m.sched.Current())
	// SuspendCurrent runs this closure only after the task is off the run
	// queue and the queue lock has been released, giving an atomic
	// park+release.
	m.sched.SuspendCurrent(func() { m.spin.Ungrab() })
}

// Unlock releases the mutex, waking one queued waiter if any, else clearing
// the taken flag.
func (m *Mutex[Task]) Unlock() {
	m.spin.Grab()
	if next, ok := m.queue.Dequeue(); ok {
		m.spin.Ungrab()
		m.sched.WakeUp(next)
		return
	}
	m.taken = false
	m.spin.Ungrab()
}
