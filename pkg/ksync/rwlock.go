// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ksync

import "github.com/ricercaos/corekernel/pkg/container"

type rwState int

const (
	rwFree rwState = iota
	rwTakenRead
	rwTakenWrite
)

type rwWaiter[Task any] struct {
	task   Task
	writer bool
}

// RWLock is a reader/writer lock with writer fairness: readers block
// whenever the wait queue is non-empty, so a waiting writer
// is never starved by a steady stream of new readers. The wait queue is
// FIFO and tagged per waiter as reader or writer.
type RWLock[Task any] struct {
	spin    *Spinlock
	state   rwState
	readers int
	queue   *container.Queue[rwWaiter[Task]]
	sched   Scheduler[Task]
}

// NewRWLock returns a free reader/writer lock backed by sched for
// suspend/wake.
func NewRWLock[Task any](sched Scheduler[Task]) *RWLock[Task] {
	return &RWLock[Task]{
		spin:  NewSpinlock(0),
		queue: container.NewQueue[rwWaiter[Task]](),
		sched: sched,
	}
}

// ReadLock acquires the lock for reading. It blocks only if a writer holds
// the lock, or if the wait queue is non-empty (writer fairness).
func (l *RWLock[Task]) ReadLock() {
	l.spin.Grab()
	if l.state != rwTakenWrite && l.queue.Empty() {
		l.state = rwTakenRead
		l.readers++
		l.spin.Ungrab()
		return
	}
	l.queue.Enqueue(rwWaiter[Task]{task: l.sched.Current(), writer: false})
	l.sched.SuspendCurrent(func() { l.spin.Ungrab() })
}

// WriteLock acquires the lock exclusively.
func (l *RWLock[Task]) WriteLock() {
	l.spin.Grab()
	if l.state == rwFree {
		l.state = rwTakenWrite
		l.spin.Ungrab()
		return
	}
	l.queue.Enqueue(rwWaiter[Task]{task: l.sched.Current(), writer: true})
	l.sched.SuspendCurrent(func() { l.spin.Ungrab() })
}

// ReadUnlock releases one reader's hold. If it was the last reader, it
// hands the lock to the next waiter(s).
func (l *RWLock[Task]) ReadUnlock() {
	l.spin.Grab()
	l.readers--
	if l.readers > 0 {
		l.spin.Ungrab()
		return
	}
	l.wakeNext()
}

// WriteUnlock releases the exclusive hold and hands the lock to the next
// waiter(s).
func (l *RWLock[Task]) WriteUnlock() {
	l.spin.Grab()
	l.wakeNext()
}

// wakeNext must be called with spin held; it releases spin itself. If a
// writer is at the head of the queue, only that writer is woken. If a
// reader is at the head, every contiguous run of readers is woken and the
// reader count is updated atomically with the state change. An empty queue
// leaves the lock Free.
func (l *RWLock[Task]) wakeNext() {
	head, ok := l.queue.Peek()
	if !ok {
		l.state = rwFree
		l.spin.Ungrab()
		return
	}
	if head.writer {
		w, _ := l.queue.Dequeue()
		l.state = rwTakenWrite
		l.spin.Ungrab()
		l.sched.WakeUp(w.task)
		return
	}

	var woken []Task
	for {
		next, ok := l.queue.Peek()
		if !ok || next.writer {
			break
		}
		w, _ := l.queue.Dequeue()
		woken = append(woken, w.task)
	}
	l.state = rwTakenRead
	l.readers = len(woken)
	l.spin.Ungrab()
	for _, t := range woken {
		l.sched.WakeUp(t)
	}
}
