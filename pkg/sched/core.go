// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/ricercaos/corekernel/pkg/container"
	"github.com/ricercaos/corekernel/pkg/ksync"
)

// MinTimeslice and DefaultTimeslice bound the timeslice calculation,
// clamped to [10ms, default] where default is 20ms.
const (
	MinTimeslice     = 10 * time.Millisecond
	DefaultTimeslice = 20 * time.Millisecond
)

// Clock supplies a simulated TSC: a monotonically increasing cycle count
// and the cycles-per-microsecond conversion factor used by the timeslice
// calculation. The real TSC/CPUID frequency discovery is an external
// collaborator; tests supply a deterministic fake.
type Clock interface {
	Now() uint64
	FreqPerUs() uint64
}

// IPISender models the interrupt controller's ability to deliver a
// wake-up-only IPI to a sleeping core. The real IC is out of scope;
// corekernel calls this
// only for its side effect of aborting hlt, matching the original's dummy
// vector.
type IPISender interface {
	SendWakeup(coreID uint32)
}

// Core is the local scheduler for one CPU: a pairing-heap run queue ordered
// by unfairness, the currently dispatched task, and the idle-unfairness
// counter woken tasks are credited against.
type Core struct {
	ID     uint32
	NumaID uint32

	clock Clock
	ipi   IPISender

	lock  *ksync.Spinlock
	queue *container.PairingHeap[*Task]

	current        atomic.Pointer[Task]
	tasksCount     atomic.Int64
	idleUnfairness uint64
	idle           atomic.Bool

	// onIdleEnter/onIdleExit let a higher layer (the TLB shootdown
	// protocol) observe this core's idle transitions. Both
	// default to no-ops; SetIdleHooks overrides them.
	onIdleEnter func()
	onIdleExit  func()
}

func less(a, b *Task) bool { return a.Unfairness < b.Unfairness }

// NewCore returns an idle core with an empty run queue.
func NewCore(id, numaID uint32, clock Clock, ipi IPISender) *Core {
	c := &Core{
		ID:          id,
		NumaID:      numaID,
		clock:       clock,
		ipi:         ipi,
		lock:        ksync.NewSpinlock(0),
		queue:       container.NewPairingHeap[*Task](less),
		onIdleEnter: func() {},
		onIdleExit:  func() {},
	}
	c.idle.Store(true)
	return c
}

// SetIdleHooks wires callbacks invoked whenever this core's run queue
// transitions to/from empty, so the TLB-idle-tracking wiring has a
// seam to attach to.
func (c *Core) SetIdleHooks(onEnter, onExit func()) {
	if onEnter != nil {
		c.onIdleEnter = onEnter
	}
	if onExit != nil {
		c.onIdleExit = onExit
	}
}

// Current returns the task this core is presently running, or nil.
func (c *Core) Current() *Task { return c.current.Load() }

// TasksCount returns the number of tasks queued or running on this core,
// read atomically so the load balancer can compare cores
// without taking the queue lock.
func (c *Core) TasksCount() int64 { return c.tasksCount.Load() }

// Idle reports whether this core's run queue is currently empty.
func (c *Core) Idle() bool { return c.idle.Load() }

func (c *Core) now() uint64 { return c.clock.Now() }

// pickTimeslice implements the timeslice formula: the gap
// between the next-best task's unfairness and the dispatched task's own,
// converted to microseconds and clamped to [MinTimeslice, DefaultTimeslice].
// Must be called with c.lock held.
func (c *Core) pickTimeslice(currentUnfairness uint64) time.Duration {
	alt, ok := c.queue.PeekMin()
	if !ok {
		return DefaultTimeslice
	}
	diff := alt.Unfairness - currentUnfairness
	freq := c.clock.FreqPerUs()
	if freq == 0 {
		freq = 1
	}
	us := diff / freq
	d := time.Duration(us) * time.Microsecond
	if d < MinTimeslice {
		return MinTimeslice
	}
	if d > DefaultTimeslice {
		return DefaultTimeslice
	}
	return d
}

// updateUnfairnessLocked folds elapsed cycles since task's last dispatch
// into its unfairness and spreads the same delta across the core's idle
// unfairness, divided by the number of tasks sharing the core. Must be
// called with c.lock held.
func (c *Core) updateUnfairnessLocked(task *Task) {
	now := c.now()
	diff := now - task.Timestamp
	task.Unfairness += diff
	n := c.tasksCount.Load()
	if n <= 0 {
		n = 1
	}
	c.idleUnfairness += diff / uint64(n)
}

// dispatchLocked removes the minimum-unfairness task from the queue, marks
// it current, stamps its dispatch timestamp, and returns it plus the
// timeslice it should run for. Must be called with c.lock held. Returns
// ok=false if the queue is empty.
func (c *Core) dispatchLocked() (task *Task, slice time.Duration, ok bool) {
	t, present := c.queue.RemoveMin()
	if !present {
		c.current.Store(nil)
		return nil, 0, false
	}
	slice = c.pickTimeslice(t.Unfairness)
	t.Timestamp = c.now()
	c.current.Store(t)
	return t, slice, true
}

// Associate attaches a freshly created task to this core and makes it
// runnable for the first time. Per thread_localsched_associate, resetting
// unfairness and acc_unfairness_idle to zero means WakeUp's credit formula
// adds the core's entire accumulated idle unfairness to the new task,
// exactly as if it had been asleep since boot.
func (c *Core) Associate(task *Task) {
	task.Unfairness = 0
	task.AccUnfairnessIdle = 0
	task.CoreID = c.ID
	task.core = c
	c.WakeUp(task)
}

// WakeUp makes task runnable on its core, crediting it
// idleUnfairness-AccUnfairnessIdle so a long-sleeping task does not
// preempt immediately on wake, then enqueues it and, if the core was idle,
// sends the dummy wake-up IPI.
func (c *Core) WakeUp(task *Task) {
	c.lock.Grab()
	task.Unfairness += c.idleUnfairness - task.AccUnfairnessIdle
	task.core = c
	task.heapNode = c.queue.Insert(task)
	c.tasksCount.Add(1)
	wasIdle := c.idle.Load()
	if wasIdle {
		c.idle.Store(false)
	}
	c.lock.Ungrab()

	if wasIdle {
		c.onIdleExit()
		if c.ipi != nil {
			c.ipi.SendWakeup(c.ID)
		}
	}
}

// Yield gives up the remainder of the current task's timeslice while
// keeping it runnable: its unfairness is folded in and it is reinserted
// into the run queue: the same bookkeeping as preemption, but the
// current task stays runnable instead of being replaced.
func (c *Core) Yield(task *Task) {
	c.lock.Grab()
	c.updateUnfairnessLocked(task)
	task.heapNode = c.queue.Insert(task)
	c.lock.Ungrab()
	runtime.Gosched()
}

// SuspendCurrent removes task from the runnable set and invokes
// onOffQueue once it is off-heap and the queue lock has been released,
// then blocks the calling goroutine until a matching WakeUp. The callback
// runs after the task is off the heap and the queue lock is released,
// which is how a mutex hands off its spinlock atomically with suspension.
func (c *Core) SuspendCurrent(task *Task, onOffQueue func()) {
	c.lock.Grab()
	c.updateUnfairnessLocked(task)
	task.AccUnfairnessIdle = c.idleUnfairness
	c.tasksCount.Add(-1)
	ch := make(chan struct{})
	task.parkCh = ch
	empty := c.queue.Empty()
	if empty {
		c.idle.Store(true)
	}
	c.lock.Ungrab()

	if empty {
		c.onIdleEnter()
	}
	if onOffQueue != nil {
		onOffQueue()
	}
	<-ch
}

// wakeParked resumes a task blocked in SuspendCurrent, folding the same
// idle-unfairness credit WakeUp applies and re-enqueueing it.
func (c *Core) wakeParked(task *Task) {
	c.lock.Grab()
	task.Unfairness += c.idleUnfairness - task.AccUnfairnessIdle
	task.heapNode = c.queue.Insert(task)
	c.tasksCount.Add(1)
	wasIdle := c.idle.Load()
	if wasIdle {
		c.idle.Store(false)
	}
	ch := task.parkCh
	task.parkCh = nil
	c.lock.Ungrab()

	if wasIdle {
		c.onIdleExit()
	}
	if ch != nil {
		close(ch)
	}
}

// Terminate disposes task and removes it from scheduling permanently. The
// original never returns from this path; corekernel's equivalent is that
// the caller's goroutine is expected to exit immediately afterward.
func (c *Core) Terminate(task *Task) {
	c.lock.Grab()
	c.updateUnfairnessLocked(task)
	c.tasksCount.Add(-1)
	c.lock.Ungrab()
}

// TimerTick implements the periodic preemption handler:
// folds the running task's elapsed cycles into its unfairness, reinserts
// it, dequeues a replacement (possibly the same task if it is alone), and
// returns the new timeslice for the caller's one-shot timer. It is driven
// by whatever stands in for the interrupt controller's periodic callback
// in a given deployment; nothing in this module, cmd/coresim included,
// calls it outside tests.
func (c *Core) TimerTick() (next *Task, slice time.Duration) {
	c.lock.Grab()
	defer c.lock.Ungrab()

	old := c.current.Load()
	if old != nil {
		c.updateUnfairnessLocked(old)
		old.heapNode = c.queue.Insert(old)
	}
	t, present := c.queue.RemoveMin()
	if !present {
		t = old
	}
	if t == nil {
		c.current.Store(nil)
		return nil, DefaultTimeslice
	}
	slice = c.pickTimeslice(t.Unfairness)
	t.Timestamp = c.now()
	c.current.Store(t)
	return t, slice
}
