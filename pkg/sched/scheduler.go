// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// Scheduler is the SMP-wide facade over every core's local scheduler. It
// implements ksync.Scheduler[*Task] so Mutex/RWLock can suspend and wake
// tasks without knowing which core they live on.
//
// The real kernel resolves "the current task" through a gs-relative
// per-CPU pointer; the implementation here models this as a first-class
// "current CPU context" abstraction rather than a process-wide singleton.
// corekernel's stand-in for that register is the
// identity of the goroutine presently acting on a task's behalf: Bind
// records which task a goroutine is running just as a real dispatch would
// load the per-CPU current-task pointer, and Current recovers it the same
// way.
type Scheduler struct {
	mu      sync.RWMutex
	current map[uint64]*Task
}

// NewScheduler returns an empty multi-core scheduler facade.
func NewScheduler() *Scheduler {
	return &Scheduler{current: make(map[uint64]*Task)}
}

// Bind records that the calling goroutine is now executing task, standing
// in for the dispatch path loading the per-CPU current-task pointer.
// Callers invoke this once per task, right before running the task's body.
func (s *Scheduler) Bind(task *Task) {
	s.mu.Lock()
	s.current[goroutineID()] = task
	s.mu.Unlock()
}

// Unbind clears the calling goroutine's task association, e.g. once the
// task's body has finished or right before the goroutine exits after
// Terminate. SuspendCurrent looks up the bound task, so Unbind must not
// precede it.
func (s *Scheduler) Unbind() {
	s.mu.Lock()
	delete(s.current, goroutineID())
	s.mu.Unlock()
}

// Current returns the task bound to the calling goroutine, or nil if none.
func (s *Scheduler) Current() *Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current[goroutineID()]
}

// SuspendCurrent parks the calling goroutine's bound task on its own
// core, releasing whatever the caller's onOffQueue hands off (e.g. a
// Mutex's spinlock), then blocks until a matching WakeUp.
func (s *Scheduler) SuspendCurrent(onOffQueue func()) {
	t := s.Current()
	t.core.SuspendCurrent(t, onOffQueue)
}

// WakeUp resumes task on whichever core it is assigned to.
func (s *Scheduler) WakeUp(task *Task) {
	if task.parkCh != nil {
		task.core.wakeParked(task)
		return
	}
	task.core.WakeUp(task)
}

// goroutineID parses the calling goroutine's id out of a runtime stack
// trace. It is the only way to recover "which task is this call on behalf
// of" without threading a context parameter through every ksync call site;
// the same idiom is used to drive pkg/ksync's own tests.
func goroutineID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	buf = buf[:bytes.IndexByte(buf, ' ')]
	id, _ := strconv.ParseUint(string(buf), 10, 64)
	return id
}
