// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package cap

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ricercaos/corekernel/pkg/kernerr"
	"github.com/ricercaos/corekernel/pkg/sched"
)

// goroutineID and fakeScheduler give the tests in this package a minimal
// Scheduler without needing a fully wired sched.Core/sched.Scheduler per
// simulated task, mirroring the shim pkg/ksync's own tests use.
func goroutineID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	buf = buf[:bytes.IndexByte(buf, ' ')]
	id, _ := strconv.ParseUint(string(buf), 10, 64)
	return id
}

type fakeScheduler struct {
	mu     sync.Mutex
	tasks  map[uint64]*sched.Task
	parked map[*sched.Task]chan struct{}
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		tasks:  make(map[uint64]*sched.Task),
		parked: make(map[*sched.Task]chan struct{}),
	}
}

func (f *fakeScheduler) Current() *sched.Task {
	gid := goroutineID()
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[gid]
	if !ok {
		t = sched.NewTask()
		f.tasks[gid] = t
	}
	return t
}

func (f *fakeScheduler) SuspendCurrent(onOffQueue func()) {
	task := f.Current()
	ch := make(chan struct{})
	f.mu.Lock()
	f.parked[task] = ch
	f.mu.Unlock()

	onOffQueue()
	<-ch
}

func (f *fakeScheduler) WakeUp(task *sched.Task) {
	f.mu.Lock()
	ch, ok := f.parked[task]
	if ok {
		delete(f.parked, task)
	}
	f.mu.Unlock()
	if ok {
		close(ch)
	}
}

func TestMailboxSendThenRecvReturnsInOrder(t *testing.T) {
	m := NewMailbox(4, newFakeScheduler())
	require.NoError(t, m.Send(Notification{Type: NoteGeneric, Opaque: 1}))
	require.NoError(t, m.Send(Notification{Type: NoteGeneric, Opaque: 2}))

	require.Equal(t, Notification{Type: NoteGeneric, Opaque: 1}, m.Recv())
	require.Equal(t, Notification{Type: NoteGeneric, Opaque: 2}, m.Recv())
}

func TestMailboxSendFailsWhenFullAndNoWaiter(t *testing.T) {
	m := NewMailbox(1, newFakeScheduler())
	require.NoError(t, m.Send(Notification{Opaque: 1}))
	require.ErrorIs(t, m.Send(Notification{Opaque: 2}), kernerr.ErrQuotaExceeded)
}

func TestMailboxRecvParksUntilSend(t *testing.T) {
	m := NewMailbox(1, newFakeScheduler())
	got := make(chan Notification, 1)
	go func() { got <- m.Recv() }()

	// Give the receiver time to park before sending.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Send(Notification{Type: NoteGeneric, Opaque: 42}))

	select {
	case n := <-got:
		require.Equal(t, Notification{Type: NoteGeneric, Opaque: 42}, n)
	case <-time.After(time.Second):
		t.Fatal("Recv never returned after Send")
	}
}

func TestMailboxSendFailsAfterShutdown(t *testing.T) {
	m := NewMailbox(1, newFakeScheduler())
	m.releaseRef() // drops the sole handle, triggering shutdown
	require.ErrorIs(t, m.Send(Notification{}), kernerr.ErrTargetUnreachable)
}

func TestMailboxReserveSlotKeepsStorageAliveAfterShutdown(t *testing.T) {
	m := NewMailbox(1, newFakeScheduler())
	m.ReserveSlot()
	m.releaseRef()
	// The mailbox itself is shut down, but the reserved dealloc slot
	// means ReleaseSlot below must not double-free or panic.
	require.NotPanics(t, func() { m.ReleaseSlot() })
}
