// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package cap

import (
	"github.com/ricercaos/corekernel/pkg/container"
	"github.com/ricercaos/corekernel/pkg/kernerr"
	"github.com/ricercaos/corekernel/pkg/ksync"
	"github.com/ricercaos/corekernel/pkg/sched"
)

// NoteType tags what a Notification reports. notifications.h defines only
// USER_NOTE_TYPE_IPC_STREAM_UPDATE; the RPC notification types rpc.c
// constructs (USER_NOTE_TYPE_RPC_REPLY/_INCOMING) are referenced there but
// not declared in the header slice available here, so this enum adds them
// alongside it to cover every producer in this package.
type NoteType int

const (
	NoteGeneric NoteType = iota
	NoteIPCStreamUpdate
	NoteRPCReply
	NoteRPCIncoming
)

// Notification is one mailbox payload (notifications.h's user_notification).
type Notification struct {
	Type   NoteType
	Opaque uint64
}

// Scheduler is the slice of the SMP scheduler facade a mailbox needs to
// park a receiver and wake it again; *sched.Scheduler satisfies this.
type Scheduler = ksync.Scheduler[*sched.Task]

type mailboxWaiter struct {
	task *sched.Task
	buf  *Notification
}

// Mailbox is a bounded notification sink (notifications.c's user_mailbox,
// Glossary "Mailbox"): a circular buffer guarded by a spinlock, a FIFO
// sleep queue for receivers that find it empty, and two refcounts
// — shutdown, which consumers borrow/drop to express
// interest, and dealloc, which ReserveSlot/ReleaseSlot (raisers and IPC
// streams) and in-flight RPC state hold so the mailbox outlives whatever
// still needs to post to it after shutdown begins.
type Mailbox struct {
	shutdown *container.RefCell
	dealloc  *container.RefCell

	lock       *ksync.Spinlock
	notes      []Notification
	head, tail uint64
	quota      uint64
	sleepQueue *container.Queue[*mailboxWaiter]
	shutDown   bool
	sched      Scheduler
}

// NewMailbox allocates a mailbox with the given pending-notification quota
// (0 is rounded up to 1, matching user_create_mailbox) and refcount 1 on
// both counters.
func NewMailbox(quota uint64, scheduler Scheduler) *Mailbox {
	if quota == 0 {
		quota = 1
	}
	m := &Mailbox{
		lock:       ksync.NewSpinlock(0),
		notes:      make([]Notification, quota),
		quota:      quota,
		sleepQueue: container.NewQueue[*mailboxWaiter](),
		sched:      scheduler,
	}
	m.dealloc = container.NewRefCell(nil)
	m.shutdown = container.NewRefCell(m.shutdownNow)
	return m
}

func (m *Mailbox) acquireRef() { m.shutdown.Acquire() }
func (m *Mailbox) releaseRef() { m.shutdown.Release() }

// shutdownNow is the shutdown refcount's disposer (user_shutdown_mailbox):
// it marks the mailbox shut down under lock, then drops the dealloc
// reference the mailbox's own creation implicitly held.
func (m *Mailbox) shutdownNow() {
	m.lock.Grab()
	m.shutDown = true
	m.lock.Ungrab()
	m.dealloc.Release()
}

// ReserveSlot borrows the dealloc refcount (user_reserve_mailbox_slot):
// raisers and IPC streams call this so the mailbox's storage survives
// until every such consumer has released it, even after shutdown.
func (m *Mailbox) ReserveSlot() { m.dealloc.Acquire() }

// ReleaseSlot releases a reservation taken by ReserveSlot.
func (m *Mailbox) ReleaseSlot() { m.dealloc.Release() }

// Send posts note to the mailbox (user_send_notification): if shutdown,
// fails with TargetUnreachable; if a receiver is already parked, the
// notification is handed to it directly and it is woken; otherwise it is
// pushed into the circular buffer, failing with QuotaExceeded if full.
//
// The original has no quota check on this last path — a full mailbox with
// no waiter silently overwrites the oldest unread slot. This implementation
// instead fails with QuotaExceeded if full and no waiter.
func (m *Mailbox) Send(note Notification) error {
	m.lock.Grab()
	if m.shutDown {
		m.lock.Ungrab()
		return kernerr.ErrTargetUnreachable
	}
	if w, ok := m.sleepQueue.Dequeue(); ok {
		*w.buf = note
		m.lock.Ungrab()
		m.sched.WakeUp(w.task)
		return nil
	}
	if m.head-m.tail == m.quota {
		m.lock.Ungrab()
		return kernerr.ErrQuotaExceeded
	}
	m.notes[m.head%m.quota] = note
	m.head++
	m.lock.Ungrab()
	return nil
}

// Recv pops the oldest pending notification, or parks the calling task on
// the sleep queue and suspends it until Send delivers one directly
// (user_recieve_notification): the sched-stack call pattern hands the
// lock release to SuspendCurrent so park and unlock are atomic.
func (m *Mailbox) Recv() Notification {
	m.lock.Grab()
	if m.head != m.tail {
		note := m.notes[m.tail%m.quota]
		m.tail++
		m.lock.Ungrab()
		return note
	}
	var buf Notification
	w := &mailboxWaiter{task: m.sched.Current(), buf: &buf}
	m.sleepQueue.Enqueue(w)
	m.sched.SuspendCurrent(func() { m.lock.Ungrab() })
	return buf
}
