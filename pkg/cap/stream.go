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
)

// IPCPayloadMax is the largest message body a Stream carries per send
// (ipc.h's USER_IPC_PAYLOAD_MAX).
const IPCPayloadMax = 120

// IPCMessage is one queued stream message.
type IPCMessage struct {
	Payload [IPCPayloadMax]byte
	Length  int
}

// Stream is a one-way message ring from a producer to a consumer,
// coalescing its "new data" signal onto a single mailbox raiser (ipc.c's
// user_ipc_stream, Glossary "Target" for the producer/consumer split). Both
// ends may independently shut their half down; either shutdown makes the
// other half's sends fail.
type Stream struct {
	refs *container.RefCell

	lock     *ksync.Spinlock
	mailbox  *Mailbox
	raiser   *Raiser
	opaque   uint64
	msgs     []IPCMessage
	head     uint64
	tail     uint64
	quota    uint64
	raised   bool
	consumer bool // shut down
	producer bool // shut down
}

// NewStream creates a stream of the given quota (max in-flight messages)
// whose signal raiser posts notifications carrying opaque to mailbox
// (ipc.c's user_ipc_create_stream).
func NewStream(mailbox *Mailbox, opaque uint64, quota uint64) *Stream {
	if quota == 0 {
		quota = 1
	}
	s := &Stream{
		lock:  ksync.NewSpinlock(0),
		msgs:  make([]IPCMessage, quota),
		quota: quota,
	}
	s.raiser = NewRaiser(mailbox, Notification{Type: NoteIPCStreamUpdate, Opaque: opaque})
	s.refs = container.NewRefCell(s.cleanup)
	return s
}

func (s *Stream) acquireRef() { s.refs.Acquire() }
func (s *Stream) releaseRef() { s.refs.Release() }

func (s *Stream) cleanup() {
	s.raiser.Close()
}

// raiseLocked posts the signal exactly once per unconsumed update batch,
// matching ipc.c's raise_event_nolock: callers hold s.lock already.
func (s *Stream) raiseLocked() error {
	if s.raised {
		return nil
	}
	s.raised = true
	return s.raiser.Raise()
}

// ShutdownConsumer marks the consuming half closed (ipc.c's
// user_ipc_stream_shutdown_consumer): further SendMsg/SendSignal calls fail.
func (s *Stream) ShutdownConsumer() {
	s.lock.Grab()
	s.consumer = true
	s.lock.Ungrab()
}

// ShutdownProducer marks the producing half closed.
func (s *Stream) ShutdownProducer() {
	s.lock.Grab()
	s.producer = true
	s.lock.Ungrab()
}

// SendSignal raises the stream's notification without enqueueing a
// message, for producers that only need to wake a consumer (ipc.c's
// user_ipc_stream_send_signal).
func (s *Stream) SendSignal() error {
	s.lock.Grab()
	defer s.lock.Ungrab()
	if s.consumer || s.producer {
		return kernerr.ErrTargetUnreachable
	}
	return s.raiseLocked()
}

// SendMsg enqueues msg, failing if either half has shut down, msg exceeds
// IPCPayloadMax, or the ring is full (ipc.c's user_ipc_stream_send_msg).
func (s *Stream) SendMsg(msg []byte) error {
	if len(msg) > IPCPayloadMax {
		return kernerr.ErrInvalidMsg
	}
	s.lock.Grab()
	defer s.lock.Ungrab()
	if s.consumer || s.producer {
		return kernerr.ErrTargetUnreachable
	}
	if s.head-s.tail == s.quota {
		return kernerr.ErrQuotaExceeded
	}
	var m IPCMessage
	m.Length = copy(m.Payload[:], msg)
	s.msgs[s.head%s.quota] = m
	s.head++
	return s.raiseLocked()
}

// RecvMsg pops the oldest queued message (ipc.c's
// user_ipc_stream_recieve_msg). The original clears the coalesced signal
// flag unconditionally on every receive; this implementation instead
// clears it only once the ring has fully drained, so a consumer that
// pops one of several queued messages still sees the signal as pending and
// doesn't need to re-arm it to pick up the rest.
func (s *Stream) RecvMsg() (IPCMessage, error) {
	s.lock.Grab()
	defer s.lock.Ungrab()
	if s.consumer {
		return IPCMessage{}, kernerr.ErrTargetUnreachable
	}
	if s.head == s.tail {
		return IPCMessage{}, kernerr.ErrStreamEmpty
	}
	msg := s.msgs[s.tail%s.quota]
	s.tail++
	if s.head == s.tail {
		s.raised = false
		s.raiser.Ack()
	}
	return msg, nil
}
