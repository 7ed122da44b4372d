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

// RPCMaxPayload is the largest message body a call or reply carries
// (rpc.h's USER_RPC_MAX_PAYLOAD_SIZE).
const RPCMaxPayload = 112

// RPCStatus is the application-defined outcome code a callee attaches to a
// reply. RPCNoReply is reserved: it is what GetResult sees for any call
// whose callee shut down before returning a result (rpc.h's
// USER_RPC_STATUS_NOREPLY).
type RPCStatus uint32

const RPCNoReply RPCStatus = 0

// RPCMessage is one call or reply payload (rpc.h's user_rpc_msg).
type RPCMessage struct {
	Opaque  uint64
	Status  RPCStatus
	Payload [RPCMaxPayload]byte
	Len     uint32
}

// rpcContainer is one in-flight call, shuttled from a Caller's free pool
// into a Callee's incoming/awaiting queues and back (rpc.c's
// user_rpc_container).
type rpcContainer struct {
	seq          uint64
	msg          RPCMessage
	caller       *Caller
	awaitingNode *container.IntMapNode[*rpcContainer]
}

// Caller is a client's handle on an RPC channel to one callee (rpc.c's
// user_rpc_caller): Initiate enqueues a call, and replies land on the
// ready queue, coalesced onto a single mailbox raiser so the client need
// only watch one notification regardless of how many calls are
// outstanding.
type Caller struct {
	shutdown *container.RefCell
	dealloc  *container.RefCell

	lock       *ksync.Spinlock
	onReply    *Raiser
	free       *container.Queue[*rpcContainer]
	ready      *container.Queue[*rpcContainer]
	isShutDown bool
}

// NewCaller creates a caller whose reply notifications post to mailbox
// carrying replyOpaque.
func NewCaller(mailbox *Mailbox, replyOpaque uint64) *Caller {
	c := &Caller{
		lock:  ksync.NewSpinlock(0),
		free:  container.NewQueue[*rpcContainer](),
		ready: container.NewQueue[*rpcContainer](),
	}
	c.onReply = NewRaiser(mailbox, Notification{Type: NoteRPCReply, Opaque: replyOpaque})
	c.dealloc = container.NewRefCell(nil)
	c.shutdown = container.NewRefCell(c.shutdownNow)
	return c
}

func (c *Caller) acquireRef() { c.shutdown.Acquire() }
func (c *Caller) releaseRef() { c.shutdown.Release() }

// shutdownNow is the shutdown refcount's disposer (rpc.c's
// user_rpc_caller_shutdown): it stops the caller from accepting further
// replies and releases the reservation its own creation held on the reply
// mailbox, then drops the implicit dealloc reference.
func (c *Caller) shutdownNow() {
	c.lock.Grab()
	c.isShutDown = true
	c.lock.Ungrab()
	c.onReply.Close()
	c.dealloc.Release()
}

func (c *Caller) containerLocked() *rpcContainer {
	if n, ok := c.free.Dequeue(); ok {
		return n
	}
	return &rpcContainer{caller: c}
}

// Initiate sends req to callee, returning once it has been enqueued (not
// once it has been answered); the reply shows up later on the Caller's
// mailbox notification and is collected with GetResult (rpc.c's
// user_rpc_initiate).
func (c *Caller) Initiate(callee *Callee, req RPCMessage) error {
	c.lock.Grab()
	if c.isShutDown {
		c.lock.Ungrab()
		return kernerr.ErrTargetUnreachable
	}
	cnt := c.containerLocked()
	c.lock.Ungrab()

	cnt.msg = req
	return callee.enqueue(cnt)
}

// GetResult pops the oldest ready reply, returning its message and true,
// or false if none is ready yet (rpc.c's user_rpc_get_result). A reply
// with Status == RPCNoReply means the callee shut down before answering
// that specific call.
func (c *Caller) GetResult() (RPCMessage, bool) {
	c.lock.Grab()
	defer c.lock.Ungrab()
	cnt, ok := c.ready.Dequeue()
	if !ok {
		return RPCMessage{}, false
	}
	msg := cnt.msg
	c.free.Enqueue(cnt)
	c.onReply.Ack()
	return msg, true
}

func (c *Caller) deliverLocked(cnt *rpcContainer, status RPCStatus, payload []byte) error {
	var msg RPCMessage
	msg.Opaque = cnt.msg.Opaque
	msg.Status = status
	msg.Len = uint32(copy(msg.Payload[:], payload))
	cnt.msg = msg

	c.lock.Grab()
	if c.isShutDown {
		c.lock.Ungrab()
		return kernerr.ErrTargetUnreachable
	}
	c.ready.Enqueue(cnt)
	err := c.onReply.Raise()
	c.lock.Ungrab()
	return err
}

// Token is a callee's discoverable handle: holding a Token keeps the
// callee's dealloc refcount alive so calls already in flight can still be
// returned to, without keeping the callee reachable for new calls (rpc.c's
// user_rpc_token, the "undiscoverable" pattern for breaking the
// caller/callee reference cycle). Once every Token is dropped, the callee's
// dealloc reference the token implicitly held is released.
type Token struct {
	refs   *container.RefCell
	callee *Callee
}

func newToken(callee *Callee) *Token {
	t := &Token{callee: callee}
	t.refs = container.NewRefCell(t.dispose)
	return t
}

func (t *Token) acquireRef() { t.refs.Acquire() }
func (t *Token) releaseRef() { t.refs.Release() }

func (t *Token) dispose() {
	t.callee.dealloc.Release()
}

// Callee is a server's handle on an RPC channel (rpc.c's
// user_rpc_callee): Accept pulls the next call off the incoming queue,
// Return answers it. Its dealloc refcount starts at 2 (one for the callee
// itself, one implicitly owned by its Token) so the callee's storage
// survives shutdown as long as any Token is still held, letting in-flight
// calls still be drained and answered with RPCNoReply.
type Callee struct {
	shutdown *container.RefCell
	dealloc  *container.RefCell
	token    *Token

	lock       *ksync.Spinlock
	onIncoming *Raiser
	incoming   *container.Queue[*rpcContainer]
	awaiting   *container.IntMap[*rpcContainer]
	nextSeq    uint64
	isShutDown bool
}

// NewCallee creates a callee whose incoming-call notifications post to
// mailbox carrying incomingOpaque, and returns alongside it the one
// capability reference to its token that exists at creation time
// (rpc.c's user_rpc_create_callee hands back both the callee and
// `&callee->token` with the token's refcount already at 1 — the caller of
// NewCallee owns that first reference outright, the same way it owns the
// callee itself, rather than needing to separately borrow one).
func NewCallee(mailbox *Mailbox, incomingOpaque uint64) (*Callee, Ref) {
	ce := &Callee{
		lock:     ksync.NewSpinlock(0),
		incoming: container.NewQueue[*rpcContainer](),
		awaiting: container.NewIntMap[*rpcContainer](64),
	}
	ce.dealloc = container.NewRefCell(nil)
	ce.dealloc.Acquire() // the Token's implicit share
	ce.shutdown = container.NewRefCell(ce.shutdownNow)
	ce.onIncoming = NewRaiser(mailbox, Notification{Type: NoteRPCIncoming, Opaque: incomingOpaque})
	ce.token = newToken(ce)
	return ce, newRef(KindToken, KeyUniversal, ce.token)
}

func (ce *Callee) acquireRef() { ce.shutdown.Acquire() }
func (ce *Callee) releaseRef() { ce.shutdown.Release() }

func (ce *Callee) enqueue(cnt *rpcContainer) error {
	ce.lock.Grab()
	if ce.isShutDown {
		ce.lock.Ungrab()
		return cnt.caller.deliverLocked(cnt, RPCNoReply, nil)
	}
	cnt.seq = ce.nextSeq
	ce.nextSeq++
	ce.incoming.Enqueue(cnt)
	err := ce.onIncoming.Raise()
	ce.lock.Ungrab()
	return err
}

// Accept pulls the oldest undelivered call, moving it into the
// awaiting-reply table until Return answers it (rpc.c's
// user_rpc_accept).
func (ce *Callee) Accept() (RPCMessage, uint64, bool) {
	ce.lock.Grab()
	defer ce.lock.Ungrab()
	cnt, ok := ce.incoming.Dequeue()
	if !ok {
		return RPCMessage{}, 0, false
	}
	cnt.awaitingNode = ce.awaiting.Insert(cnt.seq, cnt)
	ce.onIncoming.Ack()
	return cnt.msg, cnt.seq, true
}

// Return answers the call identified by seq (as returned from Accept)
// with status and payload (rpc.c's user_rpc_return). ErrInvalidRpcId means
// seq names no call this callee is currently holding.
func (ce *Callee) Return(seq uint64, status RPCStatus, payload []byte) error {
	ce.lock.Grab()
	cnt, ok := ce.awaiting.Get(seq)
	if ok {
		ce.awaiting.Remove(cnt.awaitingNode)
	}
	ce.lock.Ungrab()
	if !ok {
		return kernerr.ErrInvalidRpcId
	}
	return cnt.deliver(status, payload)
}

func (c *rpcContainer) deliver(status RPCStatus, payload []byte) error {
	return c.caller.deliverLocked(c, status, payload)
}

// shutdownNow is the shutdown refcount's disposer (rpc.c's
// user_rpc_callee_shutdown): every call still queued or awaiting reply is
// answered with RPCNoReply so no caller is left hanging, then the incoming
// raiser's mailbox slot is released and the dealloc reference the callee's
// own creation held is dropped (the Token's separate share keeps the
// struct alive until the last Token is also dropped).
func (ce *Callee) shutdownNow() {
	ce.lock.Grab()
	ce.isShutDown = true
	var pending []*rpcContainer
	for {
		c, ok := ce.incoming.Dequeue()
		if !ok {
			break
		}
		pending = append(pending, c)
	}
	ce.awaiting.Each(func(_ uint64, c *rpcContainer) { pending = append(pending, c) })
	ce.lock.Ungrab()

	for _, c := range pending {
		c.deliver(RPCNoReply, nil)
	}
	ce.onIncoming.Close()
	ce.dealloc.Release()
}
