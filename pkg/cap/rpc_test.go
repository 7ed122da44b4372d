// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package cap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ricercaos/corekernel/pkg/kernerr"
)

func TestRPCFullCallPath(t *testing.T) {
	callerMbox := NewMailbox(4, newFakeScheduler())
	calleeMbox := NewMailbox(4, newFakeScheduler())
	caller := NewCaller(callerMbox, 1)
	callee, _ := NewCallee(calleeMbox, 2)

	var req RPCMessage
	req.Len = uint32(copy(req.Payload[:], "ping"))
	require.NoError(t, caller.Initiate(callee, req))
	require.Equal(t, Notification{Type: NoteRPCIncoming, Opaque: 2}, calleeMbox.Recv())

	msg, seq, ok := callee.Accept()
	require.True(t, ok)
	require.Equal(t, "ping", string(msg.Payload[:msg.Len]))

	var reply [RPCMaxPayload]byte
	copy(reply[:], "pong")
	require.NoError(t, callee.Return(seq, RPCStatus(1), reply[:4]))
	require.Equal(t, Notification{Type: NoteRPCReply, Opaque: 1}, callerMbox.Recv())

	result, ok := caller.GetResult()
	require.True(t, ok)
	require.Equal(t, RPCStatus(1), result.Status)
	require.Equal(t, "pong", string(result.Payload[:result.Len]))
}

func TestRPCReturnWithUnknownSeqFails(t *testing.T) {
	mbox := NewMailbox(4, newFakeScheduler())
	callee, _ := NewCallee(mbox, 1)
	require.ErrorIs(t, callee.Return(999, RPCStatus(1), nil), kernerr.ErrInvalidRpcId)
}

func TestRPCCalleeShutdownAnswersPendingWithNoReply(t *testing.T) {
	callerMbox := NewMailbox(4, newFakeScheduler())
	calleeMbox := NewMailbox(4, newFakeScheduler())
	caller := NewCaller(callerMbox, 1)
	callee, _ := NewCallee(calleeMbox, 2)

	require.NoError(t, caller.Initiate(callee, RPCMessage{}))
	calleeMbox.Recv()
	_, _, ok := callee.Accept() // move into awaiting, never returned
	require.True(t, ok)

	require.NoError(t, caller.Initiate(callee, RPCMessage{}))
	calleeMbox.Recv() // second call left sitting in the incoming queue

	callee.releaseRef() // drops the sole handle, triggering shutdown

	first, ok := caller.GetResult()
	require.True(t, ok)
	require.Equal(t, RPCNoReply, first.Status)

	second, ok := caller.GetResult()
	require.True(t, ok)
	require.Equal(t, RPCNoReply, second.Status)
}

func TestRPCInitiateAfterCallerShutdownFails(t *testing.T) {
	callerMbox := NewMailbox(4, newFakeScheduler())
	calleeMbox := NewMailbox(4, newFakeScheduler())
	caller := NewCaller(callerMbox, 1)
	callee, _ := NewCallee(calleeMbox, 2)

	caller.releaseRef()
	require.ErrorIs(t, caller.Initiate(callee, RPCMessage{}), kernerr.ErrTargetUnreachable)
}

func TestRPCTokenOutlivesCalleeDealloc(t *testing.T) {
	calleeMbox := NewMailbox(4, newFakeScheduler())
	callee, tok := NewCallee(calleeMbox, 2)

	callee.releaseRef() // shuts the callee down; dealloc still held by the token

	_, ok := RefToken(tok)
	require.True(t, ok)
	// Dropping the last token now releases the callee's dealloc reference.
	require.NotPanics(t, func() { tok.Drop() })
}
