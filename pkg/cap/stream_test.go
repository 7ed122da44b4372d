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

func TestStreamSendRecvRoundTrip(t *testing.T) {
	m := NewMailbox(4, newFakeScheduler())
	s := NewStream(m, 9, 4)

	require.NoError(t, s.SendMsg([]byte("hello")))
	msg, err := s.RecvMsg()
	require.NoError(t, err)
	require.Equal(t, "hello", string(msg.Payload[:msg.Length]))

	require.Equal(t, Notification{Type: NoteIPCStreamUpdate, Opaque: 9}, m.Recv())
}

func TestStreamRecvOnEmptyFails(t *testing.T) {
	m := NewMailbox(4, newFakeScheduler())
	s := NewStream(m, 1, 2)
	_, err := s.RecvMsg()
	require.ErrorIs(t, err, kernerr.ErrStreamEmpty)
}

func TestStreamSendRejectsOversizedPayload(t *testing.T) {
	m := NewMailbox(4, newFakeScheduler())
	s := NewStream(m, 1, 2)
	require.ErrorIs(t, s.SendMsg(make([]byte, IPCPayloadMax+1)), kernerr.ErrInvalidMsg)
}

func TestStreamSendRespectsQuota(t *testing.T) {
	m := NewMailbox(4, newFakeScheduler())
	s := NewStream(m, 1, 1)
	require.NoError(t, s.SendMsg([]byte("a")))
	require.ErrorIs(t, s.SendMsg([]byte("b")), kernerr.ErrQuotaExceeded)
}

func TestStreamRaisedFlagClearsOnlyWhenRingEmpties(t *testing.T) {
	m := NewMailbox(4, newFakeScheduler())
	s := NewStream(m, 1, 4)

	require.NoError(t, s.SendMsg([]byte("a")))
	require.NoError(t, s.SendMsg([]byte("b")))
	// Two sends, still only one coalesced signal pending.
	m.Recv()

	_, err := s.RecvMsg()
	require.NoError(t, err)
	require.True(t, s.raised, "raised must stay set while the ring still holds a message")

	_, err = s.RecvMsg()
	require.NoError(t, err)
	require.False(t, s.raised, "raised must clear once the ring drains")
}

func TestStreamSendFailsAfterShutdown(t *testing.T) {
	m := NewMailbox(4, newFakeScheduler())
	s := NewStream(m, 1, 4)
	s.ShutdownConsumer()
	require.ErrorIs(t, s.SendMsg([]byte("a")), kernerr.ErrTargetUnreachable)
}

func TestStreamRecvFailsAfterConsumerShutdown(t *testing.T) {
	m := NewMailbox(4, newFakeScheduler())
	s := NewStream(m, 1, 4)
	require.NoError(t, s.SendMsg([]byte("a")))
	s.ShutdownConsumer()
	_, err := s.RecvMsg()
	require.ErrorIs(t, err, kernerr.ErrTargetUnreachable)
}
