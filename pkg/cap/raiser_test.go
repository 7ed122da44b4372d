// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package cap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRaiserCoalescesRepeatedRaises(t *testing.T) {
	m := NewMailbox(4, newFakeScheduler())
	r := NewRaiser(m, Notification{Type: NoteGeneric, Opaque: 7})

	require.NoError(t, r.Raise())
	require.NoError(t, r.Raise())
	require.NoError(t, r.Raise())

	// Only the first raise posted; the mailbox holds exactly one pending
	// notification until acked.
	require.Equal(t, Notification{Type: NoteGeneric, Opaque: 7}, m.Recv())
}

func TestRaiserAckRePostsIfRaisedAgainWhileInFlight(t *testing.T) {
	m := NewMailbox(4, newFakeScheduler())
	r := NewRaiser(m, Notification{Type: NoteGeneric, Opaque: 7})

	require.NoError(t, r.Raise())
	m.Recv() // consume the first post, acked still lags behind raised

	require.NoError(t, r.Raise()) // second event while first is in flight
	require.NoError(t, r.Ack())   // acking the first re-raises for the second

	require.Equal(t, Notification{Type: NoteGeneric, Opaque: 7}, m.Recv())
}

func TestRaiserAckWithNothingOutstandingIsNoOp(t *testing.T) {
	m := NewMailbox(4, newFakeScheduler())
	r := NewRaiser(m, Notification{Type: NoteGeneric, Opaque: 1})
	require.NoError(t, r.Ack())
}

func TestRaiserCloseReleasesMailboxSlot(t *testing.T) {
	m := NewMailbox(4, newFakeScheduler())
	r := NewRaiser(m, Notification{Type: NoteGeneric, Opaque: 1})
	require.NotPanics(t, func() { r.Close() })
}
