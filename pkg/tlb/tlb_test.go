// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tlb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestAndAckDrainsPendingUpdates(t *testing.T) {
	s := New(4)

	res := s.Request(0)
	require.Equal(t, FlushCr3, res)
	require.True(t, s.Pending())
	require.Equal(t, 3, s.PendingUpdates())

	require.Equal(t, FlushCr3, s.Ack(1))
	require.Equal(t, FlushCr3, s.Ack(2))
	require.Equal(t, GenerationUpdatePending, s.Ack(3))

	require.Equal(t, 0, s.PendingUpdates())
	require.False(t, s.Pending())
}

func TestAckIsNoOpOncePhaseMatches(t *testing.T) {
	s := New(2)
	s.Request(0)
	s.Ack(1)
	// Second ack from the same core observes no change in pending phase.
	require.Equal(t, NoInvalidationRequired, s.Ack(1))
}

func TestGenerationUpdateRunsExactlyOnceOnLastAck(t *testing.T) {
	s := New(2)
	var runs int
	s.SetGenerationUpdate(func() { runs++ })

	s.Request(0)
	s.Ack(1)
	require.Equal(t, 1, runs)
}

func TestIdleCoresAreExcludedFromPendingUpdates(t *testing.T) {
	s := New(3)
	s.OnIdleEnter(2)

	res := s.Request(0)
	require.Equal(t, FlushCr3, res)
	require.Equal(t, 1, s.PendingUpdates()) // only core 1 left

	require.Equal(t, GenerationUpdatePending, s.Ack(1))
}

func TestIdleExitAdoptsCurrentPhaseWithoutAck(t *testing.T) {
	s := New(2)
	s.OnIdleEnter(1)
	s.Request(0) // core 1 idle, excluded from pendingUpdates
	s.OnIdleExit(1)

	// Core 1 pretends it already saw the flip; no pending ack is owed.
	require.Equal(t, NoInvalidationRequired, s.Ack(1))
}
