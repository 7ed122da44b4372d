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

func TestAllocDropRoundTrip(t *testing.T) {
	u := NewUniverse()
	e := NewEntryCookie()
	g := NewGroupCookie()

	cell := u.AllocCell(newRef(KindGroupCookie, e.Key(), g))
	_, err := u.BorrowOut(cell, e)
	require.NoError(t, err)

	require.NoError(t, u.Drop(cell, e))
	_, err = u.BorrowOut(cell, e)
	require.ErrorIs(t, err, kernerr.ErrInvalidHandle)
}

func TestDropUnauthenticatedFails(t *testing.T) {
	u := NewUniverse()
	owner := NewEntryCookie()
	other := NewEntryCookie()
	cell := u.AllocCell(newRef(KindGroupCookie, owner.Key(), NewGroupCookie()))

	require.ErrorIs(t, u.Drop(cell, other), kernerr.ErrSecurityViolation)
}

func TestMoveOutTransfersOwnershipAndFreesCell(t *testing.T) {
	u := NewUniverse()
	e := NewEntryCookie()
	cell := u.AllocCell(newRef(KindGroupCookie, e.Key(), NewGroupCookie()))

	ref, err := u.MoveOut(cell, e)
	require.NoError(t, err)
	require.True(t, ref.Valid())

	_, err = u.BorrowOut(cell, e)
	require.ErrorIs(t, err, kernerr.ErrInvalidHandle)
}

func TestFreedCellIsRecycled(t *testing.T) {
	u := NewUniverse()
	e := NewEntryCookie()
	c1 := u.AllocCell(newRef(KindGroupCookie, e.Key(), NewGroupCookie()))
	require.NoError(t, u.Drop(c1, e))

	c2 := u.AllocCell(newRef(KindGroupCookie, e.Key(), NewGroupCookie()))
	require.Equal(t, c1, c2)
}

func TestPinRestrictsSubsequentAuth(t *testing.T) {
	u := NewUniverse()
	owner := NewEntryCookie()
	other := NewEntryCookie()
	cell := u.AllocCell(newRef(KindGroupCookie, KeyUniversal, NewGroupCookie()))

	require.NoError(t, u.Pin(cell, owner, owner.Key()))
	require.ErrorIs(t, u.Drop(cell, other), kernerr.ErrSecurityViolation)
	require.NoError(t, u.Unpin(cell, owner))
	require.NoError(t, u.Drop(cell, other))
}

func TestPinToGroupAllowsGroupMembers(t *testing.T) {
	u := NewUniverse()
	owner := NewEntryCookie()
	member := NewEntryCookie()
	grp := NewGroupCookie()
	member.AddToGroup(grp)

	cell := u.AllocCell(newRef(KindGroupCookie, KeyUniversal, NewGroupCookie()))
	require.NoError(t, u.PinToGroup(cell, owner, grp))
	_, err := u.BorrowOut(cell, member)
	require.NoError(t, err)
}

func TestForkBorrowsOnlyAuthenticatingCells(t *testing.T) {
	u := NewUniverse()
	e := NewEntryCookie()
	other := NewEntryCookie()

	visible := u.AllocCell(newRef(KindGroupCookie, e.Key(), NewGroupCookie()))
	hidden := u.AllocCell(newRef(KindGroupCookie, other.Key(), NewGroupCookie()))

	out := u.Fork(e)
	_, err := out.BorrowOut(visible, e)
	require.NoError(t, err)
	_, err = out.BorrowOut(hidden, e)
	require.Error(t, err)
}

func TestMoveAcrossRequiresForwardOrdinalOrder(t *testing.T) {
	src := NewUniverse()
	dst := NewUniverse()
	// Ordinals follow creation order: src.ordinal() < dst.ordinal().
	src.ordinal()
	dst.ordinal()

	e := NewEntryCookie()
	cell := src.AllocCell(newRef(KindGroupCookie, e.Key(), NewGroupCookie()))

	_, err := MoveAcross(src, dst, cell, e)
	require.NoError(t, err)

	// The reverse direction, from the later-created universe back to the
	// earlier one, must be rejected.
	e2 := NewEntryCookie()
	back := dst.AllocCell(newRef(KindGroupCookie, e2.Key(), NewGroupCookie()))
	_, err = MoveAcross(dst, src, back, e2)
	require.ErrorIs(t, err, kernerr.ErrInvalidUniverseOrder)
}

func TestMoveAcrossRejectsSameUniverse(t *testing.T) {
	u := NewUniverse()
	e := NewEntryCookie()
	cell := u.AllocCell(newRef(KindGroupCookie, e.Key(), NewGroupCookie()))
	_, err := MoveAcross(u, u, cell, e)
	require.ErrorIs(t, err, kernerr.ErrInvalidUniverseOrder)
}

func TestBorrowAcrossLeavesSourceCellIntact(t *testing.T) {
	src := NewUniverse()
	dst := NewUniverse()
	src.ordinal()
	dst.ordinal()

	e := NewEntryCookie()
	cell := src.AllocCell(newRef(KindGroupCookie, e.Key(), NewGroupCookie()))

	_, err := BorrowAcross(src, dst, cell, e)
	require.NoError(t, err)
	_, err = src.BorrowOut(cell, e)
	require.NoError(t, err)
}
