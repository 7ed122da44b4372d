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

func TestTableGetKeyDefaultsToZero(t *testing.T) {
	tbl := NewTable()
	require.Equal(t, uint64(0), tbl.GetKey(5))
}

func TestTableSetThenGetRoundTrips(t *testing.T) {
	tbl := NewTable()
	tbl.SetKey(1, 100)
	tbl.SetKey(2, 200)
	require.Equal(t, uint64(100), tbl.GetKey(1))
	require.Equal(t, uint64(200), tbl.GetKey(2))
}

func TestTableSetKeyOverwritesExisting(t *testing.T) {
	tbl := NewTable()
	tbl.SetKey(1, 100)
	tbl.SetKey(1, 200)
	require.Equal(t, uint64(200), tbl.GetKey(1))
}
