// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package container

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRefCellDisposerRunsOnce(t *testing.T) {
	disposed := 0
	c := NewRefCell(func() { disposed++ })

	var wg sync.WaitGroup
	for i := 0; i < 15; i++ {
		c.Acquire()
	}
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Release()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, disposed)
	require.Equal(t, int64(0), c.Count())
}

func TestRefCellUnderflowPanics(t *testing.T) {
	c := NewRefCell(nil)
	c.Release()
	require.Panics(t, func() { c.Release() })
}
