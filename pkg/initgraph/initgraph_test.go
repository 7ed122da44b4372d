// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package initgraph

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReachOrdersDependencies(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) func() error {
		return func() error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	a := New("a", record("a"))
	b := New("b", record("b"), a)
	c := New("c", record("c"), a, b)

	require.NoError(t, Reach(c))
	require.Equal(t, []string{"a", "b", "c"}, order)
	require.Equal(t, Resolved, StatusOf(a))
	require.Equal(t, Resolved, StatusOf(b))
	require.Equal(t, Resolved, StatusOf(c))
}

func TestReachRunsEachTargetOnce(t *testing.T) {
	var runs atomic.Int32
	a := New("a", func() error { runs.Add(1); return nil })
	b := New("b", func() error { return nil }, a)
	c := New("c", func() error { return nil }, a)
	top := New("top", func() error { return nil }, b, c)

	require.NoError(t, Reach(top))
	require.Equal(t, int32(1), runs.Load())
}

func TestReachDetectsCycle(t *testing.T) {
	a := New("a", func() error { return nil })
	b := New("b", func() error { return nil }, a)
	// Introduce a cycle: a depends on b, b depends on a.
	a.deps = append(a.deps, b)

	err := Reach(a)
	require.Error(t, err)
	var cycleErr *CircularDependencyError
	require.ErrorAs(t, err, &cycleErr)
}

func TestReachConcurrentCallersRunOnce(t *testing.T) {
	var runs atomic.Int32
	root := New("shared", func() error {
		runs.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, Reach(root))
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), runs.Load())
}
