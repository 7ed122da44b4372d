// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package container

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListPushPopOrder(t *testing.T) {
	l := NewList[int]()
	l.PushBack(1)
	l.PushBack(2)
	n3 := l.PushBack(3)
	require.Equal(t, 3, l.Len())

	l.Remove(n3)
	require.Equal(t, 2, l.Len())

	v, ok := l.PopFront()
	require.True(t, ok)
	require.Equal(t, 1, v)

	v, ok = l.PopFront()
	require.True(t, ok)
	require.Equal(t, 2, v)

	_, ok = l.PopFront()
	require.False(t, ok)
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[string]()
	q.Enqueue("a")
	n := q.Enqueue("b")
	q.Enqueue("c")
	q.Remove(n)

	v, ok := q.Dequeue()
	require.True(t, ok)
	require.Equal(t, "a", v)

	v, ok = q.Dequeue()
	require.True(t, ok)
	require.Equal(t, "c", v)

	require.True(t, q.Empty())
}

func TestIntMapInsertGetRemove(t *testing.T) {
	m := NewIntMap[string](4)
	h1 := m.Insert(1, "one")
	m.Insert(5, "five") // same bucket as 1 when buckets=4

	v, ok := m.Get(1)
	require.True(t, ok)
	require.Equal(t, "one", v)

	m.Remove(h1)
	_, ok = m.Get(1)
	require.False(t, ok)

	v, ok = m.Get(5)
	require.True(t, ok)
	require.Equal(t, "five", v)
}

func TestPoolGetPutExhaustion(t *testing.T) {
	p := NewPool[int](2)
	i1, v1, ok := p.Get()
	require.True(t, ok)
	*v1 = 10
	i2, v2, ok := p.Get()
	require.True(t, ok)
	*v2 = 20

	_, _, ok = p.Get()
	require.False(t, ok)

	p.Put(i1)
	i3, _, ok := p.Get()
	require.True(t, ok)
	require.Equal(t, i1, i3)
	require.Equal(t, 20, *p.At(i2))
}
