// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package container

// IntMap is an integer-keyed chaining hash map sized to a fixed bucket
// count at construction, matching intmap.h: buckets never grow, so lookup
// cost depends on load factor chosen by the caller.
type IntMap[V any] struct {
	buckets []*List[intMapEntry[V]]
}

type intMapEntry[V any] struct {
	key   uint64
	value V
}

// IntMapNode is an opaque handle returned by Insert, usable for O(1)
// removal without a second lookup.
type IntMapNode[V any] struct {
	bucket int
	node   *ListNode[intMapEntry[V]]
}

// NewIntMap returns a map with the given fixed bucket count.
func NewIntMap[V any](buckets int) *IntMap[V] {
	if buckets <= 0 {
		buckets = 1
	}
	m := &IntMap[V]{buckets: make([]*List[intMapEntry[V]], buckets)}
	for i := range m.buckets {
		m.buckets[i] = NewList[intMapEntry[V]]()
	}
	return m
}

// Insert adds key -> value and returns a handle for later removal.
// Duplicate keys are permitted, matching the original (lookup returns the
// most recently inserted entry).
func (m *IntMap[V]) Insert(key uint64, value V) *IntMapNode[V] {
	b := int(key % uint64(len(m.buckets)))
	n := m.buckets[b].PushFront(intMapEntry[V]{key: key, value: value})
	return &IntMapNode[V]{bucket: b, node: n}
}

// Get returns the value for key, if present.
func (m *IntMap[V]) Get(key uint64) (V, bool) {
	b := int(key % uint64(len(m.buckets)))
	for n := m.buckets[b].Front(); n != nil; n = n.Next() {
		if n.Value.key == key {
			return n.Value.value, true
		}
	}
	var zero V
	return zero, false
}

// Remove unlinks the entry identified by handle.
func (m *IntMap[V]) Remove(handle *IntMapNode[V]) {
	m.buckets[handle.bucket].Remove(handle.node)
}

// Each calls fn for every entry currently in the map, in unspecified
// order. fn must not mutate the map.
func (m *IntMap[V]) Each(fn func(key uint64, value V)) {
	for _, b := range m.buckets {
		for n := b.Front(); n != nil; n = n.Next() {
			fn(n.Value.key, n.Value.value)
		}
	}
}
