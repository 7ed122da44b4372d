// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package container

// HeapNode is one node of a PairingHeap[T], holding the payload and the
// heap's own child/sibling links.
type HeapNode[T any] struct {
	next, child *HeapNode[T]
	Value       T
}

// PairingHeap is a pairing heap ordered by a caller-supplied comparator.
// It backs the scheduler's run queue: Insert and RemoveMin
// are both amortized fast, and RemoveMin always returns the minimum element
// under cmp.
type PairingHeap[T any] struct {
	cmp  func(a, b T) bool // true if a is strictly less than b
	root *HeapNode[T]
	len  int
}

// NewPairingHeap returns an empty heap ordered by less.
func NewPairingHeap[T any](less func(a, b T) bool) *PairingHeap[T] {
	return &PairingHeap[T]{cmp: less}
}

func (h *PairingHeap[T]) meld(a, b *HeapNode[T]) *HeapNode[T] {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	min, max := a, b
	if !h.cmp(a.Value, b.Value) {
		min, max = b, a
	}
	max.next = min.child
	min.child = max
	return min
}

func (h *PairingHeap[T]) treeify(children *HeapNode[T]) *HeapNode[T] {
	if children == nil {
		return nil
	}
	next := children.next
	children.next = nil
	if next == nil {
		return children
	}
	nn := next.next
	next.next = nil
	return h.meld(h.meld(children, next), h.treeify(nn))
}

// Insert adds v to the heap and returns its node.
func (h *PairingHeap[T]) Insert(v T) *HeapNode[T] {
	n := &HeapNode[T]{Value: v}
	h.root = h.meld(h.root, n)
	h.len++
	return n
}

// RemoveMin removes and returns the minimum element. ok is false if the
// heap is empty.
func (h *PairingHeap[T]) RemoveMin() (v T, ok bool) {
	if h.root == nil {
		return v, false
	}
	min := h.root
	h.root = h.treeify(min.child)
	h.len--
	min.child, min.next = nil, nil
	return min.Value, true
}

// PeekMin returns the minimum element without removing it.
func (h *PairingHeap[T]) PeekMin() (v T, ok bool) {
	if h.root == nil {
		return v, false
	}
	return h.root.Value, true
}

// Len reports the number of elements in the heap.
func (h *PairingHeap[T]) Len() int { return h.len }

// Empty reports whether the heap holds no elements.
func (h *PairingHeap[T]) Empty() bool { return h.root == nil }
