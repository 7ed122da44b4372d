// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package cap

import "sync"

// Table is a thread-local storage table: a small key/value store a thread
// uses to stash opaque per-thread state (tls.c's user_tls_table). Unlike
// the original's 16-bucket intmap, a thread's TLS table typically holds a
// handful of entries at most, so a plain mutex-guarded map serves the same
// contract without the fixed bucket count.
type Table struct {
	mu   sync.Mutex
	vals map[uint64]uint64
}

// NewTable returns an empty TLS table.
func NewTable() *Table {
	return &Table{vals: make(map[uint64]uint64)}
}

// SetKey upserts key's value (tls.c's user_tls_set_key).
func (t *Table) SetKey(key, value uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.vals[key] = value
}

// GetKey returns key's value, or 0 if it was never set
// (tls.c's user_tls_get_key).
func (t *Table) GetKey(key uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.vals[key]
}
