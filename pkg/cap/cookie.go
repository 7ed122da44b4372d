// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package cap

import (
	"sync"
	"sync/atomic"

	"github.com/ricercaos/corekernel/pkg/container"
)

// Key is a cookie credential (cookie.h's user_cookie_key_t): either one of
// the two reserved sentinels below, a group cookie's own key, or an entry
// cookie's own key.
type Key uint64

const (
	// KeyOnlyKernel authenticates against nothing; no user-held cookie
	// can ever match it.
	KeyOnlyKernel Key = 0
	// KeyUniversal authenticates against every entry cookie.
	KeyUniversal Key = 1
)

// lastCookieKey mirrors cookie.c's `user_cookie_last`, seeded past the two
// reserved sentinels so the first allocated key is 2.
var lastCookieKey = func() *atomic.Uint64 {
	var v atomic.Uint64
	v.Store(2)
	return &v
}()

func nextCookieKey() Key {
	return Key(lastCookieKey.Add(1) - 1)
}

// GroupCookie is a credential a set of entry cookies can join
// (cookie.c's user_group_cookie): holding one and calling AddToGroup on an
// EntryCookie lets that entry authenticate against any pin cookie pinned
// to the group.
type GroupCookie struct {
	refs *container.RefCell
	key  Key
}

// NewGroupCookie allocates a fresh group cookie with refcount 1.
func NewGroupCookie() *GroupCookie {
	return &GroupCookie{refs: container.NewRefCell(nil), key: nextCookieKey()}
}

// Key returns the group's credential.
func (g *GroupCookie) Key() Key { return g.key }

func (g *GroupCookie) acquireRef() { g.refs.Acquire() }
func (g *GroupCookie) releaseRef() { g.refs.Release() }

// EntryCookie is the authenticator a thread presents on every capability
// call (cookie.c's user_entry_cookie): its own key, plus a mutex-guarded
// set of group keys it has joined.
type EntryCookie struct {
	refs    *container.RefCell
	key     Key
	mu      sync.Mutex
	grpKeys []Key
}

// NewEntryCookie allocates a fresh entry cookie with refcount 1 and no
// group memberships.
func NewEntryCookie() *EntryCookie {
	return &EntryCookie{refs: container.NewRefCell(nil), key: nextCookieKey()}
}

// Key returns the entry's own credential.
func (e *EntryCookie) Key() Key { return e.key }

func (e *EntryCookie) acquireRef() { e.refs.Acquire() }
func (e *EntryCookie) releaseRef() { e.refs.Release() }

func (e *EntryCookie) groupKeyPresentLocked(key Key) bool {
	for _, k := range e.grpKeys {
		if k == key {
			return true
		}
	}
	return false
}

// AddToGroup joins the group grp, letting e authenticate against pin
// cookies pinned to it (cookie.c's user_entry_cookie_add_to_grp). Joining
// a group already held is a no-op; a freed slot in the backing array is
// reused before it grows.
func (e *EntryCookie) AddToGroup(grp *GroupCookie) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.groupKeyPresentLocked(grp.key) {
		return
	}
	for i, k := range e.grpKeys {
		if k == 0 {
			e.grpKeys[i] = grp.key
			return
		}
	}
	e.grpKeys = append(e.grpKeys, grp.key)
}

// RemoveFromGroup leaves the group grp. It is a no-op if e never joined.
//
// The original (cookie.c's user_entry_cookie_remove_from_grp) only unlocks
// the mutex on the found-it path, leaking the lock forever on a no-op
// remove; Go's defer makes that class of bug impossible here, so this
// always unlocks regardless of whether grp was found.
func (e *EntryCookie) RemoveFromGroup(grp *GroupCookie) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, k := range e.grpKeys {
		if k == grp.key {
			e.grpKeys[i] = 0
			return
		}
	}
}

// Auth reports whether key authenticates against e (cookie.c's
// user_entry_cookie_auth): KeyUniversal and e's own key always succeed,
// KeyOnlyKernel always fails, anything else is checked against e's joined
// group keys.
func (e *EntryCookie) Auth(key Key) bool {
	if key == KeyUniversal || key == e.key {
		return true
	}
	if key == KeyOnlyKernel {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.groupKeyPresentLocked(key)
}
