// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package cap implements the userspace capability subsystem:
// pin-cookie-authenticated object references held in
// per-thread universes, mailboxes and the IPC/RPC mechanisms built on top
// of them, and shared memory.
//
// Every capability object embeds one or two refcount headers
// (pkg/container.RefCell); Ref is the generic, type-tagged handle a
// universe cell or syscall argument carries, mirroring user_ref's tagged
// union (object.h) without the pointer-cast aliasing C uses to get there.
package cap

// Kind tags which concrete object a Ref points at, matching object.h's
// USER_OBJ_TYPE_* enum. KindShmRO and KindShmRW don't exist as distinct
// enum values in the original (SHM has no object-type tag there, just
// untagged user_shm_ref pointers) but the original's read/write-by-ref
// calls skip authentication entirely and trust possession of the ref; that
// collapses read and write into the same handle; so that a write through
// an RO ref fails with InvalidHandleType, the two are split here.
type Kind int

const (
	KindNone Kind = iota
	KindCaller
	KindCallee
	KindToken
	KindMailbox
	KindUniverse
	KindGroupCookie
	KindEntryCookie
	KindIPCStream
	KindShmRO
	KindShmRW
)

// refCounted is whatever a Ref's Kind resolves to: something with its own
// borrow/drop refcount. Every capability type in this package implements
// it over the refcount a generic handle to that type holds (the shutdown
// counter for Mailbox/Caller/Callee, the token's own discoverability
// counter, the object's single refcount for everything else).
type refCounted interface {
	acquireRef()
	releaseRef()
}

// Ref is a generic capability reference: an object pointer, its kind, and
// the pin cookie that gates who may move, borrow or drop it (object.h's
// user_ref, Glossary "Pin cookie"). The zero Ref is KindNone and carries no
// object.
type Ref struct {
	Kind      Kind
	PinCookie Key
	object    refCounted
}

func newRef(kind Kind, pin Key, obj refCounted) Ref {
	return Ref{Kind: kind, PinCookie: pin, object: obj}
}

// NewRef builds a capability reference around obj, tagged kind and pinned
// to pin. This is the single entry point the illustrative syscall surface
// uses to turn a freshly created object (a mailbox, a caller,
// a nested universe, ...) into a handle a universe cell can hold, the same
// way user_ref's tagged union is populated at the point of creation in the
// original rather than by a constructor per kind.
func NewRef(kind Kind, pin Key, obj interface {
	acquireRef()
	releaseRef()
}) Ref {
	return newRef(kind, pin, obj)
}

// Borrow increments the underlying refcount and returns a new Ref pointing
// at the same object (user_borrow_ref).
func (r Ref) Borrow() Ref {
	r.object.acquireRef()
	return r
}

// Drop releases the reference (user_drop_ref). Dropping the zero Ref is a
// no-op.
func (r Ref) Drop() {
	if r.object != nil {
		r.object.releaseRef()
	}
}

// Valid reports whether r points at an object at all.
func (r Ref) Valid() bool { return r.object != nil }

// UnpinnedFor reports whether entry's credentials authenticate against r's
// pin cookie, i.e. whether entry may move, borrow or drop r
// (object.h's user_unpinned_for).
func UnpinnedFor(r Ref, entry *EntryCookie) bool {
	return entry.Auth(r.PinCookie)
}

// RefMailbox recovers the concrete *Mailbox from r, if r.Kind is
// KindMailbox.
func RefMailbox(r Ref) (*Mailbox, bool) {
	m, ok := r.object.(*Mailbox)
	return m, ok && r.Kind == KindMailbox
}

// RefUniverse recovers the concrete *Universe from r, if r.Kind is
// KindUniverse.
func RefUniverse(r Ref) (*Universe, bool) {
	u, ok := r.object.(*Universe)
	return u, ok && r.Kind == KindUniverse
}

// RefCaller recovers the concrete *Caller from r, if r.Kind is KindCaller.
func RefCaller(r Ref) (*Caller, bool) {
	c, ok := r.object.(*Caller)
	return c, ok && r.Kind == KindCaller
}

// RefCallee recovers the concrete *Callee from r, if r.Kind is KindCallee.
func RefCallee(r Ref) (*Callee, bool) {
	c, ok := r.object.(*Callee)
	return c, ok && r.Kind == KindCallee
}

// RefToken recovers the concrete *Token from r, if r.Kind is KindToken.
func RefToken(r Ref) (*Token, bool) {
	t, ok := r.object.(*Token)
	return t, ok && r.Kind == KindToken
}

// RefGroupCookie recovers the concrete *GroupCookie from r, if r.Kind is
// KindGroupCookie.
func RefGroupCookie(r Ref) (*GroupCookie, bool) {
	g, ok := r.object.(*GroupCookie)
	return g, ok && r.Kind == KindGroupCookie
}

// RefEntryCookie recovers the concrete *EntryCookie from r, if r.Kind is
// KindEntryCookie.
func RefEntryCookie(r Ref) (*EntryCookie, bool) {
	e, ok := r.object.(*EntryCookie)
	return e, ok && r.Kind == KindEntryCookie
}

// RefIPCStream recovers the concrete *Stream from r, if r.Kind is
// KindIPCStream.
func RefIPCStream(r Ref) (*Stream, bool) {
	s, ok := r.object.(*Stream)
	return s, ok && r.Kind == KindIPCStream
}

// RefShm recovers the concrete *ShmRef from r, if r.Kind is KindShmRO or
// KindShmRW, along with whether the reference carries write rights.
func RefShm(r Ref) (ref *ShmRef, writable bool, ok bool) {
	s, isShm := r.object.(*ShmRef)
	if !isShm || (r.Kind != KindShmRO && r.Kind != KindShmRW) {
		return nil, false, false
	}
	return s, r.Kind == KindShmRW, true
}
