// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package initgraph sequences one-shot subsystem bring-up targets in
// dependency order. cmd/coresim builds targets for the NUMA, physical and
// heap allocators, and pkg/cap exports one for its shared-memory table;
// Reach orders their initialization.
package initgraph

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Status is a target's resolution state.
type Status int

const (
	Unresolved Status = iota
	Waiting
	Resolved
)

func (s Status) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case Waiting:
		return "waiting"
	case Resolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// CircularDependencyError is returned by Reach when resolving a target's
// dependency chain revisits a target still in the Waiting state.
type CircularDependencyError struct {
	Name string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("initgraph: circular dependency on target %q", e.Name)
}

// Target is a one-shot initialization unit with declared dependencies. A
// Target runs its callback exactly once globally, the first time Reach
// resolves it or one of its dependents.
type Target struct {
	Name string

	mu     sync.Mutex
	status Status
	deps   []*Target
	init   func() error
	err    error

	// next implements the explicit stack used by Reach's iterative DFS,
	// mirroring the original's target.h chain-of-next-pointers approach
	// instead of language-level recursion or a separate stack slice.
	next *Target
}

// New constructs a target with the given dependencies. init runs exactly
// once, the first time the target is reached, after every dependency has
// resolved.
func New(name string, init func() error, deps ...*Target) *Target {
	return &Target{Name: name, init: init, deps: deps}
}

var group singleflight.Group

// Reach resolves root: every transitive dependency runs its init callback
// exactly once, in dependency order, before root's own callback runs.
//
// Reach performs an iterative depth-first resolution using an explicit
// chain of next pointers on the targets themselves: push
// root; while the stack is non-empty, peek the top target. If Unresolved,
// mark it Waiting and push every dependency still Unresolved. If already
// Waiting, pop it, invoke its callback, and mark it Resolved. Encountering a
// dependency already Waiting signals a cycle.
//
// Concurrent Reach calls for the same root (e.g. racing APs during SMP
// bring-up) are coalesced via singleflight so the callback still runs
// exactly once.
func Reach(root *Target) error {
	_, err, _ := group.Do(root.Name, func() (any, error) {
		return nil, reach(root)
	})
	return err
}

func reach(root *Target) error {
	var stackTop *Target
	push := func(t *Target) {
		// A target already on the chain is moved to the top rather than
		// linked in a second time, which would cut the chain below it.
		for p := &stackTop; *p != nil; p = &(*p).next {
			if *p == t {
				*p = t.next
				break
			}
		}
		t.next = stackTop
		stackTop = t
	}
	push(root)

	for stackTop != nil {
		top := stackTop

		top.mu.Lock()
		status := top.status
		top.mu.Unlock()

		switch status {
		case Resolved:
			stackTop = top.next
			top.next = nil

		case Waiting:
			stackTop = top.next
			top.next = nil
			top.mu.Lock()
			if top.status == Waiting {
				var err error
				if top.init != nil {
					err = top.init()
				}
				top.err = err
				if err == nil {
					top.status = Resolved
				}
				top.mu.Unlock()
				if err != nil {
					return fmt.Errorf("initgraph: target %q failed: %w", top.Name, err)
				}
			} else {
				top.mu.Unlock()
			}

		case Unresolved:
			top.mu.Lock()
			top.status = Waiting
			deps := top.deps
			top.mu.Unlock()

			for _, d := range deps {
				d.mu.Lock()
				dstatus := d.status
				d.mu.Unlock()
				switch dstatus {
				case Unresolved:
					push(d)
				case Waiting:
					return &CircularDependencyError{Name: d.Name}
				case Resolved:
					// already done, nothing to push
				}
			}
		}
	}
	return nil
}

// StatusOf reports a target's current resolution state.
func StatusOf(t *Target) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}
