// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package cap

// Raiser is a coalescing event counter that posts at most one pending
// notification to a mailbox at a time (raiser.c's user_raiser, Glossary
// "Raiser"): repeated Raise calls while an earlier one is still unacked
// only bump a counter instead of flooding the mailbox, and Ack re-raises if
// the event fired again while it was being handled.
//
// Raiser has no lock of its own; callers must hold whatever lock guards the
// owning object (an IPC stream, an RPC caller/callee) when calling Raise or
// Ack, matching the original's embedding inside an already-locked struct.
type Raiser struct {
	mailbox  *Mailbox
	template Notification
	raised   uint64
	acked    uint64
}

// NewRaiser reserves a slot on mailbox and returns a raiser that posts
// template when raised (raiser.c's user_raiser_init).
func NewRaiser(mailbox *Mailbox, template Notification) *Raiser {
	mailbox.ReserveSlot()
	return &Raiser{mailbox: mailbox, template: template}
}

// Raise records one occurrence of the event and posts the template
// notification if this is the only one currently outstanding (raiser.c's
// user_raiser_raise: raised increments unconditionally, but the mailbox
// only receives a send when acked == raised-1, i.e. no earlier raise is
// still waiting to be acknowledged).
func (r *Raiser) Raise() error {
	r.raised++
	if r.acked == r.raised-1 {
		return r.mailbox.Send(r.template)
	}
	return nil
}

// Ack acknowledges the most recently delivered notification. If another
// Raise landed while this one was in flight, it re-raises immediately so
// the caller doesn't miss it (raiser.c's user_raiser_ack).
func (r *Raiser) Ack() error {
	if r.acked == r.raised {
		return nil
	}
	r.acked++
	if r.acked < r.raised {
		return r.mailbox.Send(r.template)
	}
	return nil
}

// Close releases the mailbox slot reserved at construction
// (raiser.c's user_raiser_deinit).
func (r *Raiser) Close() {
	r.mailbox.ReleaseSlot()
}
