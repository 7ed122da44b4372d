// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package percpu implements per-CPU local state and the
// scheduling-domain/group topology the load balancer walks. The AP
// trampoline and interrupt-vectoring machinery that
// would populate the architecture-specific half of this state are external
// collaborators; this package owns only the state the rest of
// the core actually reads.
package percpu

import "sync/atomic"

// Status is a CPU's lifecycle state, mirroring the original's
// THREAD_SMP_CORE_STATUS_* enum.
type Status int

const (
	Asleep Status = iota + 1
	WakeupInitiated
	Online
	GaveUp
)

// CPU is one core's local state: identity, status, the stack tops the
// architecture layer switches onto, and the leaf of its scheduling-domain
// chain.
type CPU struct {
	ApicID    uint32
	AcpiID    uint32
	LogicalID uint32
	NumaID    uint32

	status atomic.Int32

	InterruptStackTop uintptr
	SchedulerStackTop uintptr

	// Domain is this CPU's leaf scheduling domain; Domain.Parent chains
	// upward toward the machine-wide root.
	Domain *Domain
}

func (c *CPU) Status() Status       { return Status(c.status.Load()) }
func (c *CPU) SetStatus(s Status)   { c.status.Store(int32(s)) }

// Group is a scheduling group: a circular ring of groups at one topology
// level, each owning a set of CPU ids and an atomically updated count of
// tasks currently assigned anywhere within it.
type Group struct {
	next       *Group
	CPUs       []uint32
	tasksCount atomic.Int64
}

// Next returns the next group in this level's ring.
func (g *Group) Next() *Group { return g.next }

// TasksCount returns the number of tasks currently accounted to this group.
func (g *Group) TasksCount() int64 { return g.tasksCount.Load() }

func (g *Group) addTasks(delta int64) { g.tasksCount.Add(delta) }

// Domain is one level of a CPU's scheduling-domain chain: the group this
// CPU belongs to at this level, and a link to the parent (coarser) level.
// A task is counted once in every domain containing its core.
type Domain struct {
	Parent *Domain
	Group  *Group
}

// Table holds every CPU's local state plus the topology built over them.
// Lifetime: built once at boot from ACPI's CPU enumeration,
// never resized afterward.
type Table struct {
	cpus []*CPU
}

// NewTable allocates a table for count CPUs, each starting Asleep with no
// topology assigned. Callers build topology separately with
// BuildFlatTopology (or a future multi-level builder).
func NewTable(count int) *Table {
	t := &Table{cpus: make([]*CPU, count)}
	for i := range t.cpus {
		cpu := &CPU{LogicalID: uint32(i)}
		cpu.SetStatus(Asleep)
		t.cpus[i] = cpu
	}
	return t
}

// Len returns the number of CPUs in the table.
func (t *Table) Len() int { return len(t.cpus) }

// CPU returns the CPU at logical id, or nil if out of range.
func (t *Table) CPU(logicalID uint32) *CPU {
	if int(logicalID) >= len(t.cpus) {
		return nil
	}
	return t.cpus[logicalID]
}

// All returns every CPU in logical-id order. Callers must not mutate the
// returned slice's backing array identity (it is the table's own storage).
func (t *Table) All() []*CPU { return t.cpus }

// BuildFlatTopology assigns each CPU its own singleton group and a single
// domain ringing all of those groups, matching
// thread_smp_build_topology_flat: each CPU is its own group, and each CPU
// has a single domain containing the ring of all single-CPU groups. The
// shape deliberately leaves room for a multi-level
// NUMA-node/socket/machine topology later without changing the balancer.
func (t *Table) BuildFlatTopology() {
	if len(t.cpus) == 0 {
		return
	}
	groups := make([]*Group, len(t.cpus))
	for i, cpu := range t.cpus {
		groups[i] = &Group{CPUs: []uint32{cpu.LogicalID}}
	}
	for i, g := range groups {
		g.next = groups[(i+1)%len(groups)]
	}
	for i, cpu := range t.cpus {
		cpu.Domain = &Domain{Group: groups[i]}
	}
}

// UpdateOnInsert bumps the task count of every domain in cpu's chain after a
// task has been assigned to that CPU.
func UpdateOnInsert(cpu *CPU) {
	for d := cpu.Domain; d != nil; d = d.Parent {
		d.Group.addTasks(1)
	}
}

// UpdateOnRemove decrements the task count of every domain in cpu's chain
// after a task has left that CPU.
func UpdateOnRemove(cpu *CPU) {
	for d := cpu.Domain; d != nil; d = d.Parent {
		d.Group.addTasks(-1)
	}
}
