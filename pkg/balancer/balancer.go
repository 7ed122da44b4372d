// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package balancer implements the load balancer: placing a
// newly runnable task on the least-loaded domain, group, and core.
package balancer

import (
	"github.com/ricercaos/corekernel/pkg/percpu"
	"github.com/ricercaos/corekernel/pkg/sched"
)

// CoreLookup resolves a CPU's logical id to its local scheduler, so the
// balancer can read live task counts and dispatch a wake-up.
type CoreLookup func(logicalID uint32) *sched.Core

// AllocateToAny places task on the least-loaded core reachable from
// start's scheduling-domain chain: walk the domain's group
// ring for the least-busy group, then that group's CPU set for the
// least-busy core, wake the task there, and bump task counts up every
// domain on the chosen CPU's chain.
func AllocateToAny(start *percpu.CPU, lookup CoreLookup, task *sched.Task) {
	root := start.Domain
	for root.Parent != nil {
		root = root.Parent
	}
	group := leastBusyGroup(root)
	id := leastBusyCore(group, lookup)
	core := lookup(id)
	core.Associate(task)
	percpu.UpdateOnInsert(start)
}

// leastBusyGroup walks domain's circular group ring once and returns the
// group with the smallest task count.
func leastBusyGroup(domain *percpu.Domain) *percpu.Group {
	root := domain.Group
	best := root
	bestLoad := root.TasksCount()
	for g := root.Next(); g != root; g = g.Next() {
		if load := g.TasksCount(); load < bestLoad {
			best, bestLoad = g, load
		}
	}
	return best
}

// leastBusyCore scans group's CPU set for the core with the smallest local
// task count.
func leastBusyCore(group *percpu.Group, lookup CoreLookup) uint32 {
	var best uint32
	var bestLoad int64 = -1
	for _, id := range group.CPUs {
		load := lookup(id).TasksCount()
		if bestLoad == -1 || load < bestLoad {
			best, bestLoad = id, load
		}
	}
	return best
}

// Remove decrements the domain-chain task counts after task leaves cpu,
// mirroring AllocateToAny's increment.
func Remove(cpu *percpu.CPU) {
	percpu.UpdateOnRemove(cpu)
}
