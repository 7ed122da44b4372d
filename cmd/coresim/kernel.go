// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"time"

	"github.com/go-logr/logr"

	"github.com/ricercaos/corekernel/pkg/bootmem"
	"github.com/ricercaos/corekernel/pkg/bootproto"
	"github.com/ricercaos/corekernel/pkg/cap"
	"github.com/ricercaos/corekernel/pkg/heap"
	"github.com/ricercaos/corekernel/pkg/initgraph"
	"github.com/ricercaos/corekernel/pkg/numa"
	"github.com/ricercaos/corekernel/pkg/percpu"
	"github.com/ricercaos/corekernel/pkg/phys"
	"github.com/ricercaos/corekernel/pkg/sched"
	"github.com/ricercaos/corekernel/pkg/tlb"
)

// winBase stands in for the single address space's higher-half direct
// physical window; bootmem adds it to every bump-allocated address.
const winBase = 0xffff_8000_0000_0000

// nodeRangeSize is how much physical memory each NUMA node gets in the
// simulation: enough headroom for the heap allocator to grow its empty-slub
// pool (heap.ChunkSize) more than once, so heap-stress actually exercises
// the physical allocator rather than running once against a single chunk.
const nodeRangeSize = 16 << 20 // 16 MiB per node

// fakeACPI is cmd/coresim's in-memory stand-in for a real ACPI table
// parser (bootproto.ACPI): a flat CPUs-round-robin-over-nodes topology
// with uniform inter-node distance.
type fakeACPI struct {
	cpus    []bootproto.CPUDescriptor
	domains []bootproto.NUMADescriptor
}

func newFakeACPI(numCPUs, numNodes int) *fakeACPI {
	a := &fakeACPI{}
	for i := 0; i < numCPUs; i++ {
		a.cpus = append(a.cpus, bootproto.CPUDescriptor{
			APICID:    uint32(i),
			ACPIID:    uint32(i),
			LogicalID: uint32(i),
			NUMAID:    uint32(i % numNodes),
		})
	}
	for n := 0; n < numNodes; n++ {
		d := bootproto.NUMADescriptor{ID: uint32(n), Distances: make([]uint32, numNodes)}
		for j := range d.Distances {
			if j != n {
				d.Distances[j] = 20
			}
		}
		a.domains = append(a.domains, d)
	}
	return a
}

func (a *fakeACPI) MaxCPUs() int                            { return len(a.cpus) }
func (a *fakeACPI) CPUs() []bootproto.CPUDescriptor         { return a.cpus }
func (a *fakeACPI) NUMADomains() []bootproto.NUMADescriptor { return a.domains }
func (a *fakeACPI) InterruptControllerBase() uintptr        { return 0xfee00000 }
func (a *fakeACPI) RSDP() uintptr                           { return 0x7ff00000 }

// wallClock is cmd/coresim's stand-in for real TSC/CPUID frequency
// discovery (sched.Clock): Now reports real elapsed nanoseconds so the
// timeslice formula tracks actual time rather than a synthetic step.
type wallClock struct {
	start time.Time
	freq  uint64
}

func newWallClock() *wallClock { return &wallClock{start: time.Now(), freq: 1000} }

func (w *wallClock) Now() uint64       { return uint64(time.Since(w.start)) }
func (w *wallClock) FreqPerUs() uint64 { return w.freq }

// Kernel bundles every subsystem cmd/coresim's scenarios exercise,
// brought up in this order: bootstrap allocator, then NUMA -> physical
// allocator -> heap and the capability subsystem through initgraph, then
// per-CPU state, schedulers and the TLB shootdown coordinator, which Boot
// builds directly.
type Kernel struct {
	Log   logr.Logger
	ACPI  bootproto.ACPI
	NUMA  *numa.Subsystem
	Heap  *heap.Heap
	CPUs  *percpu.Table
	Sched *sched.Scheduler
	Cores []*sched.Core
	TLB   *tlb.Shootdown
}

// Boot runs the bring-up sequence for a simulated machine with numCPUs
// cores spread across numNodes NUMA nodes.
//
// pkg/cap's capability tables are process-wide singletons (shmTable is a
// package-level var, matching the original's single address space), while
// pkg/numa/pkg/heap are instantiated per Kernel so tests can run several
// independent machines in one process (see their own DESIGN.md entries).
// That split means cap.Available cannot declare a real initgraph
// dependency on this Kernel's own heap target without pkg/cap reaching
// back into a specific Kernel instance; Boot instead enforces the same
// ordering by calling initgraph.Reach for the heap chain before reaching
// cap.Available, which is the one gap pkg/cap's own DESIGN.md entry flags
// as open.
func Boot(log logr.Logger, numCPUs, numNodes int) (*Kernel, error) {
	if numCPUs <= 0 || numNodes <= 0 {
		panic("coresim: numCPUs and numNodes must be positive")
	}

	acpi := newFakeACPI(numCPUs, numNodes)
	if acpi.RSDP() == 0 {
		panic("coresim: no RSDP")
	}

	totalPhys := uintptr(numNodes)*nodeRangeSize + bootmem.LowWatermark
	memmap := bootproto.MemoryMap{{Base: 0, Length: totalPhys, Type: bootproto.Usable}}
	if len(memmap) == 0 {
		panic("coresim: no memory map")
	}

	ba, err := bootmem.New(memmap, winBase)
	if err != nil {
		return nil, err
	}

	k := &Kernel{Log: log, ACPI: acpi}

	numaTarget := initgraph.New("mem/numa", func() error {
		k.NUMA = numa.New()
		for _, d := range acpi.NUMADomains() {
			dist := make(map[uint32]uint32, len(d.Distances))
			for j, v := range d.Distances {
				dist[uint32(j)] = v
			}
			k.NUMA.AddNode(d.ID, dist)
		}
		log.Info("numa subsystem online", "subsystem", "numa", "nodes", len(acpi.NUMADomains()))
		return nil
	})

	physTarget := initgraph.New("mem/phys", func() error {
		base := ba.Terminate(4096)
		for n := 0; n < numNodes; n++ {
			k.NUMA.AddRange(phys.NewRange(base, nodeRangeSize, uint32(n), false))
			base += nodeRangeSize
		}
		log.Info("physical allocator online", "subsystem", "phys", "ranges", numNodes)
		return nil
	}, numaTarget)

	heapTarget := initgraph.New("mem/heap", func() error {
		k.Heap = heap.New(k.NUMA)
		log.Info("heap allocator online", "subsystem", "heap")
		return nil
	}, physTarget)

	if err := initgraph.Reach(heapTarget); err != nil {
		return nil, err
	}
	if err := initgraph.Reach(cap.Available); err != nil {
		return nil, err
	}

	k.CPUs = percpu.NewTable(numCPUs)
	k.CPUs.BuildFlatTopology()
	k.Sched = sched.NewScheduler()
	k.TLB = tlb.New(numCPUs)
	k.TLB.SetGenerationUpdate(func() {
		log.V(1).Info("tlb generation bump", "subsystem", "tlb")
	})

	clock := newWallClock()
	for i, cpu := range k.CPUs.All() {
		coreID := i
		core := sched.NewCore(cpu.LogicalID, cpu.NumaID, clock, nil)
		core.SetIdleHooks(
			func() { k.TLB.OnIdleEnter(coreID) },
			func() { k.TLB.OnIdleExit(coreID) },
		)
		cpu.SetStatus(percpu.Online)
		k.Cores = append(k.Cores, core)
		// Every core starts idle (sched.NewCore); tell the shootdown
		// coordinator up front so its idle count matches reality before
		// the first real idle/wake transition flips it.
		k.TLB.OnIdleEnter(int(coreID))
	}
	log.Info("per-cpu state online", "subsystem", "percpu", "cpus", numCPUs, "nodes", numNodes)
	return k, nil
}

// Core resolves a logical CPU id to its local scheduler.
func (k *Kernel) Core(logicalID uint32) *sched.Core { return k.Cores[logicalID] }
