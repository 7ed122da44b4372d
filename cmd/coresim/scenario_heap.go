// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"fmt"
	"math/rand"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/ricercaos/corekernel/pkg/heap"
	"github.com/ricercaos/corekernel/pkg/numa"
	"github.com/ricercaos/corekernel/pkg/phys"
)

// heapStressSlots and heapStressSizes define the stress scenario: a
// 256-slot pointer table and block sizes {16, 32, 64, 128, 256}.
const heapStressSlots = 256

var heapStressSizes = []uintptr{16, 32, 64, 128, 256}

func heapStressCmd() *cobra.Command {
	var iterations int
	cmd := &cobra.Command{
		Use:   "heap-stress",
		Short: "allocate-or-check-and-free stress over a 256-slot table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHeapStress(rootLog.WithName("heap-stress"), iterations)
		},
	}
	cmd.Flags().IntVar(&iterations, "iterations", 65536, "pseudorandom allocate-or-free iterations")
	return cmd
}

// runHeapStress runs, for block sizes {16, 32, 64, 128,
// 256} bytes, a pseudorandom allocate-or-check-and-free loop over a
// 256-slot pointer table, filling each new allocation with its slot index
// and verifying every freed block held the expected fill byte. No leaks
// survive a final sweep.
func runHeapStress(log logr.Logger, iterations int) error {
	h, err := newSingleNodeHeap()
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(1))
	var slots [heapStressSlots]uintptr
	var sizes [heapStressSlots]uintptr
	allocCount := 0

	check := func(slot int) error {
		addr := slots[slot]
		size := sizes[slot]
		want := byte(slot)
		if ok, offset, got := checkFakeMem(addr, size, want); !ok {
			return fmt.Errorf("slot %d: fill byte mismatch at offset %d: got %#x want %#x", slot, offset, got, want)
		}
		return nil
	}

	for iter := 0; iter < iterations; iter++ {
		slot := rng.Intn(heapStressSlots)
		if slots[slot] == 0 {
			size := heapStressSizes[rng.Intn(len(heapStressSizes))]
			addr, err := h.Alloc(size, 0)
			if err != nil {
				return fmt.Errorf("alloc slot %d size %d: %w", slot, size, err)
			}
			fillFakeMem(addr, size, byte(slot))
			slots[slot] = addr
			sizes[slot] = size
			allocCount++
		} else {
			if err := check(slot); err != nil {
				return err
			}
			if err := h.Free(slots[slot], sizes[slot]); err != nil {
				return fmt.Errorf("free slot %d: %w", slot, err)
			}
			slots[slot] = 0
		}
	}

	swept := 0
	for slot, addr := range slots {
		if addr == 0 {
			continue
		}
		if err := check(slot); err != nil {
			return err
		}
		if err := h.Free(addr, sizes[slot]); err != nil {
			return fmt.Errorf("final sweep slot %d: %w", slot, err)
		}
		swept++
	}

	log.Info("heap stress complete", "iterations", iterations, "allocations", allocCount, "live_at_end", swept)
	return nil
}

func newSingleNodeHeap() (*heap.Heap, error) {
	sys := numa.New()
	sys.AddNode(0, nil)
	sys.AddRange(phys.NewRange(0x1000, nodeRangeSize, 0, false))
	return heap.New(sys), nil
}
