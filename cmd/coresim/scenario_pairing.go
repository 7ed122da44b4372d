// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/ricercaos/corekernel/pkg/container"
)

func pairingSortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pairing-sort",
		Short: "interleaved insertion into a pairing heap, then drain in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPairingSort(rootLog.WithName("pairing-sort"))
		},
	}
}

// runPairingSort inserts keys [0..128) in
// interleaved even-first then odd-first order, then RemoveMin 128 times.
// Expected output is [0, 1, 2, ..., 127].
func runPairingSort(log logr.Logger) error {
	const n = 128
	h := container.NewPairingHeap[int](func(a, b int) bool { return a < b })

	for i := 0; i < n; i += 2 {
		h.Insert(i)
	}
	for i := 1; i < n; i += 2 {
		h.Insert(i)
	}

	for want := 0; want < n; want++ {
		got, ok := h.RemoveMin()
		if !ok {
			return fmt.Errorf("heap emptied early at position %d", want)
		}
		if got != want {
			return fmt.Errorf("position %d: got %d want %d", want, got, want)
		}
	}
	if _, ok := h.RemoveMin(); ok {
		return fmt.Errorf("heap yielded an element past the expected %d", n)
	}

	log.Info("pairing heap sort complete", "elements", n)
	return nil
}
