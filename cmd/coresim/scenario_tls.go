// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/ricercaos/corekernel/pkg/cap"
)

func tlsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tls",
		Short: "independent per-thread TLS tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTLS(rootLog.WithName("tls"))
		},
	}
}

// runTLS has several simulated threads each hold their own TLS table and
// write/overwrite/read the same key concurrently, checked to never
// observe another thread's value.
func runTLS(log logr.Logger) error {
	const threads = 8
	const key = uint64(42)

	var wg sync.WaitGroup
	errs := make([]error, threads)

	for th := 0; th < threads; th++ {
		th := th
		wg.Add(1)
		go func() {
			defer wg.Done()
			tbl := cap.NewTable()
			if v := tbl.GetKey(key); v != 0 {
				errs[th] = fmt.Errorf("thread %d: fresh table returned %d, want 0", th, v)
				return
			}
			for i := 0; i < 100; i++ {
				tbl.SetKey(key, uint64(th*1000+i))
				if got := tbl.GetKey(key); got != uint64(th*1000+i) {
					errs[th] = fmt.Errorf("thread %d: after set %d, got %d", th, i, got)
					return
				}
			}
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	log.Info("tls complete", "threads", threads)
	return nil
}
