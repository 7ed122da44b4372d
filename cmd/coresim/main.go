// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command coresim drives corekernel's bring-up sequence and a set of
// end-to-end scenarios (heap stress, pairing-heap sort, RPC ping, universe
// move semantics, SHM permissions, TLS), printing the structured log
// records the core's subsystems emit along the way.
package main

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	verbose  bool
	numCPUs  int
	numNodes int

	rootLog logr.Logger
)

func main() {
	root := &cobra.Command{
		Use:   "coresim",
		Short: "Drives corekernel's subsystems through a set of end-to-end scenarios",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			rootLog = newLogger(verbose)
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")
	root.PersistentFlags().IntVar(&numCPUs, "cpus", 4, "simulated CPU count")
	root.PersistentFlags().IntVar(&numNodes, "nodes", 2, "simulated NUMA node count")

	root.AddCommand(
		bootCmd(),
		heapStressCmd(),
		pairingSortCmd(),
		rpcPingCmd(),
		universeMoveCmd(),
		shmPermsCmd(),
		tlsCmd(),
		topologyCmd(),
		allCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger wires the pluggable logging backend: go-logr/zapr over
// go.uber.org/zap, following the same ctrl.SetLogger(zap.New(...))
// pattern this kind of Go service typically uses.
func newLogger(verbose bool) logr.Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		cfg.Development = true
		cfg.Encoding = "console"
	}
	zl, err := cfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "coresim: logger setup failed:", err)
		os.Exit(1)
	}
	return zapr.NewLogger(zl).WithName("coresim")
}

func bootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "Run the initgraph bring-up sequence and report the resulting topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := Boot(rootLog, numCPUs, numNodes)
			if err != nil {
				return err
			}
			fmt.Printf("booted %d CPUs across %d NUMA nodes\n", k.CPUs.Len(), numNodes)
			return nil
		},
	}
}

func allCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run every end-to-end scenario in sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			scenarios := []struct {
				name string
				run  func(logr.Logger) error
			}{
				{"heap-stress", func(l logr.Logger) error { return runHeapStress(l, 4096) }},
				{"pairing-sort", func(l logr.Logger) error { return runPairingSort(l) }},
				{"rpc-ping", func(l logr.Logger) error { return runRPCPing(l, 2000) }},
				{"universe-move", runUniverseMove},
				{"shm-perms", runSHMPerms},
				{"tls", runTLS},
				{"topology", func(l logr.Logger) error { return runTopology(l, numCPUs, numNodes) }},
			}
			for _, s := range scenarios {
				rootLog.Info("running scenario", "scenario", s.name)
				if err := s.run(rootLog.WithName(s.name)); err != nil {
					return fmt.Errorf("%s: %w", s.name, err)
				}
			}
			fmt.Println("all scenarios passed")
			return nil
		},
	}
}
