// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"bytes"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/ricercaos/corekernel/pkg/cap"
	"github.com/ricercaos/corekernel/pkg/initgraph"
	"github.com/ricercaos/corekernel/pkg/kernerr"
)

func shmPermsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shm-perms",
		Short: "shared-memory ownership and read/write permission changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSHMPerms(rootLog.WithName("shm-perms"))
		},
	}
}

// runSHMPerms creates a buffer owned by one entry, checks that a
// stranger's writes and out-of-owner reads fail with SecurityViolation,
// relaxes and re-tightens ownership, and checks that a round-trip
// write/read by id and by ref agree.
func runSHMPerms(log logr.Logger) error {
	if err := initgraph.Reach(cap.Available); err != nil {
		return fmt.Errorf("bring up shm subsystem: %w", err)
	}

	owner := cap.NewEntryCookie()
	stranger := cap.NewEntryCookie()

	buf, id := cap.CreateOwned(64, owner)

	if err := cap.WriteByID(id, 0, []byte("hello"), stranger); !kernerr.Is(err, kernerr.ErrSecurityViolation) {
		return fmt.Errorf("stranger write: got %v, want ErrSecurityViolation", err)
	}
	if _, err := cap.ReadByID(id, 0, 5, stranger); !kernerr.Is(err, kernerr.ErrSecurityViolation) {
		return fmt.Errorf("stranger read: got %v, want ErrSecurityViolation", err)
	}

	if err := cap.WriteByID(id, 0, []byte("hello"), owner); err != nil {
		return fmt.Errorf("owner write: %w", err)
	}
	got, err := cap.ReadByID(id, 0, 5, owner)
	if err != nil {
		return fmt.Errorf("owner read: %w", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		return fmt.Errorf("owner read: got %q want %q", got, "hello")
	}

	buf.DropOwnership(true) // relax read/write to everyone

	if err := cap.WriteByID(id, 5, []byte(" world"), stranger); err != nil {
		return fmt.Errorf("stranger write after drop: %w", err)
	}

	rw := buf.BorrowRW()
	ref, isRW, ok := cap.RefShm(rw)
	if !ok || !isRW {
		return fmt.Errorf("BorrowRW did not yield a write-capable ShmRef")
	}
	if err := cap.WriteByRef(ref, 11, []byte("!")); err != nil {
		return fmt.Errorf("write by ref: %w", err)
	}

	final, err := cap.ReadByRef(ref, 0, 12)
	if err != nil {
		return fmt.Errorf("read by ref: %w", err)
	}
	if !bytes.Equal(final, []byte("hello world!")) {
		return fmt.Errorf("final buffer: got %q want %q", final, "hello world!")
	}

	buf.AcquireOwnership(owner, true) // re-tighten read/write to owner alone
	if err := cap.WriteByID(id, 0, []byte("x"), stranger); !kernerr.Is(err, kernerr.ErrSecurityViolation) {
		return fmt.Errorf("stranger write after re-acquire: got %v, want ErrSecurityViolation", err)
	}

	log.Info("shm perms complete", "id", id, "bytes", len(final))
	return nil
}
