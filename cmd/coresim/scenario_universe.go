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

	"github.com/ricercaos/corekernel/pkg/cap"
	"github.com/ricercaos/corekernel/pkg/kernerr"
	"github.com/ricercaos/corekernel/pkg/sched"
)

func universeMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "universe-move",
		Short: "pin-cookie authentication and cross-universe moves",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUniverseMove(rootLog.WithName("universe-move"))
		},
	}
}

// runUniverseMove installs a capability reference into an older universe,
// pins it to a private key, and checks that an unauthenticated move is
// rejected before the reference is unpinned and moved into a
// strictly-younger universe; a move attempted in the wrong direction is
// checked to fail with ErrInvalidUniverseOrder.
func runUniverseMove(log logr.Logger) error {
	older := cap.NewUniverse()
	younger := cap.NewUniverse()

	owner := cap.NewEntryCookie()
	stranger := cap.NewEntryCookie()

	mbox := cap.NewMailbox(4, sched.NewScheduler())
	ref := cap.NewRef(cap.KindMailbox, cap.KeyUniversal, mbox)
	cell := older.MoveIn(ref)

	privateKey := cap.Key(0xc0ffee)
	if err := older.Pin(cell, owner, privateKey); err != nil {
		return fmt.Errorf("pin: %w", err)
	}

	// Ordinals are stamped in creation order by NewUniverse, so older
	// ranks below younger and a move from younger back into older is
	// rejected.
	if _, err := cap.MoveAcross(younger, older, cell, owner); !kernerr.Is(err, kernerr.ErrInvalidUniverseOrder) {
		return fmt.Errorf("move backward in creation order: got %v, want ErrInvalidUniverseOrder", err)
	}

	if _, err := cap.MoveAcross(older, younger, cell, stranger); !kernerr.Is(err, kernerr.ErrSecurityViolation) {
		return fmt.Errorf("move with wrong entry: got %v, want ErrSecurityViolation", err)
	}

	if err := older.Unpin(cell, owner); err != nil {
		return fmt.Errorf("unpin: %w", err)
	}

	newCell, err := cap.MoveAcross(older, younger, cell, stranger)
	if err != nil {
		return fmt.Errorf("move across after unpin: %w", err)
	}

	if _, err := older.BorrowOut(cell, owner); !kernerr.Is(err, kernerr.ErrInvalidHandle) {
		return fmt.Errorf("borrow from source after move: got %v, want ErrInvalidHandle", err)
	}

	if _, err := younger.BorrowOut(newCell, stranger); err != nil {
		return fmt.Errorf("borrow from destination after move: %w", err)
	}

	log.Info("universe move complete", "source_cell_freed", true, "destination_cell", newCell)
	return nil
}
