// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ricercaos/corekernel/pkg/cap"
	"github.com/ricercaos/corekernel/pkg/kernerr"
	"github.com/ricercaos/corekernel/pkg/sched"
)

const (
	rpcClientReplyOpaque    = 1
	rpcServerIncomingOpaque = 2
	rpcOKStatus             = cap.RPCStatus(1)
)

func rpcPingCmd() *cobra.Command {
	var iterations int
	cmd := &cobra.Command{
		Use:   "rpc-ping",
		Short: "a caller/callee pair exchanging sequential RPC calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRPCPing(rootLog.WithName("rpc-ping"), iterations)
		},
	}
	cmd.Flags().IntVar(&iterations, "iterations", 2000, "number of call/reply round-trips")
	return cmd
}

// runRPCPing has a client goroutine issue iterations sequential calls
// carrying its loop index as the opaque payload, a server goroutine
// accept and immediately answer each one with rpcOKStatus, and the client
// check every reply lands with the matching opaque and status. It then
// demonstrates a QuotaExceeded -> backoff-and-retry recovery policy
// against a deliberately saturated mailbox.
func runRPCPing(log logr.Logger, iterations int) error {
	scheduler := sched.NewScheduler()
	core := sched.NewCore(0, 0, newWallClock(), nil)

	clientMbox := cap.NewMailbox(8, scheduler)
	serverMbox := cap.NewMailbox(8, scheduler)

	caller := cap.NewCaller(clientMbox, rpcClientReplyOpaque)
	callee, token := cap.NewCallee(serverMbox, rpcServerIncomingOpaque)
	defer token.Drop()

	// Recv parks on the scheduler when its mailbox is momentarily empty
	// via the sched-stack hand-off, so both sides of this
	// simulated IPC need a real task bound to the goroutine acting on
	// its behalf, the same way core.go's own tests bind one per
	// goroutine before exercising SuspendCurrent/WakeUp.
	serverTask := sched.NewTask()
	clientTask := sched.NewTask()
	core.Associate(serverTask)
	core.Associate(clientTask)

	var g errgroup.Group

	g.Go(func() error {
		scheduler.Bind(serverTask)
		defer scheduler.Unbind()
		for i := 0; i < iterations; i++ {
			if n := serverMbox.Recv(); n.Type != cap.NoteRPCIncoming {
				return fmt.Errorf("server: unexpected notification type %v", n.Type)
			}
			msg, seq, ok := callee.Accept()
			if !ok {
				return fmt.Errorf("server: notified but nothing to accept at iteration %d", i)
			}
			if err := callee.Return(seq, rpcOKStatus, msg.Payload[:msg.Len]); err != nil {
				return fmt.Errorf("server: return seq %d: %w", seq, err)
			}
		}
		return nil
	})

	g.Go(func() error {
		scheduler.Bind(clientTask)
		defer scheduler.Unbind()
		for i := 0; i < iterations; i++ {
			var req cap.RPCMessage
			req.Opaque = uint64(i)
			req.Len = uint32(copy(req.Payload[:], fmt.Sprintf("ping-%d", i)))
			if err := caller.Initiate(callee, req); err != nil {
				return fmt.Errorf("client: initiate %d: %w", i, err)
			}
			if n := clientMbox.Recv(); n.Type != cap.NoteRPCReply {
				return fmt.Errorf("client: unexpected notification type %v", n.Type)
			}
			reply, ok := caller.GetResult()
			if !ok {
				return fmt.Errorf("client: notified but no result ready at iteration %d", i)
			}
			if reply.Opaque != uint64(i) {
				return fmt.Errorf("client: reply %d carried opaque %d", i, reply.Opaque)
			}
			if reply.Status != rpcOKStatus {
				return fmt.Errorf("client: reply %d carried status %v", i, reply.Status)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("rpc ping complete", "iterations", iterations)

	return demoQuotaExceededRetry(log)
}

// demoQuotaExceededRetry saturates a single-slot mailbox with no parked
// receiver, confirms Send reports QuotaExceeded, then drains
// one slot and retries through backoff/v5 to show the recovery succeeding
// once room exists.
func demoQuotaExceededRetry(log logr.Logger) error {
	scheduler := sched.NewScheduler()
	mbox := cap.NewMailbox(1, scheduler)

	if err := mbox.Send(cap.Notification{Type: cap.NoteGeneric, Opaque: 1}); err != nil {
		return fmt.Errorf("demo: priming send: %w", err)
	}

	attempts := 0
	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		attempts++
		sendErr := mbox.Send(cap.Notification{Type: cap.NoteGeneric, Opaque: 2})
		if sendErr == nil {
			return struct{}{}, nil
		}
		if !kernerr.Retryable(sendErr) {
			return struct{}{}, backoff.Permanent(sendErr)
		}
		if attempts == 1 {
			// Drain the slot that was blocking us so the next attempt succeeds.
			mbox.Recv()
		}
		return struct{}{}, sendErr
	}, backoff.WithMaxTries(3))
	if err != nil {
		return fmt.Errorf("demo: retry against quota-exceeded mailbox: %w", err)
	}

	log.Info("quota-exceeded retry demo complete", "attempts", attempts)
	return nil
}
