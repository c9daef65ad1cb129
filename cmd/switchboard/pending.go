package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pario-ai/switchboard/pkg/pending"
	"github.com/spf13/cobra"
)

func newPendingCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect and replay transactions awaiting a durable ledger commit",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List queued pending commits, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			q, err := openPendingQueue(ctx, g.cfg)
			if err != nil {
				return err
			}
			defer func() { _ = q.Close() }()

			entries, err := q.List(ctx, limit)
			if err != nil {
				return err
			}
			fmt.Print(formatPending(entries, time.Now()))
			return nil
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 0, "max entries to show (0 for all)")

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Commit queued transactions to the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			q, err := openPendingQueue(ctx, g.cfg)
			if err != nil {
				return err
			}
			defer func() { _ = q.Close() }()

			engine, l, err := openBudget(ctx, g.cfg)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			report, err := pending.Replay(ctx, q, engine)
			if err != nil {
				return err
			}
			fmt.Printf("Committed %d, already present %d, still failing %d.\n",
				report.Committed, report.Duplicate, report.Failed)
			if report.Failed > 0 {
				return fmt.Errorf("%d pending commits could not be replayed", report.Failed)
			}
			return nil
		},
	}

	cmd.AddCommand(listCmd, replayCmd)
	return cmd
}
