package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/pario-ai/switchboard/pkg/config"
	"github.com/pario-ai/switchboard/pkg/ledger"
	"github.com/pario-ai/switchboard/pkg/models"
	"github.com/spf13/cobra"
)

func newLedgerCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Query the transaction ledger",
	}
	cmd.AddCommand(
		newLedgerSummaryCmd(g),
		newLedgerTransactionsCmd(g),
		newLedgerShowCmd(g),
	)
	return cmd
}

func newLedgerSummaryCmd(g *globals) *cobra.Command {
	var since string

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show spend grouped by provider and model",
		RunE: func(cmd *cobra.Command, args []string) error {
			sinceTime := beginningOfMonth()
			if since != "" {
				t, err := parseDay("since", since)
				if err != nil {
					return err
				}
				sinceTime = t
			}

			l, cleanup, err := openLedger(g.cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			rows, err := l.Summary(context.Background(), sinceTime)
			if err != nil {
				return err
			}
			fmt.Printf("Since %s\n\n", sinceTime.Format("2006-01-02"))
			fmt.Print(formatSummary(rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD, default: first of month)")
	return cmd
}

func newLedgerTransactionsCmd(g *globals) *cobra.Command {
	var (
		correlation  string
		providerName string
		outcome      string
		owner        string
		since        string
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "transactions",
		Short: "List transactions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := ledger.QueryOpts{
				CorrelationID: correlation,
				Provider:      providerName,
				Outcome:       models.Outcome(outcome),
				Limit:         limit,
			}
			if owner != "" {
				o, err := parseOwner(owner)
				if err != nil {
					return err
				}
				opts.Owner = &o
			}
			if since != "" {
				t, err := parseDay("since", since)
				if err != nil {
					return err
				}
				opts.Since = t
			}

			l, cleanup, err := openLedger(g.cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			txs, err := l.Transactions(context.Background(), opts)
			if err != nil {
				return err
			}
			fmt.Print(formatTransactions(txs))
			return nil
		},
	}
	cmd.Flags().StringVar(&correlation, "correlation", "", "filter by correlation id")
	cmd.Flags().StringVar(&providerName, "provider", "", "filter by provider")
	cmd.Flags().StringVar(&outcome, "outcome", "", "filter by outcome (OK, REFUNDED, PENDING_COMMIT)")
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner as kind:id")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max transactions to return")
	return cmd
}

func newLedgerShowCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show <transaction-id>",
		Short: "Show one transaction as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openLedger(g.cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			tx, err := l.Get(context.Background(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(tx)
		},
	}
}

func openLedger(cfg *config.Config) (*ledger.SQLiteLedger, func(), error) {
	l, err := ledger.New(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}
	return l, func() { _ = l.Close() }, nil
}
