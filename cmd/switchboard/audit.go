package main

import (
	"context"
	"fmt"

	"github.com/pario-ai/switchboard/pkg/audit"
	"github.com/pario-ai/switchboard/pkg/config"
	"github.com/pario-ai/switchboard/pkg/models"
	"github.com/spf13/cobra"
)

func newAuditCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and manage the provider attempt audit log",
	}

	cmd.AddCommand(
		newAuditSearchCmd(g),
		newAuditStatsCmd(g),
		newAuditCleanupCmd(g),
	)
	return cmd
}

func newAuditSearchCmd(g *globals) *cobra.Command {
	var (
		providerName string
		model        string
		kind         string
		correlation  string
		since        string
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search audited provider attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(g.cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := models.AuditQueryOpts{
				Provider:      providerName,
				Model:         model,
				Kind:          kind,
				CorrelationID: correlation,
				Limit:         limit,
			}
			if since != "" {
				if opts.Since, err = parseDay("since", since); err != nil {
					return err
				}
			}

			attempts, err := l.Query(context.Background(), opts)
			if err != nil {
				return err
			}
			fmt.Print(formatAttempts(attempts))
			return nil
		},
	}

	cmd.Flags().StringVar(&providerName, "provider", "", "filter by provider")
	cmd.Flags().StringVar(&model, "model", "", "filter by model")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by failure kind (timeout, rate_limited, ...)")
	cmd.Flags().StringVar(&correlation, "correlation", "", "filter by correlation id")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")

	return cmd
}

func newAuditStatsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show attempt counts by provider and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(g.cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := l.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Print(formatAuditStats(stats))
			return nil
		},
	}
}

func newAuditCleanupCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete audit entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(g.cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := l.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d audit entries.\n", deleted)
			return nil
		},
	}
}

func openAuditLogger(cfg *config.Config) (*audit.Logger, func(), error) {
	l, err := audit.New(cfg.Audit)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit db: %w", err)
	}
	return l, func() { _ = l.Close() }, nil
}
