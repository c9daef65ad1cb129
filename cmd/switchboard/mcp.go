package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pario-ai/switchboard/pkg/mcp"
	"github.com/spf13/cobra"
)

func newMCPCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Run switchboard as an MCP server on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, g.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			deps := mcp.Deps{
				Dispatch: a.dispatcher,
				Spend:    a.ledger,
				Budget:   a.budget,
				Health:   a.health,
				Models:   a.catalog,
				Pending:  a.pending,
			}
			if a.audit != nil {
				deps.Audit = a.audit
			}
			return mcp.New(deps, version).Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
