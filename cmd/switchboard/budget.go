package main

import (
	"context"
	"fmt"

	"github.com/pario-ai/switchboard/pkg/models"
	"github.com/spf13/cobra"
)

func newBudgetCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect budget scopes and spend",
	}

	var owner string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show spend vs limits for every scope of an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := parseOwner(owner)
			if err != nil {
				return err
			}
			engine, l, err := openBudget(context.Background(), g.cfg)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			fmt.Print(formatBudgetStatus(engine.Status(o)))
			return nil
		},
	}
	statusCmd.Flags().StringVar(&owner, "owner", string(models.OwnerGlobal), "owner as kind:id")

	cmd.AddCommand(statusCmd)
	return cmd
}
