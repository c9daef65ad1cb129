package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pario-ai/switchboard/pkg/catalog"
	"github.com/pario-ai/switchboard/pkg/models"
	"github.com/spf13/cobra"
)

func newCatalogCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the pricing catalog",
	}

	var (
		providerName string
		capabilities []string
		tier         string
		all          bool
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List models with their prices",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, report, err := catalog.New(g.cfg.Pricing.Path)
			if err != nil {
				return err
			}
			for _, r := range report.Rejected {
				fmt.Fprintf(os.Stderr, "rejected %s[%d] %s: %s\n", r.Source, r.Index, r.Key, r.Reason)
			}

			f := catalog.Filter{Provider: providerName, IncludeUnavailable: all}
			for _, s := range capabilities {
				capability, err := models.ParseCapability(s)
				if err != nil {
					return err
				}
				f.Capabilities = append(f.Capabilities, capability)
			}
			if tier != "" {
				if f.Tier, err = models.ParseTier(tier); err != nil {
					return err
				}
			}
			fmt.Print(formatDescriptors(c.List(f)))
			return nil
		},
	}
	listCmd.Flags().StringVar(&providerName, "provider", "", "filter by provider")
	listCmd.Flags().StringSliceVar(&capabilities, "capability", nil, "require capability (repeatable)")
	listCmd.Flags().StringVar(&tier, "tier", "", "filter by tier")
	listCmd.Flags().BoolVar(&all, "all", false, "include unavailable models")

	showCmd := &cobra.Command{
		Use:   "show <provider/model>",
		Short: "Show one catalog entry as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, m, ok := strings.Cut(args[0], "/")
			if !ok {
				return fmt.Errorf("expected provider/model, got %q", args[0])
			}
			c, _, err := catalog.New(g.cfg.Pricing.Path)
			if err != nil {
				return err
			}
			d, found := c.Lookup(p, m)
			if !found {
				return fmt.Errorf("%s: %w", args[0], catalog.ErrUnknownModel)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(d)
		},
	}

	cmd.AddCommand(listCmd, showCmd)
	return cmd
}
