package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pario-ai/switchboard/pkg/dispatch"
	"github.com/pario-ai/switchboard/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func newDispatchCmd(g *globals) *cobra.Command {
	var (
		prompt       string
		system       string
		capabilities []string
		strategy     string
		tier         string
		maxCost      string
		forbidden    []string
		owners       []string
		maxTokens    int
	)

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Send one request through the dispatcher and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			if prompt == "" {
				return errors.New("--prompt is required")
			}
			criteria, err := buildCriteria(capabilities, strategy, tier, maxCost, forbidden)
			if err != nil {
				return err
			}
			ownerList, err := parseOwners(owners)
			if err != nil {
				return err
			}

			ctx := context.Background()
			a, err := buildApp(ctx, g.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			req := &models.Request{
				System:    system,
				Messages:  []models.Message{{Role: "user", Content: prompt}},
				MaxTokens: maxTokens,
			}
			res, err := a.dispatcher.Dispatch(ctx, req, criteria, ownerList)
			if err != nil {
				var de *dispatch.Error
				if errors.As(err, &de) && len(de.Attempts) > 0 {
					fmt.Fprint(os.Stderr, formatAttempts(de.Attempts))
				}
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "user prompt to send")
	cmd.Flags().StringVar(&system, "system", "", "system prompt")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "required capability (repeatable)")
	cmd.Flags().StringVar(&strategy, "strategy", "balanced", "cheapest, fastest, highest_quality or balanced")
	cmd.Flags().StringVar(&tier, "tier", "", "preferred tier")
	cmd.Flags().StringVar(&maxCost, "max-cost", "", "maximum estimated cost per call")
	cmd.Flags().StringSliceVar(&forbidden, "forbid", nil, "provider to exclude (repeatable)")
	cmd.Flags().StringSliceVar(&owners, "owner", nil, "owner to bill as kind:id (repeatable)")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 1024, "maximum completion tokens")

	return cmd
}

func buildCriteria(capabilities []string, strategy, tier, maxCost string, forbidden []string) (models.Criteria, error) {
	var c models.Criteria
	for _, s := range capabilities {
		capability, err := models.ParseCapability(s)
		if err != nil {
			return c, err
		}
		c.RequiredCapabilities = append(c.RequiredCapabilities, capability)
	}
	st, err := models.ParseStrategy(strategy)
	if err != nil {
		return c, err
	}
	c.Strategy = st
	if tier != "" {
		if c.PreferredTier, err = models.ParseTier(tier); err != nil {
			return c, err
		}
	}
	if maxCost != "" {
		if c.MaxCostPerCall, err = decimal.NewFromString(maxCost); err != nil {
			return c, fmt.Errorf("invalid --max-cost: %w", err)
		}
	}
	c.ForbiddenProviders = forbidden
	return c, nil
}

// parseOwner accepts "kind:id", or a bare "global".
func parseOwner(s string) (models.Owner, error) {
	kind, id, _ := strings.Cut(strings.TrimSpace(s), ":")
	k, err := models.ParseOwnerKind(kind)
	if err != nil {
		return models.Owner{}, err
	}
	if id == "" && k != models.OwnerGlobal {
		return models.Owner{}, fmt.Errorf("owner %q: missing id", s)
	}
	return models.Owner{Kind: k, ID: id}, nil
}

func parseOwners(ss []string) ([]models.Owner, error) {
	owners := make([]models.Owner, 0, len(ss))
	for _, s := range ss {
		o, err := parseOwner(s)
		if err != nil {
			return nil, err
		}
		owners = append(owners, o)
	}
	return owners, nil
}
