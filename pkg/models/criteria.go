package models

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Strategy orders eligible candidates.
type Strategy string

const (
	StrategyCheapest       Strategy = "CHEAPEST"
	StrategyFastest        Strategy = "FASTEST"
	StrategyHighestQuality Strategy = "HIGHEST_QUALITY"
	StrategyBalanced       Strategy = "BALANCED"
)

// ParseStrategy accepts any casing; empty means BALANCED.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToUpper(strings.TrimSpace(s))); st {
	case "":
		return StrategyBalanced, nil
	case StrategyCheapest, StrategyFastest, StrategyHighestQuality, StrategyBalanced:
		return st, nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Criteria constrains and orders model selection.
type Criteria struct {
	RequiredCapabilities []Capability    `json:"required_capabilities,omitempty"`
	PreferredTier        Tier            `json:"preferred_tier,omitempty"`
	MaxCostPerCall       decimal.Decimal `json:"max_cost_per_call"`
	MaxLatencyMs         int             `json:"max_latency_ms,omitempty"`
	ForbiddenProviders   []string        `json:"forbidden_providers,omitempty"`
	Strategy             Strategy        `json:"strategy"`
}

// Forbids reports whether provider is excluded.
func (c Criteria) Forbids(provider string) bool {
	for _, p := range c.ForbiddenProviders {
		if p == provider {
			return true
		}
	}
	return false
}

// Candidate is a ranked, priced descriptor produced by selection.
type Candidate struct {
	Descriptor    Descriptor      `json:"descriptor"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
	Rank          int             `json:"rank"`
	WithinBudget  bool            `json:"within_budget"`
}
