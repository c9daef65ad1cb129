// Package selector ranks catalog models for a request. Selection is a pure
// function of its inputs: the same inputs always give the same order.
package selector

import (
	"sort"

	"github.com/pario-ai/switchboard/pkg/catalog"
	"github.com/pario-ai/switchboard/pkg/models"
	"github.com/shopspring/decimal"
)

// Balanced strategy weights.
const (
	weightCost    = 0.4
	weightLatency = 0.3
	weightQuality = 0.3
)

// HealthView answers whether a provider may be called.
type HealthView interface {
	IsSelectable(provider string) bool
}

// BudgetProbe answers whether a cost fits the caller's remaining budget.
type BudgetProbe interface {
	Fits(cost decimal.Decimal) bool
}

// Input is everything selection depends on.
type Input struct {
	Request  *models.Request
	Criteria models.Criteria
	Catalog  *catalog.Snapshot
	Health   HealthView
	Budget   BudgetProbe
}

type scored struct {
	c       models.Candidate
	score   float64
	quality float64
}

// Select returns eligible candidates, best first. The result may be empty.
func Select(in Input) []models.Candidate {
	req := in.Request
	if req == nil {
		req = &models.Request{}
	}
	prompt := req.EstimatedPromptTokens()
	completion := req.CompletionBudget()

	var pool []scored
	for _, d := range in.Catalog.List(catalog.Filter{Capabilities: in.Criteria.RequiredCapabilities}) {
		if d.MaxContextTokens > 0 && prompt+completion > d.MaxContextTokens {
			continue
		}
		if d.MaxOutputTokens > 0 && completion > d.MaxOutputTokens {
			continue
		}
		if in.Health != nil && !in.Health.IsSelectable(d.Provider) {
			continue
		}
		if in.Criteria.Forbids(d.Provider) {
			continue
		}
		if in.Criteria.MaxLatencyMs > 0 && d.LatencyMs > in.Criteria.MaxLatencyMs {
			continue
		}
		cost := catalog.Price(d, prompt, completion).Add(catalog.MediaPrice(d, req.Images, req.AudioSeconds))
		if in.Criteria.MaxCostPerCall.IsPositive() && cost.GreaterThan(in.Criteria.MaxCostPerCall) {
			continue
		}
		pool = append(pool, scored{
			c:       models.Candidate{Descriptor: d, EstimatedCost: cost, WithinBudget: true},
			quality: d.Tier.Quality(),
		})
	}
	if len(pool) == 0 {
		return nil
	}

	strategy := in.Criteria.Strategy
	if strategy == "" {
		strategy = models.StrategyBalanced
	}
	if strategy == models.StrategyBalanced {
		balance(pool)
	}
	sort.SliceStable(pool, func(i, j int) bool { return less(strategy, pool[i], pool[j]) })

	if in.Criteria.PreferredTier != "" {
		sort.SliceStable(pool, func(i, j int) bool {
			return pool[i].c.Descriptor.Tier == in.Criteria.PreferredTier && pool[j].c.Descriptor.Tier != in.Criteria.PreferredTier
		})
	}
	if in.Budget != nil {
		for i := range pool {
			pool[i].c.WithinBudget = in.Budget.Fits(pool[i].c.EstimatedCost)
		}
		sort.SliceStable(pool, func(i, j int) bool {
			return pool[i].c.WithinBudget && !pool[j].c.WithinBudget
		})
	}

	out := make([]models.Candidate, len(pool))
	for i, s := range pool {
		s.c.Rank = i + 1
		out[i] = s.c
	}
	return out
}

// balance assigns each candidate a weighted score in [0, 1]; lower is better.
func balance(pool []scored) {
	minCost, maxCost := pool[0].c.EstimatedCost.InexactFloat64(), pool[0].c.EstimatedCost.InexactFloat64()
	minLat, maxLat := pool[0].c.Descriptor.LatencyMs, pool[0].c.Descriptor.LatencyMs
	for _, s := range pool[1:] {
		c := s.c.EstimatedCost.InexactFloat64()
		minCost, maxCost = min(minCost, c), max(maxCost, c)
		minLat, maxLat = min(minLat, s.c.Descriptor.LatencyMs), max(maxLat, s.c.Descriptor.LatencyMs)
	}
	for i := range pool {
		cost := normalize(pool[i].c.EstimatedCost.InexactFloat64(), minCost, maxCost)
		lat := normalize(float64(pool[i].c.Descriptor.LatencyMs), float64(minLat), float64(maxLat))
		pool[i].score = weightCost*cost + weightLatency*lat + weightQuality*(1-pool[i].quality)
	}
}

func normalize(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return (v - lo) / (hi - lo)
}

func less(strategy models.Strategy, a, b scored) bool {
	da, db := a.c.Descriptor, b.c.Descriptor
	switch strategy {
	case models.StrategyCheapest:
		if c := a.c.EstimatedCost.Cmp(b.c.EstimatedCost); c != 0 {
			return c < 0
		}
		if da.LatencyMs != db.LatencyMs {
			return da.LatencyMs < db.LatencyMs
		}
	case models.StrategyFastest:
		if da.LatencyMs != db.LatencyMs {
			return da.LatencyMs < db.LatencyMs
		}
		if c := a.c.EstimatedCost.Cmp(b.c.EstimatedCost); c != 0 {
			return c < 0
		}
	case models.StrategyHighestQuality:
		if a.quality != b.quality {
			return a.quality > b.quality
		}
		if c := a.c.EstimatedCost.Cmp(b.c.EstimatedCost); c != 0 {
			return c < 0
		}
	default:
		if a.score != b.score {
			return a.score < b.score
		}
	}
	if da.Provider != db.Provider {
		return da.Provider < db.Provider
	}
	return da.Model < db.Model
}
