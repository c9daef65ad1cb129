// Package metrics exposes dispatch, budget and provider health counters to
// Prometheus.
package metrics

import (
	"github.com/pario-ai/switchboard/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the switchboard collectors. A nil *Collector is valid and
// records nothing.
type Collector struct {
	dispatches      *prometheus.CounterVec
	attempts        *prometheus.CounterVec
	attemptLatency  *prometheus.HistogramVec
	budgetDecisions *prometheus.CounterVec
	spend           *prometheus.CounterVec
	providerStatus  *prometheus.GaugeVec
	pendingCommits  prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_dispatch_total",
				Help: "Dispatches by final outcome",
			},
			[]string{"outcome"}, // ok or an error kind
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_attempts_total",
				Help: "Provider attempts",
			},
			[]string{"provider", "model", "result"}, // result: ok or a failure kind
		),
		attemptLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_attempt_latency_seconds",
				Help:    "Provider attempt latency in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider"},
		),
		budgetDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_budget_decisions_total",
				Help: "Budget authorization decisions",
			},
			[]string{"decision"},
		),
		spend: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_spend_total",
				Help: "Committed spend in currency units, by scope kind",
			},
			[]string{"scope_kind"},
		),
		providerStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "switchboard_provider_status",
				Help: "Provider health: 0 healthy, 1 degraded, 2 down",
			},
			[]string{"provider"},
		),
		pendingCommits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "switchboard_pending_commits_total",
				Help: "Transactions queued for a later ledger commit",
			},
		),
	}

	for _, col := range []prometheus.Collector{
		c.dispatches, c.attempts, c.attemptLatency, c.budgetDecisions,
		c.spend, c.providerStatus, c.pendingCommits,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Dispatch counts a finished dispatch.
func (c *Collector) Dispatch(outcome string) {
	if c == nil {
		return
	}
	c.dispatches.WithLabelValues(outcome).Inc()
}

// Attempt counts one provider call and observes its latency.
func (c *Collector) Attempt(a models.Attempt) {
	if c == nil {
		return
	}
	result := "ok"
	if !a.OK() {
		result = string(a.Kind)
	}
	c.attempts.WithLabelValues(a.Provider, a.Model, result).Inc()
	c.attemptLatency.WithLabelValues(a.Provider).Observe(a.Latency.Seconds())
}

// BudgetDecision counts an authorization outcome.
func (c *Collector) BudgetDecision(d models.Decision) {
	if c == nil {
		return
	}
	c.budgetDecisions.WithLabelValues(string(d)).Inc()
}

// Spend adds committed cost for every scope a transaction charged.
func (c *Collector) Spend(tx models.Transaction) {
	if c == nil || !tx.Outcome.Charges() {
		return
	}
	amount := tx.Cost.InexactFloat64()
	for _, s := range tx.Scopes {
		c.spend.WithLabelValues(string(s.Kind)).Add(amount)
	}
}

// ProviderStatus sets the health gauge for a provider.
func (c *Collector) ProviderStatus(provider string, status models.ProviderStatus) {
	if c == nil {
		return
	}
	var v float64
	switch status {
	case models.StatusDegraded:
		v = 1
	case models.StatusDown:
		v = 2
	}
	c.providerStatus.WithLabelValues(provider).Set(v)
}

// PendingCommit counts a transaction routed to the pending queue.
func (c *Collector) PendingCommit() {
	if c == nil {
		return
	}
	c.pendingCommits.Inc()
}
