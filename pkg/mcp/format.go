package mcp

import (
	"fmt"
	"strings"
	"time"

	"github.com/pario-ai/switchboard/pkg/dispatch"
	"github.com/pario-ai/switchboard/pkg/models"
)

const stamp = "2006-01-02 15:04:05"

func formatDispatch(res *dispatch.Result) string {
	var b strings.Builder
	tx := res.Transaction
	fmt.Fprintf(&b, "%s\n\n", res.Response.Content)
	fmt.Fprintf(&b, "-- %s/%s after %d attempt(s)\n", tx.Provider, tx.Model, len(res.Attempts))
	fmt.Fprintf(&b, "-- tokens %d prompt / %d completion, cost $%s, tx %s\n",
		tx.PromptTokens, tx.CompletionTokens, tx.Cost.StringFixed(6), tx.ID)
	if len(tx.Flags) > 0 {
		fmt.Fprintf(&b, "-- flags %s\n", strings.Join(tx.Flags, ","))
	}
	return b.String()
}

func formatSpend(rows []models.LedgerSummary) string {
	if len(rows) == 0 {
		return "No transactions recorded."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %-28s %-15s %8s %10s %10s %14s\n",
		"Provider", "Model", "Outcome", "Calls", "Prompt", "Completion", "Cost")
	b.WriteString(strings.Repeat("-", 103) + "\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%-12s %-28s %-15s %8d %10d %10d %14s\n",
			r.Provider, r.Model, r.Outcome, r.Count, r.PromptTokens, r.CompletionTokens, "$"+r.Cost.StringFixed(6))
	}
	return b.String()
}

func formatBudget(statuses []models.BudgetStatus) string {
	if len(statuses) == 0 {
		return "No budget scopes apply."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-28s %14s %14s %14s %14s %6s\n",
		"Scope", "Limit", "Spend", "Held", "Remaining", "Used%")
	b.WriteString(strings.Repeat("-", 95) + "\n")
	for _, s := range statuses {
		if !s.Limited {
			fmt.Fprintf(&b, "%-28s %14s %14s %14s %14s %6s\n",
				s.Scope, "unlimited", "$"+s.Spend.StringFixed(4), "$"+s.Held.StringFixed(4), "-", "-")
			continue
		}
		pct := 0.0
		if s.Limit.IsPositive() {
			pct = s.Spend.Div(s.Limit).InexactFloat64() * 100
		}
		fmt.Fprintf(&b, "%-28s %14s %14s %14s %14s %5.1f%%\n",
			s.Scope, "$"+s.Limit.StringFixed(4), "$"+s.Spend.StringFixed(4),
			"$"+s.Held.StringFixed(4), "$"+s.Remaining.StringFixed(4), pct)
	}
	return b.String()
}

func formatProviders(records []models.HealthRecord, at time.Time) string {
	if len(records) == 0 {
		return "No provider has been called yet."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %-9s %8s %8s %7s %-16s %10s  %s\n",
		"Provider", "Status", "Attempts", "Failures", "Streak", "Last failure", "Avg ms", "Cooldown")
	b.WriteString(strings.Repeat("-", 96) + "\n")
	for _, r := range records {
		cooldown := "-"
		if r.Status == models.StatusDown && r.CooldownUntil.After(at) {
			cooldown = r.CooldownUntil.Sub(at).Round(time.Second).String()
		}
		last := string(r.LastFailureKind)
		if last == "" {
			last = "-"
		}
		fmt.Fprintf(&b, "%-12s %-9s %8d %8d %7d %-16s %10.0f  %s\n",
			r.Provider, r.Status, r.Attempts, r.Failures, r.ConsecutiveFailures, last, r.AvgLatencyMs, cooldown)
	}
	return b.String()
}

func formatModels(ds []models.Descriptor) string {
	if len(ds) == 0 {
		return "No models match."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-28s %-9s %12s %12s %9s  %s\n",
		"Model", "Tier", "In/1K", "Out/1K", "Context", "Capabilities")
	b.WriteString(strings.Repeat("-", 96) + "\n")
	for _, d := range ds {
		caps := make([]string, len(d.Capabilities))
		for i, c := range d.Capabilities {
			caps[i] = string(c)
		}
		fmt.Fprintf(&b, "%-28s %-9s %12s %12s %9d  %s\n",
			d.Key(), d.Tier, "$"+d.InputCostPer1K.String(), "$"+d.OutputCostPer1K.String(),
			d.MaxContextTokens, strings.Join(caps, ","))
	}
	return b.String()
}

func formatAttempts(attempts []models.Attempt) string {
	if len(attempts) == 0 {
		return "No audited attempts found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %3s %-12s %-24s %-15s %8s %-20s\n",
		"Correlation", "#", "Provider", "Model", "Result", "Latency", "Time")
	b.WriteString(strings.Repeat("-", 126) + "\n")
	for _, a := range attempts {
		res := "ok"
		if !a.OK() {
			res = string(a.Kind)
		}
		fmt.Fprintf(&b, "%-36s %3d %-12s %-24s %-15s %6dms %-20s\n",
			a.CorrelationID, a.Number, a.Provider, a.Model, res,
			a.Latency.Milliseconds(), a.StartedAt.Format(stamp))
	}
	return b.String()
}

func formatPending(entries []models.PendingCommit) string {
	if len(entries) == 0 {
		return "No pending commits."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %-12s %-24s %12s %-20s %s\n",
		"Transaction", "Provider", "Model", "Cost", "Queued", "Reason")
	b.WriteString(strings.Repeat("-", 120) + "\n")
	for _, p := range entries {
		tx := p.Transaction
		fmt.Fprintf(&b, "%-36s %-12s %-24s %12s %-20s %s\n",
			tx.ID, tx.Provider, tx.Model, "$"+tx.Cost.StringFixed(6), p.QueuedAt.Format(stamp), p.Reason)
	}
	return b.String()
}
