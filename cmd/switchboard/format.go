package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pario-ai/switchboard/pkg/models"
	"github.com/shopspring/decimal"
)

const timeLayout = "2006-01-02 15:04:05"

func money(d decimal.Decimal) string {
	return "$" + d.StringFixed(6)
}

func formatDescriptors(ds []models.Descriptor) string {
	if len(ds) == 0 {
		return "No models found.\n"
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tMODEL\tTIER\tINPUT/1K\tOUTPUT/1K\tCONTEXT\tCAPABILITIES\tAVAILABLE")
	for _, d := range ds {
		caps := make([]string, len(d.Capabilities))
		for i, c := range d.Capabilities {
			caps[i] = string(c)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
			d.Provider, d.Model, d.Tier,
			money(d.InputCostPer1K), money(d.OutputCostPer1K),
			humanize.Comma(int64(d.MaxContextTokens)),
			strings.Join(caps, ","), d.Available)
	}
	_ = w.Flush()
	return b.String()
}

func formatBudgetStatus(statuses []models.BudgetStatus) string {
	if len(statuses) == 0 {
		return "No budget scopes apply to this owner.\n"
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCOPE\tLIMIT\tSPEND\tHELD\tREMAINING\tWINDOW")
	for _, s := range statuses {
		limit, remaining := "unlimited", "-"
		if s.Limited {
			limit, remaining = money(s.Limit), money(s.Remaining)
		}
		window := "all time"
		if !s.Close.IsZero() {
			window = s.Open.Format(timeLayout) + " .. " + s.Close.Format(timeLayout)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Scope, limit, money(s.Spend), money(s.Held), remaining, window)
	}
	_ = w.Flush()
	return b.String()
}

func formatSummary(rows []models.LedgerSummary) string {
	if len(rows) == 0 {
		return "No transactions recorded.\n"
	}
	var (
		b     strings.Builder
		total decimal.Decimal
		count int
	)
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tMODEL\tOUTCOME\tCALLS\tPROMPT\tCOMPLETION\tCOST")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Provider, r.Model, r.Outcome,
			humanize.Comma(int64(r.Count)),
			humanize.Comma(r.PromptTokens), humanize.Comma(r.CompletionTokens),
			money(r.Cost))
		count += r.Count
		if r.Outcome.Charges() {
			total = total.Add(r.Cost)
		}
	}
	fmt.Fprintf(w, "TOTAL\t\t\t%s\t\t\t%s\n", humanize.Comma(int64(count)), money(total))
	_ = w.Flush()
	return b.String()
}

func formatTransactions(txs []models.Transaction) string {
	if len(txs) == 0 {
		return "No transactions found.\n"
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCORRELATION\tPROVIDER\tMODEL\tOUTCOME\tTOKENS\tCOST\tTIME\tFLAGS")
	for _, tx := range txs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			tx.ID, tx.CorrelationID, tx.Provider, tx.Model, tx.Outcome,
			humanize.Comma(int64(tx.PromptTokens+tx.CompletionTokens)),
			money(tx.Cost), tx.Timestamp.UTC().Format(timeLayout),
			strings.Join(tx.Flags, ","))
	}
	_ = w.Flush()
	return b.String()
}

func formatPending(entries []models.PendingCommit, now time.Time) string {
	if len(entries) == 0 {
		return "No pending commits.\n"
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TX\tCORRELATION\tPROVIDER\tMODEL\tCOST\tQUEUED\tREASON")
	for _, p := range entries {
		tx := p.Transaction
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			tx.ID, tx.CorrelationID, tx.Provider, tx.Model, money(tx.Cost),
			humanize.RelTime(p.QueuedAt, now, "ago", "from now"), p.Reason)
	}
	_ = w.Flush()
	return b.String()
}

func formatAttempts(attempts []models.Attempt) string {
	if len(attempts) == 0 {
		return "No attempts.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-3s %-12s %-28s %-16s %9s  %s\n", "#", "PROVIDER", "MODEL", "RESULT", "LATENCY", "ERROR")
	b.WriteString(strings.Repeat("-", 90) + "\n")
	for _, a := range attempts {
		result := "ok"
		if !a.OK() {
			result = string(a.Kind)
		}
		fmt.Fprintf(&b, "%-3d %-12s %-28s %-16s %7dms  %s\n",
			a.Number, a.Provider, a.Model, result, a.Latency.Milliseconds(), a.Error)
	}
	return b.String()
}

func formatAuditStats(stats []models.AuditStat) string {
	if len(stats) == 0 {
		return "No audit stats found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-16s %-12s %8s %9s\n", "PROVIDER", "DAY", "ATTEMPTS", "FAILURES")
	b.WriteString(strings.Repeat("-", 48) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-16s %-12s %8d %9d\n", s.Provider, s.Day, s.Count, s.Failures)
	}
	return b.String()
}

// parseDay parses a YYYY-MM-DD flag value as a UTC day.
func parseDay(flag, s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s date (use YYYY-MM-DD): %w", flag, err)
	}
	return t, nil
}

func beginningOfMonth() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
