package audit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pario-ai/switchboard/pkg/models"
)

func tempCfg(t *testing.T) Config {
	t.Helper()
	return Config{
		Enabled:       true,
		DBPath:        filepath.Join(t.TempDir(), "audit_test.db"),
		RetentionDays: 90,
		MaxErrorSize:  1024,
	}
}

func mustNew(t *testing.T, cfg Config) *Logger {
	t.Helper()
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func sampleAttempt() models.Attempt {
	return models.Attempt{
		CorrelationID: "corr-001",
		Number:        1,
		Provider:      "openai",
		Model:         "gpt-4o",
		Usage:         models.Usage{PromptTokens: 10, CompletionTokens: 20},
		Latency:       150 * time.Millisecond,
		StartedAt:     time.Now(),
	}
}

func failedAttempt() models.Attempt {
	a := sampleAttempt()
	a.Number = 2
	a.Kind = models.ErrRateLimited
	a.Error = "openai: 429 slow down"
	return a
}

func TestLogAndQuery(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	if err := l.Log(ctx, sampleAttempt()); err != nil {
		t.Fatalf("Log: %v", err)
	}

	attempts, err := l.Query(ctx, models.AuditQueryOpts{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(attempts))
	}
	got := attempts[0]
	if got.CorrelationID != "corr-001" {
		t.Errorf("expected corr-001, got %s", got.CorrelationID)
	}
	if got.Latency != 150*time.Millisecond {
		t.Errorf("expected 150ms latency, got %s", got.Latency)
	}
	if !got.OK() {
		t.Errorf("expected successful attempt, got kind %q", got.Kind)
	}
}

func TestQueryFilters(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()
	_ = l.Log(ctx, sampleAttempt())
	_ = l.Log(ctx, failedAttempt())
	other := sampleAttempt()
	other.CorrelationID = "corr-002"
	other.Provider = "anthropic"
	_ = l.Log(ctx, other)

	byCorr, err := l.Query(ctx, models.AuditQueryOpts{CorrelationID: "corr-001"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(byCorr) != 2 {
		t.Fatalf("expected 2 attempts for corr-001, got %d", len(byCorr))
	}

	byKind, err := l.Query(ctx, models.AuditQueryOpts{Kind: string(models.ErrRateLimited)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(byKind) != 1 || byKind[0].Number != 2 {
		t.Fatalf("expected the rate limited attempt, got %+v", byKind)
	}

	byProvider, err := l.Query(ctx, models.AuditQueryOpts{Provider: "anthropic"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(byProvider) != 1 {
		t.Fatalf("expected 1 anthropic attempt, got %d", len(byProvider))
	}

	future, err := l.Query(ctx, models.AuditQueryOpts{Since: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(future) != 0 {
		t.Fatalf("expected no attempts after since, got %d", len(future))
	}
}

func TestExcludeProviders(t *testing.T) {
	cfg := tempCfg(t)
	cfg.ExcludeProviders = []string{"openai"}
	l := mustNew(t, cfg)
	ctx := context.Background()

	if err := l.Log(ctx, sampleAttempt()); err != nil {
		t.Fatalf("Log: %v", err)
	}

	attempts, err := l.Query(ctx, models.AuditQueryOpts{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(attempts) != 0 {
		t.Fatalf("expected 0 attempts for excluded provider, got %d", len(attempts))
	}
}

func TestErrorTruncation(t *testing.T) {
	cfg := tempCfg(t)
	cfg.MaxErrorSize = 16
	l := mustNew(t, cfg)
	ctx := context.Background()

	a := failedAttempt()
	a.Error = strings.Repeat("x", 100)
	if err := l.Log(ctx, a); err != nil {
		t.Fatalf("Log: %v", err)
	}

	attempts, err := l.Query(ctx, models.AuditQueryOpts{CorrelationID: "corr-001"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(attempts[0].Error) != 16 {
		t.Errorf("expected truncated error len 16, got %d", len(attempts[0].Error))
	}
}

func TestCleanup(t *testing.T) {
	cfg := tempCfg(t)
	cfg.RetentionDays = 0 // everything is old
	l := mustNew(t, cfg)
	ctx := context.Background()

	a := sampleAttempt()
	a.StartedAt = time.Now().AddDate(0, 0, -1)
	_ = l.Log(ctx, a)

	deleted, err := l.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}
}

func TestStats(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	_ = l.Log(ctx, sampleAttempt())
	_ = l.Log(ctx, failedAttempt())

	stats, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected one provider/day row, got %d", len(stats))
	}
	if stats[0].Count != 2 || stats[0].Failures != 1 {
		t.Errorf("expected 2 attempts with 1 failure, got %+v", stats[0])
	}
	if stats[0].Day == "" {
		t.Error("expected day to be set")
	}
}

func TestNilLoggerSafe(t *testing.T) {
	var l *Logger
	if err := l.Log(context.Background(), sampleAttempt()); err != nil {
		t.Errorf("nil logger should be safe: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("nil close should be safe: %v", err)
	}
}

func TestNewInvalidPath(t *testing.T) {
	cfg := Config{
		Enabled: true,
		DBPath:  filepath.Join(os.TempDir(), "nonexistent", "deep", "path", "audit.db"),
	}
	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for invalid path")
	}
}
