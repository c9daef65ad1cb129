package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/switchboard/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	l, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

var (
	userScope    = models.ScopeKey{Kind: models.OwnerUser, OwnerID: "u1", Period: models.PeriodDay}
	projectScope = models.ScopeKey{Kind: models.OwnerProject, OwnerID: "p1", Period: models.PeriodMonth}
)

func sampleTx(id string, at time.Time, cost string, outcome models.Outcome) models.Transaction {
	return models.Transaction{
		ID:               id,
		CorrelationID:    "corr-" + id,
		Timestamp:        at,
		Scopes:           []models.ScopeKey{userScope, projectScope},
		Provider:         "openai",
		Model:            "gpt-4o-mini",
		PromptTokens:     100,
		CompletionTokens: 50,
		Cost:             decimal.RequireFromString(cost),
		Outcome:          outcome,
	}
}

func TestAppendAndGet(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)

	tx := sampleTx("tx1", now, "0.0015", models.OutcomeOK)
	tx.Flags = []string{"over_budget"}
	require.NoError(t, l.Append(ctx, tx, nil))

	got, err := l.Get(ctx, "tx1")
	require.NoError(t, err)
	assert.Equal(t, "0.0015", got.Cost.String())
	assert.Equal(t, now, got.Timestamp)
	assert.Equal(t, []string{"over_budget"}, got.Flags)
	assert.ElementsMatch(t, tx.Scopes, got.Scopes)

	_, err = l.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestAppendRejectsDuplicate(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	tx := sampleTx("tx1", time.Now(), "0.001", models.OutcomeOK)

	require.NoError(t, l.Append(ctx, tx, nil))
	err := l.Append(ctx, tx, nil)
	assert.True(t, errors.Is(err, ErrDuplicate))

	txs, err := l.Transactions(ctx, QueryOpts{})
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestAppendPersistsWindows(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 2, 1, 0, 0, 0, time.UTC)
	open, close := models.PeriodDay.Window(now)
	prevOpen, prevClose := models.PeriodDay.Window(now.AddDate(0, 0, -1))

	windows := []models.Window{
		{Scope: userScope, Open: prevOpen, Close: prevClose, Spend: decimal.RequireFromString("0.9"), Closed: true},
		{Scope: userScope, Open: open, Close: close, Spend: decimal.RequireFromString("0.001")},
	}
	require.NoError(t, l.Append(ctx, sampleTx("tx1", now, "0.001", models.OutcomeOK), windows))

	// Upsert replaces the open window state.
	windows[1].Spend = decimal.RequireFromString("0.002")
	require.NoError(t, l.Append(ctx, sampleTx("tx2", now, "0.001", models.OutcomeOK), windows[1:]))

	openWindows, err := l.OpenWindows(ctx)
	require.NoError(t, err)
	require.Len(t, openWindows, 1)
	assert.Equal(t, "0.002", openWindows[0].Spend.String())
	assert.Equal(t, open, openWindows[0].Open)
	assert.False(t, openWindows[0].Closed)

	archived, err := l.ArchivedWindows(ctx, userScope)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "0.9", archived[0].Spend.String())
	assert.True(t, archived[0].Closed)
}

func TestSpendByScopeCountsOnlyOK(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, l.Append(ctx, sampleTx("a", now, "0.1", models.OutcomeOK), nil))
	require.NoError(t, l.Append(ctx, sampleTx("b", now.Add(time.Minute), "0.2", models.OutcomeOK), nil))
	require.NoError(t, l.Append(ctx, sampleTx("c", now, "5", models.OutcomeRefunded), nil))
	require.NoError(t, l.Append(ctx, sampleTx("d", now.Add(-48*time.Hour), "7", models.OutcomeOK), nil))

	open, close := models.PeriodDay.Window(now)
	spend, err := l.SpendByScope(ctx, userScope, open, close)
	require.NoError(t, err)
	assert.Equal(t, "0.3", spend.String())

	total, err := l.SpendByScope(ctx, userScope, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "7.3", total.String())
}

func TestTransactionsFilters(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, l.Append(ctx, sampleTx("a", now.Add(-time.Hour), "0.1", models.OutcomeOK), nil))
	refund := sampleTx("b", now, "0.2", models.OutcomeRefunded)
	refund.Provider = "anthropic"
	refund.Scopes = []models.ScopeKey{{Kind: models.OwnerUser, OwnerID: "u2", Period: models.PeriodTotal}}
	require.NoError(t, l.Append(ctx, refund, nil))

	all, err := l.Transactions(ctx, QueryOpts{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].ID, "newest first")

	byProvider, err := l.Transactions(ctx, QueryOpts{Provider: "anthropic"})
	require.NoError(t, err)
	assert.Len(t, byProvider, 1)

	byOwner, err := l.Transactions(ctx, QueryOpts{Owner: &models.Owner{Kind: models.OwnerUser, ID: "u1"}})
	require.NoError(t, err)
	require.Len(t, byOwner, 1)
	assert.Equal(t, "a", byOwner[0].ID)

	byOutcome, err := l.Transactions(ctx, QueryOpts{Outcome: models.OutcomeRefunded})
	require.NoError(t, err)
	assert.Len(t, byOutcome, 1)

	limited, err := l.Transactions(ctx, QueryOpts{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	byCorrelation, err := l.Transactions(ctx, QueryOpts{CorrelationID: "corr-a"})
	require.NoError(t, err)
	assert.Len(t, byCorrelation, 1)
}

func TestSummary(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, l.Append(ctx, sampleTx("a", now, "0.1", models.OutcomeOK), nil))
	require.NoError(t, l.Append(ctx, sampleTx("b", now, "0.25", models.OutcomeOK), nil))
	require.NoError(t, l.Append(ctx, sampleTx("c", now, "0.5", models.OutcomeRefunded), nil))

	summary, err := l.Summary(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, summary, 2)
	assert.Equal(t, models.OutcomeOK, summary[0].Outcome)
	assert.Equal(t, 2, summary[0].Count)
	assert.Equal(t, "0.35", summary[0].Cost.String())
	assert.EqualValues(t, 200, summary[0].PromptTokens)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	l, err := New(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(ctx, sampleTx("a", time.Now(), "0.1", models.OutcomeOK), nil))
	require.NoError(t, l.Close())

	l, err = New(path)
	require.NoError(t, err)
	defer l.Close()
	_, err = l.Get(ctx, "a")
	assert.NoError(t, err)
}
