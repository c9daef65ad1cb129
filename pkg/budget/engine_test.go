package budget

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pario-ai/switchboard/pkg/ledger"
	"github.com/pario-ai/switchboard/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func setup(t *testing.T, policies ...models.BudgetPolicy) (*Engine, *ledger.SQLiteLedger, *fakeClock) {
	t.Helper()
	l, err := ledger.New(filepath.Join(t.TempDir(), "budget_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(policies, l, clock.Now), l, clock
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var (
	userU    = models.Owner{Kind: models.OwnerUser, ID: "U"}
	projectP = models.Owner{Kind: models.OwnerProject, ID: "P"}
)

func commitOK(t *testing.T, e *Engine, id string, owners []models.Owner, cost string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	dec, err := e.Authorize(ctx, id, owners, d(cost))
	require.NoError(t, err)
	require.False(t, dec.Denied(), "setup commit %s denied", id)
	require.NoError(t, e.Commit(ctx, models.Transaction{
		ID: id, Timestamp: at, Scopes: dec.Scopes, Provider: "p", Model: "m",
		Cost: d(cost), Outcome: models.OutcomeOK,
	}))
}

func TestUnconfiguredOwnerIsUnlimited(t *testing.T) {
	e, _, clock := setup(t)
	ctx := context.Background()

	dec, err := e.Authorize(ctx, "tx1", []models.Owner{userU}, d("1000"))
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAllow, dec.Outcome)
	require.Equal(t, []models.ScopeKey{{Kind: models.OwnerUser, OwnerID: "U", Period: models.PeriodTotal}}, dec.Scopes)

	commitOK(t, e, "tx2", []models.Owner{userU}, "2.5", clock.Now())
	st := e.Status(userU)
	require.Len(t, st, 1)
	assert.False(t, st[0].Limited)
	assert.Equal(t, "2.5", st[0].Spend.String())
}

func TestExactRemainingIsAllowed(t *testing.T) {
	e, _, clock := setup(t, models.BudgetPolicy{
		Kind: models.OwnerUser, Owner: "U", Period: models.PeriodMonth, Limit: d("1.00"), Overflow: models.OverflowDeny,
	})
	ctx := context.Background()
	commitOK(t, e, "seed", []models.Owner{userU}, "0.999", clock.Now())

	dec, err := e.Authorize(ctx, "exact", []models.Owner{userU}, d("0.001"))
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAllow, dec.Outcome)
	e.Void("exact")

	dec, err = e.Authorize(ctx, "over", []models.Owner{userU}, d("0.002"))
	require.NoError(t, err)
	assert.Equal(t, models.DecisionDeny, dec.Outcome)
	assert.Equal(t, ReasonOverBudget, dec.Reason)
	assert.Equal(t, models.ScopeKey{Kind: models.OwnerUser, OwnerID: "U", Period: models.PeriodMonth}, dec.Scope)
}

func TestWarnThreshold(t *testing.T) {
	e, _, clock := setup(t, models.BudgetPolicy{
		Kind: models.OwnerUser, Owner: "*", Period: models.PeriodDay, Limit: d("10"), WarnAt: 0.8,
	})
	ctx := context.Background()
	commitOK(t, e, "seed", []models.Owner{userU}, "7", clock.Now())

	dec, err := e.Authorize(ctx, "a", []models.Owner{userU}, d("0.5"))
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAllow, dec.Outcome)
	e.Void("a")

	dec, err = e.Authorize(ctx, "b", []models.Owner{userU}, d("1"))
	require.NoError(t, err)
	assert.Equal(t, models.DecisionWarn, dec.Outcome)
	assert.Equal(t, ReasonWarnThreshold, dec.Reason)
}

func TestAllowAndFlagOverflow(t *testing.T) {
	e, _, _ := setup(t, models.BudgetPolicy{
		Kind: models.OwnerTeam, Owner: "T", Period: models.PeriodDay, Limit: d("1"), Overflow: models.OverflowAllowAndFlag,
	})
	dec, err := e.Authorize(context.Background(), "tx", []models.Owner{{Kind: models.OwnerTeam, ID: "T"}}, d("5"))
	require.NoError(t, err)
	assert.Equal(t, models.DecisionWarn, dec.Outcome)
	assert.Equal(t, []string{ReasonOverBudget}, dec.Flags)
}

func TestStrictestScopeWins(t *testing.T) {
	e, _, _ := setup(t,
		models.BudgetPolicy{Kind: models.OwnerUser, Owner: "U", Period: models.PeriodDay, Limit: d("10")},
		models.BudgetPolicy{Kind: models.OwnerProject, Owner: "P", Period: models.PeriodDay, Limit: d("0.001")},
		models.BudgetPolicy{Kind: models.OwnerGlobal, Period: models.PeriodMonth, Limit: d("100"), WarnAt: 0.00001},
	)
	dec, err := e.Authorize(context.Background(), "tx", []models.Owner{userU, projectP}, d("0.01"))
	require.NoError(t, err)
	assert.Equal(t, models.DecisionDeny, dec.Outcome)
	assert.Equal(t, models.OwnerProject, dec.Scope.Kind)
	assert.Len(t, dec.Scopes, 3)
	assert.Equal(t, models.OwnerUser, dec.Scopes[0].Kind, "scopes are in lock order")
	assert.Equal(t, models.OwnerGlobal, dec.Scopes[2].Kind)
}

func TestExactPolicyOverridesWildcard(t *testing.T) {
	e, _, _ := setup(t,
		models.BudgetPolicy{Kind: models.OwnerUser, Owner: "*", Period: models.PeriodDay, Limit: d("5")},
		models.BudgetPolicy{Kind: models.OwnerUser, Owner: "U", Period: models.PeriodDay, Limit: d("1")},
	)
	st := e.Status(userU)
	require.Len(t, st, 1)
	assert.Equal(t, "1", st[0].Limit.String())

	st = e.Status(models.Owner{Kind: models.OwnerUser, ID: "V"})
	require.Len(t, st, 1)
	assert.Equal(t, "5", st[0].Limit.String())
}

func TestConcurrentAuthorizeCannotOverrun(t *testing.T) {
	e, _, _ := setup(t, models.BudgetPolicy{
		Kind: models.OwnerUser, Owner: "U", Period: models.PeriodDay, Limit: d("0.003"),
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]Decision, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dec, err := e.Authorize(ctx, fmt.Sprintf("tx%d", i), []models.Owner{userU}, d("0.002"))
			assert.NoError(t, err)
			results[i] = dec
		}(i)
	}
	wg.Wait()

	allowed := 0
	for _, r := range results {
		if !r.Denied() {
			allowed++
		}
	}
	assert.Equal(t, 1, allowed)
}

func TestVoidReleasesHoldAndIsIdempotent(t *testing.T) {
	e, _, _ := setup(t, models.BudgetPolicy{
		Kind: models.OwnerUser, Owner: "U", Period: models.PeriodDay, Limit: d("1"),
	})
	ctx := context.Background()

	dec, err := e.Authorize(ctx, "a", []models.Owner{userU}, d("0.8"))
	require.NoError(t, err)
	require.False(t, dec.Denied())
	assert.Equal(t, "0.8", e.Status(userU)[0].Held.String())

	dec, err = e.Authorize(ctx, "b", []models.Owner{userU}, d("0.8"))
	require.NoError(t, err)
	assert.True(t, dec.Denied(), "held estimate counts against other transactions")

	e.Void("a")
	e.Void("a")
	e.Void("never-authorized")
	assert.True(t, e.Status(userU)[0].Held.IsZero())
	assert.True(t, e.Status(userU)[0].Spend.IsZero())

	dec, err = e.Authorize(ctx, "b", []models.Owner{userU}, d("0.8"))
	require.NoError(t, err)
	assert.False(t, dec.Denied())
}

func TestReauthorizeReplacesHold(t *testing.T) {
	e, _, _ := setup(t, models.BudgetPolicy{
		Kind: models.OwnerUser, Owner: "U", Period: models.PeriodDay, Limit: d("1"),
	})
	ctx := context.Background()
	_, err := e.Authorize(ctx, "a", []models.Owner{userU}, d("0.6"))
	require.NoError(t, err)
	dec, err := e.Authorize(ctx, "a", []models.Owner{userU}, d("0.9"))
	require.NoError(t, err)
	assert.False(t, dec.Denied(), "a transaction's own hold is not counted twice")
	assert.Equal(t, "0.9", e.Status(userU)[0].Held.String())
}

func TestRolloverResetsSpendOnce(t *testing.T) {
	e, l, clock := setup(t, models.BudgetPolicy{
		Kind: models.OwnerUser, Owner: "U", Period: models.PeriodDay, Limit: d("1"),
	})
	ctx := context.Background()
	clock.Set(time.Date(2025, 3, 1, 23, 59, 0, 0, time.UTC))
	commitOK(t, e, "late", []models.Owner{userU}, "0.9", clock.Now())

	clock.Set(time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("probe%d", i)
			dec, err := e.Authorize(ctx, id, []models.Owner{userU}, d("0.1"))
			assert.NoError(t, err)
			assert.False(t, dec.Denied())
			e.Void(id)
		}(i)
	}
	wg.Wait()

	st := e.Status(userU)[0]
	assert.True(t, st.Spend.IsZero())
	assert.Equal(t, time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), st.Open)

	commitOK(t, e, "early", []models.Owner{userU}, "0.2", clock.Now())
	scope := models.ScopeKey{Kind: models.OwnerUser, OwnerID: "U", Period: models.PeriodDay}
	archived, err := l.ArchivedWindows(ctx, scope)
	require.NoError(t, err)
	require.Len(t, archived, 1, "exactly one rollover per boundary")
	assert.Equal(t, "0.9", archived[0].Spend.String())
	assert.Equal(t, "0.2", e.Status(userU)[0].Spend.String())
}

type failingStore struct {
	Store
	fail bool
}

func (f *failingStore) Append(ctx context.Context, tx models.Transaction, windows []models.Window) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Store.Append(ctx, tx, windows)
}

func TestCommitIsAtomicAcrossScopes(t *testing.T) {
	l, err := ledger.New(filepath.Join(t.TempDir(), "budget_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	store := &failingStore{Store: l, fail: true}
	e := New([]models.BudgetPolicy{
		{Kind: models.OwnerUser, Owner: "U", Period: models.PeriodDay, Limit: d("1")},
		{Kind: models.OwnerProject, Owner: "P", Period: models.PeriodDay, Limit: d("1")},
	}, store, nil)
	ctx := context.Background()

	dec, err := e.Authorize(ctx, "tx", []models.Owner{userU, projectP}, d("0.5"))
	require.NoError(t, err)
	tx := models.Transaction{ID: "tx", Timestamp: time.Now(), Scopes: dec.Scopes, Cost: d("0.5"), Outcome: models.OutcomeOK}

	require.Error(t, e.Commit(ctx, tx))
	assert.True(t, e.Status(userU)[0].Spend.IsZero())
	assert.True(t, e.Status(projectP)[0].Spend.IsZero())
	assert.Equal(t, "0.5", e.Status(userU)[0].Held.String(), "hold survives a failed commit for retry")

	store.fail = false
	require.NoError(t, e.Commit(ctx, tx))
	assert.Equal(t, "0.5", e.Status(userU)[0].Spend.String())
	assert.Equal(t, "0.5", e.Status(projectP)[0].Spend.String())
	assert.True(t, e.Status(userU)[0].Held.IsZero())
}

func TestRefundedDoesNotCharge(t *testing.T) {
	e, l, clock := setup(t, models.BudgetPolicy{
		Kind: models.OwnerUser, Owner: "U", Period: models.PeriodDay, Limit: d("1"),
	})
	ctx := context.Background()
	scopes := e.Scopes([]models.Owner{userU})
	require.NoError(t, e.Commit(ctx, models.Transaction{
		ID: "r", Timestamp: clock.Now(), Scopes: scopes, Cost: d("0.4"), Outcome: models.OutcomeRefunded,
	}))
	assert.True(t, e.Status(userU)[0].Spend.IsZero())

	got, err := l.Get(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeRefunded, got.Outcome)
}

func TestApplyPendingThenReplay(t *testing.T) {
	e, l, clock := setup(t, models.BudgetPolicy{
		Kind: models.OwnerUser, Owner: "U", Period: models.PeriodDay, Limit: d("1"),
	})
	ctx := context.Background()
	dec, err := e.Authorize(ctx, "tx", []models.Owner{userU}, d("0.3"))
	require.NoError(t, err)

	tx := models.Transaction{ID: "tx", Timestamp: clock.Now(), Scopes: dec.Scopes, Cost: d("0.3"), Outcome: models.OutcomePendingCommit}
	e.ApplyPending(tx)
	assert.Equal(t, "0.3", e.Status(userU)[0].Spend.String())

	tx.Outcome = models.OutcomeOK
	require.NoError(t, e.Commit(ctx, tx))
	assert.Equal(t, "0.3", e.Status(userU)[0].Spend.String(), "replay must not charge twice")

	_, err = l.Get(ctx, "tx")
	assert.NoError(t, err)
}

func TestRestoreRecomputesSpend(t *testing.T) {
	policy := models.BudgetPolicy{Kind: models.OwnerUser, Owner: "U", Period: models.PeriodDay, Limit: d("1")}
	e, l, clock := setup(t, policy)
	commitOK(t, e, "a", []models.Owner{userU}, "0.25", clock.Now())
	commitOK(t, e, "b", []models.Owner{userU}, "0.5", clock.Now())

	restarted := New([]models.BudgetPolicy{policy}, l, clock.Now)
	require.NoError(t, restarted.Restore(context.Background()))
	assert.Equal(t, "0.75", restarted.Status(userU)[0].Spend.String())
}

func TestSpendEqualsSumOfCommits(t *testing.T) {
	e, l, clock := setup(t, models.BudgetPolicy{
		Kind: models.OwnerProject, Owner: "P", Period: models.PeriodMonth, Limit: d("1000"),
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("tx%02d", i)
			dec, err := e.Authorize(ctx, id, []models.Owner{projectP, userU}, d("0.01"))
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, e.Commit(ctx, models.Transaction{
				ID: id, Timestamp: clock.Now(), Scopes: dec.Scopes, Cost: d("0.01"), Outcome: models.OutcomeOK,
			}))
		}(i)
	}
	wg.Wait()

	scope := models.ScopeKey{Kind: models.OwnerProject, OwnerID: "P", Period: models.PeriodMonth}
	open, close := models.PeriodMonth.Window(clock.Now())
	fromLedger, err := l.SpendByScope(ctx, scope, open, close)
	require.NoError(t, err)
	assert.Equal(t, "0.2", fromLedger.String())
	assert.True(t, e.Status(projectP)[0].Spend.Equal(fromLedger))
}

func TestHeadroom(t *testing.T) {
	e, _, clock := setup(t,
		models.BudgetPolicy{Kind: models.OwnerUser, Owner: "U", Period: models.PeriodDay, Limit: d("1")},
		models.BudgetPolicy{Kind: models.OwnerProject, Owner: "P", Period: models.PeriodDay, Limit: d("0.5"), Overflow: models.OverflowAllowAndFlag},
	)
	_, ok := e.Headroom([]models.Owner{projectP})
	assert.False(t, ok, "allow_and_flag scopes never limit")

	commitOK(t, e, "a", []models.Owner{userU, projectP}, "0.3", clock.Now())
	left, ok := e.Headroom([]models.Owner{userU, projectP})
	require.True(t, ok)
	assert.Equal(t, "0.7", left.String())
}

func TestCommitAcrossBoundaryStampsChargedWindow(t *testing.T) {
	policy := models.BudgetPolicy{Kind: models.OwnerUser, Owner: "U", Period: models.PeriodHour, Limit: d("10")}
	e, l, clock := setup(t, policy)
	ctx := context.Background()

	dec, err := e.Authorize(ctx, "tx", []models.Owner{userU}, d("1"))
	require.NoError(t, err)
	succeededAt := time.Date(2025, 3, 1, 12, 59, 59, 0, time.UTC)

	clock.Set(time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC))
	require.NoError(t, e.Commit(ctx, models.Transaction{
		ID: "tx", Timestamp: succeededAt, Scopes: dec.Scopes, Cost: d("1"), Outcome: models.OutcomeOK,
	}))

	st := e.Status(userU)[0]
	assert.Equal(t, clock.Now(), st.Open)
	assert.Equal(t, "1", st.Spend.String())

	got, err := l.Get(ctx, "tx")
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), got.Timestamp.UTC())

	scope := dec.Scopes[0]
	fromLedger, err := l.SpendByScope(ctx, scope, st.Open, st.Close)
	require.NoError(t, err)
	assert.True(t, st.Spend.Equal(fromLedger), "ledger %s, memory %s", fromLedger, st.Spend)

	restarted := New([]models.BudgetPolicy{policy}, l, clock.Now)
	require.NoError(t, restarted.Restore(ctx))
	assert.Equal(t, "1", restarted.Status(userU)[0].Spend.String())
}

func TestPendingReplayedInLaterWindowIsCharged(t *testing.T) {
	policy := models.BudgetPolicy{Kind: models.OwnerUser, Owner: "U", Period: models.PeriodDay, Limit: d("1")}
	e, l, clock := setup(t, policy)
	ctx := context.Background()

	clock.Set(time.Date(2025, 3, 1, 23, 59, 0, 0, time.UTC))
	dec, err := e.Authorize(ctx, "tx", []models.Owner{userU}, d("0.4"))
	require.NoError(t, err)
	tx := models.Transaction{ID: "tx", Timestamp: clock.Now(), Scopes: dec.Scopes, Cost: d("0.4"), Outcome: models.OutcomePendingCommit}
	e.ApplyPending(tx)

	clock.Set(time.Date(2025, 3, 2, 0, 5, 0, 0, time.UTC))
	tx.Outcome = models.OutcomeOK
	require.NoError(t, e.Commit(ctx, tx))

	st := e.Status(userU)[0]
	assert.Equal(t, "0.4", st.Spend.String(), "charged in the window the ledger row lands in")

	restarted := New([]models.BudgetPolicy{policy}, l, clock.Now)
	require.NoError(t, restarted.Restore(ctx))
	assert.True(t, restarted.Status(userU)[0].Spend.Equal(st.Spend))
}
