// Package budget enforces spend limits per owner scope and period.
package budget

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pario-ai/switchboard/pkg/models"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// ErrBudgetExceeded is returned when a scope denies a transaction.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Reasons attached to non-ALLOW decisions.
const (
	ReasonOverBudget    = "over_budget"
	ReasonWarnThreshold = "warn_threshold"
)

// globalOwnerID is the owner id used for global scopes.
const globalOwnerID = "global"

// Store persists committed transactions and window state.
type Store interface {
	Append(ctx context.Context, tx models.Transaction, windows []models.Window) error
	OpenWindows(ctx context.Context) ([]models.Window, error)
	SpendByScope(ctx context.Context, scope models.ScopeKey, since, until time.Time) (decimal.Decimal, error)
}

// Decision is the result of Authorize.
type Decision struct {
	Outcome models.Decision   `json:"outcome"`
	Reason  string            `json:"reason,omitempty"`
	Scope   models.ScopeKey   `json:"scope,omitempty"`
	Flags   []string          `json:"flags,omitempty"`
	Scopes  []models.ScopeKey `json:"scopes"`
}

// Denied reports whether the decision blocks the call.
func (d Decision) Denied() bool {
	return d.Outcome == models.DecisionDeny
}

type scopeState struct {
	mu sync.Mutex

	key    models.ScopeKey
	policy *models.BudgetPolicy // nil means unlimited
	open   time.Time
	close  time.Time
	spend  decimal.Decimal
	held   map[string]decimal.Decimal
	// closed windows not yet written to the store
	archive []models.Window
}

// rollover opens a new window if the current one has closed. Callers hold s.mu,
// which makes the reset happen once per boundary.
func (s *scopeState) rollover(now time.Time) {
	if s.close.IsZero() || now.Before(s.close) {
		return
	}
	s.archive = append(s.archive, models.Window{
		Scope:  s.key,
		Open:   s.open,
		Close:  s.close,
		Spend:  s.spend,
		Closed: true,
	})
	log.WithFields(log.Fields{
		"scope": s.key.String(),
		"spend": s.spend.String(),
	}).Debug("budget window rolled over")
	s.open, s.close = s.key.Period.Window(now)
	s.spend = decimal.Zero
}

func (s *scopeState) heldExcept(txID string) decimal.Decimal {
	total := decimal.Zero
	for id, amount := range s.held {
		if id != txID {
			total = total.Add(amount)
		}
	}
	return total
}

func (s *scopeState) evaluate(txID string, estimate decimal.Decimal) (models.Decision, string) {
	if s.policy == nil {
		return models.DecisionAllow, ""
	}
	projected := s.spend.Add(s.heldExcept(txID)).Add(estimate)
	limit := s.policy.Limit
	if projected.GreaterThan(limit) {
		if s.policy.Overflow == models.OverflowAllowAndFlag {
			return models.DecisionWarn, ReasonOverBudget
		}
		return models.DecisionDeny, ReasonOverBudget
	}
	if s.policy.WarnAt > 0 && projected.GreaterThanOrEqual(limit.Mul(decimal.NewFromFloat(s.policy.WarnAt))) {
		return models.DecisionWarn, ReasonWarnThreshold
	}
	return models.DecisionAllow, ""
}

func (s *scopeState) window() models.Window {
	return models.Window{Scope: s.key, Open: s.open, Close: s.close, Spend: s.spend}
}

// Engine authorizes and commits spend against configured budget scopes.
// Authorization is a probe plus a short-lived admission hold on the
// estimate; spend only moves on Commit.
type Engine struct {
	store    Store
	policies []models.BudgetPolicy
	now      func() time.Time

	mu     sync.Mutex
	scopes map[models.ScopeKey]*scopeState
	holds  map[string][]*scopeState
	// transactions whose spend was applied in memory before the store had
	// them, with the time it was applied
	pendingApplied map[string]time.Time
}

// New creates an Engine. A nil clock uses time.Now.
func New(policies []models.BudgetPolicy, store Store, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:          store,
		policies:       policies,
		now:            now,
		scopes:         make(map[models.ScopeKey]*scopeState),
		holds:          make(map[string][]*scopeState),
		pendingApplied: make(map[string]time.Time),
	}
}

// Restore reloads window bounds from the store and recomputes each open
// window's spend from committed transactions.
func (e *Engine) Restore(ctx context.Context) error {
	windows, err := e.store.OpenWindows(ctx)
	if err != nil {
		return fmt.Errorf("restore budget windows: %w", err)
	}
	for _, w := range windows {
		spend, err := e.store.SpendByScope(ctx, w.Scope, w.Open, w.Close)
		if err != nil {
			return fmt.Errorf("restore budget windows: %w", err)
		}
		s := e.state(w.Scope)
		s.mu.Lock()
		s.open, s.close, s.spend = w.Open, w.Close, spend
		s.mu.Unlock()
	}
	log.WithField("windows", len(windows)).Debug("budget windows restored")
	return nil
}

// Scopes resolves the scope keys that apply to owners, in lock order.
// An exact-owner policy replaces a wildcard policy for the same period.
// Owners without any policy get an unlimited total scope for accounting.
func (e *Engine) Scopes(owners []models.Owner) []models.ScopeKey {
	set := make(map[models.ScopeKey]struct{})
	for _, p := range e.policies {
		if p.Kind == models.OwnerGlobal {
			set[models.ScopeKey{Kind: models.OwnerGlobal, OwnerID: globalOwnerID, Period: p.Period}] = struct{}{}
		}
	}
	for _, o := range owners {
		if o.Kind == models.OwnerGlobal {
			continue
		}
		matched := false
		for _, p := range e.policies {
			if p.Matches(o) {
				matched = true
				set[models.ScopeKey{Kind: o.Kind, OwnerID: o.ID, Period: p.Period}] = struct{}{}
			}
		}
		if !matched {
			set[models.ScopeKey{Kind: o.Kind, OwnerID: o.ID, Period: models.PeriodTotal}] = struct{}{}
		}
	}

	keys := make([]models.ScopeKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// policyFor picks the policy governing key, preferring an exact owner match.
func (e *Engine) policyFor(key models.ScopeKey) *models.BudgetPolicy {
	var wildcard *models.BudgetPolicy
	for i := range e.policies {
		p := &e.policies[i]
		if p.Kind != key.Kind || p.Period != key.Period {
			continue
		}
		switch {
		case p.Kind == models.OwnerGlobal:
			return p
		case p.Owner == key.OwnerID:
			return p
		case p.Owner == "*":
			wildcard = p
		}
	}
	return wildcard
}

func (e *Engine) state(key models.ScopeKey) *scopeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.scopes[key]
	if !ok {
		open, close := key.Period.Window(e.now())
		s = &scopeState{
			key:    key,
			policy: e.policyFor(key),
			open:   open,
			close:  close,
			spend:  decimal.Zero,
			held:   make(map[string]decimal.Decimal),
		}
		e.scopes[key] = s
	}
	return s
}

// lockStates locks the states for keys in global order. keys must be sorted.
func (e *Engine) lockStates(keys []models.ScopeKey) []*scopeState {
	states := make([]*scopeState, len(keys))
	for i, k := range keys {
		states[i] = e.state(k)
	}
	for _, s := range states {
		s.mu.Lock()
	}
	return states
}

func unlockStates(states []*scopeState) {
	for i := len(states) - 1; i >= 0; i-- {
		states[i].mu.Unlock()
	}
}

func sortedKeys(keys []models.ScopeKey) []models.ScopeKey {
	out := make([]models.ScopeKey, 0, len(keys))
	seen := make(map[models.ScopeKey]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Authorize checks estimate against every scope that applies to owners.
// The strictest outcome wins. Unless denied, the estimate is held against
// the scopes under txID until Commit or Void, so concurrent callers cannot
// jointly overrun a limit. Re-authorizing txID replaces its hold.
func (e *Engine) Authorize(ctx context.Context, txID string, owners []models.Owner, estimate decimal.Decimal) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	e.release(txID)

	keys := e.Scopes(owners)
	states := e.lockStates(keys)
	defer unlockStates(states)

	now := e.now()
	decision := Decision{Outcome: models.DecisionAllow, Scopes: keys}
	for _, s := range states {
		s.rollover(now)
		outcome, reason := s.evaluate(txID, estimate)
		if reason == ReasonOverBudget && outcome == models.DecisionWarn {
			decision.Flags = appendFlag(decision.Flags, ReasonOverBudget)
		}
		if outcome.Severity() > decision.Outcome.Severity() {
			decision.Outcome, decision.Reason, decision.Scope = outcome, reason, s.key
		}
	}

	fields := log.Fields{"tx": txID, "estimate": estimate.String(), "scope": decision.Scope.String()}
	switch decision.Outcome {
	case models.DecisionDeny:
		log.WithFields(fields).Info("budget denied")
		return decision, nil
	case models.DecisionWarn:
		log.WithFields(fields).WithField("reason", decision.Reason).Warn("budget warning")
	}

	for _, s := range states {
		s.held[txID] = estimate
	}
	e.mu.Lock()
	e.holds[txID] = states
	e.mu.Unlock()
	return decision, nil
}

func appendFlag(flags []string, flag string) []string {
	for _, f := range flags {
		if f == flag {
			return flags
		}
	}
	return append(flags, flag)
}

// release drops txID's admission hold, if any.
func (e *Engine) release(txID string) {
	e.mu.Lock()
	states, ok := e.holds[txID]
	delete(e.holds, txID)
	e.mu.Unlock()
	if !ok {
		return
	}
	for _, s := range states {
		s.mu.Lock()
		delete(s.held, txID)
		s.mu.Unlock()
	}
}

// Void abandons txID without charging anything. It is idempotent.
func (e *Engine) Void(txID string) {
	e.release(txID)
}

// Commit appends tx to the store and, for charging outcomes, advances the
// spend of every scope in tx.Scopes. Store and memory change together:
// scope locks are held across the append, and memory is only updated
// after the append is durable. Commit never fails because of a limit.
//
// The stored transaction is stamped with the commit time, so it always
// falls inside the windows it charged.
func (e *Engine) Commit(ctx context.Context, tx models.Transaction) error {
	keys := sortedKeys(tx.Scopes)
	states := e.lockStates(keys)
	defer unlockStates(states)

	e.mu.Lock()
	appliedAt, alreadyApplied := e.pendingApplied[tx.ID]
	e.mu.Unlock()

	now := e.now()
	tx.Timestamp = now.UTC()
	var windows []models.Window
	charge := make([]bool, len(states))
	for i, s := range states {
		s.rollover(now)
		windows = append(windows, s.archive...)
		// A pending charge applied in an earlier window was dropped by the
		// rollover and is charged again here.
		charge[i] = tx.Outcome.Charges() && !(alreadyApplied && !appliedAt.Before(s.open))
		w := s.window()
		if charge[i] {
			w.Spend = w.Spend.Add(tx.Cost)
		}
		windows = append(windows, w)
	}

	if err := e.store.Append(ctx, tx, windows); err != nil {
		return fmt.Errorf("commit %s: %w", tx.ID, err)
	}

	for i, s := range states {
		s.archive = nil
		if charge[i] {
			s.spend = s.spend.Add(tx.Cost)
		}
		delete(s.held, tx.ID)
	}

	e.mu.Lock()
	delete(e.holds, tx.ID)
	delete(e.pendingApplied, tx.ID)
	e.mu.Unlock()

	log.WithFields(log.Fields{
		"tx":      tx.ID,
		"cost":    tx.Cost.String(),
		"outcome": tx.Outcome,
		"scopes":  len(keys),
	}).Debug("transaction committed")
	return nil
}

// ApplyPending charges tx in memory when the store could not take it. A
// later Commit of the same transaction persists it without charging twice.
func (e *Engine) ApplyPending(tx models.Transaction) {
	keys := sortedKeys(tx.Scopes)
	states := e.lockStates(keys)
	defer unlockStates(states)

	now := e.now()
	for _, s := range states {
		s.rollover(now)
		if tx.Outcome.Charges() || tx.Outcome == models.OutcomePendingCommit {
			s.spend = s.spend.Add(tx.Cost)
		}
		delete(s.held, tx.ID)
	}

	e.mu.Lock()
	delete(e.holds, tx.ID)
	e.pendingApplied[tx.ID] = now
	e.mu.Unlock()
}

// Status reports every scope that applies to owner.
func (e *Engine) Status(owner models.Owner) []models.BudgetStatus {
	var keys []models.ScopeKey
	if owner.Kind == models.OwnerGlobal {
		for _, k := range e.Scopes(nil) {
			if k.Kind == models.OwnerGlobal {
				keys = append(keys, k)
			}
		}
	} else {
		for _, k := range e.Scopes([]models.Owner{owner}) {
			if k.Owner() == owner {
				keys = append(keys, k)
			}
		}
	}

	now := e.now()
	out := make([]models.BudgetStatus, 0, len(keys))
	for _, k := range keys {
		s := e.state(k)
		s.mu.Lock()
		s.rollover(now)
		st := models.BudgetStatus{
			Scope: k,
			Spend: s.spend,
			Held:  s.heldExcept(""),
			Open:  s.open,
			Close: s.close,
		}
		if s.policy != nil {
			st.Limited = true
			st.Limit = s.policy.Limit
			st.Remaining = decimal.Max(decimal.Zero, s.policy.Limit.Sub(s.spend))
		}
		s.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Headroom returns the smallest amount any denying scope of owners can
// still absorb. ok is false when no denying scope applies.
func (e *Engine) Headroom(owners []models.Owner) (amount decimal.Decimal, ok bool) {
	now := e.now()
	for _, k := range e.Scopes(owners) {
		s := e.state(k)
		s.mu.Lock()
		s.rollover(now)
		if s.policy != nil && s.policy.Overflow != models.OverflowAllowAndFlag {
			left := s.policy.Limit.Sub(s.spend).Sub(s.heldExcept(""))
			if !ok || left.LessThan(amount) {
				amount, ok = left, true
			}
		}
		s.mu.Unlock()
	}
	return amount, ok
}
