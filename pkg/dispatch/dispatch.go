// Package dispatch runs a request against the best available model:
// it ranks candidates, admits the call against budgets, calls the
// provider, and records spend and health, falling back down the candidate
// list when a provider fails.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pario-ai/switchboard/pkg/alert"
	"github.com/pario-ai/switchboard/pkg/budget"
	"github.com/pario-ai/switchboard/pkg/catalog"
	"github.com/pario-ai/switchboard/pkg/events"
	"github.com/pario-ai/switchboard/pkg/health"
	"github.com/pario-ai/switchboard/pkg/metrics"
	"github.com/pario-ai/switchboard/pkg/models"
	"github.com/pario-ai/switchboard/pkg/pending"
	"github.com/pario-ai/switchboard/pkg/provider"
	"github.com/pario-ai/switchboard/pkg/selector"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// FlagEstimatedUsage marks a transaction priced from the request estimate
// because the provider reported no token usage.
const FlagEstimatedUsage = "estimated_usage"

// Config bounds a single dispatch.
type Config struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	LedgerRetries  int           `yaml:"ledger_retries"`
	LedgerBackoff  time.Duration `yaml:"ledger_backoff"`
}

// DefaultConfig returns the standard dispatch bounds.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		AttemptTimeout: 30 * time.Second,
		LedgerRetries:  3,
		LedgerBackoff:  100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.LedgerRetries <= 0 {
		c.LedgerRetries = d.LedgerRetries
	}
	if c.LedgerBackoff < 0 {
		c.LedgerBackoff = 0
	}
	return c
}

// CatalogSource hands out the current pricing snapshot.
type CatalogSource interface {
	Snapshot() *catalog.Snapshot
}

// AttemptLog records provider attempts.
type AttemptLog interface {
	Log(ctx context.Context, a models.Attempt) error
}

// Deps are the collaborators of a Dispatcher. Catalog, Health, Budget and
// Providers are required; the rest may be nil.
type Deps struct {
	Catalog   CatalogSource
	Health    *health.Registry
	Budget    *budget.Engine
	Providers *provider.Registry

	Pending pending.Queue
	Audit   AttemptLog
	Metrics *metrics.Collector
	Events  events.Publisher
	Alerts  alert.Notifier

	// Now and NewID are for tests.
	Now   func() time.Time
	NewID func() string
}

// Result is a successful dispatch.
type Result struct {
	Response    *models.Response   `json:"response"`
	Transaction models.Transaction `json:"transaction"`
	Candidate   models.Candidate   `json:"candidate"`
	Decision    budget.Decision    `json:"decision"`
	Attempts    []models.Attempt   `json:"attempts"`
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	cfg  Config
	deps Deps
}

// New validates deps and returns a Dispatcher.
func New(cfg Config, deps Deps) (*Dispatcher, error) {
	switch {
	case deps.Catalog == nil:
		return nil, newError(KindConfiguration, "catalog is required", nil, nil)
	case deps.Health == nil:
		return nil, newError(KindConfiguration, "health registry is required", nil, nil)
	case deps.Budget == nil:
		return nil, newError(KindConfiguration, "budget engine is required", nil, nil)
	case deps.Providers == nil:
		return nil, newError(KindConfiguration, "provider registry is required", nil, nil)
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Alerts == nil {
		deps.Alerts = alert.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	return &Dispatcher{cfg: cfg.withDefaults(), deps: deps}, nil
}

type headroom struct {
	amount decimal.Decimal
	ok     bool
}

func (h headroom) Fits(cost decimal.Decimal) bool {
	return !h.ok || cost.LessThanOrEqual(h.amount)
}

// run is the state of one dispatch.
type run struct {
	corrID     string
	txID       string
	req        *models.Request
	owners     []models.Owner
	attempts   []models.Attempt
	suppressed map[string]bool
}

// Dispatch executes req on the best candidate for criteria, charging the
// scopes of owners. At most one OK transaction is committed per call.
func (d *Dispatcher) Dispatch(ctx context.Context, req *models.Request, criteria models.Criteria, owners []models.Owner) (*Result, error) {
	if req == nil {
		req = &models.Request{}
	}
	res, err := d.dispatch(ctx, req, criteria, owners)
	if err != nil {
		var de *Error
		if errors.As(err, &de) {
			d.deps.Metrics.Dispatch(string(de.Kind))
		}
		return nil, err
	}
	d.deps.Metrics.Dispatch("ok")
	return res, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, req *models.Request, criteria models.Criteria, owners []models.Owner) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, d.contextError(ctx, nil, err)
	}

	r := &run{
		corrID:     req.CorrelationID,
		txID:       d.deps.NewID(),
		req:        req,
		owners:     owners,
		suppressed: make(map[string]bool),
	}
	if r.corrID == "" {
		r.corrID = r.txID
	}

	snap := d.deps.Catalog.Snapshot()
	room, ok := d.deps.Budget.Headroom(owners)
	candidates := selector.Select(selector.Input{
		Request:  req,
		Criteria: criteria,
		Catalog:  snap,
		Health:   d.deps.Health.Snapshot(),
		Budget:   headroom{amount: room, ok: ok},
	})
	if len(candidates) == 0 {
		return nil, newError(KindNoEligibleModel, "no model satisfies the criteria", nil, nil)
	}

	total := time.Duration(d.cfg.MaxAttempts) * d.cfg.AttemptTimeout
	dctx, cancel := context.WithTimeout(ctx, total)
	defer cancel()
	// Any hold still registered when the dispatch ends is abandoned.
	defer d.deps.Budget.Void(r.txID)

	logger := log.WithField("correlation_id", r.corrID)
	for _, c := range candidates {
		if len(r.attempts) >= d.cfg.MaxAttempts {
			break
		}
		if r.suppressed[c.Descriptor.Provider] {
			continue
		}
		adapter, ok := d.deps.Providers.Get(c.Descriptor.Provider)
		if !ok {
			logger.WithField("provider", c.Descriptor.Provider).Warn("no adapter for candidate provider")
			continue
		}
		if err := dctx.Err(); err != nil {
			return nil, d.contextError(ctx, r.attempts, err)
		}

		decision, err := d.deps.Budget.Authorize(dctx, r.txID, owners, c.EstimatedCost)
		if err != nil {
			return nil, d.contextError(ctx, r.attempts, err)
		}
		d.deps.Metrics.BudgetDecision(decision.Outcome)
		if decision.Denied() {
			e := newError(KindBudgetExceeded, decision.Reason, r.attempts, budget.ErrBudgetExceeded)
			e.Scope = decision.Scope
			return nil, e
		}

		resp, attempt, callErr := d.call(dctx, adapter, c, r)
		if callErr == nil {
			return d.succeed(ctx, r, c, decision, resp)
		}

		if usage, billable := provider.BillableUsage(callErr); billable {
			d.refund(ctx, r, c, decision, usage)
		}

		if cerr := ctx.Err(); errors.Is(cerr, context.Canceled) {
			return nil, d.contextError(ctx, r.attempts, cerr)
		}

		switch attempt.Kind {
		case models.ErrInvalidRequest:
			return nil, newError(KindCallerError, callErr.Error(), r.attempts, callErr)
		case models.ErrAuth, models.ErrQuota, models.ErrRateLimited:
			r.suppressed[c.Descriptor.Provider] = true
		}
		d.deps.Health.RecordFailure(c.Descriptor.Provider, attempt.Kind)
		d.reportStatus(c.Descriptor.Provider)
		logger.WithFields(log.Fields{
			"provider": c.Descriptor.Provider,
			"model":    c.Descriptor.Model,
			"kind":     attempt.Kind,
			"attempt":  attempt.Number,
		}).WithError(callErr).Warn("provider attempt failed")

		if err := dctx.Err(); err != nil {
			return nil, d.contextError(ctx, r.attempts, err)
		}
	}

	return nil, newError(KindAllProvidersFailed, "", r.attempts, nil)
}

// call makes one provider attempt under the per-attempt deadline.
func (d *Dispatcher) call(ctx context.Context, adapter provider.Adapter, c models.Candidate, r *run) (*models.Response, models.Attempt, error) {
	actx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	attempt := models.Attempt{
		CorrelationID: r.corrID,
		Number:        len(r.attempts) + 1,
		Provider:      c.Descriptor.Provider,
		Model:         c.Descriptor.Model,
		StartedAt:     d.deps.Now(),
	}
	start := time.Now()
	resp, err := adapter.Complete(actx, c.Descriptor.Model, r.req)
	attempt.Latency = time.Since(start)

	if err == nil && resp == nil {
		err = &provider.Error{Provider: c.Descriptor.Provider, Kind: models.ErrUnknown, Err: errors.New("empty response")}
	}
	if err != nil {
		attempt.Kind = provider.Classify(err)
		if errors.Is(err, context.Canceled) || errors.Is(actx.Err(), context.Canceled) {
			attempt.Kind = models.ErrCanceled
		}
		attempt.Error = err.Error()
		if usage, ok := provider.BillableUsage(err); ok {
			attempt.Billable = true
			attempt.Usage = usage
		}
	} else {
		attempt.Usage = resp.Usage
	}

	r.attempts = append(r.attempts, attempt)
	d.deps.Metrics.Attempt(attempt)
	if aerr := d.logAttempt(ctx, attempt); aerr != nil {
		log.WithError(aerr).Warn("audit log write failed")
	}
	return resp, attempt, err
}

func (d *Dispatcher) logAttempt(ctx context.Context, a models.Attempt) error {
	if d.deps.Audit == nil {
		return nil
	}
	return d.deps.Audit.Log(context.WithoutCancel(ctx), a)
}

// succeed commits the charge for a provider success. The spend was
// incurred, so the commit runs even if the caller has gone away.
func (d *Dispatcher) succeed(ctx context.Context, r *run, c models.Candidate, decision budget.Decision, resp *models.Response) (*Result, error) {
	if resp.Latency == 0 {
		resp.Latency = r.attempts[len(r.attempts)-1].Latency
	}
	d.deps.Health.RecordSuccess(c.Descriptor.Provider, resp.Latency)
	d.reportStatus(c.Descriptor.Provider)

	tx := models.Transaction{
		ID:               r.txID,
		CorrelationID:    r.corrID,
		Timestamp:        d.deps.Now().UTC(),
		Scopes:           decision.Scopes,
		Provider:         c.Descriptor.Provider,
		Model:            c.Descriptor.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Outcome:          models.OutcomeOK,
		Flags:            append([]string(nil), decision.Flags...),
	}
	if decision.Outcome == models.DecisionWarn && decision.Reason == budget.ReasonWarnThreshold {
		tx.Flags = append(tx.Flags, budget.ReasonWarnThreshold)
	}
	if resp.Usage.Total() == 0 {
		tx.PromptTokens = r.req.EstimatedPromptTokens()
		tx.CompletionTokens = r.req.CompletionBudget()
		tx.Flags = append(tx.Flags, FlagEstimatedUsage)
	}
	tx.Cost = catalog.Price(c.Descriptor, tx.PromptTokens, tx.CompletionTokens).
		Add(catalog.MediaPrice(c.Descriptor, r.req.Images, r.req.AudioSeconds))

	cctx := context.WithoutCancel(ctx)
	if err := d.commitWithRetry(cctx, tx); err != nil {
		tx = d.park(cctx, tx, err)
	} else {
		d.deps.Metrics.Spend(tx)
		d.publish(cctx, tx)
	}

	if resp.Provider == "" {
		resp.Provider = c.Descriptor.Provider
	}
	if resp.Model == "" {
		resp.Model = c.Descriptor.Model
	}
	return &Result{
		Response:    resp,
		Transaction: tx,
		Candidate:   c,
		Decision:    decision,
		Attempts:    r.attempts,
	}, nil
}

func (d *Dispatcher) commitWithRetry(ctx context.Context, tx models.Transaction) error {
	var err error
	backoff := d.cfg.LedgerBackoff
	for i := 0; i < d.cfg.LedgerRetries; i++ {
		if i > 0 && backoff > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		if err = d.deps.Budget.Commit(ctx, tx); err == nil {
			return nil
		}
		log.WithError(err).WithFields(log.Fields{
			"tx":      tx.ID,
			"attempt": i + 1,
		}).Warn("ledger commit failed")
	}
	return err
}

// park routes a transaction the ledger would not take to the pending
// queue and charges it in memory so budgets stay honest until replay.
func (d *Dispatcher) park(ctx context.Context, tx models.Transaction, cause error) models.Transaction {
	tx.Outcome = models.OutcomePendingCommit
	d.deps.Budget.ApplyPending(tx)
	d.deps.Metrics.PendingCommit()

	tags := map[string]string{
		"tx":             tx.ID,
		"correlation_id": tx.CorrelationID,
		"provider":       tx.Provider,
		"model":          tx.Model,
		"cost":           tx.Cost.String(),
	}
	if d.deps.Pending != nil {
		err := d.deps.Pending.Enqueue(ctx, models.PendingCommit{
			Transaction: tx,
			Reason:      cause.Error(),
			QueuedAt:    d.deps.Now().UTC(),
		})
		if err != nil {
			cause = fmt.Errorf("%v; enqueue pending commit: %w", cause, err)
		}
	} else {
		tags["queue"] = "none"
	}
	d.deps.Alerts.Notify(ctx, fmt.Errorf("transaction %s pending commit: %w", tx.ID, cause), tags)
	return tx
}

// refund records a billable provider failure. The entry shares the
// dispatch's correlation id but never advances spend.
func (d *Dispatcher) refund(ctx context.Context, r *run, c models.Candidate, decision budget.Decision, usage models.Usage) {
	tx := models.Transaction{
		ID:               d.deps.NewID(),
		CorrelationID:    r.corrID,
		Timestamp:        d.deps.Now().UTC(),
		Scopes:           decision.Scopes,
		Provider:         c.Descriptor.Provider,
		Model:            c.Descriptor.Model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		Cost:             catalog.Price(c.Descriptor, usage.PromptTokens, usage.CompletionTokens),
		Outcome:          models.OutcomeRefunded,
	}
	cctx := context.WithoutCancel(ctx)
	if err := d.deps.Budget.Commit(cctx, tx); err != nil {
		log.WithError(err).WithField("tx", tx.ID).Warn("refund commit failed")
		return
	}
	d.publish(cctx, tx)
}

func (d *Dispatcher) publish(ctx context.Context, tx models.Transaction) {
	if err := d.deps.Events.Publish(ctx, tx); err != nil {
		log.WithError(err).WithField("tx", tx.ID).Warn("transaction event not published")
	}
}

func (d *Dispatcher) reportStatus(provider string) {
	if d.deps.Metrics == nil {
		return
	}
	status, _ := d.deps.Health.Status(provider)
	d.deps.Metrics.ProviderStatus(provider, status)
}

// contextError maps an ended context to Canceled or DispatchTimeout. The
// caller's own cancellation wins over the dispatch deadline.
func (d *Dispatcher) contextError(ctx context.Context, attempts []models.Attempt, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return newError(KindCanceled, "", attempts, context.Canceled)
	}
	return newError(KindDispatchTimeout, "", attempts, context.DeadlineExceeded)
}
