// Package pending holds transactions whose ledger append failed after the
// provider had already been paid, so they can be committed later.
package pending

import (
	"context"
	"errors"

	"github.com/pario-ai/switchboard/pkg/ledger"
	"github.com/pario-ai/switchboard/pkg/models"
	log "github.com/sirupsen/logrus"
)

// Queue is an out-of-band store of pending commits.
type Queue interface {
	// Enqueue stores an entry, replacing any entry with the same transaction id.
	Enqueue(ctx context.Context, p models.PendingCommit) error
	// List returns entries oldest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]models.PendingCommit, error)
	// Remove deletes the entry for a transaction id.
	Remove(ctx context.Context, txID string) error
	// Len returns the number of queued entries.
	Len(ctx context.Context) (int64, error)
	// Close releases resources.
	Close() error
}

// Committer commits a transaction to the ledger.
type Committer interface {
	Commit(ctx context.Context, tx models.Transaction) error
}

// Applier charges a parked transaction in memory.
type Applier interface {
	ApplyPending(tx models.Transaction)
}

// Reapply charges every queued entry in memory, so budgets restored from
// the ledger count spend that is still parked. It returns the number of
// entries applied.
func Reapply(ctx context.Context, q Queue, a Applier) (int, error) {
	entries, err := q.List(ctx, 0)
	if err != nil {
		return 0, err
	}
	for _, p := range entries {
		tx := p.Transaction
		tx.Outcome = models.OutcomePendingCommit
		a.ApplyPending(tx)
	}
	if len(entries) > 0 {
		log.WithField("entries", len(entries)).Info("parked spend re-applied to budgets")
	}
	return len(entries), nil
}

// ReplayReport summarizes a replay run.
type ReplayReport struct {
	Committed int `json:"committed"`
	Duplicate int `json:"duplicate"`
	Failed    int `json:"failed"`
}

// Replay commits every queued entry. Entries the ledger already holds are
// dropped; entries that still fail stay queued.
func Replay(ctx context.Context, q Queue, c Committer) (ReplayReport, error) {
	var report ReplayReport
	entries, err := q.List(ctx, 0)
	if err != nil {
		return report, err
	}

	for _, p := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		tx := p.Transaction
		if tx.Outcome == models.OutcomePendingCommit {
			tx.Outcome = models.OutcomeOK
		}

		err := c.Commit(ctx, tx)
		switch {
		case err == nil:
			report.Committed++
		case errors.Is(err, ledger.ErrDuplicate):
			report.Duplicate++
		default:
			report.Failed++
			log.WithError(err).WithField("tx", tx.ID).Warn("pending commit replay failed")
			continue
		}
		if err := q.Remove(ctx, tx.ID); err != nil {
			return report, err
		}
	}
	return report, nil
}
