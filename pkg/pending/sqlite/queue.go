// Package sqlite implements the pending-commit queue on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pario-ai/switchboard/pkg/models"
	_ "modernc.org/sqlite"
)

// Queue is a pending-commit queue backed by its own SQLite file, so it
// stays writable when the ledger database is not.
type Queue struct {
	db       *sql.DB
	enqueued atomic.Int64
	removed  atomic.Int64
}

const createPendingTable = `
CREATE TABLE IF NOT EXISTS pending_commits (
	transaction_id TEXT PRIMARY KEY,
	payload BLOB NOT NULL,
	reason TEXT NOT NULL,
	queued_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_queued ON pending_commits(queued_at);
`

// New opens the queue database at dbPath.
func New(dbPath string) (*Queue, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open pending db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, p := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=FULL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure pending db: %w", err)
		}
	}
	if _, err := db.Exec(createPendingTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate pending db: %w", err)
	}
	return &Queue{db: db}, nil
}

// Enqueue implements pending.Queue.
func (q *Queue) Enqueue(ctx context.Context, p models.PendingCommit) error {
	if p.QueuedAt.IsZero() {
		p.QueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(p.Transaction)
	if err != nil {
		return fmt.Errorf("encode pending commit: %w", err)
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pending_commits (transaction_id, payload, reason, queued_at) VALUES (?, ?, ?, ?)`,
		p.Transaction.ID, payload, p.Reason, p.QueuedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("enqueue pending commit: %w", err)
	}
	q.enqueued.Add(1)
	return nil
}

// List implements pending.Queue.
func (q *Queue) List(ctx context.Context, limit int) ([]models.PendingCommit, error) {
	query := `SELECT payload, reason, queued_at FROM pending_commits ORDER BY queued_at, transaction_id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list pending commits: %w", err)
	}
	defer rows.Close()

	var out []models.PendingCommit
	for rows.Next() {
		var payload []byte
		var p models.PendingCommit
		var queued int64
		if err := rows.Scan(&payload, &p.Reason, &queued); err != nil {
			return nil, fmt.Errorf("scan pending commit: %w", err)
		}
		if err := json.Unmarshal(payload, &p.Transaction); err != nil {
			return nil, fmt.Errorf("decode pending commit: %w", err)
		}
		p.QueuedAt = time.Unix(0, queued).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// Remove implements pending.Queue.
func (q *Queue) Remove(ctx context.Context, txID string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM pending_commits WHERE transaction_id = ?`, txID)
	if err != nil {
		return fmt.Errorf("remove pending commit: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		q.removed.Add(n)
	}
	return nil
}

// Len implements pending.Queue.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	var n int64
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_commits`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending commits: %w", err)
	}
	return n, nil
}

// Counters returns how many entries this process enqueued and removed.
func (q *Queue) Counters() (enqueued, removed int64) {
	return q.enqueued.Load(), q.removed.Load()
}

// Close releases the database connection.
func (q *Queue) Close() error {
	return q.db.Close()
}
