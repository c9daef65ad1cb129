// Package ledger persists budget transactions and scope windows.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pario-ai/switchboard/pkg/models"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a transaction id is unknown.
	ErrNotFound = errors.New("transaction not found")
	// ErrDuplicate is returned when appending a transaction id twice.
	ErrDuplicate = errors.New("duplicate transaction")
)

// Ledger is an append-only store of transactions. Append must be durable
// before it returns.
type Ledger interface {
	// Append stores tx together with the post-commit state of every window
	// it touched. Closed windows are archived. The write is atomic.
	Append(ctx context.Context, tx models.Transaction, windows []models.Window) error
	// Get returns a single transaction.
	Get(ctx context.Context, id string) (models.Transaction, error)
	// Transactions lists transactions newest first.
	Transactions(ctx context.Context, opts QueryOpts) ([]models.Transaction, error)
	// SpendByScope sums charging transactions for scope in [since, until).
	SpendByScope(ctx context.Context, scope models.ScopeKey, since, until time.Time) (decimal.Decimal, error)
	// OpenWindows returns the last persisted open window of every scope.
	OpenWindows(ctx context.Context) ([]models.Window, error)
	// ArchivedWindows returns closed windows for scope, oldest first.
	ArchivedWindows(ctx context.Context, scope models.ScopeKey) ([]models.Window, error)
	// Summary aggregates transactions since a given time.
	Summary(ctx context.Context, since time.Time) ([]models.LedgerSummary, error)
	// Close releases resources.
	Close() error
}

// QueryOpts filters Transactions. Zero values do not filter.
type QueryOpts struct {
	CorrelationID string
	Provider      string
	Outcome       models.Outcome
	Owner         *models.Owner
	Since         time.Time
	Limit         int
}

// SQLiteLedger implements Ledger with a SQLite database.
type SQLiteLedger struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	correlation_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	cost TEXT NOT NULL,
	outcome TEXT NOT NULL,
	flags TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tx_time ON transactions(created_at);
CREATE INDEX IF NOT EXISTS idx_tx_correlation ON transactions(correlation_id);

CREATE TABLE IF NOT EXISTS transaction_scopes (
	transaction_id TEXT NOT NULL REFERENCES transactions(id),
	kind TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	period TEXT NOT NULL,
	PRIMARY KEY (transaction_id, kind, owner_id, period)
);
CREATE INDEX IF NOT EXISTS idx_txs_scope ON transaction_scopes(kind, owner_id, period);

CREATE TABLE IF NOT EXISTS scope_windows (
	kind TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	period TEXT NOT NULL,
	window_open INTEGER NOT NULL,
	window_close INTEGER NOT NULL,
	spend TEXT NOT NULL,
	PRIMARY KEY (kind, owner_id, period)
);

CREATE TABLE IF NOT EXISTS scope_window_archive (
	kind TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	period TEXT NOT NULL,
	window_open INTEGER NOT NULL,
	window_close INTEGER NOT NULL,
	spend TEXT NOT NULL,
	PRIMARY KEY (kind, owner_id, period, window_open)
);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=FULL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
}

// New opens (or creates) the ledger database and runs migrations.
func New(dbPath string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	// One connection keeps per-connection pragmas in force and serializes writers.
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure ledger db: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

// Close closes the database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// Append implements Ledger.
func (l *SQLiteLedger) Append(ctx context.Context, t models.Transaction, windows []models.Window) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE id = ?`, t.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("append transaction %s: %w", t.ID, ErrDuplicate)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transactions (id, correlation_id, created_at, provider, model, prompt_tokens, completion_tokens, cost, outcome, flags)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.CorrelationID, toNanos(t.Timestamp), t.Provider, t.Model,
		t.PromptTokens, t.CompletionTokens, t.Cost.String(), string(t.Outcome), strings.Join(t.Flags, ","),
	)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}

	for _, s := range t.Scopes {
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO transaction_scopes (transaction_id, kind, owner_id, period) VALUES (?, ?, ?, ?)`,
			t.ID, string(s.Kind), s.OwnerID, string(s.Period),
		)
		if err != nil {
			return fmt.Errorf("append transaction scope: %w", err)
		}
	}

	for _, w := range windows {
		if err := saveWindow(ctx, tx, w); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func saveWindow(ctx context.Context, tx *sql.Tx, w models.Window) error {
	if w.Closed {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO scope_window_archive (kind, owner_id, period, window_open, window_close, spend)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			string(w.Scope.Kind), w.Scope.OwnerID, string(w.Scope.Period),
			toNanos(w.Open), toNanos(w.Close), w.Spend.String(),
		)
		if err != nil {
			return fmt.Errorf("archive window: %w", err)
		}
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO scope_windows (kind, owner_id, period, window_open, window_close, spend)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (kind, owner_id, period) DO UPDATE SET
			window_open = excluded.window_open,
			window_close = excluded.window_close,
			spend = excluded.spend`,
		string(w.Scope.Kind), w.Scope.OwnerID, string(w.Scope.Period),
		toNanos(w.Open), toNanos(w.Close), w.Spend.String(),
	)
	if err != nil {
		return fmt.Errorf("save window: %w", err)
	}
	return nil
}

// Get implements Ledger.
func (l *SQLiteLedger) Get(ctx context.Context, id string) (models.Transaction, error) {
	txs, err := l.query(ctx, `WHERE t.id = ?`, []any{id}, 1)
	if err != nil {
		return models.Transaction{}, err
	}
	if len(txs) == 0 {
		return models.Transaction{}, fmt.Errorf("get transaction %s: %w", id, ErrNotFound)
	}
	return txs[0], nil
}

// Transactions implements Ledger.
func (l *SQLiteLedger) Transactions(ctx context.Context, opts QueryOpts) ([]models.Transaction, error) {
	var where []string
	var args []any
	if opts.CorrelationID != "" {
		where = append(where, "t.correlation_id = ?")
		args = append(args, opts.CorrelationID)
	}
	if opts.Provider != "" {
		where = append(where, "t.provider = ?")
		args = append(args, opts.Provider)
	}
	if opts.Outcome != "" {
		where = append(where, "t.outcome = ?")
		args = append(args, string(opts.Outcome))
	}
	if !opts.Since.IsZero() {
		where = append(where, "t.created_at >= ?")
		args = append(args, toNanos(opts.Since))
	}
	if opts.Owner != nil {
		where = append(where, "EXISTS (SELECT 1 FROM transaction_scopes s WHERE s.transaction_id = t.id AND s.kind = ? AND s.owner_id = ?)")
		args = append(args, string(opts.Owner.Kind), opts.Owner.ID)
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	return l.query(ctx, clause, args, opts.Limit)
}

func (l *SQLiteLedger) query(ctx context.Context, clause string, args []any, limit int) ([]models.Transaction, error) {
	q := `SELECT t.id, t.correlation_id, t.created_at, t.provider, t.model, t.prompt_tokens,
		t.completion_tokens, t.cost, t.outcome, t.flags FROM transactions t ` + clause +
		` ORDER BY t.created_at DESC, t.id`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	var out []models.Transaction
	for rows.Next() {
		var t models.Transaction
		var ts int64
		var cost, outcome, flags string
		if err := rows.Scan(&t.ID, &t.CorrelationID, &ts, &t.Provider, &t.Model,
			&t.PromptTokens, &t.CompletionTokens, &cost, &outcome, &flags); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Timestamp = fromNanos(ts)
		t.Outcome = models.Outcome(outcome)
		if t.Cost, err = decimal.NewFromString(cost); err != nil {
			rows.Close()
			return nil, fmt.Errorf("parse cost of %s: %w", t.ID, err)
		}
		if flags != "" {
			t.Flags = strings.Split(flags, ",")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Scopes are loaded after the row cursor is released; the pool has one connection.
	for i := range out {
		scopes, err := l.scopes(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Scopes = scopes
	}
	return out, nil
}

func (l *SQLiteLedger) scopes(ctx context.Context, id string) ([]models.ScopeKey, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT kind, owner_id, period FROM transaction_scopes WHERE transaction_id = ? ORDER BY kind, owner_id, period`, id)
	if err != nil {
		return nil, fmt.Errorf("query transaction scopes: %w", err)
	}
	defer rows.Close()

	var out []models.ScopeKey
	for rows.Next() {
		var k models.ScopeKey
		var kind, period string
		if err := rows.Scan(&kind, &k.OwnerID, &period); err != nil {
			return nil, fmt.Errorf("scan transaction scope: %w", err)
		}
		k.Kind = models.OwnerKind(kind)
		k.Period = models.BudgetPeriod(period)
		out = append(out, k)
	}
	return out, rows.Err()
}

// SpendByScope implements Ledger. Costs are summed as decimals, not by SQLite.
func (l *SQLiteLedger) SpendByScope(ctx context.Context, scope models.ScopeKey, since, until time.Time) (decimal.Decimal, error) {
	q := `SELECT t.cost FROM transactions t
		JOIN transaction_scopes s ON s.transaction_id = t.id
		WHERE s.kind = ? AND s.owner_id = ? AND s.period = ? AND t.outcome = ? AND t.created_at >= ?`
	args := []any{string(scope.Kind), scope.OwnerID, string(scope.Period), string(models.OutcomeOK), toNanos(since)}
	if !until.IsZero() {
		q += ` AND t.created_at < ?`
		args = append(args, toNanos(until))
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return decimal.Zero, fmt.Errorf("spend by scope: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return decimal.Zero, fmt.Errorf("scan cost: %w", err)
		}
		c, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse cost: %w", err)
		}
		total = total.Add(c)
	}
	return total, rows.Err()
}

// OpenWindows implements Ledger.
func (l *SQLiteLedger) OpenWindows(ctx context.Context) ([]models.Window, error) {
	return l.windows(ctx, `SELECT kind, owner_id, period, window_open, window_close, spend FROM scope_windows
		ORDER BY kind, owner_id, period`, nil, false)
}

// ArchivedWindows implements Ledger.
func (l *SQLiteLedger) ArchivedWindows(ctx context.Context, scope models.ScopeKey) ([]models.Window, error) {
	return l.windows(ctx, `SELECT kind, owner_id, period, window_open, window_close, spend FROM scope_window_archive
		WHERE kind = ? AND owner_id = ? AND period = ? ORDER BY window_open`,
		[]any{string(scope.Kind), scope.OwnerID, string(scope.Period)}, true)
}

func (l *SQLiteLedger) windows(ctx context.Context, q string, args []any, closed bool) ([]models.Window, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query windows: %w", err)
	}
	defer rows.Close()

	var out []models.Window
	for rows.Next() {
		var kind, owner, period, spend string
		var open, close int64
		if err := rows.Scan(&kind, &owner, &period, &open, &close, &spend); err != nil {
			return nil, fmt.Errorf("scan window: %w", err)
		}
		amount, err := decimal.NewFromString(spend)
		if err != nil {
			return nil, fmt.Errorf("parse window spend: %w", err)
		}
		out = append(out, models.Window{
			Scope:  models.ScopeKey{Kind: models.OwnerKind(kind), OwnerID: owner, Period: models.BudgetPeriod(period)},
			Open:   fromNanos(open),
			Close:  fromNanos(close),
			Spend:  amount,
			Closed: closed,
		})
	}
	return out, rows.Err()
}

// Summary implements Ledger.
func (l *SQLiteLedger) Summary(ctx context.Context, since time.Time) ([]models.LedgerSummary, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT provider, model, outcome, prompt_tokens, completion_tokens, cost FROM transactions
		 WHERE created_at >= ? ORDER BY provider, model, outcome`, toNanos(since))
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	defer rows.Close()

	var out []models.LedgerSummary
	for rows.Next() {
		var provider, model, outcome, cost string
		var prompt, completion int64
		if err := rows.Scan(&provider, &model, &outcome, &prompt, &completion, &cost); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		amount, err := decimal.NewFromString(cost)
		if err != nil {
			return nil, fmt.Errorf("parse cost: %w", err)
		}
		n := len(out)
		if n == 0 || out[n-1].Provider != provider || out[n-1].Model != model || string(out[n-1].Outcome) != outcome {
			out = append(out, models.LedgerSummary{Provider: provider, Model: model, Outcome: models.Outcome(outcome), Cost: decimal.Zero})
			n++
		}
		s := &out[n-1]
		s.Count++
		s.PromptTokens += prompt
		s.CompletionTokens += completion
		s.Cost = s.Cost.Add(amount)
	}
	return out, rows.Err()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
