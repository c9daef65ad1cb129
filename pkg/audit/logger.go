// Package audit keeps a queryable trail of every provider attempt made
// while dispatching requests.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/pario-ai/switchboard/pkg/models"
	_ "modernc.org/sqlite"
)

// Config controls the attempt log.
type Config struct {
	Enabled          bool     `yaml:"enabled"`
	DBPath           string   `yaml:"db_path"`
	RetentionDays    int      `yaml:"retention_days"`
	MaxErrorSize     int      `yaml:"max_error_size"`
	ExcludeProviders []string `yaml:"exclude_providers"`
}

// Logger writes and queries attempt records in a dedicated SQLite database.
type Logger struct {
	db      *sql.DB
	cfg     Config
	done    chan struct{}
	wg      sync.WaitGroup
	exclude map[string]bool
}

// New opens the audit SQLite database and creates the schema.
func New(cfg Config) (*Logger, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	exc := make(map[string]bool)
	for _, v := range cfg.ExcludeProviders {
		exc[v] = true
	}

	l := &Logger{
		db:      db,
		cfg:     cfg,
		done:    make(chan struct{}),
		exclude: exc,
	}

	l.wg.Add(1)
	go l.retentionLoop()

	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS attempts (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		correlation_id    TEXT NOT NULL,
		number            INTEGER NOT NULL,
		provider          TEXT NOT NULL,
		model             TEXT NOT NULL,
		kind              TEXT NOT NULL DEFAULT '',
		error             TEXT NOT NULL DEFAULT '',
		billable          INTEGER NOT NULL DEFAULT 0,
		prompt_tokens     INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		latency_ms        INTEGER NOT NULL DEFAULT 0,
		started_at        INTEGER NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_attempts_correlation ON attempts(correlation_id)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_attempts_started ON attempts(started_at)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_attempts_provider ON attempts(provider)`)
	return err
}

// Log inserts an attempt record. A nil Logger discards it.
func (l *Logger) Log(ctx context.Context, a models.Attempt) error {
	if l == nil || l.db == nil {
		return nil
	}
	if l.exclude[a.Provider] {
		return nil
	}

	errText := a.Error
	if l.cfg.MaxErrorSize > 0 && len(errText) > l.cfg.MaxErrorSize {
		errText = errText[:l.cfg.MaxErrorSize]
	}
	started := a.StartedAt
	if started.IsZero() {
		started = time.Now()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO attempts
		(correlation_id, number, provider, model, kind, error, billable,
		 prompt_tokens, completion_tokens, latency_ms, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.CorrelationID, a.Number, a.Provider, a.Model,
		string(a.Kind), errText, a.Billable,
		a.Usage.PromptTokens, a.Usage.CompletionTokens,
		a.Latency.Milliseconds(), started.UnixNano(),
	)
	return err
}

// Query returns attempts matching the given options, newest first.
func (l *Logger) Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.Attempt, error) {
	q := `SELECT correlation_id, number, provider, model, kind, error, billable,
		prompt_tokens, completion_tokens, latency_ms, started_at
		FROM attempts WHERE 1=1`
	var args []any

	if opts.CorrelationID != "" {
		q += " AND correlation_id = ?"
		args = append(args, opts.CorrelationID)
	}
	if opts.Provider != "" {
		q += " AND provider = ?"
		args = append(args, opts.Provider)
	}
	if opts.Model != "" {
		q += " AND model = ?"
		args = append(args, opts.Model)
	}
	if opts.Kind != "" {
		q += " AND kind = ?"
		args = append(args, opts.Kind)
	}
	if !opts.Since.IsZero() {
		q += " AND started_at >= ?"
		args = append(args, opts.Since.UnixNano())
	}

	q += " ORDER BY started_at DESC, id DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []models.Attempt
	for rows.Next() {
		var (
			a         models.Attempt
			kind      string
			latencyMs int64
			started   int64
		)
		if err := rows.Scan(
			&a.CorrelationID, &a.Number, &a.Provider, &a.Model,
			&kind, &a.Error, &a.Billable,
			&a.Usage.PromptTokens, &a.Usage.CompletionTokens,
			&latencyMs, &started,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		a.Kind = models.ErrorKind(kind)
		a.Latency = time.Duration(latencyMs) * time.Millisecond
		a.StartedAt = time.Unix(0, started).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// Stats returns attempt and failure counts grouped by provider and day.
func (l *Logger) Stats(ctx context.Context) ([]models.AuditStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT provider, date(started_at / 1000000000, 'unixepoch') AS day,
		        count(*) AS cnt, sum(CASE WHEN kind != '' THEN 1 ELSE 0 END) AS failures
		 FROM attempts GROUP BY provider, day ORDER BY day DESC, provider`)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AuditStat
	for rows.Next() {
		var s models.AuditStat
		var day sql.NullString
		if err := rows.Scan(&s.Provider, &day, &s.Count, &s.Failures); err != nil {
			return nil, fmt.Errorf("scan audit stat: %w", err)
		}
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes attempts older than the configured retention period.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM attempts WHERE started_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			_, _ = l.Cleanup(context.Background())
		}
	}
}
