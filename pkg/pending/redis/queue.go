// Package redis implements the pending-commit queue on Redis, for
// deployments where several dispatchers share one replay worker.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pario-ai/switchboard/pkg/models"
	goredis "github.com/redis/go-redis/v9"
)

// Queue stores entries in a hash keyed by transaction id, ordered by a
// sorted set scored with the enqueue time in milliseconds.
type Queue struct {
	client   *goredis.Client
	dataKey  string
	orderKey string
}

// New wraps an existing client. Close closes the client.
func New(client *goredis.Client, prefix string) *Queue {
	if prefix == "" {
		prefix = "switchboard"
	}
	return &Queue{
		client:   client,
		dataKey:  prefix + ":pending:data",
		orderKey: prefix + ":pending:order",
	}
}

// Open connects to the Redis server at url (redis://...).
func Open(ctx context.Context, url, prefix string) (*Queue, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return New(client, prefix), nil
}

type entry struct {
	Transaction models.Transaction `json:"transaction"`
	Reason      string             `json:"reason"`
	QueuedAt    time.Time          `json:"queued_at"`
}

// Enqueue implements pending.Queue.
func (q *Queue) Enqueue(ctx context.Context, p models.PendingCommit) error {
	if p.QueuedAt.IsZero() {
		p.QueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(entry(p))
	if err != nil {
		return fmt.Errorf("encode pending commit: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.dataKey, p.Transaction.ID, payload)
	pipe.ZAdd(ctx, q.orderKey, goredis.Z{Score: float64(p.QueuedAt.UnixMilli()), Member: p.Transaction.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue pending commit: %w", err)
	}
	return nil
}

// List implements pending.Queue.
func (q *Queue) List(ctx context.Context, limit int) ([]models.PendingCommit, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := q.client.ZRange(ctx, q.orderKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending commits: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := q.client.HMGet(ctx, q.dataKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending commits: %w", err)
	}
	out := make([]models.PendingCommit, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// Order entry without data: removed concurrently.
			continue
		}
		var e entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("decode pending commit %s: %w", ids[i], err)
		}
		out = append(out, models.PendingCommit(e))
	}
	return out, nil
}

// Remove implements pending.Queue.
func (q *Queue) Remove(ctx context.Context, txID string) error {
	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.dataKey, txID)
	pipe.ZRem(ctx, q.orderKey, txID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove pending commit: %w", err)
	}
	return nil
}

// Len implements pending.Queue.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.orderKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count pending commits: %w", err)
	}
	return n, nil
}

// Close closes the underlying client.
func (q *Queue) Close() error {
	return q.client.Close()
}
