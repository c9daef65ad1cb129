// Package events publishes committed transactions to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pario-ai/switchboard/pkg/models"
	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"
)

// Publisher announces committed transactions.
type Publisher interface {
	Publish(ctx context.Context, tx models.Transaction) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, models.Transaction) error { return nil }
func (Nop) Close() error                                      { return nil }

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka writes one JSON message per transaction, keyed by correlation id so
// every attempt of a dispatch lands on the same partition.
type Kafka struct {
	w     messageWriter
	topic string
}

// NewKafka creates a synchronous Kafka writer for cfg.Topic.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka publisher: no topic configured")
	}
	// Publish is called inline after each commit; do not wait for a batch to fill.
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
	}
	return &Kafka{w: w, topic: cfg.Topic}, nil
}

// Publish implements Publisher.
func (k *Kafka) Publish(ctx context.Context, tx models.Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode transaction event: %w", err)
	}
	key := tx.CorrelationID
	if key == "" {
		key = tx.ID
	}
	if err := k.w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: data}); err != nil {
		return fmt.Errorf("publish to %s: %w", k.topic, err)
	}
	log.WithFields(log.Fields{"topic": k.topic, "tx": tx.ID}).Debug("transaction published")
	return nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return k.w.Close()
}
