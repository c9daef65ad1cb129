// Package alert escalates conditions that need an operator, such as a
// provider success that could not be written to the ledger.
package alert

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
)

// Notifier escalates an error with tags.
type Notifier interface {
	Notify(ctx context.Context, err error, tags map[string]string)
	Flush(timeout time.Duration)
}

// Nop only logs.
type Nop struct{}

func (Nop) Notify(_ context.Context, err error, tags map[string]string) {
	fields := log.Fields{}
	for k, v := range tags {
		fields[k] = v
	}
	log.WithFields(fields).WithError(err).Error("alert")
}

func (Nop) Flush(time.Duration) {}

// SentryConfig configures the Sentry notifier.
type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

// Sentry reports alerts as Sentry exceptions.
type Sentry struct {
	hub *sentry.Hub
}

// NewSentry initializes the global Sentry client.
func NewSentry(cfg SentryConfig) (*Sentry, error) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
	})
	if err != nil {
		return nil, err
	}
	return &Sentry{hub: sentry.CurrentHub()}, nil
}

// NewSentryWithHub wraps an existing hub.
func NewSentryWithHub(hub *sentry.Hub) *Sentry {
	return &Sentry{hub: hub}
}

// Notify implements Notifier. The error is also logged.
func (s *Sentry) Notify(ctx context.Context, err error, tags map[string]string) {
	Nop{}.Notify(ctx, err, tags)

	hub := s.hub.Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
	})
	hub.CaptureException(err)
}

// Flush waits for buffered events to be sent.
func (s *Sentry) Flush(timeout time.Duration) {
	s.hub.Flush(timeout)
}
