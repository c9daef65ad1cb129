package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pario-ai/switchboard/pkg/alert"
	"github.com/pario-ai/switchboard/pkg/audit"
	"github.com/pario-ai/switchboard/pkg/budget"
	"github.com/pario-ai/switchboard/pkg/catalog"
	"github.com/pario-ai/switchboard/pkg/config"
	"github.com/pario-ai/switchboard/pkg/dispatch"
	"github.com/pario-ai/switchboard/pkg/events"
	"github.com/pario-ai/switchboard/pkg/health"
	"github.com/pario-ai/switchboard/pkg/ledger"
	"github.com/pario-ai/switchboard/pkg/metrics"
	"github.com/pario-ai/switchboard/pkg/pending"
	pendingredis "github.com/pario-ai/switchboard/pkg/pending/redis"
	pendingsqlite "github.com/pario-ai/switchboard/pkg/pending/sqlite"
	"github.com/pario-ai/switchboard/pkg/provider"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// app is a fully wired dispatch core.
type app struct {
	cfg        *config.Config
	catalog    *catalog.Catalog
	ledger     *ledger.SQLiteLedger
	budget     *budget.Engine
	health     *health.Registry
	providers  *provider.Registry
	pending    pending.Queue
	audit      *audit.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Collector
	events     events.Publisher
	alerts     alert.Notifier
	dispatcher *dispatch.Dispatcher

	closers []func() error
}

func buildApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.catalog, _, err = catalog.New(cfg.Pricing.Path); err != nil {
		return nil, fmt.Errorf("load pricing catalog: %w", err)
	}

	if a.budget, a.ledger, err = openBudget(ctx, cfg); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.ledger.Close)
	a.health = health.New(cfg.Health, nil)

	if a.providers, err = provider.NewFromConfig(cfg.Providers); err != nil {
		return nil, err
	}

	if a.pending, err = openPendingQueue(ctx, cfg); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.pending.Close)
	if _, err = pending.Reapply(ctx, a.pending, a.budget); err != nil {
		return nil, fmt.Errorf("re-apply parked spend: %w", err)
	}

	if cfg.Audit.Enabled {
		if a.audit, err = audit.New(cfg.Audit); err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		a.closers = append(a.closers, a.audit.Close)
	}

	a.registry = prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		if a.metrics, err = metrics.New(a.registry); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	a.events = events.Nop{}
	if len(cfg.Events.Brokers) > 0 {
		k, kerr := events.NewKafka(cfg.Events)
		if kerr != nil {
			return nil, kerr
		}
		a.events = k
		a.closers = append(a.closers, k.Close)
	}

	a.alerts = alert.Nop{}
	if cfg.Sentry.DSN != "" {
		s, serr := alert.NewSentry(cfg.Sentry)
		if serr != nil {
			return nil, fmt.Errorf("init sentry: %w", serr)
		}
		a.alerts = s
		a.closers = append(a.closers, func() error {
			s.Flush(2 * time.Second)
			return nil
		})
	}

	deps := dispatch.Deps{
		Catalog:   a.catalog,
		Health:    a.health,
		Budget:    a.budget,
		Providers: a.providers,
		Pending:   a.pending,
		Metrics:   a.metrics,
		Events:    a.events,
		Alerts:    a.alerts,
	}
	if a.audit != nil {
		deps.Audit = a.audit
	}
	if a.dispatcher, err = dispatch.New(cfg.Dispatch, deps); err != nil {
		return nil, err
	}
	return a, nil
}

// Close releases everything in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.WithError(err).Warn("close")
		}
	}
	a.closers = nil
}

func openPendingQueue(ctx context.Context, cfg *config.Config) (pending.Queue, error) {
	var (
		q   pending.Queue
		err error
	)
	switch cfg.Pending.Backend {
	case "redis":
		q, err = pendingredis.Open(ctx, cfg.Pending.RedisURL, cfg.Pending.Prefix)
	default:
		q, err = pendingsqlite.New(cfg.Pending.DBPath)
	}
	if err != nil {
		return nil, fmt.Errorf("open pending queue: %w", err)
	}
	return q, nil
}

// openBudget opens the ledger and restores budget windows from it. Commands
// that only inspect or replay spend use it instead of a full app.
func openBudget(ctx context.Context, cfg *config.Config) (*budget.Engine, *ledger.SQLiteLedger, error) {
	l, err := ledger.New(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}
	e := budget.New(cfg.Budget.Scopes, l, nil)
	if err := e.Restore(ctx); err != nil {
		_ = l.Close()
		return nil, nil, fmt.Errorf("restore budget windows: %w", err)
	}
	return e, l, nil
}
