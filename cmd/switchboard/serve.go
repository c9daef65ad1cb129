package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/pario-ai/switchboard/pkg/pending"
	"github.com/pario-ai/switchboard/pkg/server"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCmd(g *globals) *cobra.Command {
	var replayEvery time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dispatch HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, g.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if g.cfg.Pricing.Watch && g.cfg.Pricing.Path != "" {
				go func() {
					if err := a.catalog.Watch(ctx); err != nil {
						log.WithError(err).Error("pricing watcher stopped")
					}
				}()
			}
			if replayEvery > 0 {
				go replayLoop(ctx, a, replayEvery)
			}

			var gatherer prometheus.Gatherer
			if g.cfg.Metrics.Enabled {
				gatherer = a.registry
			}
			srv := server.New(g.cfg.Listen, a.dispatcher, a.health, a.budget, a.providers, gatherer)

			log.WithFields(log.Fields{
				"listen":    g.cfg.Listen,
				"providers": a.providers.Names(),
				"pending":   g.cfg.Pending.Backend,
			}).Info("starting switchboard")
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().DurationVar(&replayEvery, "replay-interval", time.Minute, "how often to replay pending commits (0 disables)")
	return cmd
}

// replayLoop drains the pending-commit queue until ctx is done.
func replayLoop(ctx context.Context, a *app, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.pending.Len(ctx)
			if err != nil || n == 0 {
				continue
			}
			report, err := pending.Replay(ctx, a.pending, a.budget)
			if err != nil {
				log.WithError(err).Warn("pending replay")
				continue
			}
			log.WithFields(log.Fields{
				"committed": report.Committed,
				"duplicate": report.Duplicate,
				"failed":    report.Failed,
			}).Info("pending commits replayed")
		}
	}
}
