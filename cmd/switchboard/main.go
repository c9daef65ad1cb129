package main

import (
	"os"

	"github.com/pario-ai/switchboard/pkg/config"
	"github.com/pario-ai/switchboard/pkg/logging"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var version = "dev"

// globals holds the persistent flags shared by every command.
type globals struct {
	configPath string
	envFiles   []string
	cfg        *config.Config
}

func main() {
	g := &globals{}
	root := &cobra.Command{
		Use:           "switchboard",
		Short:         "Switchboard: multi-provider LLM dispatch with budgets and failover",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(g.envFiles...); err != nil {
				return err
			}
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
				return err
			}
			g.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to switchboard config file")
	root.PersistentFlags().StringSliceVar(&g.envFiles, "env-file", nil, "dotenv files to load (default .env)")

	root.AddCommand(
		newServeCmd(g),
		newDispatchCmd(g),
		newCatalogCmd(g),
		newBudgetCmd(g),
		newLedgerCmd(g),
		newPendingCmd(g),
		newAuditCmd(g),
		newMCPCmd(g),
	)

	if err := root.Execute(); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}
