// Package cli provides the dossio command tree: the API server, the
// standalone refresh worker, schema migration, and a one-shot in-process
// analysis for local debugging.
package cli

import (
	"github.com/spf13/cobra"

	"dossio.org/common"
	"dossio.org/config"
)

var cfgFile string

// RootCmd is the dossio entry point.
var RootCmd = &cobra.Command{
	Use:   "dossio",
	Short: "multi-source person analysis service",
	Long: `Dossio analyzes a subject (scholar profile, code-host account,
professional profile) across sources, streams partial results to clients as
cards complete, and caches finished reports for instant replays.

Configuration comes from config.yaml, .env, and DOSSIO_-prefixed environment
variables; see the config package for the full key list.`,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(workerCmd)
	RootCmd.AddCommand(migrateCmd)
	RootCmd.AddCommand(analyzeCmd)
	RootCmd.AddCommand(versionCmd)
}

// loadConfig loads and validates configuration, then applies logging setup.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	common.ConfigureLogger(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}
