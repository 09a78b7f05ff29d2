package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/agentflow/internal/config"
	"github.com/rendis/agentflow/internal/logging"
)

// rootOptions holds the flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "agentflow",
		Short: "Run agent workflow graphs",
		Long: `agentflow executes workflows made of input, agent and output nodes.
Agent nodes call remote AI agents through their configured gateway; nodes
without dependencies between them run concurrently.

Configuration is read from ~/.agentflow/settings.yaml (or --config) and
AGENTFLOW_* environment variables.`,
		// errors are reported by cobra; usage is noise for runtime failures
		SilenceUsage: true,
		Version:      version,
	}
	root.SetVersionTemplate(`{{printf "agentflow version %s\n" .Version}}`)

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "settings file (default ~/.agentflow/settings.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override: debug, info, warn, error")

	root.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newValidateCmd(),
		newImportCmd(opts),
		newVersionCmd(),
	)
	return root
}

// load reads the configuration and builds the stderr logger.
func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, logging.New(os.Stderr, cfg.LogLevel), nil
}
