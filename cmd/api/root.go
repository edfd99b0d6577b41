package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/lumenframe/backend/internal/config"
)

type rootOptions struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "lumenframe",
		Short:         "Media generation backend: API, queue workers and maintenance tasks",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "optional YAML config file")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newWorkerCmd(opts),
		newMigrateCmd(opts),
		newSweepCmd(opts),
		newGrantCmd(opts),
		newTokenCmd(opts),
	)
	return rootCmd
}

// loadConfig reads the configuration and installs the JSON logger as default.
func loadConfig(opts *rootOptions) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}
