package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newWorkerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process generation jobs and run the periodic sweep",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log, true)
			if err != nil {
				return err
			}
			defer a.Close()

			stopWorkers, err := a.startWorkers(ctx, shutdownTimeout)
			if err != nil {
				return err
			}
			log.Info("worker started", "max_workers", cfg.QueueWorkers, "sweep_interval", cfg.SweepInterval)
			<-ctx.Done()
			log.Info("stopping worker")
			stopWorkers()
			return nil
		},
	}
}
