package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lumenframe/backend/internal/auth"
	"github.com/lumenframe/backend/internal/dashboard"
	"github.com/lumenframe/backend/internal/handlers"
	"github.com/lumenframe/backend/internal/jobs"
	"github.com/lumenframe/backend/internal/router"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (and queue workers unless --no-workers)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(opts)
			if err != nil {
				return err
			}
			tokens, err := auth.NewService(cfg.JWTSecret)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log, !noWorkers)
			if err != nil {
				return err
			}
			defer a.Close()

			if !noWorkers {
				stopWorkers, err := a.startWorkers(ctx, shutdownTimeout)
				if err != nil {
					return err
				}
				defer stopWorkers()
			}

			handler := router.New(router.Deps{
				Generations: &handlers.GenerationHandler{
					Submitter: a.orch,
					Status:    a.resolver,
					Logger:    log,
				},
				Jobs:           jobs.NewHandler(a.jobs, log),
				Dashboard:      dashboard.NewHandler(a.ledger, log),
				Tokens:         tokens,
				DB:             a.pool,
				AllowedOrigins: cfg.CORSOrigins,
				MediaDir:       a.mediaDir,
				Logger:         log,
			})
			srv := &http.Server{
				Addr:              net.JoinHostPort("0.0.0.0", cfg.Port),
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errc := make(chan error, 1)
			go func() {
				log.Info("starting HTTP server", "addr", srv.Addr, "workers", !noWorkers)
				errc <- srv.ListenAndServe()
			}()
			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
				log.Info("shutting down HTTP server")
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(sctx); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "only serve HTTP; run `worker` separately")
	return cmd
}
