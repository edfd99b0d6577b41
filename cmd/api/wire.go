package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/lumenframe/backend/internal/cascade"
	"github.com/lumenframe/backend/internal/catalog"
	"github.com/lumenframe/backend/internal/config"
	"github.com/lumenframe/backend/internal/database"
	"github.com/lumenframe/backend/internal/execution"
	"github.com/lumenframe/backend/internal/jobs"
	"github.com/lumenframe/backend/internal/ledger"
	"github.com/lumenframe/backend/internal/providers"
	"github.com/lumenframe/backend/internal/providers/aiml"
	"github.com/lumenframe/backend/internal/providers/fal"
	"github.com/lumenframe/backend/internal/providers/replicate"
	"github.com/lumenframe/backend/internal/providers/stability"
	"github.com/lumenframe/backend/internal/services"
	"github.com/lumenframe/backend/internal/status"
	"github.com/lumenframe/backend/internal/storage"
)

type app struct {
	cfg      *config.Config
	log      *slog.Logger
	pool     *pgxpool.Pool
	catalog  *catalog.Catalog
	cache    *catalog.Cache
	ledger   ledger.Service
	jobs     jobs.Service
	orch     *services.Orchestrator
	resolver *status.Resolver
	river    *river.Client[pgx.Tx]
	mediaDir string
}

// newApp connects to Postgres and assembles the services. With workers set
// the river client also processes generate_media and sweep_stale jobs;
// otherwise it is insert-only.
func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger, workers bool) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := loadCatalog(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, pool: pool, catalog: base}

	a.cache = catalog.NewCache(base, catalog.NewSettingsRepository(pool), cfg.CatalogCacheTTL, log)
	a.ledger = ledger.NewService(ledger.NewRepository(pool), log)
	a.jobs = jobs.NewService(jobs.NewRepository(pool), base, log)
	a.resolver = status.NewResolver(a.jobs, a.cache, log)

	store, err := a.newStore()
	if err != nil {
		pool.Close()
		return nil, err
	}
	executor := cascade.NewExecutor(newRegistry(cfg, log), store, cascade.Options{
		DefaultTimeout: cfg.ProviderTimeout,
		PollInterval:   cfg.PollInterval,
		Logger:         log,
	})
	v, err := services.NewValidator()
	if err != nil {
		pool.Close()
		return nil, err
	}
	// Enqueue is set once the river client exists; the workers need the
	// orchestrator first.
	a.orch = services.NewOrchestrator(a.ledger, a.jobs, executor, a.cache, v, nil, log)
	a.orch.JobGrace = cfg.JobGrace
	a.orch.ReservationMaxAge = cfg.ReservationMaxAge

	riverCfg := &river.Config{Logger: log}
	if workers {
		ws := river.NewWorkers()
		river.AddWorker(ws, execution.NewGenerateWorker(a.orch, a.cache, cfg.JobGrace, log))
		river.AddWorker(ws, execution.NewSweepWorker(a.orch, log))
		riverCfg.Workers = ws
		riverCfg.Queues = map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.QueueWorkers},
		}
		riverCfg.PeriodicJobs = []*river.PeriodicJob{execution.SweepJob(cfg.SweepInterval)}
	}
	a.river, err = river.NewClient(riverpgxv5.New(pool), riverCfg)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create river client: %w", err)
	}
	a.orch.Enqueue = execution.Enqueue(a.river)
	return a, nil
}

func (a *app) Close() {
	a.pool.Close()
}

func (a *app) newStore() (storage.Store, error) {
	if a.cfg.UsesCloudinary() {
		return storage.NewCloudinaryStore(storage.CloudinaryOptions{
			URL:       a.cfg.CloudinaryURL,
			CloudName: a.cfg.CloudinaryCloudName,
			APIKey:    a.cfg.CloudinaryAPIKey,
			APISecret: a.cfg.CloudinaryAPISecret,
			Folder:    a.cfg.CloudinaryFolder,
		})
	}
	a.log.Warn("cloudinary is not configured, storing media on local disk", "dir", a.cfg.StorageDir)
	fs, err := storage.NewFileStore(a.cfg.StorageDir, a.cfg.PublicURL)
	if err != nil {
		return nil, err
	}
	a.mediaDir = fs.BasePath()
	return fs, nil
}

func loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.CatalogFile != "" {
		return catalog.Load(cfg.CatalogFile)
	}
	return catalog.Default()
}

func newRegistry(cfg *config.Config, log *slog.Logger) *providers.Registry {
	timeout := cfg.ProviderTimeout
	list := []providers.Provider{
		stability.NewClient(stability.Options{APIKey: cfg.Stability.APIKey, BaseURL: cfg.Stability.BaseURL, RequestTimeout: timeout}),
		fal.NewClient(fal.Options{APIKey: cfg.Fal.APIKey, BaseURL: cfg.Fal.BaseURL, RequestTimeout: timeout}),
		aiml.NewClient(aiml.Options{APIKey: cfg.AIML.APIKey, BaseURL: cfg.AIML.BaseURL, RequestTimeout: timeout}),
		replicate.NewClient(replicate.Options{APIKey: cfg.Replicate.APIKey, BaseURL: cfg.Replicate.BaseURL,
			RequestTimeout: timeout, WaitSeconds: cfg.ReplicateWait}),
	}
	for name, key := range map[string]string{
		"stability": cfg.Stability.APIKey, "fal": cfg.Fal.APIKey, "aiml": cfg.AIML.APIKey, "replicate": cfg.Replicate.APIKey,
	} {
		if key == "" {
			log.Warn("provider has no api key, its cascade steps will fail", "provider", name)
		}
	}
	return providers.NewRegistry(list...)
}

// startWorkers runs the river client until stop is called. Start gets a
// context detached from ctx so the shutdown signal does not cancel running
// jobs; stop drains them within timeout, then cancels what is left.
func (a *app) startWorkers(ctx context.Context, timeout time.Duration) (stop func(), err error) {
	if err := a.river.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("start river: %w", err)
	}
	return func() {
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := a.river.Stop(sctx)
		if err == nil {
			return
		}
		a.log.Warn("river did not drain in time, cancelling running jobs", "error", err)
		cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer ccancel()
		if err := a.river.StopAndCancel(cctx); err != nil {
			a.log.Error("river stop", "error", err)
		}
	}, nil
}
