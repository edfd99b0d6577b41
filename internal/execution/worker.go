package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/lumenframe/backend/internal/catalog"
	"github.com/lumenframe/backend/internal/jobs"
	"github.com/lumenframe/backend/internal/models"
	"github.com/lumenframe/backend/internal/services"
)

const (
	defaultMaxAttempts = 5
	defaultGrace       = time.Minute
)

// GenerateArgs is the queue payload of one generation job.
type GenerateArgs struct {
	JobID     uuid.UUID `json:"job_id"`
	MediaKind string    `json:"media_kind"`
}

func (GenerateArgs) Kind() string { return "generate_media" }

// InsertOpts makes a second enqueue of the same job a no-op.
func (GenerateArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: defaultMaxAttempts,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

// SweepArgs triggers one stale-job and stale-reservation sweep.
type SweepArgs struct{}

func (SweepArgs) Kind() string { return "sweep_stale" }

func (SweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 1}
}

// Executor runs one job to completion; *services.Orchestrator implements it.
type Executor interface {
	Execute(ctx context.Context, kind string, jobID uuid.UUID) error
}

// Sweeper repairs stuck jobs and reservations; *services.Orchestrator implements it.
type Sweeper interface {
	Sweep(ctx context.Context) (services.SweepReport, error)
}

type GenerateWorker struct {
	river.WorkerDefaults[GenerateArgs]
	exec    Executor
	catalog services.CatalogSource
	grace   time.Duration
	log     *slog.Logger
}

// NewGenerateWorker returns the generate_media worker. Each job may run for
// its kind's ceiling plus grace before river cancels it.
func NewGenerateWorker(exec Executor, cat services.CatalogSource, grace time.Duration, log *slog.Logger) *GenerateWorker {
	if grace <= 0 {
		grace = defaultGrace
	}
	if log == nil {
		log = slog.Default()
	}
	return &GenerateWorker{exec: exec, catalog: cat, grace: grace, log: log}
}

func (w *GenerateWorker) Timeout(job *river.Job[GenerateArgs]) time.Duration {
	cat, err := w.catalog.Get(context.Background())
	if err != nil {
		return 0
	}
	var longest time.Duration
	for _, e := range cat.Entries() {
		if e.Kind == job.Args.MediaKind {
			return time.Duration(e.Ceiling) + w.grace
		}
		if d := time.Duration(e.Ceiling); d > longest {
			longest = d
		}
	}
	return longest + w.grace
}

func (w *GenerateWorker) Work(ctx context.Context, job *river.Job[GenerateArgs]) error {
	args := job.Args
	err := w.exec.Execute(ctx, args.MediaKind, args.JobID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, catalog.ErrUnknownKind), errors.Is(err, jobs.ErrJobNotFound):
		w.log.Error("dropping generation task", "job_id", args.JobID, "media_kind", args.MediaKind, "error", err)
		return river.JobCancel(err)
	default:
		w.log.Warn("generation task failed, will retry", "job_id", args.JobID, "attempt", job.Attempt, "error", err)
		return fmt.Errorf("execute job %s: %w", args.JobID, err)
	}
}

type SweepWorker struct {
	river.WorkerDefaults[SweepArgs]
	sweeper Sweeper
	log     *slog.Logger
}

func NewSweepWorker(s Sweeper, log *slog.Logger) *SweepWorker {
	if log == nil {
		log = slog.Default()
	}
	return &SweepWorker{sweeper: s, log: log}
}

func (w *SweepWorker) Work(ctx context.Context, _ *river.Job[SweepArgs]) error {
	report, err := w.sweeper.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	w.log.Debug("sweep done", "failed_jobs", report.FailedJobs, "refunded_reservations", report.RefundedReservations)
	return nil
}

// SweepJob schedules the sweep every interval, starting right away.
func SweepJob(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) { return SweepArgs{}, nil },
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}

// TxInserter is the part of *river.Client used to enqueue work.
type TxInserter interface {
	InsertTx(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// Enqueue returns the hook that inserts a generate_media task inside the
// transaction creating the job, so a committed job always has a task.
func Enqueue(ins TxInserter) jobs.TxHook {
	return func(ctx context.Context, tx pgx.Tx, job *models.GenerationJob) error {
		_, err := ins.InsertTx(ctx, tx, GenerateArgs{JobID: job.ID, MediaKind: job.MediaKind}, nil)
		if err != nil {
			return fmt.Errorf("enqueue job %s: %w", job.ID, err)
		}
		return nil
	}
}
