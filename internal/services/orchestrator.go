package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lumenframe/backend/internal/cascade"
	"github.com/lumenframe/backend/internal/catalog"
	"github.com/lumenframe/backend/internal/jobs"
	"github.com/lumenframe/backend/internal/ledger"
	"github.com/lumenframe/backend/internal/models"
	"github.com/lumenframe/backend/internal/providers"
)

// ErrPersistence wraps storage failures on the submission path. Any
// reservation taken by the failing call has been refunded when it is returned.
var ErrPersistence = errors.New("persistence failure")

const (
	defaultJobGrace          = 5 * time.Minute
	defaultReservationMaxAge = time.Hour
	// settleTimeout bounds compensating ledger writes, which outlive the
	// caller's context.
	settleTimeout = 10 * time.Second
)

// Ledger is the subset of ledger.Service the orchestrator drives.
type Ledger interface {
	Reserve(ctx context.Context, p ledger.ReserveParams) (*ledger.Reservation, error)
	Finalize(ctx context.Context, userID uuid.UUID, requestID string, success bool, meta map[string]any) error
	SweepStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// JobStore is the subset of jobs.Service the orchestrator drives.
type JobStore interface {
	Find(ctx context.Context, userID uuid.UUID, runID, kind string) (*models.GenerationJob, error)
	CreateOrGetJob(ctx context.Context, p jobs.CreateParams, onCreate jobs.TxHook) (*models.GenerationJob, bool, error)
	MarkProcessing(ctx context.Context, kind string, id uuid.UUID) (*models.GenerationJob, error)
	UpdateJobResult(ctx context.Context, kind string, id uuid.UUID, res jobs.Result) error
	Get(ctx context.Context, kind string, id uuid.UUID) (*models.GenerationJob, error)
	FailStale(ctx context.Context, kind string, olderThan time.Duration) ([]jobs.StaleJob, error)
}

// Cascade runs the provider fallback chain; *cascade.Executor implements it.
type Cascade interface {
	Execute(ctx context.Context, req providers.Request, steps []cascade.Step) (*cascade.Result, error)
}

// CatalogSource returns the current media catalog; *catalog.Cache implements it.
type CatalogSource interface {
	Get(ctx context.Context) (*catalog.Catalog, error)
}

type SubmitInput struct {
	UserID    uuid.UUID
	MediaKind string
	RunID     string
	Prompt    string
	SourceURL string
	Params    models.GenerationParams
}

// SubmitResult describes the job a submission resolved to. Created is false
// when an existing job for the same run id was returned.
type SubmitResult struct {
	Job     *models.GenerationJob
	Created bool
}

// SweepReport counts what one sweep pass repaired.
type SweepReport struct {
	FailedJobs           int
	RefundedReservations int
}

// Orchestrator ties the ledger, job store and cascade together: Submit on
// the request path, Execute on the queue worker, Sweep on a schedule.
type Orchestrator struct {
	Ledger    Ledger
	Jobs      JobStore
	Cascade   Cascade
	Catalog   CatalogSource
	Validator *Validator
	// Enqueue runs inside the job-creation transaction.
	Enqueue jobs.TxHook
	Logger  *slog.Logger

	// JobGrace is added to a kind's ceiling before a non-terminal job is
	// failed by Sweep.
	JobGrace time.Duration
	// ReservationMaxAge bounds how long a reservation may stay reserved. Sweep
	// raises it above the longest job ceiling so job sweeps run first.
	ReservationMaxAge time.Duration
}

func NewOrchestrator(
	l Ledger,
	js JobStore,
	c Cascade,
	cat CatalogSource,
	v *Validator,
	enqueue jobs.TxHook,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Ledger:            l,
		Jobs:              js,
		Cascade:           c,
		Catalog:           cat,
		Validator:         v,
		Enqueue:           enqueue,
		Logger:            logger,
		JobGrace:          defaultJobGrace,
		ReservationMaxAge: defaultReservationMaxAge,
	}
}

// LedgerRequestID is the idempotency key of a run's reservation.
func LedgerRequestID(kind, runID string) string {
	return kind + ":" + runID
}

// Submit validates the request, returns an existing job for the run id when
// there is one, and otherwise reserves credits and creates a pending job
// whose execution task is enqueued in the same transaction.
func (o *Orchestrator) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	if in.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: user is required", ErrValidation)
	}
	if err := o.Validator.Validate(&in); err != nil {
		return nil, err
	}
	cat, err := o.Catalog.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load catalog: %v", ErrPersistence, err)
	}
	entry, err := cat.Lookup(in.MediaKind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	existing, err := o.Jobs.Find(ctx, in.UserID, in.RunID, entry.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: find job: %v", ErrPersistence, err)
	}
	if existing != nil && existing.Status != models.JobStatusFailed {
		o.Logger.Info("submission deduplicated", "job_id", existing.ID, "run_id", in.RunID, "status", existing.Status)
		return &SubmitResult{Job: existing}, nil
	}

	requestID := LedgerRequestID(entry.Kind, in.RunID)
	res, err := o.Ledger.Reserve(ctx, ledger.ReserveParams{
		UserID:    in.UserID,
		Amount:    entry.Cost,
		RequestID: requestID,
		Action:    entry.Action,
		Meta:      map[string]any{"run_id": in.RunID, "media_kind": entry.Kind},
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: reserve: %v", ErrPersistence, err)
	}

	job, created, err := o.Jobs.CreateOrGetJob(ctx, jobs.CreateParams{
		UserID:          in.UserID,
		RunID:           in.RunID,
		MediaKind:       entry.Kind,
		Prompt:          in.Prompt,
		SourceURL:       in.SourceURL,
		Params:          in.Params,
		Cost:            res.Entry.Amount,
		LedgerRequestID: requestID,
	}, o.Enqueue)
	if err != nil {
		if !res.Replayed {
			o.refundUnlessLive(ctx, in.UserID, in.RunID, entry.Kind, requestID)
		}
		return nil, fmt.Errorf("%w: create job: %v", ErrPersistence, err)
	}
	// A concurrent submission created the job. An in-flight job is settled
	// through the shared request id; a finished one never will be, so a
	// reservation this call opened is returned.
	if !created && !res.Replayed && job.IsTerminal() {
		o.refund(ctx, in.UserID, requestID, "job already finished")
	}
	return &SubmitResult{Job: job, Created: created}, nil
}

// refund returns a reservation this call opened. It runs on a context
// detached from ctx so a disconnected client or a shutdown still gets the
// credits back before the error is returned.
func (o *Orchestrator) refund(ctx context.Context, userID uuid.UUID, requestID, reason string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if err := o.Ledger.Finalize(rctx, userID, requestID, false, map[string]any{"reason": reason}); err != nil {
		o.Logger.Error("refund failed, left for sweep", "user_id", userID, "request_id", requestID, "error", err)
	}
}

// refundUnlessLive refunds after a failed job creation, except when a
// concurrent submission created a live job for the run in the meantime: that
// job settles the shared reservation itself.
func (o *Orchestrator) refundUnlessLive(ctx context.Context, userID uuid.UUID, runID, kind, requestID string) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	job, err := o.Jobs.Find(fctx, userID, runID, kind)
	cancel()
	if err != nil {
		o.Logger.Warn("job lookup before refund failed", "user_id", userID, "run_id", runID, "error", err)
	}
	if err == nil && job != nil && job.Status != models.JobStatusFailed {
		o.Logger.Info("reservation kept for concurrently created job", "job_id", job.ID, "request_id", requestID)
		return
	}
	o.refund(ctx, userID, requestID, "job creation failed")
}

// Execute runs a pending job through its provider cascade, writes the single
// terminal result and settles the reservation. Jobs that are already terminal
// are only re-settled, so retries are safe.
func (o *Orchestrator) Execute(ctx context.Context, kind string, jobID uuid.UUID) error {
	cat, err := o.Catalog.Get(ctx)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	entry, ok := entryFor(cat, kind)
	if !ok {
		return fmt.Errorf("%w: %q", catalog.ErrUnknownKind, kind)
	}

	job, err := o.Jobs.MarkProcessing(ctx, entry.Kind, jobID)
	if errors.Is(err, jobs.ErrNotPending) {
		job, err = o.Jobs.Get(ctx, entry.Kind, jobID)
		if err != nil {
			return fmt.Errorf("load job %s: %w", jobID, err)
		}
		if job.IsTerminal() {
			return o.settle(ctx, job)
		}
		o.Logger.Warn("resuming job left processing", "job_id", jobID, "media_kind", entry.Kind)
	} else if err != nil {
		return fmt.Errorf("mark job %s processing: %w", jobID, err)
	}

	cctx, cancel := context.WithTimeout(ctx, time.Duration(entry.Ceiling))
	defer cancel()
	steps := make([]cascade.Step, len(entry.Providers))
	for i, s := range entry.Providers {
		steps[i] = cascade.Step{Provider: s.Provider, Model: s.Model, Timeout: time.Duration(s.Timeout)}
	}
	out, cerr := o.Cascade.Execute(cctx, providers.Request{
		RequestID: job.ID.String(),
		MediaKind: job.MediaKind,
		Prompt:    job.Prompt,
		SourceURL: job.SourceURL,
		Params:    job.Params,
	}, steps)
	if err := ctx.Err(); err != nil {
		// The worker is shutting down; leave the job processing for the retry.
		return err
	}

	result := jobs.Result{Status: models.JobStatusCompleted}
	if cerr != nil {
		result.Status = models.JobStatusFailed
		result.Meta = models.ProviderMeta{Attempts: attemptCount(cerr), Error: cerr.Error()}
	} else {
		result.OutputURL = &out.URL
		result.OutputRef = &out.StorageID
		result.Meta = models.ProviderMeta{Provider: out.Provider, Model: out.Model, Attempts: out.Attempts}
	}

	if err := o.Jobs.UpdateJobResult(ctx, entry.Kind, job.ID, result); err != nil {
		if !errors.Is(err, jobs.ErrNotUpdatable) {
			return fmt.Errorf("record job %s result: %w", job.ID, err)
		}
		// Someone else (the sweep) finished the job first; their state wins.
		current, gerr := o.Jobs.Get(ctx, entry.Kind, job.ID)
		if gerr != nil {
			return fmt.Errorf("load job %s: %w", job.ID, gerr)
		}
		return o.settle(ctx, current)
	}
	job.Status = result.Status
	job.OutputURL = result.OutputURL
	return o.settle(ctx, job)
}

// settle finalizes the reservation of a terminal job. Finalize only touches
// reserved entries, so calling it again is a no-op.
func (o *Orchestrator) settle(ctx context.Context, job *models.GenerationJob) error {
	success := job.HasOutput()
	meta := map[string]any{"job_id": job.ID.String(), "status": job.Status}
	if err := o.Ledger.Finalize(ctx, job.UserID, job.LedgerRequestID, success, meta); err != nil {
		return fmt.Errorf("settle job %s: %w", job.ID, err)
	}
	return nil
}

// Sweep fails jobs stuck past their kind's ceiling plus JobGrace and refunds
// them, then refunds reservations older than ReservationMaxAge.
func (o *Orchestrator) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	cat, err := o.Catalog.Get(ctx)
	if err != nil {
		return report, fmt.Errorf("load catalog: %w", err)
	}
	var longest time.Duration
	var errs []error
	for _, e := range cat.Entries() {
		age := time.Duration(e.Ceiling) + o.JobGrace
		if age > longest {
			longest = age
		}
		stale, err := o.Jobs.FailStale(ctx, e.Kind, age)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, s := range stale {
			meta := map[string]any{"job_id": s.ID.String(), "reason": "execution deadline exceeded"}
			if err := o.Ledger.Finalize(ctx, s.UserID, s.LedgerRequestID, false, meta); err != nil {
				errs = append(errs, err)
			}
		}
		report.FailedJobs += len(stale)
	}

	maxAge := o.ReservationMaxAge
	if maxAge <= longest {
		maxAge = longest + time.Minute
	}
	n, err := o.Ledger.SweepStale(ctx, maxAge)
	if err != nil {
		errs = append(errs, err)
	}
	report.RefundedReservations = n
	if report.FailedJobs > 0 || n > 0 {
		o.Logger.Info("sweep finished", "failed_jobs", report.FailedJobs, "refunded_reservations", n)
	}
	return report, errors.Join(errs...)
}

func entryFor(cat *catalog.Catalog, kind string) (catalog.Entry, bool) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	for _, e := range cat.Entries() {
		if e.Kind == kind {
			return e, true
		}
	}
	return catalog.Entry{}, false
}

func attemptCount(err error) int {
	var ex *cascade.ExhaustedError
	if errors.As(err, &ex) {
		return len(ex.Attempts)
	}
	return 0
}
