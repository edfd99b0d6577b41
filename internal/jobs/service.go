package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lumenframe/backend/internal/catalog"
	"github.com/lumenframe/backend/internal/models"
)

var (
	// ErrNotPending is returned by MarkProcessing when the job already left pending.
	ErrNotPending = errors.New("job is not pending")
	// ErrNotUpdatable is returned when a terminal write targets a terminal job.
	ErrNotUpdatable = errors.New("job is already terminal")
	ErrJobNotFound  = errors.New("job not found")
	ErrInvalidJob   = errors.New("invalid job")
)

// TxHook runs inside the job-creation transaction after the row is written.
// It is how the execution task is enqueued atomically with the job.
type TxHook func(ctx context.Context, tx pgx.Tx, job *models.GenerationJob) error

type CreateParams struct {
	UserID          uuid.UUID
	RunID           string
	MediaKind       string
	Prompt          string
	SourceURL       string
	Params          models.GenerationParams
	Cost            int64
	LedgerRequestID string
}

// Result is the single terminal write for a job.
type Result struct {
	Status    string
	OutputURL *string
	OutputRef *string
	Meta      models.ProviderMeta
}

// StaleJob identifies a job failed by the sweep and the reservation it holds.
type StaleJob struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	LedgerRequestID string
}

type Service interface {
	Find(ctx context.Context, userID uuid.UUID, runID, kind string) (*models.GenerationJob, error)
	CreateOrGetJob(ctx context.Context, p CreateParams, onCreate TxHook) (*models.GenerationJob, bool, error)
	MarkProcessing(ctx context.Context, kind string, id uuid.UUID) (*models.GenerationJob, error)
	UpdateJobResult(ctx context.Context, kind string, id uuid.UUID, res Result) error
	Get(ctx context.Context, kind string, id uuid.UUID) (*models.GenerationJob, error)
	GetForUser(ctx context.Context, kind string, userID uuid.UUID, idOrRunID string) (*models.GenerationJob, error)
	ListByUser(ctx context.Context, kind string, userID uuid.UUID, limit int) ([]*models.GenerationJob, error)
	FailStale(ctx context.Context, kind string, olderThan time.Duration) ([]StaleJob, error)
}

// Store is the table-addressed persistence contract; *Repository implements it.
type Store interface {
	Find(ctx context.Context, table string, userID uuid.UUID, runID string) (*models.GenerationJob, error)
	CreateOrGet(ctx context.Context, table string, p CreateParams, onCreate TxHook) (*models.GenerationJob, bool, error)
	MarkProcessing(ctx context.Context, table string, id uuid.UUID) (*models.GenerationJob, error)
	UpdateResult(ctx context.Context, table string, id uuid.UUID, res Result) error
	Get(ctx context.Context, table string, id uuid.UUID) (*models.GenerationJob, error)
	GetForUser(ctx context.Context, table string, userID uuid.UUID, id *uuid.UUID, runID string) (*models.GenerationJob, error)
	ListByUser(ctx context.Context, table string, userID uuid.UUID, limit int) ([]*models.GenerationJob, error)
	FailStale(ctx context.Context, table string, cutoff time.Time) ([]StaleJob, error)
}

var _ Store = (*Repository)(nil)

type service struct {
	store   Store
	catalog *catalog.Catalog
	log     *slog.Logger
	now     func() time.Time
}

// NewService resolves media kinds to tables through cat. Table names never
// change at runtime, so the base catalog is enough here.
func NewService(store Store, cat *catalog.Catalog, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{store: store, catalog: cat, log: log, now: time.Now}
}

var _ Service = (*service)(nil)

func (s *service) table(kind string) (string, error) {
	for _, e := range s.catalog.Entries() {
		if e.Kind == strings.ToLower(strings.TrimSpace(kind)) {
			return e.Table, nil
		}
	}
	return "", fmt.Errorf("%w: %q", catalog.ErrUnknownKind, kind)
}

func (s *service) Find(ctx context.Context, userID uuid.UUID, runID, kind string) (*models.GenerationJob, error) {
	table, err := s.table(kind)
	if err != nil {
		return nil, err
	}
	return s.store.Find(ctx, table, userID, runID)
}

func (s *service) CreateOrGetJob(ctx context.Context, p CreateParams, onCreate TxHook) (*models.GenerationJob, bool, error) {
	p.RunID = strings.TrimSpace(p.RunID)
	p.MediaKind = strings.ToLower(strings.TrimSpace(p.MediaKind))
	if p.UserID == uuid.Nil || p.RunID == "" || p.LedgerRequestID == "" || p.Cost <= 0 {
		return nil, false, fmt.Errorf("%w: user, run id, ledger request id and cost are required", ErrInvalidJob)
	}
	table, err := s.table(p.MediaKind)
	if err != nil {
		return nil, false, err
	}
	job, created, err := s.store.CreateOrGet(ctx, table, p, onCreate)
	if err != nil {
		return nil, false, fmt.Errorf("create job %s/%s: %w", p.MediaKind, p.RunID, err)
	}
	if created {
		s.log.Info("job created", "job_id", job.ID, "media_kind", p.MediaKind, "run_id", p.RunID, "user_id", p.UserID)
	}
	return job, created, nil
}

func (s *service) MarkProcessing(ctx context.Context, kind string, id uuid.UUID) (*models.GenerationJob, error) {
	table, err := s.table(kind)
	if err != nil {
		return nil, err
	}
	return s.store.MarkProcessing(ctx, table, id)
}

func (s *service) UpdateJobResult(ctx context.Context, kind string, id uuid.UUID, res Result) error {
	switch res.Status {
	case models.JobStatusCompleted:
		if res.OutputURL == nil || *res.OutputURL == "" {
			return fmt.Errorf("%w: completed job needs an output url", ErrInvalidJob)
		}
	case models.JobStatusFailed:
	default:
		return fmt.Errorf("%w: %q is not a terminal status", ErrInvalidJob, res.Status)
	}
	table, err := s.table(kind)
	if err != nil {
		return err
	}
	if err := s.store.UpdateResult(ctx, table, id, res); err != nil {
		return err
	}
	s.log.Info("job finished", "job_id", id, "media_kind", kind, "status", res.Status,
		"provider", res.Meta.Provider, "attempts", res.Meta.Attempts)
	return nil
}

func (s *service) Get(ctx context.Context, kind string, id uuid.UUID) (*models.GenerationJob, error) {
	table, err := s.table(kind)
	if err != nil {
		return nil, err
	}
	return s.store.Get(ctx, table, id)
}

// GetForUser accepts either a job id or a run id.
func (s *service) GetForUser(ctx context.Context, kind string, userID uuid.UUID, idOrRunID string) (*models.GenerationJob, error) {
	table, err := s.table(kind)
	if err != nil {
		return nil, err
	}
	idOrRunID = strings.TrimSpace(idOrRunID)
	var id *uuid.UUID
	if parsed, err := uuid.Parse(idOrRunID); err == nil {
		id = &parsed
	}
	return s.store.GetForUser(ctx, table, userID, id, idOrRunID)
}

func (s *service) ListByUser(ctx context.Context, kind string, userID uuid.UUID, limit int) ([]*models.GenerationJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	table, err := s.table(kind)
	if err != nil {
		return nil, err
	}
	return s.store.ListByUser(ctx, table, userID, limit)
}

func (s *service) FailStale(ctx context.Context, kind string, olderThan time.Duration) ([]StaleJob, error) {
	if olderThan <= 0 {
		return nil, fmt.Errorf("%w: stale age must be positive", ErrInvalidJob)
	}
	table, err := s.table(kind)
	if err != nil {
		return nil, err
	}
	stale, err := s.store.FailStale(ctx, table, s.now().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("fail stale %s jobs: %w", kind, err)
	}
	for _, j := range stale {
		s.log.Warn("stale job failed", "job_id", j.ID, "media_kind", kind, "user_id", j.UserID)
	}
	return stale, nil
}
