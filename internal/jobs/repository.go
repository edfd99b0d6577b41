package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumenframe/backend/internal/models"
)

const jobColumns = `id, user_id, run_id, media_kind, prompt, source_url, params, output_url, output_ref,
	status, provider, model, attempts, error, cost, ledger_request_id, created_at, updated_at, started_at, completed_at`

// createAttempts bounds the insert/select loop when a conflicting row is
// deleted between the two statements.
const createAttempts = 3

// Repository stores generation jobs. Every media kind has its own table with
// the same shape; table names come from the catalog and are quoted here.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func quote(table string) string {
	return pgx.Identifier{table}.Sanitize()
}

func (r *Repository) Find(ctx context.Context, table string, userID uuid.UUID, runID string) (*models.GenerationJob, error) {
	j, err := scanJob(r.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM `+quote(table)+` WHERE user_id = $1 AND run_id = $2
	`, userID, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// CreateOrGet inserts a pending job unless one already exists for (user, run
// id). An existing failed job is archived to job_failures and replaced in the
// same transaction; any other existing job is returned unchanged. onCreate
// runs inside the transaction only when a new row was written.
func (r *Repository) CreateOrGet(ctx context.Context, table string, p CreateParams, onCreate TxHook) (*models.GenerationJob, bool, error) {
	params, err := json.Marshal(p.Params)
	if err != nil {
		return nil, false, err
	}
	for i := 0; i < createAttempts; i++ {
		job, created, err := r.createOrGet(ctx, table, p, params, onCreate)
		if errors.Is(err, errVanished) {
			continue
		}
		return job, created, err
	}
	return nil, false, errVanished
}

var errVanished = errors.New("jobs: conflicting row vanished during create")

func (r *Repository) createOrGet(ctx context.Context, table string, p CreateParams, params []byte, onCreate TxHook) (*models.GenerationJob, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	insert := `
		INSERT INTO ` + quote(table) + ` (user_id, run_id, media_kind, prompt, source_url, params, status, cost, ledger_request_id)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8)`
	args := []any{p.UserID, p.RunID, p.MediaKind, p.Prompt, p.SourceURL, params, p.Cost, p.LedgerRequestID}

	job, err := scanJob(tx.QueryRow(ctx, insert+` ON CONFLICT (user_id, run_id) DO NOTHING RETURNING `+jobColumns, args...))
	if err == nil {
		return r.commitCreated(ctx, tx, job, onCreate)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	existing, err := scanJob(tx.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM `+quote(table)+` WHERE user_id = $1 AND run_id = $2 FOR UPDATE
	`, p.UserID, p.RunID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, errVanished
	}
	if err != nil {
		return nil, false, err
	}
	if existing.Status != models.JobStatusFailed {
		return existing, false, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO job_failures (job_id, user_id, run_id, media_kind, provider, model, attempts, error, created_at)
		SELECT id, user_id, run_id, media_kind, provider, model, attempts, error, created_at
		FROM `+quote(table)+` WHERE id = $1
	`, existing.ID); err != nil {
		return nil, false, err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM `+quote(table)+` WHERE id = $1`, existing.ID); err != nil {
		return nil, false, err
	}
	job, err = scanJob(tx.QueryRow(ctx, insert+` RETURNING `+jobColumns, args...))
	if err != nil {
		return nil, false, err
	}
	return r.commitCreated(ctx, tx, job, onCreate)
}

func (r *Repository) commitCreated(ctx context.Context, tx pgx.Tx, job *models.GenerationJob, onCreate TxHook) (*models.GenerationJob, bool, error) {
	if onCreate != nil {
		if err := onCreate(ctx, tx, job); err != nil {
			return nil, false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// MarkProcessing moves a pending job to processing. It returns ErrNotPending
// when no pending row matched.
func (r *Repository) MarkProcessing(ctx context.Context, table string, id uuid.UUID) (*models.GenerationJob, error) {
	j, err := scanJob(r.pool.QueryRow(ctx, `
		UPDATE `+quote(table)+`
		SET status = 'processing', started_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+jobColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotPending
	}
	return j, err
}

// UpdateResult writes the terminal state. Only pending or processing rows are
// updated; ErrNotUpdatable is returned otherwise.
func (r *Repository) UpdateResult(ctx context.Context, table string, id uuid.UUID, res Result) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE `+quote(table)+`
		SET status = $2, output_url = $3, output_ref = $4, provider = $5, model = $6, attempts = $7, error = $8,
			completed_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, id, res.Status, res.OutputURL, res.OutputRef,
		nullable(res.Meta.Provider), nullable(res.Meta.Model), res.Meta.Attempts, nullable(res.Meta.Error))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotUpdatable
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, table string, id uuid.UUID) (*models.GenerationJob, error) {
	j, err := scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM `+quote(table)+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return j, err
}

// GetForUser matches either the job id or the run id, always scoped to the
// owner. A nil id matches on run id alone.
func (r *Repository) GetForUser(ctx context.Context, table string, userID uuid.UUID, id *uuid.UUID, runID string) (*models.GenerationJob, error) {
	j, err := scanJob(r.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM `+quote(table)+`
		WHERE user_id = $1 AND (id = $2 OR run_id = $3)
		ORDER BY (id = $2) DESC NULLS LAST
		LIMIT 1
	`, userID, id, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return j, err
}

func (r *Repository) ListByUser(ctx context.Context, table string, userID uuid.UUID, limit int) ([]*models.GenerationJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM `+quote(table)+`
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.GenerationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

// FailStale fails every non-terminal job created before cutoff and returns
// what is needed to refund their reservations.
func (r *Repository) FailStale(ctx context.Context, table string, cutoff time.Time) ([]StaleJob, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE `+quote(table)+`
		SET status = 'failed', error = 'execution deadline exceeded', completed_at = now(), updated_at = now()
		WHERE status IN ('pending', 'processing') AND created_at < $1
		RETURNING id, user_id, ledger_request_id
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []StaleJob
	for rows.Next() {
		var s StaleJob
		if err := rows.Scan(&s.ID, &s.UserID, &s.LedgerRequestID); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

func scanJob(row pgx.Row) (*models.GenerationJob, error) {
	var (
		j      models.GenerationJob
		params []byte
	)
	err := row.Scan(&j.ID, &j.UserID, &j.RunID, &j.MediaKind, &j.Prompt, &j.SourceURL, &params, &j.OutputURL, &j.OutputRef,
		&j.Status, &j.Provider, &j.Model, &j.Attempts, &j.Error, &j.Cost, &j.LedgerRequestID,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &j.Params); err != nil {
			return nil, err
		}
	}
	return &j, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
