package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenframe/backend/internal/catalog"
	"github.com/lumenframe/backend/internal/models"
)

// memStore mirrors the SQL guards of Repository: unique (user, run id) per
// table, forward-only status updates and archive-then-replace for failures.
type memStore struct {
	mu       sync.Mutex
	rows     map[string][]*models.GenerationJob
	archived int
}

func newMemStore() *memStore {
	return &memStore{rows: map[string][]*models.GenerationJob{}}
}

func (m *memStore) find(table string, userID uuid.UUID, runID string) (int, *models.GenerationJob) {
	for i, j := range m.rows[table] {
		if j.UserID == userID && j.RunID == runID {
			return i, j
		}
	}
	return -1, nil
}

func (m *memStore) Find(_ context.Context, table string, userID uuid.UUID, runID string) (*models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, j := m.find(table, userID, runID)
	if j == nil {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) CreateOrGet(ctx context.Context, table string, p CreateParams, onCreate TxHook) (*models.GenerationJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, existing := m.find(table, p.UserID, p.RunID)
	if existing != nil && existing.Status != models.JobStatusFailed {
		cp := *existing
		return &cp, false, nil
	}
	now := time.Now()
	job := &models.GenerationJob{
		ID: uuid.New(), UserID: p.UserID, RunID: p.RunID, MediaKind: p.MediaKind, Prompt: p.Prompt,
		SourceURL: p.SourceURL, Params: p.Params, Status: models.JobStatusPending, Cost: p.Cost,
		LedgerRequestID: p.LedgerRequestID, CreatedAt: now, UpdatedAt: now,
	}
	if onCreate != nil {
		if err := onCreate(ctx, nil, job); err != nil {
			return nil, false, err
		}
	}
	if existing != nil {
		m.archived++
		m.rows[table] = append(m.rows[table][:i], m.rows[table][i+1:]...)
	}
	m.rows[table] = append(m.rows[table], job)
	cp := *job
	return &cp, true, nil
}

func (m *memStore) byID(table string, id uuid.UUID) *models.GenerationJob {
	for _, j := range m.rows[table] {
		if j.ID == id {
			return j
		}
	}
	return nil
}

func (m *memStore) MarkProcessing(_ context.Context, table string, id uuid.UUID) (*models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.byID(table, id)
	if j == nil || j.Status != models.JobStatusPending {
		return nil, ErrNotPending
	}
	j.Status = models.JobStatusProcessing
	cp := *j
	return &cp, nil
}

func (m *memStore) UpdateResult(_ context.Context, table string, id uuid.UUID, res Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.byID(table, id)
	if j == nil || j.IsTerminal() {
		return ErrNotUpdatable
	}
	j.Status = res.Status
	j.OutputURL = res.OutputURL
	j.OutputRef = res.OutputRef
	j.Attempts = res.Meta.Attempts
	return nil
}

func (m *memStore) Get(_ context.Context, table string, id uuid.UUID) (*models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.byID(table, id)
	if j == nil {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) GetForUser(_ context.Context, table string, userID uuid.UUID, id *uuid.UUID, runID string) (*models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.rows[table] {
		if j.UserID == userID && ((id != nil && j.ID == *id) || j.RunID == runID) {
			cp := *j
			return &cp, nil
		}
	}
	return nil, ErrJobNotFound
}

func (m *memStore) ListByUser(_ context.Context, table string, userID uuid.UUID, limit int) ([]*models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.GenerationJob
	for _, j := range m.rows[table] {
		if j.UserID == userID && len(out) < limit {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) FailStale(_ context.Context, table string, cutoff time.Time) ([]StaleJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StaleJob
	for _, j := range m.rows[table] {
		if !j.IsTerminal() && j.CreatedAt.Before(cutoff) {
			j.Status = models.JobStatusFailed
			out = append(out, StaleJob{ID: j.ID, UserID: j.UserID, LedgerRequestID: j.LedgerRequestID})
		}
	}
	return out, nil
}

func newTestService(t *testing.T) (Service, *memStore) {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)
	store := newMemStore()
	return NewService(store, cat, nil), store
}

func createParams(user uuid.UUID, run string) CreateParams {
	return CreateParams{UserID: user, RunID: run, MediaKind: "image", Prompt: "a cat", Cost: 1, LedgerRequestID: "image:" + run}
}

func TestCreateOrGetJobReturnsExisting(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	user := uuid.New()
	hooks := 0
	hook := func(context.Context, pgx.Tx, *models.GenerationJob) error { hooks++; return nil }

	first, created, err := svc.CreateOrGetJob(ctx, createParams(user, "run-1"), hook)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.JobStatusPending, first.Status)

	second, created, err := svc.CreateOrGetJob(ctx, createParams(user, "run-1"), hook)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, hooks, "enqueue hook runs only for new rows")

	found, err := svc.Find(ctx, user, "run-1", "image")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)

	none, err := svc.Find(ctx, user, "run-1", "video")
	require.NoError(t, err)
	assert.Nil(t, none, "run ids are scoped per media kind")
}

func TestCreateOrGetJobReplacesFailedJob(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	user := uuid.New()

	first, _, err := svc.CreateOrGetJob(ctx, createParams(user, "run-1"), nil)
	require.NoError(t, err)
	require.NoError(t, svc.UpdateJobResult(ctx, "image", first.ID, Result{Status: models.JobStatusFailed}))

	second, created, err := svc.CreateOrGetJob(ctx, createParams(user, "run-1"), nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, models.JobStatusPending, second.Status)
	assert.Equal(t, 1, store.archived)
}

func TestCreateOrGetJobHookFailureLeavesNoRow(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	user := uuid.New()
	boom := errors.New("queue unavailable")

	_, _, err := svc.CreateOrGetJob(ctx, createParams(user, "run-1"),
		func(context.Context, pgx.Tx, *models.GenerationJob) error { return boom })
	require.ErrorIs(t, err, boom)

	found, err := svc.Find(ctx, user, "run-1", "image")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestCreateOrGetJobValidates(t *testing.T) {
	svc, _ := newTestService(t)
	p := createParams(uuid.New(), "")
	_, _, err := svc.CreateOrGetJob(context.Background(), p, nil)
	assert.ErrorIs(t, err, ErrInvalidJob)

	p = createParams(uuid.New(), "run")
	p.MediaKind = "audio"
	_, _, err = svc.CreateOrGetJob(context.Background(), p, nil)
	assert.ErrorIs(t, err, catalog.ErrUnknownKind)
}

func TestStatusOnlyMovesForward(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	job, _, err := svc.CreateOrGetJob(ctx, createParams(uuid.New(), "run-1"), nil)
	require.NoError(t, err)

	_, err = svc.MarkProcessing(ctx, "image", job.ID)
	require.NoError(t, err)
	_, err = svc.MarkProcessing(ctx, "image", job.ID)
	assert.ErrorIs(t, err, ErrNotPending)

	url := "https://cdn.example.com/out.png"
	require.NoError(t, svc.UpdateJobResult(ctx, "image", job.ID, Result{Status: models.JobStatusCompleted, OutputURL: &url}))
	err = svc.UpdateJobResult(ctx, "image", job.ID, Result{Status: models.JobStatusFailed})
	assert.ErrorIs(t, err, ErrNotUpdatable)

	got, err := svc.Get(ctx, "image", job.ID)
	require.NoError(t, err)
	assert.True(t, got.HasOutput())
}

func TestUpdateJobResultRejectsIncompleteResults(t *testing.T) {
	svc, _ := newTestService(t)
	id := uuid.New()
	err := svc.UpdateJobResult(context.Background(), "image", id, Result{Status: models.JobStatusCompleted})
	assert.ErrorIs(t, err, ErrInvalidJob)
	err = svc.UpdateJobResult(context.Background(), "image", id, Result{Status: models.JobStatusProcessing})
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestGetForUserMatchesIDOrRunIDAndOwner(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	owner := uuid.New()
	job, _, err := svc.CreateOrGetJob(ctx, createParams(owner, "run-7"), nil)
	require.NoError(t, err)

	byID, err := svc.GetForUser(ctx, "image", owner, job.ID.String())
	require.NoError(t, err)
	assert.Equal(t, job.ID, byID.ID)

	byRun, err := svc.GetForUser(ctx, "image", owner, "run-7")
	require.NoError(t, err)
	assert.Equal(t, job.ID, byRun.ID)

	_, err = svc.GetForUser(ctx, "image", uuid.New(), job.ID.String())
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestFailStale(t *testing.T) {
	cat, _ := catalog.Default()
	store := newMemStore()
	svc := NewService(store, cat, nil).(*service)
	ctx := context.Background()
	job, _, err := svc.CreateOrGetJob(ctx, createParams(uuid.New(), "run-1"), nil)
	require.NoError(t, err)

	stale, err := svc.FailStale(ctx, "image", time.Hour)
	require.NoError(t, err)
	assert.Empty(t, stale)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	stale, err = svc.FailStale(ctx, "image", time.Hour)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, job.ID, stale[0].ID)
	assert.Equal(t, "image:run-1", stale[0].LedgerRequestID)

	got, _ := svc.Get(ctx, "image", job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
}
