package jobs

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenframe/backend/internal/database"
	"github.com/lumenframe/backend/internal/models"
)

// testPool connects to DATABASE_URL and applies the schema. Tests using it
// are skipped when the variable is unset.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := database.Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, database.Migrate(ctx, pool, []string{"image_jobs"}, nil))
	return pool
}

func TestRepositoryConcurrentCreateOrGet(t *testing.T) {
	pool := testPool(t)
	repo := NewRepository(pool)
	ctx := context.Background()
	p := CreateParams{
		UserID: uuid.New(), RunID: "run-1", MediaKind: "image", Prompt: "p",
		Cost: 2, LedgerRequestID: "image:run-1",
	}

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		hooks   int
		ids     = map[uuid.UUID]bool{}
	)
	hook := func(context.Context, pgx.Tx, *models.GenerationJob) error {
		mu.Lock()
		hooks++
		mu.Unlock()
		return nil
	}
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, ok, err := repo.CreateOrGet(ctx, "image_jobs", p, hook)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				created++
			}
			ids[job.ID] = true
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 1, hooks)
	assert.Len(t, ids, 1)
}

func TestRepositoryFailedJobIsArchivedAndReplaced(t *testing.T) {
	pool := testPool(t)
	repo := NewRepository(pool)
	ctx := context.Background()
	p := CreateParams{
		UserID: uuid.New(), RunID: "run-1", MediaKind: "image", Prompt: "p",
		Cost: 2, LedgerRequestID: "image:run-1",
	}

	first, created, err := repo.CreateOrGet(ctx, "image_jobs", p, nil)
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, repo.UpdateResult(ctx, "image_jobs", first.ID, Result{
		Status: models.JobStatusFailed,
		Meta:   models.ProviderMeta{Attempts: 2, Error: "exhausted"},
	}))
	assert.ErrorIs(t, repo.UpdateResult(ctx, "image_jobs", first.ID, Result{Status: models.JobStatusFailed}), ErrNotUpdatable)

	second, created, err := repo.CreateOrGet(ctx, "image_jobs", p, nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, models.JobStatusPending, second.Status)

	var archived int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*) FROM job_failures WHERE job_id = $1 AND error = 'exhausted'`, first.ID).Scan(&archived))
	assert.Equal(t, 1, archived)

	_, err = repo.Get(ctx, "image_jobs", first.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}
