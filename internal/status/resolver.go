// Package status answers "what happened to my generation?" across every
// media kind table.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lumenframe/backend/internal/catalog"
	"github.com/lumenframe/backend/internal/jobs"
	"github.com/lumenframe/backend/internal/models"
)

// StateNotFound is advisory: the id may belong to another user, another
// kind, or not exist yet.
const StateNotFound = "not_found"

// failedMessage replaces provider diagnostics in client-facing responses.
const failedMessage = "generation failed"

var ErrInvalidLookup = errors.New("job id or run id is required")

type Status struct {
	State       string     `json:"status"`
	JobID       *uuid.UUID `json:"job_id,omitempty"`
	RunID       string     `json:"run_id,omitempty"`
	MediaKind   string     `json:"media_kind,omitempty"`
	OutputURL   *string    `json:"output_url,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// JobFinder looks a job up by id or run id, scoped to its owner.
type JobFinder interface {
	GetForUser(ctx context.Context, kind string, userID uuid.UUID, idOrRunID string) (*models.GenerationJob, error)
}

// CatalogSource returns the current catalog; *catalog.Cache implements it.
type CatalogSource interface {
	Get(ctx context.Context) (*catalog.Catalog, error)
}

type Resolver struct {
	jobs    JobFinder
	catalog CatalogSource
	log     *slog.Logger
}

func NewResolver(finder JobFinder, cat CatalogSource, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{jobs: finder, catalog: cat, log: log}
}

// GetStatus searches the table of kind when it is a known media kind,
// otherwise every table in catalog order, returning the first job owned by
// userID. Disabled kinds are still searched so old jobs stay visible.
func (r *Resolver) GetStatus(ctx context.Context, userID uuid.UUID, jobOrRunID string, kind *string) (*Status, error) {
	jobOrRunID = strings.TrimSpace(jobOrRunID)
	if jobOrRunID == "" || userID == uuid.Nil {
		return nil, ErrInvalidLookup
	}
	cat, err := r.catalog.Get(ctx)
	if err != nil {
		return nil, err
	}
	for _, k := range searchOrder(cat, kind) {
		job, err := r.jobs.GetForUser(ctx, k, userID, jobOrRunID)
		if errors.Is(err, jobs.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lookup %s job: %w", k, err)
		}
		return fromJob(job), nil
	}
	return &Status{State: StateNotFound}, nil
}

func searchOrder(cat *catalog.Catalog, kind *string) []string {
	entries := cat.Entries()
	if kind != nil {
		want := strings.ToLower(strings.TrimSpace(*kind))
		for _, e := range entries {
			if e.Kind == want {
				return []string{e.Kind}
			}
		}
	}
	kinds := make([]string, len(entries))
	for i, e := range entries {
		kinds[i] = e.Kind
	}
	return kinds
}

func fromJob(j *models.GenerationJob) *Status {
	id := j.ID
	st := &Status{
		State:       j.Status,
		JobID:       &id,
		RunID:       j.RunID,
		MediaKind:   j.MediaKind,
		CreatedAt:   &j.CreatedAt,
		CompletedAt: j.CompletedAt,
	}
	switch j.Status {
	case models.JobStatusCompleted:
		st.OutputURL = j.OutputURL
	case models.JobStatusFailed:
		st.Error = failedMessage
	}
	return st
}
