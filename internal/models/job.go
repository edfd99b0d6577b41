package models

import (
	"time"

	"github.com/google/uuid"
)

// Job statuses. Transitions only move forward; a failed job is replaced by a
// new pending row on retry rather than resurrected.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Media kinds served by the catalog.
const (
	MediaKindImage = "image"
	MediaKindVideo = "video"
)

// GenerationParams are the numeric controls forwarded to providers.
type GenerationParams struct {
	Strength *float64 `json:"strength,omitempty"`
	Guidance *float64 `json:"guidance,omitempty"`
	Steps    *int     `json:"steps,omitempty"`
	Seed     *int64   `json:"seed,omitempty"`
}

type GenerationJob struct {
	ID              uuid.UUID        `json:"id"`
	UserID          uuid.UUID        `json:"user_id"`
	RunID           string           `json:"run_id"`
	MediaKind       string           `json:"media_kind"`
	Prompt          string           `json:"prompt"`
	SourceURL       string           `json:"source_url,omitempty"`
	Params          GenerationParams `json:"params"`
	OutputURL       *string          `json:"output_url,omitempty"`
	OutputRef       *string          `json:"output_ref,omitempty"`
	Status          string           `json:"status"`
	Provider        *string          `json:"provider,omitempty"`
	Model           *string          `json:"model,omitempty"`
	Attempts        int              `json:"attempts"`
	Error           *string          `json:"error,omitempty"`
	Cost            int64            `json:"cost"`
	LedgerRequestID string           `json:"-"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the job reached completed or failed.
func (j *GenerationJob) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// HasOutput reports whether a completed job carries a durable output.
func (j *GenerationJob) HasOutput() bool {
	return j.Status == JobStatusCompleted && j.OutputURL != nil && *j.OutputURL != ""
}

// ProviderMeta records which provider served a job and how many attempts it took.
type ProviderMeta struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}
