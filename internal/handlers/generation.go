package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lumenframe/backend/internal/ledger"
	"github.com/lumenframe/backend/internal/middleware"
	"github.com/lumenframe/backend/internal/models"
	"github.com/lumenframe/backend/internal/services"
	"github.com/lumenframe/backend/internal/status"
)

// maxBodyBytes bounds submission bodies; prompts are short.
const maxBodyBytes = 64 << 10

// Submitter accepts generation requests; *services.Orchestrator implements it.
type Submitter interface {
	Submit(ctx context.Context, in services.SubmitInput) (*services.SubmitResult, error)
}

// StatusResolver answers poll requests; *status.Resolver implements it.
type StatusResolver interface {
	GetStatus(ctx context.Context, userID uuid.UUID, jobOrRunID string, kind *string) (*status.Status, error)
}

// GenerationHandler serves /v1/generations endpoints.
type GenerationHandler struct {
	Submitter Submitter
	Status    StatusResolver
	Logger    *slog.Logger
}

// --- POST /v1/generations ---

type submitRequest struct {
	Prompt    string   `json:"prompt"`
	MediaKind string   `json:"media_kind"`
	SourceURL string   `json:"source_url"`
	RunID     string   `json:"run_id"`
	Strength  *float64 `json:"strength"`
	Guidance  *float64 `json:"guidance"`
	Steps     *int     `json:"steps"`
	Seed      *int64   `json:"seed"`
}

type submitResponse struct {
	JobID     string  `json:"job_id"`
	RunID     string  `json:"run_id"`
	MediaKind string  `json:"media_kind"`
	Status    string  `json:"status"`
	Cost      int64   `json:"cost"`
	OutputURL *string `json:"output_url,omitempty"`
}

// Submit handles POST /v1/generations.
// Auth (middleware) -> Decode -> Orchestrator.Submit -> 202, or 200 when an
// already finished job is replayed.
func (h *GenerationHandler) Submit(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	res, err := h.Submitter.Submit(r.Context(), services.SubmitInput{
		UserID:    userID,
		MediaKind: req.MediaKind,
		RunID:     req.RunID,
		Prompt:    req.Prompt,
		SourceURL: req.SourceURL,
		Params: models.GenerationParams{
			Strength: req.Strength,
			Guidance: req.Guidance,
			Steps:    req.Steps,
			Seed:     req.Seed,
		},
	})
	switch {
	case err == nil:
	case errors.Is(err, services.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, ledger.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired, "insufficient credits")
		return
	default:
		h.logger().Error("submit generation", "user_id", userID, "run_id", req.RunID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	job := res.Job
	code := http.StatusAccepted
	if !res.Created && job.IsTerminal() {
		code = http.StatusOK
	}
	resp := submitResponse{
		JobID:     job.ID.String(),
		RunID:     job.RunID,
		MediaKind: job.MediaKind,
		Status:    job.Status,
		Cost:      job.Cost,
	}
	if job.HasOutput() {
		resp.OutputURL = job.OutputURL
	}
	writeJSON(w, code, resp)
}

// --- GET /v1/generations/{id} ---

// GetStatus handles GET /v1/generations/{id}?media_kind=. The id may be a job
// id or the caller's run id. Unknown ids answer 200 with status "not_found".
func (h *GenerationHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var kind *string
	if k := r.URL.Query().Get("media_kind"); k != "" {
		kind = &k
	}
	st, err := h.Status.GetStatus(r.Context(), userID, chi.URLParam(r, "id"), kind)
	if err != nil {
		if errors.Is(err, status.ErrInvalidLookup) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger().Error("get generation status", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *GenerationHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// --- helpers ---

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
