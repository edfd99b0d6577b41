package jobs

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/lumenframe/backend/internal/catalog"
	"github.com/lumenframe/backend/internal/middleware"
	"github.com/lumenframe/backend/internal/models"
)

// JobResponse is the client view of a job. Provider diagnostics stay internal.
type JobResponse struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	MediaKind   string     `json:"media_kind"`
	Status      string     `json:"status"`
	Prompt      string     `json:"prompt"`
	OutputURL   *string    `json:"output_url,omitempty"`
	Provider    *string    `json:"provider,omitempty"`
	Attempts    int        `json:"attempts"`
	Cost        int64      `json:"cost"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// ListJobs handles GET /v1/jobs?media_kind=&limit=.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	kind := r.URL.Query().Get("media_kind")
	if kind == "" {
		kind = models.MediaKindImage
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	list, err := h.svc.ListByUser(r.Context(), kind, userID, limit)
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownKind) {
			http.Error(w, "unknown media_kind", http.StatusBadRequest)
			return
		}
		h.log.Error("list jobs failed", "user_id", userID, "error", err)
		http.Error(w, "list jobs failed", http.StatusInternalServerError)
		return
	}
	resp := make([]JobResponse, 0, len(list))
	for _, j := range list {
		resp = append(resp, jobToResponse(j))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func jobToResponse(j *models.GenerationJob) JobResponse {
	out := JobResponse{
		ID:          j.ID.String(),
		RunID:       j.RunID,
		MediaKind:   j.MediaKind,
		Status:      j.Status,
		Prompt:      j.Prompt,
		Provider:    j.Provider,
		Attempts:    j.Attempts,
		Cost:        j.Cost,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
	}
	if j.HasOutput() {
		out.OutputURL = j.OutputURL
	}
	return out
}
