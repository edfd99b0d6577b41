package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/lumenframe/backend/internal/middleware"
	"github.com/lumenframe/backend/internal/models"
)

// Credits is the read side of the ledger; ledger.Service implements it.
type Credits interface {
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
	ListEntries(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
}

type Handler struct {
	credits Credits
	log     *slog.Logger
}

func NewHandler(credits Credits, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{credits: credits, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type creditsResponse struct {
	Balance int64                 `json:"balance"`
	Entries []*models.LedgerEntry `json:"entries"`
}

// GET /v1/credits?limit=
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	balance, err := h.credits.Balance(r.Context(), userID)
	if err != nil {
		h.log.Error("get balance failed", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	entries, err := h.credits.ListEntries(r.Context(), userID, limit)
	if err != nil {
		h.log.Error("list credit ledger failed", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, creditsResponse{Balance: balance, Entries: entries})
}
