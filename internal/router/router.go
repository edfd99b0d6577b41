package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/lumenframe/backend/internal/dashboard"
	"github.com/lumenframe/backend/internal/handlers"
	"github.com/lumenframe/backend/internal/jobs"
	"github.com/lumenframe/backend/internal/middleware"
)

// Pinger reports database reachability; *pgxpool.Pool implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Generations    *handlers.GenerationHandler
	Jobs           *jobs.Handler
	Dashboard      *dashboard.Handler
	Tokens         middleware.TokenValidator
	DB             Pinger
	AllowedOrigins []string

	// MediaDir, when set, is served under /media/ for the local store.
	MediaDir string
	Logger   *slog.Logger
}

// New returns the API handler: /healthz is public, everything under /v1
// requires a bearer token.
func New(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)

	r.Get("/healthz", health(d.DB))
	if d.MediaDir != "" {
		r.Handle("/media/*", http.StripPrefix("/media/", http.FileServer(http.Dir(d.MediaDir))))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.BearerAuth(d.Tokens, d.Logger))
		r.Post("/generations", d.Generations.Submit)
		r.Get("/generations/{id}", d.Generations.GetStatus)
		r.Get("/jobs", d.Jobs.ListJobs)
		r.Get("/credits", d.Dashboard.GetCredits)
	})

	return cors.New(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}).Handler(r)
}

func health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
				return
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
