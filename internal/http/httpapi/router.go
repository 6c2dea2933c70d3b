package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"renderflow/internal/http/handlers"
	"renderflow/internal/infra"
	"renderflow/internal/middleware"
)

// NewRouter assembles the HTTP API with the standard middleware chain.
func NewRouter(app *handlers.App, cfg *infra.Config, log infra.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Logger(log))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(middleware.I18N("en"))

	r.Get("/v1/healthz", app.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/videos", func(r chi.Router) {
			r.With(middleware.RateLimit(cfg.RateLimitPerMin, time.Minute)).
				Post("/generate", app.VideosGenerate)
			r.Get("/{job_id}/status", app.VideoStatus)
			r.Get("/{job_id}/progress", app.VideoProgress)
		})
		r.Get("/queue/status", app.QueueStatus)
	})

	return r
}
