package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all routes. The cron trigger endpoints are guarded
// by the shared-secret middleware; unsubscribe and health are public.
func SetupRoutes(h *Handlers, origins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	if len(origins) == 0 {
		origins = []string{"http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Cron-Secret"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)

	// One-click unsubscribe: GET for browser clicks, POST per RFC 8058.
	r.Get("/unsubscribe", h.Unsubscribe)
	r.Post("/unsubscribe", h.Unsubscribe)

	r.Route("/api/cron", func(r chi.Router) {
		r.Use(h.RequireCronSecret)
		r.Post("/campaigns", h.RunCampaigns)
		r.Post("/sequences", h.RunSequences)
	})

	return r
}
