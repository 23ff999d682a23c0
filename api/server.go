/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for admin tooling

ROUTE GROUPS:
  /api/points/*    Issue / cancel-issue / use / cancel-use operations
  /api/users/*     Per-user read side
  /api/policy      Policy read and admin update
  /api/health      Liveness probe

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Operation routes
		r.Route("/points", func(r chi.Router) {
			r.Post("/save", h.IssuePoints)
			r.Post("/save/cancel", h.CancelIssue)
			r.Post("/use", h.UsePoints)
			r.Post("/use/cancel", h.CancelUse)
		})

		// Read-side routes
		r.Route("/users", func(r chi.Router) {
			r.Get("/{id}/lots", h.ListUserLots)
			r.Get("/{id}/summary", h.GetUserSummary)
			r.Get("/{id}/events", h.ListUserEvents)
		})

		// Policy routes
		r.Route("/policy", func(r chi.Router) {
			r.Get("/", h.GetPolicy)
			r.Put("/", h.UpdatePolicy)
		})

		r.Get("/health", h.Health)
	})

	return r
}
