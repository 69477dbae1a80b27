/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Wires the sandbox storefront handlers into a chi router.

MIDDLEWARE STACK:
  1. Logger:      Request logging
  2. Recoverer:   Panic recovery (500 instead of crash)
  3. RequestID:   Unique ID per request for tracing
  4. CORS:        Browser-origin checkout clients
  5. Idempotency: Server-side replay of repeated mutating requests

ROUTE GROUPS:
  /api/auth/*              Login and refresh (no bearer)
  /api/stores/register     Store registration (no bearer)
  /api/payments/intents/*  Payment intents (bearer required)
  /api/sandbox/scenarios/* Demo scenario loading (no bearer)

SEE ALSO:
  - handlers.go: Handler implementations
  - scenarios.go: Demo scenarios
  - cmd/sandbox/main.go: Server startup
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
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", IdempotencyHeader},
		ExposedHeaders:   []string{ReplayedHeader},
		AllowCredentials: true,
	}))
	r.Use(h.replies.Idempotency(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", h.Login)
			r.Post("/refresh", h.Refresh)
		})

		r.Post("/stores/register", h.RegisterStore)

		r.Route("/payments/intents", func(r chi.Router) {
			r.Use(h.RequireAuth)
			r.Post("/", h.CreateIntent)
			r.Get("/{id}", h.GetIntent)
			r.Post("/{id}/approve", h.ApproveIntent)
			r.Post("/{id}/cancel", h.CancelIntent)
			r.Post("/{id}/complete", h.CompleteIntent)
		})

		r.Route("/sandbox/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
