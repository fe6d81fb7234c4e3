/**
 * @description
 * This file sets up the HTTP router for the stream-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * authentication middleware. Dashboard traffic goes through the service-token
 * group; sibling services use the /internal mirror of the mutating routes with
 * the internal API key. /health and /metrics are unauthenticated.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS for the operations dashboard.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// StreamRoutes creates and returns the router for the stream service.
// metricsHandler may be nil, in which case /metrics is not registered.
func StreamRoutes(h *StreamHandlers, jwtSecret, internalKey string, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	// Mirror of the mutating routes for server-to-server callers.
	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Post("/streams", h.CreateStreamHandler)
		r.Post("/streams/dry-run", h.DryRunCreateStreamHandler)
		r.Post("/streams/{id}/top-up", h.TopUpStreamHandler)
		r.Post("/streams/{id}/withdraw", h.WithdrawStreamHandler)
		r.Post("/streams/{id}/pause", h.PauseStreamHandler)
		r.Post("/streams/{id}/resume", h.ResumeStreamHandler)
		r.Post("/streams/{id}/cancel", h.CancelStreamHandler)
	})

	// Group routes that require a service token.
	r.Group(func(r chi.Router) {
		r.Use(ServiceAuthMiddleware(jwtSecret))

		r.Post("/streams", h.CreateStreamHandler)
		r.Post("/streams/dry-run", h.DryRunCreateStreamHandler)
		r.Get("/streams", h.ListStreamsHandler)
		r.Get("/streams/{id}", h.GetStreamHandler)
		r.Get("/streams/{id}/events", h.ListStreamEventsHandler)
		r.Post("/streams/{id}/top-up", h.TopUpStreamHandler)
		r.Post("/streams/{id}/withdraw", h.WithdrawStreamHandler)
		r.Post("/streams/{id}/pause", h.PauseStreamHandler)
		r.Post("/streams/{id}/resume", h.ResumeStreamHandler)
		r.Post("/streams/{id}/cancel", h.CancelStreamHandler)

		r.Get("/agents/{id}/limits", h.AgentLimitsHandler)
		r.Get("/agents/{id}/outflow", h.AgentOutflowHandler)
	})

	return r
}
