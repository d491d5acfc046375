/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and the
  operational routes. This is an ops surface only (health check,
  ledger/DLQ inspection); there is no /api/leases or similar business
  route group here.

ROUTER: chi, with middleware ordered Logger, Recoverer, RequestID, CORS.

ROUTES:
  GET /healthz                  liveness probe
  GET /debug/ledger/{leaseId}   dump a lease's ledger history
  GET /debug/dlq                list current dead-letter queue entries
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a router with the operational routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
	}))

	r.Get("/healthz", h.Healthz)
	r.Route("/debug", func(r chi.Router) {
		r.Get("/ledger/{leaseId}", h.DebugLeaseLedger)
		r.Get("/dlq", h.DebugDLQ)
	})

	return r
}
