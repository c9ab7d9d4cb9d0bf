/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/tenants/{tenant}/mix-orders/*    Mix order lifecycle and steps
  /api/tenants/{tenant}/batches/*       Batch lifecycle and traceability
  /api/tenants/{tenant}/mobile-runs/*   Mobile runs, calibration, cleaning
  /api/tenants/{tenant}/audit           Audit trail
  /api/import                           Snapshot document import
  /api/scenarios/*                      Demo scenarios
  /metrics                              Prometheus
  /healthz                              Liveness + database ping

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.
  The tenant in the path is trusted as given.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions tunes the router.
type RouterOptions struct {
	AllowedOrigins []string
}

// DefaultAllowedOrigins are the local frontend dev servers.
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = DefaultAllowedOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "If-Match", ActorHeader},
		ExposedHeaders:   []string{"ETag"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/tenants/{tenant}", func(r chi.Router) {
			// Mix order routes
			r.Route("/mix-orders", func(r chi.Router) {
				r.Get("/", h.ListMixOrders)
				r.Post("/", h.CreateMixOrder)
				r.Get("/{id}", h.GetMixOrder)
				r.Post("/{id}/steps", h.AddMixStep)
				r.Patch("/{id}/steps/{index}", h.UpdateMixStep)
				r.Post("/{id}/steps/{index}/end", h.EndMixStep)
				r.Post("/{id}/{transition}", h.TransitionMixOrder)
			})

			// Batch routes
			r.Route("/batches", func(r chi.Router) {
				r.Get("/", h.ListBatches)
				r.Post("/", h.CreateBatch)
				r.Get("/{id}", h.GetBatch)
				r.Get("/{id}/traceability", h.GetTraceability)
				r.Post("/{id}/inputs", h.AddBatchInput)
				r.Post("/{id}/outputs", h.AddBatchOutput)
				r.Post("/{id}/labels", h.AddBatchLabel)
				r.Delete("/{id}/labels/{label}", h.RemoveBatchLabel)
				r.Post("/{id}/parents", h.AddParentBatch)
				r.Post("/{id}/{transition}", h.TransitionBatch)
			})

			// Mobile run routes
			r.Route("/mobile-runs", func(r chi.Router) {
				r.Get("/", h.ListMobileRuns)
				r.Post("/", h.CreateMobileRun)
				r.Get("/{id}", h.GetMobileRun)
				r.Post("/{id}/finish", h.FinishMobileRun)
				r.Put("/{id}/calibration", h.UpdateCalibration)
				r.Post("/{id}/cleanings", h.AddCleaningSequence)
				r.Post("/{id}/cleanings/{seq}/end", h.EndCleaningSequence)
				r.Get("/{id}/cleaning-plan", h.GetCleaningPlan)
			})

			r.Get("/calibration-report", h.GetCalibrationReport)
			r.Get("/audit", h.GetAuditTrail)
		})

		r.Post("/import", h.Import)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
