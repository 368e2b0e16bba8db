package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/mailscope/internal/api/middleware"
	"github.com/kiranshivaraju/mailscope/internal/api/response"
	"github.com/kiranshivaraju/mailscope/internal/telemetry"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit
	// Metrics is optional. When set, requests are counted and /metrics is served.
	Metrics *telemetry.Metrics

	HealthHandler    http.HandlerFunc
	StartJobHandler  http.HandlerFunc
	JobStatusHandler http.HandlerFunc
	CancelJobHandler http.HandlerFunc
	ResumeJobHandler http.HandlerFunc
	ListJobsHandler  http.HandlerFunc
	SingleHandler    http.HandlerFunc
	DefaultsHandler  http.HandlerFunc
	CreateKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	if deps.Metrics != nil {
		r.Use(mw.Metrics(deps.Metrics))
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Route("/api/v1/batch-analysis", func(r chi.Router) {
			r.Get("/defaults", orNotImplemented(deps.DefaultsHandler))
			r.Get("/jobs/{taskID}", orNotImplemented(deps.ListJobsHandler))
			r.Get("/{jobID}/status", orNotImplemented(deps.JobStatusHandler))

			r.Group(func(r chi.Router) {
				r.Use(deps.Auth.RequireScope("write"))

				r.Post("/start", orNotImplemented(deps.StartJobHandler))
				r.Post("/single", orNotImplemented(deps.SingleHandler))
				r.Post("/{jobID}/cancel", orNotImplemented(deps.CancelJobHandler))
				r.Post("/{jobID}/resume", orNotImplemented(deps.ResumeJobHandler))
			})
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
