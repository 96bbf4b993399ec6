package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/botpaywall/botpaywall/internal/api/middleware"
	"github.com/botpaywall/botpaywall/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	CreateProject   http.HandlerFunc
	ListProjects    http.HandlerFunc
	GetProject      http.HandlerFunc
	ActivateProject http.HandlerFunc
	ProtectProject  http.HandlerFunc
	RotateSecret    http.HandlerFunc

	AdmitIdentifier  http.HandlerFunc
	ListAllowlist    http.HandlerFunc
	CheckAccess      http.HandlerFunc
	RevokeIdentifier http.HandlerFunc
	SweepAllowlist   http.HandlerFunc

	PaymentInfo     http.HandlerFunc
	ListRedemptions http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/projects", orNotImplemented(deps.CreateProject))
		r.Get("/api/v1/projects", orNotImplemented(deps.ListProjects))
		r.Get("/api/v1/projects/{projectID}", orNotImplemented(deps.GetProject))
		r.Post("/api/v1/projects/{projectID}/activate", orNotImplemented(deps.ActivateProject))
		r.Post("/api/v1/projects/{projectID}/protect", orNotImplemented(deps.ProtectProject))
		r.Post("/api/v1/projects/{projectID}/secret/rotate", orNotImplemented(deps.RotateSecret))

		r.Post("/api/v1/projects/{projectID}/allowlist", orNotImplemented(deps.AdmitIdentifier))
		r.Get("/api/v1/projects/{projectID}/allowlist", orNotImplemented(deps.ListAllowlist))
		r.Get("/api/v1/projects/{projectID}/allowlist/{identifier}", orNotImplemented(deps.CheckAccess))
		r.Delete("/api/v1/projects/{projectID}/allowlist/{identifier}", orNotImplemented(deps.RevokeIdentifier))
		r.Post("/api/v1/allowlist/sweep", orNotImplemented(deps.SweepAllowlist))

		r.Get("/api/v1/projects/{projectID}/payment-info", orNotImplemented(deps.PaymentInfo))
		r.Get("/api/v1/projects/{projectID}/redemptions", orNotImplemented(deps.ListRedemptions))
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
