package handler

import (
	"context"
	"net/http"

	"github.com/botpaywall/botpaywall/internal/api/response"
)

// Pinger reports liveness of one dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler returns the handler for GET /api/v1/health. Any failing
// dependency degrades the whole endpoint to 503.
func NewHealthHandler(db, cache Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbStatus, cacheStatus := "ok", "ok"
		if err := db.Ping(r.Context()); err != nil {
			dbStatus = "degraded"
		}
		if err := cache.Ping(r.Context()); err != nil {
			cacheStatus = "degraded"
		}

		if dbStatus != "ok" || cacheStatus != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", map[string]any{
					"database": dbStatus,
					"cache":    cacheStatus,
				})
			return
		}

		response.JSON(w, map[string]string{
			"status":   "ok",
			"database": dbStatus,
			"cache":    cacheStatus,
		})
	}
}
