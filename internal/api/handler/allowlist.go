package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/botpaywall/botpaywall/internal/allowlist"
	"github.com/botpaywall/botpaywall/internal/api/response"
	"github.com/botpaywall/botpaywall/internal/audit"
	"github.com/botpaywall/botpaywall/internal/store"
	"github.com/botpaywall/botpaywall/pkg/models"
)

// Admissions is the allowlist surface the handlers depend on.
type Admissions interface {
	Admit(ctx context.Context, projectID uuid.UUID, identifier, reason string) (*models.AllowlistEntry, error)
	Check(ctx context.Context, projectID uuid.UUID, identifier string) (bool, time.Duration, error)
	Revoke(ctx context.Context, projectID uuid.UUID, identifier string) error
	List(ctx context.Context, projectID uuid.UUID, page, limit int) ([]*models.AllowlistEntry, int, error)
	TTL() time.Duration
}

// ProjectGetter looks up projects for existence checks.
type ProjectGetter interface {
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
}

// Sweeper triggers one expiry sweep on demand.
type Sweeper interface {
	SweepOnce(ctx context.Context) (int, error)
}

type allowlistEntryResponse struct {
	Identifier           string    `json:"identifier"`
	Reason               string    `json:"reason"`
	CreatedAt            time.Time `json:"created_at"`
	ExpiresAt            time.Time `json:"expires_at"`
	TimeRemainingSeconds int64     `json:"time_remaining_seconds"`
}

func newAllowlistEntryResponse(e *models.AllowlistEntry, ttl time.Duration) allowlistEntryResponse {
	expires := e.ExpiresAt(ttl)
	remaining := int64(time.Until(expires).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	return allowlistEntryResponse{
		Identifier:           e.Identifier,
		Reason:               e.Reason,
		CreatedAt:            e.CreatedAt,
		ExpiresAt:            expires,
		TimeRemainingSeconds: remaining,
	}
}

// NewAdmitHandler returns the handler for
// POST /api/v1/projects/{projectID}/allowlist.
func NewAdmitHandler(projects ProjectGetter, svc Admissions, aud Auditor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := projectIDParam(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_PROJECT_ID", "Invalid project ID", nil)
			return
		}

		var req struct {
			Identifier string `json:"identifier"`
			Reason     string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Identifier == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "identifier is required", nil)
			return
		}

		if _, err := projects.GetProject(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "PROJECT_NOT_FOUND", "Project not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load project", nil)
			return
		}

		entry, err := svc.Admit(r.Context(), id, req.Identifier, req.Reason)
		switch {
		case errors.Is(err, allowlist.ErrInvalidIdentifier):
			response.Error(w, http.StatusBadRequest, "INVALID_IDENTIFIER",
				"identifier must be an IP address or an agent key", nil)
			return
		case errors.Is(err, store.ErrDuplicateEntry):
			response.Error(w, http.StatusConflict, "ALREADY_ADMITTED",
				"Identifier already holds a live admission", nil)
			return
		case err != nil:
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to admit identifier", nil)
			return
		}

		aud.Record(r.Context(), audit.EventAccessAdmitted, &id, map[string]any{
			"identifier": entry.Identifier,
			"reason":     entry.Reason,
		})

		response.Created(w, newAllowlistEntryResponse(entry, svc.TTL()))
	}
}

// NewListAllowlistHandler returns the handler for
// GET /api/v1/projects/{projectID}/allowlist. Only live entries are listed.
func NewListAllowlistHandler(svc Admissions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := projectIDParam(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_PROJECT_ID", "Invalid project ID", nil)
			return
		}

		page, limit := parsePagination(r)
		entries, total, err := svc.List(r.Context(), id, page, limit)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to list allowlist", nil)
			return
		}

		ttl := svc.TTL()
		out := make([]allowlistEntryResponse, 0, len(entries))
		for _, e := range entries {
			out = append(out, newAllowlistEntryResponse(e, ttl))
		}
		response.Collection(w, out, response.NewMeta(page, limit, total))
	}
}

// NewCheckAccessHandler returns the handler for
// GET /api/v1/projects/{projectID}/allowlist/{identifier}. Absent and
// expired admissions both answer admitted=false rather than 404 so callers
// can poll without special-casing.
func NewCheckAccessHandler(svc Admissions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := projectIDParam(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_PROJECT_ID", "Invalid project ID", nil)
			return
		}

		identifier := chi.URLParam(r, "identifier")
		admitted, remaining, err := svc.Check(r.Context(), id, identifier)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to check admission", nil)
			return
		}

		response.JSON(w, map[string]any{
			"admitted":               admitted,
			"time_remaining_seconds": int64(remaining.Seconds()),
		})
	}
}

// NewRevokeHandler returns the handler for
// DELETE /api/v1/projects/{projectID}/allowlist/{identifier}.
func NewRevokeHandler(svc Admissions, aud Auditor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := projectIDParam(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_PROJECT_ID", "Invalid project ID", nil)
			return
		}

		identifier := chi.URLParam(r, "identifier")
		err = svc.Revoke(r.Context(), id, identifier)
		switch {
		case errors.Is(err, allowlist.ErrInvalidIdentifier):
			response.Error(w, http.StatusBadRequest, "INVALID_IDENTIFIER",
				"identifier must be an IP address or an agent key", nil)
			return
		case errors.Is(err, store.ErrNotFound):
			response.Error(w, http.StatusNotFound, "ENTRY_NOT_FOUND",
				"No admission found for this identifier", nil)
			return
		case err != nil:
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to revoke admission", nil)
			return
		}

		aud.Record(r.Context(), audit.EventAccessRevoked, &id, map[string]any{
			"identifier": identifier,
		})

		w.WriteHeader(http.StatusNoContent)
	}
}

// NewSweepHandler returns the handler for POST /api/v1/allowlist/sweep, the
// manual counterpart of the background sweep loop.
func NewSweepHandler(sw Sweeper, aud Auditor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		removed, err := sw.SweepOnce(r.Context())
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Sweep failed", nil)
			return
		}

		if removed > 0 {
			aud.Record(r.Context(), audit.EventAccessSwept, nil, map[string]any{
				"removed": removed,
			})
		}

		response.JSON(w, map[string]int{"removed": removed})
	}
}
