// Package handler implements the control-plane HTTP endpoints. Handlers
// depend on narrow interfaces over the store and services so each endpoint
// can be exercised in isolation.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/botpaywall/botpaywall/internal/api/response"
	"github.com/botpaywall/botpaywall/internal/audit"
	"github.com/botpaywall/botpaywall/internal/lifecycle"
	"github.com/botpaywall/botpaywall/internal/payment"
	"github.com/botpaywall/botpaywall/internal/secret"
	"github.com/botpaywall/botpaywall/internal/store"
	"github.com/botpaywall/botpaywall/pkg/models"
	"github.com/botpaywall/botpaywall/pkg/wafexpr"
)

// ProjectStore is the subset of the persistence layer the project handlers
// depend on.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	ListProjects(ctx context.Context, page, limit int) ([]*models.Project, int, error)
	TransitionProject(ctx context.Context, id uuid.UUID, from, to string) error
	UpdateProjectSecret(ctx context.Context, id uuid.UUID, secretEnc string, rotatedAt time.Time) error
	SetProjectRuleID(ctx context.Context, id uuid.UUID, ruleID string) error
}

// Auditor records control-plane actions to the audit outbox.
type Auditor interface {
	Record(ctx context.Context, eventType string, projectID *uuid.UUID, payload any)
}

// paymentAddressPattern matches a 0x-prefixed ledger account address. Short
// forms are accepted; the verifier canonicalizes before comparing.
var paymentAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{1,64}$`)

// bcrypt rejects passwords longer than 72 bytes.
const maxHandshakeLen = 72

type projectResponse struct {
	ID              uuid.UUID `json:"id"`
	Domain          string    `json:"domain"`
	OriginURL       string    `json:"origin_url"`
	Status          string    `json:"status"`
	Secret          string    `json:"secret,omitempty"`
	SecretCreatedAt time.Time `json:"secret_created_at"`
	HasHandshake    bool      `json:"has_handshake"`
	PaymentAddress  string    `json:"payment_address"`
	PaymentOctas    int64     `json:"payment_amount_octas"`
	PaymentMove     string    `json:"payment_amount_move"`
	RuleID          *string   `json:"rule_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// newProjectResponse renders a project with its secret obscured. The raw
// secret appears only in create and rotate responses, which overwrite the
// Secret field themselves.
func newProjectResponse(p *models.Project, enc *secret.Encryptor) projectResponse {
	resp := projectResponse{
		ID:              p.ID,
		Domain:          p.Domain,
		OriginURL:       p.OriginURL,
		Status:          p.Status,
		SecretCreatedAt: p.SecretCreatedAt,
		HasHandshake:    p.HasHandshake(),
		PaymentAddress:  p.PaymentAddress,
		PaymentOctas:    p.PaymentAmount,
		PaymentMove:     payment.FormatAmount(p.PaymentAmount),
		RuleID:          p.RuleID,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
	if raw, err := enc.Decrypt(p.SecretEnc); err == nil {
		resp.Secret = secret.Obscure(raw)
	}
	return resp
}

// NewCreateProjectHandler returns the handler for POST /api/v1/projects.
// The bypass secret is generated here and returned raw exactly once.
func NewCreateProjectHandler(s ProjectStore, enc *secret.Encryptor, aud Auditor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Domain             string `json:"domain"`
			OriginURL          string `json:"origin_url"`
			PaymentAddress     string `json:"payment_address"`
			PaymentAmount      string `json:"payment_amount"`
			PaymentAmountOctas int64  `json:"payment_amount_octas"`
			HandshakePassword  string `json:"handshake_password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		domain := strings.ToLower(strings.TrimSpace(req.Domain))
		if domain == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "domain is required", nil)
			return
		}
		if strings.ContainsAny(domain, "/: ") {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"domain must be a bare host name without scheme, port or path", nil)
			return
		}

		if req.OriginURL == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "origin_url is required", nil)
			return
		}
		origin, err := url.Parse(req.OriginURL)
		if err != nil || (origin.Scheme != "http" && origin.Scheme != "https") || origin.Host == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"origin_url must be an absolute http(s) URL", nil)
			return
		}

		if !paymentAddressPattern.MatchString(req.PaymentAddress) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"payment_address must be a 0x-prefixed hex address", nil)
			return
		}

		var amount int64
		switch {
		case req.PaymentAmountOctas != 0:
			amount = req.PaymentAmountOctas
		case req.PaymentAmount != "":
			amount, err = payment.ParseAmount(req.PaymentAmount)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"payment_amount must be a decimal MOVE amount with at most 8 decimal places", nil)
				return
			}
		default:
			amount = payment.DefaultAmountOctas
		}
		if amount <= 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"payment amount must be positive", nil)
			return
		}

		var handshakeHash *string
		if req.HandshakePassword != "" {
			if len(req.HandshakePassword) > maxHandshakeLen {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"handshake_password must be at most 72 bytes", nil)
				return
			}
			h, err := bcrypt.GenerateFromPassword([]byte(req.HandshakePassword), bcrypt.DefaultCost)
			if err != nil {
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"Failed to hash handshake password", nil)
				return
			}
			hs := string(h)
			handshakeHash = &hs
		}

		raw, err := secret.Generate()
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to generate bypass secret", nil)
			return
		}
		sealed, err := enc.Encrypt(raw)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to encrypt bypass secret", nil)
			return
		}

		now := time.Now().UTC()
		p := &models.Project{
			ID:              uuid.New(),
			Domain:          domain,
			OriginURL:       origin.String(),
			Status:          models.ProjectStatusPendingNS,
			SecretEnc:       sealed,
			SecretCreatedAt: now,
			HandshakeHash:   handshakeHash,
			PaymentAddress:  strings.ToLower(req.PaymentAddress),
			PaymentAmount:   amount,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		if err := s.CreateProject(r.Context(), p); err != nil {
			if errors.Is(err, store.ErrDuplicateEntry) {
				response.Error(w, http.StatusConflict, "DUPLICATE_DOMAIN",
					"A project for this domain already exists", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to create project", nil)
			return
		}

		aud.Record(r.Context(), audit.EventProjectCreated, &p.ID, map[string]any{
			"domain": p.Domain,
			"status": p.Status,
		})

		resp := newProjectResponse(p, enc)
		resp.Secret = raw
		response.Created(w, resp)
	}
}

// NewGetProjectHandler returns the handler for GET /api/v1/projects/{projectID}.
func NewGetProjectHandler(s ProjectStore, enc *secret.Encryptor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := projectIDParam(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_PROJECT_ID", "Invalid project ID", nil)
			return
		}

		p, err := s.GetProject(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "PROJECT_NOT_FOUND", "Project not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load project", nil)
			return
		}

		response.JSON(w, newProjectResponse(p, enc))
	}
}

// NewListProjectsHandler returns the handler for GET /api/v1/projects.
func NewListProjectsHandler(s ProjectStore, enc *secret.Encryptor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, limit := parsePagination(r)

		projects, total, err := s.ListProjects(r.Context(), page, limit)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to list projects", nil)
			return
		}

		out := make([]projectResponse, 0, len(projects))
		for _, p := range projects {
			out = append(out, newProjectResponse(p, enc))
		}
		response.Collection(w, out, response.NewMeta(page, limit, total))
	}
}

// NewActivateProjectHandler returns the handler for
// POST /api/v1/projects/{projectID}/activate, confirming nameserver
// delegation and moving the project from pending_ns to active.
func NewActivateProjectHandler(s ProjectStore, enc *secret.Encryptor, aud Auditor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := projectIDParam(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_PROJECT_ID", "Invalid project ID", nil)
			return
		}

		err = s.TransitionProject(r.Context(), id, models.ProjectStatusPendingNS, models.ProjectStatusActive)
		switch {
		case errors.Is(err, store.ErrNotFound):
			response.Error(w, http.StatusNotFound, "PROJECT_NOT_FOUND", "Project not found", nil)
			return
		case errors.Is(err, lifecycle.ErrInvalidTransition):
			response.Error(w, http.StatusConflict, "INVALID_TRANSITION",
				"Project is not awaiting nameserver delegation", nil)
			return
		case err != nil:
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to activate project", nil)
			return
		}

		aud.Record(r.Context(), audit.EventProjectStatusChanged, &id, map[string]any{
			"from": models.ProjectStatusPendingNS,
			"to":   models.ProjectStatusActive,
		})

		p, err := s.GetProject(r.Context(), id)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load project", nil)
			return
		}
		response.JSON(w, newProjectResponse(p, enc))
	}
}

// NewProtectProjectHandler returns the handler for
// POST /api/v1/projects/{projectID}/protect. It deploys the bypass rule to
// the edge and only then moves the project to protected, so an enforcing
// project always has a live rule.
func NewProtectProjectHandler(s ProjectStore, enc *secret.Encryptor, deployer RuleDeployer, aud Auditor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := projectIDParam(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_PROJECT_ID", "Invalid project ID", nil)
			return
		}

		p, err := s.GetProject(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "PROJECT_NOT_FOUND", "Project not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load project", nil)
			return
		}

		if !lifecycle.CanTransition(p.Status, models.ProjectStatusProtected) {
			response.Error(w, http.StatusConflict, "INVALID_TRANSITION",
				"Project must be active before it can be protected", nil)
			return
		}

		raw, err := enc.Decrypt(p.SecretEnc)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to unseal bypass secret", nil)
			return
		}

		var b wafexpr.Builder
		expr := b.BuildBypassExpression(wafexpr.BypassParams{Secret: raw})

		ruleID, err := deployer.Deploy(r.Context(), p.Domain, expr)
		if err != nil {
			response.Error(w, http.StatusBadGateway, "RULE_DEPLOY_FAILED",
				"Failed to deploy bypass rule to the edge", nil)
			return
		}

		if err := s.SetProjectRuleID(r.Context(), id, ruleID); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to record rule id", nil)
			return
		}

		err = s.TransitionProject(r.Context(), id, models.ProjectStatusActive, models.ProjectStatusProtected)
		switch {
		case errors.Is(err, lifecycle.ErrInvalidTransition):
			// Lost a race with a concurrent protect; the rule is deployed
			// either way.
			response.Error(w, http.StatusConflict, "INVALID_TRANSITION",
				"Project must be active before it can be protected", nil)
			return
		case err != nil:
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to protect project", nil)
			return
		}

		aud.Record(r.Context(), audit.EventProjectStatusChanged, &id, map[string]any{
			"from":    models.ProjectStatusActive,
			"to":      models.ProjectStatusProtected,
			"rule_id": ruleID,
		})

		p, err = s.GetProject(r.Context(), id)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load project", nil)
			return
		}
		response.JSON(w, newProjectResponse(p, enc))
	}
}

// NewRotateSecretHandler returns the handler for
// POST /api/v1/projects/{projectID}/secret/rotate. A fresh secret replaces
// the old one in the store first; for protected projects the bypass rule is
// then redeployed with the new value. The raw secret is returned exactly
// once.
func NewRotateSecretHandler(s ProjectStore, enc *secret.Encryptor, deployer RuleDeployer, aud Auditor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := projectIDParam(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_PROJECT_ID", "Invalid project ID", nil)
			return
		}

		p, err := s.GetProject(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "PROJECT_NOT_FOUND", "Project not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load project", nil)
			return
		}

		raw, err := secret.Generate()
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to generate bypass secret", nil)
			return
		}
		sealed, err := enc.Encrypt(raw)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to encrypt bypass secret", nil)
			return
		}

		rotatedAt := time.Now().UTC()
		if err := s.UpdateProjectSecret(r.Context(), id, sealed, rotatedAt); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to store rotated secret", nil)
			return
		}

		// The store now holds the new secret. A protected project's edge rule
		// still matches the old one until the redeploy below lands.
		if p.Status == models.ProjectStatusProtected {
			var b wafexpr.Builder
			expr := b.BuildBypassExpression(wafexpr.BypassParams{Secret: raw})

			ruleID, err := deployer.Deploy(r.Context(), p.Domain, expr)
			if err != nil {
				response.Error(w, http.StatusBadGateway, "RULE_DEPLOY_FAILED",
					"Secret rotated but rule redeploy failed; retry rotation",
					map[string]any{"secret_rotated": true})
				return
			}
			if err := s.SetProjectRuleID(r.Context(), id, ruleID); err != nil {
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"Failed to record rule id", nil)
				return
			}
		}

		aud.Record(r.Context(), audit.EventSecretRotated, &id, map[string]any{
			"rotated_at": rotatedAt,
		})

		p, err = s.GetProject(r.Context(), id)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load project", nil)
			return
		}
		resp := newProjectResponse(p, enc)
		resp.Secret = raw
		response.JSON(w, resp)
	}
}
