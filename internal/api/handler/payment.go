package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/botpaywall/botpaywall/internal/api/response"
	"github.com/botpaywall/botpaywall/internal/payment"
	"github.com/botpaywall/botpaywall/internal/store"
	"github.com/botpaywall/botpaywall/pkg/models"
)

// RedemptionStore lists a project's redemption history.
type RedemptionStore interface {
	ListRedemptions(ctx context.Context, projectID uuid.UUID, page, limit int) ([]*models.Redemption, int, error)
}

// PaymentInfoConfig carries the deployment-wide payment parameters that are
// not stored per project.
type PaymentInfoConfig struct {
	Currency  string
	ChainID   int64
	Network   string
	AccessTTL time.Duration
}

// NewPaymentInfoHandler returns the handler for
// GET /api/v1/projects/{projectID}/payment-info. The shape mirrors the
// payment object in the gate's 402 challenge so paying clients see one
// contract.
func NewPaymentInfoHandler(projects ProjectGetter, cfg PaymentInfoConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := projectIDParam(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_PROJECT_ID", "Invalid project ID", nil)
			return
		}

		p, err := projects.GetProject(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "PROJECT_NOT_FOUND", "Project not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load project", nil)
			return
		}

		response.JSON(w, map[string]any{
			"payment_address":    p.PaymentAddress,
			"amount_octas":       p.PaymentAmount,
			"amount_move":        payment.FormatAmount(p.PaymentAmount),
			"currency":           cfg.Currency,
			"chain_id":           cfg.ChainID,
			"network":            cfg.Network,
			"proof_header":       payment.ProofHeader,
			"access_ttl_seconds": int64(cfg.AccessTTL.Seconds()),
		})
	}
}

type redemptionResponse struct {
	TxHash      string     `json:"tx_hash"`
	Identifier  string     `json:"identifier"`
	AmountOctas int64      `json:"amount_octas"`
	AmountMove  string     `json:"amount_move"`
	Status      string     `json:"status"`
	ReservedAt  time.Time  `json:"reserved_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

// NewListRedemptionsHandler returns the handler for
// GET /api/v1/projects/{projectID}/redemptions, newest first.
func NewListRedemptionsHandler(projects ProjectGetter, s RedemptionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := projectIDParam(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_PROJECT_ID", "Invalid project ID", nil)
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

		page, limit := parsePagination(r)
		redemptions, total, err := s.ListRedemptions(r.Context(), id, page, limit)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to list redemptions", nil)
			return
		}

		out := make([]redemptionResponse, 0, len(redemptions))
		for _, red := range redemptions {
			out = append(out, redemptionResponse{
				TxHash:      red.TxHash,
				Identifier:  red.Identifier,
				AmountOctas: red.Amount,
				AmountMove:  payment.FormatAmount(red.Amount),
				Status:      red.Status,
				ReservedAt:  red.ReservedAt,
				ConfirmedAt: red.ConfirmedAt,
			})
		}
		response.Collection(w, out, response.NewMeta(page, limit, total))
	}
}
