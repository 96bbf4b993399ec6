package gate

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/botpaywall/botpaywall/internal/audit"
	"github.com/botpaywall/botpaywall/internal/cache"
	"github.com/botpaywall/botpaywall/internal/lifecycle"
	"github.com/botpaywall/botpaywall/internal/payment"
	"github.com/botpaywall/botpaywall/internal/secret"
	"github.com/botpaywall/botpaywall/internal/store"
	"github.com/botpaywall/botpaywall/pkg/models"
)

const defaultVerifyLimit = 10

// Action is what the gate does with an evaluated request.
type Action int

const (
	ActionForward Action = iota
	ActionReject
	ActionChallenge
)

// Decision is the outcome of evaluating one request against a project.
type Decision struct {
	Action  Action
	Status  int
	Code    string
	Message string
}

var decisionForward = Decision{Action: ActionForward}

func reject(status int, code, message string) Decision {
	return Decision{Action: ActionReject, Status: status, Code: code, Message: message}
}

// Admissions is the allowlist subset the gate consults and feeds.
type Admissions interface {
	IsAdmitted(ctx context.Context, projectID uuid.UUID, identifier string) (bool, error)
	Admit(ctx context.Context, projectID uuid.UUID, identifier, reason string) (*models.AllowlistEntry, error)
}

// ProofVerifier settles a parsed payment proof against the ledger.
type ProofVerifier interface {
	Verify(ctx context.Context, project *models.Project, proof *models.PaymentProof, identifier string) (int64, error)
}

// Auditor records gate activity.
type Auditor interface {
	Record(ctx context.Context, eventType string, projectID *uuid.UUID, payload any)
}

// EvaluatorConfig wires an Evaluator.
type EvaluatorConfig struct {
	Admissions Admissions
	Verifier   ProofVerifier
	Cache      cache.Cache
	Encryptor  *secret.Encryptor
	Audit      Auditor
	Log        *slog.Logger
	ChainID    int64

	// VerifyLimit caps verification attempts per identifier per minute.
	VerifyLimit int
}

// Evaluator decides what happens to one request. Checks run in strict
// priority order; a credential that is presented and fails rejects the
// request outright, it never falls through to a weaker check.
type Evaluator struct {
	admissions  Admissions
	verifier    ProofVerifier
	cache       cache.Cache
	enc         *secret.Encryptor
	audit       Auditor
	log         *slog.Logger
	chainID     int64
	verifyLimit int
}

// NewEvaluator creates a request evaluator.
func NewEvaluator(cfg EvaluatorConfig) *Evaluator {
	if cfg.VerifyLimit <= 0 {
		cfg.VerifyLimit = defaultVerifyLimit
	}
	return &Evaluator{
		admissions:  cfg.Admissions,
		verifier:    cfg.Verifier,
		cache:       cfg.Cache,
		enc:         cfg.Encryptor,
		audit:       cfg.Audit,
		log:         cfg.Log,
		chainID:     cfg.ChainID,
		verifyLimit: cfg.VerifyLimit,
	}
}

// Evaluate runs the admission pipeline: inert project, handshake, bypass
// secret, prior admission, payment proof, challenge. The first check whose
// credential is present decides.
func (e *Evaluator) Evaluate(ctx context.Context, p *models.Project, creds Credentials) Decision {
	if !lifecycle.IsEnforcing(p.Status) {
		return decisionForward
	}

	if creds.Handshake != "" {
		return e.checkHandshake(p, creds.Handshake)
	}

	if creds.Bypass != "" {
		return e.checkBypass(p, creds.Bypass)
	}

	admitted, err := e.admissions.IsAdmitted(ctx, p.ID, creds.Identifier)
	if err != nil {
		e.log.Error("admission lookup failed", "project_id", p.ID, "error", err)
		return reject(http.StatusServiceUnavailable, "DEGRADED",
			"Access checks are temporarily unavailable")
	}
	if admitted {
		return decisionForward
	}

	if creds.Proof != "" || creds.Hash != "" {
		return e.verifyProof(ctx, p, creds)
	}

	return Decision{Action: ActionChallenge, Status: http.StatusPaymentRequired}
}

func (e *Evaluator) checkHandshake(p *models.Project, presented string) Decision {
	if p.HasHandshake() {
		if err := bcrypt.CompareHashAndPassword([]byte(*p.HandshakeHash), []byte(presented)); err == nil {
			return decisionForward
		}
	}
	return reject(http.StatusUnauthorized, "INVALID_HANDSHAKE",
		"Handshake password does not match")
}

func (e *Evaluator) checkBypass(p *models.Project, presented string) Decision {
	if !secret.IsValid(presented) {
		return reject(http.StatusUnauthorized, "MALFORMED_SECRET",
			"Bypass secret is not well formed")
	}

	current, err := e.enc.Decrypt(p.SecretEnc)
	if err != nil {
		e.log.Error("failed to unseal project secret", "project_id", p.ID, "error", err)
		return reject(http.StatusInternalServerError, "INTERNAL_ERROR",
			"Unable to evaluate bypass secret")
	}

	if secret.Equal(presented, current) {
		return decisionForward
	}
	return reject(http.StatusForbidden, "INVALID_SECRET",
		"Bypass secret does not match")
}

func (e *Evaluator) verifyProof(ctx context.Context, p *models.Project, creds Credentials) Decision {
	proof, err := e.parseProof(creds)
	if err != nil {
		if errors.Is(err, payment.ErrWrongChain) {
			return reject(http.StatusBadRequest, "WRONG_CHAIN",
				"Payment proof targets a different chain")
		}
		return reject(http.StatusBadRequest, "MALFORMED_PROOF",
			"Payment proof could not be decoded")
	}

	if d, limited := e.overVerifyLimit(ctx, p.ID, creds.Identifier); limited {
		return d
	}

	octas, err := e.verifier.Verify(ctx, p, proof, creds.Identifier)
	if err != nil {
		return e.mapVerifyError(err)
	}

	e.audit.Record(ctx, audit.EventPaymentRedeemed, &p.ID, map[string]any{
		"tx_hash":    proof.TxHash,
		"identifier": creds.Identifier,
		"amount":     octas,
	})

	// The caller paid; admit them for the TTL window so the next requests
	// skip re-verification. Losing an admit race to a concurrent request
	// with the same identifier is fine.
	if _, err := e.admissions.Admit(ctx, p.ID, creds.Identifier, "payment"); err != nil && !errors.Is(err, store.ErrDuplicateEntry) {
		e.log.Warn("post-payment admission failed",
			"project_id", p.ID, "identifier", creds.Identifier, "error", err)
	}

	return decisionForward
}

func (e *Evaluator) parseProof(creds Credentials) (*models.PaymentProof, error) {
	if creds.Proof != "" {
		return payment.ParseProof(creds.Proof, e.chainID)
	}
	return payment.ProofFromHash(creds.Hash, e.chainID)
}

// overVerifyLimit counts one verification attempt in a fixed per-minute
// window. Counter failures fail open: a broken cache must not lock out
// paying callers.
func (e *Evaluator) overVerifyLimit(ctx context.Context, projectID uuid.UUID, identifier string) (Decision, bool) {
	count, err := e.cache.IncrWithExpiry(ctx, cache.VerifyAttemptsKey(projectID, identifier), time.Minute)
	if err != nil {
		e.log.Warn("verify rate-limit counter unavailable", "error", err)
		return Decision{}, false
	}
	if count > int64(e.verifyLimit) {
		return reject(http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED",
			"Too many verification attempts"), true
	}
	return Decision{}, false
}

func (e *Evaluator) mapVerifyError(err error) Decision {
	switch {
	case errors.Is(err, store.ErrAlreadyRedeemed):
		return reject(http.StatusForbidden, "ALREADY_REDEEMED",
			"Transaction hash has already been redeemed")
	case errors.Is(err, payment.ErrRecipientMismatch):
		return reject(http.StatusForbidden, "RECIPIENT_MISMATCH",
			"Payment was sent to a different recipient")
	case errors.Is(err, payment.ErrInsufficientAmount):
		return reject(http.StatusForbidden, "INSUFFICIENT_AMOUNT",
			"Payment amount is below the required minimum")
	case errors.Is(err, payment.ErrNotTransfer):
		return reject(http.StatusForbidden, "INVALID_TRANSACTION",
			"Transaction is not a coin transfer")
	case errors.Is(err, payment.ErrVerificationPending):
		return reject(http.StatusPaymentRequired, "VERIFICATION_PENDING",
			"Payment not confirmed yet, retry shortly")
	default:
		e.log.Error("payment verification failed", "error", err)
		return reject(http.StatusServiceUnavailable, "DEGRADED",
			"Payment verification is temporarily unavailable")
	}
}
