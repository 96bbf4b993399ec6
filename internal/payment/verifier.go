package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/botpaywall/botpaywall/internal/ledger"
	"github.com/botpaywall/botpaywall/pkg/models"
)

// Store is the subset of the persistence layer the verifier uses as its
// replay guard.
type Store interface {
	ReserveRedemption(ctx context.Context, projectID uuid.UUID, txHash, identifier string, now time.Time, staleBefore time.Time) error
	FinalizeRedemption(ctx context.Context, projectID uuid.UUID, txHash string, amount int64, now time.Time) error
	ReleaseRedemption(ctx context.Context, projectID uuid.UUID, txHash string) error
}

// Verifier checks payment proofs against ledger truth. A transaction hash is
// reserved before the ledger lookup and finalized only on confirmed success,
// so concurrent presentations of the same proof admit at most one caller and
// an ambiguous outcome never burns a valid proof.
type Verifier struct {
	store          Store
	ledger         ledger.Client
	log            *slog.Logger
	reservationTTL time.Duration
	now            func() time.Time
}

// NewVerifier creates a payment verifier. reservationTTL bounds how long a
// crashed verification can hold a hash before a retry may take it over.
func NewVerifier(s Store, lc ledger.Client, log *slog.Logger, reservationTTL time.Duration) *Verifier {
	if reservationTTL <= 0 {
		reservationTTL = 2 * time.Minute
	}
	return &Verifier{
		store:          s,
		ledger:         lc,
		log:            log,
		reservationTTL: reservationTTL,
		now:            time.Now,
	}
}

// Verify redeems a proof for the project. On success it returns the octas
// actually transferred. identifier records which caller redeemed the hash.
//
// Failure modes: store.ErrAlreadyRedeemed when the hash was redeemed or is
// being verified by someone else; ErrVerificationPending when the ledger has
// no confirmed record yet (safe for the caller to retry); ErrNotTransfer,
// ErrRecipientMismatch, ErrInsufficientAmount when the transaction exists
// but does not pay the project.
func (v *Verifier) Verify(ctx context.Context, project *models.Project, proof *models.PaymentProof, identifier string) (int64, error) {
	now := v.now().UTC()
	if err := v.store.ReserveRedemption(ctx, project.ID, proof.TxHash, identifier, now, now.Add(-v.reservationTTL)); err != nil {
		return 0, err
	}

	tx, err := v.ledger.TransactionByHash(ctx, proof.TxHash)
	if err != nil {
		v.release(ctx, project.ID, proof.TxHash)
		switch {
		case errors.Is(err, ledger.ErrTxNotFound):
			return 0, fmt.Errorf("%w: not found on chain", ErrVerificationPending)
		case errors.Is(err, ledger.ErrLedgerTimeout),
			errors.Is(err, ledger.ErrLedgerUnreachable),
			errors.Is(err, ledger.ErrLedgerQueryError):
			v.log.Warn("ledger lookup failed", "tx_hash", proof.TxHash, "error", err)
			return 0, fmt.Errorf("%w: ledger unavailable", ErrVerificationPending)
		default:
			return 0, err
		}
	}

	if !tx.Confirmed() {
		v.release(ctx, project.ID, proof.TxHash)
		return 0, fmt.Errorf("%w: transaction not confirmed", ErrVerificationPending)
	}

	recipient, octas, ok := tx.Transfer()
	if !ok {
		v.release(ctx, project.ID, proof.TxHash)
		return 0, ErrNotTransfer
	}

	if !equalAddress(recipient, project.PaymentAddress) {
		v.release(ctx, project.ID, proof.TxHash)
		return 0, ErrRecipientMismatch
	}

	if octas < project.PaymentAmount {
		v.release(ctx, project.ID, proof.TxHash)
		return 0, fmt.Errorf("%w: got %d octas, need %d", ErrInsufficientAmount, octas, project.PaymentAmount)
	}

	if err := v.store.FinalizeRedemption(ctx, project.ID, proof.TxHash, octas, v.now().UTC()); err != nil {
		// Reservation stays held; a stale-reservation takeover recovers it
		// if we crashed here.
		return 0, err
	}

	return octas, nil
}

func (v *Verifier) release(ctx context.Context, projectID uuid.UUID, txHash string) {
	if err := v.store.ReleaseRedemption(ctx, projectID, txHash); err != nil {
		v.log.Warn("failed to release redemption reservation",
			"project_id", projectID, "tx_hash", txHash, "error", err)
	}
}

// equalAddress compares two ledger addresses, ignoring case, the 0x prefix,
// and leading zeros, so short and padded forms of the same account match.
func equalAddress(a, b string) bool {
	return canonicalAddress(a) == canonicalAddress(b)
}

func canonicalAddress(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	return strings.TrimLeft(s, "0")
}
