// Package payment parses payment proofs and verifies them against the
// ledger, enforcing single-use redemption per transaction hash.
package payment

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/botpaywall/botpaywall/pkg/models"
)

// OctasPerMove is the number of octas in one MOVE coin.
const OctasPerMove = 100000000

// Request headers carrying a payment proof. ProofHeader holds the base64url
// envelope; HashHeader holds a bare transaction hash for clients that skip
// the envelope.
const (
	ProofHeader = "X-Payment-Proof"
	HashHeader  = "X-Payment-Hash"
)

// DefaultAmountOctas is the price applied when a project does not set one
// (0.01 MOVE).
const DefaultAmountOctas = 1000000

// Sentinel errors for proof parsing and verification outcomes.
var (
	ErrMalformedProof      = errors.New("malformed payment proof")
	ErrWrongChain          = errors.New("payment proof targets a different chain")
	ErrVerificationPending = errors.New("payment not yet verifiable")
	ErrNotTransfer         = errors.New("transaction is not a coin transfer")
	ErrRecipientMismatch   = errors.New("payment recipient mismatch")
	ErrInsufficientAmount  = errors.New("payment amount below required minimum")
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

// NormalizeHash lowercases and validates a transaction hash. The accepted
// form is 0x followed by 64 hex characters.
func NormalizeHash(raw string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(raw))
	if !txHashPattern.MatchString(h) {
		return "", fmt.Errorf("%w: bad transaction hash", ErrMalformedProof)
	}
	return h, nil
}

// ParseProof decodes a proof envelope: base64url-encoded JSON carrying the
// transaction hash, the chain id it was broadcast on, and an optional client
// nonce. The chain id must match the one this deployment verifies against.
func ParseProof(encoded string, chainID int64) (*models.PaymentProof, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(encoded), "="))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64url envelope", ErrMalformedProof)
	}

	var proof models.PaymentProof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope JSON", ErrMalformedProof)
	}

	hash, err := NormalizeHash(proof.TxHash)
	if err != nil {
		return nil, err
	}
	proof.TxHash = hash

	if proof.ChainID == 0 {
		return nil, fmt.Errorf("%w: missing chain_id", ErrMalformedProof)
	}
	if proof.ChainID != chainID {
		return nil, fmt.Errorf("%w: got chain %d, want %d", ErrWrongChain, proof.ChainID, chainID)
	}

	return &proof, nil
}

// ProofFromHash builds a proof from a bare transaction hash header, for
// clients that skip the envelope. The chain id is assumed to be the
// deployment's own.
func ProofFromHash(raw string, chainID int64) (*models.PaymentProof, error) {
	hash, err := NormalizeHash(raw)
	if err != nil {
		return nil, err
	}
	return &models.PaymentProof{TxHash: hash, ChainID: chainID}, nil
}

// ParseAmount converts a decimal MOVE amount ("0.01") into octas using
// integer arithmetic only. This runs once at configuration time; the
// verification path never touches floating point.
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 8 {
		return 0, fmt.Errorf("amount %q exceeds 8 decimal places", s)
	}
	frac += strings.Repeat("0", 8-len(frac))

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w < 0 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if w > (math.MaxInt64-f)/OctasPerMove {
		return 0, fmt.Errorf("amount %q overflows", s)
	}

	return w*OctasPerMove + f, nil
}

// FormatAmount renders octas as a decimal MOVE string for challenge
// responses: 1000000 octas -> "0.01".
func FormatAmount(octas int64) string {
	whole := octas / OctasPerMove
	frac := octas % OctasPerMove
	if frac == 0 {
		return strconv.FormatInt(whole, 10)
	}
	return strings.TrimRight(fmt.Sprintf("%d.%08d", whole, frac), "0")
}
