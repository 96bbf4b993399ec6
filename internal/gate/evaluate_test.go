package gate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/botpaywall/botpaywall/internal/audit"
	"github.com/botpaywall/botpaywall/internal/payment"
	"github.com/botpaywall/botpaywall/internal/secret"
	"github.com/botpaywall/botpaywall/internal/store"
	"github.com/botpaywall/botpaywall/pkg/models"
)

const (
	testChainID     int64 = 250
	testVerifyLimit       = 3
	testIdentifier        = "203.0.113.9"
	testPassword          = "open sesame"
)

var testTxHash = "0x" + strings.Repeat("ab", 32)

type admitCall struct {
	identifier string
	reason     string
}

type mockAdmissions struct {
	mu           sync.Mutex
	isAdmittedFn func(projectID uuid.UUID, identifier string) (bool, error)
	admitFn      func(projectID uuid.UUID, identifier, reason string) (*models.AllowlistEntry, error)
	admits       []admitCall
}

func (m *mockAdmissions) IsAdmitted(_ context.Context, projectID uuid.UUID, identifier string) (bool, error) {
	if m.isAdmittedFn != nil {
		return m.isAdmittedFn(projectID, identifier)
	}
	return false, nil
}

func (m *mockAdmissions) Admit(_ context.Context, projectID uuid.UUID, identifier, reason string) (*models.AllowlistEntry, error) {
	m.mu.Lock()
	m.admits = append(m.admits, admitCall{identifier: identifier, reason: reason})
	m.mu.Unlock()
	if m.admitFn != nil {
		return m.admitFn(projectID, identifier, reason)
	}
	return &models.AllowlistEntry{ProjectID: projectID, Identifier: identifier, Reason: reason}, nil
}

func (m *mockAdmissions) admitted() []admitCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]admitCall(nil), m.admits...)
}

type mockVerifier struct {
	mu       sync.Mutex
	verifyFn func(p *models.Project, proof *models.PaymentProof, identifier string) (int64, error)
	calls    int
	last     *models.PaymentProof
}

func (m *mockVerifier) Verify(_ context.Context, p *models.Project, proof *models.PaymentProof, identifier string) (int64, error) {
	m.mu.Lock()
	m.calls++
	m.last = proof
	m.mu.Unlock()
	if m.verifyFn != nil {
		return m.verifyFn(p, proof, identifier)
	}
	return p.PaymentAmount, nil
}

type recordedEvent struct {
	eventType string
	projectID *uuid.UUID
	payload   any
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (a *recordingAuditor) Record(_ context.Context, eventType string, projectID *uuid.UUID, payload any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, recordedEvent{eventType: eventType, projectID: projectID, payload: payload})
}

func (a *recordingAuditor) recorded() []recordedEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]recordedEvent(nil), a.events...)
}

type evalFixture struct {
	eval       *Evaluator
	admissions *mockAdmissions
	verifier   *mockVerifier
	cache      *kvCache
	audit      *recordingAuditor
	project    *models.Project
	rawSecret  string
}

func newEvalFixture(t *testing.T) *evalFixture {
	t.Helper()

	enc, err := secret.NewEncryptor(strings.Repeat("ab", 32), false)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	raw := secret.Prefix + strings.Repeat("0123456789abcdef", 3)
	sealed, err := enc.Encrypt(raw)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword: %v", err)
	}
	hh := string(hash)

	p := sourceProject()
	p.SecretEnc = sealed
	p.HandshakeHash = &hh

	f := &evalFixture{
		admissions: &mockAdmissions{},
		verifier:   &mockVerifier{},
		cache:      newKVCache(),
		audit:      &recordingAuditor{},
		project:    p,
		rawSecret:  raw,
	}
	f.eval = NewEvaluator(EvaluatorConfig{
		Admissions:  f.admissions,
		Verifier:    f.verifier,
		Cache:       f.cache,
		Encryptor:   enc,
		Audit:       f.audit,
		Log:         discardLogger(),
		ChainID:     testChainID,
		VerifyLimit: testVerifyLimit,
	})
	return f
}

func encodeProof(t *testing.T, hash string, chainID int64) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"transaction_hash": hash,
		"chain_id":         chainID,
	})
	if err != nil {
		t.Fatalf("marshal proof: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

func wantForward(t *testing.T, d Decision) {
	t.Helper()
	if d.Action != ActionForward {
		t.Fatalf("decision = %+v, want forward", d)
	}
}

func wantReject(t *testing.T, d Decision, status int, code string) {
	t.Helper()
	if d.Action != ActionReject {
		t.Fatalf("decision = %+v, want reject", d)
	}
	if d.Status != status || d.Code != code {
		t.Fatalf("decision = %d %s, want %d %s", d.Status, d.Code, status, code)
	}
}

func TestEvaluate_InertProjectForwards(t *testing.T) {
	for _, status := range []string{models.ProjectStatusPendingNS, models.ProjectStatusActive} {
		f := newEvalFixture(t)
		f.project.Status = status
		f.admissions.isAdmittedFn = func(uuid.UUID, string) (bool, error) {
			t.Fatal("allowlist consulted for a project that is not enforcing")
			return false, nil
		}

		d := f.eval.Evaluate(context.Background(), f.project, Credentials{
			Bypass:     "garbage that would otherwise reject",
			Identifier: testIdentifier,
		})
		wantForward(t, d)
	}
}

func TestEvaluate_HandshakeMatchForwards(t *testing.T) {
	f := newEvalFixture(t)

	d := f.eval.Evaluate(context.Background(), f.project, Credentials{
		Handshake:  testPassword,
		Identifier: testIdentifier,
	})
	wantForward(t, d)
}

func TestEvaluate_HandshakeMismatchRejects(t *testing.T) {
	f := newEvalFixture(t)
	f.admissions.isAdmittedFn = func(uuid.UUID, string) (bool, error) {
		t.Fatal("allowlist consulted after failed handshake")
		return false, nil
	}

	d := f.eval.Evaluate(context.Background(), f.project, Credentials{
		Handshake:  "wrong password",
		Identifier: testIdentifier,
	})
	wantReject(t, d, http.StatusUnauthorized, "INVALID_HANDSHAKE")
}

func TestEvaluate_HandshakeWithoutConfiguredPassword(t *testing.T) {
	f := newEvalFixture(t)
	f.project.HandshakeHash = nil

	d := f.eval.Evaluate(context.Background(), f.project, Credentials{
		Handshake:  testPassword,
		Identifier: testIdentifier,
	})
	wantReject(t, d, http.StatusUnauthorized, "INVALID_HANDSHAKE")
}

func TestEvaluate_BypassMatchForwards(t *testing.T) {
	f := newEvalFixture(t)

	d := f.eval.Evaluate(context.Background(), f.project, Credentials{
		Bypass:     f.rawSecret,
		Identifier: testIdentifier,
	})
	wantForward(t, d)
}

func TestEvaluate_BypassMalformedRejects(t *testing.T) {
	f := newEvalFixture(t)

	d := f.eval.Evaluate(context.Background(), f.project, Credentials{
		Bypass:     "not-a-secret",
		Identifier: testIdentifier,
	})
	wantReject(t, d, http.StatusUnauthorized, "MALFORMED_SECRET")
}

func TestEvaluate_BypassWrongSecretRejects(t *testing.T) {
	f := newEvalFixture(t)
	f.admissions.isAdmittedFn = func(uuid.UUID, string) (bool, error) {
		t.Fatal("allowlist consulted after failed bypass")
		return false, nil
	}

	d := f.eval.Evaluate(context.Background(), f.project, Credentials{
		Bypass:     secret.Prefix + strings.Repeat("f", 48),
		Identifier: testIdentifier,
	})
	wantReject(t, d, http.StatusForbidden, "INVALID_SECRET")
}

func TestEvaluate_BypassCorruptStoredSecret(t *testing.T) {
	f := newEvalFixture(t)
	f.project.SecretEnc = "enc:v1:deadbeef"

	d := f.eval.Evaluate(context.Background(), f.project, Credentials{
		Bypass:     f.rawSecret,
		Identifier: testIdentifier,
	})
	wantReject(t, d, http.StatusInternalServerError, "INTERNAL_ERROR")
}

func TestEvaluate_AdmittedIdentifierForwards(t *testing.T) {
	f := newEvalFixture(t)
	f.admissions.isAdmittedFn = func(projectID uuid.UUID, identifier string) (bool, error) {
		return projectID == f.project.ID && identifier == testIdentifier, nil
	}

	d := f.eval.Evaluate(context.Background(), f.project, Credentials{Identifier: testIdentifier})
	wantForward(t, d)
}

func TestEvaluate_AdmissionLookupErrorDegrades(t *testing.T) {
	f := newEvalFixture(t)
	f.admissions.isAdmittedFn = func(uuid.UUID, string) (bool, error) {
		return false, errors.New("store down")
	}

	d := f.eval.Evaluate(context.Background(), f.project, Credentials{Identifier: testIdentifier})
	wantReject(t, d, http.StatusServiceUnavailable, "DEGRADED")
}

func TestEvaluate_NoCredentialsChallenges(t *testing.T) {
	f := newEvalFixture(t)

	d := f.eval.Evaluate(context.Background(), f.project, Credentials{Identifier: testIdentifier})
	if d.Action != ActionChallenge {
		t.Fatalf("decision = %+v, want challenge", d)
	}
	if d.Status != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want %d", d.Status, http.StatusPaymentRequired)
	}
}

func TestEvaluate_ProofSuccessForwardsAdmitsAndAudits(t *testing.T) {
	f := newEvalFixture(t)
	f.verifier.verifyFn = func(_ *models.Project, proof *models.PaymentProof, identifier string) (int64, error) {
		if proof.TxHash != testTxHash {
			t.Errorf("verifier got hash %q, want %q", proof.TxHash, testTxHash)
		}
		if identifier != testIdentifier {
			t.Errorf("verifier got identifier %q, want %q", identifier, testIdentifier)
		}
		return 1000000, nil
	}

	d := f.eval.Evaluate(context.Background(), f.project, Credentials{
		Proof:      encodeProof(t, testTxHash, testChainID),
		Identifier: testIdentifier,
	})
	wantForward(t, d)

	events := f.audit.recorded()
	if len(events) != 1 {
		t.Fatalf("audit events = %d, want 1", len(events))
	}
	if events[0].eventType != audit.EventPaymentRedeemed {
		t.Errorf("event type = %q, want %q", events[0].eventType, audit.EventPaymentRedeemed)
	}
	if events[0].projectID == nil || *events[0].projectID != f.project.ID {
		t.Errorf("event project = %v, want %s", events[0].projectID, f.project.ID)
	}

	admits := f.admissions.admitted()
	if len(admits) != 1 {
		t.Fatalf("admit calls = %d, want 1", len(admits))
	}
	if admits[0].identifier != testIdentifier || admits[0].reason != "payment" {
		t.Errorf("admit = %+v, want {%s payment}", admits[0], testIdentifier)
	}
}

func TestEvaluate_ProofSuccessIgnoresDuplicateAdmission(t *testing.T) {
	f := newEvalFixture(t)
	f.admissions.admitFn = func(uuid.UUID, string, string) (*models.AllowlistEntry, error) {
		return nil, store.ErrDuplicateEntry
	}

	d := f.eval.Evaluate(context.Background(), f.project, Credentials{
		Proof:      encodeProof(t, testTxHash, testChainID),
		Identifier: testIdentifier,
	})
	wantForward(t, d)
}

func TestEvaluate_BareHashProof(t *testing.T) {
	f := newEvalFixture(t)

	d := f.eval.Evaluate(context.Background(), f.project, Credentials{
		Hash:       strings.ToUpper(testTxHash),
		Identifier: testIdentifier,
	})
	wantForward(t, d)

	if f.verifier.last == nil {
		t.Fatal("verifier never called")
	}
	if f.verifier.last.TxHash != testTxHash {
		t.Errorf("hash = %q, want normalized %q", f.verifier.last.TxHash, testTxHash)
	}
	if f.verifier.last.ChainID != testChainID {
		t.Errorf("chain = %d, want %d", f.verifier.last.ChainID, testChainID)
	}
}

func TestEvaluate_MalformedProofRejects(t *testing.T) {
	tests := []struct {
		name  string
		proof string
	}{
		{"bad base64", "%%not-base64%%"},
		{"bad json", base64.RawURLEncoding.EncodeToString([]byte("{nope"))},
		{"bad hash", mustEncodeProof("0x123", testChainID)},
		{"missing chain", mustEncodeProof(testTxHash, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEvalFixture(t)

			d := f.eval.Evaluate(context.Background(), f.project, Credentials{
				Proof:      tt.proof,
				Identifier: testIdentifier,
			})
			wantReject(t, d, http.StatusBadRequest, "MALFORMED_PROOF")
			if f.verifier.calls != 0 {
				t.Errorf("verifier called %d times on malformed proof", f.verifier.calls)
			}
		})
	}
}

func TestEvaluate_WrongChainRejects(t *testing.T) {
	f := newEvalFixture(t)

	d := f.eval.Evaluate(context.Background(), f.project, Credentials{
		Proof:      encodeProof(t, testTxHash, testChainID+1),
		Identifier: testIdentifier,
	})
	wantReject(t, d, http.StatusBadRequest, "WRONG_CHAIN")
}

func TestEvaluate_VerifyErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"already redeemed", store.ErrAlreadyRedeemed, http.StatusForbidden, "ALREADY_REDEEMED"},
		{"recipient mismatch", payment.ErrRecipientMismatch, http.StatusForbidden, "RECIPIENT_MISMATCH"},
		{"insufficient amount", payment.ErrInsufficientAmount, http.StatusForbidden, "INSUFFICIENT_AMOUNT"},
		{"not a transfer", payment.ErrNotTransfer, http.StatusForbidden, "INVALID_TRANSACTION"},
		{"verification pending", payment.ErrVerificationPending, http.StatusPaymentRequired, "VERIFICATION_PENDING"},
		{"ledger failure", errors.New("connection refused"), http.StatusServiceUnavailable, "DEGRADED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEvalFixture(t)
			f.verifier.verifyFn = func(*models.Project, *models.PaymentProof, string) (int64, error) {
				return 0, fmt.Errorf("verify: %w", tt.err)
			}

			d := f.eval.Evaluate(context.Background(), f.project, Credentials{
				Proof:      encodeProof(t, testTxHash, testChainID),
				Identifier: testIdentifier,
			})
			wantReject(t, d, tt.status, tt.code)

			if got := len(f.audit.recorded()); got != 0 {
				t.Errorf("audit events = %d, want 0 for failed verification", got)
			}
			if got := len(f.admissions.admitted()); got != 0 {
				t.Errorf("admit calls = %d, want 0 for failed verification", got)
			}
		})
	}
}

func TestEvaluate_VerifyAttemptsRateLimited(t *testing.T) {
	f := newEvalFixture(t)
	f.verifier.verifyFn = func(*models.Project, *models.PaymentProof, string) (int64, error) {
		return 0, payment.ErrVerificationPending
	}
	creds := Credentials{
		Proof:      encodeProof(t, testTxHash, testChainID),
		Identifier: testIdentifier,
	}

	for i := 0; i < testVerifyLimit; i++ {
		d := f.eval.Evaluate(context.Background(), f.project, creds)
		wantReject(t, d, http.StatusPaymentRequired, "VERIFICATION_PENDING")
	}

	d := f.eval.Evaluate(context.Background(), f.project, creds)
	wantReject(t, d, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED")

	if f.verifier.calls != testVerifyLimit {
		t.Errorf("verifier calls = %d, want %d", f.verifier.calls, testVerifyLimit)
	}
}

func TestEvaluate_VerifyRateLimitFailsOpen(t *testing.T) {
	f := newEvalFixture(t)
	f.cache.incrErr = errors.New("redis down")

	d := f.eval.Evaluate(context.Background(), f.project, Credentials{
		Proof:      encodeProof(t, testTxHash, testChainID),
		Identifier: testIdentifier,
	})
	wantForward(t, d)

	if f.verifier.calls != 1 {
		t.Errorf("verifier calls = %d, want 1", f.verifier.calls)
	}
}

// mustEncodeProof is encodeProof for table literals, where no *testing.T is
// in scope yet.
func mustEncodeProof(hash string, chainID int64) string {
	raw, err := json.Marshal(map[string]any{
		"transaction_hash": hash,
		"chain_id":         chainID,
	})
	if err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}
