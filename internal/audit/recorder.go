// Package audit records control-plane and gate activity into a durable
// outbox and streams it to the audit topic. Appends are best effort and
// never fail the operation they describe; delivery is the worker's job.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/botpaywall/botpaywall/pkg/models"
)

// Event types emitted by the control plane and the gate.
const (
	EventProjectCreated       = "project.created"
	EventProjectStatusChanged = "project.status_changed"
	EventSecretRotated        = "secret.rotated"
	EventAccessAdmitted       = "access.admitted"
	EventAccessRevoked        = "access.revoked"
	EventAccessSwept          = "access.swept"
	EventPaymentRedeemed      = "payment.redeemed"
)

// Store is the outbox subset the recorder needs.
type Store interface {
	AppendAuditEvent(ctx context.Context, ev *models.AuditEvent) error
}

// Recorder appends audit events to the outbox.
type Recorder struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

func NewRecorder(s Store, log *slog.Logger) *Recorder {
	return &Recorder{store: s, log: log, now: time.Now}
}

// Record appends one event. projectID may be nil for events not scoped to a
// project, such as a global sweep. Failures are logged, never returned.
func (r *Recorder) Record(ctx context.Context, eventType string, projectID *uuid.UUID, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		r.log.Warn("failed to encode audit payload", "type", eventType, "error", err)
		return
	}

	ev := &models.AuditEvent{
		ID:        uuid.New(),
		ProjectID: projectID,
		Type:      eventType,
		Payload:   raw,
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.AppendAuditEvent(ctx, ev); err != nil {
		r.log.Warn("failed to record audit event", "type", eventType, "error", err)
	}
}
