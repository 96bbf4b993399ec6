package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditEvent is one row of the outbox feeding the audit stream. Events are
// appended alongside the state change they describe, claimed in batches by
// the publisher worker, and marked published once delivered.
type AuditEvent struct {
	ID          uuid.UUID       `db:"id"           json:"id"`
	ProjectID   *uuid.UUID      `db:"project_id"   json:"project_id,omitempty"`
	Type        string          `db:"type"         json:"type"`
	Payload     json.RawMessage `db:"payload"      json:"payload"`
	CreatedAt   time.Time       `db:"created_at"   json:"created_at"`
	ClaimedBy   *string         `db:"claimed_by"   json:"-"`
	ClaimedAt   *time.Time      `db:"claimed_at"   json:"-"`
	PublishedAt *time.Time      `db:"published_at" json:"published_at,omitempty"`
}
