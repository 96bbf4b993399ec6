package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ProjectStatusPendingNS = "pending_ns"
	ProjectStatusActive    = "active"
	ProjectStatusProtected = "protected"
)

// Project is one protected domain: where to proxy it, how callers pay for
// it, and the bypass credential issued at provisioning time. The raw bypass
// secret is shown once at creation and rotation; only the encrypted form is
// stored.
type Project struct {
	ID              uuid.UUID `db:"id"                json:"id"`
	Domain          string    `db:"domain"            json:"domain"`
	OriginURL       string    `db:"origin_url"        json:"origin_url"`
	Status          string    `db:"status"            json:"status"`
	SecretEnc       string    `db:"secret_enc"        json:"-"`
	SecretCreatedAt time.Time `db:"secret_created_at" json:"secret_created_at"`
	HandshakeHash   *string   `db:"handshake_hash"    json:"-"`
	PaymentAddress  string    `db:"payment_address"   json:"payment_address"`
	PaymentAmount   int64     `db:"payment_amount"    json:"payment_amount"`
	RuleID          *string   `db:"rule_id"           json:"rule_id,omitempty"`
	CreatedAt       time.Time `db:"created_at"        json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"        json:"updated_at"`
}

// HasHandshake reports whether a static handshake password was configured
// for this project. Projects without one rely on bypass secrets, admissions
// and payment proofs only.
func (p *Project) HasHandshake() bool {
	return p.HandshakeHash != nil && *p.HandshakeHash != ""
}
