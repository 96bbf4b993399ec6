package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	RedemptionStatusPending   = "pending"
	RedemptionStatusConfirmed = "confirmed"
)

// Redemption is the replay guard and audit record for one payment proof.
// A row is reserved as pending before the ledger is consulted and either
// confirmed on verified success or deleted on any other outcome, so a proof
// whose verification timed out can be retried while a spent proof cannot be
// redeemed twice.
type Redemption struct {
	ProjectID   uuid.UUID  `db:"project_id"   json:"project_id"`
	TxHash      string     `db:"tx_hash"      json:"tx_hash"`
	Identifier  string     `db:"identifier"   json:"identifier"`
	Amount      int64      `db:"amount"       json:"amount"`
	Status      string     `db:"status"       json:"status"`
	ReservedAt  time.Time  `db:"reserved_at"  json:"reserved_at"`
	ConfirmedAt *time.Time `db:"confirmed_at" json:"confirmed_at,omitempty"`
}

// PaymentProof is a caller's claim that a specific ledger transaction pays
// for the current request. It arrives either as a bare transaction hash
// header or as a base64url JSON envelope carrying the chain id.
type PaymentProof struct {
	TxHash  string `json:"transaction_hash"`
	ChainID int64  `json:"chain_id"`
	Nonce   string `json:"nonce,omitempty"`
}
