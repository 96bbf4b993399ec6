package models

import (
	"time"

	"github.com/google/uuid"
)

// AllowlistEntry is a time-boxed admission of one caller identifier (an IP
// literal or an agent key) to one project. Liveness is computed from
// CreatedAt plus the deployment-wide admission TTL; expired rows are
// physically removed by the sweeper, never by readers.
type AllowlistEntry struct {
	ProjectID  uuid.UUID `db:"project_id" json:"project_id"`
	Identifier string    `db:"identifier" json:"identifier"`
	Reason     string    `db:"reason"     json:"reason"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// ExpiresAt is the instant this entry stops granting access, given the
// admission TTL in force.
func (e *AllowlistEntry) ExpiresAt(ttl time.Duration) time.Time {
	return e.CreatedAt.Add(ttl)
}
