package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/botpaywall/botpaywall/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateEntry = errors.New("duplicate entry")

// ErrAlreadyRedeemed means a transaction hash is either reserved by a
// concurrent verification in flight or already confirmed. Either way the
// presenting request must not proceed.
var ErrAlreadyRedeemed = errors.New("transaction hash already redeemed")

// Store is the data access interface. All cross-request invariants (single
// admission winner, single redemption, forward-only lifecycle) are enforced
// here with atomic statements, never with in-process locks: the gate runs
// as many independent processes sharing only this store.
type Store interface {
	Ping(ctx context.Context) error

	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	GetProjectByDomain(ctx context.Context, domain string) (*models.Project, error)
	ListProjects(ctx context.Context, page, limit int) ([]*models.Project, int, error)
	TransitionProject(ctx context.Context, id uuid.UUID, from, to string) error
	UpdateProjectSecret(ctx context.Context, id uuid.UUID, secretEnc string, rotatedAt time.Time) error
	SetProjectRuleID(ctx context.Context, id uuid.UUID, ruleID string) error

	AdmitIdentifier(ctx context.Context, projectID uuid.UUID, identifier, reason string, now time.Time, ttl time.Duration) (*models.AllowlistEntry, error)
	GetAllowlistEntry(ctx context.Context, projectID uuid.UUID, identifier string) (*models.AllowlistEntry, error)
	ListAllowlist(ctx context.Context, filter AllowlistFilter) ([]*models.AllowlistEntry, int, error)
	RevokeIdentifier(ctx context.Context, projectID uuid.UUID, identifier string) error
	SweepExpired(ctx context.Context, cutoff time.Time) (int, error)

	ReserveRedemption(ctx context.Context, projectID uuid.UUID, txHash, identifier string, now, staleBefore time.Time) error
	FinalizeRedemption(ctx context.Context, projectID uuid.UUID, txHash string, amount int64, now time.Time) error
	ReleaseRedemption(ctx context.Context, projectID uuid.UUID, txHash string) error
	ListRedemptions(ctx context.Context, projectID uuid.UUID, page, limit int) ([]*models.Redemption, int, error)

	AppendAuditEvent(ctx context.Context, ev *models.AuditEvent) error
	ClaimAuditEvents(ctx context.Context, claimedBy string, batch int, now, staleBefore time.Time) ([]*models.AuditEvent, error)
	MarkAuditPublished(ctx context.Context, claimedBy string, ids []uuid.UUID, now time.Time) error
}

// AllowlistFilter scopes a live-entry listing. Now and TTL define liveness;
// the store never consults its own clock so tests and callers agree on time.
type AllowlistFilter struct {
	ProjectID uuid.UUID
	Now       time.Time
	TTL       time.Duration
	Page      int
	Limit     int
}
