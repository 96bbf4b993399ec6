package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/botpaywall/botpaywall/internal/lifecycle"
	"github.com/botpaywall/botpaywall/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const projectColumns = `id, domain, origin_url, status, secret_enc, secret_created_at, handshake_hash, payment_address, payment_amount, rule_id, created_at, updated_at`

func scanProject(row pgx.Row) (*models.Project, error) {
	var p models.Project
	err := row.Scan(&p.ID, &p.Domain, &p.OriginURL, &p.Status, &p.SecretEnc, &p.SecretCreatedAt,
		&p.HandshakeHash, &p.PaymentAddress, &p.PaymentAmount, &p.RuleID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// --- Projects ---

func (s *PostgresStore) CreateProject(ctx context.Context, p *models.Project) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, domain, origin_url, status, secret_enc, secret_created_at, handshake_hash, payment_address, payment_amount, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.Domain, p.OriginURL, p.Status, p.SecretEnc, p.SecretCreatedAt,
		p.HandshakeHash, p.PaymentAddress, p.PaymentAmount, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateEntry
		}
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) GetProjectByDomain(ctx context.Context, domain string) (*models.Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE domain = $1`, domain))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project by domain: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context, page, limit int) ([]*models.Project, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM projects`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count projects: %w", err)
	}

	_, limit, offset := normalizePagination(page, limit)

	rows, err := s.pool.Query(ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, total, rows.Err()
}

// TransitionProject moves a project one step forward in its lifecycle. The
// conditional UPDATE is the durable guard: two racing transitions on the
// same project resolve to exactly one winner.
func (s *PostgresStore) TransitionProject(ctx context.Context, id uuid.UUID, from, to string) error {
	if !lifecycle.CanTransition(from, to) {
		return lifecycle.ErrInvalidTransition
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`,
		id, from, to)
	if err != nil {
		return fmt.Errorf("transition project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := s.pool.QueryRow(ctx, `SELECT status FROM projects WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get project status: %w", err)
		}
		return lifecycle.ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) UpdateProjectSecret(ctx context.Context, id uuid.UUID, secretEnc string, rotatedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET secret_enc = $2, secret_created_at = $3, updated_at = NOW() WHERE id = $1`,
		id, secretEnc, rotatedAt)
	if err != nil {
		return fmt.Errorf("update project secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetProjectRuleID(ctx context.Context, id uuid.UUID, ruleID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET rule_id = $2, updated_at = NOW() WHERE id = $1`, id, ruleID)
	if err != nil {
		return fmt.Errorf("set project rule id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Allowlist ---

// AdmitIdentifier inserts a live admission in one atomic statement. A
// conflicting row is replaced only when it has already expired at "now";
// otherwise no row comes back and the admission loses with ErrDuplicateEntry.
// Exactly one of any set of concurrent admissions for the same identifier
// succeeds.
func (s *PostgresStore) AdmitIdentifier(ctx context.Context, projectID uuid.UUID, identifier, reason string, now time.Time, ttl time.Duration) (*models.AllowlistEntry, error) {
	expiredBefore := now.Add(-ttl)

	var e models.AllowlistEntry
	err := s.pool.QueryRow(ctx,
		`INSERT INTO allowlist_entries (project_id, identifier, reason, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (project_id, identifier) DO UPDATE
		   SET reason = EXCLUDED.reason, created_at = EXCLUDED.created_at
		   WHERE allowlist_entries.created_at <= $5
		 RETURNING project_id, identifier, reason, created_at`,
		projectID, identifier, reason, now, expiredBefore,
	).Scan(&e.ProjectID, &e.Identifier, &e.Reason, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDuplicateEntry
	}
	if err != nil {
		return nil, fmt.Errorf("admit identifier: %w", err)
	}
	return &e, nil
}

// GetAllowlistEntry reads one entry regardless of liveness. Callers decide
// liveness against their own clock; reads never delete expired rows.
func (s *PostgresStore) GetAllowlistEntry(ctx context.Context, projectID uuid.UUID, identifier string) (*models.AllowlistEntry, error) {
	var e models.AllowlistEntry
	err := s.pool.QueryRow(ctx,
		`SELECT project_id, identifier, reason, created_at
		 FROM allowlist_entries WHERE project_id = $1 AND identifier = $2`,
		projectID, identifier,
	).Scan(&e.ProjectID, &e.Identifier, &e.Reason, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get allowlist entry: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) ListAllowlist(ctx context.Context, filter AllowlistFilter) ([]*models.AllowlistEntry, int, error) {
	liveAfter := filter.Now.Add(-filter.TTL)

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM allowlist_entries WHERE project_id = $1 AND created_at > $2`,
		filter.ProjectID, liveAfter).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count allowlist entries: %w", err)
	}

	_, limit, offset := normalizePagination(filter.Page, filter.Limit)

	rows, err := s.pool.Query(ctx,
		`SELECT project_id, identifier, reason, created_at
		 FROM allowlist_entries WHERE project_id = $1 AND created_at > $2
		 ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		filter.ProjectID, liveAfter, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list allowlist entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.AllowlistEntry
	for rows.Next() {
		var e models.AllowlistEntry
		if err := rows.Scan(&e.ProjectID, &e.Identifier, &e.Reason, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan allowlist entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, total, rows.Err()
}

func (s *PostgresStore) RevokeIdentifier(ctx context.Context, projectID uuid.UUID, identifier string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM allowlist_entries WHERE project_id = $1 AND identifier = $2`,
		projectID, identifier)
	if err != nil {
		return fmt.Errorf("revoke identifier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SweepExpired removes every entry expired at the cutoff. A fresh admission
// always carries created_at >= sweep start, so the sweep can never remove
// an entry admitted after it began.
func (s *PostgresStore) SweepExpired(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM allowlist_entries WHERE created_at <= $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep expired entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Redemptions ---

// ReserveRedemption claims a transaction hash for one in-flight
// verification. The primary key on (project_id, tx_hash) makes the insert
// the atomic check-and-set; a stale pending reservation (a crashed verifier)
// may be taken over, a fresh one or a confirmed redemption may not.
func (s *PostgresStore) ReserveRedemption(ctx context.Context, projectID uuid.UUID, txHash, identifier string, now, staleBefore time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO redemptions (project_id, tx_hash, identifier, amount, status, reserved_at)
		 VALUES ($1, $2, $3, 0, $4, $5)
		 ON CONFLICT (project_id, tx_hash) DO NOTHING`,
		projectID, txHash, identifier, models.RedemptionStatusPending, now)
	if err != nil {
		return fmt.Errorf("reserve redemption: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	tag, err = s.pool.Exec(ctx,
		`UPDATE redemptions SET identifier = $3, reserved_at = $4
		 WHERE project_id = $1 AND tx_hash = $2 AND status = $5 AND reserved_at < $6`,
		projectID, txHash, identifier, now, models.RedemptionStatusPending, staleBefore)
	if err != nil {
		return fmt.Errorf("take over stale reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyRedeemed
	}
	return nil
}

// FinalizeRedemption marks a reservation confirmed. Called only after the
// ledger verified recipient and amount; once confirmed the hash is spent
// forever.
func (s *PostgresStore) FinalizeRedemption(ctx context.Context, projectID uuid.UUID, txHash string, amount int64, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE redemptions SET status = $3, amount = $4, confirmed_at = $5
		 WHERE project_id = $1 AND tx_hash = $2 AND status = $6`,
		projectID, txHash, models.RedemptionStatusConfirmed, amount, now, models.RedemptionStatusPending)
	if err != nil {
		return fmt.Errorf("finalize redemption: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseRedemption drops a pending reservation after a non-success
// verification outcome so the hash can be retried. Confirmed redemptions
// are never released. Releasing an already-released hash is a no-op.
func (s *PostgresStore) ReleaseRedemption(ctx context.Context, projectID uuid.UUID, txHash string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM redemptions WHERE project_id = $1 AND tx_hash = $2 AND status = $3`,
		projectID, txHash, models.RedemptionStatusPending)
	if err != nil {
		return fmt.Errorf("release redemption: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRedemptions(ctx context.Context, projectID uuid.UUID, page, limit int) ([]*models.Redemption, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM redemptions WHERE project_id = $1`, projectID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count redemptions: %w", err)
	}

	_, limit, offset := normalizePagination(page, limit)

	rows, err := s.pool.Query(ctx,
		`SELECT project_id, tx_hash, identifier, amount, status, reserved_at, confirmed_at
		 FROM redemptions WHERE project_id = $1
		 ORDER BY reserved_at DESC LIMIT $2 OFFSET $3`,
		projectID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list redemptions: %w", err)
	}
	defer rows.Close()

	var redemptions []*models.Redemption
	for rows.Next() {
		var r models.Redemption
		if err := rows.Scan(&r.ProjectID, &r.TxHash, &r.Identifier, &r.Amount, &r.Status,
			&r.ReservedAt, &r.ConfirmedAt); err != nil {
			return nil, 0, fmt.Errorf("scan redemption: %w", err)
		}
		redemptions = append(redemptions, &r)
	}
	return redemptions, total, rows.Err()
}

// --- Audit outbox ---

func (s *PostgresStore) AppendAuditEvent(ctx context.Context, ev *models.AuditEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events (id, project_id, type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, ev.ProjectID, ev.Type, ev.Payload, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// ClaimAuditEvents atomically claims a batch of unpublished events for one
// publisher. Claims older than staleBefore are considered abandoned and may
// be re-claimed.
func (s *PostgresStore) ClaimAuditEvents(ctx context.Context, claimedBy string, batch int, now, staleBefore time.Time) ([]*models.AuditEvent, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE audit_events SET claimed_by = $1, claimed_at = $2
		 WHERE id IN (
		   SELECT id FROM audit_events
		   WHERE published_at IS NULL AND (claimed_at IS NULL OR claimed_at < $3)
		   ORDER BY created_at
		   LIMIT $4
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, project_id, type, payload, created_at, claimed_by, claimed_at, published_at`,
		claimedBy, now, staleBefore, batch)
	if err != nil {
		return nil, fmt.Errorf("claim audit events: %w", err)
	}
	defer rows.Close()

	var events []*models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		if err := rows.Scan(&ev.ID, &ev.ProjectID, &ev.Type, &ev.Payload, &ev.CreatedAt,
			&ev.ClaimedBy, &ev.ClaimedAt, &ev.PublishedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) MarkAuditPublished(ctx context.Context, claimedBy string, ids []uuid.UUID, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE audit_events SET published_at = $3
		 WHERE claimed_by = $1 AND id = ANY($2) AND published_at IS NULL`,
		claimedBy, ids, now)
	if err != nil {
		return fmt.Errorf("mark audit events published: %w", err)
	}
	return nil
}

func normalizePagination(page, limit int) (int, int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if page <= 0 {
		page = 1
	}
	return page, limit, (page - 1) * limit
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
