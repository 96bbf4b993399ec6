// Package allowlist manages time-bounded admissions of caller identifiers.
// An admitted identifier passes the gate without re-paying until its TTL
// elapses. Postgres is the source of truth; Redis serves reads on the hot
// path and expires entries on its own clock.
package allowlist

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/botpaywall/botpaywall/internal/cache"
	"github.com/botpaywall/botpaywall/internal/store"
	"github.com/botpaywall/botpaywall/pkg/models"
)

// ErrInvalidIdentifier is returned when an identifier is neither an IP
// literal nor a well-formed agent key.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// Store is the subset of the persistence layer the allowlist uses.
type Store interface {
	AdmitIdentifier(ctx context.Context, projectID uuid.UUID, identifier, reason string, now time.Time, ttl time.Duration) (*models.AllowlistEntry, error)
	GetAllowlistEntry(ctx context.Context, projectID uuid.UUID, identifier string) (*models.AllowlistEntry, error)
	ListAllowlist(ctx context.Context, filter store.AllowlistFilter) ([]*models.AllowlistEntry, int, error)
	RevokeIdentifier(ctx context.Context, projectID uuid.UUID, identifier string) error
}

// Service coordinates admissions between the durable store and the cache.
type Service struct {
	store Store
	cache cache.Cache
	log   *slog.Logger
	ttl   time.Duration
	now   func() time.Time
}

// NewService creates an allowlist service with the given admission TTL.
func NewService(s Store, c cache.Cache, log *slog.Logger, ttl time.Duration) *Service {
	return &Service{
		store: s,
		cache: c,
		log:   log,
		ttl:   ttl,
		now:   time.Now,
	}
}

// TTL returns the admission time-to-live.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Admit grants the identifier access for one TTL window. A live entry for
// the same identifier makes this fail with store.ErrDuplicateEntry; an
// expired one is replaced rather than extended.
func (s *Service) Admit(ctx context.Context, projectID uuid.UUID, identifier, reason string) (*models.AllowlistEntry, error) {
	id, ok := NormalizeIdentifier(identifier)
	if !ok {
		return nil, ErrInvalidIdentifier
	}

	now := s.now().UTC()
	entry, err := s.store.AdmitIdentifier(ctx, projectID, id, reason, now, s.ttl)
	if err != nil {
		return nil, err
	}

	// Best effort: a cache miss just falls back to the store.
	if err := s.cache.SetAdmission(ctx, projectID, id, reason, s.ttl); err != nil {
		s.log.Warn("failed to cache admission", "project_id", projectID, "error", err)
	}

	return entry, nil
}

// IsAdmitted reports whether the identifier currently holds a live admission.
// Cache hits answer directly; otherwise the store decides and a live entry
// is written back to the cache with its remaining TTL.
func (s *Service) IsAdmitted(ctx context.Context, projectID uuid.UUID, identifier string) (bool, error) {
	id, ok := NormalizeIdentifier(identifier)
	if !ok {
		return false, nil
	}

	reason, found, err := s.cache.GetAdmission(ctx, projectID, id)
	if err != nil {
		s.log.Warn("admission cache read failed", "project_id", projectID, "error", err)
	} else if found {
		return true, nil
	}

	entry, err := s.store.GetAllowlistEntry(ctx, projectID, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	remaining := s.TimeRemaining(entry)
	if remaining <= 0 {
		return false, nil
	}

	if reason == "" {
		reason = entry.Reason
	}
	if err := s.cache.SetAdmission(ctx, projectID, id, reason, remaining); err != nil {
		s.log.Warn("failed to backfill admission cache", "project_id", projectID, "error", err)
	}

	return true, nil
}

// Check reports whether the identifier holds a live admission and how much
// of its window remains. It reads the store directly so the remainder is
// authoritative rather than a cache estimate.
func (s *Service) Check(ctx context.Context, projectID uuid.UUID, identifier string) (bool, time.Duration, error) {
	id, ok := NormalizeIdentifier(identifier)
	if !ok {
		return false, 0, nil
	}

	entry, err := s.store.GetAllowlistEntry(ctx, projectID, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}

	remaining := s.TimeRemaining(entry)
	if remaining <= 0 {
		return false, 0, nil
	}
	return true, remaining, nil
}

// TimeRemaining returns how long the entry stays live, never negative.
func (s *Service) TimeRemaining(entry *models.AllowlistEntry) time.Duration {
	remaining := entry.CreatedAt.Add(s.ttl).Sub(s.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Revoke removes an admission immediately, independent of TTL.
func (s *Service) Revoke(ctx context.Context, projectID uuid.UUID, identifier string) error {
	id, ok := NormalizeIdentifier(identifier)
	if !ok {
		return ErrInvalidIdentifier
	}

	if err := s.store.RevokeIdentifier(ctx, projectID, id); err != nil {
		return err
	}

	if err := s.cache.DeleteAdmission(ctx, projectID, id); err != nil {
		s.log.Warn("failed to evict revoked admission from cache", "project_id", projectID, "error", err)
	}

	return nil
}

// List returns the live entries for a project, newest first.
func (s *Service) List(ctx context.Context, projectID uuid.UUID, page, limit int) ([]*models.AllowlistEntry, int, error) {
	return s.store.ListAllowlist(ctx, store.AllowlistFilter{
		ProjectID: projectID,
		Now:       s.now().UTC(),
		TTL:       s.ttl,
		Page:      page,
		Limit:     limit,
	})
}
