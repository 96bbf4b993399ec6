package gate

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/botpaywall/botpaywall/internal/cache"
	"github.com/botpaywall/botpaywall/internal/store"
	"github.com/botpaywall/botpaywall/pkg/models"
)

const defaultSourceTTL = 30 * time.Second

// ProjectStore is the read side of host resolution.
type ProjectStore interface {
	GetProjectByDomain(ctx context.Context, domain string) (*models.Project, error)
}

// ProjectSource resolves request hostnames to projects through a short-TTL
// cache, so a burst against one domain costs one store read per TTL window.
// Control-plane changes (rotation, protection) propagate within the TTL.
type ProjectSource struct {
	store ProjectStore
	cache cache.Cache
	log   *slog.Logger
	ttl   time.Duration
}

// NewProjectSource creates a project source with the given cache TTL.
func NewProjectSource(s ProjectStore, c cache.Cache, log *slog.Logger, ttl time.Duration) *ProjectSource {
	if ttl <= 0 {
		ttl = defaultSourceTTL
	}
	return &ProjectSource{store: s, cache: c, log: log, ttl: ttl}
}

// NormalizeHost canonicalizes a request host: port stripped, lowercased,
// trailing dot removed.
func NormalizeHost(raw string) string {
	host := strings.TrimSpace(raw)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// Resolve returns the project fronting the host. store.ErrNotFound means no
// project is registered for it. Cache failures fall back to the store.
func (ps *ProjectSource) Resolve(ctx context.Context, host string) (*models.Project, error) {
	domain := NormalizeHost(host)
	if domain == "" {
		return nil, store.ErrNotFound
	}

	key := cache.ProjectDomainKey(domain)
	if raw, found, err := ps.cache.Get(ctx, key); err != nil {
		ps.log.Warn("project cache read failed", "domain", domain, "error", err)
	} else if found {
		var cp cachedProject
		// A corrupt entry falls through to the store and gets rewritten.
		if err := json.Unmarshal(raw, &cp); err == nil {
			return cp.project(), nil
		}
	}

	p, err := ps.store.GetProjectByDomain(ctx, domain)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(newCachedProject(p)); err == nil {
		if err := ps.cache.Set(ctx, key, raw, ps.ttl); err != nil {
			ps.log.Warn("project cache write failed", "domain", domain, "error", err)
		}
	}

	return p, nil
}

// cachedProject is the cache wire form of a project. models.Project hides
// the sealed secret and the handshake hash from its JSON encoding; the gate
// needs both, so the cache entry names every field explicitly.
type cachedProject struct {
	ID              uuid.UUID `json:"id"`
	Domain          string    `json:"domain"`
	OriginURL       string    `json:"origin_url"`
	Status          string    `json:"status"`
	SecretEnc       string    `json:"secret_enc"`
	SecretCreatedAt time.Time `json:"secret_created_at"`
	HandshakeHash   *string   `json:"handshake_hash,omitempty"`
	PaymentAddress  string    `json:"payment_address"`
	PaymentAmount   int64     `json:"payment_amount"`
	RuleID          *string   `json:"rule_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func newCachedProject(p *models.Project) cachedProject {
	return cachedProject{
		ID:              p.ID,
		Domain:          p.Domain,
		OriginURL:       p.OriginURL,
		Status:          p.Status,
		SecretEnc:       p.SecretEnc,
		SecretCreatedAt: p.SecretCreatedAt,
		HandshakeHash:   p.HandshakeHash,
		PaymentAddress:  p.PaymentAddress,
		PaymentAmount:   p.PaymentAmount,
		RuleID:          p.RuleID,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

func (cp cachedProject) project() *models.Project {
	return &models.Project{
		ID:              cp.ID,
		Domain:          cp.Domain,
		OriginURL:       cp.OriginURL,
		Status:          cp.Status,
		SecretEnc:       cp.SecretEnc,
		SecretCreatedAt: cp.SecretCreatedAt,
		HandshakeHash:   cp.HandshakeHash,
		PaymentAddress:  cp.PaymentAddress,
		PaymentAmount:   cp.PaymentAmount,
		RuleID:          cp.RuleID,
		CreatedAt:       cp.CreatedAt,
		UpdatedAt:       cp.UpdatedAt,
	}
}
