package gate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/botpaywall/botpaywall/internal/store"
	"github.com/botpaywall/botpaywall/pkg/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubProjectStore struct {
	mu       sync.Mutex
	projects map[string]*models.Project
	calls    int
	err      error
}

func (s *stubProjectStore) GetProjectByDomain(_ context.Context, domain string) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	p, ok := s.projects[domain]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// kvCache is a minimal in-process cache for gate tests.
type kvCache struct {
	mu       sync.Mutex
	values   map[string][]byte
	counters map[string]int64
	getErr   error
	incrErr  error
}

func newKVCache() *kvCache {
	return &kvCache{values: make(map[string][]byte), counters: make(map[string]int64)}
}

func (c *kvCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = append([]byte(nil), value...)
	return nil
}

func (c *kvCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *kvCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	return nil
}

func (c *kvCache) Ping(_ context.Context) error { return nil }

func (c *kvCache) SetAdmission(_ context.Context, _ uuid.UUID, _, _ string, _ time.Duration) error {
	return nil
}

func (c *kvCache) GetAdmission(_ context.Context, _ uuid.UUID, _ string) (string, bool, error) {
	return "", false, nil
}

func (c *kvCache) DeleteAdmission(_ context.Context, _ uuid.UUID, _ string) error { return nil }

func (c *kvCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.incrErr != nil {
		return 0, c.incrErr
	}
	c.counters[key]++
	return c.counters[key], nil
}

func sourceProject() *models.Project {
	hh := "$2a$10$fakehashfakehashfakehash"
	rid := "rule-1"
	return &models.Project{
		ID:              uuid.New(),
		Domain:          "shop.example.com",
		OriginURL:       "https://origin.internal:8443",
		Status:          models.ProjectStatusProtected,
		SecretEnc:       "enc:v1:deadbeef",
		SecretCreatedAt: time.Now().UTC().Truncate(time.Second),
		HandshakeHash:   &hh,
		PaymentAddress:  "0xea859ca77e2cbd07b3eb74a27acc6b5e9a5b1a1b",
		PaymentAmount:   1000000,
		RuleID:          &rid,
	}
}

func TestNormalizeHost(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"shop.example.com", "shop.example.com"},
		{"Shop.Example.COM", "shop.example.com"},
		{"shop.example.com:8080", "shop.example.com"},
		{"shop.example.com.", "shop.example.com"},
		{" shop.example.com ", "shop.example.com"},
		{"127.0.0.1:9999", "127.0.0.1"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeHost(tt.in); got != tt.want {
			t.Errorf("NormalizeHost(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolve_CachesStoreReads(t *testing.T) {
	p := sourceProject()
	st := &stubProjectStore{projects: map[string]*models.Project{p.Domain: p}}
	c := newKVCache()
	src := NewProjectSource(st, c, discardLogger(), 30*time.Second)

	for i := 0; i < 3; i++ {
		got, err := src.Resolve(context.Background(), "Shop.Example.COM:443")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if got.ID != p.ID {
			t.Fatalf("resolved project %s, want %s", got.ID, p.ID)
		}
	}

	if st.calls != 1 {
		t.Errorf("store reads = %d, want 1 (cache should serve repeats)", st.calls)
	}
}

func TestResolve_CacheRoundTripKeepsHiddenFields(t *testing.T) {
	p := sourceProject()
	st := &stubProjectStore{projects: map[string]*models.Project{p.Domain: p}}
	c := newKVCache()
	src := NewProjectSource(st, c, discardLogger(), 30*time.Second)

	if _, err := src.Resolve(context.Background(), p.Domain); err != nil {
		t.Fatalf("warm resolve: %v", err)
	}

	// Second resolve is served from the cache. The sealed secret and the
	// handshake hash are excluded from the model's JSON form, so this
	// catches a cache entry that drops them.
	got, err := src.Resolve(context.Background(), p.Domain)
	if err != nil {
		t.Fatalf("cached resolve: %v", err)
	}
	if got.SecretEnc != p.SecretEnc {
		t.Errorf("SecretEnc = %q, want %q", got.SecretEnc, p.SecretEnc)
	}
	if got.HandshakeHash == nil || *got.HandshakeHash != *p.HandshakeHash {
		t.Errorf("HandshakeHash not preserved through the cache")
	}
	if got.PaymentAmount != p.PaymentAmount {
		t.Errorf("PaymentAmount = %d, want %d", got.PaymentAmount, p.PaymentAmount)
	}
}

func TestResolve_UnknownHost(t *testing.T) {
	st := &stubProjectStore{projects: map[string]*models.Project{}}
	src := NewProjectSource(st, newKVCache(), discardLogger(), 30*time.Second)

	_, err := src.Resolve(context.Background(), "nobody.example.com")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want store.ErrNotFound", err)
	}
}

func TestResolve_EmptyHost(t *testing.T) {
	st := &stubProjectStore{projects: map[string]*models.Project{}}
	src := NewProjectSource(st, newKVCache(), discardLogger(), 30*time.Second)

	_, err := src.Resolve(context.Background(), "")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want store.ErrNotFound", err)
	}
	if st.calls != 0 {
		t.Errorf("store reads = %d, want 0 for an empty host", st.calls)
	}
}

func TestResolve_CacheErrorFallsBackToStore(t *testing.T) {
	p := sourceProject()
	st := &stubProjectStore{projects: map[string]*models.Project{p.Domain: p}}
	c := newKVCache()
	c.getErr = errors.New("redis gone")
	src := NewProjectSource(st, c, discardLogger(), 30*time.Second)

	got, err := src.Resolve(context.Background(), p.Domain)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != p.ID {
		t.Errorf("resolved project %s, want %s", got.ID, p.ID)
	}
}

func TestResolve_StoreErrorPropagates(t *testing.T) {
	st := &stubProjectStore{err: errors.New("pg down")}
	src := NewProjectSource(st, newKVCache(), discardLogger(), 30*time.Second)

	_, err := src.Resolve(context.Background(), "shop.example.com")
	if err == nil || errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want the store failure", err)
	}
}
