package allowlist

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SweepStore is the subset of the persistence layer the sweeper uses.
type SweepStore interface {
	SweepExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// Sweeper periodically deletes expired allowlist entries. Each deployment
// owns exactly one instance, started by the composition root.
type Sweeper struct {
	store    SweepStore
	log      *slog.Logger
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper that removes entries older than ttl every
// interval.
func NewSweeper(s SweepStore, log *slog.Logger, ttl, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		store:    s,
		log:      log,
		ttl:      ttl,
		interval: interval,
		now:      time.Now,
	}
}

// Start launches the sweep loop. Calling Start on a running sweeper is a
// no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

// Stop cancels the sweep loop and waits for it to exit. Calling Stop on a
// stopped sweeper is a no-op.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Sweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A failed sweep is retried on the next tick; stale entries
			// just outlive their TTL by at most one interval.
			if _, err := s.SweepOnce(ctx); err != nil {
				s.log.Error("allowlist sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce deletes every expired entry and returns the number removed.
// Safe to call concurrently with admissions: a freshly admitted entry's
// created_at is always past the cutoff.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.ttl)
	removed, err := s.store.SweepExpired(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.log.Info("swept expired allowlist entries", "removed", removed)
	}
	return removed, nil
}
