package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/botpaywall/botpaywall/pkg/models"
)

// WorkerStore is the outbox subset the worker drains.
type WorkerStore interface {
	ClaimAuditEvents(ctx context.Context, claimedBy string, batch int, now, staleBefore time.Time) ([]*models.AuditEvent, error)
	MarkAuditPublished(ctx context.Context, claimedBy string, ids []uuid.UUID, now time.Time) error
}

// Worker drains the audit outbox: claim a batch of unpublished events,
// publish each, mark the published ones. Rows whose publish fails stay
// claimed and become claimable again once the claim goes stale, so a
// crashed or wedged worker never strands events.
type Worker struct {
	store     WorkerStore
	publisher Publisher
	log       *slog.Logger
	claimedBy string
	batch     int
	interval  time.Duration
	claimTTL  time.Duration
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(s WorkerStore, p Publisher, log *slog.Logger, interval, claimTTL time.Duration, batch int) *Worker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if claimTTL <= 0 {
		claimTTL = time.Minute
	}
	if batch <= 0 {
		batch = 50
	}
	return &Worker{
		store:     s,
		publisher: p,
		log:       log,
		claimedBy: uuid.NewString(),
		batch:     batch,
		interval:  interval,
		claimTTL:  claimTTL,
		now:       time.Now,
	}
}

// Start launches the drain loop. Calling Start on a running worker is a
// no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx, w.done)
}

// Stop cancels the drain loop and waits for it to exit. Calling Stop on a
// stopped worker is a no-op.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return
	}
	cancel, done := w.cancel, w.done
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()

	cancel()
	<-done
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.DrainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.log.Error("audit outbox drain failed", "error", err)
			}
		}
	}
}

// DrainOnce claims and publishes one batch, returning after the batch is
// marked. Events that fail to publish are skipped and retried after their
// claim expires.
func (w *Worker) DrainOnce(ctx context.Context) error {
	now := w.now().UTC()
	events, err := w.store.ClaimAuditEvents(ctx, w.claimedBy, w.batch, now, now.Add(-w.claimTTL))
	if err != nil {
		return fmt.Errorf("claim audit events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	published := make([]uuid.UUID, 0, len(events))
	for _, ev := range events {
		if err := w.publisher.Publish(ctx, ev); err != nil {
			w.log.Warn("failed to publish audit event",
				"event_id", ev.ID, "type", ev.Type, "error", err)
			continue
		}
		published = append(published, ev.ID)
	}
	if len(published) == 0 {
		return nil
	}

	if err := w.store.MarkAuditPublished(ctx, w.claimedBy, published, w.now().UTC()); err != nil {
		return fmt.Errorf("mark audit events published: %w", err)
	}
	return nil
}
