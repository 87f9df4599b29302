package payments

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/example/ride-hailing/internal/bus"
	"github.com/example/ride-hailing/internal/observability"
	"github.com/example/ride-hailing/internal/storage"
)

// Relay is the transactional-outbox publisher. It polls PENDING rows in
// creation order and publishes each to the bus keyed by payment id, so
// events for one payment land on one partition in creation order.
//
// A failed publish leaves the row PENDING for the next cycle; after
// maxRetries failures the row goes FAILED and stays for manual ops. Rows
// are never dropped.
type Relay struct {
	store      storage.OutboxStore
	publisher  bus.Publisher
	logger     *slog.Logger
	batchSize  int
	maxRetries int

	now func() time.Time
}

func NewRelay(store storage.OutboxStore, publisher bus.Publisher, logger *slog.Logger, batchSize, maxRetries int) *Relay {
	return &Relay{
		store:      store,
		publisher:  publisher,
		logger:     logger,
		batchSize:  batchSize,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

func (r *Relay) SetClock(now func() time.Time) { r.now = now }

// Run polls until the context is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("outbox sweep error", "error", err)
			}
		}
	}
}

// Sweep publishes one batch of pending entries.
func (r *Relay) Sweep(ctx context.Context) error {
	pending, err := r.store.PendingOutbox(ctx, r.batchSize)
	if err != nil {
		return err
	}
	for _, entry := range pending {
		err := r.publisher.Publish(ctx, entry.EventType, entry.PaymentID.String(), json.RawMessage(entry.Payload))
		if err == nil {
			if err := r.store.MarkOutboxPublished(ctx, entry.ID, r.now().UTC()); err != nil {
				return err
			}
			observability.OutboxPublished.Inc()
			r.logger.Info("outbox published", "event_type", entry.EventType, "payment_id", entry.PaymentID)
			continue
		}

		failed := entry.RetryCount+1 >= r.maxRetries
		if markErr := r.store.BumpOutboxRetry(ctx, entry.ID, failed); markErr != nil {
			return markErr
		}
		if failed {
			observability.OutboxExhausted.Inc()
			r.logger.Error("outbox permanently failed",
				"payment_id", entry.PaymentID, "retries", entry.RetryCount+1, "error", err)
		} else {
			r.logger.Warn("outbox publish retry",
				"payment_id", entry.PaymentID, "attempt", entry.RetryCount+1, "error", err)
		}
	}
	return nil
}
