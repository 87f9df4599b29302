package payments

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-hailing/internal/events"
	"github.com/example/ride-hailing/internal/flags"
	"github.com/example/ride-hailing/internal/models"
)

func TestRelayPublishesFIFOPerPayment(t *testing.T) {
	ctx := context.Background()
	r := newPayRig()
	tripID := uuid.New()

	if err := r.orch.Initiate(ctx, tripEnded(tripID, "20.93")); err != nil {
		t.Fatal(err)
	}
	if err := r.relay.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	payment, _ := r.store.GetPaymentByTripID(ctx, tripID)
	msgs := r.bus.KeyMessages(payment.ID.String())
	if len(msgs) != 2 {
		t.Fatalf("expected 2 events on the payment partition, got %d", len(msgs))
	}
	if msgs[0].Topic != events.TopicPaymentInitiated || msgs[1].Topic != events.TopicPaymentCaptured {
		t.Fatalf("creation order violated: %s then %s", msgs[0].Topic, msgs[1].Topic)
	}
	var evt events.PaymentEvent
	_ = json.Unmarshal(msgs[1].Value, &evt)
	if evt.PaymentID != payment.ID.String() || evt.Status != models.PaymentCaptured {
		t.Fatalf("unexpected payload: %+v", evt)
	}

	for _, entry := range r.store.OutboxEntries() {
		if entry.Status != models.OutboxPublished {
			t.Fatalf("entry should be PUBLISHED: %+v", entry)
		}
		if entry.PublishedAt == nil {
			t.Fatal("PUBLISHED implies published_at set")
		}
		if entry.RetryCount > 5 {
			t.Fatal("PUBLISHED implies retry_count <= 5")
		}
	}
}

func TestRelayRetriesWithoutDroppingRows(t *testing.T) {
	ctx := context.Background()
	r := newPayRig()
	_ = r.flags.Set(ctx, "default", flags.AutoPaymentCharge, false)

	if err := r.orch.Initiate(ctx, tripEnded(uuid.New(), "10.00")); err != nil {
		t.Fatal(err)
	}

	r.bus.FailNext(1)
	if err := r.relay.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	entries := r.store.OutboxEntries()
	if entries[0].Status != models.OutboxPending || entries[0].RetryCount != 1 {
		t.Fatalf("failed publish should stay PENDING with retry bumped: %+v", entries[0])
	}

	// Next cycle succeeds.
	if err := r.relay.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	entries = r.store.OutboxEntries()
	if entries[0].Status != models.OutboxPublished {
		t.Fatalf("entry should publish on the retry cycle: %+v", entries[0])
	}
}

func TestRelayMarksFailedAfterRetryExhaustion(t *testing.T) {
	ctx := context.Background()
	r := newPayRig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	relay := NewRelay(r.store, r.bus, logger, 50, 2)
	relay.SetClock(func() time.Time { return time.Now() })

	_ = r.flags.Set(ctx, "default", flags.AutoPaymentCharge, false)
	if err := r.orch.Initiate(ctx, tripEnded(uuid.New(), "10.00")); err != nil {
		t.Fatal(err)
	}

	r.bus.FailNext(10)
	_ = relay.Sweep(ctx) // retry 1
	_ = relay.Sweep(ctx) // retry 2 → FAILED

	entries := r.store.OutboxEntries()
	if len(entries) != 1 {
		t.Fatalf("row must never be dropped, got %d", len(entries))
	}
	if entries[0].Status != models.OutboxFailed || entries[0].RetryCount != 2 {
		t.Fatalf("expected terminal FAILED after exhaustion: %+v", entries[0])
	}

	// FAILED rows are terminal: further sweeps ignore them.
	_ = relay.Sweep(ctx)
	if got := len(r.bus.Messages()); got != 0 {
		t.Fatalf("failed row must not publish, got %d messages", got)
	}
}
