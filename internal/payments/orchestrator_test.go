package payments

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/ride-hailing/internal/bus"
	"github.com/example/ride-hailing/internal/events"
	"github.com/example/ride-hailing/internal/flags"
	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/storage"
)

type payRig struct {
	store *storage.MemoryStore
	flags *flags.MemoryStore
	stub  *StubGateway
	orch  *Orchestrator
	bus   *bus.MemoryBus
	relay *Relay
	rec   *Reconciler
}

// tickingClock returns strictly increasing instants so created_at ordering
// is deterministic.
func tickingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	t := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func newPayRig() *payRig {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := &payRig{
		store: storage.NewMemoryStore(),
		flags: flags.NewMemoryStore(),
		stub:  NewStubGateway(),
		bus:   bus.NewMemoryBus(),
	}
	charger := NewChargePolicy("test", r.stub)
	charger.SetSleeper(func(time.Duration) {})
	r.orch = NewOrchestrator(r.store, r.flags, charger, logger)
	r.orch.SetClock(tickingClock(time.Now()))
	r.orch.SetSpawner(func(f func()) { f() }) // run async charges inline
	r.relay = NewRelay(r.store, r.bus, logger, 50, 5)
	r.rec = NewReconciler(r.store, r.orch, logger, 5, 10*time.Minute)
	return r
}

func tripEnded(tripID uuid.UUID, fare string) events.TripEvent {
	amount := decimal.RequireFromString(fare)
	return events.TripEvent{
		TripID:     tripID.String(),
		RiderID:    "usr_1",
		DriverID:   "drv_1",
		TenantID:   "default",
		Status:     models.TripEnded,
		FareAmount: &amount,
		EventTime:  time.Now(),
	}
}

func TestInitiateIsIdempotentOnTripID(t *testing.T) {
	ctx := context.Background()
	r := newPayRig()
	tripID := uuid.New()

	if err := r.orch.Initiate(ctx, tripEnded(tripID, "20.93")); err != nil {
		t.Fatal(err)
	}
	outboxAfterFirst := len(r.store.OutboxEntries())
	for i := 0; i < 2; i++ {
		if err := r.orch.Initiate(ctx, tripEnded(tripID, "20.93")); err != nil {
			t.Fatal(err)
		}
	}

	payment, err := r.store.GetPaymentByTripID(ctx, tripID)
	if err != nil {
		t.Fatal(err)
	}
	if !payment.Amount.Equal(decimal.RequireFromString("20.93")) {
		t.Fatalf("wrong amount %s", payment.Amount)
	}
	// Replays insert nothing: same outbox count as after the first call.
	if got := len(r.store.OutboxEntries()); got != outboxAfterFirst {
		t.Fatalf("replay grew the outbox: %d -> %d", outboxAfterFirst, got)
	}
}

func TestInitiateSkipsNonEndedAndFarelessTrips(t *testing.T) {
	ctx := context.Background()
	r := newPayRig()

	evt := tripEnded(uuid.New(), "10.00")
	evt.Status = models.TripStarted
	if err := r.orch.Initiate(ctx, evt); err != nil {
		t.Fatal(err)
	}
	evt2 := tripEnded(uuid.New(), "10.00")
	evt2.FareAmount = nil
	if err := r.orch.Initiate(ctx, evt2); err != nil {
		t.Fatal(err)
	}
	if got := len(r.store.OutboxEntries()); got != 0 {
		t.Fatalf("nothing should be written, got %d outbox rows", got)
	}
}

func TestAutoChargeDisabledLeavesPending(t *testing.T) {
	ctx := context.Background()
	r := newPayRig()
	_ = r.flags.Set(ctx, "default", flags.AutoPaymentCharge, false)
	tripID := uuid.New()

	if err := r.orch.Initiate(ctx, tripEnded(tripID, "15.00")); err != nil {
		t.Fatal(err)
	}
	payment, _ := r.store.GetPaymentByTripID(ctx, tripID)
	if payment.Status != models.PaymentPending {
		t.Fatalf("payment should stay PENDING for manual review, got %s", payment.Status)
	}
	entries := r.store.OutboxEntries()
	if len(entries) != 1 || entries[0].EventType != events.TopicPaymentInitiated {
		t.Fatalf("expected only the INITIATED outbox row: %+v", entries)
	}
}

func TestChargeSuccessCaptures(t *testing.T) {
	ctx := context.Background()
	r := newPayRig()
	tripID := uuid.New()

	if err := r.orch.Initiate(ctx, tripEnded(tripID, "20.93")); err != nil {
		t.Fatal(err)
	}
	payment, _ := r.store.GetPaymentByTripID(ctx, tripID)
	if payment.Status != models.PaymentCaptured {
		t.Fatalf("expected CAPTURED, got %s", payment.Status)
	}
	if payment.PSPReference == "" {
		t.Fatal("captured payment must carry the PSP reference")
	}
	entries := r.store.OutboxEntries()
	if len(entries) != 2 ||
		entries[0].EventType != events.TopicPaymentInitiated ||
		entries[1].EventType != events.TopicPaymentCaptured {
		t.Fatalf("expected INITIATED then CAPTURED outbox rows: %+v", entries)
	}
}

func TestChargeFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	r := newPayRig()
	r.stub.SetFailing(true)
	tripID := uuid.New()

	if err := r.orch.Initiate(ctx, tripEnded(tripID, "20.93")); err != nil {
		t.Fatal(err)
	}
	payment, _ := r.store.GetPaymentByTripID(ctx, tripID)
	if payment.Status != models.PaymentFailed {
		t.Fatalf("expected FAILED, got %s", payment.Status)
	}
	if payment.RetryCount != 1 || payment.FailureReason == "" {
		t.Fatalf("failure bookkeeping missing: %+v", payment)
	}
	entries := r.store.OutboxEntries()
	if len(entries) != 2 || entries[1].EventType != events.TopicPaymentFailed {
		t.Fatalf("expected INITIATED then FAILED outbox rows: %+v", entries)
	}
}
