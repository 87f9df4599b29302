package dispatch

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/ride-hailing/internal/models"
)

func TestSweepTimesOutExpiredOfferAndReassigns(t *testing.T) {
	ctx := context.Background()
	r := newRig()
	r.seedDriver("drv_A", 12.9716, 77.5946, 4.5, 0.1, models.TierEconomy)
	r.seedDriver("drv_B", 12.9896, 77.5946, 4.5, 0.1, models.TierEconomy)

	summary, err := r.engine.CreateRide(ctx, baseRequest(), "ik-t1", BodyHash([]byte("b")))
	if err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := NewTimeoutScheduler(r.engine, r.store, logger)

	// Before the TTL elapses nothing happens.
	if err := sched.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	offers, _ := r.store.OffersForRide(ctx, summary.RideID)
	if len(offers) != 1 || !offers[0].Open() {
		t.Fatalf("offer should still be open: %+v", offers)
	}

	// 16 seconds later the 15s offer is expired.
	sched.SetClock(func() time.Time { return time.Now().Add(16 * time.Second) })
	if err := sched.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	offers, _ = r.store.OffersForRide(ctx, summary.RideID)
	if len(offers) != 2 {
		t.Fatalf("expected a second offer after timeout, got %d", len(offers))
	}
	if offers[0].Response != models.OfferTimeout || offers[0].RespondedAt == nil {
		t.Fatalf("expired offer must be TIMEOUT: %+v", offers[0])
	}
	if offers[1].DriverID != "drv_B" || offers[1].AttemptNumber != 2 {
		t.Fatalf("reassignment should target drv_B attempt 2: %+v", offers[1])
	}
}

func TestSweepIsNoOpForRespondedOffers(t *testing.T) {
	ctx := context.Background()
	r := newRig()
	r.seedDriver("drv_A", 12.9716, 77.5946, 4.5, 0.1, models.TierEconomy)

	summary, _ := r.engine.CreateRide(ctx, baseRequest(), "ik-t2", BodyHash([]byte("b")))
	if _, err := r.engine.Accept(ctx, summary.RideID, "drv_A"); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := NewTimeoutScheduler(r.engine, r.store, logger)
	sched.SetClock(func() time.Time { return time.Now().Add(time.Minute) })
	if err := sched.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	offers, _ := r.store.OffersForRide(ctx, summary.RideID)
	if len(offers) != 1 || offers[0].Response != models.OfferAccepted {
		t.Fatalf("accepted offer must not be altered: %+v", offers)
	}
}
