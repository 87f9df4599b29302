package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/observability"
	"github.com/example/ride-hailing/internal/storage"
)

// TimeoutScheduler force-closes offers whose TTL elapsed without a response
// and re-enters the dispatch loop. One instance per region suffices;
// multiple instances coordinate through the per-ride dispatch lock.
type TimeoutScheduler struct {
	engine *Engine
	store  storage.DispatchStore
	logger *slog.Logger

	now func() time.Time
}

func NewTimeoutScheduler(engine *Engine, store storage.DispatchStore, logger *slog.Logger) *TimeoutScheduler {
	return &TimeoutScheduler{engine: engine, store: store, logger: logger, now: time.Now}
}

func (s *TimeoutScheduler) SetClock(now func() time.Time) { s.now = now }

// Run sweeps every interval until cancelled.
func (s *TimeoutScheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("offer timeout sweep error", "error", err)
			}
		}
	}
}

// Sweep walks every DISPATCHING ride's open offers and times out the
// expired ones. The TIMEOUT write goes through the response-once guard, so
// a concurrent accept that got there first wins.
func (s *TimeoutScheduler) Sweep(ctx context.Context) error {
	dispatching, err := s.store.ListRidesByStatus(ctx, models.RideDispatching)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	for _, ride := range dispatching {
		open, err := s.store.OpenOffersForRide(ctx, ride.ID)
		if err != nil {
			return err
		}
		for _, offer := range open {
			if !offer.Expired(now) {
				continue
			}
			if err := s.store.RespondOffer(ctx, offer.ID, models.OfferTimeout, now); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue // responded in the meantime
				}
				return err
			}
			observability.OffersTimedOut.Inc()
			s.logger.Info("offer timed out, reassigning",
				"ride_id", ride.ID, "driver_id", offer.DriverID,
				"elapsed_s", int(now.Sub(offer.OfferedAt).Seconds()))

			if err := s.engine.Dispatch(ctx, ride.ID, map[string]bool{offer.DriverID: true}); err != nil {
				s.logger.Error("reassignment after timeout failed", "ride_id", ride.ID, "error", err)
			}
		}
	}
	return nil
}
