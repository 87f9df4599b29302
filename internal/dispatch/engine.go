// Package dispatch is the stateful matching engine: it drives a ride
// through its lifecycle, selects drivers, coordinates exclusive offers with
// TTL timeouts, and retries on decline or timeout.
//
// Three independent defense layers keep the engine correct under
// concurrency: the per-ride distributed mutex serializes offering, the ride
// row's version column serializes accepting, and the idempotency key
// deduplicates creation.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-hailing/internal/bus"
	"github.com/example/ride-hailing/internal/events"
	"github.com/example/ride-hailing/internal/flags"
	"github.com/example/ride-hailing/internal/geo"
	"github.com/example/ride-hailing/internal/locks"
	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/observability"
	"github.com/example/ride-hailing/internal/storage"
)

// Config bounds the dispatch loop.
type Config struct {
	MaxAttempts     int
	OfferTTLSeconds int
	SearchRadiusKm  float64
	SearchLimit     int
	LockWait        time.Duration
	LockLease       time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		OfferTTLSeconds: 15,
		SearchRadiusKm:  5.0,
		SearchLimit:     50,
		LockWait:        2 * time.Second,
		LockLease:       5 * time.Second,
	}
}

// RideRequest is the create-ride input.
type RideRequest struct {
	RiderID       string               `json:"riderId"`
	Pickup        models.Coord         `json:"pickup"`
	Destination   models.Coord         `json:"destination"`
	Tier          models.VehicleTier   `json:"tier"`
	PaymentMethod models.PaymentMethod `json:"paymentMethod"`
	RegionID      string               `json:"regionId"`
	TenantID      string               `json:"tenantId"`
}

// RideSummary is what every public operation returns.
type RideSummary struct {
	RideID           uuid.UUID          `json:"rideId"`
	RiderID          string             `json:"riderId"`
	Status           models.RideStatus  `json:"status"`
	Tier             models.VehicleTier `json:"tier"`
	AssignedDriverID string             `json:"assignedDriverId,omitempty"`
	CreatedAt        time.Time          `json:"createdAt"`
}

type Engine struct {
	store     storage.DispatchStore
	geo       geo.Index
	locker    locks.Locker
	flags     flags.Store
	publisher bus.Publisher
	notifier  OfferNotifier
	idem      IdempotencyCache
	logger    *slog.Logger
	cfg       Config

	now func() time.Time
}

func NewEngine(store storage.DispatchStore, geoIndex geo.Index, locker locks.Locker,
	flagStore flags.Store, publisher bus.Publisher, logger *slog.Logger, cfg Config) *Engine {
	return &Engine{
		store:     store,
		geo:       geoIndex,
		locker:    locker,
		flags:     flagStore,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// SetNotifier attaches the best-effort WS push channel.
func (e *Engine) SetNotifier(n OfferNotifier) { e.notifier = n }

// SetIdempotencyCache attaches the key→body-hash cache used to detect
// replays with a mutated body.
func (e *Engine) SetIdempotencyCache(c IdempotencyCache) { e.idem = c }

// SetClock overrides the time source; tests use it.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func summarize(r *models.Ride) *RideSummary {
	return &RideSummary{
		RideID:           r.ID,
		RiderID:          r.RiderID,
		Status:           r.Status,
		Tier:             r.Tier,
		AssignedDriverID: r.AssignedDriverID,
		CreatedAt:        r.CreatedAt,
	}
}

// CreateRide is the entry point of the dispatch state machine. bodyHash is
// the canonical hash of the request body, used to reject same-key replays
// with a different body.
func (e *Engine) CreateRide(ctx context.Context, req RideRequest, idemKey, bodyHash string) (*RideSummary, error) {
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = models.DefaultTenant
	}
	regionID := req.RegionID
	if regionID == "" {
		regionID = "default"
	}

	if e.flags.IsEnabled(ctx, tenantID, flags.DispatchKillSwitch, false) {
		observability.KillSwitchRejections.Inc()
		return nil, newError(CodeServiceUnavailable,
			"dispatch is temporarily disabled for maintenance, please try again shortly")
	}

	if err := validateRequest(req); err != nil {
		return nil, err
	}

	if idemKey != "" {
		if summary, err := e.replayForKey(ctx, tenantID, idemKey, bodyHash); summary != nil || err != nil {
			return summary, err
		}
	}

	now := e.now().UTC()
	ride := &models.Ride{
		ID:             uuid.New(),
		RiderID:        req.RiderID,
		TenantID:       tenantID,
		RegionID:       regionID,
		Pickup:         req.Pickup,
		Destination:    req.Destination,
		Tier:           req.Tier,
		PaymentMethod:  req.PaymentMethod,
		Status:         models.RidePending,
		IdempotencyKey: idemKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateRide(ctx, ride); err != nil {
		if errors.Is(err, storage.ErrDuplicateIdempotencyKey) {
			// Lost an insert race against the same key; answer from the winner.
			return e.replayForKey(ctx, tenantID, idemKey, bodyHash)
		}
		return nil, err
	}
	if idemKey != "" && e.idem != nil {
		if err := e.idem.Set(ctx, idemKey, bodyHash); err != nil {
			e.logger.Warn("idempotency cache write failed", "key", idemKey, "error", err)
		}
	}
	observability.RidesCreated.Inc()
	start := e.now()

	e.publish(ctx, events.TopicRideRequested, ride.ID.String(), events.RideRequested{
		RideID:         ride.ID.String(),
		RiderID:        ride.RiderID,
		TenantID:       ride.TenantID,
		RegionID:       ride.RegionID,
		Pickup:         ride.Pickup,
		Destination:    ride.Destination,
		Tier:           ride.Tier,
		PaymentMethod:  ride.PaymentMethod,
		IdempotencyKey: idemKey,
		RequestedAt:    now,
	})

	if err := e.Dispatch(ctx, ride.ID, nil); err != nil {
		e.logger.Error("initial dispatch failed", "ride_id", ride.ID, "error", err)
	}
	observability.DispatchLatency.Observe(e.now().Sub(start).Seconds())

	fresh, err := e.store.GetRide(ctx, ride.ID)
	if err != nil {
		return nil, err
	}
	return summarize(fresh), nil
}

// replayForKey answers a create for an already-seen idempotency key, or
// rejects it when the body hash does not match the original request.
func (e *Engine) replayForKey(ctx context.Context, tenantID, idemKey, bodyHash string) (*RideSummary, error) {
	if e.idem != nil {
		stored, ok, err := e.idem.Get(ctx, idemKey)
		if err != nil {
			e.logger.Warn("idempotency cache read failed", "key", idemKey, "error", err)
		} else if ok && stored != bodyHash {
			return nil, newError(CodeIdempotencyConflict,
				"idempotency key was already used with a different request body")
		}
	}
	existing, err := e.store.GetRideByIdempotencyKey(ctx, tenantID, idemKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	observability.IdempotentReplays.Inc()
	e.logger.Info("idempotent replay", "key", idemKey, "ride_id", existing.ID)
	return summarize(existing), nil
}

func validateRequest(req RideRequest) error {
	switch {
	case req.RiderID == "":
		return newError(CodeValidation, "riderId is required")
	case !validCoord(req.Pickup):
		return newError(CodeValidation, "pickup coordinates out of range")
	case !validCoord(req.Destination):
		return newError(CodeValidation, "destination coordinates out of range")
	case !req.Tier.Valid():
		return newError(CodeValidation, "unknown vehicle tier %q", req.Tier)
	case req.PaymentMethod == "":
		return newError(CodeValidation, "paymentMethod is required")
	}
	return nil
}

func validCoord(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// Dispatch finds the next best candidate and sends one offer. The per-ride
// lock makes concurrent callers (create, decline, timeout sweep) harmless:
// whoever loses the lock skips the attempt.
func (e *Engine) Dispatch(ctx context.Context, rideID uuid.UUID, tried map[string]bool) error {
	release, acquired, err := e.locker.TryAcquire(ctx, locks.RideLockName(rideID.String()), e.cfg.LockWait, e.cfg.LockLease)
	if err != nil {
		return err
	}
	if !acquired {
		e.logger.Warn("dispatch lock busy, skipping attempt", "ride_id", rideID)
		return nil
	}
	defer release()

	ride, err := e.store.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	if ride.Status == models.RideAccepted || ride.Status.Terminal() {
		e.logger.Info("ride no longer dispatchable, skipping", "ride_id", rideID, "status", ride.Status)
		return nil
	}
	if ride.AttemptCount >= e.cfg.MaxAttempts {
		return e.markNoDriverFound(ctx, ride)
	}

	if tried == nil {
		tried = make(map[string]bool)
	}
	// Never offer a ride twice to the same driver, regardless of which
	// caller seeded the tried-set.
	offered, err := e.store.OfferedDrivers(ctx, rideID)
	if err != nil {
		return err
	}
	for _, id := range offered {
		tried[id] = true
	}

	candidates, err := e.findCandidates(ctx, ride, tried)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return e.markNoDriverFound(ctx, ride)
	}

	best := candidates[0]
	attempt := ride.AttemptCount + 1
	now := e.now().UTC()
	offer := &models.DriverOffer{
		ID:            uuid.New(),
		RideID:        ride.ID,
		DriverID:      best.DriverID,
		AttemptNumber: attempt,
		OfferedAt:     now,
		TTLSeconds:    e.cfg.OfferTTLSeconds,
		CreatedAt:     now,
	}
	ride.Status = models.RideDispatching
	ride.AttemptCount = attempt
	if err := e.store.SendOffer(ctx, ride, offer); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			e.logger.Info("ride changed under dispatch, skipping offer", "ride_id", rideID)
			return nil
		}
		return err
	}

	if err := e.geo.SetStatus(ctx, best.DriverID, models.DriverDispatching); err != nil {
		e.logger.Warn("driver status update failed", "driver_id", best.DriverID, "error", err)
	}
	sentinel := locks.OfferSentinelName(ride.ID.String(), best.DriverID)
	if err := e.locker.AcquireSentinel(ctx, sentinel, time.Duration(e.cfg.OfferTTLSeconds)*time.Second); err != nil {
		e.logger.Warn("offer sentinel write failed", "ride_id", rideID, "error", err)
	}

	evt := events.DriverOfferSent{
		RideID:        ride.ID.String(),
		DriverID:      best.DriverID,
		TenantID:      ride.TenantID,
		RegionID:      ride.RegionID,
		AttemptNumber: attempt,
		TTLSeconds:    e.cfg.OfferTTLSeconds,
		OfferedAt:     now,
	}
	e.publish(ctx, events.TopicDriverOfferSent, ride.ID.String(), evt)
	if e.notifier != nil {
		_ = e.notifier.Offer(best.DriverID, evt)
	}
	observability.OffersSent.Inc()
	e.logger.Info("offer sent", "ride_id", ride.ID, "driver_id", best.DriverID,
		"attempt", attempt, "max_attempts", e.cfg.MaxAttempts)
	return nil
}

// findCandidates queries the region geo index and filters to IDLE,
// tier-compatible, not-yet-tried drivers, scored per the active weights.
func (e *Engine) findCandidates(ctx context.Context, ride *models.Ride, tried map[string]bool) ([]Candidate, error) {
	hits, err := e.geo.Radius(ctx, ride.RegionID, ride.Pickup.Lat, ride.Pickup.Lng, e.cfg.SearchRadiusKm, e.cfg.SearchLimit)
	if err != nil {
		return nil, err
	}

	alpha, beta, gamma := alphaStd, betaStd, gammaStd
	if e.flags.IsEnabled(ctx, ride.TenantID, flags.NewScoringAlgo, false) {
		alpha, beta, gamma = alphaNew, betaNew, gammaNew
	}

	candidates := make([]Candidate, 0, len(hits))
	for _, hit := range hits {
		if tried[hit.DriverID] {
			continue
		}
		meta, ok, err := e.geo.Metadata(ctx, hit.DriverID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if meta.Status != models.DriverIdle {
			continue
		}
		if !meta.Tier.Valid() || meta.Tier.Rank() < ride.Tier.Rank() {
			continue
		}
		rating := meta.Rating
		if rating == 0 {
			rating = defaultRating
		}
		declineRate := meta.DeclineRate
		if declineRate == 0 {
			declineRate = defaultDeclineRate
		}
		candidates = append(candidates, Candidate{
			DriverID:    hit.DriverID,
			DistanceKm:  hit.DistanceKm,
			Rating:      rating,
			DeclineRate: declineRate,
			Tier:        meta.Tier,
			Score:       computeScore(hit.DistanceKm, rating, declineRate, alpha, beta, gamma),
		})
	}
	rankCandidates(candidates)
	return candidates, nil
}

func (e *Engine) markNoDriverFound(ctx context.Context, ride *models.Ride) error {
	ride.Status = models.RideNoDriverFound
	if err := e.store.UpdateRide(ctx, ride); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return nil
		}
		return err
	}
	observability.NoDriverFound.Inc()
	e.publishStatus(ctx, ride, "", "NO_DRIVERS_AVAILABLE", events.TopicRideNoDriverFound)
	e.logger.Warn("no driver found", "ride_id", ride.ID)
	return nil
}

// Accept transitions DISPATCHING→ACCEPTED. The version guard decides the
// double-accept race: the loser gets RIDE_ALREADY_ACCEPTED.
func (e *Engine) Accept(ctx context.Context, rideID uuid.UUID, driverID string) (*RideSummary, error) {
	ride, err := e.getRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Status != models.RideDispatching {
		if ride.Status == models.RideAccepted {
			return nil, newError(CodeRideAlreadyAccepted,
				"ride %s was just accepted by another driver, your offer is no longer valid", rideID)
		}
		return nil, newError(CodeInvalidState, "ride is %s, expected DISPATCHING", ride.Status)
	}

	ride.Status = models.RideAccepted
	ride.AssignedDriverID = driverID
	if err := e.store.UpdateRide(ctx, ride); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return nil, newError(CodeRideAlreadyAccepted,
				"ride %s was just accepted by another driver, your offer is no longer valid", rideID)
		}
		return nil, err
	}

	if offer, err := e.store.OpenOffer(ctx, rideID, driverID); err == nil {
		if err := e.store.RespondOffer(ctx, offer.ID, models.OfferAccepted, e.now().UTC()); err != nil {
			e.logger.Warn("offer response write failed", "offer_id", offer.ID, "error", err)
		}
	}
	if err := e.geo.SetStatus(ctx, driverID, models.DriverOnTrip); err != nil {
		e.logger.Warn("driver status update failed", "driver_id", driverID, "error", err)
	}

	e.publishStatus(ctx, ride, driverID, "", events.TopicRideAccepted)
	observability.OffersAccepted.Inc()
	e.logger.Info("ride accepted", "ride_id", rideID, "driver_id", driverID)
	return summarize(ride), nil
}

// Decline records the response and immediately re-enters the dispatch loop
// with the declining driver excluded.
func (e *Engine) Decline(ctx context.Context, rideID uuid.UUID, driverID string) (*RideSummary, error) {
	ride, err := e.getRide(ctx, rideID)
	if err != nil {
		return nil, err
	}

	if offer, err := e.store.OpenOffer(ctx, rideID, driverID); err == nil {
		if err := e.store.RespondOffer(ctx, offer.ID, models.OfferDeclined, e.now().UTC()); err != nil {
			e.logger.Warn("offer response write failed", "offer_id", offer.ID, "error", err)
		}
	}
	if err := e.geo.SetStatus(ctx, driverID, models.DriverIdle); err != nil {
		e.logger.Warn("driver status update failed", "driver_id", driverID, "error", err)
	}

	e.publishStatus(ctx, ride, driverID, "DECLINED", events.TopicRideDeclined)
	observability.OffersDeclined.Inc()
	e.logger.Info("ride declined, reassigning", "ride_id", rideID, "driver_id", driverID)

	if err := e.Dispatch(ctx, rideID, map[string]bool{driverID: true}); err != nil {
		e.logger.Error("reassignment failed", "ride_id", rideID, "error", err)
	}
	fresh, err := e.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	return summarize(fresh), nil
}

// DriverArrived requires ACCEPTED and the assigned driver.
func (e *Engine) DriverArrived(ctx context.Context, rideID uuid.UUID, driverID string) (*RideSummary, error) {
	return e.driverTransition(ctx, rideID, driverID,
		models.RideAccepted, models.RideDriverArrived, events.TopicRideDriverArrived, "mark arrival")
}

// Start requires DRIVER_ARRIVED and the assigned driver.
func (e *Engine) Start(ctx context.Context, rideID uuid.UUID, driverID string) (*RideSummary, error) {
	return e.driverTransition(ctx, rideID, driverID,
		models.RideDriverArrived, models.RideInProgress, events.TopicRideInProgress, "start trip")
}

func (e *Engine) driverTransition(ctx context.Context, rideID uuid.UUID, driverID string,
	from, to models.RideStatus, topic, action string) (*RideSummary, error) {
	ride, err := e.getRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Status != from {
		return nil, newError(CodeInvalidState, "cannot %s: ride is %s, expected %s", action, ride.Status, from)
	}
	if ride.AssignedDriverID != driverID {
		return nil, newError(CodeUnauthorizedDriver,
			"driver %s is not the assigned driver for ride %s", driverID, rideID)
	}
	ride.Status = to
	if err := e.store.UpdateRide(ctx, ride); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return nil, newError(CodeInvalidState, "ride %s changed concurrently, retry", rideID)
		}
		return nil, err
	}
	e.publishStatus(ctx, ride, driverID, "", topic)
	e.logger.Info("ride transitioned", "ride_id", rideID, "status", to, "driver_id", driverID)
	return summarize(ride), nil
}

// Cancel is allowed until the trip is underway. Cancelling an already
// cancelled ride is a no-op replay.
func (e *Engine) Cancel(ctx context.Context, rideID uuid.UUID, requesterID string) (*RideSummary, error) {
	ride, err := e.getRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Status == models.RideInProgress {
		return nil, newError(CodeCannotCancel, "cannot cancel a ride already in progress")
	}
	if ride.Status == models.RideCancelled {
		return summarize(ride), nil
	}
	if ride.Status.Terminal() {
		return nil, newError(CodeInvalidState, "ride is already %s", ride.Status)
	}
	ride.Status = models.RideCancelled
	if err := e.store.UpdateRide(ctx, ride); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return nil, newError(CodeInvalidState, "ride %s changed concurrently, retry", rideID)
		}
		return nil, err
	}
	e.publishStatus(ctx, ride, "", "USER_CANCELLED", events.TopicRideCancelled)
	e.logger.Info("ride cancelled", "ride_id", rideID, "requester_id", requesterID)
	return summarize(ride), nil
}

// GetRide returns the current summary.
func (e *Engine) GetRide(ctx context.Context, rideID uuid.UUID) (*RideSummary, error) {
	ride, err := e.getRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	return summarize(ride), nil
}

func (e *Engine) getRide(ctx context.Context, rideID uuid.UUID) (*models.Ride, error) {
	ride, err := e.store.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, newError(CodeRideNotFound, "ride %s not found", rideID)
	}
	if err != nil {
		return nil, err
	}
	return ride, nil
}

func (e *Engine) publishStatus(ctx context.Context, ride *models.Ride, driverID, reason, topic string) {
	e.publish(ctx, topic, ride.ID.String(), events.RideStatusChanged{
		RideID:    ride.ID.String(),
		RiderID:   ride.RiderID,
		DriverID:  driverID,
		TenantID:  ride.TenantID,
		RegionID:  ride.RegionID,
		Status:    ride.Status,
		Reason:    reason,
		ChangedAt: e.now().UTC(),
	})
}

// publish is at-least-once best-effort: the row is already committed, so a
// bus hiccup is logged rather than unwinding the operation. Consumers must
// be idempotent on the ride id.
func (e *Engine) publish(ctx context.Context, topic, key string, event any) {
	if err := e.publisher.Publish(ctx, topic, key, event); err != nil {
		e.logger.Error("event publish failed", "topic", topic, "key", key, "error", err)
	}
}
