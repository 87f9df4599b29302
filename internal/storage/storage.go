// Package storage defines the relational persistence contracts for the
// dispatch, payment, and surge subsystems, with a Postgres implementation
// and an in-memory one for tests and dependency-free runs.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-hailing/internal/models"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrVersionConflict means a version-guarded UPDATE matched zero rows:
	// another writer won the race.
	ErrVersionConflict = errors.New("storage: version conflict")
	// ErrDuplicateTrip means a payment row already exists for the trip id.
	ErrDuplicateTrip = errors.New("storage: payment exists for trip")
	// ErrDuplicateIdempotencyKey means a ride row already holds the key.
	ErrDuplicateIdempotencyKey = errors.New("storage: duplicate idempotency key")
)

// RideStore persists dispatch requests. All mutating updates go through
// UpdateRide, which guards on the pre-read version and increments it.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id uuid.UUID) (*models.Ride, error)
	GetRideByIdempotencyKey(ctx context.Context, tenantID, key string) (*models.Ride, error)
	ListRidesByStatus(ctx context.Context, status models.RideStatus) ([]*models.Ride, error)
	UpdateRide(ctx context.Context, r *models.Ride) error
}

// OfferStore persists the append-only driver offer audit.
type OfferStore interface {
	OpenOffer(ctx context.Context, rideID uuid.UUID, driverID string) (*models.DriverOffer, error)
	OpenOffersForRide(ctx context.Context, rideID uuid.UUID) ([]*models.DriverOffer, error)
	OffersForRide(ctx context.Context, rideID uuid.UUID) ([]*models.DriverOffer, error)
	// RespondOffer sets response and responded_at exactly once; a second
	// response returns ErrNotFound.
	RespondOffer(ctx context.Context, offerID uuid.UUID, response models.OfferResponse, at time.Time) error
	// OfferedDrivers returns every driver that ever received an offer for
	// the ride, responded or not.
	OfferedDrivers(ctx context.Context, rideID uuid.UUID) ([]string, error)
}

// DispatchStore is the dispatch engine's view of the database. SendOffer is
// the transactional scope of dispatch steps: it inserts the offer row and
// moves the ride to DISPATCHING with attempt_count bumped, atomically and
// version-guarded.
type DispatchStore interface {
	RideStore
	OfferStore
	SendOffer(ctx context.Context, ride *models.Ride, offer *models.DriverOffer) error
}

// PaymentStore persists payments and their outbox rows. The two Create/
// Update*WithOutbox methods are single transactions: the business row and
// the outbox row commit or roll back together.
type PaymentStore interface {
	CreatePaymentWithOutbox(ctx context.Context, p *models.Payment, out *models.OutboxEntry) error
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	GetPaymentByTripID(ctx context.Context, tripID uuid.UUID) (*models.Payment, error)
	UpdatePaymentWithOutbox(ctx context.Context, p *models.Payment, out *models.OutboxEntry) error
	ListPaymentsByStatus(ctx context.Context, status models.PaymentStatus) ([]*models.Payment, error)
	ListStalePending(ctx context.Context, olderThan time.Time) ([]*models.Payment, error)
}

// OutboxStore is the relay's view: FIFO pending batch plus terminal marks.
type OutboxStore interface {
	PendingOutbox(ctx context.Context, limit int) ([]*models.OutboxEntry, error)
	MarkOutboxPublished(ctx context.Context, id uuid.UUID, at time.Time) error
	// BumpOutboxRetry increments retry_count; failed marks the row FAILED.
	BumpOutboxRetry(ctx context.Context, id uuid.UUID, failed bool) error
}

// CellStore persists surge audit rows, one per cell, overwritten per
// recompute.
type CellStore interface {
	UpsertCellSnapshot(ctx context.Context, s *models.GeoCellSnapshot) error
	GetCellSnapshot(ctx context.Context, cellID string) (*models.GeoCellSnapshot, error)
}
