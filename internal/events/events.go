// Package events holds the bus topic registry and the JSON envelopes every
// emitter publishes. Partition keys are entity ids: ride id for ride.*,
// trip id for trip.*, payment id for payment.*, cell id for surge snapshots,
// driver id for location updates.
package events

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ride-hailing/internal/models"
)

const (
	TopicDriverLocationUpdated = "driver.location.updated"
	TopicRideRequested         = "ride.requested"
	TopicDriverOfferSent       = "driver.offer.sent"
	TopicRideAccepted          = "ride.accepted"
	TopicRideDeclined          = "ride.declined"
	TopicRideCancelled         = "ride.cancelled"
	TopicRideNoDriverFound     = "ride.no_driver_found"
	TopicRideDriverArrived     = "ride.driver_arrived"
	TopicRideInProgress        = "ride.in_progress"
	TopicTripStarted           = "trip.started"
	TopicTripPaused            = "trip.paused"
	TopicTripEnded             = "trip.ended"
	TopicPaymentInitiated      = "payment.initiated"
	TopicPaymentCaptured       = "payment.captured"
	TopicPaymentFailed         = "payment.failed"
	TopicSupplyDemandSnapshot  = "supply.demand.snapshot"
)

type RideRequested struct {
	RideID         string               `json:"rideId"`
	RiderID        string               `json:"riderId"`
	TenantID       string               `json:"tenantId"`
	RegionID       string               `json:"regionId"`
	Pickup         models.Coord         `json:"pickup"`
	Destination    models.Coord         `json:"destination"`
	Tier           models.VehicleTier   `json:"tier"`
	PaymentMethod  models.PaymentMethod `json:"paymentMethod"`
	IdempotencyKey string               `json:"idempotencyKey,omitempty"`
	RequestedAt    time.Time            `json:"requestedAt"`
}

type DriverOfferSent struct {
	RideID        string    `json:"rideId"`
	DriverID      string    `json:"driverId"`
	TenantID      string    `json:"tenantId"`
	RegionID      string    `json:"regionId"`
	AttemptNumber int       `json:"attemptNumber"`
	TTLSeconds    int       `json:"ttlSeconds"`
	OfferedAt     time.Time `json:"offeredAt"`
}

type RideStatusChanged struct {
	RideID    string            `json:"rideId"`
	RiderID   string            `json:"riderId"`
	DriverID  string            `json:"driverId,omitempty"`
	TenantID  string            `json:"tenantId"`
	RegionID  string            `json:"regionId"`
	Status    models.RideStatus `json:"status"`
	Reason    string            `json:"reason,omitempty"`
	ChangedAt time.Time         `json:"changedAt"`
}

type TripEvent struct {
	TripID          string            `json:"tripId"`
	RideID          string            `json:"rideId,omitempty"`
	DriverID        string            `json:"driverId"`
	RiderID         string            `json:"riderId"`
	TenantID        string            `json:"tenantId"`
	RegionID        string            `json:"regionId"`
	Status          models.TripStatus `json:"status"`
	FareAmount      *decimal.Decimal  `json:"fareAmount,omitempty"`
	SurgeMultiplier float64           `json:"surgeMultiplier,omitempty"`
	DurationSeconds int64             `json:"durationSeconds,omitempty"`
	DistanceKm      float64           `json:"distanceKm,omitempty"`
	EventTime       time.Time         `json:"eventTime"`
}

type PaymentEvent struct {
	PaymentID     string               `json:"paymentId"`
	TripID        string               `json:"tripId"`
	RiderID       string               `json:"riderId"`
	TenantID      string               `json:"tenantId"`
	Amount        decimal.Decimal      `json:"amount"`
	Currency      string               `json:"currency"`
	PaymentMethod models.PaymentMethod `json:"paymentMethod,omitempty"`
	PSPReference  string               `json:"pspReference,omitempty"`
	Status        models.PaymentStatus `json:"status"`
	FailureReason string               `json:"failureReason,omitempty"`
	EventTime     time.Time            `json:"eventTime"`
}

type SupplyDemandSnapshot struct {
	GeoCell       string    `json:"geoCell"`
	RegionID      string    `json:"regionId"`
	TenantID      string    `json:"tenantId"`
	ActiveDrivers int       `json:"activeDrivers"`
	PendingRides  int       `json:"pendingRides"`
	ComputedAt    time.Time `json:"computedAt"`
}

type DriverLocationUpdated struct {
	DriverID  string              `json:"driverId"`
	Latitude  float64             `json:"latitude"`
	Longitude float64             `json:"longitude"`
	RegionID  string              `json:"regionId"`
	Status    models.DriverStatus `json:"status"`
	Tier      models.VehicleTier  `json:"tier"`
	Rating    float64             `json:"rating"`
	Timestamp time.Time           `json:"timestamp"`
}
