package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type RideStatus string

const (
	RidePending       RideStatus = "PENDING"
	RideDispatching   RideStatus = "DISPATCHING"
	RideAccepted      RideStatus = "ACCEPTED"
	RideDriverArrived RideStatus = "DRIVER_ARRIVED"
	RideInProgress    RideStatus = "IN_PROGRESS"
	RideCompleted     RideStatus = "COMPLETED"
	RideCancelled     RideStatus = "CANCELLED"
	RideNoDriverFound RideStatus = "NO_DRIVER_FOUND"
)

// Terminal states are absorbing: no transition leaves them.
func (s RideStatus) Terminal() bool {
	switch s {
	case RideCompleted, RideCancelled, RideNoDriverFound:
		return true
	}
	return false
}

type VehicleTier string

const (
	TierEconomy VehicleTier = "ECONOMY"
	TierComfort VehicleTier = "COMFORT"
	TierPremium VehicleTier = "PREMIUM"
	TierLuxury  VehicleTier = "LUXURY"
)

// Rank orders tiers for compatibility checks: a driver may serve any
// request at or below their own tier.
func (t VehicleTier) Rank() int {
	switch t {
	case TierEconomy:
		return 0
	case TierComfort:
		return 1
	case TierPremium:
		return 2
	case TierLuxury:
		return 3
	}
	return -1
}

func (t VehicleTier) Valid() bool { return t.Rank() >= 0 }

type DriverStatus string

const (
	DriverIdle        DriverStatus = "IDLE"
	DriverDispatching DriverStatus = "DISPATCHING"
	DriverOnTrip      DriverStatus = "ON_TRIP"
	DriverOffline     DriverStatus = "OFFLINE"
)

type OfferResponse string

const (
	OfferAccepted OfferResponse = "ACCEPTED"
	OfferDeclined OfferResponse = "DECLINED"
	OfferTimeout  OfferResponse = "TIMEOUT"
)

type PaymentMethod string

const (
	PayCard   PaymentMethod = "CARD"
	PayCash   PaymentMethod = "CASH"
	PayWallet PaymentMethod = "WALLET"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentCaptured PaymentStatus = "CAPTURED"
	PaymentFailed   PaymentStatus = "FAILED"
)

type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"
)

type TripStatus string

const (
	TripStarted TripStatus = "STARTED"
	TripPaused  TripStatus = "PAUSED"
	TripEnded   TripStatus = "ENDED"
)

const DefaultTenant = "default"

// Ride is a dispatch request row. Version is the optimistic-lock counter:
// every mutating UPDATE increments it and guards on the pre-read value.
type Ride struct {
	ID               uuid.UUID
	RiderID          string
	TenantID         string
	RegionID         string
	Pickup           Coord
	Destination      Coord
	Tier             VehicleTier
	PaymentMethod    PaymentMethod
	Status           RideStatus
	IdempotencyKey   string // empty means none; unique when set
	AssignedDriverID string
	AttemptCount     int
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DriverOffer is append-only audit: rows are never deleted and only
// mutated once, to record the response.
type DriverOffer struct {
	ID            uuid.UUID
	RideID        uuid.UUID
	DriverID      string
	AttemptNumber int
	OfferedAt     time.Time
	RespondedAt   *time.Time
	TTLSeconds    int
	Response      OfferResponse // empty while the offer is open
	CreatedAt     time.Time
}

func (o *DriverOffer) Open() bool { return o.Response == "" }

func (o *DriverOffer) Expired(now time.Time) bool {
	return o.Open() && now.Sub(o.OfferedAt) >= time.Duration(o.TTLSeconds)*time.Second
}

type Payment struct {
	ID            uuid.UUID
	TripID        uuid.UUID
	RiderID       string
	TenantID      string
	Amount        decimal.Decimal
	Currency      string
	PaymentMethod PaymentMethod
	PSPReference  string
	Status        PaymentStatus
	FailureReason string
	RetryCount    int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type OutboxEntry struct {
	ID          uuid.UUID
	PaymentID   uuid.UUID
	TenantID    string
	EventType   string
	Payload     []byte
	Status      OutboxStatus
	RetryCount  int
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// GeoCellSnapshot is the audit row for the surge calculator; overwritten
// per recompute, history lives on the bus.
type GeoCellSnapshot struct {
	CellID          string
	RegionID        string
	TenantID        string
	ActiveDrivers   int
	PendingRides    int
	SurgeMultiplier float64
	ComputedAt      time.Time
}

// DriverMeta is the ephemeral per-driver record in the geo/KV store.
// Expires 30s after the last location update.
type DriverMeta struct {
	DriverID    string
	Status      DriverStatus
	Tier        VehicleTier
	Rating      float64
	DeclineRate float64
	RegionID    string
	Location    Coord
	LastSeen    time.Time
}
