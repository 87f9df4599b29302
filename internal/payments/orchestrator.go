package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-hailing/internal/events"
	"github.com/example/ride-hailing/internal/flags"
	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/observability"
	"github.com/example/ride-hailing/internal/storage"
)

// Orchestrator owns the payment lifecycle. Initiate writes the payment row
// and the PAYMENT_INITIATED outbox entry in one transaction and returns
// without touching the PSP; the charge runs detached so trip completion
// latency depends only on the local commit.
type Orchestrator struct {
	store   storage.PaymentStore
	flags   flags.Store
	charger *ChargePolicy
	logger  *slog.Logger

	now   func() time.Time
	spawn func(func())
}

func NewOrchestrator(store storage.PaymentStore, flagStore flags.Store, charger *ChargePolicy, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:   store,
		flags:   flagStore,
		charger: charger,
		logger:  logger,
		now:     time.Now,
		spawn:   func(f func()) { go f() },
	}
}

// SetClock overrides the time source; tests use it.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// SetSpawner overrides how the async charge is launched; tests run it inline.
func (o *Orchestrator) SetSpawner(spawn func(func())) { o.spawn = spawn }

// Initiate handles one trip-ended event. Idempotent on trip id: the unique
// index, not a lookup, is what prevents a duplicate row under race.
func (o *Orchestrator) Initiate(ctx context.Context, evt events.TripEvent) error {
	if evt.Status != models.TripEnded || evt.FareAmount == nil {
		return nil
	}
	tripID, err := uuid.Parse(evt.TripID)
	if err != nil {
		return fmt.Errorf("bad trip id %q: %w", evt.TripID, err)
	}

	tenantID := evt.TenantID
	if tenantID == "" {
		tenantID = models.DefaultTenant
	}
	now := o.now().UTC()

	payment := &models.Payment{
		ID:            uuid.New(),
		TripID:        tripID,
		RiderID:       evt.RiderID,
		TenantID:      tenantID,
		Amount:        *evt.FareAmount,
		Currency:      "USD",
		PaymentMethod: models.PayCard,
		Status:        models.PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	outbox, err := o.buildOutbox(payment, events.TopicPaymentInitiated)
	if err != nil {
		return err
	}

	if err := o.store.CreatePaymentWithOutbox(ctx, payment, outbox); err != nil {
		if errors.Is(err, storage.ErrDuplicateTrip) {
			o.logger.Info("payment already exists for trip", "trip_id", tripID)
			return nil
		}
		return err
	}
	observability.PaymentsInitiated.Inc()
	o.logger.Info("payment created, async charge pending",
		"payment_id", payment.ID, "trip_id", tripID, "amount", payment.Amount)

	if !o.flags.IsEnabled(ctx, tenantID, flags.AutoPaymentCharge, true) {
		o.logger.Info("auto charge disabled, payment queued for manual review",
			"tenant", tenantID, "payment_id", payment.ID)
		return nil
	}

	o.spawn(func() {
		// Detached from the request context: the charge must not die with
		// the trip-ended consumer's poll cycle.
		cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.Charge(cctx, payment); err != nil {
			o.logger.Error("psp charge error", "payment_id", payment.ID, "error", err)
		}
	})
	return nil
}

// Charge attempts the PSP charge for a PENDING or FAILED payment and
// records the outcome with its outbox event. Returns an error only for
// failures the fallback path does not own.
func (o *Orchestrator) Charge(ctx context.Context, payment *models.Payment) error {
	res, err := o.charger.Charge(ctx, ChargeRequest{
		RiderID:  payment.RiderID,
		Amount:   payment.Amount,
		Currency: payment.Currency,
		Method:   payment.PaymentMethod,
	})
	if err == nil {
		return o.markCaptured(ctx, payment, res.Reference)
	}
	if !Recoverable(err) {
		return err
	}
	return o.markFailed(ctx, payment, err.Error())
}

func (o *Orchestrator) markCaptured(ctx context.Context, payment *models.Payment, pspRef string) error {
	payment.Status = models.PaymentCaptured
	payment.PSPReference = pspRef
	payment.FailureReason = ""
	outbox, err := o.buildOutbox(payment, events.TopicPaymentCaptured)
	if err != nil {
		return err
	}
	if err := o.store.UpdatePaymentWithOutbox(ctx, payment, outbox); err != nil {
		return err
	}
	observability.PaymentsCaptured.Inc()
	o.logger.Info("payment captured", "payment_id", payment.ID, "psp_ref", pspRef)
	return nil
}

func (o *Orchestrator) markFailed(ctx context.Context, payment *models.Payment, reason string) error {
	payment.Status = models.PaymentFailed
	payment.FailureReason = reason
	payment.RetryCount++
	outbox, err := o.buildOutbox(payment, events.TopicPaymentFailed)
	if err != nil {
		return err
	}
	if err := o.store.UpdatePaymentWithOutbox(ctx, payment, outbox); err != nil {
		return err
	}
	observability.PaymentsFailed.Inc()
	o.logger.Warn("payment failed after retries", "payment_id", payment.ID, "reason", reason)
	return nil
}

// buildOutbox serializes the payment event for later relay. The event type
// doubles as the bus topic.
func (o *Orchestrator) buildOutbox(payment *models.Payment, eventType string) (*models.OutboxEntry, error) {
	evt := events.PaymentEvent{
		PaymentID:     payment.ID.String(),
		TripID:        payment.TripID.String(),
		RiderID:       payment.RiderID,
		TenantID:      payment.TenantID,
		Amount:        payment.Amount,
		Currency:      payment.Currency,
		PaymentMethod: payment.PaymentMethod,
		PSPReference:  payment.PSPReference,
		Status:        payment.Status,
		FailureReason: payment.FailureReason,
		EventTime:     o.now().UTC(),
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return &models.OutboxEntry{
		ID:        uuid.New(),
		PaymentID: payment.ID,
		TenantID:  payment.TenantID,
		EventType: eventType,
		Payload:   payload,
		Status:    models.OutboxPending,
		CreatedAt: o.now().UTC(),
	}, nil
}
