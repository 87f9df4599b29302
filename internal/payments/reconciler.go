package payments

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/observability"
	"github.com/example/ride-hailing/internal/storage"
)

// Reconciler retries payments the happy path left behind. Two sweeps:
//
//   - FAILED rows: the PSP was down during the original attempt; the
//     breaker may be closed again by now. Rows at or past maxRetries are skipped.
//   - Stale PENDING rows: the process died between the outbox commit and
//     the async charge. Anything PENDING older than staleAfter is retried.
//
// Both go through the same breaker-guarded charge as the orchestrator;
// there is no shortcut path.
type Reconciler struct {
	store        storage.PaymentStore
	orchestrator *Orchestrator
	logger       *slog.Logger
	maxRetries   int
	staleAfter   time.Duration

	now func() time.Time
}

func NewReconciler(store storage.PaymentStore, orchestrator *Orchestrator, logger *slog.Logger, maxRetries int, staleAfter time.Duration) *Reconciler {
	return &Reconciler{
		store:        store,
		orchestrator: orchestrator,
		logger:       logger,
		maxRetries:   maxRetries,
		staleAfter:   staleAfter,
		now:          time.Now,
	}
}

func (r *Reconciler) SetClock(now func() time.Time) { r.now = now }

// RunFailedSweep retries FAILED payments every interval until cancelled.
func (r *Reconciler) RunFailedSweep(ctx context.Context, interval time.Duration) {
	r.runLoop(ctx, interval, r.SweepFailed)
}

// RunStaleSweep retries stale PENDING payments every interval until cancelled.
func (r *Reconciler) RunStaleSweep(ctx context.Context, interval time.Duration) {
	r.runLoop(ctx, interval, r.SweepStalePending)
}

func (r *Reconciler) runLoop(ctx context.Context, interval time.Duration, sweep func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sweep(ctx); err != nil {
				r.logger.Error("reconciliation sweep error", "error", err)
			}
		}
	}
}

// SweepFailed re-attempts every FAILED payment under the retry budget.
func (r *Reconciler) SweepFailed(ctx context.Context) error {
	failed, err := r.store.ListPaymentsByStatus(ctx, models.PaymentFailed)
	if err != nil {
		return err
	}
	if len(failed) == 0 {
		return nil
	}
	r.logger.Info("reconciliation: retrying failed payments", "count", len(failed))

	for _, payment := range failed {
		if payment.RetryCount >= r.maxRetries {
			observability.ReconcileFailed.Inc()
			r.logger.Warn("reconciliation: retry budget exhausted, skipping",
				"payment_id", payment.ID, "retries", payment.RetryCount)
			continue
		}
		res, err := r.orchestrator.charger.Charge(ctx, ChargeRequest{
			RiderID:  payment.RiderID,
			Amount:   payment.Amount,
			Currency: payment.Currency,
			Method:   payment.PaymentMethod,
		})
		if err != nil {
			if !Recoverable(err) {
				return err
			}
			payment.RetryCount++
			payment.FailureReason = fmt.Sprintf("reconciliation attempt %d: %v", payment.RetryCount, err)
			if err := r.store.UpdatePaymentWithOutbox(ctx, payment, nil); err != nil {
				return err
			}
			observability.ReconcileFailed.Inc()
			r.logger.Warn("reconciliation: retry failed",
				"payment_id", payment.ID, "attempt", payment.RetryCount, "error", err)
			continue
		}
		if err := r.orchestrator.markCaptured(ctx, payment, res.Reference); err != nil {
			return err
		}
		observability.ReconcileSuccess.Inc()
		r.logger.Info("reconciliation: payment captured",
			"payment_id", payment.ID, "psp_ref", res.Reference)
	}
	return nil
}

// SweepStalePending charges payments stuck PENDING past the threshold.
// A failure here is a real failure: the row moves to FAILED with its event
// so the FAILED sweep picks it up next time.
func (r *Reconciler) SweepStalePending(ctx context.Context) error {
	cutoff := r.now().UTC().Add(-r.staleAfter)
	stale, err := r.store.ListStalePending(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	r.logger.Info("reconciliation: found stale pending payments", "count", len(stale))

	for _, payment := range stale {
		res, err := r.orchestrator.charger.Charge(ctx, ChargeRequest{
			RiderID:  payment.RiderID,
			Amount:   payment.Amount,
			Currency: payment.Currency,
			Method:   payment.PaymentMethod,
		})
		if err != nil {
			if !Recoverable(err) {
				return err
			}
			if err := r.orchestrator.markFailed(ctx, payment, "stale reconciliation: "+err.Error()); err != nil {
				return err
			}
			observability.ReconcileFailed.Inc()
			continue
		}
		if err := r.orchestrator.markCaptured(ctx, payment, res.Reference); err != nil {
			return err
		}
		observability.ReconcileSuccess.Inc()
		r.logger.Info("reconciliation: stale payment captured",
			"payment_id", payment.ID, "psp_ref", res.Reference)
	}
	return nil
}
