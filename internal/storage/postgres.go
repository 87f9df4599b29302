package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/example/ride-hailing/internal/models"
)

// PostgresStore implements every store contract on one *sql.DB.
type PostgresStore struct {
	db *sql.DB
}

var (
	_ DispatchStore = (*PostgresStore)(nil)
	_ PaymentStore  = (*PostgresStore)(nil)
	_ OutboxStore   = (*PostgresStore)(nil)
	_ CellStore     = (*PostgresStore)(nil)
)

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// DB exposes the handle for migrations.
func (p *PostgresStore) DB() *sql.DB { return p.db }

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// --- rides ---

const rideColumns = `id, rider_id, tenant_id, region_id, pickup_lat, pickup_lng,
	dest_lat, dest_lng, tier, payment_method, status, idempotency_key,
	assigned_driver_id, attempt_count, version, created_at, updated_at`

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides (`+rideColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		r.ID, r.RiderID, r.TenantID, r.RegionID,
		r.Pickup.Lat, r.Pickup.Lng, r.Destination.Lat, r.Destination.Lng,
		string(r.Tier), string(r.PaymentMethod), string(r.Status),
		nullString(r.IdempotencyKey), nullString(r.AssignedDriverID),
		r.AttemptCount, r.Version, r.CreatedAt, r.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateIdempotencyKey
	}
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	return scanRide(row)
}

func (p *PostgresStore) GetRideByIdempotencyKey(ctx context.Context, tenantID, key string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+rideColumns+` FROM rides WHERE tenant_id=$1 AND idempotency_key=$2`, tenantID, key)
	return scanRide(row)
}

func (p *PostgresStore) ListRidesByStatus(ctx context.Context, status models.RideStatus) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+rideColumns+` FROM rides WHERE status=$1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRide guards on the pre-read version; zero rows affected means a
// concurrent writer already advanced it. On success r.Version is bumped to
// match the row.
func (p *PostgresStore) UpdateRide(ctx context.Context, r *models.Ride) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides SET status=$1, assigned_driver_id=$2, attempt_count=$3,
			version=version+1, updated_at=$4
		WHERE id=$5 AND version=$6`,
		string(r.Status), nullString(r.AssignedDriverID), r.AttemptCount,
		time.Now().UTC(), r.ID, r.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	r.Version++
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	var tier, method, status string
	var idemKey, driverID sql.NullString
	err := row.Scan(&r.ID, &r.RiderID, &r.TenantID, &r.RegionID,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.Destination.Lat, &r.Destination.Lng,
		&tier, &method, &status, &idemKey, &driverID,
		&r.AttemptCount, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Tier = models.VehicleTier(tier)
	r.PaymentMethod = models.PaymentMethod(method)
	r.Status = models.RideStatus(status)
	r.IdempotencyKey = idemKey.String
	r.AssignedDriverID = driverID.String
	return &r, nil
}

// --- offers ---

const offerColumns = `id, ride_id, driver_id, attempt_number, offered_at,
	responded_at, ttl_seconds, response, created_at`

func (p *PostgresStore) OpenOffer(ctx context.Context, rideID uuid.UUID, driverID string) (*models.DriverOffer, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+offerColumns+` FROM driver_offers
		WHERE ride_id=$1 AND driver_id=$2 AND response IS NULL
		ORDER BY attempt_number DESC LIMIT 1`, rideID, driverID)
	return scanOffer(row)
}

func (p *PostgresStore) OpenOffersForRide(ctx context.Context, rideID uuid.UUID) ([]*models.DriverOffer, error) {
	return p.queryOffers(ctx, `
		SELECT `+offerColumns+` FROM driver_offers
		WHERE ride_id=$1 AND response IS NULL ORDER BY attempt_number DESC`, rideID)
}

func (p *PostgresStore) OffersForRide(ctx context.Context, rideID uuid.UUID) ([]*models.DriverOffer, error) {
	return p.queryOffers(ctx, `
		SELECT `+offerColumns+` FROM driver_offers
		WHERE ride_id=$1 ORDER BY attempt_number`, rideID)
}

func (p *PostgresStore) queryOffers(ctx context.Context, query string, args ...any) ([]*models.DriverOffer, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.DriverOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RespondOffer(ctx context.Context, offerID uuid.UUID, response models.OfferResponse, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE driver_offers SET response=$1, responded_at=$2
		WHERE id=$3 AND response IS NULL`,
		string(response), at, offerID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) OfferedDrivers(ctx context.Context, rideID uuid.UUID) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT DISTINCT driver_id FROM driver_offers WHERE ride_id=$1`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanOffer(row rowScanner) (*models.DriverOffer, error) {
	var o models.DriverOffer
	var respondedAt sql.NullTime
	var response sql.NullString
	err := row.Scan(&o.ID, &o.RideID, &o.DriverID, &o.AttemptNumber,
		&o.OfferedAt, &respondedAt, &o.TTLSeconds, &response, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if respondedAt.Valid {
		t := respondedAt.Time
		o.RespondedAt = &t
	}
	o.Response = models.OfferResponse(response.String)
	return &o, nil
}

// SendOffer runs the offer insert and the ride transition in one
// transaction. The version guard on the ride UPDATE rolls the offer back if
// the ride changed underneath us (e.g. a concurrent accept).
func (p *PostgresStore) SendOffer(ctx context.Context, ride *models.Ride, offer *models.DriverOffer) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO driver_offers (`+offerColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		offer.ID, offer.RideID, offer.DriverID, offer.AttemptNumber,
		offer.OfferedAt, nil, offer.TTLSeconds, nil, offer.CreatedAt); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE rides SET status=$1, attempt_count=$2, version=version+1, updated_at=$3
		WHERE id=$4 AND version=$5`,
		string(ride.Status), ride.AttemptCount, time.Now().UTC(), ride.ID, ride.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	ride.Version++
	return nil
}

// --- payments + outbox ---

const paymentColumns = `id, trip_id, rider_id, tenant_id, amount, currency,
	payment_method, psp_reference, status, failure_reason, retry_count,
	created_at, updated_at`

func (p *PostgresStore) CreatePaymentWithOutbox(ctx context.Context, pay *models.Payment, out *models.OutboxEntry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		pay.ID, pay.TripID, pay.RiderID, pay.TenantID,
		pay.Amount.StringFixed(2), pay.Currency, string(pay.PaymentMethod),
		nullString(pay.PSPReference), string(pay.Status),
		nullString(pay.FailureReason), pay.RetryCount, pay.CreatedAt, pay.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateTrip
	}
	if err != nil {
		return err
	}
	if err := insertOutboxTx(ctx, tx, out); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) UpdatePaymentWithOutbox(ctx context.Context, pay *models.Payment, out *models.OutboxEntry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE payments SET status=$1, psp_reference=$2, failure_reason=$3,
			retry_count=$4, updated_at=$5
		WHERE id=$6`,
		string(pay.Status), nullString(pay.PSPReference), nullString(pay.FailureReason),
		pay.RetryCount, time.Now().UTC(), pay.ID); err != nil {
		return err
	}
	if out != nil {
		if err := insertOutboxTx(ctx, tx, out); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertOutboxTx(ctx context.Context, tx *sql.Tx, out *models.OutboxEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO payment_outbox (id, payment_id, tenant_id, event_type,
			payload, status, retry_count, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		out.ID, out.PaymentID, out.TenantID, out.EventType,
		out.Payload, string(out.Status), out.RetryCount, out.CreatedAt)
	return err
}

func (p *PostgresStore) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1`, id)
	return scanPayment(row)
}

func (p *PostgresStore) GetPaymentByTripID(ctx context.Context, tripID uuid.UUID) (*models.Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE trip_id=$1`, tripID)
	return scanPayment(row)
}

func (p *PostgresStore) ListPaymentsByStatus(ctx context.Context, status models.PaymentStatus) ([]*models.Payment, error) {
	return p.queryPayments(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE status=$1 ORDER BY created_at`, string(status))
}

func (p *PostgresStore) ListStalePending(ctx context.Context, olderThan time.Time) ([]*models.Payment, error) {
	return p.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status=$1 AND created_at < $2 ORDER BY created_at`,
		string(models.PaymentPending), olderThan)
}

func (p *PostgresStore) queryPayments(ctx context.Context, query string, args ...any) ([]*models.Payment, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pay)
	}
	return out, rows.Err()
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var pay models.Payment
	var amount, method, status string
	var pspRef, reason sql.NullString
	err := row.Scan(&pay.ID, &pay.TripID, &pay.RiderID, &pay.TenantID,
		&amount, &pay.Currency, &method, &pspRef, &status, &reason,
		&pay.RetryCount, &pay.CreatedAt, &pay.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("bad amount for payment %s: %w", pay.ID, err)
	}
	pay.Amount = amt
	pay.PaymentMethod = models.PaymentMethod(method)
	pay.PSPReference = pspRef.String
	pay.Status = models.PaymentStatus(status)
	pay.FailureReason = reason.String
	return &pay, nil
}

// --- outbox relay ---

func (p *PostgresStore) PendingOutbox(ctx context.Context, limit int) ([]*models.OutboxEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, payment_id, tenant_id, event_type, payload, status,
			retry_count, created_at, published_at
		FROM payment_outbox WHERE status=$1
		ORDER BY created_at ASC LIMIT $2`,
		string(models.OutboxPending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.OutboxEntry
	for rows.Next() {
		var e models.OutboxEntry
		var status string
		var publishedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.PaymentID, &e.TenantID, &e.EventType,
			&e.Payload, &status, &e.RetryCount, &e.CreatedAt, &publishedAt); err != nil {
			return nil, err
		}
		e.Status = models.OutboxStatus(status)
		if publishedAt.Valid {
			t := publishedAt.Time
			e.PublishedAt = &t
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkOutboxPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE payment_outbox SET status=$1, published_at=$2 WHERE id=$3`,
		string(models.OutboxPublished), at, id)
	return err
}

func (p *PostgresStore) BumpOutboxRetry(ctx context.Context, id uuid.UUID, failed bool) error {
	status := models.OutboxPending
	if failed {
		status = models.OutboxFailed
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE payment_outbox SET retry_count=retry_count+1, status=$1 WHERE id=$2`,
		string(status), id)
	return err
}

// --- geo cells ---

func (p *PostgresStore) UpsertCellSnapshot(ctx context.Context, s *models.GeoCellSnapshot) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO geo_cells (cell_id, region_id, tenant_id, active_drivers,
			pending_rides, surge_multiplier, computed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (cell_id) DO UPDATE SET
			region_id=EXCLUDED.region_id, tenant_id=EXCLUDED.tenant_id,
			active_drivers=EXCLUDED.active_drivers,
			pending_rides=EXCLUDED.pending_rides,
			surge_multiplier=EXCLUDED.surge_multiplier,
			computed_at=EXCLUDED.computed_at`,
		s.CellID, s.RegionID, s.TenantID, s.ActiveDrivers,
		s.PendingRides, s.SurgeMultiplier, s.ComputedAt)
	return err
}

func (p *PostgresStore) GetCellSnapshot(ctx context.Context, cellID string) (*models.GeoCellSnapshot, error) {
	var s models.GeoCellSnapshot
	err := p.db.QueryRowContext(ctx, `
		SELECT cell_id, region_id, tenant_id, active_drivers, pending_rides,
			surge_multiplier, computed_at
		FROM geo_cells WHERE cell_id=$1`, cellID).
		Scan(&s.CellID, &s.RegionID, &s.TenantID, &s.ActiveDrivers,
			&s.PendingRides, &s.SurgeMultiplier, &s.ComputedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
