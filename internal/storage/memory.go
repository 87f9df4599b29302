package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-hailing/internal/models"
)

// MemoryStore implements every store contract in process. It reproduces the
// uniqueness and version-guard semantics of the Postgres implementation so
// concurrency tests exercise the same failure paths.
type MemoryStore struct {
	mu       sync.Mutex
	rides    map[uuid.UUID]*models.Ride
	offers   map[uuid.UUID]*models.DriverOffer
	payments map[uuid.UUID]*models.Payment
	outbox   map[uuid.UUID]*models.OutboxEntry
	cells    map[string]*models.GeoCellSnapshot
}

var (
	_ DispatchStore = (*MemoryStore)(nil)
	_ PaymentStore  = (*MemoryStore)(nil)
	_ OutboxStore   = (*MemoryStore)(nil)
	_ CellStore     = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[uuid.UUID]*models.Ride),
		offers:   make(map[uuid.UUID]*models.DriverOffer),
		payments: make(map[uuid.UUID]*models.Payment),
		outbox:   make(map[uuid.UUID]*models.OutboxEntry),
		cells:    make(map[string]*models.GeoCellSnapshot),
	}
}

func cloneRide(r *models.Ride) *models.Ride {
	c := *r
	return &c
}

func cloneOffer(o *models.DriverOffer) *models.DriverOffer {
	c := *o
	if o.RespondedAt != nil {
		t := *o.RespondedAt
		c.RespondedAt = &t
	}
	return &c
}

func clonePayment(p *models.Payment) *models.Payment {
	c := *p
	return &c
}

func cloneOutbox(e *models.OutboxEntry) *models.OutboxEntry {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	if e.PublishedAt != nil {
		t := *e.PublishedAt
		c.PublishedAt = &t
	}
	return &c
}

// --- rides ---

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.IdempotencyKey != "" {
		for _, existing := range m.rides {
			if existing.TenantID == r.TenantID && existing.IdempotencyKey == r.IdempotencyKey {
				return ErrDuplicateIdempotencyKey
			}
		}
	}
	m.rides[r.ID] = cloneRide(r)
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id uuid.UUID) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRide(r), nil
}

func (m *MemoryStore) GetRideByIdempotencyKey(_ context.Context, tenantID, key string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rides {
		if r.TenantID == tenantID && r.IdempotencyKey == key {
			return cloneRide(r), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListRidesByStatus(_ context.Context, status models.RideStatus) ([]*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.Status == status {
			out = append(out, cloneRide(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.rides[r.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != r.Version {
		return ErrVersionConflict
	}
	r.Version++
	r.UpdatedAt = time.Now().UTC()
	m.rides[r.ID] = cloneRide(r)
	return nil
}

// --- offers ---

func (m *MemoryStore) OpenOffer(_ context.Context, rideID uuid.UUID, driverID string) (*models.DriverOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.DriverOffer
	for _, o := range m.offers {
		if o.RideID == rideID && o.DriverID == driverID && o.Open() {
			if best == nil || o.AttemptNumber > best.AttemptNumber {
				best = o
			}
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return cloneOffer(best), nil
}

func (m *MemoryStore) OpenOffersForRide(_ context.Context, rideID uuid.UUID) ([]*models.DriverOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.DriverOffer
	for _, o := range m.offers {
		if o.RideID == rideID && o.Open() {
			out = append(out, cloneOffer(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber > out[j].AttemptNumber })
	return out, nil
}

func (m *MemoryStore) OffersForRide(_ context.Context, rideID uuid.UUID) ([]*models.DriverOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.DriverOffer
	for _, o := range m.offers {
		if o.RideID == rideID {
			out = append(out, cloneOffer(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

func (m *MemoryStore) RespondOffer(_ context.Context, offerID uuid.UUID, response models.OfferResponse, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[offerID]
	if !ok || !o.Open() {
		return ErrNotFound
	}
	o.Response = response
	t := at
	o.RespondedAt = &t
	return nil
}

func (m *MemoryStore) OfferedDrivers(_ context.Context, rideID uuid.UUID) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, o := range m.offers {
		if o.RideID != rideID {
			continue
		}
		if _, ok := seen[o.DriverID]; ok {
			continue
		}
		seen[o.DriverID] = struct{}{}
		out = append(out, o.DriverID)
	}
	return out, nil
}

func (m *MemoryStore) SendOffer(_ context.Context, ride *models.Ride, offer *models.DriverOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.rides[ride.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != ride.Version {
		return ErrVersionConflict
	}
	m.offers[offer.ID] = cloneOffer(offer)
	ride.Version++
	ride.UpdatedAt = time.Now().UTC()
	m.rides[ride.ID] = cloneRide(ride)
	return nil
}

// --- payments + outbox ---

func (m *MemoryStore) CreatePaymentWithOutbox(_ context.Context, p *models.Payment, out *models.OutboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.payments {
		if existing.TripID == p.TripID {
			return ErrDuplicateTrip
		}
	}
	m.payments[p.ID] = clonePayment(p)
	m.outbox[out.ID] = cloneOutbox(out)
	return nil
}

func (m *MemoryStore) GetPayment(_ context.Context, id uuid.UUID) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePayment(p), nil
}

func (m *MemoryStore) GetPaymentByTripID(_ context.Context, tripID uuid.UUID) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.TripID == tripID {
			return clonePayment(p), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdatePaymentWithOutbox(_ context.Context, p *models.Payment, out *models.OutboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; !ok {
		return ErrNotFound
	}
	p.UpdatedAt = time.Now().UTC()
	m.payments[p.ID] = clonePayment(p)
	if out != nil {
		m.outbox[out.ID] = cloneOutbox(out)
	}
	return nil
}

func (m *MemoryStore) ListPaymentsByStatus(_ context.Context, status models.PaymentStatus) ([]*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Payment
	for _, p := range m.payments {
		if p.Status == status {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListStalePending(_ context.Context, olderThan time.Time) ([]*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Payment
	for _, p := range m.payments {
		if p.Status == models.PaymentPending && p.CreatedAt.Before(olderThan) {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- outbox relay ---

func (m *MemoryStore) PendingOutbox(_ context.Context, limit int) ([]*models.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.OutboxEntry
	for _, e := range m.outbox {
		if e.Status == models.OutboxPending {
			out = append(out, cloneOutbox(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkOutboxPublished(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.outbox[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = models.OutboxPublished
	t := at
	e.PublishedAt = &t
	return nil
}

func (m *MemoryStore) BumpOutboxRetry(_ context.Context, id uuid.UUID, failed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.outbox[id]
	if !ok {
		return ErrNotFound
	}
	e.RetryCount++
	if failed {
		e.Status = models.OutboxFailed
	}
	return nil
}

// OutboxEntries returns every outbox row; test helper.
func (m *MemoryStore) OutboxEntries() []*models.OutboxEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.OutboxEntry
	for _, e := range m.outbox {
		out = append(out, cloneOutbox(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// --- geo cells ---

func (m *MemoryStore) UpsertCellSnapshot(_ context.Context, s *models.GeoCellSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	m.cells[s.CellID] = &c
	return nil
}

func (m *MemoryStore) GetCellSnapshot(_ context.Context, cellID string) (*models.GeoCellSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.cells[cellID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *s
	return &c, nil
}
