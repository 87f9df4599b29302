package geo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-hailing/internal/cell"
	"github.com/example/ride-hailing/internal/models"
)

// MetadataTTL is how long a driver stays visible without a location update.
const MetadataTTL = 30 * time.Second

// Candidate is one radius-query hit, distance in km.
type Candidate struct {
	DriverID   string
	DistanceKm float64
}

// Index is the region-scoped driver lookup used by the dispatch engine and
// the location write path. Queries never cross regions.
type Index interface {
	// Upsert is idempotent, last-write-wins, and resets the metadata TTL.
	Upsert(ctx context.Context, meta models.DriverMeta) error
	// Radius returns candidates within radiusKm of (lat,lng), ascending by
	// distance, at most limit entries.
	Radius(ctx context.Context, region string, lat, lng, radiusKm float64, limit int) ([]Candidate, error)
	// Metadata returns the driver record, or ok=false if expired or missing.
	Metadata(ctx context.Context, driverID string) (models.DriverMeta, bool, error)
	// SetStatus patches only the status field and leaves the TTL intact.
	SetStatus(ctx context.Context, driverID string, status models.DriverStatus) error
}

var _ Index = (*MemoryIndex)(nil)

// MemoryIndex is the in-process implementation used by tests and
// dependency-free local runs.
type MemoryIndex struct {
	mu      sync.RWMutex
	drivers map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	meta    models.DriverMeta
	expires time.Time
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{drivers: make(map[string]memoryEntry), now: time.Now}
}

// SetClock overrides the time source; tests use it to expire entries.
func (m *MemoryIndex) SetClock(now func() time.Time) { m.now = now }

func (m *MemoryIndex) Upsert(_ context.Context, meta models.DriverMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta.LastSeen = m.now()
	m.drivers[meta.DriverID] = memoryEntry{meta: meta, expires: m.now().Add(MetadataTTL)}
	return nil
}

func (m *MemoryIndex) Radius(_ context.Context, region string, lat, lng, radiusKm float64, limit int) ([]Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	out := make([]Candidate, 0, limit)
	for id, e := range m.drivers {
		if now.After(e.expires) || e.meta.RegionID != region {
			continue
		}
		d := cell.HaversineKm(lat, lng, e.meta.Location.Lat, e.meta.Location.Lng)
		if d <= radiusKm {
			out = append(out, Candidate{DriverID: id, DistanceKm: d})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].DriverID < out[j].DriverID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryIndex) Metadata(_ context.Context, driverID string) (models.DriverMeta, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.drivers[driverID]
	if !ok || m.now().After(e.expires) {
		return models.DriverMeta{}, false, nil
	}
	return e.meta, true, nil
}

func (m *MemoryIndex) SetStatus(_ context.Context, driverID string, status models.DriverStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.drivers[driverID]
	if !ok {
		return nil
	}
	e.meta.Status = status
	m.drivers[driverID] = e
	return nil
}
