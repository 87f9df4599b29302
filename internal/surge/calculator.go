// Package surge computes the per-cell demand multiplier from a sliding,
// recency-weighted window of supply/demand snapshots.
//
// Each snapshot lands in the cell's sorted set; entries older than the
// 5-minute window fall off; the survivors are ranked oldest→newest and
// weighted by rank, so sustained demand surges while a single spike is
// smoothed. The multiplier is clamped to [1.0, 3.0]; the clamp is the only
// place the floor is enforced, intermediate values may dip below 1.0.
package surge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-hailing/internal/events"
	"github.com/example/ride-hailing/internal/flags"
	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/observability"
	"github.com/example/ride-hailing/internal/storage"
)

const (
	surgeFactor = 0.5
	maxSurge    = 3.0
)

// maxSeen is the highest multiplier published to the SurgeMaxMultiplier gauge.
var (
	maxMu   sync.Mutex
	maxSeen float64
)

type Calculator struct {
	window Window
	cells  storage.CellStore
	flags  flags.Store
	logger *slog.Logger

	now func() time.Time
}

func NewCalculator(window Window, cells storage.CellStore, flagStore flags.Store, logger *slog.Logger) *Calculator {
	return &Calculator{
		window: window,
		cells:  cells,
		flags:  flagStore,
		logger: logger,
		now:    time.Now,
	}
}

func (c *Calculator) SetClock(now func() time.Time) { c.now = now }

// ProcessSnapshot folds one supply/demand observation into the cell's
// window, refreshes the multiplier cache, and persists the audit row.
func (c *Calculator) ProcessSnapshot(ctx context.Context, evt events.SupplyDemandSnapshot) (float64, error) {
	cellID := evt.GeoCell
	nowMs := c.now().UnixMilli()
	cutoffMs := nowMs - windowSeconds*1000

	if err := c.window.Append(ctx, cellID, nowMs, evt.ActiveDrivers, evt.PendingRides); err != nil {
		return 0, err
	}
	if err := c.window.Trim(ctx, cellID, cutoffMs); err != nil {
		return 0, err
	}
	entries, err := c.window.Entries(ctx, cellID)
	if err != nil {
		return 0, err
	}

	multiplier := c.windowedMultiplier(entries, evt.ActiveDrivers, evt.PendingRides)

	if err := c.window.CacheMultiplier(ctx, cellID, multiplier); err != nil {
		return 0, err
	}

	tenantID := evt.TenantID
	if tenantID == "" {
		tenantID = models.DefaultTenant
	}
	if err := c.cells.UpsertCellSnapshot(ctx, &models.GeoCellSnapshot{
		CellID:          cellID,
		RegionID:        evt.RegionID,
		TenantID:        tenantID,
		ActiveDrivers:   evt.ActiveDrivers,
		PendingRides:    evt.PendingRides,
		SurgeMultiplier: multiplier,
		ComputedAt:      c.now().UTC(),
	}); err != nil {
		return 0, err
	}

	observability.SurgeSnapshots.Inc()
	maxMu.Lock()
	if multiplier > maxSeen {
		maxSeen = multiplier
		observability.SurgeMaxMultiplier.Set(multiplier)
	}
	maxMu.Unlock()
	c.logger.Info("surge computed", "cell", cellID, "region", evt.RegionID,
		"drivers", evt.ActiveDrivers, "rides", evt.PendingRides,
		"window_entries", len(entries), "multiplier", multiplier)
	return multiplier, nil
}

// Get resolves the multiplier for a cell: flag gate, then cache, then
// audit row, then 1.0.
func (c *Calculator) Get(ctx context.Context, tenantID, cellID string) (float64, error) {
	if tenantID == "" {
		tenantID = models.DefaultTenant
	}
	if !c.flags.IsEnabled(ctx, tenantID, flags.SurgePricingEnabled, true) {
		return 1.0, nil
	}
	if m, ok, err := c.window.CachedMultiplier(ctx, cellID); err != nil {
		return 0, err
	} else if ok {
		return m, nil
	}
	snap, err := c.cells.GetCellSnapshot(ctx, cellID)
	if errors.Is(err, storage.ErrNotFound) {
		return 1.0, nil
	}
	if err != nil {
		return 0, err
	}
	return snap.SurgeMultiplier, nil
}

// windowedMultiplier assigns rank 1 to the oldest entry and N to the
// newest, then divides the rank-weighted demand ratio by the triangular
// weight sum N(N+1)/2. An empty window falls back to the instant ratio.
func (c *Calculator) windowedMultiplier(entries []Entry, currentDrivers, currentRides int) float64 {
	if len(entries) == 0 {
		return clamp(instantMultiplier(currentDrivers, currentRides))
	}
	n := len(entries)
	weightSum := float64(n*(n+1)) / 2

	var weighted float64
	for i, e := range entries {
		drivers := e.Drivers
		if drivers < 1 {
			drivers = 1
		}
		ratio := float64(e.Rides) / float64(drivers)
		weighted += ratio * float64(i+1)
	}
	weighted /= weightSum

	return clamp(1.0 + (weighted-1.0)*surgeFactor)
}

// instantMultiplier is the raw single-snapshot formula, unclamped.
func instantMultiplier(activeDrivers, pendingRides int) float64 {
	if activeDrivers < 1 {
		activeDrivers = 1
	}
	ratio := float64(pendingRides) / float64(activeDrivers)
	return 1.0 + (ratio-1.0)*surgeFactor
}

func clamp(m float64) float64 {
	if m < 1.0 {
		return 1.0
	}
	if m > maxSurge {
		return maxSurge
	}
	return m
}
