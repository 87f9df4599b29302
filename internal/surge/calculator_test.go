package surge

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/ride-hailing/internal/events"
	"github.com/example/ride-hailing/internal/flags"
	"github.com/example/ride-hailing/internal/storage"
)

type surgeRig struct {
	calc   *Calculator
	window *MemoryWindow
	store  *storage.MemoryStore
	flags  *flags.MemoryStore
}

func newSurgeRig() *surgeRig {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := &surgeRig{
		window: NewMemoryWindow(),
		store:  storage.NewMemoryStore(),
		flags:  flags.NewMemoryStore(),
	}
	r.calc = NewCalculator(r.window, r.store, r.flags, logger)
	// Strictly increasing instants keep window entry order deterministic.
	now := time.Now()
	r.calc.SetClock(func() time.Time {
		now = now.Add(10 * time.Millisecond)
		return now
	})
	return r
}

func snapshot(cell string, drivers, rides int) events.SupplyDemandSnapshot {
	return events.SupplyDemandSnapshot{
		GeoCell:       cell,
		RegionID:      "ap-south-1",
		ActiveDrivers: drivers,
		PendingRides:  rides,
		ComputedAt:    time.Now(),
	}
}

func TestBalancedWindowYieldsExactlyOne(t *testing.T) {
	ctx := context.Background()
	r := newSurgeRig()
	for i := 0; i < 3; i++ {
		m, err := r.calc.ProcessSnapshot(ctx, snapshot("cell-1", 10, 10))
		if err != nil {
			t.Fatal(err)
		}
		if m != 1.0 {
			t.Fatalf("rides==drivers must give exactly 1.0, got %f", m)
		}
	}
}

func TestExtremeDemandClampsAtThree(t *testing.T) {
	ctx := context.Background()
	r := newSurgeRig()
	for i := 0; i < 3; i++ {
		if _, err := r.calc.ProcessSnapshot(ctx, snapshot("cell-1", 10, 10)); err != nil {
			t.Fatal(err)
		}
	}
	m, err := r.calc.ProcessSnapshot(ctx, snapshot("cell-1", 1, 1000))
	if err != nil {
		t.Fatal(err)
	}
	if m != 3.0 {
		t.Fatalf("extreme demand must clamp to exactly 3.0, got %f", m)
	}
}

func TestExcessSupplyFloorsAtOne(t *testing.T) {
	ctx := context.Background()
	r := newSurgeRig()
	m, err := r.calc.ProcessSnapshot(ctx, snapshot("cell-1", 100, 1))
	if err != nil {
		t.Fatal(err)
	}
	if m != 1.0 {
		t.Fatalf("excess supply must floor at exactly 1.0, got %f", m)
	}
}

func TestInstantMultiplierRawValues(t *testing.T) {
	cases := []struct {
		drivers, rides int
		want           float64
	}{
		{10, 10, 1.0},
		{10, 20, 1.5}, // 2x demand
		{10, 0, 0.5},  // raw dips below one; clamp happens upstream
		{0, 5, 3.0},   // zero drivers floored to 1: ratio 5 → raw 3.0
	}
	for _, tc := range cases {
		if got := instantMultiplier(tc.drivers, tc.rides); got != tc.want {
			t.Errorf("instant(%d,%d)=%f, want %f", tc.drivers, tc.rides, got, tc.want)
		}
	}
}

func TestRecentDemandWeighsMore(t *testing.T) {
	ctx := context.Background()

	// Scenario A: balanced history, spike in the newest snapshot.
	a := newSurgeRig()
	if _, err := a.calc.ProcessSnapshot(ctx, snapshot("c", 10, 10)); err != nil {
		t.Fatal(err)
	}
	spikeLast, err := a.calc.ProcessSnapshot(ctx, snapshot("c", 2, 20))
	if err != nil {
		t.Fatal(err)
	}

	// Scenario B: spike first, balanced newest.
	b := newSurgeRig()
	if _, err := b.calc.ProcessSnapshot(ctx, snapshot("c", 2, 20)); err != nil {
		t.Fatal(err)
	}
	spikeFirst, err := b.calc.ProcessSnapshot(ctx, snapshot("c", 10, 10))
	if err != nil {
		t.Fatal(err)
	}

	if spikeLast <= spikeFirst {
		t.Fatalf("recent spike must surge more: spikeLast=%f spikeFirst=%f", spikeLast, spikeFirst)
	}
}

func TestWindowTrimsOldEntries(t *testing.T) {
	ctx := context.Background()
	r := newSurgeRig()
	start := time.Now()
	now := start
	r.calc.SetClock(func() time.Time { return now })

	if _, err := r.calc.ProcessSnapshot(ctx, snapshot("c", 1, 100)); err != nil {
		t.Fatal(err)
	}
	// Six minutes later the spike has left the 5-minute window.
	now = start.Add(6 * time.Minute)
	m, err := r.calc.ProcessSnapshot(ctx, snapshot("c", 10, 10))
	if err != nil {
		t.Fatal(err)
	}
	if m != 1.0 {
		t.Fatalf("expired spike must not affect the multiplier, got %f", m)
	}
	entries, _ := r.window.Entries(ctx, "c")
	if len(entries) != 1 {
		t.Fatalf("old entry should be trimmed, window has %d", len(entries))
	}
}

func TestGetPrefersCacheThenAuditThenOne(t *testing.T) {
	ctx := context.Background()
	r := newSurgeRig()

	// Unknown cell: 1.0.
	if m, _ := r.calc.Get(ctx, "default", "nowhere"); m != 1.0 {
		t.Fatalf("unknown cell must be 1.0, got %f", m)
	}

	if _, err := r.calc.ProcessSnapshot(ctx, snapshot("c", 1, 9)); err != nil {
		t.Fatal(err)
	}
	want, _ := r.calc.Get(ctx, "default", "c")
	if want <= 1.0 {
		t.Fatalf("expected surge > 1.0, got %f", want)
	}

	// Expire the cache; the audit row answers.
	now := time.Now()
	r.window.SetClock(func() time.Time { return now.Add(time.Minute) })
	fromAudit, _ := r.calc.Get(ctx, "default", "c")
	if fromAudit != want {
		t.Fatalf("audit fallback should serve %f, got %f", want, fromAudit)
	}
}

func TestFlagDisabledReturnsOneDespiteCache(t *testing.T) {
	ctx := context.Background()
	r := newSurgeRig()
	if _, err := r.calc.ProcessSnapshot(ctx, snapshot("c", 1, 50)); err != nil {
		t.Fatal(err)
	}
	if m, _ := r.calc.Get(ctx, "default", "c"); m != 3.0 {
		t.Fatalf("expected clamped surge before the flag flips, got %f", m)
	}

	_ = r.flags.Set(ctx, "default", flags.SurgePricingEnabled, false)
	if m, _ := r.calc.Get(ctx, "default", "c"); m != 1.0 {
		t.Fatalf("disabled flag must force 1.0, got %f", m)
	}
}

func TestAuditRowOverwrittenPerRecompute(t *testing.T) {
	ctx := context.Background()
	r := newSurgeRig()
	if _, err := r.calc.ProcessSnapshot(ctx, snapshot("c", 1, 100)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.calc.ProcessSnapshot(ctx, snapshot("c", 100, 1)); err != nil {
		t.Fatal(err)
	}
	snap, err := r.store.GetCellSnapshot(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	if snap.ActiveDrivers != 100 || snap.PendingRides != 1 {
		t.Fatalf("audit row must reflect the latest snapshot: %+v", snap)
	}
}
