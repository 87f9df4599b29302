package flags

import (
	"context"
	"testing"
)

func TestLookupOrderTenantThenGlobalThenDefault(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	// Nothing set: caller default wins.
	if !s.IsEnabled(ctx, "t1", SurgePricingEnabled, true) {
		t.Fatal("expected caller default")
	}
	// Global override beats the default.
	_ = s.Set(ctx, GlobalTenant, SurgePricingEnabled, false)
	if s.IsEnabled(ctx, "t1", SurgePricingEnabled, true) {
		t.Fatal("global override should win over default")
	}
	// Per-tenant beats global.
	_ = s.Set(ctx, "t1", SurgePricingEnabled, true)
	if !s.IsEnabled(ctx, "t1", SurgePricingEnabled, false) {
		t.Fatal("tenant flag should win over global")
	}
	// Other tenants still see the global value.
	if s.IsEnabled(ctx, "t2", SurgePricingEnabled, true) {
		t.Fatal("t2 should still resolve via global")
	}
}

func TestInitDefaultsWritesOnlyMissing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_ = s.Set(ctx, "t1", DispatchKillSwitch, true)
	if err := s.InitDefaults(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	// Pre-existing value survives.
	if !s.IsEnabled(ctx, "t1", DispatchKillSwitch, false) {
		t.Fatal("init defaults must not overwrite an existing flag")
	}
	// Missing fields get their defaults.
	if !s.IsEnabled(ctx, "t1", AutoPaymentCharge, false) {
		t.Fatal("auto_payment_charge should default true")
	}
	if s.IsEnabled(ctx, "t1", NewScoringAlgo, true) {
		t.Fatal("new_scoring_algo should default false")
	}
}
