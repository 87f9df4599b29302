package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ride-hailing/internal/models"
)

type fakeGateway struct {
	failuresBeforeSuccess int
	err                   error
	calls                 int
}

func (f *fakeGateway) Charge(_ context.Context, _ ChargeRequest) (ChargeResult, error) {
	f.calls++
	if f.calls <= f.failuresBeforeSuccess {
		if f.err != nil {
			return ChargeResult{}, f.err
		}
		return ChargeResult{}, &PSPError{Code: "PSP_TIMEOUT", Message: "gateway timeout"}
	}
	return ChargeResult{Reference: "PSP-OK"}, nil
}

func testRequest() ChargeRequest {
	return ChargeRequest{
		RiderID:  "usr_1",
		Amount:   decimal.RequireFromString("20.93"),
		Currency: "USD",
		Method:   models.PayCard,
	}
}

func TestChargeSucceedsAfterTransientFailures(t *testing.T) {
	gw := &fakeGateway{failuresBeforeSuccess: 2}
	p := NewChargePolicy("test", gw)
	var delays []time.Duration
	p.SetSleeper(func(d time.Duration) { delays = append(delays, d) })

	res, err := p.Charge(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if res.Reference != "PSP-OK" {
		t.Fatalf("unexpected reference %q", res.Reference)
	}
	if gw.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", gw.calls)
	}
	// Exponential schedule: 1s then 2s.
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("unexpected backoff trace: %v", delays)
	}
}

func TestChargeExhaustsRetryBudget(t *testing.T) {
	gw := &fakeGateway{failuresBeforeSuccess: 10}
	p := NewChargePolicy("test", gw)
	p.SetSleeper(func(time.Duration) {})

	_, err := p.Charge(context.Background(), testRequest())
	var pspErr *PSPError
	if !errors.As(err, &pspErr) {
		t.Fatalf("expected PSPError, got %v", err)
	}
	if gw.calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", gw.calls)
	}
	if !Recoverable(err) {
		t.Fatal("exhausted PSP failure must be recoverable via fallback")
	}
}

func TestNonPSPErrorsDoNotRetry(t *testing.T) {
	gw := &fakeGateway{failuresBeforeSuccess: 10, err: errors.New("serialization failure")}
	p := NewChargePolicy("test", gw)
	p.SetSleeper(func(time.Duration) {})

	_, err := p.Charge(context.Background(), testRequest())
	if err == nil || gw.calls != 1 {
		t.Fatalf("non-PSP error must fail fast: calls=%d err=%v", gw.calls, err)
	}
	if Recoverable(err) {
		t.Fatal("non-PSP error must propagate, not route to the fallback")
	}
}

func TestBreakerOpensUnderSustainedFailure(t *testing.T) {
	gw := &fakeGateway{failuresBeforeSuccess: 1 << 30}
	p := NewChargePolicy("test", gw)
	p.SetSleeper(func(time.Duration) {})
	ctx := context.Background()

	// Fill the window with failures until the breaker trips.
	for i := 0; i < breakerWindow; i++ {
		if _, err := p.Charge(ctx, testRequest()); err == nil {
			t.Fatal("charge should fail")
		}
	}
	callsBefore := gw.calls

	_, err := p.Charge(ctx, testRequest())
	if err == nil {
		t.Fatal("open breaker must reject the call")
	}
	if gw.calls != callsBefore {
		t.Fatal("open breaker must not touch the gateway")
	}
	if !Recoverable(err) {
		t.Fatal("breaker-open must route to the fallback")
	}
}
