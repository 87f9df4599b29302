package payments

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

const (
	breakerWindow      = 10
	breakerFailureRate = 0.5
	breakerOpenFor     = 10 * time.Second
	breakerProbeBudget = 3

	retryMaxAttempts    = 3
	retryInitialBackoff = time.Second
	retryFactor         = 2.0
)

// ChargePolicy composes the circuit breaker and the bounded retry around a
// PSP gateway. The breaker is the outer layer: when it is open the gateway
// is never touched. Under it, only PSPError retries; any other error is
// permanent and propagates.
//
// The policy is a plain object on purpose: tests feed it a failing gateway
// and a fake sleeper and observe the outcome and the retry trace.
type ChargePolicy struct {
	gateway Gateway
	breaker *gobreaker.CircuitBreaker

	sleep func(time.Duration)
}

func NewChargePolicy(name string, gateway Gateway) *ChargePolicy {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: breakerProbeBudget,
		Timeout:     breakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < breakerWindow {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= breakerFailureRate
		},
	}
	return &ChargePolicy{
		gateway: gateway,
		breaker: gobreaker.NewCircuitBreaker(settings),
		sleep:   time.Sleep,
	}
}

// SetSleeper overrides the inter-attempt sleep; tests use it to run the
// backoff schedule instantly while still recording the delays.
func (p *ChargePolicy) SetSleeper(sleep func(time.Duration)) { p.sleep = sleep }

// Charge runs one breaker-guarded, retried charge.
func (p *ChargePolicy) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	out, err := p.breaker.Execute(func() (interface{}, error) {
		return p.chargeWithRetry(ctx, req)
	})
	if err != nil {
		return ChargeResult{}, err
	}
	return out.(ChargeResult), nil
}

func (p *ChargePolicy) chargeWithRetry(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialBackoff
	bo.Multiplier = retryFactor
	bo.RandomizationFactor = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		res, err := p.gateway.Charge(ctx, req)
		if err == nil {
			return res, nil
		}
		var pspErr *PSPError
		if !errors.As(err, &pspErr) {
			// Non-PSP failure: do not retry, do not hide.
			return ChargeResult{}, err
		}
		lastErr = err
		if attempt == retryMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ChargeResult{}, ctx.Err()
		default:
		}
		p.sleep(bo.NextBackOff())
	}
	return ChargeResult{}, lastErr
}

// Recoverable reports whether the error is one the fallback path handles:
// a PSP failure after retry exhaustion, or the breaker shedding load.
func Recoverable(err error) bool {
	var pspErr *PSPError
	if errors.As(err, &pspErr) {
		return true
	}
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
