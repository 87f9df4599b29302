package payments

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/example/ride-hailing/internal/models"
)

// ChargeRequest is the PSP charge input.
type ChargeRequest struct {
	RiderID  string
	Amount   decimal.Decimal
	Currency string
	Method   models.PaymentMethod
}

// ChargeResult carries the PSP reference on success.
type ChargeResult struct {
	Reference string
}

// Gateway is the external Payment Service Provider.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// PSPError is a transient provider failure; only these retry under the
// charge policy. Anything else propagates uncontained.
type PSPError struct {
	Code    string
	Message string
}

func (e *PSPError) Error() string { return fmt.Sprintf("psp %s: %s", e.Code, e.Message) }

// StubGateway is a controllable PSP for tests and local runs.
type StubGateway struct {
	mu      sync.Mutex
	failing bool
}

func NewStubGateway() *StubGateway { return &StubGateway{} }

// SetFailing toggles outage mode: every charge returns PSP_TIMEOUT.
func (s *StubGateway) SetFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

func (s *StubGateway) Charge(_ context.Context, req ChargeRequest) (ChargeResult, error) {
	s.mu.Lock()
	failing := s.failing
	s.mu.Unlock()
	if failing {
		return ChargeResult{}, &PSPError{Code: "PSP_TIMEOUT", Message: "payment gateway timeout"}
	}
	return ChargeResult{Reference: "PSP-" + randomRef()}, nil
}

func randomRef() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return strings.ToUpper(hex.EncodeToString(b))
}

var _ Gateway = (*StubGateway)(nil)
