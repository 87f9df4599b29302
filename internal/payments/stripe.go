package payments

import (
	"context"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

var centsFactor = decimal.NewFromInt(100)

// StripeGateway is the production PSP implementation on Stripe
// PaymentIntents. Stripe errors surface as PSPError so the charge policy
// treats them as retryable.
type StripeGateway struct{}

func NewStripeGateway(apiKey string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{}
}

func (s *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount.Mul(centsFactor).IntPart()),
		Currency: stripe.String(req.Currency),
		Confirm:  stripe.Bool(true),
	}
	params.Context = ctx
	pi, err := paymentintent.New(params)
	if err != nil {
		if se, ok := err.(*stripe.Error); ok {
			return ChargeResult{}, &PSPError{Code: string(se.Code), Message: se.Msg}
		}
		return ChargeResult{}, err
	}
	return ChargeResult{Reference: pi.ID}, nil
}

var _ Gateway = (*StripeGateway)(nil)
