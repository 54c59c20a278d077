package payment

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/hoverpay/topup/config"
)

// Authorizer manages payment holds on a buyer's instrument. Funds are
// held at submission time and settled only once the engine is reasonably
// confident the airtime arrived: an explicit buyer confirmation or an
// elapsed confirmation window, never dispatch success alone.
type Authorizer interface {
	// Authorize places a hold and returns its identifier. Fails with
	// PAYMENT_DECLINED or PAYMENT_METHOD_INVALID.
	Authorize(ctx context.Context, paymentMethodRef string, amount decimal.Decimal, currency string) (string, error)

	// Capture settles a previously placed hold. Fails with HOLD_EXPIRED
	// or ALREADY_CAPTURED.
	Capture(ctx context.Context, holdID string) error

	// Void releases a hold without settlement. Fails with
	// ALREADY_CAPTURED or ALREADY_VOIDED.
	Void(ctx context.Context, holdID string) error
}

// NewAuthorizer picks the HTTP implementation when a payment service URL
// is configured and the simulation otherwise.
func NewAuthorizer(cnf *config.Configuration) Authorizer {
	if cnf.Payment.Url == "" {
		return NewSimAuthorizer()
	}
	return NewHTTPAuthorizer(cnf)
}
