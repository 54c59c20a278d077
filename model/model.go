package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction is a single recharge request moving through the engine. Every
// field the engine needs to resume after a crash lives here; no in-memory
// state survives between orchestration steps.
type Transaction struct {
	TransactionID        string                 `json:"transaction_id"`
	IdempotencyKey       string                 `json:"idempotency_key"`
	BuyerID              string                 `json:"buyer_id,omitempty"`
	DestinationNumber    string                 `json:"destination_number"`
	RequestedAmount      decimal.Decimal        `json:"requested_amount"`
	RequestedCurrency    string                 `json:"requested_currency"`
	NormalizedAmountUSD  decimal.Decimal        `json:"normalized_amount_usd"`
	RegionCode           string                 `json:"region_code"`
	PaymentMethodRef     string                 `json:"payment_method_ref,omitempty"`
	HoldID               string                 `json:"hold_id,omitempty"`
	ProviderTransferRef  string                 `json:"provider_transfer_ref,omitempty"`
	Status               string                 `json:"status"`
	ConfirmationDeadline *time.Time             `json:"confirmation_deadline,omitempty"`
	FailureReason        string                 `json:"failure_reason,omitempty"`
	RetryCount           int                    `json:"retry_count"`
	ManualActionFlag     bool                   `json:"manual_action_flag"`
	MetaData             map[string]interface{} `json:"meta_data,omitempty"`
	CreatedAt            time.Time              `json:"created_at"`
}

// Offer is a provider denomination or value range. Offers are fetched per
// region, cached with a TTL, and only ever used transiently to pick a
// dispatch target. They are never persisted on a Transaction.
type Offer struct {
	ProviderSKU        string          `json:"provider_sku"`
	Min                decimal.Decimal `json:"min"`
	Max                decimal.Decimal `json:"max"`
	SettlementCurrency string          `json:"settlement_currency"`
	CommissionRate     decimal.Decimal `json:"commission_rate"`
}

// InRange reports whether target falls inside the offer's value range.
func (o Offer) InRange(target decimal.Decimal) bool {
	return target.GreaterThanOrEqual(o.Min) && target.LessThanOrEqual(o.Max)
}

// Distance returns 0 when target is in range, otherwise the distance to the
// nearer bound.
func (o Offer) Distance(target decimal.Decimal) decimal.Decimal {
	if o.InRange(target) {
		return decimal.Zero
	}
	if target.LessThan(o.Min) {
		return o.Min.Sub(target)
	}
	return target.Sub(o.Max)
}

// GenerateUUIDWithSuffix generates a UUID prefixed with a module name,
// giving identifiers context-specific prefixes like rtx_<uuid>.
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%s", module, id.String())
}

// RedactNumber masks a destination number for logging, keeping only the
// last two digits. Personal identifiers never reach logs in the clear.
func RedactNumber(number string) string {
	if len(number) <= 2 {
		return strings.Repeat("*", len(number))
	}
	return strings.Repeat("*", len(number)-2) + number[len(number)-2:]
}

// loyaltyRate is points awarded per normalized USD on a completed recharge.
var loyaltyRate = decimal.NewFromInt(10)

// LoyaltyPoints computes the loyalty credit for a completed transaction,
// rounded down to a whole number of points.
func (t *Transaction) LoyaltyPoints() int64 {
	return t.NormalizedAmountUSD.Mul(loyaltyRate).IntPart()
}

// EnsureMetaData initializes the metadata map so audit tags can always be
// written without a nil check at the call site.
func (t *Transaction) EnsureMetaData() {
	if t.MetaData == nil {
		t.MetaData = make(map[string]interface{})
	}
}
