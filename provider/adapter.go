package provider

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/hoverpay/topup/config"
	"github.com/hoverpay/topup/internal/cache"
	"github.com/hoverpay/topup/model"
)

// Adapter abstracts a top-up provider: catalog lookup, idempotent dispatch,
// transfer lookup and float balance. The implementation is selected once at
// construction; nothing downstream branches on simulation vs real provider.
type Adapter interface {
	// GetOfferings returns the offers available for a region, served from
	// a TTL cache in front of the provider catalog endpoint.
	GetOfferings(ctx context.Context, regionCode string) ([]model.Offer, error)

	// Dispatch sends a top-up request. A transfer-lookup by idempotency
	// key runs first, so replaying the same logical request never issues
	// a second dispatch.
	Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error)

	// Balance returns the provider float balance in USD.
	Balance(ctx context.Context) (decimal.Decimal, error)
}

type DispatchRequest struct {
	DestinationNumber string          `json:"destination_number"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	ProviderSKU       string          `json:"provider_sku"`
	IdempotencyKey    string          `json:"idempotency_key"`
	RegionCode        string          `json:"region_code"`
}

type DispatchResult struct {
	Success     bool   `json:"success"`
	ProviderRef string `json:"provider_ref"`
	RawState    string `json:"raw_state"`
}

// NewAdapter picks the HTTP adapter when a provider URL is configured and
// the deterministic simulation otherwise.
func NewAdapter(cnf *config.Configuration, offerCache cache.Cache) Adapter {
	if cnf.Provider.Url == "" {
		return NewSimAdapter()
	}
	return NewHTTPAdapter(cnf, offerCache)
}

// SelectBestOffer picks the dispatch target for a requested amount.
// Candidates are restricted to offers settling in the request currency,
// falling back to all offers when none match. An offer that can satisfy
// the exact amount always beats the nearest approximation; among equally
// close approximations the higher commission wins.
func SelectBestOffer(offers []model.Offer, target decimal.Decimal, currency string) *model.Offer {
	if len(offers) == 0 {
		return nil
	}

	candidates := make([]model.Offer, 0, len(offers))
	for _, o := range offers {
		if o.SettlementCurrency == currency {
			candidates = append(candidates, o)
		}
	}
	if len(candidates) == 0 {
		candidates = append(candidates, offers...)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		inI, inJ := candidates[i].InRange(target), candidates[j].InRange(target)
		if inI != inJ {
			return inI
		}
		distI, distJ := candidates[i].Distance(target), candidates[j].Distance(target)
		if !distI.Equal(distJ) {
			return distI.LessThan(distJ)
		}
		return candidates[i].CommissionRate.GreaterThan(candidates[j].CommissionRate)
	})

	best := candidates[0]
	return &best
}
