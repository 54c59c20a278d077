package provider

import (
	"context"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/hoverpay/topup/model"
)

// SimAdapter is the deterministic stand-in used when no provider is
// configured. It honors the same idempotency contract as a real provider:
// repeated dispatches with the same key return the original result.
type SimAdapter struct {
	mu        sync.Mutex
	transfers map[string]*DispatchResult
}

func NewSimAdapter() *SimAdapter {
	return &SimAdapter{transfers: make(map[string]*DispatchResult)}
}

var simOffers = map[string][]model.Offer{
	"US": {
		{ProviderSKU: "sim-us-5", Min: decimal.NewFromInt(5), Max: decimal.NewFromInt(5), SettlementCurrency: "USD", CommissionRate: decimal.NewFromFloat(0.05)},
		{ProviderSKU: "sim-us-range", Min: decimal.NewFromInt(10), Max: decimal.NewFromInt(50), SettlementCurrency: "USD", CommissionRate: decimal.NewFromFloat(0.09)},
	},
	"NG": {
		{ProviderSKU: "sim-ng-range", Min: decimal.NewFromInt(500), Max: decimal.NewFromInt(20000), SettlementCurrency: "NGN", CommissionRate: decimal.NewFromFloat(0.07)},
	},
}

func (s *SimAdapter) GetOfferings(_ context.Context, regionCode string) ([]model.Offer, error) {
	if offers, ok := simOffers[strings.ToUpper(regionCode)]; ok {
		return offers, nil
	}
	return simOffers["US"], nil
}

func (s *SimAdapter) Dispatch(_ context.Context, req DispatchRequest) (*DispatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.transfers[req.IdempotencyKey]; ok {
		return existing, nil
	}

	result := &DispatchResult{
		Success:     true,
		ProviderRef: model.GenerateUUIDWithSuffix("simref"),
		RawState:    "COMPLETED",
	}
	s.transfers[req.IdempotencyKey] = result
	return result, nil
}

func (s *SimAdapter) Balance(_ context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(1_000_000), nil
}
