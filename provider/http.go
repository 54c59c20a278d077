package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hoverpay/topup/config"
	"github.com/hoverpay/topup/internal/apierror"
	"github.com/hoverpay/topup/internal/cache"
	"github.com/hoverpay/topup/internal/request"
	"github.com/hoverpay/topup/model"
)

// HTTPAdapter talks to a real provider over its JSON API, authenticated by
// a static credential.
type HTTPAdapter struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	offerTTL   time.Duration
	offerCache cache.Cache
}

func NewHTTPAdapter(cnf *config.Configuration, offerCache cache.Cache) *HTTPAdapter {
	return &HTTPAdapter{
		baseURL:    cnf.Provider.Url,
		apiKey:     cnf.Provider.ApiKey,
		timeout:    cnf.ProviderTimeout(),
		offerTTL:   cnf.OfferTTL(),
		offerCache: offerCache,
	}
}

type transferRecord struct {
	Reference   string `json:"reference"`
	ProviderRef string `json:"provider_ref"`
	State       string `json:"state"`
}

func (a *HTTPAdapter) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var req *http.Request
	var err error
	if body != nil {
		payload, jsonErr := request.ToJsonReq(body)
		if jsonErr != nil {
			return nil, jsonErr
		}
		req, err = http.NewRequestWithContext(ctx, method, a.baseURL+path, payload)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, a.baseURL+path, nil)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	return req, nil
}

func (a *HTTPAdapter) GetOfferings(ctx context.Context, regionCode string) ([]model.Offer, error) {
	cacheKey := fmt.Sprintf("offers:%s", regionCode)

	var offers []model.Offer
	if err := a.offerCache.Get(ctx, cacheKey, &offers); err == nil && len(offers) > 0 {
		return offers, nil
	}

	req, err := a.newRequest(ctx, http.MethodGet, "/offers?region="+url.QueryEscape(regionCode), nil)
	if err != nil {
		return nil, err
	}

	resp, err := request.CallWithTimeout(req, &offers, a.timeout)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if resp.StatusCode >= 400 {
		return nil, classifyStatus(resp.StatusCode, "offer catalog lookup failed")
	}

	if err := a.offerCache.Set(ctx, cacheKey, offers, a.offerTTL); err != nil {
		logrus.Warnf("failed to cache offers for region %s: %v", regionCode, err)
	}
	return offers, nil
}

// lookupTransfer asks the provider for an existing transfer matching the
// idempotency key. Returns nil when the provider has no record.
func (a *HTTPAdapter) lookupTransfer(ctx context.Context, idempotencyKey string) (*transferRecord, error) {
	req, err := a.newRequest(ctx, http.MethodGet, "/transfers/by-reference/"+url.PathEscape(idempotencyKey), nil)
	if err != nil {
		return nil, err
	}

	var record transferRecord
	resp, err := request.CallWithTimeout(req, &record, a.timeout)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 400 {
		return nil, classifyStatus(resp.StatusCode, "transfer lookup failed")
	}
	return &record, nil
}

// Dispatch issues a top-up. The transfer-lookup runs first so a retry that
// races a slow original response, or a process restart mid-call, can never
// double-charge the destination.
func (a *HTTPAdapter) Dispatch(ctx context.Context, dr DispatchRequest) (*DispatchResult, error) {
	existing, err := a.lookupTransfer(ctx, dr.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil && isSuccessState(existing.State) {
		logrus.WithFields(logrus.Fields{
			"idempotency_key": dr.IdempotencyKey,
			"provider_ref":    existing.ProviderRef,
		}).Info("dispatch already completed at provider, skipping")
		return &DispatchResult{Success: true, ProviderRef: existing.ProviderRef, RawState: existing.State}, nil
	}

	req, err := a.newRequest(ctx, http.MethodPost, "/transfers", map[string]interface{}{
		"destination": dr.DestinationNumber,
		"amount":      dr.Amount,
		"currency":    dr.Currency,
		"reference":   dr.IdempotencyKey,
		"region":      dr.RegionCode,
	})
	if err != nil {
		return nil, err
	}

	var record transferRecord
	resp, err := request.CallWithTimeout(req, &record, a.timeout)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if resp.StatusCode >= 400 {
		return nil, classifyStatus(resp.StatusCode, "provider rejected dispatch")
	}

	if !isSuccessState(record.State) {
		return nil, apierror.NewAPIError(apierror.ErrProviderRejected,
			fmt.Sprintf("dispatch ended in provider state '%s'", record.State), nil)
	}
	return &DispatchResult{Success: true, ProviderRef: record.ProviderRef, RawState: record.State}, nil
}

func (a *HTTPAdapter) Balance(ctx context.Context) (decimal.Decimal, error) {
	req, err := a.newRequest(ctx, http.MethodGet, "/balance", nil)
	if err != nil {
		return decimal.Zero, err
	}

	var body struct {
		BalanceUSD decimal.Decimal `json:"balance_usd"`
	}
	resp, err := request.CallWithTimeout(req, &body, a.timeout)
	if err != nil {
		return decimal.Zero, classifyTransportError(err)
	}
	if resp.StatusCode >= 400 {
		return decimal.Zero, classifyStatus(resp.StatusCode, "balance query failed")
	}
	return body.BalanceUSD, nil
}

func isSuccessState(state string) bool {
	switch state {
	case "COMPLETED", "SUCCESSFUL", "DELIVERED":
		return true
	}
	return false
}

// classifyTransportError maps network-level failures onto the retryable
// side of the taxonomy. A timeout is recoverable, never terminal.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return apierror.NewAPIError(apierror.ErrProviderTimeout, "provider call timed out", err)
	}
	return apierror.NewAPIError(apierror.ErrProviderUnavailable, "provider unreachable", err)
}

// classifyStatus maps HTTP statuses: 5xx and 408 are recoverable, any
// other 4xx is an explicit rejection that must not be retried.
func classifyStatus(status int, msg string) error {
	switch {
	case status == http.StatusRequestTimeout:
		return apierror.NewAPIError(apierror.ErrProviderTimeout, msg, fmt.Sprintf("status %d", status))
	case status >= 500:
		return apierror.NewAPIError(apierror.ErrProviderUnavailable, msg, fmt.Sprintf("status %d", status))
	default:
		return apierror.NewAPIError(apierror.ErrProviderRejected, msg, fmt.Sprintf("status %d", status))
	}
}
