package provider

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jarcoal/httpmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoverpay/topup/config"
	"github.com/hoverpay/topup/internal/apierror"
	"github.com/hoverpay/topup/internal/cache"
)

func newTestHTTPAdapter(t *testing.T) *HTTPAdapter {
	t.Helper()
	mr := miniredis.RunT(t)
	config.MockConfig(&config.Configuration{
		DataSource: config.DataSourceConfig{Dns: "postgres://test"},
		Redis:      config.RedisConfig{Dns: mr.Addr()},
		Provider:   config.ProviderConfig{Url: "http://provider.test", ApiKey: "test-key"},
	})

	cnf, err := config.Fetch()
	require.NoError(t, err)
	offerCache, err := cache.NewCache()
	require.NoError(t, err)
	return NewHTTPAdapter(cnf, offerCache)
}

func TestHTTPGetOfferingsCachesCatalog(t *testing.T) {
	adapter := newTestHTTPAdapter(t)
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "http://provider.test/offers?region=US",
		httpmock.NewStringResponder(200, `[
			{"provider_sku":"us-5","min":"5","max":"5","settlement_currency":"USD","commission_rate":"0.05"},
			{"provider_sku":"us-range","min":"10","max":"50","settlement_currency":"USD","commission_rate":"0.09"}
		]`))

	offers, err := adapter.GetOfferings(context.Background(), "US")
	assert.NoError(t, err)
	assert.Len(t, offers, 2)

	// Second lookup is served from the TTL cache without another fetch.
	offers, err = adapter.GetOfferings(context.Background(), "US")
	assert.NoError(t, err)
	assert.Len(t, offers, 2)

	info := httpmock.GetCallCountInfo()
	assert.Equal(t, 1, info["GET http://provider.test/offers?region=US"])
}

func TestHTTPGetOfferingsServerError(t *testing.T) {
	adapter := newTestHTTPAdapter(t)
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "http://provider.test/offers?region=US",
		httpmock.NewStringResponder(503, `{}`))

	_, err := adapter.GetOfferings(context.Background(), "US")
	assert.Error(t, err)
	assert.Equal(t, apierror.ErrProviderUnavailable, apierror.CodeOf(err))
	assert.True(t, apierror.IsRecoverable(err))
}

func TestHTTPDispatchNewTransfer(t *testing.T) {
	adapter := newTestHTTPAdapter(t)
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "http://provider.test/transfers/by-reference/key-1",
		httpmock.NewStringResponder(404, ``))
	httpmock.RegisterResponder("POST", "http://provider.test/transfers",
		httpmock.NewStringResponder(200, `{"reference":"key-1","provider_ref":"prov-001","state":"COMPLETED"}`))

	result, err := adapter.Dispatch(context.Background(), DispatchRequest{
		DestinationNumber: "+15550001122",
		Amount:            decimal.NewFromInt(20),
		Currency:          "USD",
		IdempotencyKey:    "key-1",
		RegionCode:        "US",
	})
	assert.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "prov-001", result.ProviderRef)
}

func TestHTTPDispatchSkipsCompletedTransfer(t *testing.T) {
	adapter := newTestHTTPAdapter(t)
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "http://provider.test/transfers/by-reference/key-2",
		httpmock.NewStringResponder(200, `{"reference":"key-2","provider_ref":"prov-002","state":"COMPLETED"}`))

	result, err := adapter.Dispatch(context.Background(), DispatchRequest{
		DestinationNumber: "+15550001122",
		Amount:            decimal.NewFromInt(20),
		Currency:          "USD",
		IdempotencyKey:    "key-2",
		RegionCode:        "US",
	})
	assert.NoError(t, err)
	assert.Equal(t, "prov-002", result.ProviderRef)

	// The existing transfer short-circuits the dispatch; no POST happens.
	info := httpmock.GetCallCountInfo()
	assert.Equal(t, 0, info["POST http://provider.test/transfers"])
}

func TestHTTPDispatchRejected(t *testing.T) {
	adapter := newTestHTTPAdapter(t)
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "http://provider.test/transfers/by-reference/key-3",
		httpmock.NewStringResponder(404, ``))
	httpmock.RegisterResponder("POST", "http://provider.test/transfers",
		httpmock.NewStringResponder(422, `{"reason":"destination not serviceable"}`))

	_, err := adapter.Dispatch(context.Background(), DispatchRequest{
		DestinationNumber: "+15550001122",
		Amount:            decimal.NewFromInt(20),
		Currency:          "USD",
		IdempotencyKey:    "key-3",
		RegionCode:        "US",
	})
	assert.Error(t, err)
	assert.Equal(t, apierror.ErrProviderRejected, apierror.CodeOf(err))
	assert.False(t, apierror.IsRecoverable(err))
}

func TestHTTPBalance(t *testing.T) {
	adapter := newTestHTTPAdapter(t)
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "http://provider.test/balance",
		httpmock.NewStringResponder(200, `{"balance_usd":"1523.75"}`))

	balance, err := adapter.Balance(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "1523.75", balance.String())
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		code   apierror.ErrorCode
	}{
		{408, apierror.ErrProviderTimeout},
		{500, apierror.ErrProviderUnavailable},
		{502, apierror.ErrProviderUnavailable},
		{400, apierror.ErrProviderRejected},
		{422, apierror.ErrProviderRejected},
	}
	for _, tc := range cases {
		err := classifyStatus(tc.status, fmt.Sprintf("status %d", tc.status))
		assert.Equal(t, tc.code, apierror.CodeOf(err), "status %d", tc.status)
	}
}
