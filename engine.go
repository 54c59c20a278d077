/*
Copyright 2025 Hoverpay Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package topup

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/hoverpay/topup/config"
	"github.com/hoverpay/topup/database"
	"github.com/hoverpay/topup/internal/apierror"
	"github.com/hoverpay/topup/internal/cache"
	redis_db "github.com/hoverpay/topup/internal/redis-db"
	"github.com/hoverpay/topup/payment"
	"github.com/hoverpay/topup/provider"
)

// Clock abstracts wall-clock time so sweep and deadline behavior can be
// driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// NormalizeFunc converts an amount in a given currency to USD. It is a
// pure external dependency used for retry-eligibility and loyalty math.
type NormalizeFunc func(amount decimal.Decimal, currency string) (decimal.Decimal, error)

// usdRates backs the default normalizer for local and simulated runs; a
// production deployment injects a live rate source instead.
var usdRates = map[string]decimal.Decimal{
	"USD": decimal.NewFromInt(1),
	"EUR": decimal.NewFromFloat(1.08),
	"GBP": decimal.NewFromFloat(1.27),
	"NGN": decimal.NewFromFloat(0.00065),
	"KES": decimal.NewFromFloat(0.0077),
	"INR": decimal.NewFromFloat(0.012),
}

func defaultNormalize(amount decimal.Decimal, currency string) (decimal.Decimal, error) {
	rate, ok := usdRates[currency]
	if !ok {
		return decimal.Zero, apierror.NewAPIError(apierror.ErrValidation, fmt.Sprintf("unsupported currency '%s'", currency), nil)
	}
	return amount.Mul(rate).Round(2), nil
}

// Engine is the recharge transaction orchestration engine. It owns no
// long-lived per-transaction state: everything needed to resume after a
// crash lives in the ledger, and concurrent writers are serialized by the
// ledger's conditional updates alone.
type Engine struct {
	datasource database.IDataSource
	provider   provider.Adapter
	payment    payment.Authorizer
	queue      *Queue
	redis      redis.UniversalClient
	clock      Clock
	normalize  NormalizeFunc
}

// NewEngine initializes an Engine from the loaded configuration. The
// provider adapter and payment authorizer are selected once here, never
// via scattered runtime conditionals.
func NewEngine(db database.IDataSource) (*Engine, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}

	var offerCache cache.Cache
	if configuration.Provider.Url != "" {
		offerCache, err = cache.NewCache()
		if err != nil {
			return nil, err
		}
	}

	newEngine := &Engine{
		datasource: db,
		provider:   provider.NewAdapter(configuration, offerCache),
		payment:    payment.NewAuthorizer(configuration),
		queue:      NewQueue(configuration),
		redis:      redisClient.Client(),
		clock:      realClock{},
		normalize:  defaultNormalize,
	}
	return newEngine, nil
}
