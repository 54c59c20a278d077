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
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hoverpay/topup/config"
	"github.com/hoverpay/topup/internal/apierror"
	"github.com/hoverpay/topup/internal/notification"
)

const sweepBatchSize = 100

// stalledDispatchGrace is how old a deadline-less PROVIDER_DISPATCHED row
// must be before the sweep treats it as a crash leftover rather than a
// dispatch still in flight.
const stalledDispatchGrace = time.Minute

// SweepConfirmations resolves every transaction whose confirmation
// deadline has elapsed. Silence settles the charge: the sweep takes the
// same WAITING_FOR_BUYER -> COMPLETED path a buyer confirmation does, and
// the conditional write guarantees a late buyer action and the sweep
// cannot both win.
func (e *Engine) SweepConfirmations(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Sweeping expired confirmation windows")
	defer span.End()

	now := e.clock.Now()
	for {
		expired, err := e.datasource.GetExpiredWaitingTransactions(ctx, now, sweepBatchSize)
		if err != nil {
			return logAndRecordError(span, "fetch expired windows error: ", err)
		}
		if len(expired) == 0 {
			return nil
		}

		for _, transaction := range expired {
			if _, err := e.completeWaiting(ctx, transaction, true); err != nil {
				// Lost the race to a buyer action; nothing to do.
				if apierror.CodeOf(err) == apierror.ErrConflict {
					continue
				}
				notification.NotifyError(fmt.Errorf("auto-confirm %s: %w", transaction.TransactionID, err))
			}
		}

		if len(expired) < sweepBatchSize {
			return nil
		}
	}
}

// SweepRetries re-dispatches recoverably-failed transactions that still
// have attempts left. Rows at the cap are left flagged for manual action;
// they were already escalated when the last attempt failed.
func (e *Engine) SweepRetries(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Sweeping failed transactions for retry")
	defer span.End()

	cnf, err := config.Fetch()
	if err != nil {
		return err
	}

	retryable, err := e.datasource.GetRetryableTransactions(ctx, cnf.Retry.MaxRetries, sweepBatchSize)
	if err != nil {
		return logAndRecordError(span, "fetch retryable transactions error: ", err)
	}

	for _, transaction := range retryable {
		if err := e.RetryTransaction(ctx, transaction, cnf.Retry.MaxRetries); err != nil {
			notification.NotifyError(fmt.Errorf("retry %s: %w", transaction.TransactionID, err))
		}
	}
	return nil
}

// SweepStalledDispatches resumes transactions stranded in
// PROVIDER_DISPATCHED by a crash between the dispatch transition and the
// confirmation window. Re-dispatch is safe: the provider-side transfer
// lookup collapses duplicates onto the original transfer, so the row ends
// up in WAITING_FOR_BUYER with a fresh deadline and the hold is settled
// by the normal confirmation path.
func (e *Engine) SweepStalledDispatches(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Sweeping stalled dispatches")
	defer span.End()

	stalled, err := e.datasource.GetStalledDispatchedTransactions(ctx, e.clock.Now().Add(-stalledDispatchGrace), sweepBatchSize)
	if err != nil {
		return logAndRecordError(span, "fetch stalled dispatches error: ", err)
	}

	for _, transaction := range stalled {
		if err := e.DispatchTransaction(ctx, transaction.TransactionID); err != nil {
			notification.NotifyError(fmt.Errorf("resume dispatch %s: %w", transaction.TransactionID, err))
		}
	}
	return nil
}

// MonitorBalance reads the provider float and pages an operator when it
// dips under the configured minimum. Read-only: low float never blocks or
// fails in-flight transactions.
func (e *Engine) MonitorBalance(ctx context.Context) error {
	cnf, err := config.Fetch()
	if err != nil {
		return err
	}

	balance, err := e.provider.Balance(ctx)
	if err != nil {
		logrus.Warnf("provider balance check failed: %v", err)
		return err
	}

	counts, err := e.datasource.CountByStatus(ctx)
	if err != nil {
		logrus.Warnf("pending-state count failed: %v", err)
	}

	minFloat := decimal.NewFromFloat(cnf.Provider.MinFloatUSD)
	logrus.WithFields(logrus.Fields{
		"balance_usd":    balance,
		"pending_counts": counts,
	}).Info("provider float balance")
	if balance.LessThan(minFloat) {
		notification.NotifyOperator("Provider float below threshold",
			fmt.Sprintf("Float balance is %s USD, below the %s USD minimum", balance, minFloat))
	}
	return nil
}

// StartSweeps runs the confirmation sweep, the retry coordinator and the
// hourly balance monitor until the context is canceled. Each cycle is
// independent; a failing cycle is reported and the next one still runs.
func (e *Engine) StartSweeps(ctx context.Context) {
	cnf, err := config.Fetch()
	if err != nil {
		logrus.Error("sweep startup aborted: ", err)
		return
	}

	confirmTicker := time.NewTicker(cnf.SweepInterval())
	retryTicker := time.NewTicker(cnf.RetryInterval())
	balanceTicker := time.NewTicker(time.Hour)
	defer confirmTicker.Stop()
	defer retryTicker.Stop()
	defer balanceTicker.Stop()

	logrus.WithFields(logrus.Fields{
		"confirmation_interval": cnf.SweepInterval(),
		"retry_interval":        cnf.RetryInterval(),
	}).Info("background sweeps started")

	for {
		select {
		case <-ctx.Done():
			logrus.Info("background sweeps stopped")
			return
		case <-confirmTicker.C:
			if err := e.SweepConfirmations(ctx); err != nil {
				logrus.Error("confirmation sweep error: ", err)
			}
		case <-retryTicker.C:
			if err := e.SweepStalledDispatches(ctx); err != nil {
				logrus.Error("stalled dispatch sweep error: ", err)
			}
			if err := e.SweepRetries(ctx); err != nil {
				logrus.Error("retry sweep error: ", err)
			}
		case <-balanceTicker.C:
			if err := e.MonitorBalance(ctx); err != nil {
				logrus.Error("balance monitor error: ", err)
			}
		}
	}
}
