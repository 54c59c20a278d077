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

package database

import (
	"context"
	"time"

	"github.com/hoverpay/topup/model"
)

// IDataSource is the ledger contract the engine depends on. The ledger is
// a pure state store with conditional-write support; no orchestration
// logic lives behind this interface.
//
// Every mutation that races another writer goes through a conditional
// update scoped to the row's current status. The first successful write
// wins and the loser observes a conflict, which is the engine's only
// concurrency-control mechanism and holds across process instances.
type IDataSource interface {
	transaction
}

type transaction interface {
	RecordTransaction(ctx context.Context, txn *model.Transaction) (*model.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*model.Transaction, error)

	// UpdateTransactionStatus moves a row from expected to next and applies
	// the given field changes in the same statement. Returns a CONFLICT
	// error when the row is no longer in the expected status.
	UpdateTransactionStatus(ctx context.Context, id string, expected string, next string, fields StatusFields) error

	// ClaimRetry atomically increments retry_count for a FAILED row still
	// under the retry cap, returning the new count. A CONFLICT error means
	// another coordinator instance claimed the row first or the cap was hit.
	ClaimRetry(ctx context.Context, id string, maxRetries int) (int, error)

	// GetExpiredWaitingTransactions lists WAITING_FOR_BUYER rows whose
	// deadline is before the given time.
	GetExpiredWaitingTransactions(ctx context.Context, before time.Time, limit int) ([]*model.Transaction, error)

	// GetRetryableTransactions lists FAILED rows flagged for manual action
	// with retry_count below the cap.
	GetRetryableTransactions(ctx context.Context, maxRetries int, limit int) ([]*model.Transaction, error)

	// GetStalledDispatchedTransactions lists PROVIDER_DISPATCHED rows with
	// no confirmation deadline, stranded there by a crash mid-dispatch.
	GetStalledDispatchedTransactions(ctx context.Context, before time.Time, limit int) ([]*model.Transaction, error)

	// CountByStatus reports pending-state volumes for the health monitor.
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// StatusFields carries the columns a conditional status update may touch.
// Nil pointers leave the column unchanged.
type StatusFields struct {
	HoldID               *string
	ProviderTransferRef  *string
	ConfirmationDeadline *time.Time
	ClearDeadline        bool
	FailureReason        *string
	ManualActionFlag     *bool
	MetaData             map[string]interface{}
}
