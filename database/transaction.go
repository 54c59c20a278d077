package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/hoverpay/topup/internal/apierror"
	"github.com/hoverpay/topup/model"
)

const transactionColumns = `transaction_id, idempotency_key, buyer_id, destination_number,
		requested_amount, requested_currency, normalized_amount_usd, region_code,
		payment_method_ref, hold_id, provider_transfer_ref, status,
		confirmation_deadline, failure_reason, retry_count, manual_action_flag,
		created_at, meta_data`

func (d Datasource) RecordTransaction(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	ctx, span := otel.Tracer("Recharge transaction").Start(ctx, "Saving transaction to db")
	defer span.End()

	metaDataJSON, err := json.Marshal(txn.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	_, err = d.Conn.ExecContext(ctx,
		`INSERT INTO transactions(transaction_id,idempotency_key,buyer_id,destination_number,requested_amount,requested_currency,normalized_amount_usd,region_code,payment_method_ref,hold_id,provider_transfer_ref,status,confirmation_deadline,failure_reason,retry_count,manual_action_flag,created_at,meta_data) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		txn.TransactionID, txn.IdempotencyKey, txn.BuyerID, txn.DestinationNumber, txn.RequestedAmount, txn.RequestedCurrency, txn.NormalizedAmountUSD, txn.RegionCode, txn.PaymentMethodRef, txn.HoldID, txn.ProviderTransferRef, txn.Status, txn.ConfirmationDeadline, txn.FailureReason, txn.RetryCount, txn.ManualActionFlag, txn.CreatedAt, metaDataJSON,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record transaction", err)
	}

	return txn, nil
}

func scanTransaction(row interface{ Scan(...interface{}) error }) (*model.Transaction, error) {
	txn := &model.Transaction{}
	var metaDataJSON []byte
	var buyerID, paymentMethodRef, holdID, providerRef, failureReason sql.NullString
	var deadline sql.NullTime
	err := row.Scan(&txn.TransactionID, &txn.IdempotencyKey, &buyerID, &txn.DestinationNumber,
		&txn.RequestedAmount, &txn.RequestedCurrency, &txn.NormalizedAmountUSD, &txn.RegionCode,
		&paymentMethodRef, &holdID, &providerRef, &txn.Status,
		&deadline, &failureReason, &txn.RetryCount, &txn.ManualActionFlag,
		&txn.CreatedAt, &metaDataJSON)
	if err != nil {
		return nil, err
	}
	txn.BuyerID = buyerID.String
	txn.PaymentMethodRef = paymentMethodRef.String
	txn.HoldID = holdID.String
	txn.ProviderTransferRef = providerRef.String
	txn.FailureReason = failureReason.String
	if deadline.Valid {
		t := deadline.Time
		txn.ConfirmationDeadline = &t
	}
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &txn.MetaData); err != nil {
			return nil, err
		}
	}
	return txn, nil
}

func (d Datasource) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE transaction_id = $1
	`, id)

	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transaction with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transaction", err)
	}
	return txn, nil
}

func (d Datasource) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*model.Transaction, error) {
	ctx, span := otel.Tracer("Recharge transaction").Start(ctx, "Getting transaction from db by idempotency key")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE idempotency_key = $1
	`, key)

	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transaction", err)
	}
	return txn, nil
}

// UpdateTransactionStatus is the engine's conditional write. The WHERE
// clause guards on the expected pre-state so concurrent writers resolve
// deterministically: whichever statement lands first wins, the second
// affects zero rows and surfaces as a CONFLICT.
func (d Datasource) UpdateTransactionStatus(ctx context.Context, id string, expected string, next string, fields StatusFields) error {
	if !model.CanTransition(expected, next) {
		return apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("Transition '%s' -> '%s' is not part of the transaction lifecycle", expected, next), nil)
	}

	setClauses := []string{"status = $3"}
	args := []interface{}{id, expected, next}
	idx := 4

	if fields.HoldID != nil {
		setClauses = append(setClauses, fmt.Sprintf("hold_id = $%d", idx))
		args = append(args, *fields.HoldID)
		idx++
	}
	if fields.ProviderTransferRef != nil {
		setClauses = append(setClauses, fmt.Sprintf("provider_transfer_ref = $%d", idx))
		args = append(args, *fields.ProviderTransferRef)
		idx++
	}
	if fields.ConfirmationDeadline != nil {
		setClauses = append(setClauses, fmt.Sprintf("confirmation_deadline = $%d", idx))
		args = append(args, *fields.ConfirmationDeadline)
		idx++
	} else if fields.ClearDeadline {
		setClauses = append(setClauses, "confirmation_deadline = NULL")
	}
	if fields.FailureReason != nil {
		setClauses = append(setClauses, fmt.Sprintf("failure_reason = $%d", idx))
		args = append(args, *fields.FailureReason)
		idx++
	}
	if fields.ManualActionFlag != nil {
		setClauses = append(setClauses, fmt.Sprintf("manual_action_flag = $%d", idx))
		args = append(args, *fields.ManualActionFlag)
		idx++
	}
	if fields.MetaData != nil {
		metaDataJSON, err := json.Marshal(fields.MetaData)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
		}
		setClauses = append(setClauses, fmt.Sprintf("meta_data = $%d", idx))
		args = append(args, metaDataJSON)
		idx++
	}

	query := fmt.Sprintf(`
		UPDATE transactions
		SET %s
		WHERE transaction_id = $1 AND status = $2
	`, strings.Join(setClauses, ", "))

	result, err := d.Conn.ExecContext(ctx, query, args...)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update transaction status", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Transaction '%s' is not in status '%s'", id, expected), nil)
	}
	return nil
}

// ClaimRetry increments retry_count only while the row is still eligible.
// RETURNING hands back the attempt number the caller now owns.
func (d Datasource) ClaimRetry(ctx context.Context, id string, maxRetries int) (int, error) {
	var retryCount int
	err := d.Conn.QueryRowContext(ctx, `
		UPDATE transactions
		SET retry_count = retry_count + 1
		WHERE transaction_id = $1
		  AND status = $2
		  AND manual_action_flag = TRUE
		  AND retry_count < $3
		RETURNING retry_count
	`, id, model.StatusFailed, maxRetries).Scan(&retryCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Transaction '%s' is no longer retryable", id), nil)
		}
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim retry", err)
	}
	return retryCount, nil
}

func (d Datasource) GetExpiredWaitingTransactions(ctx context.Context, before time.Time, limit int) ([]*model.Transaction, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = $1 AND confirmation_deadline < $2
		ORDER BY confirmation_deadline ASC
		LIMIT $3
	`, model.StatusWaitingForBuyer, before, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve expired transactions", err)
	}
	defer rows.Close()

	return collectTransactions(rows)
}

// GetStalledDispatchedTransactions lists PROVIDER_DISPATCHED rows that
// never received a confirmation deadline. Those are crash leftovers from
// between the dispatch transition and the confirmation window.
func (d Datasource) GetStalledDispatchedTransactions(ctx context.Context, before time.Time, limit int) ([]*model.Transaction, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = $1 AND confirmation_deadline IS NULL AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`, model.StatusProviderDispatched, before, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve stalled transactions", err)
	}
	defer rows.Close()

	return collectTransactions(rows)
}

func (d Datasource) GetRetryableTransactions(ctx context.Context, maxRetries int, limit int) ([]*model.Transaction, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = $1 AND manual_action_flag = TRUE AND retry_count < $2
		ORDER BY created_at ASC
		LIMIT $3
	`, model.StatusFailed, maxRetries, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve retryable transactions", err)
	}
	defer rows.Close()

	return collectTransactions(rows)
}

func (d Datasource) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM transactions GROUP BY status
	`)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count transactions", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan status count", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over counts", err)
	}
	return counts, nil
}

func collectTransactions(rows *sql.Rows) ([]*model.Transaction, error) {
	var transactions []*model.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan transaction data", err)
		}
		transactions = append(transactions, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over transactions", err)
	}
	return transactions, nil
}
