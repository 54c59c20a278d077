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
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoverpay/topup/config"
	"github.com/hoverpay/topup/database"
	"github.com/hoverpay/topup/internal/apierror"
	"github.com/hoverpay/topup/model"
	"github.com/hoverpay/topup/payment"
	"github.com/hoverpay/topup/provider"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

var txnColumns = []string{
	"transaction_id", "idempotency_key", "buyer_id", "destination_number",
	"requested_amount", "requested_currency", "normalized_amount_usd", "region_code",
	"payment_method_ref", "hold_id", "provider_transfer_ref", "status",
	"confirmation_deadline", "failure_reason", "retry_count", "manual_action_flag",
	"created_at", "meta_data",
}

func transactionRow(id, status, holdID string, deadline interface{}) *sqlmock.Rows {
	return sqlmock.NewRows(txnColumns).AddRow(
		id, "key-"+id, "buyer_1", "+15550001122",
		"25", "USD", "25", "US",
		"pm_card", holdID, "", status,
		deadline, nil, 0, false,
		time.Now(), nil,
	)
}

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock, *payment.SimAuthorizer) {
	t.Helper()

	mr := miniredis.RunT(t)
	config.MockConfig(&config.Configuration{
		DataSource: config.DataSourceConfig{Dns: "postgres://test"},
		Redis:      config.RedisConfig{Dns: mr.Addr()},
	})

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	pay := payment.NewSimAuthorizer()
	queueOptions := asynq.RedisClientOpt{Addr: mr.Addr()}

	engine := &Engine{
		datasource: &database.Datasource{Conn: db},
		provider:   provider.NewSimAdapter(),
		payment:    pay,
		queue:      &Queue{Client: asynq.NewClient(queueOptions), Inspector: asynq.NewInspector(queueOptions)},
		redis:      redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		clock:      &testClock{now: time.Now()},
		normalize:  defaultNormalize,
	}
	return engine, mock, pay
}

func submitRequest(key string) SubmitRequest {
	return SubmitRequest{
		IdempotencyKey:    key,
		BuyerID:           "buyer_1",
		DestinationNumber: "+15550001122",
		Amount:            decimal.NewFromInt(25),
		Currency:          "USD",
		PaymentMethodRef:  "pm_card",
	}
}

func TestSubmitRecharge(t *testing.T) {
	engine, mock, pay := newTestEngine(t)

	mock.ExpectQuery("SELECT .* FROM transactions WHERE idempotency_key").
		WithArgs("key-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO transactions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE transactions SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	txn, err := engine.SubmitRecharge(context.Background(), submitRequest("key-1"))
	assert.NoError(t, err)
	assert.Equal(t, model.StatusAuthorized, txn.Status)
	assert.NotEmpty(t, txn.HoldID)
	assert.Equal(t, "HELD", pay.HoldState(txn.HoldID))
	assert.Equal(t, "25", txn.NormalizedAmountUSD.String())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSubmitRechargeIdempotentReplay(t *testing.T) {
	engine, mock, _ := newTestEngine(t)

	mock.ExpectQuery("SELECT .* FROM transactions WHERE idempotency_key").
		WithArgs("key-rtx_9").
		WillReturnRows(transactionRow("rtx_9", model.StatusWaitingForBuyer, "hold_9", time.Now().Add(time.Minute)))

	txn, err := engine.SubmitRecharge(context.Background(), submitRequest("key-rtx_9"))
	assert.NoError(t, err)
	assert.Equal(t, "rtx_9", txn.TransactionID)
	assert.Equal(t, model.StatusWaitingForBuyer, txn.Status)

	// No insert, no hold, no dispatch: the original transaction is the
	// whole answer.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSubmitRechargeDeclined(t *testing.T) {
	engine, mock, _ := newTestEngine(t)

	mock.ExpectQuery("SELECT .* FROM transactions WHERE idempotency_key").
		WithArgs("key-2").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO transactions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE transactions SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := submitRequest("key-2")
	req.PaymentMethodRef = "pm_declined"

	_, err := engine.SubmitRecharge(context.Background(), req)
	assert.Error(t, err)
	assert.Equal(t, apierror.ErrPaymentDeclined, apierror.CodeOf(err))
}

func TestSubmitRechargeValidation(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	req := submitRequest("key-3")
	req.Amount = decimal.NewFromInt(-5)
	_, err := engine.SubmitRecharge(context.Background(), req)
	assert.Equal(t, apierror.ErrValidation, apierror.CodeOf(err))

	req = submitRequest("")
	_, err = engine.SubmitRecharge(context.Background(), req)
	assert.Equal(t, apierror.ErrValidation, apierror.CodeOf(err))

	req = submitRequest("key-4")
	req.Currency = "XXX"
	_, err = engine.SubmitRecharge(context.Background(), req)
	assert.Equal(t, apierror.ErrValidation, apierror.CodeOf(err))
}

func TestDispatchTransaction(t *testing.T) {
	engine, mock, _ := newTestEngine(t)

	mock.ExpectQuery("SELECT .* FROM transactions WHERE transaction_id").
		WithArgs("rtx_1").
		WillReturnRows(transactionRow("rtx_1", model.StatusAuthorized, "hold_1", nil))
	mock.ExpectExec("UPDATE transactions SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE transactions SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := engine.DispatchTransaction(context.Background(), "rtx_1")
	assert.NoError(t, err)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestDispatchTransactionResumesStrandedRow(t *testing.T) {
	engine, mock, _ := newTestEngine(t)

	// A PROVIDER_DISPATCHED row with no deadline is what a crash between
	// the dispatch transition and the confirmation window leaves behind.
	mock.ExpectQuery("SELECT .* FROM transactions WHERE transaction_id").
		WithArgs("rtx_1").
		WillReturnRows(transactionRow("rtx_1", model.StatusProviderDispatched, "hold_1", nil))
	mock.ExpectExec("UPDATE transactions SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := engine.DispatchTransaction(context.Background(), "rtx_1")
	assert.NoError(t, err)

	// Exactly one write: straight to WAITING_FOR_BUYER with a fresh
	// deadline, no second dispatch transition.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSubmitRechargeVoidsHoldWhenAuthorizeTransitionFails(t *testing.T) {
	engine, mock, pay := newTestEngine(t)

	mock.ExpectQuery("SELECT .* FROM transactions WHERE idempotency_key").
		WithArgs("key-7").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO transactions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE transactions SET status").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectExec("UPDATE transactions SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := engine.SubmitRecharge(context.Background(), submitRequest("key-7"))
	assert.Error(t, err)

	// The hold was placed but the row could not be advanced; it must not
	// stay outstanding.
	states := pay.HoldStates()
	require.Len(t, states, 1)
	for _, state := range states {
		assert.Equal(t, "VOIDED", state)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestDispatchTransactionSkipsResolved(t *testing.T) {
	engine, mock, _ := newTestEngine(t)

	mock.ExpectQuery("SELECT .* FROM transactions WHERE transaction_id").
		WithArgs("rtx_1").
		WillReturnRows(transactionRow("rtx_1", model.StatusWaitingForBuyer, "hold_1", time.Now().Add(time.Minute)))

	err := engine.DispatchTransaction(context.Background(), "rtx_1")
	assert.NoError(t, err)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestConfirmReceipt(t *testing.T) {
	engine, mock, pay := newTestEngine(t)

	holdID, err := pay.Authorize(context.Background(), "pm_card", decimal.NewFromInt(25), "USD")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT .* FROM transactions WHERE transaction_id").
		WithArgs("rtx_1").
		WillReturnRows(transactionRow("rtx_1", model.StatusWaitingForBuyer, holdID, time.Now().Add(time.Minute)))
	mock.ExpectExec("UPDATE transactions SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	txn, err := engine.ConfirmReceipt(context.Background(), "rtx_1", "buyer_1")
	assert.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, txn.Status)
	assert.Nil(t, txn.ConfirmationDeadline)
	assert.Equal(t, "buyer", txn.MetaData["confirmed_by"])
	assert.Equal(t, "CAPTURED", pay.HoldState(holdID))
}

func TestConfirmReceiptLosesRace(t *testing.T) {
	engine, mock, pay := newTestEngine(t)

	holdID, err := pay.Authorize(context.Background(), "pm_card", decimal.NewFromInt(25), "USD")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT .* FROM transactions WHERE transaction_id").
		WithArgs("rtx_1").
		WillReturnRows(transactionRow("rtx_1", model.StatusWaitingForBuyer, holdID, time.Now().Add(time.Minute)))
	mock.ExpectExec("UPDATE transactions SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err = engine.ConfirmReceipt(context.Background(), "rtx_1", "buyer_1")
	assert.Error(t, err)
	assert.Equal(t, apierror.ErrConflict, apierror.CodeOf(err))

	// Losing the conditional write means the other path owns settlement;
	// no capture happens here.
	assert.Equal(t, "HELD", pay.HoldState(holdID))
}

func TestConfirmReceiptWrongBuyer(t *testing.T) {
	engine, mock, _ := newTestEngine(t)

	mock.ExpectQuery("SELECT .* FROM transactions WHERE transaction_id").
		WithArgs("rtx_1").
		WillReturnRows(transactionRow("rtx_1", model.StatusWaitingForBuyer, "hold_1", time.Now().Add(time.Minute)))

	_, err := engine.ConfirmReceipt(context.Background(), "rtx_1", "buyer_2")
	assert.Error(t, err)
	assert.Equal(t, apierror.ErrForbidden, apierror.CodeOf(err))
}

func TestConfirmReceiptAlreadyResolved(t *testing.T) {
	engine, mock, _ := newTestEngine(t)

	mock.ExpectQuery("SELECT .* FROM transactions WHERE transaction_id").
		WithArgs("rtx_1").
		WillReturnRows(transactionRow("rtx_1", model.StatusCompleted, "hold_1", nil))

	_, err := engine.ConfirmReceipt(context.Background(), "rtx_1", "buyer_1")
	assert.Error(t, err)
	assert.Equal(t, apierror.ErrConflict, apierror.CodeOf(err))
}

func TestDisputeReceiptVoidsHold(t *testing.T) {
	engine, mock, pay := newTestEngine(t)

	holdID, err := pay.Authorize(context.Background(), "pm_card", decimal.NewFromInt(25), "USD")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT .* FROM transactions WHERE transaction_id").
		WithArgs("rtx_1").
		WillReturnRows(transactionRow("rtx_1", model.StatusWaitingForBuyer, holdID, time.Now().Add(time.Minute)))
	mock.ExpectExec("UPDATE transactions SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	txn, err := engine.DisputeReceipt(context.Background(), "rtx_1", "buyer_1", "never arrived")
	assert.NoError(t, err)
	assert.Equal(t, model.StatusDisputed, txn.Status)
	assert.Equal(t, "never arrived", txn.MetaData["dispute_reason"])

	// A disputed hold is voided, never captured.
	assert.Equal(t, "VOIDED", pay.HoldState(holdID))
}

func TestRetryTransactionSuccess(t *testing.T) {
	engine, mock, pay := newTestEngine(t)

	holdID, err := pay.Authorize(context.Background(), "pm_card", decimal.NewFromInt(25), "USD")
	require.NoError(t, err)

	txn := &model.Transaction{
		TransactionID:       "rtx_1",
		IdempotencyKey:      "key-rtx_1",
		DestinationNumber:   "+15550001122",
		RequestedAmount:     decimal.NewFromInt(25),
		RequestedCurrency:   "USD",
		NormalizedAmountUSD: decimal.NewFromInt(25),
		RegionCode:          "US",
		HoldID:              holdID,
		Status:              model.StatusFailed,
		ManualActionFlag:    true,
	}

	mock.ExpectQuery("UPDATE transactions SET retry_count").
		WithArgs("rtx_1", model.StatusFailed, 3).
		WillReturnRows(sqlmock.NewRows([]string{"retry_count"}).AddRow(1))
	mock.ExpectExec("UPDATE transactions SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE transactions SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = engine.RetryTransaction(context.Background(), txn, 3)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, txn.Status)
	assert.Equal(t, "CAPTURED", pay.HoldState(holdID))

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestRetryTransactionAlreadyClaimed(t *testing.T) {
	engine, mock, pay := newTestEngine(t)

	holdID, err := pay.Authorize(context.Background(), "pm_card", decimal.NewFromInt(25), "USD")
	require.NoError(t, err)

	txn := &model.Transaction{
		TransactionID:     "rtx_1",
		IdempotencyKey:    "key-rtx_1",
		DestinationNumber: "+15550001122",
		RequestedAmount:   decimal.NewFromInt(25),
		RequestedCurrency: "USD",
		RegionCode:        "US",
		HoldID:            holdID,
		Status:            model.StatusFailed,
		ManualActionFlag:  true,
	}

	mock.ExpectQuery("UPDATE transactions SET retry_count").
		WithArgs("rtx_1", model.StatusFailed, 3).
		WillReturnError(sql.ErrNoRows)

	// Another coordinator instance owns this attempt; nothing happens.
	err = engine.RetryTransaction(context.Background(), txn, 3)
	assert.NoError(t, err)
	assert.Equal(t, "HELD", pay.HoldState(holdID))

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}
