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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoverpay/topup/config"
	"github.com/hoverpay/topup/model"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	config.MockConfig(&config.Configuration{
		DataSource: config.DataSourceConfig{Dns: "postgres://test"},
		Redis:      config.RedisConfig{Dns: mr.Addr()},
	})
	queueOptions := asynq.RedisClientOpt{Addr: mr.Addr()}
	return &Queue{Client: asynq.NewClient(queueOptions), Inspector: asynq.NewInspector(queueOptions)}
}

func TestEnqueueDispatch(t *testing.T) {
	q := newTestQueue(t)

	transaction := &model.Transaction{
		TransactionID:     "rtx_queue_1",
		IdempotencyKey:    "key-queue-1",
		DestinationNumber: gofakeit.Phone(),
		RequestedAmount:   decimal.NewFromInt(25),
		RequestedCurrency: "USD",
		Status:            model.StatusAuthorized,
		CreatedAt:         time.Now(),
	}

	err := q.EnqueueDispatch(context.Background(), transaction)
	assert.NoError(t, err)

	cnf, err := config.Fetch()
	require.NoError(t, err)
	queueIndex := hashDestination(transaction.DestinationNumber) % cnf.Queue.NumberOfQueues
	queueName := fmt.Sprintf("%s_%d", cnf.Queue.DispatchQueue, queueIndex+1)

	task, err := q.Inspector.GetTaskInfo(queueName, transaction.TransactionID)
	assert.NoError(t, err)
	assert.Equal(t, transaction.TransactionID, task.ID)
}

func TestEnqueueDispatchDeduplicates(t *testing.T) {
	q := newTestQueue(t)

	transaction := &model.Transaction{
		TransactionID:     "rtx_queue_2",
		IdempotencyKey:    "key-queue-2",
		DestinationNumber: "+15550001122",
		RequestedAmount:   decimal.NewFromInt(25),
		RequestedCurrency: "USD",
		Status:            model.StatusAuthorized,
		CreatedAt:         time.Now(),
	}

	err := q.EnqueueDispatch(context.Background(), transaction)
	assert.NoError(t, err)

	// The task ID is the transaction ID, so re-enqueueing the same
	// transaction is rejected rather than duplicated.
	err = q.EnqueueDispatch(context.Background(), transaction)
	assert.Error(t, err)
}

func TestDestinationHashingIsStable(t *testing.T) {
	first := hashDestination("+15550001122")
	second := hashDestination("+15550001122")
	assert.Equal(t, first, second)
	assert.GreaterOrEqual(t, first, 0)
}
