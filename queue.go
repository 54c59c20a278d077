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
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"

	"github.com/hibiken/asynq"

	"github.com/hoverpay/topup/config"
	redis_db "github.com/hoverpay/topup/internal/redis-db"
	"github.com/hoverpay/topup/model"
)

// Queue hands dispatch work to background workers over redis.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// DispatchTaskPayload identifies the transaction a dispatch task operates
// on. The worker reloads the row from the ledger, so the payload carries
// nothing that could go stale.
type DispatchTaskPayload struct {
	TransactionID string `json:"transaction_id"`
}

func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	return &Queue{
		Client:    asynq.NewClient(queueOptions),
		Inspector: asynq.NewInspector(queueOptions),
	}
}

// EnqueueDispatch queues the provider-dispatch step for a transaction.
// The task ID is the transaction ID, so a replayed submission can never
// produce a second dispatch task. Tasks for the same destination number
// hash to the same queue, keeping retries for one handset serial.
func (q *Queue) EnqueueDispatch(ctx context.Context, transaction *model.Transaction) error {
	cnf, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(DispatchTaskPayload{TransactionID: transaction.TransactionID})
	if err != nil {
		return err
	}

	queueIndex := hashDestination(transaction.DestinationNumber) % cnf.Queue.NumberOfQueues
	queueName := fmt.Sprintf("%s_%d", cnf.Queue.DispatchQueue, queueIndex+1)

	taskOptions := []asynq.Option{asynq.TaskID(transaction.TransactionID), asynq.Queue(queueName)}
	task := asynq.NewTask(queueName, payload, taskOptions...)

	info, err := q.Client.EnqueueContext(ctx, task, asynq.MaxRetry(0))
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued dispatch: %+v", transaction.TransactionID)
	return nil
}

func hashDestination(destination string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(destination))
	return int(hasher.Sum32())
}
