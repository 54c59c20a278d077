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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/hoverpay/topup"
	"github.com/hoverpay/topup/config"
	redis_db "github.com/hoverpay/topup/internal/redis-db"
)

// processDispatch handles a queued provider dispatch. Returning an error
// would requeue the task; dispatch failures are classified and persisted
// by the engine instead, so the handler only fails on malformed payloads.
func (b *topupInstance) processDispatch(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("topup.dispatch.worker").Start(ctx, "Process Dispatch From Redis Queue")
	defer span.End()

	var payload topup.DispatchTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return err
	}

	if err := b.engine.DispatchTransaction(ctx, payload.TransactionID); err != nil {
		logrus.Errorf("dispatch %s: %v", payload.TransactionID, err)
		return err
	}

	log.Println(" [*] Dispatch Processed", payload.TransactionID)
	return nil
}

func initializeQueues() map[string]int {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return nil
	}

	queues := make(map[string]int)
	queues[cfg.Queue.WebhookQueue] = 3

	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.DispatchQueue, i)
		queues[queueName] = 1
	}
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency: 1,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(b *topupInstance, mux *asynq.ServeMux) {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return
	}

	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.DispatchQueue, i)
		mux.HandleFunc(queueName, b.processDispatch)
	}

	mux.HandleFunc(cfg.Queue.WebhookQueue, topup.ProcessWebhook)
}

// workerCommands defines the "workers" command: dispatch and webhook
// queue consumers plus the background sweeps (confirmation windows,
// retries, float monitoring).
func workerCommands(b *topupInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start dispatch workers and background sweeps",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			queues := initializeQueues()

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(b, mux)

			go b.engine.StartSweeps(ctx)

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
