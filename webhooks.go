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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/hoverpay/topup/config"
	redis_db "github.com/hoverpay/topup/internal/redis-db"
)

// Lifecycle events published to buyer sessions and operator webhooks.
const (
	EventTransactionCompleted     = "transaction_completed"
	EventTransactionAutoConfirmed = "transaction_auto_confirmed"
	EventTransactionFailed        = "transaction_failed"
)

// NewWebhook is an operator-facing notification: an event name and the
// transaction it concerns.
type NewWebhook struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"data"`
}

// SendWebhook enqueues a webhook notification task. Delivery is retried
// by the worker; enqueueing is fire-and-forget for callers.
func SendWebhook(newWebhook NewWebhook) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	opts, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return err
	}
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:      opts.Addr,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	})
	defer func() {
		if err := client.Close(); err != nil {
			logrus.Error(err)
		}
	}()

	payload, err := json.Marshal(newWebhook)
	if err != nil {
		return err
	}
	task := asynq.NewTask(conf.Queue.WebhookQueue, payload, asynq.Queue(conf.Queue.WebhookQueue))
	if _, err := client.Enqueue(task); err != nil {
		logrus.Error("enqueue webhook: ", err)
		return err
	}
	return nil
}

// ProcessWebhook delivers a queued webhook notification over HTTP.
func ProcessWebhook(_ context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	if conf.Notification.Webhook.Url == "" {
		return nil
	}
	var payload NewWebhook
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logrus.Errorf("unmarshal webhook payload: %v", err)
		return err
	}
	logrus.Infof("processing webhook: %s", payload.Event)
	return deliverWebhook(conf, payload)
}

func deliverWebhook(conf *config.Configuration, data NewWebhook) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	req, err := http.NewRequest("POST", conf.Notification.Webhook.Url, bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range conf.Notification.Webhook.Headers {
		req.Header.Set(key, value)
	}

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			logrus.Error(err)
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logrus.Warnf("webhook endpoint returned %d for event %s", resp.StatusCode, data.Event)
		return nil
	}

	logrus.Infof("webhook delivered: %s", data.Event)
	return nil
}
