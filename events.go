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

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/hoverpay/topup/model"
)

// BuyerEvent is the message fanned out to a buyer's live sessions when a
// transaction resolves. Delivery is at-most-once: a session that is not
// subscribed when the event fires reads the final state from the ledger
// instead.
type BuyerEvent struct {
	TransactionID string `json:"transaction_id"`
	Event         string `json:"event"`
	Status        string `json:"status"`
	Detail        string `json:"detail,omitempty"`
	LoyaltyPoints int64  `json:"loyalty_points,omitempty"`
}

func buyerChannel(transactionID string) string {
	return fmt.Sprintf("buyer-events:%s", transactionID)
}

// publishBuyerEvent pushes a resolution event to the transaction's pub/sub
// channel. Publish failures are logged, never propagated: the ledger row
// is the source of truth and the UI can always poll it.
func (e *Engine) publishBuyerEvent(ctx context.Context, transaction *model.Transaction, event, detail string) {
	msg := BuyerEvent{
		TransactionID: transaction.TransactionID,
		Event:         event,
		Status:        transaction.Status,
		Detail:        detail,
	}
	if transaction.Status == model.StatusCompleted {
		msg.LoyaltyPoints = transaction.LoyaltyPoints()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		logrus.Error("marshal buyer event: ", err)
		return
	}

	if err := e.redis.Publish(ctx, buyerChannel(transaction.TransactionID), payload).Err(); err != nil {
		logrus.WithFields(logrus.Fields{
			"transaction_id": transaction.TransactionID,
			"event":          event,
		}).Warn("buyer event publish failed: ", err)
	}
}

// SubscribeBuyerEvents opens a live subscription for one transaction's
// resolution events. The caller owns the returned PubSub and must close
// it when the session ends.
func (e *Engine) SubscribeBuyerEvents(ctx context.Context, transactionID string) *redis.PubSub {
	return e.redis.Subscribe(ctx, buyerChannel(transactionID))
}
