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
package model

import (
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"

	"github.com/hoverpay/topup"
)

// SubmitRecharge is the request body for creating a recharge. Reference
// is the caller-stable idempotency key: retrying a timed-out submit with
// the same reference returns the original transaction.
type SubmitRecharge struct {
	Reference         string                 `json:"reference"`
	BuyerID           string                 `json:"buyer_id"`
	DestinationNumber string                 `json:"destination_number"`
	Amount            float64                `json:"amount"`
	Currency          string                 `json:"currency"`
	PaymentMethod     string                 `json:"payment_method"`
	RegionCode        string                 `json:"region_code"`
	MetaData          map[string]interface{} `json:"meta_data"`
}

func positiveAmountValidation(t *SubmitRecharge) validation.RuleFunc {
	return func(value interface{}) error {
		if t.Amount <= 0 {
			return errors.New("amount must be greater than zero")
		}
		return nil
	}
}

func (t *SubmitRecharge) ValidateSubmitRecharge() error {
	return validation.ValidateStruct(t,
		validation.Field(&t.Reference, validation.Required),
		validation.Field(&t.DestinationNumber, validation.Required),
		validation.Field(&t.Amount, validation.By(positiveAmountValidation(t))),
		validation.Field(&t.Currency, validation.Required, validation.Length(3, 3)),
		validation.Field(&t.PaymentMethod, validation.Required),
	)
}

func (t *SubmitRecharge) ToSubmitRequest() topup.SubmitRequest {
	return topup.SubmitRequest{
		IdempotencyKey:    t.Reference,
		BuyerID:           t.BuyerID,
		DestinationNumber: t.DestinationNumber,
		Amount:            decimal.NewFromFloat(t.Amount),
		Currency:          t.Currency,
		PaymentMethodRef:  t.PaymentMethod,
		RegionCode:        t.RegionCode,
		MetaData:          t.MetaData,
	}
}

// ConfirmReceipt is the request body for a buyer confirmation.
type ConfirmReceipt struct {
	BuyerID string `json:"buyer_id"`
}

// DisputeReceipt is the request body for a buyer dispute.
type DisputeReceipt struct {
	BuyerID string `json:"buyer_id"`
	Reason  string `json:"reason"`
}

func (d *DisputeReceipt) ValidateDisputeReceipt() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.Reason, validation.Required),
	)
}
