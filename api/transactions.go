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
package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	model2 "github.com/hoverpay/topup/api/model"
	"github.com/hoverpay/topup/internal/apierror"
)

// SubmitRecharge handles the creation of a new recharge transaction.
// The response carries the transaction after the payment hold; provider
// dispatch continues asynchronously.
func (a Api) SubmitRecharge(c *gin.Context) {
	var newRecharge model2.SubmitRecharge
	if err := c.ShouldBindJSON(&newRecharge); err != nil {
		logrus.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}

	if err := newRecharge.ValidateSubmitRecharge(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.engine.SubmitRecharge(c.Request.Context(), newRecharge.ToSubmitRequest())
	if err != nil {
		logrus.Error(err)
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// GetTransaction fetches a transaction by ID.
func (a Api) GetTransaction(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	transaction, err := a.engine.GetTransaction(c.Request.Context(), id)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, transaction)
}

// ConfirmReceipt records a buyer's confirmation that the top-up arrived.
func (a Api) ConfirmReceipt(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	// Guest confirmations carry no body at all.
	var body model2.ConfirmReceipt
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}

	resp, err := a.engine.ConfirmReceipt(c.Request.Context(), id, body.BuyerID)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// DisputeReceipt records a buyer's report of non-receipt.
func (a Api) DisputeReceipt(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	var body model2.DisputeReceipt
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}
	if err := body.ValidateDisputeReceipt(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.engine.DisputeReceipt(c.Request.Context(), id, body.BuyerID, body.Reason)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetOfferings returns the cached provider catalog for a region.
func (a Api) GetOfferings(c *gin.Context) {
	region, passed := c.Params.Get("region")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "region is required. pass region in the route /:region"})
		return
	}

	offers, err := a.engine.GetOfferings(c.Request.Context(), region)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, offers)
}
