package payment

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hoverpay/topup/config"
	"github.com/hoverpay/topup/internal/apierror"
	"github.com/hoverpay/topup/internal/request"
)

// HTTPAuthorizer drives the payment service's create-hold, capture and
// void endpoints, keyed by hold identifier.
type HTTPAuthorizer struct {
	baseURL string
	apiKey  string
	timeout time.Duration
}

func NewHTTPAuthorizer(cnf *config.Configuration) *HTTPAuthorizer {
	return &HTTPAuthorizer{
		baseURL: cnf.Payment.Url,
		apiKey:  cnf.Payment.ApiKey,
		timeout: cnf.PaymentTimeout(),
	}
}

type holdResponse struct {
	HoldID string `json:"hold_id"`
	State  string `json:"state"`
	Reason string `json:"reason"`
}

func (a *HTTPAuthorizer) call(ctx context.Context, method, path string, body interface{}) (*holdResponse, int, error) {
	var req *http.Request
	var err error
	if body != nil {
		payload, jsonErr := request.ToJsonReq(body)
		if jsonErr != nil {
			return nil, 0, jsonErr
		}
		req, err = http.NewRequestWithContext(ctx, method, a.baseURL+path, payload)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, a.baseURL+path, nil)
	}
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	var response holdResponse
	resp, err := request.CallWithTimeout(req, &response, a.timeout)
	if err != nil {
		return nil, 0, apierror.NewAPIError(apierror.ErrInternalServer, "payment service unreachable", err)
	}
	return &response, resp.StatusCode, nil
}

func (a *HTTPAuthorizer) Authorize(ctx context.Context, paymentMethodRef string, amount decimal.Decimal, currency string) (string, error) {
	response, status, err := a.call(ctx, http.MethodPost, "/holds", map[string]interface{}{
		"payment_method_ref": paymentMethodRef,
		"amount":             amount,
		"currency":           currency,
	})
	if err != nil {
		return "", err
	}

	switch {
	case status == http.StatusUnprocessableEntity:
		return "", apierror.NewAPIError(apierror.ErrPaymentMethodInvalid, "payment method invalid", response.Reason)
	case status == http.StatusPaymentRequired || status == http.StatusForbidden:
		return "", apierror.NewAPIError(apierror.ErrPaymentDeclined, "payment declined", response.Reason)
	case status >= 400:
		return "", apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("hold creation failed with status %d", status), response.Reason)
	}
	return response.HoldID, nil
}

func (a *HTTPAuthorizer) Capture(ctx context.Context, holdID string) error {
	response, status, err := a.call(ctx, http.MethodPost, "/holds/"+url.PathEscape(holdID)+"/capture", nil)
	if err != nil {
		return err
	}

	switch {
	case status == http.StatusGone:
		return apierror.NewAPIError(apierror.ErrHoldExpired, "hold expired before capture", response.Reason)
	case status == http.StatusConflict:
		return apierror.NewAPIError(apierror.ErrAlreadyCaptured, "hold already captured", response.Reason)
	case status >= 400:
		return apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("capture failed with status %d", status), response.Reason)
	}
	return nil
}

func (a *HTTPAuthorizer) Void(ctx context.Context, holdID string) error {
	response, status, err := a.call(ctx, http.MethodPost, "/holds/"+url.PathEscape(holdID)+"/void", nil)
	if err != nil {
		return err
	}

	switch {
	case status == http.StatusConflict && response.State == "CAPTURED":
		return apierror.NewAPIError(apierror.ErrAlreadyCaptured, "hold already captured", response.Reason)
	case status == http.StatusConflict:
		return apierror.NewAPIError(apierror.ErrAlreadyVoided, "hold already voided", response.Reason)
	case status >= 400:
		return apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("void failed with status %d", status), response.Reason)
	}
	return nil
}
