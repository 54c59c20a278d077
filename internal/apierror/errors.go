package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrConflict       ErrorCode = "CONFLICT"
	ErrForbidden      ErrorCode = "FORBIDDEN"
	ErrBadRequest     ErrorCode = "BAD_REQUEST"
	ErrValidation     ErrorCode = "VALIDATION_ERROR"
	ErrInternalServer ErrorCode = "INTERNAL_SERVER_ERROR"

	// Payment failures. Both are terminal and surfaced to the buyer
	// immediately at submission time.
	ErrPaymentDeclined      ErrorCode = "PAYMENT_DECLINED"
	ErrPaymentMethodInvalid ErrorCode = "PAYMENT_METHOD_INVALID"
	ErrHoldExpired          ErrorCode = "HOLD_EXPIRED"
	ErrAlreadyCaptured      ErrorCode = "ALREADY_CAPTURED"
	ErrAlreadyVoided        ErrorCode = "ALREADY_VOIDED"

	// Provider failures. Unavailable and timeout are recoverable and
	// queued for retry; an explicit rejection is terminal.
	ErrProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrProviderTimeout     ErrorCode = "PROVIDER_TIMEOUT"
	ErrProviderRejected    ErrorCode = "PROVIDER_REJECTED"

	// ErrManualActionRequired marks a transaction whose retries are
	// exhausted and which now awaits an operator decision.
	ErrManualActionRequired ErrorCode = "MANUAL_ACTION_REQUIRED"
)

type APIError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	if details != nil {
		logrus.Error(details)
	}
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// CodeOf extracts the error code from an error, defaulting to
// INTERNAL_SERVER_ERROR for anything that is not an APIError.
func CodeOf(err error) ErrorCode {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ErrInternalServer
}

// IsRecoverable reports whether a dispatch failure may be retried.
// Transport errors, timeouts and provider 5xx responses are recoverable;
// explicit rejections and payment failures are not.
func IsRecoverable(err error) bool {
	switch CodeOf(err) {
	case ErrProviderUnavailable, ErrProviderTimeout:
		return true
	}
	return false
}

func MapErrorToHTTPStatus(err error) int {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case ErrNotFound:
			return http.StatusNotFound
		case ErrConflict:
			return http.StatusConflict
		case ErrForbidden:
			return http.StatusForbidden
		case ErrBadRequest, ErrValidation, ErrPaymentMethodInvalid:
			return http.StatusBadRequest
		case ErrPaymentDeclined:
			return http.StatusPaymentRequired
		case ErrProviderUnavailable, ErrProviderTimeout:
			return http.StatusServiceUnavailable
		case ErrProviderRejected:
			return http.StatusUnprocessableEntity
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
