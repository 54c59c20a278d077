package payment

import (
	"context"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/hoverpay/topup/internal/apierror"
	"github.com/hoverpay/topup/model"
)

const (
	holdStateHeld     = "HELD"
	holdStateCaptured = "CAPTURED"
	holdStateVoided   = "VOIDED"
)

// SimAuthorizer keeps holds in memory for local runs and tests. A payment
// method ref containing "declined" or "invalid" fails authorization, which
// gives tests a handle on the terminal payment paths.
type SimAuthorizer struct {
	mu    sync.Mutex
	holds map[string]string
}

func NewSimAuthorizer() *SimAuthorizer {
	return &SimAuthorizer{holds: make(map[string]string)}
}

func (s *SimAuthorizer) Authorize(_ context.Context, paymentMethodRef string, _ decimal.Decimal, _ string) (string, error) {
	if strings.Contains(paymentMethodRef, "invalid") {
		return "", apierror.NewAPIError(apierror.ErrPaymentMethodInvalid, "payment method invalid", nil)
	}
	if strings.Contains(paymentMethodRef, "declined") {
		return "", apierror.NewAPIError(apierror.ErrPaymentDeclined, "payment declined", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	holdID := model.GenerateUUIDWithSuffix("hold")
	s.holds[holdID] = holdStateHeld
	return holdID, nil
}

func (s *SimAuthorizer) Capture(_ context.Context, holdID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.holds[holdID] {
	case holdStateHeld:
		s.holds[holdID] = holdStateCaptured
		return nil
	case holdStateCaptured:
		return apierror.NewAPIError(apierror.ErrAlreadyCaptured, "hold already captured", nil)
	default:
		return apierror.NewAPIError(apierror.ErrHoldExpired, "hold not found or expired", nil)
	}
}

func (s *SimAuthorizer) Void(_ context.Context, holdID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.holds[holdID] {
	case holdStateHeld:
		s.holds[holdID] = holdStateVoided
		return nil
	case holdStateCaptured:
		return apierror.NewAPIError(apierror.ErrAlreadyCaptured, "hold already captured", nil)
	default:
		return apierror.NewAPIError(apierror.ErrAlreadyVoided, "hold already voided", nil)
	}
}

// HoldState exposes a hold's state for tests.
func (s *SimAuthorizer) HoldState(holdID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holds[holdID]
}

// HoldStates exposes a copy of every hold's state for tests.
func (s *SimAuthorizer) HoldStates() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := make(map[string]string, len(s.holds))
	for id, state := range s.holds {
		states[id] = state
	}
	return states
}
