package model

const (
	StatusCreated            = "CREATED"
	StatusAuthorized         = "AUTHORIZED"
	StatusProviderDispatched = "PROVIDER_DISPATCHED"
	StatusWaitingForBuyer    = "WAITING_FOR_BUYER"
	StatusCompleted          = "COMPLETED"
	StatusDisputed           = "DISPUTED"
	StatusFailed             = "FAILED"
)

// allowedTransitions is the full lifecycle of a recharge transaction.
// FAILED -> PROVIDER_DISPATCHED is the retry path; COMPLETED and DISPUTED
// are terminal.
var allowedTransitions = map[string][]string{
	StatusCreated:            {StatusAuthorized, StatusFailed},
	StatusAuthorized:         {StatusProviderDispatched, StatusFailed},
	StatusProviderDispatched: {StatusWaitingForBuyer, StatusCompleted, StatusFailed},
	StatusWaitingForBuyer:    {StatusCompleted, StatusDisputed},
	StatusFailed:             {StatusProviderDispatched},
}

// CanTransition reports whether moving a transaction from one status to
// another is a lifecycle-defined transition.
func CanTransition(from, to string) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status admits no further transitions without
// operator intervention.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusDisputed
}
