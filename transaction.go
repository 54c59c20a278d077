package topup

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/hoverpay/topup/config"
	"github.com/hoverpay/topup/database"
	"github.com/hoverpay/topup/internal/apierror"
	"github.com/hoverpay/topup/internal/notification"
	"github.com/hoverpay/topup/model"
	"github.com/hoverpay/topup/provider"
)

var tracer = otel.Tracer("Recharge transaction")

func logAndRecordError(span trace.Span, msg string, err error) error {
	span.RecordError(err)
	logrus.Error(msg, err)
	return err
}

// SubmitRequest is the engine's submission input. RegionCode is optional;
// an empty value falls back to the configured default region.
type SubmitRequest struct {
	IdempotencyKey    string
	BuyerID           string
	DestinationNumber string
	Amount            decimal.Decimal
	Currency          string
	PaymentMethodRef  string
	RegionCode        string
	MetaData          map[string]interface{}
}

func (r SubmitRequest) validate() error {
	if r.IdempotencyKey == "" {
		return apierror.NewAPIError(apierror.ErrValidation, "idempotency key is required", nil)
	}
	if r.DestinationNumber == "" {
		return apierror.NewAPIError(apierror.ErrValidation, "destination number is required", nil)
	}
	if !r.Amount.IsPositive() {
		return apierror.NewAPIError(apierror.ErrValidation, "amount must be positive", nil)
	}
	if r.Currency == "" {
		return apierror.NewAPIError(apierror.ErrValidation, "currency is required", nil)
	}
	if r.PaymentMethodRef == "" {
		return apierror.NewAPIError(apierror.ErrValidation, "payment method is required", nil)
	}
	return nil
}

// SubmitRecharge accepts a recharge request, places the payment hold and
// queues the provider dispatch. The buyer-visible outcomes here are only
// "declined outright" or "accepted"; recoverable provider trouble is
// resolved asynchronously and never surfaces as a submission error.
func (e *Engine) SubmitRecharge(ctx context.Context, req SubmitRequest) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Submitting recharge")
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, err
	}

	// Replaying the same idempotency key returns the original transaction
	// without a second hold or dispatch.
	existing, err := e.datasource.GetTransactionByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, logAndRecordError(span, "idempotency lookup error: ", err)
	}
	if existing != nil {
		logrus.Infof("idempotency key replay for transaction %s", existing.TransactionID)
		return existing, nil
	}

	normalized, err := e.normalize(req.Amount, req.Currency)
	if err != nil {
		return nil, err
	}

	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	region := req.RegionCode
	if region == "" {
		region = cnf.Provider.DefaultRegion
	}

	transaction := &model.Transaction{
		TransactionID:       model.GenerateUUIDWithSuffix("rtx"),
		IdempotencyKey:      req.IdempotencyKey,
		BuyerID:             req.BuyerID,
		DestinationNumber:   req.DestinationNumber,
		RequestedAmount:     req.Amount,
		RequestedCurrency:   req.Currency,
		NormalizedAmountUSD: normalized,
		RegionCode:          region,
		PaymentMethodRef:    req.PaymentMethodRef,
		Status:              model.StatusCreated,
		MetaData:            req.MetaData,
		CreatedAt:           e.clock.Now(),
	}

	if _, err := e.datasource.RecordTransaction(ctx, transaction); err != nil {
		// A concurrent submit with the same key may have won the insert.
		// The loser returns the winner's row and never places a hold.
		if winner, lookupErr := e.datasource.GetTransactionByIdempotencyKey(ctx, req.IdempotencyKey); lookupErr == nil && winner != nil {
			return winner, nil
		}
		return nil, logAndRecordError(span, "saving transaction to db error: ", err)
	}

	holdID, err := e.payment.Authorize(ctx, req.PaymentMethodRef, req.Amount, req.Currency)
	if err != nil {
		// No hold was placed, so the row just fails in place.
		reason := err.Error()
		flag := false
		if updateErr := e.datasource.UpdateTransactionStatus(ctx, transaction.TransactionID, model.StatusCreated, model.StatusFailed, database.StatusFields{
			FailureReason:    &reason,
			ManualActionFlag: &flag,
		}); updateErr != nil {
			notification.NotifyError(updateErr)
		}
		return nil, err
	}

	if err := e.datasource.UpdateTransactionStatus(ctx, transaction.TransactionID, model.StatusCreated, model.StatusAuthorized, database.StatusFields{
		HoldID: &holdID,
	}); err != nil {
		// The row could not be advanced, so the hold must not outlive it.
		if voidErr := e.payment.Void(ctx, holdID); voidErr != nil {
			notification.NotifyError(fmt.Errorf("void after authorize transition failure for %s: %w", transaction.TransactionID, voidErr))
		}
		reason := err.Error()
		flag := false
		if failErr := e.datasource.UpdateTransactionStatus(ctx, transaction.TransactionID, model.StatusCreated, model.StatusFailed, database.StatusFields{
			FailureReason:    &reason,
			ManualActionFlag: &flag,
		}); failErr != nil {
			notification.NotifyError(failErr)
		}
		return nil, logAndRecordError(span, "authorize transition error: ", err)
	}
	transaction.Status = model.StatusAuthorized
	transaction.HoldID = holdID

	if err := e.queue.EnqueueDispatch(ctx, transaction); err != nil {
		// The hold is already placed; fall back to dispatching inline so
		// the request is never lost between the ledger and the queue.
		notification.NotifyError(err)
		if dispatchErr := e.DispatchTransaction(ctx, transaction.TransactionID); dispatchErr != nil {
			logrus.Errorf("inline dispatch for %s: %v", transaction.TransactionID, dispatchErr)
		}
		return e.datasource.GetTransaction(ctx, transaction.TransactionID)
	}

	return transaction, nil
}

// DispatchTransaction performs the provider-dispatch step for an
// authorized transaction, and resumes one stranded mid-dispatch by a
// crash. Safe to run more than once: the status guard and the
// provider-side idempotency lookup both collapse duplicates.
func (e *Engine) DispatchTransaction(ctx context.Context, transactionID string) error {
	ctx, span := tracer.Start(ctx, "Dispatching to provider")
	defer span.End()

	transaction, err := e.datasource.GetTransaction(ctx, transactionID)
	if err != nil {
		return logAndRecordError(span, "fetch transaction error: ", err)
	}
	// A PROVIDER_DISPATCHED row with no deadline is a crash leftover from
	// between the dispatch transition and the confirmation window. The
	// provider-side transfer lookup makes re-dispatching it safe.
	resuming := transaction.Status == model.StatusProviderDispatched && transaction.ConfirmationDeadline == nil
	if transaction.Status != model.StatusAuthorized && !resuming {
		logrus.Infof("transaction %s not awaiting dispatch, skipping", transactionID)
		return nil
	}

	result, err := e.dispatchToProvider(ctx, transaction)
	if err != nil {
		return e.handleDispatchFailure(ctx, transaction, transaction.Status, err)
	}

	if !resuming {
		if err := e.datasource.UpdateTransactionStatus(ctx, transaction.TransactionID, model.StatusAuthorized, model.StatusProviderDispatched, database.StatusFields{
			ProviderTransferRef: &result.ProviderRef,
		}); err != nil {
			return logAndRecordError(span, "dispatch transition error: ", err)
		}
	}

	cnf, err := config.Fetch()
	if err != nil {
		return err
	}
	// The confirmation deadline is fixed once, here, and never extended.
	deadline := e.clock.Now().Add(cnf.ConfirmationWindow())
	if err := e.datasource.UpdateTransactionStatus(ctx, transaction.TransactionID, model.StatusProviderDispatched, model.StatusWaitingForBuyer, database.StatusFields{
		ProviderTransferRef:  &result.ProviderRef,
		ConfirmationDeadline: &deadline,
	}); err != nil {
		return logAndRecordError(span, "confirmation window transition error: ", err)
	}

	logrus.WithFields(logrus.Fields{
		"transaction_id": transaction.TransactionID,
		"destination":    model.RedactNumber(transaction.DestinationNumber),
		"deadline":       deadline,
	}).Info("dispatch succeeded, awaiting buyer confirmation")
	return nil
}

// dispatchToProvider picks an offer and issues the provider call with the
// transaction's caller-stable idempotency key.
func (e *Engine) dispatchToProvider(ctx context.Context, transaction *model.Transaction) (*provider.DispatchResult, error) {
	offers, err := e.provider.GetOfferings(ctx, transaction.RegionCode)
	if err != nil {
		return nil, err
	}

	offer := provider.SelectBestOffer(offers, transaction.RequestedAmount, transaction.RequestedCurrency)
	if offer == nil {
		return nil, apierror.NewAPIError(apierror.ErrProviderRejected,
			fmt.Sprintf("no offer available for region '%s'", transaction.RegionCode), nil)
	}

	return e.provider.Dispatch(ctx, provider.DispatchRequest{
		DestinationNumber: transaction.DestinationNumber,
		Amount:            transaction.RequestedAmount,
		Currency:          transaction.RequestedCurrency,
		ProviderSKU:       offer.ProviderSKU,
		IdempotencyKey:    transaction.IdempotencyKey,
		RegionCode:        transaction.RegionCode,
	})
}

// handleDispatchFailure classifies a dispatch error. Recoverable failures
// park the row for the retry coordinator with the hold intact; terminal
// failures void the hold first, so a hold is never left dangling.
func (e *Engine) handleDispatchFailure(ctx context.Context, transaction *model.Transaction, fromStatus string, dispatchErr error) error {
	reason := dispatchErr.Error()

	if apierror.IsRecoverable(dispatchErr) {
		flag := true
		logrus.WithFields(logrus.Fields{
			"transaction_id": transaction.TransactionID,
			"error_code":     apierror.CodeOf(dispatchErr),
		}).Warn("recoverable dispatch failure, queued for retry")
		return e.datasource.UpdateTransactionStatus(ctx, transaction.TransactionID, fromStatus, model.StatusFailed, database.StatusFields{
			FailureReason:    &reason,
			ManualActionFlag: &flag,
		})
	}

	if transaction.HoldID != "" {
		if err := e.payment.Void(ctx, transaction.HoldID); err != nil {
			notification.NotifyError(fmt.Errorf("void after terminal failure for %s: %w", transaction.TransactionID, err))
		}
	}

	flag := false
	transaction.EnsureMetaData()
	transaction.MetaData["terminal_failure"] = string(apierror.CodeOf(dispatchErr))
	if err := e.datasource.UpdateTransactionStatus(ctx, transaction.TransactionID, fromStatus, model.StatusFailed, database.StatusFields{
		FailureReason:    &reason,
		ManualActionFlag: &flag,
		MetaData:         transaction.MetaData,
	}); err != nil {
		return err
	}

	e.publishBuyerEvent(ctx, transaction, EventTransactionFailed, reason)
	if err := SendWebhook(NewWebhook{Event: EventTransactionFailed, Payload: transaction}); err != nil {
		notification.NotifyError(err)
	}
	logrus.WithFields(logrus.Fields{
		"transaction_id": transaction.TransactionID,
		"error_code":     apierror.CodeOf(dispatchErr),
	}).Error("terminal dispatch failure, hold voided")
	return nil
}

// ConfirmReceipt records an explicit buyer confirmation. Exactly one of
// the buyer's request and the deadline sweep can win the conditional
// write; the loser is a no-op.
func (e *Engine) ConfirmReceipt(ctx context.Context, transactionID, buyerID string) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Confirming receipt")
	defer span.End()

	transaction, err := e.datasource.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if err := checkOwnership(transaction, buyerID); err != nil {
		return nil, err
	}
	if transaction.Status != model.StatusWaitingForBuyer {
		return nil, resolutionConflict(transaction.Status)
	}

	return e.completeWaiting(ctx, transaction, false)
}

// DisputeReceipt registers non-receipt. The hold is voided, never
// captured, and the transaction is routed to manual review.
func (e *Engine) DisputeReceipt(ctx context.Context, transactionID, buyerID, reason string) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Disputing receipt")
	defer span.End()

	transaction, err := e.datasource.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if err := checkOwnership(transaction, buyerID); err != nil {
		return nil, err
	}
	if transaction.Status != model.StatusWaitingForBuyer {
		return nil, resolutionConflict(transaction.Status)
	}

	transaction.EnsureMetaData()
	transaction.MetaData["dispute_reason"] = reason
	if err := e.datasource.UpdateTransactionStatus(ctx, transaction.TransactionID, model.StatusWaitingForBuyer, model.StatusDisputed, database.StatusFields{
		ClearDeadline: true,
		MetaData:      transaction.MetaData,
	}); err != nil {
		if apierror.CodeOf(err) == apierror.ErrConflict {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "transaction already resolved", nil)
		}
		return nil, err
	}

	if err := e.payment.Void(ctx, transaction.HoldID); err != nil {
		notification.NotifyError(fmt.Errorf("void after dispute for %s: %w", transaction.TransactionID, err))
	}

	transaction.Status = model.StatusDisputed
	transaction.ConfirmationDeadline = nil
	notification.NotifyOperator("Recharge disputed",
		fmt.Sprintf("Transaction %s disputed by buyer: %s", transaction.TransactionID, reason))

	logrus.WithField("transaction_id", transaction.TransactionID).Info("dispute registered, hold voided")
	return transaction, nil
}

// completeWaiting performs the WAITING_FOR_BUYER -> COMPLETED transition.
// Capture runs only after winning the conditional write, so a capture can
// never follow a dispute and no transaction is captured twice.
func (e *Engine) completeWaiting(ctx context.Context, transaction *model.Transaction, auto bool) (*model.Transaction, error) {
	transaction.EnsureMetaData()
	if auto {
		// Tagged for audit and support visibility: the charge was
		// settled on elapsed time, not an explicit buyer action.
		transaction.MetaData["auto_confirmed"] = true
		transaction.MetaData["settlement"] = "optimistic-auto"
	} else {
		transaction.MetaData["confirmed_by"] = "buyer"
	}
	transaction.MetaData["loyalty_points"] = transaction.LoyaltyPoints()

	if err := e.datasource.UpdateTransactionStatus(ctx, transaction.TransactionID, model.StatusWaitingForBuyer, model.StatusCompleted, database.StatusFields{
		ClearDeadline: true,
		MetaData:      transaction.MetaData,
	}); err != nil {
		if apierror.CodeOf(err) == apierror.ErrConflict {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "transaction already resolved", nil)
		}
		return nil, err
	}

	if err := e.payment.Capture(ctx, transaction.HoldID); err != nil {
		// The row is already COMPLETED; a failed capture needs a human,
		// not a rollback.
		notification.NotifyError(fmt.Errorf("capture for %s: %w", transaction.TransactionID, err))
	}

	transaction.Status = model.StatusCompleted
	transaction.ConfirmationDeadline = nil

	event := EventTransactionCompleted
	detail := ""
	if auto {
		event = EventTransactionAutoConfirmed
		detail = "confirmation window elapsed without a dispute; the hold was captured automatically"
	}
	e.publishBuyerEvent(ctx, transaction, event, detail)
	if err := SendWebhook(NewWebhook{Event: event, Payload: transaction}); err != nil {
		notification.NotifyError(err)
	}

	logrus.WithFields(logrus.Fields{
		"transaction_id": transaction.TransactionID,
		"auto":           auto,
		"loyalty_points": transaction.LoyaltyPoints(),
	}).Info("recharge completed")
	return transaction, nil
}

// RetryTransaction re-attempts a recoverably-failed dispatch. The attempt
// is claimed through an atomic retry-count increment, so two coordinator
// instances can never both own the same attempt.
func (e *Engine) RetryTransaction(ctx context.Context, transaction *model.Transaction, maxRetries int) error {
	ctx, span := tracer.Start(ctx, "Retrying dispatch")
	defer span.End()

	retryCount, err := e.datasource.ClaimRetry(ctx, transaction.TransactionID, maxRetries)
	if err != nil {
		if apierror.CodeOf(err) == apierror.ErrConflict {
			return nil
		}
		return err
	}
	transaction.RetryCount = retryCount

	if err := e.datasource.UpdateTransactionStatus(ctx, transaction.TransactionID, model.StatusFailed, model.StatusProviderDispatched, database.StatusFields{}); err != nil {
		if apierror.CodeOf(err) == apierror.ErrConflict {
			return nil
		}
		return err
	}

	result, err := e.dispatchToProvider(ctx, transaction)
	if err != nil {
		return e.handleRetryFailure(ctx, transaction, maxRetries, err)
	}

	flag := false
	transaction.EnsureMetaData()
	transaction.MetaData["settlement"] = "retry-success"
	transaction.MetaData["loyalty_points"] = transaction.LoyaltyPoints()
	if err := e.datasource.UpdateTransactionStatus(ctx, transaction.TransactionID, model.StatusProviderDispatched, model.StatusCompleted, database.StatusFields{
		ProviderTransferRef: &result.ProviderRef,
		ManualActionFlag:    &flag,
		MetaData:            transaction.MetaData,
	}); err != nil {
		return err
	}

	if err := e.payment.Capture(ctx, transaction.HoldID); err != nil {
		notification.NotifyError(fmt.Errorf("capture after retry for %s: %w", transaction.TransactionID, err))
	}

	transaction.Status = model.StatusCompleted
	e.publishBuyerEvent(ctx, transaction, EventTransactionCompleted, "")
	if err := SendWebhook(NewWebhook{Event: EventTransactionCompleted, Payload: transaction}); err != nil {
		notification.NotifyError(err)
	}
	notification.NotifyOperator("Recharge recovered",
		fmt.Sprintf("Transaction %s completed on retry attempt %d", transaction.TransactionID, retryCount))
	return nil
}

// handleRetryFailure persists the new failure. At the retry cap the row
// stays flagged for manual action and an operator is paged; the engine
// never auto-refunds here, because a hold may already be captured and
// reversal needs a human judgment about partial service.
func (e *Engine) handleRetryFailure(ctx context.Context, transaction *model.Transaction, maxRetries int, dispatchErr error) error {
	reason := dispatchErr.Error()

	if !apierror.IsRecoverable(dispatchErr) {
		return e.handleDispatchFailure(ctx, transaction, model.StatusProviderDispatched, dispatchErr)
	}

	flag := true
	if err := e.datasource.UpdateTransactionStatus(ctx, transaction.TransactionID, model.StatusProviderDispatched, model.StatusFailed, database.StatusFields{
		FailureReason:    &reason,
		ManualActionFlag: &flag,
	}); err != nil {
		return err
	}

	if transaction.RetryCount >= maxRetries {
		notification.NotifyOperator("Recharge needs manual action",
			fmt.Sprintf("Transaction %s exhausted %d retries: %s", transaction.TransactionID, maxRetries, reason))
		transaction.Status = model.StatusFailed
		e.publishBuyerEvent(ctx, transaction, EventTransactionFailed, reason)
		if err := SendWebhook(NewWebhook{Event: EventTransactionFailed, Payload: transaction}); err != nil {
			notification.NotifyError(err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"transaction_id": transaction.TransactionID,
		"retry_count":    transaction.RetryCount,
	}).Warn("retry attempt failed")
	return nil
}

func (e *Engine) GetTransaction(ctx context.Context, transactionID string) (*model.Transaction, error) {
	return e.datasource.GetTransaction(ctx, transactionID)
}

// GetOfferings exposes the cached provider catalog for a region.
func (e *Engine) GetOfferings(ctx context.Context, regionCode string) ([]model.Offer, error) {
	return e.provider.GetOfferings(ctx, regionCode)
}

// resolutionConflict distinguishes a transaction that already reached a
// terminal state from one that simply is not confirmable yet.
func resolutionConflict(status string) error {
	if model.IsTerminal(status) {
		return apierror.NewAPIError(apierror.ErrConflict, "transaction already resolved", nil)
	}
	return apierror.NewAPIError(apierror.ErrConflict, "transaction is not awaiting buyer confirmation", nil)
}

func checkOwnership(transaction *model.Transaction, buyerID string) error {
	// Guest transactions carry no buyer and are resolvable by id alone.
	if transaction.BuyerID != "" && transaction.BuyerID != buyerID {
		return apierror.NewAPIError(apierror.ErrForbidden, "transaction belongs to another buyer", nil)
	}
	return nil
}
