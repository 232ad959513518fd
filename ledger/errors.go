/*
errors.go - Centralized error types for the wallet ledger core

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match sentinels with errors.Is() and extract detail with
  errors.As() on the structured types.

ERROR CATEGORIES:
  1. Validation errors - deterministic, rejected before any store write
  2. Store outcomes - stale version, duplicate idempotency key
  3. Processor outcomes - retries exhausted, transfer compensation

PROPAGATION POLICY:
  Validation errors are never retried. ErrStaleVersion is retried by the
  processor up to a bound, then surfaced as ErrConcurrentModification.
  Duplicate idempotency keys are not errors to end callers: the processor
  resolves them to the previously produced result.

SEE ALSO:
  - processor.go: Retry loop and error mapping
  - api/handlers.go: HTTP status mapping
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrWalletNotFound is returned when a referenced wallet does not exist.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrTransactionNotFound is returned when a referenced transaction does not exist.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrWalletInactive is returned for operations on a deactivated wallet.
	ErrWalletInactive = errors.New("wallet is inactive")

	// ErrInvalidAmount is returned for non-positive or malformed amounts,
	// before any store access.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientBalance is returned when a debit would drive the balance
	// negative. No transaction is recorded, not even as failed.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrStaleVersion is the store-level outcome of a conditional write whose
	// expected version no longer matches. The caller decides whether to retry.
	ErrStaleVersion = errors.New("stale wallet version")

	// ErrConcurrentModification is returned when optimistic-concurrency
	// retries are exhausted. The logical operation is safe to resubmit under
	// the same idempotency key.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateIdempotencyKey is returned by stores when a transaction with
	// the same idempotency key already exists. Expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrSameWalletTransfer is returned when source and destination match.
	ErrSameWalletTransfer = errors.New("cannot transfer to the same wallet")

	// ErrRefundNotRefundable is returned when a refund references something
	// other than a completed payment or withdrawal.
	ErrRefundNotRefundable = errors.New("referenced transaction is not refundable")

	// ErrRefundExceedsOriginal is returned when the refund policy caps
	// cumulative refunds at the referenced transaction's amount.
	ErrRefundExceedsOriginal = errors.New("refund exceeds original amount")

	// ErrTransferStoreRequired is returned when atomic two-leg transfers are
	// requested but the store lacks the TransferStore capability.
	ErrTransferStoreRequired = errors.New("operation requires transfer-capable store")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError reports a balance shortage, including the current
// balance so callers can reconcile their view.
type InsufficientBalanceError struct {
	WalletID  WalletID
	Available decimal.Decimal
	Requested decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s, shortfall %s",
		e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// TransferPartialFailureError reports that the second leg of a transfer failed
// after the first committed, and that the first leg was reversed by a
// compensating adjustment rather than by mutating history.
type TransferPartialFailureError struct {
	CorrelationID  string
	FromWalletID   WalletID
	ToWalletID     WalletID
	CompensationID TransactionID
	Cause          error
}

func (e *TransferPartialFailureError) Error() string {
	return fmt.Sprintf("transfer %s: destination leg failed, source compensated by %s: %v",
		e.CorrelationID, e.CompensationID, e.Cause)
}

func (e *TransferPartialFailureError) Unwrap() error {
	return e.Cause
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStaleVersion) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrWalletInactive) ||
		errors.Is(err, ErrSameWalletTransfer) ||
		errors.Is(err, ErrRefundNotRefundable) ||
		errors.Is(err, ErrRefundExceedsOriginal)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}
