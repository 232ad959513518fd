/*
Package ledger implements the patient wallet ledger core.

PURPOSE:
  This package contains the domain types and algorithms for maintaining a
  per-patient running balance fed by typed transactions. The wallet's balance
  is always reconstructible from its transaction history, and every mutation
  flows through a single conditional-append primitive.

KEY CONCEPTS IN THIS FILE (types.go):
  - Wallet: the per-patient balance-holding record
  - Transaction: one immutable, typed, balance-affecting event
  - Chain rule: each transaction's BalanceBefore equals the previous
    transaction's BalanceAfter; the first starts at zero

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified, only compensated
  2. Precision: Uses decimal.Decimal to avoid floating-point drift
  3. Type Safety: Strong typing for IDs prevents mixing wallet/patient IDs
  4. Auditability: Every transaction carries balance snapshots, a reference,
     and an idempotency key

SEE ALSO:
  - store.go: Conditional-append persistence interface
  - processor.go: The state machine applying transactions
  - errors.go: Error taxonomy
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type WalletID string
type PatientID string
type TransactionID string

// =============================================================================
// TRANSACTION - Atomic change to a wallet balance
// =============================================================================

type TransactionType string

const (
	TxDeposit     TransactionType = "deposit"      // Credit: funds added by the patient
	TxWithdrawal  TransactionType = "withdrawal"   // Debit: funds returned to the patient
	TxPayment     TransactionType = "payment"      // Debit: funds applied to a bill
	TxRefund      TransactionType = "refund"       // Credit: reverses a prior payment/withdrawal
	TxAdjustment  TransactionType = "adjustment"   // Signed: administrative correction
	TxTransferIn  TransactionType = "transfer_in"  // Credit leg of a wallet-to-wallet transfer
	TxTransferOut TransactionType = "transfer_out" // Debit leg of a wallet-to-wallet transfer
)

// Credits returns true if the type increases the balance.
// Adjustments are signed and return false from both Credits and Debits.
func (t TransactionType) Credits() bool {
	return t == TxDeposit || t == TxRefund || t == TxTransferIn
}

// Debits returns true if the type decreases the balance.
func (t TransactionType) Debits() bool {
	return t == TxWithdrawal || t == TxPayment || t == TxTransferOut
}

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
	StatusCancelled TransactionStatus = "cancelled"
	StatusRefunded  TransactionStatus = "refunded" // A completed payment later refunded
)

// Terminal returns true for statuses visible outside the processor.
func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled || s == StatusRefunded
}

type PaymentMethod string

const (
	MethodCash     PaymentMethod = "cash"
	MethodCard     PaymentMethod = "card"
	MethodCheck    PaymentMethod = "check"
	MethodTransfer PaymentMethod = "bank_transfer"
)

// Transaction is one immutable entry in a wallet's history.
//
// INVARIANTS:
//   - Append-only: never updated after completion, with one exception -
//     a completed payment may later be marked StatusRefunded when a Refund
//     transaction references it. The refund itself is a new entry.
//   - Chain rule: BalanceBefore equals the previous completed transaction's
//     BalanceAfter; the first transaction starts from zero.
type Transaction struct {
	ID       TransactionID
	WalletID WalletID
	Type     TransactionType
	Status   TransactionStatus

	// Amount is the positive magnitude of the change. Direction is derived
	// from Type. Adjustments carry the sign in SignedAmount instead.
	Amount decimal.Decimal

	// SignedAmount is set for adjustments only: the actual delta applied,
	// which may be negative.
	SignedAmount decimal.Decimal

	// Balance snapshots fixed at completion time.
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal

	// Optional link to an external billing/insurance record, or to the
	// original transaction for refunds, or the correlation ID shared by the
	// two legs of a transfer.
	ReferenceID   string
	ReferenceType string

	PaymentMethod  PaymentMethod // Meaningful for deposits/withdrawals only
	Description    string
	Notes          string
	ProcessedBy    string
	IdempotencyKey string

	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Delta returns the signed balance effect of this transaction.
func (tx Transaction) Delta() decimal.Decimal {
	switch {
	case tx.Type == TxAdjustment:
		return tx.SignedAmount
	case tx.Type.Credits():
		return tx.Amount
	case tx.Type.Debits():
		return tx.Amount.Neg()
	}
	return decimal.Zero
}

// =============================================================================
// WALLET - Per-patient balance record
// =============================================================================

// Wallet holds the settled balance and running aggregates for one patient.
//
// INVARIANT: Balance always equals the BalanceAfter of the most recently
// completed transaction (or zero if none exist). Version increases with
// every conditional write and is the optimistic-concurrency token.
type Wallet struct {
	ID        WalletID
	PatientID PatientID // Immutable, unique per wallet

	Balance decimal.Decimal

	// Monotonically non-decreasing aggregates over completed transactions.
	TotalDeposits    decimal.Decimal
	TotalWithdrawals decimal.Decimal
	TotalPayments    decimal.Decimal
	TotalRefunds     decimal.Decimal

	IsActive        bool
	AutoPayEnabled  bool
	LowBalanceAlert *decimal.Decimal // Threshold; nil means no alert configured

	Version           int64
	LastTransactionAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewWallet creates a zero-balance active wallet for a patient.
func NewWallet(id WalletID, patientID PatientID) Wallet {
	now := time.Now().UTC()
	return Wallet{
		ID:               id,
		PatientID:        patientID,
		Balance:          decimal.Zero,
		TotalDeposits:    decimal.Zero,
		TotalWithdrawals: decimal.Zero,
		TotalPayments:    decimal.Zero,
		TotalRefunds:     decimal.Zero,
		IsActive:         true,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// LowBalance reports whether the balance has dropped below the configured
// alert threshold. Always false when no threshold is set.
func (w Wallet) LowBalance() bool {
	return w.LowBalanceAlert != nil && w.Balance.LessThan(*w.LowBalanceAlert)
}

// applyCompleted folds a completed transaction into the wallet's balance and
// aggregates. Callers must have already validated preconditions.
func (w Wallet) applyCompleted(tx Transaction) Wallet {
	now := tx.CreatedAt
	w.Balance = tx.BalanceAfter
	switch tx.Type {
	case TxDeposit:
		w.TotalDeposits = w.TotalDeposits.Add(tx.Amount)
	case TxWithdrawal:
		w.TotalWithdrawals = w.TotalWithdrawals.Add(tx.Amount)
	case TxPayment:
		w.TotalPayments = w.TotalPayments.Add(tx.Amount)
	case TxRefund:
		w.TotalRefunds = w.TotalRefunds.Add(tx.Amount)
	}
	w.Version++
	w.LastTransactionAt = &now
	w.UpdatedAt = now
	return w
}
