/*
store.go - Persistence interface for wallets and their transaction histories

PURPOSE:
  Defines the interface between the ledger core and the database. The Store
  is keyed, durable storage whose single mutation primitive for balances is
  the CONDITIONAL APPEND: write a new transaction row together with the
  wallet's updated aggregates, or fail entirely when the expected version
  no longer matches.

CONDITIONAL APPEND CONTRACT:
  - Append() is the ONLY path that records a transaction
  - The wallet row and the transaction row are written atomically
  - A version mismatch returns ErrStaleVersion; nothing is written
  - An idempotency-key collision returns ErrDuplicateIdempotencyKey

SETTINGS WRITES:
  UpdateWalletMeta() mutates settings (auto-pay, alert threshold, active
  flag) through the same version check so a settings write can never
  clobber a concurrent balance-changing write.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Durable SQLite store
  - ledger/store/memory.go: In-memory store for tests and dev

SEE ALSO:
  - processor.go: The only component issuing Append calls
  - lifecycle.go: Wallet creation and settings updates
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// APPEND - The conditional-append unit of work
// =============================================================================

// Append bundles everything one balance-affecting write must persist
// atomically: the new transaction row and the wallet's updated balance,
// aggregates, and version.
type Append struct {
	// ExpectedVersion is the wallet version the caller computed against.
	// The write fails with ErrStaleVersion if the stored version differs.
	ExpectedVersion int64

	// Tx is the completed transaction to record.
	Tx Transaction

	// Wallet is the full updated wallet row (balance, totals, version,
	// timestamps already advanced).
	Wallet Wallet

	// MarkRefunded, when set, flips the referenced completed transaction's
	// status to StatusRefunded in the same atomic write. This is the only
	// permitted mutation of an existing transaction row.
	MarkRefunded TransactionID
}

// =============================================================================
// STORE - Keyed, atomic persistence
// =============================================================================

// Store handles persistence of wallets and transactions.
// Transactions are append-only: no Update, no Delete. Corrections are made
// via compensating transactions.
type Store interface {
	// CreateWallet inserts a wallet. If a wallet already exists for the same
	// patient, the existing record is returned with no error (first writer
	// wins; losers receive the winner's record).
	CreateWallet(ctx context.Context, w Wallet) (Wallet, error)

	// GetWallet returns the wallet by ID, or ErrWalletNotFound.
	GetWallet(ctx context.Context, id WalletID) (Wallet, error)

	// GetWalletByPatient returns the wallet for a patient, or ErrWalletNotFound.
	GetWalletByPatient(ctx context.Context, patientID PatientID) (Wallet, error)

	// ListWallets returns all wallet snapshots. Used by the audit sweep.
	ListWallets(ctx context.Context) ([]Wallet, error)

	// Append performs the conditional append described above.
	Append(ctx context.Context, a Append) error

	// UpdateWalletMeta writes settings and flags conditionally on version.
	// It never touches Balance, the aggregates, or LastTransactionAt, and
	// records no transaction row.
	UpdateWalletMeta(ctx context.Context, expectedVersion int64, w Wallet) error

	// GetTransaction returns a transaction by ID, or ErrTransactionNotFound.
	GetTransaction(ctx context.Context, id TransactionID) (Transaction, error)

	// ListTransactions returns a page of transactions for a wallet, ordered
	// by creation descending (newest first).
	ListTransactions(ctx context.Context, walletID WalletID, limit, offset int) ([]Transaction, error)

	// CountTransactions returns the total number of transactions for a wallet.
	CountTransactions(ctx context.Context, walletID WalletID) (int, error)

	// History returns all transactions for a wallet in creation order
	// (oldest first). Used by the audit path to verify the chain.
	History(ctx context.Context, walletID WalletID) ([]Transaction, error)

	// FindByIdempotencyKey returns the transaction previously recorded under
	// the key, or ErrTransactionNotFound.
	FindByIdempotencyKey(ctx context.Context, key string) (Transaction, error)

	// SumByReference totals completed transactions of the given type that
	// reference refID on a wallet. Used by the refund policy.
	SumByReference(ctx context.Context, walletID WalletID, refID string, txType TransactionType) (decimal.Decimal, error)
}

// =============================================================================
// TRANSFER STORE - Optional multi-key atomicity capability
// =============================================================================

// TransferStore extends Store with an atomic two-wallet append: both legs of
// a transfer are written, with both version checks, or neither is. Stores
// without this capability force the processor onto its compensating-action
// protocol instead.
type TransferStore interface {
	Store

	// AppendTransfer writes the debit leg and the credit leg atomically.
	// Returns ErrStaleVersion if either wallet's version check fails.
	AppendTransfer(ctx context.Context, out, in Append) error
}
