/*
Package sqlite provides the durable SQLite-backed implementation of the
ledger storage interfaces.

PURPOSE:
  Implements ledger.Store and ledger.TransferStore. In production the same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

CONDITIONAL APPEND:
  The wallet row update and the transaction insert happen inside one
  database transaction. The UPDATE carries "AND version = ?"; zero affected
  rows means the expected version no longer matches and the whole write
  fails with ledger.ErrStaleVersion. Nothing is ever partially applied.

KEY TABLES:
  wallets:       One row per patient; balance, aggregates, version
  transactions:  Immutable history; the only UPDATE ever issued against it
                 flips a completed payment to 'refunded'

INDEXES:
  - wallets.patient_id UNIQUE: one wallet per patient, first writer wins
  - transactions.idempotency_key UNIQUE: duplicate submissions collapse
  - idx_transactions_wallet: history pagination (hot path)
  - idx_transactions_reference: refund and transfer correlation lookups

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) so readers do not block
  behind the single writer.

MONEY:
  Amounts are stored as decimal strings and parsed with shopspring/decimal.
  No float64 touches balance math.

SEE ALSO:
  - ledger/store.go: Interface contracts
  - ledger/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/clinix/wallet-ledger/ledger"
)

// Store implements ledger.TransferStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ ledger.TransferStore = (*Store)(nil)

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The sqlite3 driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Wallets (one per patient)
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL UNIQUE,
		balance TEXT NOT NULL,
		total_deposits TEXT NOT NULL,
		total_withdrawals TEXT NOT NULL,
		total_payments TEXT NOT NULL,
		total_refunds TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		auto_pay_enabled INTEGER NOT NULL DEFAULT 0,
		low_balance_alert TEXT,
		version INTEGER NOT NULL,
		last_transaction_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		tx_type TEXT NOT NULL,
		status TEXT NOT NULL,
		amount TEXT NOT NULL,
		signed_amount TEXT,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		reference_id TEXT,
		reference_type TEXT,
		payment_method TEXT,
		description TEXT,
		notes TEXT,
		processed_by TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_wallet
		ON transactions(wallet_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_transactions_reference
		ON transactions(wallet_id, reference_id) WHERE reference_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_transactions_idempotency
		ON transactions(idempotency_key) WHERE idempotency_key IS NOT NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// WALLETS
// =============================================================================

// CreateWallet inserts a wallet. On a patient uniqueness conflict the
// existing record is returned: first writer wins, losers get the winner.
func (s *Store) CreateWallet(ctx context.Context, w ledger.Wallet) (ledger.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets
		(id, patient_id, balance, total_deposits, total_withdrawals, total_payments,
		 total_refunds, is_active, auto_pay_enabled, low_balance_alert, version,
		 last_transaction_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.PatientID,
		w.Balance.String(), w.TotalDeposits.String(), w.TotalWithdrawals.String(),
		w.TotalPayments.String(), w.TotalRefunds.String(),
		boolInt(w.IsActive), boolInt(w.AutoPayEnabled), nullDecimal(w.LowBalanceAlert),
		w.Version, nullTime(w.LastTransactionAt),
		formatTime(w.CreatedAt), formatTime(w.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return s.getWalletByPatient(ctx, w.PatientID)
		}
		return ledger.Wallet{}, fmt.Errorf("failed to create wallet: %w", err)
	}
	return w, nil
}

// GetWallet returns a wallet by ID.
func (s *Store) GetWallet(ctx context.Context, id ledger.WalletID) (ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanWallet(s.db.QueryRowContext(ctx,
		walletColumns+" FROM wallets WHERE id = ?", id))
}

// GetWalletByPatient returns a wallet by patient ID.
func (s *Store) GetWalletByPatient(ctx context.Context, patientID ledger.PatientID) (ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getWalletByPatient(ctx, patientID)
}

func (s *Store) getWalletByPatient(ctx context.Context, patientID ledger.PatientID) (ledger.Wallet, error) {
	return s.scanWallet(s.db.QueryRowContext(ctx,
		walletColumns+" FROM wallets WHERE patient_id = ?", patientID))
}

// ListWallets returns all wallets, oldest first.
func (s *Store) ListWallets(ctx context.Context) ([]ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, walletColumns+" FROM wallets ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	defer rows.Close()

	var wallets []ledger.Wallet
	for rows.Next() {
		w, err := s.scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// UpdateWalletMeta writes settings and flags conditionally on version. The
// balance-side columns are deliberately absent from the UPDATE.
func (s *Store) UpdateWalletMeta(ctx context.Context, expectedVersion int64, w ledger.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE wallets
		SET is_active = ?, auto_pay_enabled = ?, low_balance_alert = ?,
		    version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		boolInt(w.IsActive), boolInt(w.AutoPayEnabled), nullDecimal(w.LowBalanceAlert),
		w.Version, formatTime(w.UpdatedAt),
		w.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update wallet settings: %w", err)
	}
	return s.checkConditionalWrite(ctx, s.db, res, w.ID)
}

// =============================================================================
// CONDITIONAL APPEND
// =============================================================================

// Append writes the wallet row and the transaction row in one database
// transaction, or fails entirely.
func (s *Store) Append(ctx context.Context, a ledger.Append) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := s.appendTx(ctx, sqlTx, a); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// AppendTransfer writes both legs atomically: both version checks and both
// inserts inside the same database transaction.
func (s *Store) AppendTransfer(ctx context.Context, out, in ledger.Append) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := s.appendTx(ctx, sqlTx, out); err != nil {
		return err
	}
	if err := s.appendTx(ctx, sqlTx, in); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) appendTx(ctx context.Context, sqlTx *sql.Tx, a ledger.Append) error {
	w := a.Wallet
	res, err := sqlTx.ExecContext(ctx, `
		UPDATE wallets
		SET balance = ?, total_deposits = ?, total_withdrawals = ?,
		    total_payments = ?, total_refunds = ?, version = ?,
		    last_transaction_at = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		w.Balance.String(), w.TotalDeposits.String(), w.TotalWithdrawals.String(),
		w.TotalPayments.String(), w.TotalRefunds.String(), w.Version,
		nullTime(w.LastTransactionAt), formatTime(w.UpdatedAt),
		w.ID, a.ExpectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	if err := s.checkConditionalWrite(ctx, sqlTx, res, w.ID); err != nil {
		return err
	}

	tx := a.Tx
	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO transactions
		(id, wallet_id, tx_type, status, amount, signed_amount, balance_before,
		 balance_after, reference_id, reference_type, payment_method, description,
		 notes, processed_by, idempotency_key, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.WalletID, tx.Type, tx.Status,
		tx.Amount.String(), signedAmount(tx), tx.BalanceBefore.String(), tx.BalanceAfter.String(),
		nullString(tx.ReferenceID), nullString(tx.ReferenceType),
		nullString(string(tx.PaymentMethod)), tx.Description, tx.Notes, tx.ProcessedBy,
		nullString(tx.IdempotencyKey), formatTime(tx.CreatedAt), nullTime(tx.CompletedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}

	if a.MarkRefunded != "" {
		if _, err := sqlTx.ExecContext(ctx,
			`UPDATE transactions SET status = ? WHERE id = ? AND status = ?`,
			ledger.StatusRefunded, a.MarkRefunded, ledger.StatusCompleted,
		); err != nil {
			return fmt.Errorf("failed to mark transaction refunded: %w", err)
		}
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// checkConditionalWrite distinguishes a missing wallet from a version
// mismatch when a conditional UPDATE touched zero rows.
func (s *Store) checkConditionalWrite(ctx context.Context, q querier, res sql.Result, id ledger.WalletID) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	var count int
	if err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM wallets WHERE id = ?", id).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return ledger.ErrWalletNotFound
	}
	return ledger.ErrStaleVersion
}

// =============================================================================
// TRANSACTION READS
// =============================================================================

const txColumns = `SELECT id, wallet_id, tx_type, status, amount, signed_amount,
	balance_before, balance_after, reference_id, reference_type, payment_method,
	description, notes, processed_by, idempotency_key, created_at, completed_at`

const walletColumns = `SELECT id, patient_id, balance, total_deposits,
	total_withdrawals, total_payments, total_refunds, is_active, auto_pay_enabled,
	low_balance_alert, version, last_transaction_at, created_at, updated_at`

// GetTransaction returns a transaction by ID.
func (s *Store) GetTransaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanTransaction(s.db.QueryRowContext(ctx,
		txColumns+" FROM transactions WHERE id = ?", id))
}

// ListTransactions returns a page, newest first.
func (s *Store) ListTransactions(ctx context.Context, walletID ledger.WalletID, limit, offset int) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryTransactions(ctx, txColumns+`
		FROM transactions
		WHERE wallet_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`, walletID, limit, offset)
}

// CountTransactions returns the wallet's total history length.
func (s *Store) CountTransactions(ctx context.Context, walletID ledger.WalletID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM transactions WHERE wallet_id = ?", walletID).Scan(&count)
	return count, err
}

// History returns the full history in creation order, for chain audits.
func (s *Store) History(ctx context.Context, walletID ledger.WalletID) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryTransactions(ctx, txColumns+`
		FROM transactions
		WHERE wallet_id = ?
		ORDER BY created_at ASC, rowid ASC`, walletID)
}

// FindByIdempotencyKey returns the transaction recorded under the key.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanTransaction(s.db.QueryRowContext(ctx,
		txColumns+" FROM transactions WHERE idempotency_key = ?", key))
}

// SumByReference totals completed transactions of a type referencing refID.
// Decimal strings are summed in Go; SQL SUM would coerce to float.
func (s *Store) SumByReference(ctx context.Context, walletID ledger.WalletID, refID string, txType ledger.TransactionType) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT amount FROM transactions
		WHERE wallet_id = ? AND reference_id = ? AND tx_type = ?
		  AND status IN (?, ?)`,
		walletID, refID, txType, ledger.StatusCompleted, ledger.StatusRefunded)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum by reference: %w", err)
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, err
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt amount %q: %w", raw, err)
		}
		sum = sum.Add(amount)
	}
	return sum, rows.Err()
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		tx, err := s.scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// =============================================================================
// ROW SCANNING
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanWallet(row rowScanner) (ledger.Wallet, error) {
	var (
		w                                                 ledger.Wallet
		balance, deposits, withdrawals, payments, refunds string
		isActive, autoPay                                 int
		lowBalance, lastTxAt                              sql.NullString
		createdAt, updatedAt                              string
	)
	err := row.Scan(&w.ID, &w.PatientID, &balance, &deposits, &withdrawals,
		&payments, &refunds, &isActive, &autoPay, &lowBalance, &w.Version,
		&lastTxAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("failed to scan wallet: %w", err)
	}

	if w.Balance, err = decimal.NewFromString(balance); err != nil {
		return ledger.Wallet{}, err
	}
	if w.TotalDeposits, err = decimal.NewFromString(deposits); err != nil {
		return ledger.Wallet{}, err
	}
	if w.TotalWithdrawals, err = decimal.NewFromString(withdrawals); err != nil {
		return ledger.Wallet{}, err
	}
	if w.TotalPayments, err = decimal.NewFromString(payments); err != nil {
		return ledger.Wallet{}, err
	}
	if w.TotalRefunds, err = decimal.NewFromString(refunds); err != nil {
		return ledger.Wallet{}, err
	}
	w.IsActive = isActive != 0
	w.AutoPayEnabled = autoPay != 0
	if lowBalance.Valid {
		threshold, err := decimal.NewFromString(lowBalance.String)
		if err != nil {
			return ledger.Wallet{}, err
		}
		w.LowBalanceAlert = &threshold
	}
	if lastTxAt.Valid {
		t, err := parseTime(lastTxAt.String)
		if err != nil {
			return ledger.Wallet{}, err
		}
		w.LastTransactionAt = &t
	}
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Wallet{}, err
	}
	if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ledger.Wallet{}, err
	}
	return w, nil
}

func (s *Store) scanTransaction(row rowScanner) (ledger.Transaction, error) {
	var (
		tx                             ledger.Transaction
		amount, before, after          string
		signed, refID, refType, method sql.NullString
		idemKey, completedAt           sql.NullString
		createdAt                      string
	)
	err := row.Scan(&tx.ID, &tx.WalletID, &tx.Type, &tx.Status, &amount, &signed,
		&before, &after, &refID, &refType, &method, &tx.Description, &tx.Notes,
		&tx.ProcessedBy, &idemKey, &createdAt, &completedAt)
	if err == sql.ErrNoRows {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("failed to scan transaction: %w", err)
	}

	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return ledger.Transaction{}, err
	}
	if signed.Valid {
		if tx.SignedAmount, err = decimal.NewFromString(signed.String); err != nil {
			return ledger.Transaction{}, err
		}
	}
	if tx.BalanceBefore, err = decimal.NewFromString(before); err != nil {
		return ledger.Transaction{}, err
	}
	if tx.BalanceAfter, err = decimal.NewFromString(after); err != nil {
		return ledger.Transaction{}, err
	}
	tx.ReferenceID = refID.String
	tx.ReferenceType = refType.String
	tx.PaymentMethod = ledger.PaymentMethod(method.String)
	tx.IdempotencyKey = idemKey.String
	if tx.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Transaction{}, err
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return ledger.Transaction{}, err
		}
		tx.CompletedAt = &t
	}
	return tx, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func signedAmount(tx ledger.Transaction) sql.NullString {
	if tx.Type != ledger.TxAdjustment {
		return sql.NullString{}
	}
	return sql.NullString{String: tx.SignedAmount.String(), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
