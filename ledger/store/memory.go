// Package store provides an in-memory ledger.Store implementation for tests
// and development. It implements the full TransferStore capability.
package store

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/clinix/wallet-ledger/ledger"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	wallets      map[ledger.WalletID]ledger.Wallet
	patients     map[ledger.PatientID]ledger.WalletID
	transactions map[ledger.WalletID][]ledger.Transaction // creation order
	byID         map[ledger.TransactionID]txRef
	idempotency  map[string]ledger.TransactionID
}

var _ ledger.TransferStore = (*Memory)(nil)

type txRef struct {
	walletID ledger.WalletID
	index    int
}

func NewMemory() *Memory {
	return &Memory{
		wallets:      make(map[ledger.WalletID]ledger.Wallet),
		patients:     make(map[ledger.PatientID]ledger.WalletID),
		transactions: make(map[ledger.WalletID][]ledger.Transaction),
		byID:         make(map[ledger.TransactionID]txRef),
		idempotency:  make(map[string]ledger.TransactionID),
	}
}

// =============================================================================
// WALLETS
// =============================================================================

func (m *Memory) CreateWallet(_ context.Context, w ledger.Wallet) (ledger.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// First writer wins: a concurrent creator gets the existing record.
	if existingID, ok := m.patients[w.PatientID]; ok {
		return m.wallets[existingID], nil
	}
	m.wallets[w.ID] = w
	m.patients[w.PatientID] = w.ID
	return w, nil
}

func (m *Memory) GetWallet(_ context.Context, id ledger.WalletID) (ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getWalletLocked(id)
}

func (m *Memory) getWalletLocked(id ledger.WalletID) (ledger.Wallet, error) {
	w, ok := m.wallets[id]
	if !ok {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	return w, nil
}

func (m *Memory) ListWallets(_ context.Context) ([]ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wallets := make([]ledger.Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		wallets = append(wallets, w)
	}
	return wallets, nil
}

func (m *Memory) GetWalletByPatient(_ context.Context, patientID ledger.PatientID) (ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.patients[patientID]
	if !ok {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	return m.wallets[id], nil
}

func (m *Memory) UpdateWalletMeta(_ context.Context, expectedVersion int64, w ledger.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.wallets[w.ID]
	if !ok {
		return ledger.ErrWalletNotFound
	}
	if stored.Version != expectedVersion {
		return ledger.ErrStaleVersion
	}
	// Balance-side fields are owned by Append; keep the stored values.
	w.Balance = stored.Balance
	w.TotalDeposits = stored.TotalDeposits
	w.TotalWithdrawals = stored.TotalWithdrawals
	w.TotalPayments = stored.TotalPayments
	w.TotalRefunds = stored.TotalRefunds
	w.LastTransactionAt = stored.LastTransactionAt
	m.wallets[w.ID] = w
	return nil
}

// =============================================================================
// CONDITIONAL APPEND
// =============================================================================

func (m *Memory) Append(_ context.Context, a ledger.Append) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAppendLocked(a); err != nil {
		return err
	}
	m.appendLocked(a)
	return nil
}

// AppendTransfer writes both legs atomically: all checks first, then both
// writes under the same lock.
func (m *Memory) AppendTransfer(_ context.Context, out, in ledger.Append) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAppendLocked(out); err != nil {
		return err
	}
	if err := m.checkAppendLocked(in); err != nil {
		return err
	}
	m.appendLocked(out)
	m.appendLocked(in)
	return nil
}

func (m *Memory) checkAppendLocked(a ledger.Append) error {
	stored, ok := m.wallets[a.Wallet.ID]
	if !ok {
		return ledger.ErrWalletNotFound
	}
	if stored.Version != a.ExpectedVersion {
		return ledger.ErrStaleVersion
	}
	if a.Tx.IdempotencyKey != "" {
		if _, exists := m.idempotency[a.Tx.IdempotencyKey]; exists {
			return ledger.ErrDuplicateIdempotencyKey
		}
	}
	return nil
}

func (m *Memory) appendLocked(a ledger.Append) {
	walletID := a.Wallet.ID
	m.wallets[walletID] = a.Wallet
	m.transactions[walletID] = append(m.transactions[walletID], a.Tx)
	m.byID[a.Tx.ID] = txRef{walletID: walletID, index: len(m.transactions[walletID]) - 1}
	if a.Tx.IdempotencyKey != "" {
		m.idempotency[a.Tx.IdempotencyKey] = a.Tx.ID
	}
	if a.MarkRefunded != "" {
		if ref, ok := m.byID[a.MarkRefunded]; ok {
			m.transactions[ref.walletID][ref.index].Status = ledger.StatusRefunded
		}
	}
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetTransaction(_ context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.byID[id]
	if !ok {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return m.transactions[ref.walletID][ref.index], nil
}

func (m *Memory) ListTransactions(_ context.Context, walletID ledger.WalletID, limit, offset int) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.transactions[walletID]
	// Newest first: walk the creation-ordered slice backwards.
	result := make([]ledger.Transaction, 0, limit)
	for i := len(all) - 1 - offset; i >= 0 && len(result) < limit; i-- {
		result = append(result, all[i])
	}
	return result, nil
}

func (m *Memory) CountTransactions(_ context.Context, walletID ledger.WalletID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.transactions[walletID]), nil
}

func (m *Memory) History(_ context.Context, walletID ledger.WalletID) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.Transaction, len(m.transactions[walletID]))
	copy(result, m.transactions[walletID])
	return result, nil
}

func (m *Memory) FindByIdempotencyKey(_ context.Context, key string) (ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.idempotency[key]
	if !ok {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	ref := m.byID[id]
	return m.transactions[ref.walletID][ref.index], nil
}

func (m *Memory) SumByReference(_ context.Context, walletID ledger.WalletID, refID string, txType ledger.TransactionType) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := decimal.Zero
	for _, tx := range m.transactions[walletID] {
		if tx.ReferenceID == refID && tx.Type == txType &&
			(tx.Status == ledger.StatusCompleted || tx.Status == ledger.StatusRefunded) {
			sum = sum.Add(tx.Amount)
		}
	}
	return sum, nil
}
