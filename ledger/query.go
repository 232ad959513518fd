/*
query.go - Read-only access for presentation collaborators

PURPOSE:
  Serves wallet snapshots and paginated transaction history. Exposes only
  terminal transactions; pending rows are an internal processor detail and
  never reach this façade. Reads never block on write paths.

SEE ALSO:
  - store.go: Underlying read operations
  - api/handlers.go: HTTP consumers of this façade
*/
package ledger

import "context"

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Query provides read-only access to ledger state.
type Query struct {
	store Store
}

func NewQuery(store Store) *Query {
	return &Query{store: store}
}

// GetWallet returns the wallet snapshot by ID.
func (q *Query) GetWallet(ctx context.Context, id WalletID) (Wallet, error) {
	return q.store.GetWallet(ctx, id)
}

// GetWalletByPatient returns the wallet snapshot for a patient.
func (q *Query) GetWalletByPatient(ctx context.Context, patientID PatientID) (Wallet, error) {
	return q.store.GetWalletByPatient(ctx, patientID)
}

// TransactionPage is one page of history, newest first.
type TransactionPage struct {
	Transactions []Transaction
	Total        int
	Limit        int
	Offset       int
}

// ListTransactions returns a page of the wallet's history ordered by
// creation descending. Limit is clamped to [1, maxPageSize].
func (q *Query) ListTransactions(ctx context.Context, walletID WalletID, limit, offset int) (TransactionPage, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	// Wallet existence check so a bad ID is a 404, not an empty page.
	if _, err := q.store.GetWallet(ctx, walletID); err != nil {
		return TransactionPage{}, err
	}

	txs, err := q.store.ListTransactions(ctx, walletID, limit, offset)
	if err != nil {
		return TransactionPage{}, err
	}
	total, err := q.store.CountTransactions(ctx, walletID)
	if err != nil {
		return TransactionPage{}, err
	}

	// Pending rows never persist, but filter defensively: the façade's
	// contract is terminal statuses only.
	visible := make([]Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.Status.Terminal() {
			visible = append(visible, tx)
		}
	}

	return TransactionPage{
		Transactions: visible,
		Total:        total,
		Limit:        limit,
		Offset:       offset,
	}, nil
}
