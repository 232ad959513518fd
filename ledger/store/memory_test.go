package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clinix/wallet-ledger/ledger"
	"github.com/clinix/wallet-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func seedWallet(t *testing.T, m *store.Memory, id, patientID string) ledger.Wallet {
	t.Helper()
	w, err := m.CreateWallet(context.Background(), ledger.NewWallet(ledger.WalletID(id), ledger.PatientID(patientID)))
	if err != nil {
		t.Fatalf("CreateWallet failed: %v", err)
	}
	return w
}

// completedTx builds a completed deposit row against the wallet snapshot.
func completedTx(w ledger.Wallet, txID, amount, key string) ledger.Transaction {
	now := time.Now().UTC()
	amt := decimal.RequireFromString(amount)
	return ledger.Transaction{
		ID:             ledger.TransactionID(txID),
		WalletID:       w.ID,
		Type:           ledger.TxDeposit,
		Status:         ledger.StatusCompleted,
		Amount:         amt,
		BalanceBefore:  w.Balance,
		BalanceAfter:   w.Balance.Add(amt),
		IdempotencyKey: key,
		CreatedAt:      now,
		CompletedAt:    &now,
	}
}

func depositAppend(w ledger.Wallet, txID, amount, key string) ledger.Append {
	tx := completedTx(w, txID, amount, key)
	updated := w
	updated.Balance = tx.BalanceAfter
	updated.TotalDeposits = updated.TotalDeposits.Add(tx.Amount)
	updated.Version = w.Version + 1
	return ledger.Append{ExpectedVersion: w.Version, Tx: tx, Wallet: updated}
}

// =============================================================================
// WALLET TESTS
// =============================================================================

func TestMemory_CreateWallet_FirstWriterWins(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	first, err := m.CreateWallet(ctx, ledger.NewWallet("w-1", "patient-1"))
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	// A racing creator with a different wallet ID gets the winner's record.
	second, err := m.CreateWallet(ctx, ledger.NewWallet("w-other", "patient-1"))
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("loser got wallet %s, want winner %s", second.ID, first.ID)
	}

	if _, err := m.GetWallet(ctx, "w-other"); !errors.Is(err, ledger.ErrWalletNotFound) {
		t.Errorf("loser's wallet should not exist, got %v", err)
	}
}

func TestMemory_UpdateWalletMeta(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	w := seedWallet(t, m, "w-1", "patient-1")

	// Put money in first so the balance-preservation rule is observable.
	if err := m.Append(ctx, depositAppend(w, "tx-1", "50", "")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	current, _ := m.GetWallet(ctx, w.ID)

	updated := current
	updated.AutoPayEnabled = true
	updated.Version = current.Version + 1
	// A stale caller must be rejected.
	if err := m.UpdateWalletMeta(ctx, current.Version-1, updated); !errors.Is(err, ledger.ErrStaleVersion) {
		t.Errorf("stale update: got %v, want ErrStaleVersion", err)
	}
	if err := m.UpdateWalletMeta(ctx, current.Version, updated); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	after, err := m.GetWallet(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !after.AutoPayEnabled {
		t.Error("auto-pay flag not applied")
	}
	if !after.Balance.Equal(decimal.RequireFromString("50")) {
		t.Errorf("meta update changed balance to %s", after.Balance)
	}
}

// =============================================================================
// CONDITIONAL APPEND TESTS
// =============================================================================

func TestMemory_Append_StaleVersion(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	w := seedWallet(t, m, "w-1", "patient-1")

	if err := m.Append(ctx, depositAppend(w, "tx-1", "10", "")); err != nil {
		t.Fatalf("first append failed: %v", err)
	}

	// Second append against the now-stale snapshot.
	err := m.Append(ctx, depositAppend(w, "tx-2", "10", ""))
	if !errors.Is(err, ledger.ErrStaleVersion) {
		t.Errorf("got %v, want ErrStaleVersion", err)
	}

	count, _ := m.CountTransactions(ctx, w.ID)
	if count != 1 {
		t.Errorf("transaction count = %d, want 1", count)
	}
}

func TestMemory_Append_DuplicateIdempotencyKey(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	w := seedWallet(t, m, "w-1", "patient-1")

	if err := m.Append(ctx, depositAppend(w, "tx-1", "10", "key-1")); err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	current, _ := m.GetWallet(ctx, w.ID)

	err := m.Append(ctx, depositAppend(current, "tx-2", "10", "key-1"))
	if !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		t.Errorf("got %v, want ErrDuplicateIdempotencyKey", err)
	}

	found, err := m.FindByIdempotencyKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("FindByIdempotencyKey failed: %v", err)
	}
	if found.ID != "tx-1" {
		t.Errorf("key resolves to %s, want tx-1", found.ID)
	}
}

func TestMemory_AppendTransfer_AllOrNothing(t *testing.T) {
	// GIVEN: A valid out leg and an in leg carrying a stale version
	// WHEN: Appending the transfer
	// THEN: Neither leg is written

	m := store.NewMemory()
	ctx := context.Background()
	src := seedWallet(t, m, "w-src", "patient-1")
	dst := seedWallet(t, m, "w-dst", "patient-2")

	out := depositAppend(src, "tx-out", "10", "")
	in := depositAppend(dst, "tx-in", "10", "")
	in.ExpectedVersion = dst.Version + 7 // wrong on purpose

	if err := m.AppendTransfer(ctx, out, in); !errors.Is(err, ledger.ErrStaleVersion) {
		t.Fatalf("got %v, want ErrStaleVersion", err)
	}

	for _, id := range []ledger.WalletID{src.ID, dst.ID} {
		count, _ := m.CountTransactions(ctx, id)
		if count != 0 {
			t.Errorf("wallet %s has %d rows, want 0", id, count)
		}
		w, _ := m.GetWallet(ctx, id)
		if w.Version != 1 {
			t.Errorf("wallet %s version = %d, want 1", id, w.Version)
		}
	}
}

func TestMemory_Append_MarkRefunded(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	w := seedWallet(t, m, "w-1", "patient-1")

	if err := m.Append(ctx, depositAppend(w, "tx-1", "100", "")); err != nil {
		t.Fatal(err)
	}
	current, _ := m.GetWallet(ctx, w.ID)

	refund := depositAppend(current, "tx-refund", "100", "")
	refund.MarkRefunded = "tx-1"
	if err := m.Append(ctx, refund); err != nil {
		t.Fatal(err)
	}

	original, err := m.GetTransaction(ctx, "tx-1")
	if err != nil {
		t.Fatal(err)
	}
	if original.Status != ledger.StatusRefunded {
		t.Errorf("status = %s, want refunded", original.Status)
	}
}

// =============================================================================
// READ TESTS
// =============================================================================

func TestMemory_ListAndHistoryOrdering(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	w := seedWallet(t, m, "w-1", "patient-1")

	ids := []string{"tx-1", "tx-2", "tx-3"}
	current := w
	for _, id := range ids {
		a := depositAppend(current, id, "10", "")
		if err := m.Append(ctx, a); err != nil {
			t.Fatalf("append %s failed: %v", id, err)
		}
		current = a.Wallet
	}

	// History: creation order.
	history, err := m.History(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	for i, id := range ids {
		if string(history[i].ID) != id {
			t.Errorf("history[%d] = %s, want %s", i, history[i].ID, id)
		}
	}

	// List: newest first, offset applied before the page.
	page, err := m.ListTransactions(ctx, w.ID, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "tx-2" || page[1].ID != "tx-1" {
		t.Errorf("unexpected page: %+v", page)
	}
}

func TestMemory_SumByReference(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	w := seedWallet(t, m, "w-1", "patient-1")

	current := w
	for i, amount := range []string{"10", "15"} {
		a := depositAppend(current, "tx-"+string(rune('a'+i)), amount, "")
		a.Tx.Type = ledger.TxRefund
		a.Tx.ReferenceID = "pay-1"
		if err := m.Append(ctx, a); err != nil {
			t.Fatal(err)
		}
		current = a.Wallet
	}

	sum, err := m.SumByReference(ctx, w.ID, "pay-1", ledger.TxRefund)
	if err != nil {
		t.Fatal(err)
	}
	if !sum.Equal(decimal.RequireFromString("25")) {
		t.Errorf("sum = %s, want 25", sum)
	}

	// Other types and references do not leak in.
	sum, err = m.SumByReference(ctx, w.ID, "pay-1", ledger.TxPayment)
	if err != nil {
		t.Fatal(err)
	}
	if !sum.IsZero() {
		t.Errorf("sum = %s, want 0", sum)
	}
}
