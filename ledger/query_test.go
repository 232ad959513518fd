package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clinix/wallet-ledger/ledger"
	"github.com/clinix/wallet-ledger/ledger/store"
)

func TestListTransactions_NewestFirstPagination(t *testing.T) {
	// GIVEN: A wallet with five deposits
	// WHEN: Listing pages of two
	// THEN: Pages come back newest first with the full total on each page

	mem := store.NewMemory()
	p := ledger.NewProcessor(mem, zerolog.Nop())
	q := ledger.NewQuery(mem)
	ctx := context.Background()

	w, err := mem.CreateWallet(ctx, ledger.NewWallet("w-1", "patient-1"))
	if err != nil {
		t.Fatalf("CreateWallet failed: %v", err)
	}
	var last ledger.TransactionID
	for i := 1; i <= 5; i++ {
		res, err := p.Deposit(ctx, ledger.Request{
			WalletID: w.ID,
			Amount:   decimal.NewFromInt(int64(i)),
		})
		if err != nil {
			t.Fatalf("deposit %d failed: %v", i, err)
		}
		last = res.Tx.ID
	}

	page, err := q.ListTransactions(ctx, w.ID, 2, 0)
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if page.Total != 5 {
		t.Errorf("total = %d, want 5", page.Total)
	}
	if len(page.Transactions) != 2 {
		t.Fatalf("page size = %d, want 2", len(page.Transactions))
	}
	if page.Transactions[0].ID != last {
		t.Errorf("first entry = %s, want newest %s", page.Transactions[0].ID, last)
	}
	if !page.Transactions[0].Amount.Equal(decimal.NewFromInt(5)) ||
		!page.Transactions[1].Amount.Equal(decimal.NewFromInt(4)) {
		t.Errorf("page order wrong: %s, %s", page.Transactions[0].Amount, page.Transactions[1].Amount)
	}

	// Offset past the first page.
	page, err = q.ListTransactions(ctx, w.ID, 2, 4)
	if err != nil {
		t.Fatalf("offset page failed: %v", err)
	}
	if len(page.Transactions) != 1 {
		t.Fatalf("tail page size = %d, want 1", len(page.Transactions))
	}
	if !page.Transactions[0].Amount.Equal(decimal.NewFromInt(1)) {
		t.Errorf("tail entry amount = %s, want 1", page.Transactions[0].Amount)
	}
}

func TestListTransactions_ClampsLimit(t *testing.T) {
	mem := store.NewMemory()
	q := ledger.NewQuery(mem)
	ctx := context.Background()

	w, err := mem.CreateWallet(ctx, ledger.NewWallet("w-1", "patient-1"))
	if err != nil {
		t.Fatal(err)
	}

	page, err := q.ListTransactions(ctx, w.ID, 0, -3)
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if page.Limit != 20 || page.Offset != 0 {
		t.Errorf("defaults: limit=%d offset=%d, want 20/0", page.Limit, page.Offset)
	}

	page, err = q.ListTransactions(ctx, w.ID, 10000, 0)
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if page.Limit != 100 {
		t.Errorf("limit = %d, want clamp to 100", page.Limit)
	}
}

func TestListTransactions_UnknownWalletIsNotFound(t *testing.T) {
	// A bad wallet ID must be a not-found outcome, never an empty page.
	q := ledger.NewQuery(store.NewMemory())
	_, err := q.ListTransactions(context.Background(), "ghost", 10, 0)
	if !errors.Is(err, ledger.ErrWalletNotFound) {
		t.Errorf("got %v, want ErrWalletNotFound", err)
	}
}

func TestGetWalletByPatient(t *testing.T) {
	mem := store.NewMemory()
	q := ledger.NewQuery(mem)
	ctx := context.Background()

	created, err := mem.CreateWallet(ctx, ledger.NewWallet("w-1", "patient-1"))
	if err != nil {
		t.Fatal(err)
	}

	w, err := q.GetWalletByPatient(ctx, "patient-1")
	if err != nil {
		t.Fatalf("GetWalletByPatient failed: %v", err)
	}
	if w.ID != created.ID {
		t.Errorf("got wallet %s, want %s", w.ID, created.ID)
	}

	if _, err := q.GetWalletByPatient(ctx, "patient-2"); !errors.Is(err, ledger.ErrWalletNotFound) {
		t.Errorf("got %v, want ErrWalletNotFound", err)
	}
}

func TestListTransactions_RefundedStatusVisible(t *testing.T) {
	// GIVEN: A payment that was fully refunded
	// WHEN: Listing history
	// THEN: The payment appears with its refunded status; nothing is hidden

	mem := store.NewMemory()
	p := ledger.NewProcessor(mem, zerolog.Nop())
	q := ledger.NewQuery(mem)
	ctx := context.Background()

	w, err := mem.CreateWallet(ctx, ledger.NewWallet("w-1", "patient-1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Deposit(ctx, ledger.Request{WalletID: w.ID, Amount: decimal.NewFromInt(100)}); err != nil {
		t.Fatal(err)
	}
	pay, err := p.Pay(ctx, ledger.Request{WalletID: w.ID, Amount: decimal.NewFromInt(40)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Refund(ctx, ledger.Request{WalletID: w.ID, Amount: decimal.NewFromInt(40), ReferenceID: string(pay.Tx.ID)}); err != nil {
		t.Fatal(err)
	}

	page, err := q.ListTransactions(ctx, w.ID, 10, 0)
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(page.Transactions) != 3 {
		t.Fatalf("history length = %d, want 3", len(page.Transactions))
	}
	statuses := map[ledger.TransactionID]ledger.TransactionStatus{}
	for _, tx := range page.Transactions {
		statuses[tx.ID] = tx.Status
	}
	if got := statuses[pay.Tx.ID]; got != ledger.StatusRefunded {
		t.Errorf("payment status = %s, want %s", got, ledger.StatusRefunded)
	}
}
