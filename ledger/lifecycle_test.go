package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clinix/wallet-ledger/ledger"
	"github.com/clinix/wallet-ledger/ledger/store"
)

func newTestLifecycle() (*ledger.Lifecycle, *store.Memory) {
	mem := store.NewMemory()
	return ledger.NewLifecycle(mem, zerolog.Nop()), mem
}

func TestGetOrCreateWallet_LazyCreation(t *testing.T) {
	// GIVEN: A patient with no wallet
	// WHEN: Resolving the patient's wallet twice
	// THEN: The first call creates it with a zero balance, the second
	//       returns the same record

	lc, _ := newTestLifecycle()
	ctx := context.Background()

	first, err := lc.GetOrCreateWallet(ctx, "patient-1")
	if err != nil {
		t.Fatalf("GetOrCreateWallet failed: %v", err)
	}
	if !first.Balance.IsZero() {
		t.Errorf("new wallet balance = %s, want 0", first.Balance)
	}
	if !first.IsActive {
		t.Error("new wallet should be active")
	}
	if first.Version != 1 {
		t.Errorf("new wallet version = %d, want 1", first.Version)
	}

	second, err := lc.GetOrCreateWallet(ctx, "patient-1")
	if err != nil {
		t.Fatalf("second GetOrCreateWallet failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("second call returned wallet %s, want %s", second.ID, first.ID)
	}
}

func TestGetOrCreateWallet_RequiresPatientID(t *testing.T) {
	lc, _ := newTestLifecycle()
	if _, err := lc.GetOrCreateWallet(context.Background(), ""); err == nil {
		t.Error("empty patient ID should be rejected")
	}
}

func TestGetOrCreateWallet_ConcurrentCreatorsConverge(t *testing.T) {
	// GIVEN: No wallet for the patient
	// WHEN: 10 goroutines resolve the wallet at the same time
	// THEN: All receive the same wallet ID and exactly one wallet exists

	lc, mem := newTestLifecycle()
	ctx := context.Background()

	const workers = 10
	ids := make([]ledger.WalletID, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := lc.GetOrCreateWallet(ctx, "patient-1")
			ids[i], errs[i] = w.ID, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d failed: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Errorf("worker %d got wallet %s, want %s", i, ids[i], ids[0])
		}
	}

	wallets, err := mem.ListWallets(ctx)
	if err != nil {
		t.Fatalf("ListWallets failed: %v", err)
	}
	if len(wallets) != 1 {
		t.Errorf("wallet count = %d, want 1", len(wallets))
	}
}

func TestUpdateSettings(t *testing.T) {
	// GIVEN: A wallet with default settings
	// WHEN: Enabling auto-pay and setting a low-balance threshold, then
	//       clearing the threshold
	// THEN: Each write applies only its own fields and bumps the version

	lc, _ := newTestLifecycle()
	ctx := context.Background()

	w, err := lc.GetOrCreateWallet(ctx, "patient-1")
	if err != nil {
		t.Fatalf("GetOrCreateWallet failed: %v", err)
	}

	autopay := true
	threshold := decimal.RequireFromString("25.00")
	updated, err := lc.UpdateSettings(ctx, w.ID, ledger.SettingsUpdate{
		AutoPayEnabled:  &autopay,
		LowBalanceAlert: &threshold,
	})
	if err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}
	if !updated.AutoPayEnabled {
		t.Error("auto-pay should be enabled")
	}
	if updated.LowBalanceAlert == nil || !updated.LowBalanceAlert.Equal(threshold) {
		t.Errorf("low balance alert = %v, want %s", updated.LowBalanceAlert, threshold)
	}
	if updated.Version != w.Version+1 {
		t.Errorf("version = %d, want %d", updated.Version, w.Version+1)
	}

	// Absent fields stay as they are.
	cleared, err := lc.UpdateSettings(ctx, w.ID, ledger.SettingsUpdate{ClearLowBalanceAlert: true})
	if err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if cleared.LowBalanceAlert != nil {
		t.Error("threshold should be cleared")
	}
	if !cleared.AutoPayEnabled {
		t.Error("auto-pay should survive an unrelated update")
	}
}

func TestUpdateSettings_NeverTouchesBalance(t *testing.T) {
	// GIVEN: A wallet holding funds
	// WHEN: A settings update runs
	// THEN: Balance and aggregates are unchanged

	lc, mem := newTestLifecycle()
	p := ledger.NewProcessor(mem, zerolog.Nop())
	ctx := context.Background()

	w, err := lc.GetOrCreateWallet(ctx, "patient-1")
	if err != nil {
		t.Fatalf("GetOrCreateWallet failed: %v", err)
	}
	if _, err := p.Deposit(ctx, ledger.Request{WalletID: w.ID, Amount: decimal.RequireFromString("75.00")}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	autopay := true
	updated, err := lc.UpdateSettings(ctx, w.ID, ledger.SettingsUpdate{AutoPayEnabled: &autopay})
	if err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}
	if !updated.Balance.Equal(decimal.RequireFromString("75.00")) {
		t.Errorf("balance = %s, want 75.00", updated.Balance)
	}
	if !updated.TotalDeposits.Equal(decimal.RequireFromString("75.00")) {
		t.Errorf("total deposits = %s, want 75.00", updated.TotalDeposits)
	}
}

func TestSetActive_GatesTransactions(t *testing.T) {
	// GIVEN: An active wallet with funds
	// WHEN: Deactivating, operating, reactivating, operating again
	// THEN: Operations fail only while deactivated; history survives intact

	lc, mem := newTestLifecycle()
	p := ledger.NewProcessor(mem, zerolog.Nop())
	ctx := context.Background()

	w, err := lc.GetOrCreateWallet(ctx, "patient-1")
	if err != nil {
		t.Fatalf("GetOrCreateWallet failed: %v", err)
	}
	if _, err := p.Deposit(ctx, ledger.Request{WalletID: w.ID, Amount: decimal.RequireFromString("50")}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	if _, err := lc.SetActive(ctx, w.ID, false); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}
	if _, err := p.Withdraw(ctx, ledger.Request{WalletID: w.ID, Amount: decimal.RequireFromString("10")}); !errors.Is(err, ledger.ErrWalletInactive) {
		t.Errorf("withdraw on inactive wallet: got %v, want ErrWalletInactive", err)
	}

	if _, err := lc.SetActive(ctx, w.ID, true); err != nil {
		t.Fatalf("reactivate failed: %v", err)
	}
	res, err := p.Withdraw(ctx, ledger.Request{WalletID: w.ID, Amount: decimal.RequireFromString("10")})
	if err != nil {
		t.Fatalf("withdraw after reactivation failed: %v", err)
	}
	if !res.Wallet.Balance.Equal(decimal.RequireFromString("40")) {
		t.Errorf("balance = %s, want 40", res.Wallet.Balance)
	}
}
