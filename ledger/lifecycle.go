/*
lifecycle.go - Wallet creation and settings management

PURPOSE:
  Creates wallets (idempotently, one per patient), toggles settings, and
  activates/deactivates wallets. Settings writes never touch the balance or
  the transaction chain, but they still go through the store's conditional
  path so they cannot clobber a concurrent balance-changing write.

SEE ALSO:
  - store.go: CreateWallet first-writer-wins contract
  - processor.go: The balance-affecting write path
*/
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Lifecycle manages wallet creation, settings, and activation.
type Lifecycle struct {
	store Store
	log   zerolog.Logger

	// MaxRetries bounds the conditional-update retry loop for settings.
	MaxRetries int
}

func NewLifecycle(store Store, log zerolog.Logger) *Lifecycle {
	return &Lifecycle{store: store, log: log, MaxRetries: defaultMaxRetries}
}

// GetOrCreateWallet returns the patient's wallet, creating it lazily with a
// zero balance on first access. Concurrent creators for the same patient
// converge on exactly one wallet: losers receive the winner's record.
func (l *Lifecycle) GetOrCreateWallet(ctx context.Context, patientID PatientID) (Wallet, error) {
	if patientID == "" {
		return Wallet{}, errors.New("patient id is required")
	}
	w, err := l.store.GetWalletByPatient(ctx, patientID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return Wallet{}, err
	}

	created, err := l.store.CreateWallet(ctx, NewWallet(WalletID(uuid.NewString()), patientID))
	if err != nil {
		return Wallet{}, err
	}
	l.log.Info().Str("wallet", string(created.ID)).Str("patient", string(patientID)).
		Msg("wallet created")
	return created, nil
}

// SettingsUpdate carries optional settings fields; nil means unchanged.
type SettingsUpdate struct {
	AutoPayEnabled  *bool
	LowBalanceAlert *decimal.Decimal
	// ClearLowBalanceAlert removes the threshold entirely.
	ClearLowBalanceAlert bool
}

// UpdateSettings applies a pure metadata update. Retries on version conflict
// since the update itself is deterministic.
func (l *Lifecycle) UpdateSettings(ctx context.Context, walletID WalletID, upd SettingsUpdate) (Wallet, error) {
	return l.updateMeta(ctx, walletID, func(w Wallet) Wallet {
		if upd.AutoPayEnabled != nil {
			w.AutoPayEnabled = *upd.AutoPayEnabled
		}
		if upd.ClearLowBalanceAlert {
			w.LowBalanceAlert = nil
		} else if upd.LowBalanceAlert != nil {
			threshold := *upd.LowBalanceAlert
			w.LowBalanceAlert = &threshold
		}
		return w
	})
}

// SetActive toggles the wallet's active flag. Deactivated wallets reject all
// subsequent transactions with ErrWalletInactive until reactivated.
func (l *Lifecycle) SetActive(ctx context.Context, walletID WalletID, active bool) (Wallet, error) {
	return l.updateMeta(ctx, walletID, func(w Wallet) Wallet {
		w.IsActive = active
		return w
	})
}

func (l *Lifecycle) updateMeta(ctx context.Context, walletID WalletID, mutate func(Wallet) Wallet) (Wallet, error) {
	for attempt := 0; ; attempt++ {
		w, err := l.store.GetWallet(ctx, walletID)
		if err != nil {
			return Wallet{}, err
		}
		updated := mutate(w)
		updated.Version = w.Version + 1
		updated.UpdatedAt = time.Now().UTC()
		err = l.store.UpdateWalletMeta(ctx, w.Version, updated)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrStaleVersion) {
			return Wallet{}, err
		}
		if attempt >= l.MaxRetries {
			return Wallet{}, ErrConcurrentModification
		}
	}
}
