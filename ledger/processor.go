/*
processor.go - The transaction state machine

PURPOSE:
  Turns a requested operation into a completed transaction while preserving
  the chain invariant. The cycle for every single-wallet operation:

    1. Read the wallet snapshot (balance, version)
    2. Validate the type-specific precondition
    3. Build the transaction with BalanceBefore/BalanceAfter fixed
    4. Conditional append against the expected version
    5. On ErrStaleVersion, re-read and retry with backoff up to a bound

BALANCE EFFECTS:
  deposit       balance += amount    amount > 0, wallet active
  withdrawal    balance -= amount    amount <= balance, wallet active
  payment       balance -= amount    amount <= balance, wallet active
  refund        balance += amount    references a completed payment/withdrawal
  adjustment    balance += signed    administrative; may go negative
  transfer      two chained legs     both appear or neither (see Transfer)

IDEMPOTENCY:
  A client-supplied idempotency key short-circuits duplicate submissions:
  the previously recorded transaction is returned instead of applying the
  effect twice. A key collision during append (two racing submissions) is
  resolved the same way by re-reading the winner.

SEE ALSO:
  - store.go: Conditional-append contract
  - policy.go: Refund validation rules
  - aggregate.go: Read-side totals and low-balance alerts
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	defaultMaxRetries = 5
	defaultRetryBase  = 10 * time.Millisecond
)

// =============================================================================
// PROCESSOR
// =============================================================================

// Processor validates and applies one transaction at a time against a
// wallet's current state. It is stateless; all state lives in the Store, so
// any number of goroutines may share one Processor.
type Processor struct {
	store  Store
	policy RefundPolicy
	log    zerolog.Logger

	// MaxRetries bounds the optimistic-concurrency retry loop.
	MaxRetries int
	// RetryBase is the initial backoff, doubled per attempt with jitter.
	RetryBase time.Duration
}

// NewProcessor creates a processor with the default refund policy and retry
// parameters.
func NewProcessor(store Store, log zerolog.Logger) *Processor {
	return &Processor{
		store:      store,
		policy:     DefaultRefundPolicy(),
		log:        log,
		MaxRetries: defaultMaxRetries,
		RetryBase:  defaultRetryBase,
	}
}

// WithRefundPolicy overrides the refund validation rules.
func (p *Processor) WithRefundPolicy(policy RefundPolicy) *Processor {
	p.policy = policy
	return p
}

// Request carries the caller-supplied fields of a single-wallet operation.
type Request struct {
	WalletID WalletID

	// Amount is a strictly positive magnitude, except for adjustments where
	// it is the signed delta to apply.
	Amount decimal.Decimal

	PaymentMethod  PaymentMethod
	ReferenceID    string
	ReferenceType  string
	Description    string
	Notes          string
	ProcessedBy    string
	IdempotencyKey string
}

// Result is the outcome of an applied operation: the new wallet snapshot and
// the completed transaction.
type Result struct {
	Wallet Wallet
	Tx     Transaction
}

// =============================================================================
// SINGLE-WALLET OPERATIONS
// =============================================================================

// Deposit credits the wallet.
func (p *Processor) Deposit(ctx context.Context, req Request) (*Result, error) {
	return p.apply(ctx, TxDeposit, req)
}

// Withdraw debits the wallet, rejecting amounts above the current balance.
func (p *Processor) Withdraw(ctx context.Context, req Request) (*Result, error) {
	return p.apply(ctx, TxWithdrawal, req)
}

// Pay debits the wallet against a bill, rejecting amounts above the balance.
func (p *Processor) Pay(ctx context.Context, req Request) (*Result, error) {
	return p.apply(ctx, TxPayment, req)
}

// Refund credits the wallet against a prior completed payment or withdrawal
// identified by req.ReferenceID, subject to the refund policy.
func (p *Processor) Refund(ctx context.Context, req Request) (*Result, error) {
	if req.ReferenceID == "" {
		return nil, fmt.Errorf("%w: refund requires a reference", ErrRefundNotRefundable)
	}
	return p.apply(ctx, TxRefund, req)
}

// Adjust applies a signed administrative correction. The delta may be
// negative and is exempt from the sufficient-balance rule.
func (p *Processor) Adjust(ctx context.Context, req Request) (*Result, error) {
	return p.apply(ctx, TxAdjustment, req)
}

func (p *Processor) apply(ctx context.Context, typ TransactionType, req Request) (*Result, error) {
	if typ == TxAdjustment {
		if req.Amount.IsZero() {
			return nil, ErrInvalidAmount
		}
	} else if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	// Duplicate submission: return the previously produced result.
	if req.IdempotencyKey != "" {
		if res, err := p.findExisting(ctx, req.IdempotencyKey); err != nil {
			return nil, err
		} else if res != nil {
			return res, nil
		}
	}

	for attempt := 0; ; attempt++ {
		res, err := p.attempt(ctx, typ, req)
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, ErrDuplicateIdempotencyKey):
			// A racing submission with the same key won the append.
			if res, ferr := p.findExisting(ctx, req.IdempotencyKey); ferr == nil && res != nil {
				return res, nil
			}
			return nil, err
		case errors.Is(err, ErrStaleVersion):
			if attempt >= p.MaxRetries {
				p.log.Warn().Str("wallet", string(req.WalletID)).Str("type", string(typ)).
					Int("attempts", attempt+1).Msg("optimistic retries exhausted")
				return nil, ErrConcurrentModification
			}
			if berr := p.backoff(ctx, attempt); berr != nil {
				return nil, berr
			}
		default:
			return nil, err
		}
	}
}

// attempt runs one compute-then-append cycle.
func (p *Processor) attempt(ctx context.Context, typ TransactionType, req Request) (*Result, error) {
	w, err := p.store.GetWallet(ctx, req.WalletID)
	if err != nil {
		return nil, err
	}
	if !w.IsActive {
		return nil, ErrWalletInactive
	}

	var markRefunded TransactionID
	if typ == TxRefund {
		var err error
		markRefunded, err = p.checkRefund(ctx, w, req)
		if err != nil {
			return nil, err
		}
	}

	tx := p.build(typ, w, req)
	delta := tx.Delta()
	if typ.Debits() && req.Amount.GreaterThan(w.Balance) {
		return nil, &InsufficientBalanceError{
			WalletID:  w.ID,
			Available: w.Balance,
			Requested: req.Amount,
			Shortfall: req.Amount.Sub(w.Balance),
		}
	}
	tx.BalanceBefore = w.Balance
	tx.BalanceAfter = w.Balance.Add(delta)

	now := tx.CreatedAt
	tx.Status = StatusCompleted
	tx.CompletedAt = &now

	updated := w.applyCompleted(tx)
	if err := p.store.Append(ctx, Append{
		ExpectedVersion: w.Version,
		Tx:              tx,
		Wallet:          updated,
		MarkRefunded:    markRefunded,
	}); err != nil {
		return nil, err
	}
	return &Result{Wallet: updated, Tx: tx}, nil
}

// build creates the pending transaction record. Balance snapshots are fixed
// by the caller once the precondition passes.
func (p *Processor) build(typ TransactionType, w Wallet, req Request) Transaction {
	tx := Transaction{
		ID:             TransactionID(uuid.NewString()),
		WalletID:       w.ID,
		Type:           typ,
		Status:         StatusPending,
		Amount:         req.Amount,
		ReferenceID:    req.ReferenceID,
		ReferenceType:  req.ReferenceType,
		PaymentMethod:  req.PaymentMethod,
		Description:    req.Description,
		Notes:          req.Notes,
		ProcessedBy:    req.ProcessedBy,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	if typ == TxAdjustment {
		tx.SignedAmount = req.Amount
		tx.Amount = req.Amount.Abs()
	}
	return tx
}

// checkRefund validates the refund against its referenced transaction and
// reports which transaction, if any, becomes fully refunded by this append.
func (p *Processor) checkRefund(ctx context.Context, w Wallet, req Request) (TransactionID, error) {
	original, err := p.store.GetTransaction(ctx, TransactionID(req.ReferenceID))
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return "", ErrRefundNotRefundable
		}
		return "", err
	}
	if original.WalletID != w.ID {
		return "", ErrRefundNotRefundable
	}
	refunded, err := p.store.SumByReference(ctx, w.ID, req.ReferenceID, TxRefund)
	if err != nil {
		return "", err
	}
	if err := p.policy.Validate(original, refunded, req.Amount); err != nil {
		return "", err
	}
	if original.Type == TxPayment && p.policy.FullyRefunded(original, refunded, req.Amount) {
		return original.ID, nil
	}
	return "", nil
}

// findExisting resolves an idempotency key to its prior result, or nil when
// the key has not been used.
func (p *Processor) findExisting(ctx context.Context, key string) (*Result, error) {
	tx, err := p.store.FindByIdempotencyKey(ctx, key)
	if errors.Is(err, ErrTransactionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	w, err := p.store.GetWallet(ctx, tx.WalletID)
	if err != nil {
		return nil, err
	}
	p.log.Debug().Str("key", key).Str("tx", string(tx.ID)).Msg("idempotent replay")
	return &Result{Wallet: w, Tx: tx}, nil
}

// backoff sleeps for an exponentially growing, jittered interval, honoring
// context cancellation. The exponent is capped so high retry ceilings cannot
// overflow the duration.
func (p *Processor) backoff(ctx context.Context, attempt int) error {
	d := p.RetryBase << uint(min(attempt, 6))
	d += time.Duration(rand.Int63n(int64(d)/2 + 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
