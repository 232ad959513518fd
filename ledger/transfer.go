/*
transfer.go - Two-wallet transfers

PURPOSE:
  A transfer debits the source wallet and credits the destination wallet as
  two chained transactions sharing a correlation reference. The system must
  never be left with only one leg recorded.

TWO PROTOCOLS:
  1. Atomic: when the store implements TransferStore, both legs are written
     in one multi-key conditional append. A stale version on either wallet
     fails the whole write and the cycle retries.
  2. Compensating: for stores without multi-key atomicity, the debit leg is
     committed first; if the credit leg then fails terminally, the debit is
     reversed by an automatically generated compensating adjustment. History
     is never mutated. The outcome surfaces as TransferPartialFailureError,
     never as silent loss.

IDEMPOTENCY:
  The caller's key is expanded to per-leg keys (key/out, key/in, key/comp)
  so a retried transfer resumes instead of double-applying. A retry that
  finds a committed debit leg without its credit leg completes the credit
  leg rather than starting over.

SEE ALSO:
  - processor.go: Single-wallet cycle reused for each leg
  - store.go: TransferStore capability
*/
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReferenceTypeTransfer correlates the two legs of a transfer and any
// compensation generated for it.
const ReferenceTypeTransfer = "transfer"

// TransferRequest describes a wallet-to-wallet transfer.
type TransferRequest struct {
	FromWalletID   WalletID
	ToWalletID     WalletID
	Amount         decimal.Decimal
	Description    string
	Notes          string
	ProcessedBy    string
	IdempotencyKey string
}

// TransferResult reports both legs. Compensated is true when the credit leg
// failed and the debit was reversed; in that case In is zero-valued and the
// accompanying error is a TransferPartialFailureError.
type TransferResult struct {
	CorrelationID string
	Out           Result
	In            Result
	Compensated   bool
}

func (req TransferRequest) legKey(suffix string) string {
	if req.IdempotencyKey == "" {
		return ""
	}
	return req.IdempotencyKey + "/" + suffix
}

// Transfer moves amount from one wallet to another.
func (p *Processor) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if req.FromWalletID == req.ToWalletID {
		return nil, ErrSameWalletTransfer
	}

	// A retried transfer resumes from whatever already committed.
	if req.IdempotencyKey != "" {
		if res, err := p.resumeTransfer(ctx, req); err != nil || res != nil {
			return res, err
		}
	}

	correlationID := uuid.NewString()
	if ts, ok := p.store.(TransferStore); ok {
		return p.transferAtomic(ctx, ts, req, correlationID)
	}
	return p.transferCompensating(ctx, req, correlationID, nil)
}

// =============================================================================
// ATOMIC PROTOCOL
// =============================================================================

func (p *Processor) transferAtomic(ctx context.Context, ts TransferStore, req TransferRequest, correlationID string) (*TransferResult, error) {
	for attempt := 0; ; attempt++ {
		res, err := p.transferAttempt(ctx, ts, req, correlationID)
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, ErrDuplicateIdempotencyKey) && req.IdempotencyKey != "":
			if res, rerr := p.resumeTransfer(ctx, req); rerr == nil && res != nil {
				return res, nil
			}
			return nil, err
		case errors.Is(err, ErrStaleVersion):
			if attempt >= p.MaxRetries {
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

func (p *Processor) transferAttempt(ctx context.Context, ts TransferStore, req TransferRequest, correlationID string) (*TransferResult, error) {
	src, dst, err := p.loadTransferWallets(ctx, req)
	if err != nil {
		return nil, err
	}

	out, in := p.buildLegs(src, dst, req, correlationID)
	if err := ts.AppendTransfer(ctx,
		Append{ExpectedVersion: src.Version, Tx: out.Tx, Wallet: out.Wallet},
		Append{ExpectedVersion: dst.Version, Tx: in.Tx, Wallet: in.Wallet},
	); err != nil {
		return nil, err
	}
	return &TransferResult{CorrelationID: correlationID, Out: *out, In: *in}, nil
}

// =============================================================================
// COMPENSATING PROTOCOL
// =============================================================================

// transferCompensating commits the debit leg, then the credit leg. resumedOut
// carries an already-committed debit leg when completing a partial retry.
func (p *Processor) transferCompensating(ctx context.Context, req TransferRequest, correlationID string, resumedOut *Result) (*TransferResult, error) {
	out := resumedOut
	if out == nil {
		// Best-effort pre-check so the common case never needs compensation.
		if _, _, err := p.loadTransferWallets(ctx, req); err != nil {
			return nil, err
		}
		var err error
		out, err = p.apply(ctx, TxTransferOut, Request{
			WalletID:       req.FromWalletID,
			Amount:         req.Amount,
			ReferenceID:    correlationID,
			ReferenceType:  ReferenceTypeTransfer,
			Description:    req.Description,
			Notes:          req.Notes,
			ProcessedBy:    req.ProcessedBy,
			IdempotencyKey: req.legKey("out"),
		})
		if err != nil {
			return nil, err
		}
	}

	in, err := p.apply(ctx, TxTransferIn, Request{
		WalletID:       req.ToWalletID,
		Amount:         req.Amount,
		ReferenceID:    correlationID,
		ReferenceType:  ReferenceTypeTransfer,
		Description:    req.Description,
		Notes:          req.Notes,
		ProcessedBy:    req.ProcessedBy,
		IdempotencyKey: req.legKey("in"),
	})
	if err == nil {
		return &TransferResult{CorrelationID: correlationID, Out: *out, In: *in}, nil
	}

	// Credit leg failed after the debit committed: reverse the debit with a
	// compensating adjustment instead of touching history.
	comp, cerr := p.Adjust(ctx, Request{
		WalletID:       req.FromWalletID,
		Amount:         req.Amount,
		ReferenceID:    correlationID,
		ReferenceType:  ReferenceTypeTransfer,
		Description:    "transfer compensation",
		Notes:          "automatic reversal: destination leg failed",
		ProcessedBy:    "system",
		IdempotencyKey: req.legKey("comp"),
	})
	if cerr != nil {
		// Both the credit leg and the compensation failed. Surface both; the
		// idempotency keys make the operation safe to resubmit.
		p.log.Error().Str("correlation", correlationID).AnErr("leg", err).AnErr("compensation", cerr).
			Msg("transfer compensation failed")
		return nil, &TransferPartialFailureError{
			CorrelationID: correlationID,
			FromWalletID:  req.FromWalletID,
			ToWalletID:    req.ToWalletID,
			Cause:         errors.Join(err, cerr),
		}
	}

	p.log.Warn().Str("correlation", correlationID).Str("compensation", string(comp.Tx.ID)).
		Msg("transfer compensated")
	return &TransferResult{CorrelationID: correlationID, Out: *out, Compensated: true},
		&TransferPartialFailureError{
			CorrelationID:  correlationID,
			FromWalletID:   req.FromWalletID,
			ToWalletID:     req.ToWalletID,
			CompensationID: comp.Tx.ID,
			Cause:          err,
		}
}

// =============================================================================
// HELPERS
// =============================================================================

func (p *Processor) loadTransferWallets(ctx context.Context, req TransferRequest) (Wallet, Wallet, error) {
	src, err := p.store.GetWallet(ctx, req.FromWalletID)
	if err != nil {
		return Wallet{}, Wallet{}, err
	}
	dst, err := p.store.GetWallet(ctx, req.ToWalletID)
	if err != nil {
		return Wallet{}, Wallet{}, err
	}
	if !src.IsActive || !dst.IsActive {
		return Wallet{}, Wallet{}, ErrWalletInactive
	}
	if req.Amount.GreaterThan(src.Balance) {
		return Wallet{}, Wallet{}, &InsufficientBalanceError{
			WalletID:  src.ID,
			Available: src.Balance,
			Requested: req.Amount,
			Shortfall: req.Amount.Sub(src.Balance),
		}
	}
	return src, dst, nil
}

// buildLegs constructs both completed legs against the given snapshots.
func (p *Processor) buildLegs(src, dst Wallet, req TransferRequest, correlationID string) (*Result, *Result) {
	now := time.Now().UTC()

	outTx := p.build(TxTransferOut, src, Request{
		WalletID:       src.ID,
		Amount:         req.Amount,
		ReferenceID:    correlationID,
		ReferenceType:  ReferenceTypeTransfer,
		Description:    req.Description,
		Notes:          req.Notes,
		ProcessedBy:    req.ProcessedBy,
		IdempotencyKey: req.legKey("out"),
	})
	outTx.BalanceBefore = src.Balance
	outTx.BalanceAfter = src.Balance.Sub(req.Amount)
	outTx.Status = StatusCompleted
	outTx.CompletedAt = &now

	inTx := p.build(TxTransferIn, dst, Request{
		WalletID:       dst.ID,
		Amount:         req.Amount,
		ReferenceID:    correlationID,
		ReferenceType:  ReferenceTypeTransfer,
		Description:    req.Description,
		Notes:          req.Notes,
		ProcessedBy:    req.ProcessedBy,
		IdempotencyKey: req.legKey("in"),
	})
	inTx.BalanceBefore = dst.Balance
	inTx.BalanceAfter = dst.Balance.Add(req.Amount)
	inTx.Status = StatusCompleted
	inTx.CompletedAt = &now

	return &Result{Wallet: src.applyCompleted(outTx), Tx: outTx},
		&Result{Wallet: dst.applyCompleted(inTx), Tx: inTx}
}

// resumeTransfer inspects the per-leg idempotency keys of a retried transfer.
// Returns nil when no leg has committed yet.
func (p *Processor) resumeTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	out, err := p.findExisting(ctx, req.legKey("out"))
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	correlationID := out.Tx.ReferenceID

	in, err := p.findExisting(ctx, req.legKey("in"))
	if err != nil {
		return nil, err
	}
	if in != nil {
		return &TransferResult{CorrelationID: correlationID, Out: *out, In: *in}, nil
	}

	// Debit committed but no credit: either a compensation already reversed
	// it, or the credit leg still needs to run.
	comp, err := p.findExisting(ctx, req.legKey("comp"))
	if err != nil {
		return nil, err
	}
	if comp != nil {
		return &TransferResult{CorrelationID: correlationID, Out: *out, Compensated: true},
			&TransferPartialFailureError{
				CorrelationID:  correlationID,
				FromWalletID:   req.FromWalletID,
				ToWalletID:     req.ToWalletID,
				CompensationID: comp.Tx.ID,
				Cause:          errors.New("destination leg failed on a previous attempt"),
			}
	}
	return p.transferCompensating(ctx, req, correlationID, out)
}
