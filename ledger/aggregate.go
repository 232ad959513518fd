/*
aggregate.go - Derived totals and low-balance alerts

PURPOSE:
  Read-side derivation over processor output. The wallet row carries its
  running totals (updated inside the conditional append); this component
  re-derives them from history for audit, verifies the chain rule, and
  evaluates the low-balance condition after each applied transaction.

  It is never the source of truth for the balance - only a consumer of the
  Transaction Processor's output.

SEE ALSO:
  - processor.go: Produces the results this component consumes
  - api/auditor.go: Background sweep built on VerifyChain
*/
package ledger

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ALERTS
// =============================================================================

// LowBalanceSignal notifies external collaborators (billing automation, UI)
// that a wallet dropped below its configured threshold.
type LowBalanceSignal struct {
	WalletID  WalletID
	PatientID PatientID
	Balance   decimal.Decimal
	Threshold decimal.Decimal
}

// AlertSink receives derived signals. Implementations must not block the
// write path for long; they are called synchronously after each append.
type AlertSink interface {
	LowBalance(ctx context.Context, sig LowBalanceSignal)
}

// LogSink is the default AlertSink: structured log output.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) LowBalance(_ context.Context, sig LowBalanceSignal) {
	s.Log.Warn().
		Str("wallet", string(sig.WalletID)).
		Str("patient", string(sig.PatientID)).
		Str("balance", sig.Balance.String()).
		Str("threshold", sig.Threshold.String()).
		Msg("low balance")
}

// =============================================================================
// AGGREGATOR
// =============================================================================

// Totals are the per-type running sums over completed transactions.
type Totals struct {
	Deposits    decimal.Decimal
	Withdrawals decimal.Decimal
	Payments    decimal.Decimal
	Refunds     decimal.Decimal
}

// Aggregator derives totals and alerts from ledger state.
type Aggregator struct {
	store Store
	sink  AlertSink
	log   zerolog.Logger
}

func NewAggregator(store Store, sink AlertSink, log zerolog.Logger) *Aggregator {
	if sink == nil {
		sink = LogSink{Log: log}
	}
	return &Aggregator{store: store, sink: sink, log: log}
}

// EvaluateAlerts inspects a processor result and emits derived signals.
func (a *Aggregator) EvaluateAlerts(ctx context.Context, res Result) {
	w := res.Wallet
	if w.LowBalance() {
		a.sink.LowBalance(ctx, LowBalanceSignal{
			WalletID:  w.ID,
			PatientID: w.PatientID,
			Balance:   w.Balance,
			Threshold: *w.LowBalanceAlert,
		})
	}
}

// RecomputeTotals replays the wallet's completed history and returns the
// per-type sums. Used to verify the incrementally maintained aggregates.
func (a *Aggregator) RecomputeTotals(ctx context.Context, walletID WalletID) (Totals, error) {
	history, err := a.store.History(ctx, walletID)
	if err != nil {
		return Totals{}, err
	}
	t := Totals{
		Deposits:    decimal.Zero,
		Withdrawals: decimal.Zero,
		Payments:    decimal.Zero,
		Refunds:     decimal.Zero,
	}
	for _, tx := range history {
		if tx.Status != StatusCompleted && tx.Status != StatusRefunded {
			continue
		}
		switch tx.Type {
		case TxDeposit:
			t.Deposits = t.Deposits.Add(tx.Amount)
		case TxWithdrawal:
			t.Withdrawals = t.Withdrawals.Add(tx.Amount)
		case TxPayment:
			t.Payments = t.Payments.Add(tx.Amount)
		case TxRefund:
			t.Refunds = t.Refunds.Add(tx.Amount)
		}
	}
	return t, nil
}

// =============================================================================
// CHAIN VERIFICATION
// =============================================================================

// AuditReport is the outcome of a chain verification pass over one wallet.
type AuditReport struct {
	WalletID WalletID
	Checked  int
	Issues   []string
}

func (r AuditReport) OK() bool { return len(r.Issues) == 0 }

// VerifyChain replays the wallet's history and checks every invariant the
// ledger promises: the chain rule, the balance/tail equality, and the
// totals equality.
func (a *Aggregator) VerifyChain(ctx context.Context, walletID WalletID) (AuditReport, error) {
	w, err := a.store.GetWallet(ctx, walletID)
	if err != nil {
		return AuditReport{}, err
	}
	history, err := a.store.History(ctx, walletID)
	if err != nil {
		return AuditReport{}, err
	}

	report := AuditReport{WalletID: walletID}
	prev := decimal.Zero
	last := decimal.Zero
	for i, tx := range history {
		if tx.Status != StatusCompleted && tx.Status != StatusRefunded {
			continue
		}
		report.Checked++
		if !tx.BalanceBefore.Equal(prev) {
			report.Issues = append(report.Issues, fmt.Sprintf(
				"tx %s (#%d): balance_before %s != previous balance_after %s",
				tx.ID, i, tx.BalanceBefore, prev))
		}
		if !tx.BalanceAfter.Equal(tx.BalanceBefore.Add(tx.Delta())) {
			report.Issues = append(report.Issues, fmt.Sprintf(
				"tx %s (#%d): balance_after %s inconsistent with delta %s",
				tx.ID, i, tx.BalanceAfter, tx.Delta()))
		}
		prev = tx.BalanceAfter
		last = tx.BalanceAfter
	}

	if !w.Balance.Equal(last) {
		report.Issues = append(report.Issues, fmt.Sprintf(
			"wallet balance %s != last balance_after %s", w.Balance, last))
	}

	totals, err := a.RecomputeTotals(ctx, walletID)
	if err != nil {
		return report, err
	}
	check := func(name string, stored, derived decimal.Decimal) {
		if !stored.Equal(derived) {
			report.Issues = append(report.Issues, fmt.Sprintf(
				"%s: stored %s != derived %s", name, stored, derived))
		}
	}
	check("total_deposits", w.TotalDeposits, totals.Deposits)
	check("total_withdrawals", w.TotalWithdrawals, totals.Withdrawals)
	check("total_payments", w.TotalPayments, totals.Payments)
	check("total_refunds", w.TotalRefunds, totals.Refunds)

	return report, nil
}
