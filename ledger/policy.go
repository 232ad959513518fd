/*
policy.go - Refund validation policy

PURPOSE:
  Makes refund validation an explicit, configurable rule rather than an
  implicit behavior. A refund must reference a prior completed payment or
  withdrawal; whether cumulative refunds may exceed the original amount is
  a policy decision owned by the deployment, not hard-coded.

SEE ALSO:
  - processor.go: Applies the policy before appending a refund
*/
package ledger

import (
	"github.com/shopspring/decimal"
)

// RefundPolicy controls how refund requests are validated against the
// transaction they reference.
type RefundPolicy struct {
	// CapAtOriginal rejects refunds once cumulative refunds against the
	// referenced transaction would exceed its original amount.
	CapAtOriginal bool

	// RefundableTypes lists the transaction types a refund may reference.
	RefundableTypes []TransactionType
}

// DefaultRefundPolicy caps cumulative refunds at the original amount and
// allows refunds against payments and withdrawals.
func DefaultRefundPolicy() RefundPolicy {
	return RefundPolicy{
		CapAtOriginal:   true,
		RefundableTypes: []TransactionType{TxPayment, TxWithdrawal},
	}
}

// Validate checks a refund of amount against the referenced original,
// given the total already refunded for that reference.
func (p RefundPolicy) Validate(original Transaction, alreadyRefunded, amount decimal.Decimal) error {
	if original.Status != StatusCompleted && original.Status != StatusRefunded {
		return ErrRefundNotRefundable
	}
	refundable := false
	for _, t := range p.RefundableTypes {
		if original.Type == t {
			refundable = true
			break
		}
	}
	if !refundable {
		return ErrRefundNotRefundable
	}
	if p.CapAtOriginal && alreadyRefunded.Add(amount).GreaterThan(original.Amount) {
		return ErrRefundExceedsOriginal
	}
	return nil
}

// FullyRefunded reports whether the original is exhausted once amount is
// applied on top of what was already refunded.
func (p RefundPolicy) FullyRefunded(original Transaction, alreadyRefunded, amount decimal.Decimal) bool {
	return alreadyRefunded.Add(amount).GreaterThanOrEqual(original.Amount)
}
