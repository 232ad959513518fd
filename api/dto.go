/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external contract.

MONEY ON THE WIRE:
  All amounts cross the boundary as decimal strings (shopspring/decimal's
  default JSON form), never binary floating point.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/clinix/wallet-ledger/ledger"
)

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// WalletDTO is the wallet snapshot returned to clients. Clients display it
// as-is; they never recompute balance locally.
type WalletDTO struct {
	ID                string           `json:"id"`
	PatientID         string           `json:"patientId"`
	Balance           decimal.Decimal  `json:"balance"`
	TotalDeposits     decimal.Decimal  `json:"totalDeposits"`
	TotalWithdrawals  decimal.Decimal  `json:"totalWithdrawals"`
	TotalPayments     decimal.Decimal  `json:"totalPayments"`
	TotalRefunds      decimal.Decimal  `json:"totalRefunds"`
	IsActive          bool             `json:"isActive"`
	AutoPayEnabled    bool             `json:"autoPayEnabled"`
	LowBalanceAlert   *decimal.Decimal `json:"lowBalanceAlert,omitempty"`
	LowBalance        bool             `json:"lowBalance"`
	Version           int64            `json:"version"`
	LastTransactionAt *string          `json:"lastTransactionAt,omitempty"`
	CreatedAt         string           `json:"createdAt"`
	UpdatedAt         string           `json:"updatedAt"`
}

// TransactionDTO is one history entry.
type TransactionDTO struct {
	ID            string           `json:"id"`
	WalletID      string           `json:"walletId"`
	Type          string           `json:"type"`
	Status        string           `json:"status"`
	Amount        decimal.Decimal  `json:"amount"`
	SignedAmount  *decimal.Decimal `json:"signedAmount,omitempty"`
	BalanceBefore decimal.Decimal  `json:"balanceBefore"`
	BalanceAfter  decimal.Decimal  `json:"balanceAfter"`
	ReferenceID   string           `json:"referenceId,omitempty"`
	ReferenceType string           `json:"referenceType,omitempty"`
	PaymentMethod string           `json:"paymentMethod,omitempty"`
	Description   string           `json:"description,omitempty"`
	Notes         string           `json:"notes,omitempty"`
	ProcessedBy   string           `json:"processedBy,omitempty"`
	CreatedAt     string           `json:"createdAt"`
	CompletedAt   *string          `json:"completedAt,omitempty"`
}

// OperationResponse returns the updated wallet and the new transaction after
// a balance-affecting operation.
type OperationResponse struct {
	Wallet      WalletDTO      `json:"wallet"`
	Transaction TransactionDTO `json:"transaction"`
}

// TransferResponse reports both legs of a transfer. Compensated is true when
// the credit leg failed and the debit was automatically reversed.
type TransferResponse struct {
	CorrelationID string          `json:"correlationId"`
	Out           *TransactionDTO `json:"out,omitempty"`
	In            *TransactionDTO `json:"in,omitempty"`
	FromWallet    *WalletDTO      `json:"fromWallet,omitempty"`
	ToWallet      *WalletDTO      `json:"toWallet,omitempty"`
	Compensated   bool            `json:"compensated"`
	Detail        string          `json:"detail,omitempty"`
}

// TransactionPageDTO is a page of history, newest first.
type TransactionPageDTO struct {
	Transactions []TransactionDTO `json:"transactions"`
	Total        int              `json:"total"`
	Limit        int              `json:"limit"`
	Offset       int              `json:"offset"`
}

// AuditReportDTO is the outcome of a chain verification pass.
type AuditReportDTO struct {
	WalletID string   `json:"walletId"`
	Checked  int      `json:"checked"`
	OK       bool     `json:"ok"`
	Issues   []string `json:"issues,omitempty"`
}

// ErrorResponse carries a typed failure. Balance is populated for
// insufficient-balance rejections so the client can reconcile its view.
type ErrorResponse struct {
	Error   string           `json:"error"`
	Details string           `json:"details,omitempty"`
	Balance *decimal.Decimal `json:"balance,omitempty"`
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

// WalletActionRequest is the single POST /api/wallets entry point. Action
// selects the operation; the other fields are action-specific.
type WalletActionRequest struct {
	Action string `json:"action"`

	// create
	PatientID string `json:"patientId,omitempty"`

	// single-wallet operations
	WalletID      string           `json:"walletId,omitempty"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	PaymentMethod string           `json:"paymentMethod,omitempty"`
	ReferenceID   string           `json:"referenceId,omitempty"`
	ReferenceType string           `json:"referenceType,omitempty"`
	Description   string           `json:"description,omitempty"`
	Notes         string           `json:"notes,omitempty"`
	ProcessedBy   string           `json:"processedBy,omitempty"`

	// transfer
	FromWalletID string `json:"fromWalletId,omitempty"`
	ToWalletID   string `json:"toWalletId,omitempty"`

	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// UpdateSettingsRequest is the PATCH /api/wallets body. Absent fields are
// unchanged; "clearLowBalanceAlert" removes the threshold.
type UpdateSettingsRequest struct {
	WalletID             string           `json:"walletId"`
	AutoPayEnabled       *bool            `json:"autoPayEnabled,omitempty"`
	LowBalanceAlert      *decimal.Decimal `json:"lowBalanceAlert,omitempty"`
	ClearLowBalanceAlert bool             `json:"clearLowBalanceAlert,omitempty"`
}

// SetActiveRequest toggles a wallet's active flag.
type SetActiveRequest struct {
	Active bool `json:"active"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toWalletDTO(w ledger.Wallet) WalletDTO {
	dto := WalletDTO{
		ID:               string(w.ID),
		PatientID:        string(w.PatientID),
		Balance:          w.Balance,
		TotalDeposits:    w.TotalDeposits,
		TotalWithdrawals: w.TotalWithdrawals,
		TotalPayments:    w.TotalPayments,
		TotalRefunds:     w.TotalRefunds,
		IsActive:         w.IsActive,
		AutoPayEnabled:   w.AutoPayEnabled,
		LowBalanceAlert:  w.LowBalanceAlert,
		LowBalance:       w.LowBalance(),
		Version:          w.Version,
		CreatedAt:        w.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        w.UpdatedAt.Format(time.RFC3339),
	}
	if w.LastTransactionAt != nil {
		s := w.LastTransactionAt.Format(time.RFC3339)
		dto.LastTransactionAt = &s
	}
	return dto
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:            string(tx.ID),
		WalletID:      string(tx.WalletID),
		Type:          string(tx.Type),
		Status:        string(tx.Status),
		Amount:        tx.Amount,
		BalanceBefore: tx.BalanceBefore,
		BalanceAfter:  tx.BalanceAfter,
		ReferenceID:   tx.ReferenceID,
		ReferenceType: tx.ReferenceType,
		PaymentMethod: string(tx.PaymentMethod),
		Description:   tx.Description,
		Notes:         tx.Notes,
		ProcessedBy:   tx.ProcessedBy,
		CreatedAt:     tx.CreatedAt.Format(time.RFC3339Nano),
	}
	if tx.Type == ledger.TxAdjustment {
		signed := tx.SignedAmount
		dto.SignedAmount = &signed
	}
	if tx.CompletedAt != nil {
		s := tx.CompletedAt.Format(time.RFC3339Nano)
		dto.CompletedAt = &s
	}
	return dto
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}
