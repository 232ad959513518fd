/*
handlers.go - HTTP API handlers for the wallet ledger

PURPOSE:
  Exposes the ledger core via REST. Handles HTTP request/response, JSON
  serialization, and delegates to the lifecycle manager, processor, and
  query façade.

ENDPOINTS:
  GET    /api/wallets?patientId=ID        Snapshot, auto-creating on first access
  GET    /api/wallets/{id}                Snapshot by wallet ID
  GET    /api/wallets/{id}/transactions   Paginated history, newest first
  GET    /api/wallets/{id}/audit          Chain verification report
  POST   /api/wallets                     {action: create|deposit|withdraw|
                                           payment|refund|adjustment|transfer}
  PATCH  /api/wallets                     Settings-only update
  POST   /api/wallets/{id}/active         Activate/deactivate

ERROR HANDLING:
  Errors map to HTTP status by category:
  - 400: invalid amount, malformed input, refund policy violations
  - 404: wallet/transaction not found
  - 409: inactive wallet, retries exhausted, same-wallet transfer
  - 422: insufficient balance (response carries the current balance)
  - 500: internal errors
  The settings write path and the balance write path are deliberately
  separate operations so the chain's write path stays minimal.

IDEMPOTENCY:
  Clients pass a key in the Idempotency-Key header or the request body.
  Retried submissions return the originally produced result.

SEE ALSO:
  - dto.go: Request/response shapes
  - server.go: Router and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/clinix/wallet-ledger/ledger"
)

// Handler holds the ledger components the HTTP layer delegates to.
type Handler struct {
	Lifecycle  *ledger.Lifecycle
	Processor  *ledger.Processor
	Query      *ledger.Query
	Aggregator *ledger.Aggregator
	Log        zerolog.Logger
}

// NewHandler wires a handler over a store.
func NewHandler(store ledger.Store, sink ledger.AlertSink, log zerolog.Logger) *Handler {
	return &Handler{
		Lifecycle:  ledger.NewLifecycle(store, log),
		Processor:  ledger.NewProcessor(store, log),
		Query:      ledger.NewQuery(store),
		Aggregator: ledger.NewAggregator(store, sink, log),
		Log:        log,
	}
}

// =============================================================================
// READ ENDPOINTS
// =============================================================================

// GetWalletByPatient returns the patient's wallet, creating it on first
// access.
// GET /api/wallets?patientId=ID
func (h *Handler) GetWalletByPatient(w http.ResponseWriter, r *http.Request) {
	patientID := r.URL.Query().Get("patientId")
	if patientID == "" {
		writeError(w, http.StatusBadRequest, "patientId is required", nil)
		return
	}

	wallet, err := h.Lifecycle.GetOrCreateWallet(r.Context(), ledger.PatientID(patientID))
	if err != nil {
		h.writeLedgerError(w, "Failed to resolve wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wallet))
}

// GetWallet returns a wallet snapshot.
// GET /api/wallets/{id}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	id := ledger.WalletID(chi.URLParam(r, "id"))
	wallet, err := h.Query.GetWallet(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, "Failed to get wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wallet))
}

// ListTransactions returns a page of history, newest first.
// GET /api/wallets/{id}/transactions?limit=N&offset=M
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	id := ledger.WalletID(chi.URLParam(r, "id"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	page, err := h.Query.ListTransactions(r.Context(), id, limit, offset)
	if err != nil {
		h.writeLedgerError(w, "Failed to list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, TransactionPageDTO{
		Transactions: toTransactionDTOs(page.Transactions),
		Total:        page.Total,
		Limit:        page.Limit,
		Offset:       page.Offset,
	})
}

// AuditWallet runs a chain verification pass over one wallet.
// GET /api/wallets/{id}/audit
func (h *Handler) AuditWallet(w http.ResponseWriter, r *http.Request) {
	id := ledger.WalletID(chi.URLParam(r, "id"))
	report, err := h.Aggregator.VerifyChain(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, "Failed to audit wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, AuditReportDTO{
		WalletID: string(report.WalletID),
		Checked:  report.Checked,
		OK:       report.OK(),
		Issues:   report.Issues,
	})
}

// =============================================================================
// WRITE ENDPOINTS
// =============================================================================

// WalletAction is the single mutating entry point for balance-affecting
// operations and wallet creation.
// POST /api/wallets
func (h *Handler) WalletAction(w http.ResponseWriter, r *http.Request) {
	var req WalletActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	switch req.Action {
	case "create":
		h.createWallet(w, r, req)
	case "deposit", "withdraw", "payment", "refund", "adjustment":
		h.applyOperation(w, r, req)
	case "transfer":
		h.transfer(w, r, req)
	default:
		writeError(w, http.StatusBadRequest, "Unknown action: "+req.Action, nil)
	}
}

func (h *Handler) createWallet(w http.ResponseWriter, r *http.Request, req WalletActionRequest) {
	if req.PatientID == "" {
		writeError(w, http.StatusBadRequest, "patientId is required", nil)
		return
	}
	wallet, err := h.Lifecycle.GetOrCreateWallet(r.Context(), ledger.PatientID(req.PatientID))
	if err != nil {
		h.writeLedgerError(w, "Failed to create wallet", err)
		return
	}
	writeJSON(w, http.StatusCreated, toWalletDTO(wallet))
}

func (h *Handler) applyOperation(w http.ResponseWriter, r *http.Request, req WalletActionRequest) {
	if req.WalletID == "" {
		writeError(w, http.StatusBadRequest, "walletId is required", nil)
		return
	}
	if req.Amount == nil {
		writeError(w, http.StatusBadRequest, "amount is required", nil)
		return
	}

	op := ledger.Request{
		WalletID:       ledger.WalletID(req.WalletID),
		Amount:         *req.Amount,
		PaymentMethod:  ledger.PaymentMethod(req.PaymentMethod),
		ReferenceID:    req.ReferenceID,
		ReferenceType:  req.ReferenceType,
		Description:    req.Description,
		Notes:          req.Notes,
		ProcessedBy:    req.ProcessedBy,
		IdempotencyKey: req.IdempotencyKey,
	}

	var (
		res *ledger.Result
		err error
	)
	ctx := r.Context()
	switch req.Action {
	case "deposit":
		res, err = h.Processor.Deposit(ctx, op)
	case "withdraw":
		res, err = h.Processor.Withdraw(ctx, op)
	case "payment":
		res, err = h.Processor.Pay(ctx, op)
	case "refund":
		res, err = h.Processor.Refund(ctx, op)
	case "adjustment":
		res, err = h.Processor.Adjust(ctx, op)
	}
	if err != nil {
		h.writeLedgerError(w, "Operation failed", err)
		return
	}

	h.Aggregator.EvaluateAlerts(ctx, *res)
	writeJSON(w, http.StatusOK, OperationResponse{
		Wallet:      toWalletDTO(res.Wallet),
		Transaction: toTransactionDTO(res.Tx),
	})
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request, req WalletActionRequest) {
	if req.FromWalletID == "" || req.ToWalletID == "" {
		writeError(w, http.StatusBadRequest, "fromWalletId and toWalletId are required", nil)
		return
	}
	if req.Amount == nil {
		writeError(w, http.StatusBadRequest, "amount is required", nil)
		return
	}

	ctx := r.Context()
	res, err := h.Processor.Transfer(ctx, ledger.TransferRequest{
		FromWalletID:   ledger.WalletID(req.FromWalletID),
		ToWalletID:     ledger.WalletID(req.ToWalletID),
		Amount:         *req.Amount,
		Description:    req.Description,
		Notes:          req.Notes,
		ProcessedBy:    req.ProcessedBy,
		IdempotencyKey: req.IdempotencyKey,
	})

	// A compensated transfer is a completed-but-reversed outcome, reported
	// with its compensation detail rather than as opaque failure.
	var partial *ledger.TransferPartialFailureError
	if errors.As(err, &partial) && res != nil {
		h.Aggregator.EvaluateAlerts(ctx, res.Out)
		outDTO := toTransactionDTO(res.Out.Tx)
		fromDTO := toWalletDTO(res.Out.Wallet)
		writeJSON(w, http.StatusConflict, TransferResponse{
			CorrelationID: res.CorrelationID,
			Out:           &outDTO,
			FromWallet:    &fromDTO,
			Compensated:   true,
			Detail:        partial.Error(),
		})
		return
	}
	if err != nil {
		h.writeLedgerError(w, "Transfer failed", err)
		return
	}

	h.Aggregator.EvaluateAlerts(ctx, res.Out)
	h.Aggregator.EvaluateAlerts(ctx, res.In)
	outDTO := toTransactionDTO(res.Out.Tx)
	inDTO := toTransactionDTO(res.In.Tx)
	fromDTO := toWalletDTO(res.Out.Wallet)
	toDTO := toWalletDTO(res.In.Wallet)
	writeJSON(w, http.StatusOK, TransferResponse{
		CorrelationID: res.CorrelationID,
		Out:           &outDTO,
		In:            &inDTO,
		FromWallet:    &fromDTO,
		ToWallet:      &toDTO,
	})
}

// UpdateSettings applies a settings-only update; it never touches the
// balance or the transaction chain.
// PATCH /api/wallets
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req UpdateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.WalletID == "" {
		writeError(w, http.StatusBadRequest, "walletId is required", nil)
		return
	}

	wallet, err := h.Lifecycle.UpdateSettings(r.Context(), ledger.WalletID(req.WalletID), ledger.SettingsUpdate{
		AutoPayEnabled:       req.AutoPayEnabled,
		LowBalanceAlert:      req.LowBalanceAlert,
		ClearLowBalanceAlert: req.ClearLowBalanceAlert,
	})
	if err != nil {
		h.writeLedgerError(w, "Failed to update settings", err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wallet))
}

// SetActive activates or deactivates a wallet.
// POST /api/wallets/{id}/active
func (h *Handler) SetActive(w http.ResponseWriter, r *http.Request) {
	id := ledger.WalletID(chi.URLParam(r, "id"))
	var req SetActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	wallet, err := h.Lifecycle.SetActive(r.Context(), id, req.Active)
	if err != nil {
		h.writeLedgerError(w, "Failed to update wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wallet))
}

// =============================================================================
// ERROR MAPPING AND JSON HELPERS
// =============================================================================

func (h *Handler) writeLedgerError(w http.ResponseWriter, message string, err error) {
	var insufficient *ledger.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		balance := insufficient.Available
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   message,
			Details: err.Error(),
			Balance: &balance,
		})
		return
	}

	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, ledger.ErrWalletInactive),
		errors.Is(err, ledger.ErrConcurrentModification),
		errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		writeError(w, http.StatusConflict, message, err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		h.Log.Error().Err(err).Msg(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
