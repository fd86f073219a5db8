/*
handlers.go - HTTP API handlers for the coin wallet

PURPOSE:
  Exposes the wallet engine and the coin flows via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Wallets:
    GET    /api/wallets/{userID}               Balance, held, available, tier
    GET    /api/wallets/{userID}/transactions  History, newest first (?limit=)
    POST   /api/wallets/{userID}/reconcile     Reconcile one wallet
    GET    /api/wallets/{userID}/stream        Live events (websocket)
    GET    /api/holds/{holdID}                 Hold status

  Flows:
    POST   /api/tips                           Tip, DM tip or gift
    POST   /api/sessions                       Start a metered session (hold)
    POST   /api/sessions/{holdID}/end          Bill elapsed minutes (settle)
    POST   /api/sessions/{holdID}/cancel       Cancel without charge (release)
    POST   /api/charges                        Subscription, ticket, call charge

  Admin (RequireAdmin):
    POST   /api/admin/adjustments              Signed manual correction
    POST   /api/admin/payouts                  Creator cash-out
    GET    /api/admin/reconciliation/runs      Sweep history
    POST   /api/admin/reconciliation/run       Sweep all wallets now

  Webhooks:
    POST   /api/webhooks/payments              Payment provider deliveries

REQUEST FLOW:
  1. Bind the JSON body (render.Bind)
  2. Call the flow or engine operation
  3. Serialize response
  4. Map domain errors to HTTP status

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 402: Insufficient balance (body carries required and available)
  - 404: Hold not found
  - 409: Hold already resolved
  - 503: Persistence failure, safe to retry with the same idempotency key
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - auth.go: Admin authentication
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.uber.org/zap"

	"github.com/warp/coin-ledger/events/stream"
	"github.com/warp/coin-ledger/flows"
	"github.com/warp/coin-ledger/wallet"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger *wallet.Service
	Flows  *flows.Service

	// Optional collaborators; routes that need a nil one answer 404.
	Webhooks  http.Handler
	Stream    *stream.Hub
	Runs      wallet.RunStore
	Scheduler *ReconciliationScheduler

	logger *zap.Logger
}

// NewHandler creates a new handler for the given engine and flows.
func NewHandler(ledger *wallet.Service, fl *flows.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Ledger: ledger,
		Flows:  fl,
		logger: logger,
	}
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

// GetWallet returns the wallet, creating an empty one on first access.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID := wallet.UserID(chi.URLParam(r, "userID"))

	wal, err := h.Ledger.GetWallet(r.Context(), userID)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to get wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wal))
}

// GetTransactions returns the wallet's history, newest first.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID := wallet.UserID(chi.URLParam(r, "userID"))

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	txs, err := h.Ledger.History(r.Context(), userID, limit)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to get transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": toTransactionDTOs(txs)})
}

// ReconcileWallet checks one wallet against its history. It never repairs.
func (h *Handler) ReconcileWallet(w http.ResponseWriter, r *http.Request) {
	userID := wallet.UserID(chi.URLParam(r, "userID"))

	result, err := h.Ledger.ReconcileWallet(r.Context(), userID)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to reconcile wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(result))
}

// StreamWallet upgrades to a websocket and pushes the wallet's events.
// The first message is the current wallet.
func (h *Handler) StreamWallet(w http.ResponseWriter, r *http.Request) {
	if h.Stream == nil {
		writeError(w, http.StatusNotFound, "Streaming is not enabled", nil)
		return
	}
	userID := wallet.UserID(chi.URLParam(r, "userID"))

	wal, err := h.Ledger.GetWallet(r.Context(), userID)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to get wallet", err)
		return
	}
	h.Stream.Serve(w, r, userID, toWalletDTO(wal))
}

// GetHold returns a hold by ID.
func (h *Handler) GetHold(w http.ResponseWriter, r *http.Request) {
	hold, err := h.Ledger.GetHold(r.Context(), wallet.HoldID(chi.URLParam(r, "holdID")))
	if err != nil {
		h.writeLedgerError(w, r, "Failed to get hold", err)
		return
	}
	writeJSON(w, http.StatusOK, toHoldDTO(hold))
}

// =============================================================================
// FLOW HANDLERS
// =============================================================================

// CreateTip debits the sender and credits the creator.
func (h *Handler) CreateTip(w http.ResponseWriter, r *http.Request) {
	var req TipRequest
	if err := render.Bind(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.Flows.Tip(r.Context(), flows.TipInput{
		FromUserID:     wallet.UserID(req.FromUserID),
		ToUserID:       wallet.UserID(req.ToUserID),
		Amount:         req.Amount,
		Type:           wallet.TransactionType(req.Type),
		Message:        req.Message,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeLedgerError(w, r, "Failed to send tip", err)
		return
	}

	writeJSON(w, http.StatusCreated, TipResponse{
		Debit:  toTransactionDTO(result.Debit),
		Credit: toTransactionDTO(result.Credit),
	})
}

// StartSession reserves coins for a metered call or show.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := render.Bind(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	hold, err := h.Flows.StartSession(r.Context(), flows.SessionInput{
		UserID:        wallet.UserID(req.UserID),
		CreatorID:     wallet.UserID(req.CreatorID),
		RatePerMinute: req.RatePerMinute,
		MaxMinutes:    req.MaxMinutes,
		Purpose:       req.Purpose,
	})
	if err != nil {
		h.writeLedgerError(w, r, "Failed to start session", err)
		return
	}
	writeJSON(w, http.StatusCreated, SessionResponse{Hold: toHoldDTO(hold)})
}

// EndSession bills the elapsed minutes against the session's hold.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	var req EndSessionRequest
	if err := render.Bind(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ElapsedSeconds < 0 {
		writeError(w, http.StatusBadRequest, "elapsed_seconds must not be negative", nil)
		return
	}

	result, err := h.Flows.EndSession(r.Context(), flows.EndSessionInput{
		HoldID:        wallet.HoldID(chi.URLParam(r, "holdID")),
		CreatorID:     wallet.UserID(req.CreatorID),
		RatePerMinute: req.RatePerMinute,
		Elapsed:       time.Duration(req.ElapsedSeconds) * time.Second,
	})
	if err != nil {
		h.writeLedgerError(w, r, "Failed to end session", err)
		return
	}

	resp := SessionResponse{
		Hold:    toHoldDTO(result.Hold),
		Minutes: result.Minutes,
		Charged: result.Charged,
	}
	if result.Settlement != nil {
		dto := toTransactionDTO(*result.Settlement)
		resp.Settlement = &dto
	}
	if result.Earning != nil {
		dto := toTransactionDTO(*result.Earning)
		resp.Earning = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelSession releases the session's hold without charging.
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	hold, err := h.Flows.CancelSession(r.Context(), wallet.HoldID(chi.URLParam(r, "holdID")))
	if err != nil {
		h.writeLedgerError(w, r, "Failed to cancel session", err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Hold: toHoldDTO(hold)})
}

// CreateCharge debits a subscription, ticket or call fee.
func (h *Handler) CreateCharge(w http.ResponseWriter, r *http.Request) {
	var req ChargeRequest
	if err := render.Bind(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.Flows.Charge(r.Context(), flows.ChargeInput{
		UserID:         wallet.UserID(req.UserID),
		CreatorID:      wallet.UserID(req.CreatorID),
		Amount:         req.Amount,
		Type:           wallet.TransactionType(req.Type),
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		h.writeLedgerError(w, r, "Failed to charge", err)
		return
	}

	resp := ChargeResponse{Debit: toTransactionDTO(result.Debit)}
	if result.Credit != nil {
		dto := toTransactionDTO(*result.Credit)
		resp.Credit = &dto
	}
	writeJSON(w, http.StatusCreated, resp)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// CreateAdjustment records a signed correction attributed to the caller.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := render.Bind(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	tx, err := h.Flows.Adjust(r.Context(), flows.AdjustInput{
		UserID:         wallet.UserID(req.UserID),
		Amount:         req.Amount,
		Reason:         req.Reason,
		Actor:          ActorFromContext(r.Context()),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeLedgerError(w, r, "Failed to create adjustment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// CreatePayout cashes out creator coins.
func (h *Handler) CreatePayout(w http.ResponseWriter, r *http.Request) {
	var req PayoutRequest
	if err := render.Bind(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.Flows.Payout(r.Context(), flows.PayoutInput{
		UserID:         wallet.UserID(req.UserID),
		Coins:          req.Coins,
		Destination:    req.Destination,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeLedgerError(w, r, "Failed to create payout", err)
		return
	}

	writeJSON(w, http.StatusCreated, PayoutResponse{
		Transaction: toTransactionDTO(result.Transaction),
		FiatAmount:  result.FiatAmount.StringFixed(2),
		Currency:    result.Currency,
	})
}

// ListReconciliationRuns returns reconciliation run history, newest first.
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	if h.Runs == nil {
		writeError(w, http.StatusNotFound, "Reconciliation history is not available", nil)
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	runs, err := h.Runs.ListReconciliationRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get reconciliation runs", err)
		return
	}

	dtos := make([]ReconciliationRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toReconciliationRunDTO(run)
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// TriggerReconciliation sweeps all wallets synchronously.
func (h *Handler) TriggerReconciliation(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusNotFound, "Reconciliation is not enabled", nil)
		return
	}
	run := h.Scheduler.RunNow(r.Context())
	writeJSON(w, http.StatusOK, toReconciliationRunDTO(run))
}

// =============================================================================
// HELPERS
// =============================================================================

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

// writeLedgerError maps engine and flow errors to HTTP status codes.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, message string, err error) {
	var insufficient *wallet.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusPaymentRequired, ErrorResponse{
			Error:     message,
			Details:   err.Error(),
			Required:  &insufficient.Required,
			Available: &insufficient.Available,
		})
	case wallet.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, wallet.ErrHoldAlreadyResolved):
		writeError(w, http.StatusConflict, message, err)
	case wallet.IsClientError(err),
		errors.Is(err, flows.ErrInvalidRequest),
		errors.Is(err, flows.ErrSelfTransfer),
		errors.Is(err, flows.ErrIdempotencyKeyRequired):
		writeError(w, http.StatusBadRequest, message, err)
	case wallet.IsRetryable(err):
		h.logger.Error(message,
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r)),
			zap.Error(err),
		)
		writeError(w, http.StatusServiceUnavailable, message, err)
	default:
		h.logger.Error(message,
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r)),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, message, nil)
	}
}
