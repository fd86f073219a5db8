/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the wallet domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Coins are integers in every request and response. Fiat values are
  decimal strings ("12.50"), never floats.

VALIDATION:
  Validation is done by the flows and the engine, not in DTOs. Request
  Bind methods only reject structurally empty bodies.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/warp/coin-ledger/wallet"
)

// =============================================================================
// WALLET
// =============================================================================

type WalletDTO struct {
	UserID        string    `json:"user_id"`
	Balance       int64     `json:"balance"`
	HeldBalance   int64     `json:"held_balance"`
	Available     int64     `json:"available"`
	LifetimeSpent int64     `json:"lifetime_spent"`
	Tier          string    `json:"tier"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toWalletDTO(w wallet.Wallet) WalletDTO {
	return WalletDTO{
		UserID:        string(w.UserID),
		Balance:       w.Balance,
		HeldBalance:   w.HeldBalance,
		Available:     w.Available(),
		LifetimeSpent: w.LifetimeSpent,
		Tier:          string(w.Tier),
		UpdatedAt:     w.UpdatedAt,
	}
}

type TransactionDTO struct {
	ID                   string         `json:"id"`
	UserID               string         `json:"user_id"`
	Amount               int64          `json:"amount"`
	Type                 string         `json:"type"`
	Status               string         `json:"status"`
	Description          string         `json:"description,omitempty"`
	IdempotencyKey       string         `json:"idempotency_key,omitempty"`
	RelatedTransactionID string         `json:"related_transaction_id,omitempty"`
	Metadata             map[string]any `json:"metadata,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
}

func toTransactionDTO(tx wallet.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:                   string(tx.ID),
		UserID:               string(tx.UserID),
		Amount:               tx.Amount,
		Type:                 string(tx.Type),
		Status:               string(tx.Status),
		Description:          tx.Description,
		IdempotencyKey:       tx.IdempotencyKey,
		RelatedTransactionID: string(tx.RelatedTransactionID),
		Metadata:             tx.Metadata,
		CreatedAt:            tx.CreatedAt,
	}
}

func toTransactionDTOs(txs []wallet.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

type HoldDTO struct {
	ID                      string     `json:"id"`
	UserID                  string     `json:"user_id"`
	Amount                  int64      `json:"amount"`
	Purpose                 string     `json:"purpose,omitempty"`
	Status                  string     `json:"status"`
	SettlementTransactionID string     `json:"settlement_transaction_id,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
	ResolvedAt              *time.Time `json:"resolved_at,omitempty"`
}

func toHoldDTO(h wallet.Hold) HoldDTO {
	return HoldDTO{
		ID:                      string(h.ID),
		UserID:                  string(h.UserID),
		Amount:                  h.Amount,
		Purpose:                 h.Purpose,
		Status:                  string(h.Status),
		SettlementTransactionID: string(h.SettlementTransactionID),
		CreatedAt:               h.CreatedAt,
		ResolvedAt:              h.ResolvedAt,
	}
}

type ReconciliationDTO struct {
	UserID         string    `json:"user_id"`
	Status         string    `json:"status"`
	Balance        int64     `json:"balance"`
	TransactionSum int64     `json:"transaction_sum"`
	Discrepancy    int64     `json:"discrepancy"`
	CheckedAt      time.Time `json:"checked_at"`
}

func toReconciliationDTO(r wallet.Reconciliation) ReconciliationDTO {
	return ReconciliationDTO{
		UserID:         string(r.UserID),
		Status:         string(r.Status),
		Balance:        r.Balance,
		TransactionSum: r.TransactionSum,
		Discrepancy:    r.Amount,
		CheckedAt:      r.CheckedAt,
	}
}

type ReconciliationRunDTO struct {
	ID             string              `json:"id"`
	Status         string              `json:"status"`
	StartedAt      time.Time           `json:"started_at"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
	WalletsChecked int                 `json:"wallets_checked"`
	Discrepancies  []ReconciliationDTO `json:"discrepancies"`
	Error          string              `json:"error,omitempty"`
}

func toReconciliationRunDTO(r wallet.ReconciliationRun) ReconciliationRunDTO {
	dto := ReconciliationRunDTO{
		ID:             r.ID,
		Status:         r.Status,
		StartedAt:      r.StartedAt,
		WalletsChecked: r.WalletsChecked,
		Discrepancies:  make([]ReconciliationDTO, len(r.Discrepancies)),
		Error:          r.Error,
	}
	if !r.CompletedAt.IsZero() {
		completed := r.CompletedAt
		dto.CompletedAt = &completed
	}
	for i, d := range r.Discrepancies {
		dto.Discrepancies[i] = toReconciliationDTO(d)
	}
	return dto
}

// =============================================================================
// REQUESTS
// =============================================================================

var errEmptyBody = errors.New("request body is required")

type TipRequest struct {
	FromUserID     string `json:"from_user_id"`
	ToUserID       string `json:"to_user_id"`
	Amount         int64  `json:"amount"`
	Type           string `json:"type,omitempty"` // tip, dm_tip, gift
	Message        string `json:"message,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (r *TipRequest) Bind(*http.Request) error {
	if r.FromUserID == "" && r.ToUserID == "" && r.Amount == 0 {
		return errEmptyBody
	}
	return nil
}

type TipResponse struct {
	Debit  TransactionDTO `json:"debit"`
	Credit TransactionDTO `json:"credit"`
}

type StartSessionRequest struct {
	UserID        string `json:"user_id"`
	CreatorID     string `json:"creator_id"`
	RatePerMinute int64  `json:"rate_per_minute"`
	MaxMinutes    int64  `json:"max_minutes"`
	Purpose       string `json:"purpose,omitempty"`
}

func (r *StartSessionRequest) Bind(*http.Request) error {
	if r.UserID == "" && r.CreatorID == "" {
		return errEmptyBody
	}
	return nil
}

type EndSessionRequest struct {
	CreatorID      string `json:"creator_id"`
	RatePerMinute  int64  `json:"rate_per_minute"`
	ElapsedSeconds int64  `json:"elapsed_seconds"`
}

func (r *EndSessionRequest) Bind(*http.Request) error {
	if r.CreatorID == "" {
		return errEmptyBody
	}
	return nil
}

type SessionResponse struct {
	Hold       HoldDTO         `json:"hold"`
	Minutes    int64           `json:"minutes"`
	Charged    int64           `json:"charged"`
	Settlement *TransactionDTO `json:"settlement,omitempty"`
	Earning    *TransactionDTO `json:"earning,omitempty"`
}

type ChargeRequest struct {
	UserID         string         `json:"user_id"`
	CreatorID      string         `json:"creator_id,omitempty"`
	Amount         int64          `json:"amount"`
	Type           string         `json:"type"` // subscription_charge, ticket_purchase, call_charge
	Description    string         `json:"description,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (r *ChargeRequest) Bind(*http.Request) error {
	if r.UserID == "" && r.Amount == 0 {
		return errEmptyBody
	}
	return nil
}

type ChargeResponse struct {
	Debit  TransactionDTO  `json:"debit"`
	Credit *TransactionDTO `json:"credit,omitempty"`
}

type AdjustmentRequest struct {
	UserID         string `json:"user_id"`
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (r *AdjustmentRequest) Bind(*http.Request) error {
	if r.UserID == "" && r.Amount == 0 {
		return errEmptyBody
	}
	return nil
}

type PayoutRequest struct {
	UserID         string `json:"user_id"`
	Coins          int64  `json:"coins"`
	Destination    string `json:"destination,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (r *PayoutRequest) Bind(*http.Request) error {
	if r.UserID == "" && r.Coins == 0 {
		return errEmptyBody
	}
	return nil
}

type PayoutResponse struct {
	Transaction TransactionDTO `json:"transaction"`
	FiatAmount  string         `json:"fiat_amount"`
	Currency    string         `json:"currency"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Required  *int64 `json:"required,omitempty"`
	Available *int64 `json:"available,omitempty"`
}
