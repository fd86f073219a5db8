/*
Package wallet provides the coin wallet ledger engine.

PURPOSE:
  Owns per-user coin balances and the append-only transaction log.
  Tips, subscriptions, ticketed shows, metered calls, payment webhooks and
  payouts all move coins through this package. Nothing else writes wallet
  state.

KEY CONCEPTS IN THIS FILE (types.go):
  - Wallet: balance + held (reserved) balance for one user
  - Transaction: an immutable ledger entry (positive = credit, negative = debit)
  - Hold: a two-phase reservation, resolved by settlement or release

INVARIANTS:
  1. Balance >= 0
  2. 0 <= HeldBalance <= Balance
  3. sum(completed transactions) == Balance  (see ReconcileWallet)
  4. One idempotency key = at most one balance mutation

AMOUNTS:
  Coins are whole units, stored as int64. There is no fractional coin.

SEE ALSO:
  - service.go: The engine operations
  - store.go: Persistence contract (atomic unit of work per wallet)
  - errors.go: Error taxonomy
*/
package wallet

import (
	"fmt"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TransactionID string
type HoldID string

// =============================================================================
// WALLET - Per-user balance state
// =============================================================================

// Wallet is the stored balance row for one user.
// It is created lazily with zero balances and never deleted.
type Wallet struct {
	UserID        UserID
	Balance       int64
	HeldBalance   int64
	LifetimeSpent int64
	Tier          Tier
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Available is the amount the user can spend right now.
func (w Wallet) Available() int64 {
	return w.Balance - w.HeldBalance
}

// CheckInvariants enforces 0 <= HeldBalance <= Balance. Stores call it
// before persisting, the same way the SQL schemas carry CHECK constraints.
func (w Wallet) CheckInvariants() error {
	if w.Balance < 0 || w.HeldBalance < 0 || w.HeldBalance > w.Balance {
		return fmt.Errorf("%w: user %s balance %d held %d", ErrInvariantViolation, w.UserID, w.Balance, w.HeldBalance)
	}
	return nil
}

// NewWallet returns an empty wallet for userID.
func NewWallet(userID UserID, now time.Time) Wallet {
	return Wallet{
		UserID:    userID,
		Tier:      TierBronze,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// =============================================================================
// TRANSACTION - Append-only ledger entry
// =============================================================================

type TransactionType string

const (
	TxPurchase           TransactionType = "purchase"            // Coins bought through the payment provider
	TxTip                TransactionType = "tip"                 // Tip on a stream or profile
	TxDMTip              TransactionType = "dm_tip"              // Tip attached to a direct message
	TxGift               TransactionType = "gift"                // Virtual gift
	TxCallCharge         TransactionType = "call_charge"         // Flat call charge
	TxSubscriptionCharge TransactionType = "subscription_charge" // Recurring creator subscription
	TxTicketPurchase     TransactionType = "ticket_purchase"     // Ticketed show
	TxReferralBonus      TransactionType = "referral_bonus"      // Referral reward
	TxPayout             TransactionType = "payout"              // Creator cash-out
	TxHoldSettlement     TransactionType = "hold_settlement"     // Settled metered session
	TxAdjustment         TransactionType = "adjustment"          // Manual admin correction
	TxRefund             TransactionType = "refund"              // Refund of an earlier charge
)

var transactionTypes = map[TransactionType]bool{
	TxPurchase:           true,
	TxTip:                true,
	TxDMTip:              true,
	TxGift:               true,
	TxCallCharge:         true,
	TxSubscriptionCharge: true,
	TxTicketPurchase:     true,
	TxReferralBonus:      true,
	TxPayout:             true,
	TxHoldSettlement:     true,
	TxAdjustment:         true,
	TxRefund:             true,
}

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	return transactionTypes[t]
}

// IsSpend reports whether a debit of this type counts toward lifetime spend.
// Payouts and admin adjustments move coins but are not spending.
func (t TransactionType) IsSpend() bool {
	switch t {
	case TxTip, TxDMTip, TxGift, TxCallCharge, TxSubscriptionCharge, TxTicketPurchase, TxHoldSettlement:
		return true
	}
	return false
}

type TransactionStatus string

// StatusCompleted is the only status the ledger writes.
const StatusCompleted TransactionStatus = "completed"

type Transaction struct {
	ID                   TransactionID
	UserID               UserID
	Amount               int64
	Type                 TransactionType
	Status               TransactionStatus
	Description          string
	IdempotencyKey       string
	RelatedTransactionID TransactionID
	Metadata             map[string]any
	CreatedAt            time.Time
}

// TransactionInput is what callers pass to CreateTransaction.
type TransactionInput struct {
	UserID               UserID
	Amount               int64
	Type                 TransactionType
	Description          string
	IdempotencyKey       string
	RelatedTransactionID TransactionID
	Metadata             map[string]any
}

// =============================================================================
// HOLD - Two-phase reservation
// =============================================================================

type HoldStatus string

const (
	HoldActive   HoldStatus = "active"
	HoldSettled  HoldStatus = "settled"
	HoldReleased HoldStatus = "released"
)

// Hold reserves coins for a metered session without debiting them.
//
// State machine: active -> settled | active -> released. Both are terminal.
type Hold struct {
	ID                      HoldID
	UserID                  UserID
	Amount                  int64
	Purpose                 string
	Status                  HoldStatus
	SettlementTransactionID TransactionID
	CreatedAt               time.Time
	ResolvedAt              *time.Time
}

func (h Hold) IsActive() bool { return h.Status == HoldActive }

// SettlementKey is the idempotency key of the settlement transaction for a hold.
func SettlementKey(id HoldID) string {
	return "hold_settlement_" + string(id)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

type ReconciliationStatus string

const (
	ReconcileOK          ReconciliationStatus = "ok"
	ReconcileDiscrepancy ReconciliationStatus = "discrepancy"
)

// Reconciliation compares the stored balance with the transaction history.
// Amount is Balance - TransactionSum and is only set on a discrepancy.
type Reconciliation struct {
	UserID         UserID
	Status         ReconciliationStatus
	Balance        int64
	TransactionSum int64
	Amount         int64
	CheckedAt      time.Time
}

// ReconciliationRun records one sweep of the reconciliation scheduler.
type ReconciliationRun struct {
	ID             string
	StartedAt      time.Time
	CompletedAt    time.Time
	WalletsChecked int
	Discrepancies  []Reconciliation
	Status         string // "completed" or "failed"
	Error          string
}
