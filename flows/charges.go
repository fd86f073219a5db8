package flows

import (
	"context"
	"fmt"

	"github.com/warp/coin-ledger/wallet"
)

type ChargeInput struct {
	UserID         wallet.UserID
	CreatorID      wallet.UserID // optional; credited the full amount when set
	Amount         int64
	Type           wallet.TransactionType // subscription_charge, ticket_purchase or call_charge
	Description    string
	IdempotencyKey string
	Metadata       map[string]any
}

type ChargeResult struct {
	Debit  wallet.Transaction
	Credit *wallet.Transaction
}

var chargeTypes = map[wallet.TransactionType]bool{
	wallet.TxSubscriptionCharge: true,
	wallet.TxTicketPurchase:     true,
	wallet.TxCallCharge:         true,
}

// Charge debits a fan for a subscription period, a ticket or a flat call
// fee. The caller's key is mandatory: a billing cycle or ticket order must
// never be charged twice.
func (s *Service) Charge(ctx context.Context, in ChargeInput) (ChargeResult, error) {
	if !chargeTypes[in.Type] {
		return ChargeResult{}, fmt.Errorf("%w: type %s is not a charge", ErrInvalidRequest, in.Type)
	}
	if in.IdempotencyKey == "" {
		return ChargeResult{}, ErrIdempotencyKeyRequired
	}
	if in.UserID == "" {
		return ChargeResult{}, wallet.ErrInvalidUser
	}
	if in.UserID == in.CreatorID {
		return ChargeResult{}, ErrSelfTransfer
	}
	if in.Amount <= 0 {
		return ChargeResult{}, wallet.ErrInvalidAmount
	}

	metadata := make(map[string]any, len(in.Metadata)+1)
	for k, v := range in.Metadata {
		metadata[k] = v
	}
	if in.CreatorID != "" {
		metadata["creator_id"] = string(in.CreatorID)
	}

	debit, err := s.ledger.CreateTransaction(ctx, wallet.TransactionInput{
		UserID:         in.UserID,
		Amount:         -in.Amount,
		Type:           in.Type,
		Description:    in.Description,
		IdempotencyKey: in.IdempotencyKey + "_debit",
		Metadata:       metadata,
	})
	if err != nil {
		return ChargeResult{}, err
	}
	result := ChargeResult{Debit: debit}
	if in.CreatorID == "" {
		return result, nil
	}

	credit, err := s.ledger.CreateTransaction(ctx, wallet.TransactionInput{
		UserID:               in.CreatorID,
		Amount:               in.Amount,
		Type:                 in.Type,
		Description:          fmt.Sprintf("%s from %s", in.Type, in.UserID),
		IdempotencyKey:       in.IdempotencyKey + "_credit",
		RelatedTransactionID: debit.ID,
		Metadata:             map[string]any{"payer": string(in.UserID)},
	})
	if err != nil {
		return result, err
	}
	result.Credit = &credit

	s.notify(ctx, in.CreatorID, string(in.Type), map[string]any{
		"from":   string(in.UserID),
		"amount": in.Amount,
	})
	return result, nil
}
