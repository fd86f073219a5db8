package flows

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/coin-ledger/wallet"
)

type TipInput struct {
	FromUserID     wallet.UserID
	ToUserID       wallet.UserID
	Amount         int64
	Type           wallet.TransactionType // tip, dm_tip or gift; tip when empty
	Message        string
	IdempotencyKey string
}

type TipResult struct {
	Debit  wallet.Transaction
	Credit wallet.Transaction
}

// Tip moves coins from a fan to a creator.
//
// If the credit leg fails after the debit committed, Tip returns the error;
// calling it again with the same key replays the debit and applies the
// credit.
func (s *Service) Tip(ctx context.Context, in TipInput) (TipResult, error) {
	if in.Type == "" {
		in.Type = wallet.TxTip
	}
	switch in.Type {
	case wallet.TxTip, wallet.TxDMTip, wallet.TxGift:
	default:
		return TipResult{}, fmt.Errorf("%w: type %s is not a tip", ErrInvalidRequest, in.Type)
	}
	if in.FromUserID == "" || in.ToUserID == "" {
		return TipResult{}, wallet.ErrInvalidUser
	}
	if in.FromUserID == in.ToUserID {
		return TipResult{}, ErrSelfTransfer
	}
	if in.Amount <= 0 {
		return TipResult{}, wallet.ErrInvalidAmount
	}
	key := s.keyOr(in.IdempotencyKey)

	debit, err := s.ledger.CreateTransaction(ctx, wallet.TransactionInput{
		UserID:         in.FromUserID,
		Amount:         -in.Amount,
		Type:           in.Type,
		Description:    fmt.Sprintf("%s to %s", in.Type, in.ToUserID),
		IdempotencyKey: key + "_debit",
		Metadata: map[string]any{
			"recipient_id": string(in.ToUserID),
			"message":      in.Message,
		},
	})
	if err != nil {
		return TipResult{}, err
	}

	credit, err := s.ledger.CreateTransaction(ctx, wallet.TransactionInput{
		UserID:               in.ToUserID,
		Amount:               in.Amount,
		Type:                 in.Type,
		Description:          fmt.Sprintf("%s from %s", in.Type, in.FromUserID),
		IdempotencyKey:       key + "_credit",
		RelatedTransactionID: debit.ID,
		Metadata: map[string]any{
			"sender_id": string(in.FromUserID),
		},
	})
	if err != nil {
		s.logger.Error("tip credit leg failed after debit",
			zap.String("idempotency_key", key),
			zap.String("debit_id", string(debit.ID)),
			zap.Error(err),
		)
		return TipResult{Debit: debit}, err
	}

	s.notify(ctx, in.ToUserID, "tip_received", map[string]any{
		"from":    string(in.FromUserID),
		"amount":  in.Amount,
		"type":    string(in.Type),
		"message": in.Message,
	})
	return TipResult{Debit: debit, Credit: credit}, nil
}
