package flows

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/coin-ledger/wallet"
)

type AdjustInput struct {
	UserID         wallet.UserID
	Amount         int64 // signed
	Reason         string
	Actor          string
	IdempotencyKey string
}

// Adjust records a manual correction. Negative adjustments obey the same
// balance rules as any debit.
func (s *Service) Adjust(ctx context.Context, in AdjustInput) (wallet.Transaction, error) {
	if in.IdempotencyKey == "" {
		return wallet.Transaction{}, ErrIdempotencyKeyRequired
	}
	if in.Reason == "" || in.Actor == "" {
		return wallet.Transaction{}, fmt.Errorf("%w: reason and actor are required", ErrInvalidRequest)
	}

	tx, err := s.ledger.CreateTransaction(ctx, wallet.TransactionInput{
		UserID:         in.UserID,
		Amount:         in.Amount,
		Type:           wallet.TxAdjustment,
		Description:    "Adjustment: " + in.Reason,
		IdempotencyKey: in.IdempotencyKey,
		Metadata: map[string]any{
			"reason": in.Reason,
			"actor":  in.Actor,
		},
	})
	if err != nil {
		return wallet.Transaction{}, err
	}
	s.logger.Info("wallet adjusted",
		zap.String("user_id", string(in.UserID)),
		zap.Int64("amount", in.Amount),
		zap.String("actor", in.Actor),
		zap.String("reason", in.Reason),
		zap.String("transaction_id", string(tx.ID)),
	)
	return tx, nil
}

type PayoutInput struct {
	UserID         wallet.UserID
	Coins          int64
	Destination    string
	IdempotencyKey string
}

type PayoutResult struct {
	Transaction wallet.Transaction
	FiatAmount  decimal.Decimal
	Currency    string
}

// FiatValue converts coins at rate, rounded down to the cent.
func FiatValue(coins int64, rate decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(coins).Mul(rate).RoundDown(2)
}

// Payout debits a creator's coins for cash-out and records the fiat value
// at the rate in effect.
func (s *Service) Payout(ctx context.Context, in PayoutInput) (PayoutResult, error) {
	if in.IdempotencyKey == "" {
		return PayoutResult{}, ErrIdempotencyKeyRequired
	}
	if in.Coins <= 0 {
		return PayoutResult{}, wallet.ErrInvalidAmount
	}

	fiat := FiatValue(in.Coins, s.rate)
	tx, err := s.ledger.CreateTransaction(ctx, wallet.TransactionInput{
		UserID:         in.UserID,
		Amount:         -in.Coins,
		Type:           wallet.TxPayout,
		Description:    fmt.Sprintf("Payout of %d coins ($%s)", in.Coins, fiat.StringFixed(2)),
		IdempotencyKey: in.IdempotencyKey,
		Metadata: map[string]any{
			"fiat_amount": fiat.StringFixed(2),
			"currency":    "USD",
			"rate":        s.rate.String(),
			"destination": in.Destination,
		},
	})
	if err != nil {
		return PayoutResult{}, err
	}

	// A replay returns the original transaction; report the fiat value it
	// was recorded with, not today's rate.
	if recorded, ok := tx.Metadata["fiat_amount"].(string); ok {
		if d, err := decimal.NewFromString(recorded); err == nil {
			fiat = d
		}
	}

	s.notify(ctx, in.UserID, "payout_requested", map[string]any{
		"coins":       in.Coins,
		"fiat_amount": fiat.StringFixed(2),
	})
	return PayoutResult{Transaction: tx, FiatAmount: fiat, Currency: "USD"}, nil
}
