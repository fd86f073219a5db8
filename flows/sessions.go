package flows

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/warp/coin-ledger/wallet"
)

// SessionInput starts a metered call or private show.
type SessionInput struct {
	UserID        wallet.UserID
	CreatorID     wallet.UserID
	RatePerMinute int64
	MaxMinutes    int64
	Purpose       string
}

// EndSessionInput closes a session. The caller owns session state, so it
// passes the rate and creator back in.
type EndSessionInput struct {
	HoldID        wallet.HoldID
	CreatorID     wallet.UserID
	RatePerMinute int64
	Elapsed       time.Duration
}

type SessionResult struct {
	Hold       wallet.Hold
	Settlement *wallet.Transaction
	Earning    *wallet.Transaction
	Minutes    int64
	Charged    int64
}

// BillableMinutes rounds a started minute up.
func BillableMinutes(elapsed time.Duration) int64 {
	if elapsed <= 0 {
		return 0
	}
	return int64(math.Ceil(elapsed.Minutes()))
}

// StartSession reserves RatePerMinute × MaxMinutes coins.
func (s *Service) StartSession(ctx context.Context, in SessionInput) (wallet.Hold, error) {
	if in.UserID == "" || in.CreatorID == "" {
		return wallet.Hold{}, wallet.ErrInvalidUser
	}
	if in.UserID == in.CreatorID {
		return wallet.Hold{}, ErrSelfTransfer
	}
	if in.RatePerMinute <= 0 || in.MaxMinutes <= 0 {
		return wallet.Hold{}, fmt.Errorf("%w: rate and max minutes must be positive", ErrInvalidRequest)
	}
	if in.RatePerMinute > math.MaxInt64/in.MaxMinutes {
		return wallet.Hold{}, fmt.Errorf("%w: reservation overflows", ErrInvalidRequest)
	}

	purpose := in.Purpose
	if purpose == "" {
		purpose = "session with " + string(in.CreatorID)
	}
	return s.ledger.PlaceHold(ctx, in.UserID, in.RatePerMinute*in.MaxMinutes, purpose)
}

// EndSession settles the hold for the minutes used and pays the creator
// what was actually collected. A session with nothing to charge releases
// the hold instead.
func (s *Service) EndSession(ctx context.Context, in EndSessionInput) (SessionResult, error) {
	if in.RatePerMinute <= 0 {
		return SessionResult{}, fmt.Errorf("%w: rate must be positive", ErrInvalidRequest)
	}
	hold, err := s.ledger.GetHold(ctx, in.HoldID)
	if err != nil {
		return SessionResult{}, err
	}
	if in.CreatorID == "" {
		return SessionResult{}, wallet.ErrInvalidUser
	}

	minutes := BillableMinutes(in.Elapsed)
	charge := minutes * in.RatePerMinute
	result := SessionResult{Minutes: minutes}

	if charge == 0 {
		if err := s.ledger.ReleaseHold(ctx, in.HoldID); err != nil {
			return SessionResult{}, err
		}
		result.Hold, err = s.ledger.GetHold(ctx, in.HoldID)
		return result, err
	}

	settlement, err := s.ledger.SettleHold(ctx, in.HoldID, charge)
	if err != nil {
		return SessionResult{}, err
	}
	result.Settlement = &settlement
	result.Charged = -settlement.Amount

	if result.Charged > 0 {
		earning, err := s.ledger.CreateTransaction(ctx, wallet.TransactionInput{
			UserID:               in.CreatorID,
			Amount:               result.Charged,
			Type:                 wallet.TxCallCharge,
			Description:          fmt.Sprintf("Session earnings from %s", hold.UserID),
			IdempotencyKey:       wallet.SettlementKey(in.HoldID) + "_credit",
			RelatedTransactionID: settlement.ID,
			Metadata: map[string]any{
				"hold_id": string(in.HoldID),
				"payer":   string(hold.UserID),
				"minutes": minutes,
			},
		})
		if err != nil {
			return result, err
		}
		result.Earning = &earning
		s.notify(ctx, in.CreatorID, "session_earnings", map[string]any{
			"from":    string(hold.UserID),
			"amount":  result.Charged,
			"minutes": minutes,
		})
	}

	result.Hold, err = s.ledger.GetHold(ctx, in.HoldID)
	return result, err
}

// CancelSession releases the hold without charging.
func (s *Service) CancelSession(ctx context.Context, holdID wallet.HoldID) (wallet.Hold, error) {
	if err := s.ledger.ReleaseHold(ctx, holdID); err != nil {
		return wallet.Hold{}, err
	}
	return s.ledger.GetHold(ctx, holdID)
}
