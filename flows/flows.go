/*
Package flows implements the product-level coin flows on top of the wallet engine.

PURPOSE:
  Each flow is a short sequence of engine calls. The engine guarantees each
  call is atomic and idempotent; flows derive per-leg idempotency keys from
  one caller key, so retrying a whole flow with the same key is always safe
  and finishes whatever a previous attempt left undone.

FLOWS:
  Tip / DM tip / gift   debit sender (<key>_debit), credit creator (<key>_credit)
  Metered session       hold on start, settle or release on end
  Charge                subscription, ticket or call charge (+ optional creator credit)
  Adjust                signed admin correction with reason and actor
  Payout                creator cash-out, fiat value recorded at a decimal rate

SIDE EFFECTS:
  Notifications run after the ledger calls return and never inside a unit
  of work. A failed notification is logged and does not fail the flow.

SEE ALSO:
  - wallet/service.go: The engine
*/
package flows

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/coin-ledger/wallet"
)

// Ledger is the part of the wallet engine the flows drive.
type Ledger interface {
	CreateTransaction(ctx context.Context, in wallet.TransactionInput) (wallet.Transaction, error)
	PlaceHold(ctx context.Context, userID wallet.UserID, amount int64, purpose string) (wallet.Hold, error)
	SettleHold(ctx context.Context, holdID wallet.HoldID, settleAmount int64) (wallet.Transaction, error)
	ReleaseHold(ctx context.Context, holdID wallet.HoldID) error
	GetHold(ctx context.Context, holdID wallet.HoldID) (wallet.Hold, error)
}

// Notifier delivers user-facing notifications (push, in-app).
type Notifier interface {
	Notify(ctx context.Context, userID wallet.UserID, kind string, data map[string]any) error
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, wallet.UserID, string, map[string]any) error { return nil }

// LogNotifier writes notifications to the log until a push service is wired.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, userID wallet.UserID, kind string, data map[string]any) error {
	n.Logger.Info("notification",
		zap.String("user_id", string(userID)),
		zap.String("kind", kind),
		zap.Any("data", data),
	)
	return nil
}

// DefaultCoinUSDRate is what one coin pays out to a creator.
var DefaultCoinUSDRate = decimal.RequireFromString("0.01")

type Service struct {
	ledger   Ledger
	notifier Notifier
	logger   *zap.Logger
	rate     decimal.Decimal
	newKey   func() string
}

type Option func(*Service)

func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }
func WithCoinUSDRate(r decimal.Decimal) Option { return func(s *Service) { s.rate = r } }

func New(ledger Ledger, opts ...Option) *Service {
	s := &Service{
		ledger:   ledger,
		notifier: NopNotifier{},
		logger:   zap.NewNop(),
		rate:     DefaultCoinUSDRate,
		newKey:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CoinUSDRate is the payout rate in effect.
func (s *Service) CoinUSDRate() decimal.Decimal {
	return s.rate
}

// keyOr returns key, or a fresh one when the caller did not supply any.
func (s *Service) keyOr(key string) string {
	if key != "" {
		return key
	}
	return s.newKey()
}

func (s *Service) notify(ctx context.Context, userID wallet.UserID, kind string, data map[string]any) {
	if err := s.notifier.Notify(ctx, userID, kind, data); err != nil {
		s.logger.Warn("notification failed",
			zap.String("user_id", string(userID)),
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
}
