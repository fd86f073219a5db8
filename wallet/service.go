/*
service.go - The wallet ledger engine

PURPOSE:
  Service is the only writer of wallet state. Every mutating operation runs
  as one atomic unit of work on the user's wallet row:

    1. take the per-user lease (KeyedMutex)
    2. Store.WithWallet: lock row, read, validate, write, commit or roll back
    3. invalidate the cached balance
    4. release the lease, publish the event

  Different users never share a lease, so they proceed in parallel.

OPERATIONS:
  CreateTransaction    credit or debit, idempotent on IdempotencyKey
  PlaceHold            reserve coins for a metered session
  SettleHold           turn a hold into a debit (capped, see below)
  ReleaseHold          cancel a hold, no transaction
  GetAvailableBalance  Balance - HeldBalance, cache-assisted
  ReconcileWallet      detection-only balance vs history check

SETTLEMENT CAPPING:
  SettleHold debits min(settleAmount, Balance - other active holds). If the
  wallet drifted below what was reserved, the session is under-collected
  rather than driving the balance negative. This favors "never go negative"
  over "always collect what was reserved".

RETRIES:
  A unit of work that hits ErrConcurrentModification is run again, up to
  MaxRetries attempts in total. Anything else from the store surfaces as
  *PersistenceError.
*/
package wallet

import (
	"context"
	"errors"
	"maps"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMaxRetries is the number of attempts a conflicting unit of work gets.
const DefaultMaxRetries = 3

// Service implements the wallet ledger engine.
type Service struct {
	store      Store
	cache      BalanceCache
	publisher  Publisher
	logger     *zap.Logger
	locks      *KeyedMutex
	now        func() time.Time
	newID      func() string
	maxRetries int
}

type Option func(*Service)

func WithCache(c BalanceCache) Option { return func(s *Service) { s.cache = c } }
func WithPublisher(p Publisher) Option { return func(s *Service) { s.publisher = p } }
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithIDGenerator(f func() string) Option { return func(s *Service) { s.newID = f } }
func WithMaxRetries(n int) Option { return func(s *Service) { s.maxRetries = n } }

// NewService creates the engine. Without options it uses no cache, no
// publisher and a no-op logger.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:      store,
		cache:      NopCache{},
		publisher:  NopPublisher{},
		logger:     zap.NewNop(),
		locks:      NewKeyedMutex(),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// CreateTransaction appends a credit (Amount > 0) or debit (Amount < 0).
//
// A known IdempotencyKey returns the stored transaction unchanged and
// mutates nothing. Debits fail with *InsufficientBalanceError when
// |Amount| > Balance - HeldBalance.
func (s *Service) CreateTransaction(ctx context.Context, in TransactionInput) (Transaction, error) {
	const op = "create_transaction"
	start := time.Now()

	if err := validateInput(in); err != nil {
		s.track(op, start, err)
		return Transaction{}, err
	}

	if in.IdempotencyKey != "" {
		existing, err := s.store.TransactionByKey(ctx, in.IdempotencyKey)
		if err != nil {
			err = &PersistenceError{Op: op, Err: err}
			s.track(op, start, err)
			return Transaction{}, err
		}
		if existing != nil {
			return s.replay(op, start, in, *existing), nil
		}
	}

	var (
		created  Transaction
		after    Wallet
		replayed *Transaction
	)
	err := s.withWallet(ctx, op, in.UserID, func(wtx WalletTx) error {
		replayed = nil
		if in.IdempotencyKey != "" {
			existing, err := wtx.TransactionByKey(ctx, in.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				replayed = existing
				return nil
			}
		}

		w, err := wtx.Wallet(ctx)
		if err != nil {
			return err
		}
		if in.Amount < 0 && -in.Amount > w.Available() {
			return &InsufficientBalanceError{UserID: in.UserID, Required: -in.Amount, Available: w.Available()}
		}
		if in.Amount > 0 && in.Amount > math.MaxInt64-w.Balance {
			return ErrInvalidAmount
		}

		now := s.now()
		tx := Transaction{
			ID:                   TransactionID(s.newID()),
			UserID:               in.UserID,
			Amount:               in.Amount,
			Type:                 in.Type,
			Status:               StatusCompleted,
			Description:          in.Description,
			IdempotencyKey:       in.IdempotencyKey,
			RelatedTransactionID: in.RelatedTransactionID,
			Metadata:             maps.Clone(in.Metadata),
			CreatedAt:            now,
		}
		if err := wtx.InsertTransaction(ctx, tx); err != nil {
			return err
		}

		w.Balance += in.Amount
		w.recordSpend(in.Type, in.Amount)
		w.Version++
		w.UpdatedAt = now
		if err := wtx.SaveWallet(ctx, w); err != nil {
			return err
		}

		created, after = tx, w
		return nil
	})

	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		// Lost the race against another first delivery of the same key.
		existing, lookupErr := s.store.TransactionByKey(ctx, in.IdempotencyKey)
		if lookupErr == nil && existing != nil {
			return s.replay(op, start, in, *existing), nil
		}
		err = &PersistenceError{Op: op, Err: err}
	}
	if err != nil {
		s.track(op, start, err)
		if errors.Is(err, ErrInsufficientBalance) {
			s.logger.Info("debit rejected",
				zap.String("user_id", string(in.UserID)),
				zap.Int64("amount", in.Amount),
				zap.String("type", string(in.Type)),
				zap.Error(err),
			)
		}
		return Transaction{}, err
	}
	if replayed != nil {
		return s.replay(op, start, in, *replayed), nil
	}

	s.track(op, start, nil)
	s.logger.Debug("transaction created",
		zap.String("user_id", string(created.UserID)),
		zap.String("transaction_id", string(created.ID)),
		zap.String("type", string(created.Type)),
		zap.Int64("amount", created.Amount),
		zap.Int64("balance", after.Balance),
	)
	s.publish(ctx, Event{
		Kind:          EventTransactionCreated,
		UserID:        created.UserID,
		TransactionID: created.ID,
		Type:          created.Type,
		Amount:        created.Amount,
		Balance:       after.Balance,
		HeldBalance:   after.HeldBalance,
		Tier:          after.Tier,
		OccurredAt:    created.CreatedAt,
	})
	return created, nil
}

func (s *Service) replay(op string, start time.Time, in TransactionInput, existing Transaction) Transaction {
	operationsTotal.WithLabelValues(op, outcomeReplay).Inc()
	operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if existing.UserID != in.UserID || existing.Amount != in.Amount {
		s.logger.Warn("idempotency key reused with different arguments",
			zap.String("idempotency_key", in.IdempotencyKey),
			zap.String("stored_user_id", string(existing.UserID)),
			zap.Int64("stored_amount", existing.Amount),
			zap.String("user_id", string(in.UserID)),
			zap.Int64("amount", in.Amount),
		)
	}
	return existing
}

func validateInput(in TransactionInput) error {
	if in.UserID == "" {
		return ErrInvalidUser
	}
	// MinInt64 has no positive counterpart to compare against the balance.
	if in.Amount == 0 || in.Amount == math.MinInt64 {
		return ErrInvalidAmount
	}
	if !in.Type.Valid() {
		return ErrInvalidType
	}
	return nil
}

// =============================================================================
// HOLDS
// =============================================================================

// PlaceHold reserves amount coins. The wallet's HeldBalance grows; Balance
// does not change and no transaction is written.
func (s *Service) PlaceHold(ctx context.Context, userID UserID, amount int64, purpose string) (Hold, error) {
	const op = "place_hold"
	start := time.Now()

	if userID == "" {
		s.track(op, start, ErrInvalidUser)
		return Hold{}, ErrInvalidUser
	}
	if amount <= 0 {
		s.track(op, start, ErrInvalidAmount)
		return Hold{}, ErrInvalidAmount
	}

	var (
		hold  Hold
		after Wallet
	)
	err := s.withWallet(ctx, op, userID, func(wtx WalletTx) error {
		w, err := wtx.Wallet(ctx)
		if err != nil {
			return err
		}
		if amount > w.Available() {
			return &InsufficientBalanceError{UserID: userID, Required: amount, Available: w.Available()}
		}

		now := s.now()
		h := Hold{
			ID:        HoldID(s.newID()),
			UserID:    userID,
			Amount:    amount,
			Purpose:   purpose,
			Status:    HoldActive,
			CreatedAt: now,
		}
		if err := wtx.InsertHold(ctx, h); err != nil {
			return err
		}

		w.HeldBalance += amount
		w.Version++
		w.UpdatedAt = now
		if err := wtx.SaveWallet(ctx, w); err != nil {
			return err
		}
		hold, after = h, w
		return nil
	})
	s.track(op, start, err)
	if err != nil {
		return Hold{}, err
	}

	s.publish(ctx, Event{
		Kind:        EventHoldPlaced,
		UserID:      userID,
		HoldID:      hold.ID,
		Amount:      hold.Amount,
		Balance:     after.Balance,
		HeldBalance: after.HeldBalance,
		Tier:        after.Tier,
		OccurredAt:  hold.CreatedAt,
	})
	return hold, nil
}

// SettleHold converts an active hold into a hold_settlement debit.
//
// The debit is settleAmount capped to the wallet's current balance net of
// its other active holds; HeldBalance drops by the hold's original amount.
// Settling an already-settled hold returns the original settlement.
func (s *Service) SettleHold(ctx context.Context, holdID HoldID, settleAmount int64) (Transaction, error) {
	const op = "settle_hold"
	start := time.Now()

	if settleAmount < 0 {
		s.track(op, start, ErrInvalidAmount)
		return Transaction{}, ErrInvalidAmount
	}

	h, err := s.store.GetHold(ctx, holdID)
	if err != nil {
		err = &PersistenceError{Op: op, Err: err}
		s.track(op, start, err)
		return Transaction{}, err
	}
	if h == nil {
		s.track(op, start, ErrHoldNotFound)
		return Transaction{}, ErrHoldNotFound
	}

	key := SettlementKey(holdID)
	var (
		settlement Transaction
		after      Wallet
		replayed   *Transaction
		capped     bool
		reserved   int64
	)
	err = s.withWallet(ctx, op, h.UserID, func(wtx WalletTx) error {
		replayed, capped = nil, false

		cur, err := wtx.Hold(ctx, holdID)
		if err != nil {
			return err
		}
		if cur == nil {
			return ErrHoldNotFound
		}
		if !cur.IsActive() {
			existing, err := wtx.TransactionByKey(ctx, key)
			if err != nil {
				return err
			}
			if existing != nil {
				replayed = existing
				return nil
			}
			return ErrHoldAlreadyResolved
		}

		w, err := wtx.Wallet(ctx)
		if err != nil {
			return err
		}

		otherHeld := max(w.HeldBalance-cur.Amount, 0)
		limit := max(w.Balance-otherHeld, 0)
		debit := settleAmount
		if debit > limit {
			debit = limit
			capped = true
		}

		now := s.now()
		tx := Transaction{
			ID:             TransactionID(s.newID()),
			UserID:         cur.UserID,
			Amount:         -debit,
			Type:           TxHoldSettlement,
			Status:         StatusCompleted,
			Description:    "Settlement: " + cur.Purpose,
			IdempotencyKey: key,
			Metadata: map[string]any{
				"hold_id":          string(cur.ID),
				"purpose":          cur.Purpose,
				"reserved_amount":  cur.Amount,
				"requested_amount": settleAmount,
				"capped":           capped,
			},
			CreatedAt: now,
		}
		if err := wtx.InsertTransaction(ctx, tx); err != nil {
			return err
		}

		w.Balance -= debit
		w.HeldBalance = max(w.HeldBalance-cur.Amount, 0)
		w.recordSpend(TxHoldSettlement, -debit)
		w.Version++
		w.UpdatedAt = now
		if err := wtx.SaveWallet(ctx, w); err != nil {
			return err
		}

		cur.Status = HoldSettled
		cur.SettlementTransactionID = tx.ID
		cur.ResolvedAt = &now
		if err := wtx.SaveHold(ctx, *cur); err != nil {
			return err
		}

		settlement, after, reserved = tx, w, cur.Amount
		return nil
	})
	if err != nil {
		s.track(op, start, err)
		return Transaction{}, err
	}
	if replayed != nil {
		operationsTotal.WithLabelValues(op, outcomeReplay).Inc()
		return *replayed, nil
	}

	s.track(op, start, nil)
	if capped {
		s.logger.Warn("hold settlement capped to wallet balance",
			zap.String("hold_id", string(holdID)),
			zap.String("user_id", string(h.UserID)),
			zap.Int64("reserved", reserved),
			zap.Int64("requested", settleAmount),
			zap.Int64("debited", -settlement.Amount),
		)
	}
	s.publish(ctx, Event{
		Kind:          EventHoldSettled,
		UserID:        settlement.UserID,
		TransactionID: settlement.ID,
		HoldID:        holdID,
		Type:          TxHoldSettlement,
		Amount:        settlement.Amount,
		Balance:       after.Balance,
		HeldBalance:   after.HeldBalance,
		Tier:          after.Tier,
		OccurredAt:    settlement.CreatedAt,
	})
	return settlement, nil
}

// ReleaseHold cancels an active hold without writing a transaction.
// Releasing an already resolved hold is a no-op.
func (s *Service) ReleaseHold(ctx context.Context, holdID HoldID) error {
	const op = "release_hold"
	start := time.Now()

	h, err := s.store.GetHold(ctx, holdID)
	if err != nil {
		err = &PersistenceError{Op: op, Err: err}
		s.track(op, start, err)
		return err
	}
	if h == nil {
		s.track(op, start, ErrHoldNotFound)
		return ErrHoldNotFound
	}

	var (
		after    Wallet
		released bool
	)
	err = s.withWallet(ctx, op, h.UserID, func(wtx WalletTx) error {
		released = false

		cur, err := wtx.Hold(ctx, holdID)
		if err != nil {
			return err
		}
		if cur == nil {
			return ErrHoldNotFound
		}
		if !cur.IsActive() {
			return nil
		}

		w, err := wtx.Wallet(ctx)
		if err != nil {
			return err
		}
		now := s.now()
		w.HeldBalance = max(w.HeldBalance-cur.Amount, 0)
		w.Version++
		w.UpdatedAt = now
		if err := wtx.SaveWallet(ctx, w); err != nil {
			return err
		}

		cur.Status = HoldReleased
		cur.ResolvedAt = &now
		if err := wtx.SaveHold(ctx, *cur); err != nil {
			return err
		}
		after, released = w, true
		return nil
	})
	s.track(op, start, err)
	if err != nil || !released {
		return err
	}

	s.publish(ctx, Event{
		Kind:        EventHoldReleased,
		UserID:      h.UserID,
		HoldID:      holdID,
		Amount:      h.Amount,
		Balance:     after.Balance,
		HeldBalance: after.HeldBalance,
		Tier:        after.Tier,
		OccurredAt:  s.now(),
	})
	return nil
}

// GetHold returns ErrHoldNotFound for unknown IDs.
func (s *Service) GetHold(ctx context.Context, holdID HoldID) (Hold, error) {
	h, err := s.store.GetHold(ctx, holdID)
	if err != nil {
		return Hold{}, &PersistenceError{Op: "get_hold", Err: err}
	}
	if h == nil {
		return Hold{}, ErrHoldNotFound
	}
	return *h, nil
}

// =============================================================================
// READS
// =============================================================================

// GetAvailableBalance returns Balance - HeldBalance, creating an empty wallet
// on first access.
func (s *Service) GetAvailableBalance(ctx context.Context, userID UserID) (int64, error) {
	if userID == "" {
		return 0, ErrInvalidUser
	}
	if snap, ok := s.cache.Get(ctx, userID); ok {
		cacheLookups.WithLabelValues("hit").Inc()
		return snap.Available(), nil
	}
	cacheLookups.WithLabelValues("miss").Inc()

	w, err := s.GetWallet(ctx, userID)
	if err != nil {
		return 0, err
	}
	return w.Available(), nil
}

// GetWallet reads the authoritative wallet row (creating it if needed) and
// refreshes the cache. It holds the user's lease so the cache is never
// filled from a row an in-flight mutation is about to replace.
func (s *Service) GetWallet(ctx context.Context, userID UserID) (Wallet, error) {
	if userID == "" {
		return Wallet{}, ErrInvalidUser
	}
	unlock := s.locks.Lock(string(userID))
	defer unlock()

	stored, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return Wallet{}, &PersistenceError{Op: "get_wallet", Err: err}
	}

	var w Wallet
	if stored != nil {
		w = *stored
	} else {
		err = s.store.WithWallet(ctx, userID, func(wtx WalletTx) error {
			var err error
			w, err = wtx.Wallet(ctx)
			return err
		})
		if err != nil {
			return Wallet{}, &PersistenceError{Op: "create_wallet", Err: err}
		}
	}

	if err := s.cache.Set(ctx, snapshotOf(w, s.now())); err != nil {
		s.logger.Warn("balance cache set failed", zap.String("user_id", string(userID)), zap.Error(err))
	}
	return w, nil
}

// History returns the user's newest transactions first.
func (s *Service) History(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	txs, err := s.store.Transactions(ctx, userID, limit)
	if err != nil {
		return nil, &PersistenceError{Op: "history", Err: err}
	}
	return txs, nil
}

// FindByIdempotencyKey returns nil, nil when no transaction carries key.
func (s *Service) FindByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	tx, err := s.store.TransactionByKey(ctx, key)
	if err != nil {
		return nil, &PersistenceError{Op: "find_by_key", Err: err}
	}
	return tx, nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// ReconcileWallet compares the stored balance with the sum of completed
// transactions. It reports; it never repairs.
func (s *Service) ReconcileWallet(ctx context.Context, userID UserID) (Reconciliation, error) {
	if userID == "" {
		return Reconciliation{}, ErrInvalidUser
	}

	unlock := s.locks.Lock(string(userID))
	stored, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		unlock()
		return Reconciliation{}, &PersistenceError{Op: "reconcile", Err: err}
	}
	sum, err := s.store.SumTransactions(ctx, userID)
	unlock()
	if err != nil {
		return Reconciliation{}, &PersistenceError{Op: "reconcile", Err: err}
	}

	var balance int64
	if stored != nil {
		balance = stored.Balance
	}

	r := Reconciliation{
		UserID:         userID,
		Status:         ReconcileOK,
		Balance:        balance,
		TransactionSum: sum,
		CheckedAt:      s.now(),
	}
	if balance != sum {
		r.Status = ReconcileDiscrepancy
		r.Amount = balance - sum
		reconciliationDiscrepancies.Inc()
		s.logger.Warn("wallet reconciliation discrepancy",
			zap.String("user_id", string(userID)),
			zap.Int64("balance", balance),
			zap.Int64("transaction_sum", sum),
			zap.Int64("amount", r.Amount),
		)
	}
	return r, nil
}

// ListUserIDs returns every user with a wallet.
func (s *Service) ListUserIDs(ctx context.Context) ([]UserID, error) {
	ids, err := s.store.ListUserIDs(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "list_users", Err: err}
	}
	return ids, nil
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

func (s *Service) withWallet(ctx context.Context, op string, userID UserID, fn func(WalletTx) error) error {
	unlock := s.locks.Lock(string(userID))
	defer unlock()

	var err error
	for attempt := 1; ; attempt++ {
		err = s.store.WithWallet(ctx, userID, fn)
		if err == nil || !errors.Is(err, ErrConcurrentModification) || attempt >= s.maxRetries || ctx.Err() != nil {
			break
		}
		s.logger.Warn("wallet unit of work conflict, retrying",
			zap.String("op", op),
			zap.String("user_id", string(userID)),
			zap.Int("attempt", attempt),
		)
	}
	if err != nil {
		if isDomainError(err) {
			return err
		}
		return &PersistenceError{Op: op, Err: err}
	}

	if err := s.cache.Invalidate(ctx, userID); err != nil {
		s.logger.Error("balance cache invalidation failed",
			zap.String("user_id", string(userID)),
			zap.Error(err),
		)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, ev Event) {
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Error("wallet event publish failed",
			zap.String("kind", string(ev.Kind)),
			zap.String("user_id", string(ev.UserID)),
			zap.Error(err),
		)
	}
}

func (s *Service) track(op string, start time.Time, err error) {
	operationsTotal.WithLabelValues(op, outcomeOf(err)).Inc()
	operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
