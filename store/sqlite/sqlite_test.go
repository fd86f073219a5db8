package sqlite_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coin-ledger/store/sqlite"
	"github.com/warp/coin-ledger/wallet"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_ServiceRoundTrip(t *testing.T) {
	// GIVEN: the engine running on SQLite
	s := newTestStore(t)
	svc := wallet.NewService(s)
	ctx := context.Background()

	// WHEN: a purchase, a tip and a settled session
	_, err := svc.CreateTransaction(ctx, wallet.TransactionInput{
		UserID:         "alice",
		Amount:         1000,
		Type:           wallet.TxPurchase,
		IdempotencyKey: "stripe_cs_1",
		Metadata:       map[string]any{"package_id": "coins_1000"},
	})
	require.NoError(t, err)

	_, err = svc.CreateTransaction(ctx, wallet.TransactionInput{UserID: "alice", Amount: -100, Type: wallet.TxTip})
	require.NoError(t, err)

	hold, err := svc.PlaceHold(ctx, "alice", 500, "call")
	require.NoError(t, err)
	settlement, err := svc.SettleHold(ctx, hold.ID, 200)
	require.NoError(t, err)

	// THEN
	w, err := s.GetWallet(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, int64(700), w.Balance)
	assert.Equal(t, int64(0), w.HeldBalance)
	assert.Equal(t, int64(300), w.LifetimeSpent)
	assert.Equal(t, int64(4), w.Version)

	h, err := s.GetHold(ctx, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, wallet.HoldSettled, h.Status)
	assert.Equal(t, settlement.ID, h.SettlementTransactionID)
	require.NotNil(t, h.ResolvedAt)

	txs, err := s.Transactions(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, wallet.TxHoldSettlement, txs[0].Type)
	assert.Equal(t, "coins_1000", txs[2].Metadata["package_id"])

	limited, err := s.Transactions(ctx, "alice", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	sum, err := s.SumTransactions(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(700), sum)

	r, err := svc.ReconcileWallet(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, wallet.ReconcileOK, r.Status)
}

func TestStore_ConcurrentDebits_NoDoubleSpend(t *testing.T) {
	// GIVEN: balance 100 with 20 held, and two engines sharing the store so
	// only the store serializes them
	s := newTestStore(t)
	ctx := context.Background()
	setup := wallet.NewService(s)
	_, err := setup.CreateTransaction(ctx, wallet.TransactionInput{UserID: "olga", Amount: 100, Type: wallet.TxPurchase})
	require.NoError(t, err)
	_, err = setup.PlaceHold(ctx, "olga", 20, "call")
	require.NoError(t, err)

	engines := []*wallet.Service{wallet.NewService(s), wallet.NewService(s)}

	// WHEN: both debit 80 at once
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, len(engines))
	)
	for i, svc := range engines {
		wg.Add(1)
		go func(i int, svc *wallet.Service) {
			defer wg.Done()
			<-start
			_, errs[i] = svc.CreateTransaction(ctx, wallet.TransactionInput{UserID: "olga", Amount: -80, Type: wallet.TxCallCharge})
		}(i, svc)
	}
	close(start)
	wg.Wait()

	// THEN: exactly one succeeds and the other is told why
	var succeeded, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, wallet.ErrInsufficientBalance):
			rejected++
			var ie *wallet.InsufficientBalanceError
			require.True(t, errors.As(err, &ie))
			assert.Equal(t, int64(80), ie.Required)
			assert.Equal(t, int64(0), ie.Available)
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)

	w, err := s.GetWallet(ctx, "olga")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, int64(20), w.Balance)
	assert.Equal(t, int64(20), w.HeldBalance)

	sum, err := s.SumTransactions(ctx, "olga")
	require.NoError(t, err)
	assert.Equal(t, int64(20), sum)
}

func TestStore_ReplayReturnsSameMetadata(t *testing.T) {
	// GIVEN: a keyed purchase with numeric metadata
	s := newTestStore(t)
	svc := wallet.NewService(s)
	ctx := context.Background()
	in := wallet.TransactionInput{
		UserID:         "pia",
		Amount:         1000,
		Type:           wallet.TxPurchase,
		IdempotencyKey: "stripe_cs_9",
		Metadata: map[string]any{
			"amount_total": int64(999),
			"currency":     "usd",
			"rate":         0.01,
		},
	}
	first, err := svc.CreateTransaction(ctx, in)
	require.NoError(t, err)

	// WHEN: the same request is replayed
	second, err := svc.CreateTransaction(ctx, in)
	require.NoError(t, err)

	// THEN: the stored copy matches what the first call returned
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Metadata, second.Metadata)
	assert.Equal(t, int64(999), second.Metadata["amount_total"])
}

func TestStore_DuplicateIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insert := func(id string) error {
		return s.WithWallet(ctx, "bob", func(tx wallet.WalletTx) error {
			return tx.InsertTransaction(ctx, wallet.Transaction{
				ID:             wallet.TransactionID(id),
				UserID:         "bob",
				Amount:         10,
				Type:           wallet.TxPurchase,
				Status:         wallet.StatusCompleted,
				IdempotencyKey: "same-key",
				CreatedAt:      time.Now(),
			})
		})
	}

	require.NoError(t, insert("tx-1"))
	err := insert("tx-2")
	assert.ErrorIs(t, err, wallet.ErrDuplicateIdempotencyKey)

	found, err := s.TransactionByKey(ctx, "same-key")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, wallet.TransactionID("tx-1"), found.ID)
}

func TestStore_RollbackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithWallet(ctx, "carol", func(tx wallet.WalletTx) error {
		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}
		w.Balance = 50
		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	w, err := s.GetWallet(ctx, "carol")
	require.NoError(t, err)
	assert.Nil(t, w, "wallet creation rolled back with the rest")
}

func TestStore_SaveWalletRejectsInvariantViolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithWallet(ctx, "dave", func(tx wallet.WalletTx) error {
		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}
		w.HeldBalance = 10
		return tx.SaveWallet(ctx, w)
	})
	assert.ErrorIs(t, err, wallet.ErrInvariantViolation)
}

func TestStore_ReconciliationRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"run-1", "run-2"} {
		err := s.SaveReconciliationRun(ctx, wallet.ReconciliationRun{
			ID:             id,
			StartedAt:      base.Add(time.Duration(i) * time.Hour),
			CompletedAt:    base.Add(time.Duration(i)*time.Hour + time.Second),
			WalletsChecked: 3,
			Status:         "completed",
			Discrepancies: []wallet.Reconciliation{
				{UserID: "erin", Status: wallet.ReconcileDiscrepancy, Balance: 10, TransactionSum: 5, Amount: 5},
			},
		})
		require.NoError(t, err)
	}

	runs, err := s.ListReconciliationRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	require.Len(t, runs[0].Discrepancies, 1)
	assert.Equal(t, int64(5), runs[0].Discrepancies[0].Amount)
	assert.Equal(t, 3, runs[0].WalletsChecked)
}

func TestStore_ListUserIDs(t *testing.T) {
	s := newTestStore(t)
	svc := wallet.NewService(s)
	ctx := context.Background()

	for _, u := range []wallet.UserID{"b", "a", "c"} {
		_, err := svc.GetWallet(ctx, u)
		require.NoError(t, err)
	}

	ids, err := s.ListUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []wallet.UserID{"a", "b", "c"}, ids)
}
