// Package store provides Store implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/warp/coin-ledger/wallet"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps everything in maps. WithWallet serialises per user through a
// KeyedMutex and stages writes, which are applied only when fn succeeds.
type Memory struct {
	mu           sync.RWMutex
	wallets      map[wallet.UserID]wallet.Wallet
	transactions map[wallet.UserID][]wallet.Transaction
	byKey        map[string]wallet.Transaction
	holds        map[wallet.HoldID]wallet.Hold
	runs         []wallet.ReconciliationRun

	locks *wallet.KeyedMutex
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		wallets:      make(map[wallet.UserID]wallet.Wallet),
		transactions: make(map[wallet.UserID][]wallet.Transaction),
		byKey:        make(map[string]wallet.Transaction),
		holds:        make(map[wallet.HoldID]wallet.Hold),
		locks:        wallet.NewKeyedMutex(),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// PutWallet overwrites a wallet row without touching the ledger.
// Fixtures use it to simulate drift between balance and history.
func (m *Memory) PutWallet(w wallet.Wallet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[w.UserID] = w
}

// =============================================================================
// READER
// =============================================================================

func (m *Memory) GetWallet(_ context.Context, userID wallet.UserID) (*wallet.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[userID]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (m *Memory) GetHold(_ context.Context, id wallet.HoldID) (*wallet.Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.holds[id]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (m *Memory) TransactionByKey(_ context.Context, idempotencyKey string) (*wallet.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.byKey[idempotencyKey]
	if !ok {
		return nil, nil
	}
	return &tx, nil
}

func (m *Memory) Transactions(_ context.Context, userID wallet.UserID, limit int) ([]wallet.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txs := m.transactions[userID]
	n := len(txs)
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]wallet.Transaction, 0, n)
	for i := len(txs) - 1; i >= 0 && len(result) < n; i-- {
		result = append(result, txs[i])
	}
	return result, nil
}

func (m *Memory) SumTransactions(_ context.Context, userID wallet.UserID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, tx := range m.transactions[userID] {
		if tx.Status == wallet.StatusCompleted {
			sum += tx.Amount
		}
	}
	return sum, nil
}

func (m *Memory) ListUserIDs(_ context.Context) ([]wallet.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]wallet.UserID, 0, len(m.wallets))
	for id := range m.wallets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithWallet executes fn against a staged view of userID's wallet.
// Staged writes are applied atomically if fn returns nil, dropped otherwise.
func (m *Memory) WithWallet(ctx context.Context, userID wallet.UserID, fn func(wallet.WalletTx) error) error {
	unlock := m.locks.Lock(string(userID))
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	view := &memoryTx{
		parent: m,
		userID: userID,
		keys:   make(map[string]wallet.Transaction),
		holds:  make(map[wallet.HoldID]wallet.Hold),
	}
	if err := fn(view); err != nil {
		return err
	}
	return m.commit(view)
}

func (m *Memory) commit(v *memoryTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Keys are global, so a different user may have claimed one since the
	// view checked it. Nothing is applied in that case.
	for key := range v.keys {
		if _, taken := m.byKey[key]; taken {
			return wallet.ErrDuplicateIdempotencyKey
		}
	}

	if v.wallet != nil {
		m.wallets[v.userID] = *v.wallet
	}
	for _, tx := range v.inserted {
		m.transactions[tx.UserID] = append(m.transactions[tx.UserID], tx)
		if tx.IdempotencyKey != "" {
			m.byKey[tx.IdempotencyKey] = tx
		}
	}
	maps.Copy(m.holds, v.holds)
	return nil
}

type memoryTx struct {
	parent   *Memory
	userID   wallet.UserID
	wallet   *wallet.Wallet
	inserted []wallet.Transaction
	keys     map[string]wallet.Transaction
	holds    map[wallet.HoldID]wallet.Hold
}

func (v *memoryTx) Wallet(ctx context.Context) (wallet.Wallet, error) {
	if v.wallet != nil {
		return *v.wallet, nil
	}
	stored, err := v.parent.GetWallet(ctx, v.userID)
	if err != nil {
		return wallet.Wallet{}, err
	}
	w := wallet.NewWallet(v.userID, v.parent.now())
	if stored != nil {
		w = *stored
	}
	v.wallet = &w
	return w, nil
}

func (v *memoryTx) SaveWallet(_ context.Context, w wallet.Wallet) error {
	if w.UserID != v.userID {
		return fmt.Errorf("save wallet %s inside unit of work for %s", w.UserID, v.userID)
	}
	if err := w.CheckInvariants(); err != nil {
		return err
	}
	v.wallet = &w
	return nil
}

func (v *memoryTx) InsertTransaction(ctx context.Context, tx wallet.Transaction) error {
	if tx.UserID != v.userID {
		return fmt.Errorf("insert transaction for %s inside unit of work for %s", tx.UserID, v.userID)
	}
	if tx.IdempotencyKey != "" {
		existing, err := v.TransactionByKey(ctx, tx.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			return wallet.ErrDuplicateIdempotencyKey
		}
		v.keys[tx.IdempotencyKey] = tx
	}
	tx.Metadata = maps.Clone(tx.Metadata)
	v.inserted = append(v.inserted, tx)
	return nil
}

func (v *memoryTx) TransactionByKey(ctx context.Context, idempotencyKey string) (*wallet.Transaction, error) {
	if tx, ok := v.keys[idempotencyKey]; ok {
		return &tx, nil
	}
	return v.parent.TransactionByKey(ctx, idempotencyKey)
}

func (v *memoryTx) InsertHold(ctx context.Context, h wallet.Hold) error {
	existing, err := v.Hold(ctx, h.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return errors.New("hold already exists: " + string(h.ID))
	}
	v.holds[h.ID] = h
	return nil
}

func (v *memoryTx) Hold(ctx context.Context, id wallet.HoldID) (*wallet.Hold, error) {
	if h, ok := v.holds[id]; ok {
		return &h, nil
	}
	return v.parent.GetHold(ctx, id)
}

func (v *memoryTx) SaveHold(_ context.Context, h wallet.Hold) error {
	if h.UserID != v.userID {
		return fmt.Errorf("save hold of %s inside unit of work for %s", h.UserID, v.userID)
	}
	v.holds[h.ID] = h
	return nil
}

// =============================================================================
// RECONCILIATION RUNS (wallet.RunStore)
// =============================================================================

// SaveReconciliationRun inserts run, or replaces the run with the same ID.
func (m *Memory) SaveReconciliationRun(_ context.Context, run wallet.ReconciliationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	m.runs = append(m.runs, run)
	return nil
}

// ListReconciliationRuns returns the newest runs first.
func (m *Memory) ListReconciliationRuns(_ context.Context, limit int) ([]wallet.ReconciliationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []wallet.ReconciliationRun
	for i := len(m.runs) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		result = append(result, m.runs[i])
	}
	return result, nil
}

var (
	_ wallet.Store    = (*Memory)(nil)
	_ wallet.RunStore = (*Memory)(nil)
)
