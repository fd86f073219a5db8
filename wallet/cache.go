package wallet

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// BALANCE CACHE - Read-path convenience, never authoritative
// =============================================================================

// BalanceSnapshot is a cached copy of a wallet's balances.
type BalanceSnapshot struct {
	UserID      UserID    `json:"user_id"`
	Balance     int64     `json:"balance"`
	HeldBalance int64     `json:"held_balance"`
	Version     int64     `json:"version"`
	CachedAt    time.Time `json:"cached_at"`
}

func (s BalanceSnapshot) Available() int64 {
	return s.Balance - s.HeldBalance
}

func snapshotOf(w Wallet, now time.Time) BalanceSnapshot {
	return BalanceSnapshot{
		UserID:      w.UserID,
		Balance:     w.Balance,
		HeldBalance: w.HeldBalance,
		Version:     w.Version,
		CachedAt:    now,
	}
}

// BalanceCache caches balance snapshots keyed by user.
// The engine invalidates synchronously after every mutation and never uses
// a cached value to decide a write.
type BalanceCache interface {
	// Get reports a miss on any backend error.
	Get(ctx context.Context, userID UserID) (BalanceSnapshot, bool)
	Set(ctx context.Context, snap BalanceSnapshot) error
	Invalidate(ctx context.Context, userID UserID) error
}

// NopCache disables caching.
type NopCache struct{}

func (NopCache) Get(context.Context, UserID) (BalanceSnapshot, bool) { return BalanceSnapshot{}, false }
func (NopCache) Set(context.Context, BalanceSnapshot) error { return nil }
func (NopCache) Invalidate(context.Context, UserID) error { return nil }

// MemoryCache is an in-process BalanceCache with a TTL.
type MemoryCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[UserID]BalanceSnapshot
	now     func() time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		entries: make(map[UserID]BalanceSnapshot),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, userID UserID) (BalanceSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap, ok := c.entries[userID]
	if !ok {
		return BalanceSnapshot{}, false
	}
	if c.ttl > 0 && c.now().Sub(snap.CachedAt) > c.ttl {
		return BalanceSnapshot{}, false
	}
	return snap, true
}

// Set keeps the newer version when two readers race.
func (c *MemoryCache) Set(_ context.Context, snap BalanceSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.entries[snap.UserID]; ok && cur.Version > snap.Version {
		return nil
	}
	c.entries[snap.UserID] = snap
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, userID UserID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
	return nil
}
