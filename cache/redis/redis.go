// Package redis is a wallet.BalanceCache backed by Redis.
//
// Snapshots are stored as JSON under "wallet:balance:<userID>" with a TTL.
// Set is a compare-and-set on the snapshot version so a slow reader can
// never overwrite a newer snapshot.
package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/coin-ledger/wallet"
)

const namespace = "wallet:balance"

// setIfNewer writes ARGV[2] unless the stored snapshot has a higher version.
var setIfNewer = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then
	local ok, decoded = pcall(cjson.decode, cur)
	if ok and decoded["version"] and tonumber(decoded["version"]) > tonumber(ARGV[1]) then
		return 0
	end
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

type Cache struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// New creates a cache. A single address uses a plain client, several use
// a cluster client.
func New(addrs []string, password string, ttl time.Duration, logger *zap.Logger) *Cache {
	var rdb redis.UniversalClient
	if len(addrs) > 1 {
		rdb = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    addrs,
			Password: password,
		})
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr:     addrs[0],
			Password: password,
			DB:       0,
		})
	}
	return NewWithClient(rdb, ttl, logger)
}

func NewWithClient(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{client: client, ttl: ttl, logger: logger}
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}

func key(userID wallet.UserID) string {
	return namespace + ":" + string(userID)
}

func (c *Cache) Get(ctx context.Context, userID wallet.UserID) (wallet.BalanceSnapshot, bool) {
	raw, err := c.client.Get(ctx, key(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("balance cache get failed", zap.String("user_id", string(userID)), zap.Error(err))
		}
		return wallet.BalanceSnapshot{}, false
	}

	var snap wallet.BalanceSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		c.logger.Warn("balance cache entry corrupt", zap.String("user_id", string(userID)), zap.Error(err))
		return wallet.BalanceSnapshot{}, false
	}
	return snap, true
}

func (c *Cache) Set(ctx context.Context, snap wallet.BalanceSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	ttl := c.ttl
	if ttl <= 0 {
		ttl = time.Minute
	}
	return setIfNewer.Run(ctx, c.client, []string{key(snap.UserID)}, snap.Version, data, ttl.Milliseconds()).Err()
}

func (c *Cache) Invalidate(ctx context.Context, userID wallet.UserID) error {
	return c.client.Del(ctx, key(userID)).Err()
}

var _ wallet.BalanceCache = (*Cache)(nil)
