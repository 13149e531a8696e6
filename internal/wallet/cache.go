package wallet

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ledgerworks/wallet_ledger/internal/ledger"
)

//go:embed balance_cache.lua
var luaSetIfGeneration string

const generationTTL = 24 * time.Hour

// BalanceCache stores per-user balance sheets. Get returns the generation observed
// with the lookup; Set only succeeds while that generation is still current, so a
// read that raced a committed operation can never overwrite its invalidation.
type BalanceCache interface {
	Get(ctx context.Context, userID int64) (sheet []ledger.AssetBalance, generation string, hit bool, err error)
	Set(ctx context.Context, userID int64, generation string, sheet []ledger.AssetBalance) error
	Invalidate(ctx context.Context, userID int64) error
}

// NoopCache disables balance caching.
type NoopCache struct{}

func (NoopCache) Get(context.Context, int64) ([]ledger.AssetBalance, string, bool, error) {
	return nil, "", false, nil
}

func (NoopCache) Set(context.Context, int64, string, []ledger.AssetBalance) error { return nil }

func (NoopCache) Invalidate(context.Context, int64) error { return nil }

// RedisBalanceCache keeps each sheet as JSON next to a generation counter. Both keys
// share a hash tag so the Lua script stays single-slot on Redis Cluster.
type RedisBalanceCache struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	setScr *redis.Script
}

func NewRedisBalanceCache(rdb redis.UniversalClient, ttl time.Duration) *RedisBalanceCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisBalanceCache{rdb: rdb, ttl: ttl, setScr: redis.NewScript(luaSetIfGeneration)}
}

func sheetKey(userID int64) string      { return fmt.Sprintf("balances:{user:%d}", userID) }
func generationKey(userID int64) string { return fmt.Sprintf("balances:{user:%d}:gen", userID) }

func (c *RedisBalanceCache) Get(ctx context.Context, userID int64) ([]ledger.AssetBalance, string, bool, error) {
	vals, err := c.rdb.MGet(ctx, sheetKey(userID), generationKey(userID)).Result()
	if err != nil {
		return nil, "", false, err
	}

	generation := "0"
	if g, ok := vals[1].(string); ok {
		generation = g
	}
	raw, ok := vals[0].(string)
	if !ok {
		return nil, generation, false, nil
	}

	var sheet []ledger.AssetBalance
	if err := json.Unmarshal([]byte(raw), &sheet); err != nil {
		// Treat a corrupt entry as a miss; the next Set overwrites it.
		return nil, generation, false, nil
	}
	return sheet, generation, true, nil
}

func (c *RedisBalanceCache) Set(ctx context.Context, userID int64, generation string, sheet []ledger.AssetBalance) error {
	payload, err := json.Marshal(sheet)
	if err != nil {
		return err
	}
	keys := []string{sheetKey(userID), generationKey(userID)}
	ttl := strconv.FormatInt(c.ttl.Milliseconds(), 10)
	err = c.setScr.Run(ctx, c.rdb, keys, generation, string(payload), ttl).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (c *RedisBalanceCache) Invalidate(ctx context.Context, userID int64) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(userID))
		pipe.Expire(ctx, generationKey(userID), generationTTL)
		pipe.Del(ctx, sheetKey(userID))
		return nil
	})
	return err
}
