package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/futarchyfi/condamm/internal/domain"
	"github.com/redis/go-redis/v9"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each pool's
// spot price is stored at key "price:{marketID}:{outcome}" with fields
// "price" (PriceScale-scaled integer) and "ts" (Unix nanosecond timestamp).
// The spot-collateral pool uses outcome -1.
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

// PriceKey builds the cache key for a market's pool price.
func PriceKey(marketID string, outcome int) string {
	return marketID + ":" + strconv.Itoa(outcome)
}

func priceKey(key string) string {
	return "price:" + key
}

// SetPrice stores the latest scaled price and timestamp for a pool.
func (pc *PriceCache) SetPrice(ctx context.Context, key string, price uint64, ts time.Time) error {
	fields := map[string]interface{}{
		"price": strconv.FormatUint(price, 10),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, priceKey(key), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", key, err)
	}
	return nil
}

// GetPrice retrieves the latest scaled price and timestamp for a pool.
// It returns domain.ErrNotFound when the key does not exist.
func (pc *PriceCache) GetPrice(ctx context.Context, key string) (uint64, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(key)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", key, err)
	}
	if len(vals) == 0 {
		return 0, time.Time{}, domain.ErrNotFound
	}

	priceStr, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	price, err := strconv.ParseUint(priceStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse price %s: %w", key, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", key, err)
	}

	return price, time.Unix(0, tsNano), nil
}

// GetPrices retrieves the latest prices for multiple pools using a pipeline.
// Keys that do not exist are silently omitted from the result map.
func (pc *PriceCache) GetPrices(ctx context.Context, keys []string) (map[string]uint64, error) {
	if len(keys) == 0 {
		return map[string]uint64{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(keys))
	for _, k := range keys {
		cmds[k] = pipe.HGetAll(ctx, priceKey(k))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	result := make(map[string]uint64, len(keys))
	for k, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		priceStr, ok := vals["price"]
		if !ok {
			continue
		}
		price, err := strconv.ParseUint(priceStr, 10, 64)
		if err != nil {
			continue
		}
		result[k] = price
	}

	return result, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
